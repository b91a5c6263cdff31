package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/observability"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/typeutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the interface for logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

var tracer = otel.Tracer("changeflow/evaluation")

const (
	noIssues       = "No issues found."
	noRefinement   = "No refinement needed."
	missingJudging = "judge returned no result for this criterion"
)

// LocalCheck evaluates one auto-fail condition without the judge. A local
// trigger overrides the judge's claim; a local pass leaves the claim alone.
type LocalCheck struct {
	ID    string
	Check func(request, artifact string) (triggered bool, evidence string)
}

// Gate turns a judge's free-form assessment of an artifact into a Result
// whose verdict is computed locally from the rubric.
type Gate struct {
	LLM         agents.StructuredLLM
	Prompts     agents.PromptRegistry
	PromptKey   string
	Rubric      *Rubric
	LocalChecks []LocalCheck
	Logger      Logger

	now func() time.Time
}

// NewGate creates a Gate for the output rubric with the structural
// execution-steps check enabled.
func NewGate(llm agents.StructuredLLM, prompts agents.PromptRegistry, rubric *Rubric, logger Logger) *Gate {
	if rubric == nil {
		rubric = DefaultOutputRubric()
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &Gate{
		LLM:       llm,
		Prompts:   prompts,
		PromptKey: agents.PromptOutputJudge,
		Rubric:    rubric,
		LocalChecks: []LocalCheck{
			{ID: "AF1", Check: ExecutionStepsCheck},
		},
		Logger: logger,
		now:    time.Now,
	}
}

// Evaluate scores artifact against the rubric. Unparseable judge output
// yields a Result with every criterion failed; only a failed model call or
// prompt lookup is returned as an error.
func (g *Gate) Evaluate(ctx context.Context, request, artifact string, evalCtx map[string]any) (_ *Result, err error) {
	ctx, span := tracer.Start(ctx, "evaluation.evaluate", trace.WithAttributes(
		attribute.String("changeflow.rubric", g.Rubric.Name),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	prompt, err := g.Prompts.Get(ctx, g.PromptKey, g.promptVars(request, artifact, evalCtx))
	if err != nil {
		return nil, fmt.Errorf("judge prompt: %w", err)
	}

	var raw map[string]any
	unparseable := false
	if err := g.LLM.GenerateStructured(ctx, "evaluate:"+g.Rubric.Name, prompt, &raw); err != nil {
		if !errors.Is(err, agents.ErrParse) {
			return nil, err
		}
		g.Logger.Warn("judge_output_unparseable", "rubric", g.Rubric.Name, "error", err.Error())
		raw = nil
		unparseable = true
	}

	result := g.Build(raw)
	result.Unparseable = unparseable

	for _, lc := range g.LocalChecks {
		triggered, evidence := lc.Check(request, artifact)
		if !triggered {
			continue
		}
		for i := range result.AutoFails {
			if result.AutoFails[i].ID == lc.ID {
				result.AutoFails[i].Triggered = true
				result.AutoFails[i].Evidence = evidence
			}
		}
	}

	g.Finalize(result)

	span.SetAttributes(
		attribute.String("changeflow.verdict", string(result.Verdict)),
		attribute.Int("changeflow.criteria_passed", result.TotalPassed()),
	)
	span.SetStatus(codes.Ok, string(result.Verdict))
	return result, nil
}

func (g *Gate) promptVars(request, artifact string, evalCtx map[string]any) map[string]any {
	vars := map[string]any{
		"rubric":         g.Rubric.PromptText(),
		"request":        request,
		"artifact":       artifact,
		"client_context": "No additional context available.",
	}
	if len(evalCtx) > 0 {
		if data, err := json.MarshalIndent(evalCtx, "", "  "); err == nil {
			vars["client_context"] = string(data)
		}
		for k, v := range evalCtx {
			if _, taken := vars[k]; !taken {
				vars[k] = v
			}
		}
	}
	return vars
}

// Build maps decoded judge output onto the rubric. Every rubric criterion
// appears in the result: missing or unreadable judgments are failed with
// UnparseableFix, missing auto-fail checks are not triggered. The verdict is
// set by Finalize.
func (g *Gate) Build(raw map[string]any) *Result {
	result := &Result{
		Rubric:          g.Rubric.Name,
		AutoFails:       make([]AutoFailCheck, 0, len(g.Rubric.AutoFails)),
		Dimensions:      make([]Dimension, 0, len(g.Rubric.Dimensions)),
		Critique:        noIssues,
		FixInstructions: noRefinement,
		CreatedAt:       g.clock(),
		Judge:           raw,
	}

	judgedAutoFails := indexByID(typeutil.SafeMapSlice(raw["auto_fail_checks"]), "id", "condition")
	for _, spec := range g.Rubric.AutoFails {
		check := AutoFailCheck{ID: spec.ID, Description: spec.Description}
		if judged, ok := judgedAutoFails[NormalizeID(spec.ID)]; ok {
			check.Triggered = typeutil.SafeBoolDefault(judged["triggered"], false)
			check.Evidence = typeutil.SafeStringDefault(judged["evidence"], "")
		}
		result.AutoFails = append(result.AutoFails, check)
	}

	judgedCriteria := indexByID(collectCriteria(raw), "criterion_id", "id", "criterion")
	fixes := indexByID(typeutil.SafeMapSlice(raw["failed_criteria_fixes"]), "criterion_id", "id", "criterion")
	for _, dimSpec := range g.Rubric.Dimensions {
		dim := Dimension{
			Name:      dimSpec.Name,
			Threshold: dimSpec.Threshold,
			Criteria:  make([]Criterion, 0, len(dimSpec.Criteria)),
		}
		for _, spec := range dimSpec.Criteria {
			dim.Criteria = append(dim.Criteria, buildCriterion(spec, judgedCriteria[NormalizeID(spec.ID)], fixes[NormalizeID(spec.ID)]))
		}
		result.Dimensions = append(result.Dimensions, dim)
	}

	for _, m := range typeutil.SafeMapSlice(raw["rubric_scores"]) {
		score := typeutil.SafeIntDefault(m["score"], 0)
		if score < 0 {
			score = 0
		} else if score > 5 {
			score = 5
		}
		result.RubricScores = append(result.RubricScores, RubricScore{
			Dimension:     typeutil.FirstString(m, "dimension", "name"),
			Score:         score,
			Justification: typeutil.SafeStringDefault(m["justification"], ""),
		})
	}

	if critique := typeutil.FirstString(raw, "critique"); critique != "" {
		result.Critique = critique
	}
	if instructions := typeutil.FirstString(raw, "refinement_instructions"); instructions != "" {
		result.FixInstructions = instructions
	}
	result.JudgeVerdict = typeutil.FirstString(raw, "verdict")
	if flag, ok := typeutil.SafeBool(raw["all_binary_passed"]); ok {
		result.AllBinaryPassed = flag
	} else {
		result.AllBinaryPassed = result.TotalCriteria() > 0 && result.TotalPassed() == result.TotalCriteria()
	}
	return result
}

func buildCriterion(spec CriterionSpec, judged, fix map[string]any) Criterion {
	c := Criterion{ID: spec.ID, Description: spec.Description}
	passed, ok := false, false
	if judged != nil {
		passed, ok = typeutil.SafeBool(judged["passed"])
	}
	if !ok {
		c.Passed = false
		c.Evidence = missingJudging
		c.CurrentState = "unknown"
		c.RequiredFix = UnparseableFix
		return c
	}

	c.Passed = passed
	c.Evidence = typeutil.SafeStringDefault(judged["evidence"], "")
	c.CurrentState = typeutil.SafeStringDefault(judged["current_state"], "")
	if passed {
		return c
	}
	c.RequiredFix = strings.TrimSpace(typeutil.SafeStringDefault(judged["required_fix"], ""))
	if c.RequiredFix == "" && fix != nil {
		c.RequiredFix = strings.TrimSpace(typeutil.SafeStringDefault(fix["required_fix"], ""))
		if c.CurrentState == "" {
			c.CurrentState = typeutil.SafeStringDefault(fix["current_state"], "")
		}
	}
	if c.RequiredFix == "" {
		c.RequiredFix = "satisfy criterion: " + spec.Description
	}
	return c
}

// Finalize computes the verdict and its reason, records metrics and logs a
// disagreement with the judge's own verdict.
func (g *Gate) Finalize(result *Result) {
	result.Verdict = ComputeVerdict(result.AutoFailTriggered(), result.AllDimensionsPassed())
	result.VerdictReason = verdictReason(result)

	observability.RecordEvaluation(result.Rubric, string(result.Verdict))

	if claimed, ok := ParseVerdict(result.JudgeVerdict); ok && claimed != result.Verdict {
		g.Logger.Warn("judge_verdict_overridden",
			"rubric", result.Rubric,
			"judge_verdict", string(claimed),
			"verdict", string(result.Verdict),
		)
	}
	g.Logger.Info("evaluation_completed",
		"rubric", result.Rubric,
		"verdict", string(result.Verdict),
		"criteria_passed", result.TotalPassed(),
		"criteria_total", result.TotalCriteria(),
		"auto_fail_triggered", result.AutoFailTriggered(),
	)
}

func verdictReason(r *Result) string {
	switch r.Verdict {
	case VerdictReject:
		ids := make([]string, 0)
		for _, af := range r.TriggeredAutoFails() {
			ids = append(ids, af.ID)
		}
		return "FAIL - Auto-fail triggered: " + strings.Join(ids, ", ")
	case VerdictApprove:
		return fmt.Sprintf("PASS - All %d dimensions meet thresholds", len(r.Dimensions))
	default:
		failed := make([]string, 0)
		for _, d := range r.Dimensions {
			if !d.Passed() {
				failed = append(failed, d.Name)
			}
		}
		return fmt.Sprintf("FAIL - %d dimension(s) failed: %s", len(failed), strings.Join(failed, ", "))
	}
}

func (g *Gate) clock() time.Time {
	if g.now == nil {
		return time.Now().UTC()
	}
	return g.now().UTC()
}

// collectCriteria accepts both a flat "criteria" list and criteria nested in
// "dimension_results".
func collectCriteria(raw map[string]any) []map[string]any {
	all := typeutil.SafeMapSlice(raw["criteria"])
	for _, dim := range typeutil.SafeMapSlice(raw["dimension_results"]) {
		all = append(all, typeutil.SafeMapSlice(dim["criteria"])...)
	}
	return all
}

// indexByID keys entries by normalized id. The first entry for an id wins.
func indexByID(entries []map[string]any, keys ...string) map[string]map[string]any {
	index := make(map[string]map[string]any, len(entries))
	for _, e := range entries {
		id := NormalizeID(typeutil.FirstString(e, keys...))
		if id == "" {
			continue
		}
		if _, exists := index[id]; !exists {
			index[id] = e
		}
	}
	return index
}

// NormalizeID reduces "AF1: Plan has no steps" or "1.1 - Summary" to its id.
func NormalizeID(raw string) string {
	id := strings.TrimSpace(raw)
	if i := strings.IndexAny(id, ": "); i >= 0 {
		id = id[:i]
	}
	return strings.ToUpper(strings.TrimSpace(id))
}
