package evaluation

import (
	"context"
	"strings"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/typeutil"
)

// InputCategory is the screening category of a raw request.
type InputCategory string

const (
	InputActionable      InputCategory = "actionable"
	InputVague           InputCategory = "vague"
	InputOffTopic        InputCategory = "off_topic"
	InputGibberish       InputCategory = "gibberish"
	InputDuplicateLikely InputCategory = "duplicate_likely"
	InputIncomplete      InputCategory = "incomplete"
)

// AllInputCategories lists the valid screening categories.
var AllInputCategories = []InputCategory{
	InputActionable, InputVague, InputOffTopic, InputGibberish, InputDuplicateLikely, InputIncomplete,
}

// ParseInputCategory normalizes a category name. ok is false for unknown names.
func ParseInputCategory(value string) (InputCategory, bool) {
	normalized := InputCategory(strings.ToLower(strings.TrimSpace(value)))
	for _, c := range AllInputCategories {
		if c == normalized {
			return c, true
		}
	}
	return "", false
}

// PreCheckModel marks results produced without a model call.
const PreCheckModel = "pre-check"

// InputValidation is the screening outcome of a raw request.
type InputValidation struct {
	*Result
	Valid                  bool          `json:"is_valid"`
	Score                  float64       `json:"score"`
	Category               InputCategory `json:"category"`
	Reason                 string        `json:"reason"`
	Issues                 []string      `json:"issues"`
	SuggestedClarification string        `json:"suggested_clarification"`
}

// ToMap renders the validation for state snapshots.
func (v *InputValidation) ToMap() map[string]any {
	m := v.Result.ToMap()
	m["is_valid"] = v.Valid
	m["score"] = v.Score
	m["category"] = string(v.Category)
	m["reason"] = v.Reason
	m["issues"] = v.Issues
	m["suggested_clarification"] = v.SuggestedClarification
	return m
}

// InputValidator screens requests before any work starts. Trivially bad
// input is rejected locally; everything else goes through a Gate with the
// input rubric.
type InputValidator struct {
	Gate *Gate
}

// NewInputValidator creates an InputValidator with the default input rubric.
func NewInputValidator(llm agents.StructuredLLM, prompts agents.PromptRegistry, rubric *Rubric, logger Logger) *InputValidator {
	if rubric == nil {
		rubric = DefaultInputRubric()
	}
	gate := NewGate(llm, prompts, rubric, logger)
	gate.PromptKey = agents.PromptInputJudge
	gate.LocalChecks = []LocalCheck{
		{ID: "AF3", Check: func(request, _ string) (bool, string) {
			if IsGreetingOnly(request) {
				return true, "request is a greeting with no task content"
			}
			return false, ""
		}},
	}
	return &InputValidator{Gate: gate}
}

// Validate screens request for clientID.
func (v *InputValidator) Validate(ctx context.Context, clientID, request string) (*InputValidation, error) {
	stripped := strings.TrimSpace(request)
	if stripped == "" {
		return v.preCheckRejection("Request is empty.",
			"Please describe what changes you'd like made to your website."), nil
	}
	if len([]rune(stripped)) < 3 {
		return v.preCheckRejection("Request is too short to be meaningful.",
			"Could you provide more detail about what you need?"), nil
	}

	names := make([]string, len(AllInputCategories))
	for i, c := range AllInputCategories {
		names[i] = string(c)
	}

	result, err := v.Gate.Evaluate(ctx, stripped, stripped, map[string]any{
		"client_id":  clientID,
		"categories": strings.Join(names, ", "),
	})
	if err != nil {
		return nil, err
	}
	raw := result.Judge

	out := &InputValidation{
		Result: result,
		Valid:  !result.AutoFailTriggered() && result.AllDimensionsPassed(),
		Issues: []string{},
	}
	if total := result.TotalCriteria(); total > 0 {
		out.Score = float64(result.TotalPassed()) / float64(total)
	}
	if cat, ok := ParseInputCategory(typeutil.FirstString(raw, "category")); ok {
		out.Category = cat
	}
	out.Reason = typeutil.FirstString(raw, "reason")
	out.Issues = typeutil.SafeStringSliceDefault(raw["issues"], []string{})
	out.SuggestedClarification = typeutil.FirstString(raw, "suggested_clarification")
	fillInputDefaults(out)
	return out, nil
}

func fillInputDefaults(v *InputValidation) {
	if v.Valid {
		if v.Category == "" {
			v.Category = InputActionable
		}
		return
	}
	if v.Category == "" || v.Category == InputActionable {
		switch {
		case v.Unparseable:
			v.Category = InputIncomplete
		case v.AutoFailTriggered():
			v.Category = InputOffTopic
		default:
			v.Category = InputVague
		}
	}
	if v.Reason == "" {
		v.Reason = v.VerdictReason
	}
	if len(v.Issues) == 0 {
		for _, af := range v.TriggeredAutoFails() {
			v.Issues = append(v.Issues, af.Description)
		}
		for _, f := range v.FailedCriteriaFixes() {
			v.Issues = append(v.Issues, f.Criterion)
		}
	}
	if v.SuggestedClarification == "" {
		fixes := make([]string, 0)
		for _, f := range v.FailedCriteriaFixes() {
			if f.RequiredFix != UnparseableFix {
				fixes = append(fixes, f.RequiredFix)
			}
		}
		if len(fixes) > 0 {
			v.SuggestedClarification = strings.Join(fixes, " ")
		} else {
			v.SuggestedClarification = "Could you describe the change you need in more detail?"
		}
	}
}

func (v *InputValidator) preCheckRejection(reason, clarification string) *InputValidation {
	rubric := v.Gate.Rubric
	result := &Result{
		Rubric:          rubric.Name,
		AutoFails:       make([]AutoFailCheck, 0, len(rubric.AutoFails)),
		Dimensions:      []Dimension{},
		Critique:        reason,
		FixInstructions: noRefinement,
		Model:           PreCheckModel,
		CreatedAt:       v.Gate.clock(),
	}
	for _, spec := range rubric.AutoFails {
		check := AutoFailCheck{ID: spec.ID, Description: spec.Description}
		if spec.ID == "AF1" {
			check.Triggered = true
			check.Evidence = reason
		}
		result.AutoFails = append(result.AutoFails, check)
	}
	if !result.AutoFailTriggered() {
		result.AutoFails = append(result.AutoFails, AutoFailCheck{
			ID: "AF1", Description: "Request is empty or too short", Triggered: true, Evidence: reason,
		})
	}
	v.Gate.Finalize(result)
	result.VerdictReason = "FAIL - Auto-fail triggered: " + reason

	return &InputValidation{
		Result:                 result,
		Valid:                  false,
		Score:                  0,
		Category:               InputGibberish,
		Reason:                 reason,
		Issues:                 []string{reason},
		SuggestedClarification: clarification,
	}
}
