// Package runtime provides the PipelineRunner - the per-request state
// machine that drives validation, enrichment, generation and evaluation.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/changeflow/commbus"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/config"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/enrichment"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/envelope"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/evaluation"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/observability"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/tools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("changeflow/runtime")

// Logger is the interface for logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Components are the collaborators a PipelineRunner is built from.
// Tracker, Storage, Web, Bus and Persistence are optional.
type Components struct {
	// Generator serves classification, generation and enrichment planning.
	Generator agents.StructuredLLM
	// Judge serves input screening and output evaluation. Defaults to Generator.
	Judge   agents.StructuredLLM
	Prompts agents.PromptRegistry
	Tools   tools.ToolRegistry

	// Nil rubrics use the built-in ones.
	OutputRubric *evaluation.Rubric
	InputRubric  *evaluation.Rubric

	Tracker     commbus.TaskTracker
	Storage     commbus.FileStorage
	Web         commbus.WebFetcher
	Bus         commbus.CommBus
	Persistence PersistenceAdapter
}

// PipelineRunner runs requests through the pipeline. It holds no
// per-request state and is safe for concurrent use; each request owns its
// RequestContext and ledger.
type PipelineRunner struct {
	Policy *config.Policy

	Validator  *evaluation.InputValidator
	Classifier *agents.Classifier
	Architect  *agents.Architect
	Gate       *evaluation.Gate
	Enricher   *enrichment.Enricher

	Tracker     commbus.TaskTracker
	Storage     commbus.FileStorage
	Web         commbus.WebFetcher
	Bus         commbus.CommBus
	Persistence PersistenceAdapter
	Logger      Logger
}

// NewPipelineRunner creates a PipelineRunner.
func NewPipelineRunner(policy *config.Policy, c Components, logger Logger) (*PipelineRunner, error) {
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if c.Generator == nil {
		return nil, errors.New("generator llm is required")
	}
	if c.Prompts == nil {
		return nil, errors.New("prompt registry is required")
	}
	if c.Tools == nil {
		c.Tools = tools.NewToolExecutor()
	}
	if c.Judge == nil {
		c.Judge = c.Generator
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}

	executor := enrichment.NewExecutor(c.Tools, logger)
	executor.Concurrency = policy.EnrichmentConcurrency
	executor.ActionTimeout = policy.ToolTimeoutDuration()

	r := &PipelineRunner{
		Policy:      policy,
		Validator:   evaluation.NewInputValidator(c.Judge, c.Prompts, c.InputRubric, logger),
		Classifier:  agents.NewClassifier(c.Generator, c.Prompts, logger),
		Architect:   agents.NewArchitect(c.Generator, c.Prompts, logger),
		Gate:        evaluation.NewGate(c.Judge, c.Prompts, c.OutputRubric, logger),
		Enricher:    enrichment.NewEnricher(enrichment.NewPlanner(c.Generator, c.Prompts, c.Tools, logger), executor, logger),
		Tracker:     c.Tracker,
		Storage:     c.Storage,
		Web:         c.Web,
		Bus:         c.Bus,
		Persistence: c.Persistence,
		Logger:      logger,
	}

	r.Logger.Info("runtime_built",
		"max_iterations", policy.MaxIterations,
		"max_enrichment_iterations", policy.MaxEnrichmentIterations,
		"tools", c.Tools.List(),
		"tracker", c.Tracker != nil,
		"storage", c.Storage != nil,
	)
	return r, nil
}

// StageOutput is sent on the stream channel after every node.
type StageOutput struct {
	Stage envelope.Stage
	Next  envelope.Stage
	Error error
}

// Bounds returns the per-request loop bounds from the policy.
func (r *PipelineRunner) Bounds() envelope.Bounds {
	return envelope.Bounds{
		MaxIterations:           r.Policy.MaxIterations,
		MaxEnrichmentIterations: r.Policy.MaxEnrichmentIterations,
		MaxEnrichmentTokens:     r.Policy.MaxEnrichmentTokens,
	}
}

// NewRequestContext validates req and creates its context with a fresh ledger.
func (r *PipelineRunner) NewRequestContext(req *envelope.InboundRequest) (*envelope.RequestContext, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return envelope.NewRequestContext(req, r.Policy.NewLedger(), r.Bounds()), nil
}

// =============================================================================
// EXECUTION
// =============================================================================

// Run validates req and runs it to a terminal outcome.
//
// The returned context is non-nil whenever the request was accepted, also
// when an error is returned. Escalation-worthy node errors (see
// IsEscalationWorthy) escalate the request and are not returned.
func (r *PipelineRunner) Run(ctx context.Context, req *envelope.InboundRequest) (*envelope.RequestContext, error) {
	rc, err := r.NewRequestContext(req)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, rc, nil)
}

// RunWithStream runs req and streams one StageOutput per node. The channel
// is closed when the run ends; the final context and error are delivered
// through done.
func (r *PipelineRunner) RunWithStream(ctx context.Context, req *envelope.InboundRequest) (<-chan StageOutput, <-chan RunResult, error) {
	rc, err := r.NewRequestContext(req)
	if err != nil {
		return nil, nil, err
	}
	outputs := make(chan StageOutput, 8)
	done := make(chan RunResult, 1)
	go func() {
		defer close(done)
		defer close(outputs)
		result, err := r.Execute(ctx, rc, outputs)
		done <- RunResult{Context: result, Err: err}
	}()
	return outputs, done, nil
}

// RunResult is the final state of a streamed run.
type RunResult struct {
	Context *envelope.RequestContext
	Err     error
}

// Execute drives rc from its current stage to StageEnd.
func (r *PipelineRunner) Execute(ctx context.Context, rc *envelope.RequestContext, outputs chan<- StageOutput) (*envelope.RequestContext, error) {
	logger := bind(r.Logger, "request_id", rc.RequestID, "client_id", rc.ClientID)
	startTime := time.Now()

	logger.Info("pipeline_started",
		"priority", string(rc.Priority),
		"attachments", len(rc.AttachmentIDs),
	)
	r.publish(ctx, logger, &commbus.RequestReceived{
		RequestID: rc.RequestID,
		ClientID:  rc.ClientID,
		Priority:  string(rc.Priority),
	})

	err := r.runLoop(ctx, rc, logger, outputs)

	durationMS := int(time.Since(startTime).Milliseconds())
	outcome := string(rc.Outcome)
	if err != nil {
		outcome = "error"
	}
	observability.RecordRequest(outcome, durationMS)

	logger.Info("pipeline_completed",
		"outcome", outcome,
		"terminal_reason", string(rc.TerminalReason),
		"iterations", rc.Iteration,
		"enrichment_iterations", rc.EnrichmentIterations(),
		"duration_ms", durationMS,
	)
	return rc, err
}

func (r *PipelineRunner) runLoop(ctx context.Context, rc *envelope.RequestContext, logger Logger, outputs chan<- StageOutput) error {
	for rc.CurrentStage != envelope.StageEnd {
		// Check context cancellation early in each iteration
		if err := ctx.Err(); err != nil {
			logger.Info("pipeline_cancelled",
				"stage", string(rc.CurrentStage),
				"reason", err.Error(),
			)
			return err
		}

		stage := rc.CurrentStage
		startedAt := time.Now()
		nodeErr := r.runNode(ctx, stage, rc, logger)

		var tr Transition
		switch {
		case nodeErr == nil:
			tr = Advance(rc)
		case ctx.Err() != nil:
			rc.RecordStage(stage, envelope.StageEnd, startedAt, nodeErr)
			r.persistState(ctx, rc, logger)
			return ctx.Err()
		case stage.IsTerminal() || !IsEscalationWorthy(nodeErr):
			rc.RecordError(stage, nodeErr)
			rc.RecordStage(stage, envelope.StageEnd, startedAt, nodeErr)
			r.persistState(ctx, rc, logger)
			logger.Error("pipeline_node_failed",
				"stage", string(stage),
				"error", nodeErr.Error(),
			)
			return fmt.Errorf("%s: %w", stage, nodeErr)
		default:
			rc.RecordError(stage, nodeErr)
			tr = escalate(envelope.TerminalReasonCollaboratorFailed, "%s: %s", stage, nodeErr.Error())
			logger.Warn("pipeline_node_escalated",
				"stage", string(stage),
				"error", nodeErr.Error(),
			)
		}

		if tr.Next == envelope.StageEscalating {
			rc.TerminalReason = tr.Reason
			rc.TerminationDetail = tr.Detail
		}

		rc.RecordStage(stage, tr.Next, startedAt, nodeErr)
		durationMS := int(time.Since(startedAt).Milliseconds())
		status := "success"
		errText := ""
		if nodeErr != nil {
			status = "error"
			errText = nodeErr.Error()
		}
		logger.Info("stage_completed",
			"stage", string(stage),
			"next", string(tr.Next),
			"status", status,
			"duration_ms", durationMS,
		)
		r.publish(ctx, logger, &commbus.StageCompleted{
			RequestID:  rc.RequestID,
			Stage:      string(stage),
			Next:       string(tr.Next),
			Status:     status,
			DurationMS: durationMS,
			Error:      errText,
		})

		rc.CurrentStage = tr.Next
		r.persistState(ctx, rc, logger)

		if outputs != nil {
			outputs <- StageOutput{Stage: stage, Next: tr.Next, Error: nodeErr}
		}
	}
	return nil
}

// runNode executes one node under its own span and the policy node timeout.
func (r *PipelineRunner) runNode(ctx context.Context, stage envelope.Stage, rc *envelope.RequestContext, logger Logger) (err error) {
	ctx, span := tracer.Start(ctx, "pipeline.node", trace.WithAttributes(
		attribute.String("changeflow.stage", string(stage)),
		attribute.String("changeflow.request_id", rc.RequestID),
		attribute.Int("changeflow.iteration", rc.Iteration),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "success")
		}
	}()

	if timeout := r.Policy.NodeTimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	switch stage {
	case envelope.StageValidating:
		return r.validate(ctx, rc, logger)
	case envelope.StageEnriching:
		return r.enrich(ctx, rc, logger)
	case envelope.StageGenerating:
		return r.generate(ctx, rc, logger)
	case envelope.StageEvaluating:
		return r.evaluate(ctx, rc, logger)
	case envelope.StageFinalizing:
		return r.finalize(ctx, rc, logger)
	case envelope.StageEscalating:
		return r.escalate(ctx, rc, logger)
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
}

// persistState saves state if persistence is configured.
func (r *PipelineRunner) persistState(ctx context.Context, rc *envelope.RequestContext, logger Logger) {
	if r.Persistence == nil {
		return
	}
	if err := r.Persistence.SaveState(context.WithoutCancel(ctx), rc.RequestID, rc.ToStateDict()); err != nil {
		logger.Warn("state_persist_error", "error", err.Error())
	}
}

// =============================================================================
// LOGGER BINDING
// =============================================================================

// boundLogger prepends fixed fields to every entry.
type boundLogger struct {
	base   Logger
	fields []any
}

func bind(base Logger, keysAndValues ...any) Logger {
	if b, ok := base.(*boundLogger); ok {
		return &boundLogger{base: b.base, fields: append(append([]any(nil), b.fields...), keysAndValues...)}
	}
	return &boundLogger{base: base, fields: keysAndValues}
}

func (l *boundLogger) with(keysAndValues []any) []any {
	return append(append(make([]any, 0, len(l.fields)+len(keysAndValues)), l.fields...), keysAndValues...)
}

func (l *boundLogger) Debug(msg string, keysAndValues ...any) { l.base.Debug(msg, l.with(keysAndValues)...) }
func (l *boundLogger) Info(msg string, keysAndValues ...any)  { l.base.Info(msg, l.with(keysAndValues)...) }
func (l *boundLogger) Warn(msg string, keysAndValues ...any)  { l.base.Warn(msg, l.with(keysAndValues)...) }
func (l *boundLogger) Error(msg string, keysAndValues ...any) { l.base.Error(msg, l.with(keysAndValues)...) }
