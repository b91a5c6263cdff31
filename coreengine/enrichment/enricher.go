package enrichment

import (
	"context"
	"errors"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/observability"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/tools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PlanFailedError is recorded when planning fails or yields no actions.
const PlanFailedError = "Failed to create enrichment plan"

var tracer = otel.Tracer("changeflow/enrichment")

// Enricher runs one plan-execute-score iteration.
type Enricher struct {
	Planner  *Planner
	Executor *Executor
	Logger   Logger
}

// NewEnricher creates an Enricher.
func NewEnricher(planner *Planner, executor *Executor, logger Logger) *Enricher {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &Enricher{Planner: planner, Executor: executor, Logger: logger}
}

// Gather runs iteration for in.Missing. Planning failures, tool failures and
// budget denials are reported inside the Result; only a cancelled context
// is returned as an error.
func (e *Enricher) Gather(ctx context.Context, in Input, ledger *tools.Ledger, iteration int) (*Result, error) {
	ctx, span := tracer.Start(ctx, "enrichment.gather", trace.WithAttributes(
		attribute.Int("changeflow.enrichment.iteration", iteration),
		attribute.Int("changeflow.enrichment.questions", len(in.Missing)),
	))
	defer span.End()

	result := &Result{
		Iteration: iteration,
		Questions: append([]string(nil), in.Missing...),
		Gathered:  []GatheredInformation{},
		ToolsUsed: []string{},
		Total:     len(in.Missing),
		Errors:    []string{},
	}
	if len(in.Missing) == 0 {
		span.SetStatus(codes.Ok, "no questions")
		return result, nil
	}

	plan, err := e.Planner.Plan(ctx, in, ledger)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		e.Logger.Warn("enrichment_plan_failed", "iteration", iteration, "error", err.Error())
	}
	if err != nil || plan.IsEmpty() {
		result.Errors = append(result.Errors, PlanFailedError)
		observability.RecordEnrichmentConfidence(0)
		span.SetStatus(codes.Ok, "empty plan")
		return result, nil
	}

	gathered, used, errs := e.Executor.Execute(ctx, plan, ledger)
	result.Gathered = gathered
	result.ToolsUsed = used
	result.Errors = append(result.Errors, errs...)
	result.Answered = AnsweredCount(gathered)
	result.Confidence = AggregateConfidence(gathered, result.Total)
	result.TokensUsed = EstimateTokens(len(gathered))

	observability.RecordEnrichmentConfidence(result.Confidence)
	e.Logger.Info("enrichment_iteration_completed",
		"iteration", iteration,
		"answered", result.Answered,
		"total", result.Total,
		"confidence", result.Confidence,
		"tools_used", used,
		"errors", len(result.Errors),
	)
	span.SetAttributes(
		attribute.Int("changeflow.enrichment.answered", result.Answered),
		attribute.Float64("changeflow.enrichment.confidence", result.Confidence),
	)
	span.SetStatus(codes.Ok, "success")
	return result, nil
}
