package runtime

import (
	"fmt"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/envelope"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/enrichment"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/evaluation"
)

// Transition is the routing decision taken after a node completes.
// Reason is set only when Next is StageEscalating.
type Transition struct {
	Next   envelope.Stage
	Reason envelope.TerminalReason
	Detail string
}

func escalate(reason envelope.TerminalReason, format string, args ...any) Transition {
	return Transition{Next: envelope.StageEscalating, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Advance returns the stage that follows rc.CurrentStage. It reads only rc
// and performs no I/O, so every routing rule can be tested without running
// a node.
//
// Bounds are checked before every re-entry: the enrichment loop stops on
// its iteration cap, its token budget or a stall, and the revision loop
// stops once rc.Iteration reaches MaxIterations.
func Advance(rc *envelope.RequestContext) Transition {
	switch rc.CurrentStage {
	case envelope.StageValidating:
		return advanceFromValidating(rc)
	case envelope.StageEnriching:
		return advanceFromEnriching(rc)
	case envelope.StageGenerating:
		return Transition{Next: envelope.StageEvaluating}
	case envelope.StageEvaluating:
		return advanceFromEvaluating(rc)
	default:
		return Transition{Next: envelope.StageEnd}
	}
}

func advanceFromValidating(rc *envelope.RequestContext) Transition {
	if rc.Validation != nil && !rc.Validation.Valid {
		return escalate(envelope.TerminalReasonValidationFailed, "%s", rc.Validation.Reason)
	}
	if rc.IsComplete() {
		return Transition{Next: envelope.StageGenerating}
	}
	if rc.Bounds.MaxEnrichmentIterations <= 0 {
		return escalate(envelope.TerminalReasonEnrichmentExhausted,
			"%d open questions and enrichment is disabled", len(rc.Missing()))
	}
	return Transition{Next: envelope.StageEnriching}
}

func advanceFromEnriching(rc *envelope.RequestContext) Transition {
	if rc.IsComplete() {
		return Transition{Next: envelope.StageGenerating}
	}
	missing := rc.Missing()
	if n := rc.EnrichmentIterations(); n >= rc.Bounds.MaxEnrichmentIterations {
		return escalate(envelope.TerminalReasonEnrichmentExhausted,
			"%d open questions after %d enrichment iterations", len(missing), n)
	}
	if budget := rc.Bounds.MaxEnrichmentTokens; budget > 0 && rc.EnrichmentTokens >= budget {
		return escalate(envelope.TerminalReasonTokenBudgetExceeded,
			"%d estimated tokens spent of %d", rc.EnrichmentTokens, budget)
	}
	if enrichment.Stalled(rc.MissingBefore, missing) {
		return escalate(envelope.TerminalReasonEnrichmentStalled,
			"iteration %d resolved none of %d open questions", rc.EnrichmentIterations(), len(missing))
	}
	return Transition{Next: envelope.StageEnriching}
}

func advanceFromEvaluating(rc *envelope.RequestContext) Transition {
	latest := rc.LatestEvaluation()
	if latest == nil {
		return escalate(envelope.TerminalReasonEvaluationRejected, "no evaluation recorded")
	}
	switch latest.Verdict {
	case evaluation.VerdictApprove:
		return Transition{Next: envelope.StageFinalizing}
	case evaluation.VerdictReject:
		return escalate(envelope.TerminalReasonEvaluationRejected, "%s", latest.VerdictReason)
	}
	if rc.Iteration >= rc.Bounds.MaxIterations {
		return escalate(envelope.TerminalReasonMaxIterationsExceeded,
			"%d of %d criteria passed after %d iterations", latest.TotalPassed(), latest.TotalCriteria(), rc.Iteration)
	}
	return Transition{Next: envelope.StageGenerating}
}
