// Package envelope provides the per-request context and its enums.
//
// A RequestContext is owned by exactly one in-flight request. Pipeline nodes
// mutate it in sequence; routing reads it without side effects.
package envelope

import (
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/changeflow/commbus"
)

// Stage is a pipeline state.
type Stage string

const (
	// StageValidating screens and classifies the request. Initial state.
	StageValidating Stage = "validating"
	// StageEnriching runs one budgeted information-gathering iteration.
	StageEnriching Stage = "enriching"
	// StageGenerating produces or revises the task plan.
	StageGenerating Stage = "generating"
	// StageEvaluating runs the output gate on the latest plan.
	StageEvaluating Stage = "evaluating"
	// StageFinalizing pushes the approved plan to the tracker. Terminal.
	StageFinalizing Stage = "finalizing"
	// StageEscalating hands the request to human review. Terminal.
	StageEscalating Stage = "escalating"
	// StageEnd follows a terminal node.
	StageEnd Stage = "end"
)

// IsTerminal reports whether the stage ends the pipeline after its node runs.
func (s Stage) IsTerminal() bool {
	return s == StageFinalizing || s == StageEscalating
}

// Priority is the client-requested urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority normalizes a priority name. Empty means normal.
func ParsePriority(value string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(value))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", value)
	}
}

// TrackerPriority maps to the tracker's 1 (urgent) .. 4 (low) scale.
func (p Priority) TrackerPriority() commbus.TrackerPriority {
	switch p {
	case PriorityUrgent:
		return commbus.TrackerPriorityUrgent
	case PriorityHigh:
		return commbus.TrackerPriorityHigh
	case PriorityLow:
		return commbus.TrackerPriorityLow
	default:
		return commbus.TrackerPriorityNormal
	}
}

// Outcome is how a request left the pipeline.
type Outcome string

const (
	OutcomeFinalized Outcome = "finalized"
	OutcomeEscalated Outcome = "escalated"
)

// TerminalReason represents why processing terminated - exactly one per request.
type TerminalReason string

const (
	// TerminalReasonCompletedSuccessfully indicates the plan was approved and finalized.
	TerminalReasonCompletedSuccessfully TerminalReason = "completed_successfully"
	// TerminalReasonValidationFailed indicates the input screen rejected the request.
	TerminalReasonValidationFailed TerminalReason = "validation_failed"
	// TerminalReasonEvaluationRejected indicates an auto-fail condition fired.
	TerminalReasonEvaluationRejected TerminalReason = "evaluation_rejected"
	// TerminalReasonMaxIterationsExceeded indicates the revision loop ran out.
	TerminalReasonMaxIterationsExceeded TerminalReason = "max_iterations_exceeded"
	// TerminalReasonEnrichmentExhausted indicates the enrichment iteration cap was hit.
	TerminalReasonEnrichmentExhausted TerminalReason = "enrichment_exhausted"
	// TerminalReasonTokenBudgetExceeded indicates the enrichment token budget was spent.
	TerminalReasonTokenBudgetExceeded TerminalReason = "token_budget_exceeded"
	// TerminalReasonEnrichmentStalled indicates an iteration resolved nothing.
	TerminalReasonEnrichmentStalled TerminalReason = "enrichment_stalled"
	// TerminalReasonCollaboratorFailed indicates an external service failed a node.
	TerminalReasonCollaboratorFailed TerminalReason = "collaborator_failed"
)

var terminalReasonText = map[TerminalReason]string{
	TerminalReasonCompletedSuccessfully: "Plan approved and finalized",
	TerminalReasonValidationFailed:      "Request did not pass input validation",
	TerminalReasonEvaluationRejected:    "Generated plan triggered an auto-fail condition",
	TerminalReasonMaxIterationsExceeded: "Plan still needs revision after the maximum number of iterations",
	TerminalReasonEnrichmentExhausted:   "Open questions remain after the maximum number of enrichment iterations",
	TerminalReasonTokenBudgetExceeded:   "Enrichment token budget exhausted",
	TerminalReasonEnrichmentStalled:     "Enrichment made no progress on the open questions",
	TerminalReasonCollaboratorFailed:    "An external service failed while processing the request",
}

// Describe returns a human-readable sentence for the reason.
func (r TerminalReason) Describe() string {
	if text, ok := terminalReasonText[r]; ok {
		return text
	}
	return string(r)
}
