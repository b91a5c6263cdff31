package runtime

import (
	"testing"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/enrichment"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/envelope"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/evaluation"
	"github.com/stretchr/testify/assert"
)

func newRoutingContext(stage envelope.Stage) *envelope.RequestContext {
	rc := envelope.NewRequestContext(&envelope.InboundRequest{
		ClientID:    "acme.test",
		RequestText: "Add a button below the hero linking to Services",
	}, nil, envelope.Bounds{MaxIterations: 3, MaxEnrichmentIterations: 3, MaxEnrichmentTokens: 500000})
	rc.CurrentStage = stage
	return rc
}

func classified(complete bool, missing ...string) *agents.Classification {
	return &agents.Classification{PrimaryCategory: agents.CategoryDesignChanges, Complete: complete, Missing: missing}
}

func enriched(rc *envelope.RequestContext, before []string, tokens int, after ...string) {
	rc.RecordEnrichment(before, &enrichment.Result{Iteration: rc.EnrichmentIterations() + 1, TokensUsed: tokens})
	rc.Classification = classified(len(after) == 0, after...)
}

// =============================================================================
// VALIDATING
// =============================================================================

func TestAdvance_Validating(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(rc *envelope.RequestContext)
		next   envelope.Stage
		reason envelope.TerminalReason
	}{
		{
			name: "invalid input escalates",
			setup: func(rc *envelope.RequestContext) {
				rc.Validation = &evaluation.InputValidation{Result: &evaluation.Result{}, Valid: false, Reason: "Request is empty."}
			},
			next:   envelope.StageEscalating,
			reason: envelope.TerminalReasonValidationFailed,
		},
		{
			name: "complete goes to generation",
			setup: func(rc *envelope.RequestContext) {
				rc.Validation = &evaluation.InputValidation{Result: &evaluation.Result{}, Valid: true}
				rc.Classification = classified(true)
			},
			next: envelope.StageGenerating,
		},
		{
			name: "incomplete goes to enrichment",
			setup: func(rc *envelope.RequestContext) {
				rc.Classification = classified(false, "Which page?")
			},
			next: envelope.StageEnriching,
		},
		{
			name: "incomplete without enrichment escalates",
			setup: func(rc *envelope.RequestContext) {
				rc.Bounds.MaxEnrichmentIterations = 0
				rc.Classification = classified(false, "Which page?")
			},
			next:   envelope.StageEscalating,
			reason: envelope.TerminalReasonEnrichmentExhausted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := newRoutingContext(envelope.StageValidating)
			tt.setup(rc)
			tr := Advance(rc)
			assert.Equal(t, tt.next, tr.Next)
			assert.Equal(t, tt.reason, tr.Reason)
		})
	}
}

// =============================================================================
// ENRICHING
// =============================================================================

func TestAdvance_Enriching(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(rc *envelope.RequestContext)
		next   envelope.Stage
		reason envelope.TerminalReason
	}{
		{
			name:  "resolved goes to generation",
			setup: func(rc *envelope.RequestContext) { enriched(rc, []string{"A", "B"}, 1400) },
			next:  envelope.StageGenerating,
		},
		{
			name:  "progress loops",
			setup: func(rc *envelope.RequestContext) { enriched(rc, []string{"A", "B"}, 1400, "A") },
			next:  envelope.StageEnriching,
		},
		{
			name:   "same missing set stalls",
			setup:  func(rc *envelope.RequestContext) { enriched(rc, []string{"A", "B"}, 1400, "B", "A") },
			next:   envelope.StageEscalating,
			reason: envelope.TerminalReasonEnrichmentStalled,
		},
		{
			name: "iteration cap exhausts",
			setup: func(rc *envelope.RequestContext) {
				enriched(rc, []string{"A", "B", "C", "D"}, 1200, "B", "C", "D")
				enriched(rc, []string{"B", "C", "D"}, 1200, "C", "D")
				enriched(rc, []string{"C", "D"}, 1200, "D")
			},
			next:   envelope.StageEscalating,
			reason: envelope.TerminalReasonEnrichmentExhausted,
		},
		{
			name: "token budget exceeded",
			setup: func(rc *envelope.RequestContext) {
				rc.Bounds.MaxEnrichmentTokens = 2000
				enriched(rc, []string{"A", "B"}, 2000, "A")
			},
			next:   envelope.StageEscalating,
			reason: envelope.TerminalReasonTokenBudgetExceeded,
		},
		{
			name: "completion wins over exhausted bounds",
			setup: func(rc *envelope.RequestContext) {
				rc.Bounds.MaxEnrichmentIterations = 1
				enriched(rc, []string{"A"}, 600000)
			},
			next: envelope.StageGenerating,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := newRoutingContext(envelope.StageEnriching)
			tt.setup(rc)
			tr := Advance(rc)
			assert.Equal(t, tt.next, tr.Next)
			assert.Equal(t, tt.reason, tr.Reason)
			if tt.reason != "" {
				assert.NotEmpty(t, tr.Detail)
			}
		})
	}
}

// =============================================================================
// EVALUATING
// =============================================================================

func TestAdvance_Evaluating(t *testing.T) {
	tests := []struct {
		name      string
		verdict   evaluation.Verdict
		iteration int
		next      envelope.Stage
		reason    envelope.TerminalReason
	}{
		{"approve finalizes", evaluation.VerdictApprove, 1, envelope.StageFinalizing, ""},
		{"approve on last iteration finalizes", evaluation.VerdictApprove, 3, envelope.StageFinalizing, ""},
		{"reject escalates", evaluation.VerdictReject, 1, envelope.StageEscalating, envelope.TerminalReasonEvaluationRejected},
		{"revise regenerates", evaluation.VerdictRevise, 1, envelope.StageGenerating, ""},
		{"revise below cap regenerates", evaluation.VerdictRevise, 2, envelope.StageGenerating, ""},
		{"revise at cap escalates", evaluation.VerdictRevise, 3, envelope.StageEscalating, envelope.TerminalReasonMaxIterationsExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := newRoutingContext(envelope.StageEvaluating)
			rc.Iteration = tt.iteration
			rc.RecordEvaluation(&evaluation.Result{Verdict: tt.verdict})
			tr := Advance(rc)
			assert.Equal(t, tt.next, tr.Next)
			assert.Equal(t, tt.reason, tr.Reason)
		})
	}
}

func TestAdvance_EvaluatingWithoutResultEscalates(t *testing.T) {
	rc := newRoutingContext(envelope.StageEvaluating)
	assert.Equal(t, envelope.StageEscalating, Advance(rc).Next)
}

func TestAdvance_LinearAndTerminalStages(t *testing.T) {
	assert.Equal(t, envelope.StageEvaluating, Advance(newRoutingContext(envelope.StageGenerating)).Next)
	assert.Equal(t, envelope.StageEnd, Advance(newRoutingContext(envelope.StageFinalizing)).Next)
	assert.Equal(t, envelope.StageEnd, Advance(newRoutingContext(envelope.StageEscalating)).Next)
}

func TestAdvance_IsPure(t *testing.T) {
	rc := newRoutingContext(envelope.StageEvaluating)
	rc.Iteration = 2
	rc.RecordEvaluation(&evaluation.Result{Verdict: evaluation.VerdictRevise})
	before := rc.ToStateDict()

	first := Advance(rc)
	second := Advance(rc)

	assert.Equal(t, first, second)
	assert.Equal(t, before, rc.ToStateDict())
}
