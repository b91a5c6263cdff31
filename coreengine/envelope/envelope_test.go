package envelope

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jeeves-cluster-organization/changeflow/commbus"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/enrichment"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/evaluation"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext() *RequestContext {
	return NewRequestContext(&InboundRequest{
		ClientID:      "https://www.Acme-Plumbing.com/",
		RequestText:   "Add a button below the hero linking to Services",
		Priority:      "HIGH",
		AttachmentIDs: []string{"file-1"},
	}, nil, Bounds{MaxIterations: 3, MaxEnrichmentIterations: 3, MaxEnrichmentTokens: 500000})
}

// =============================================================================
// CREATION TESTS
// =============================================================================

func TestNewRequestContext(t *testing.T) {
	rc := newTestContext()

	assert.True(t, strings.HasPrefix(rc.RequestID, "req_"))
	assert.Len(t, rc.RequestID, 20)
	assert.Equal(t, "acme-plumbing.com", rc.ClientID)
	assert.Equal(t, "https://acme-plumbing.com", rc.WebsiteURL)
	assert.Equal(t, PriorityHigh, rc.Priority)
	assert.Equal(t, StageValidating, rc.CurrentStage)
	assert.Equal(t, 0, rc.Iteration)
	assert.NotNil(t, rc.Ledger)
	assert.Empty(t, rc.History)
	assert.False(t, rc.Terminated)
}

func TestNewRequestContext_UniqueIDs(t *testing.T) {
	a := newTestContext()
	b := newTestContext()
	assert.NotEqual(t, a.RequestID, b.RequestID)
}

func TestNewRequestContext_UnknownPriorityIsNormal(t *testing.T) {
	rc := NewRequestContext(&InboundRequest{ClientID: "acme.com", Priority: "asap"}, nil, Bounds{})
	assert.Equal(t, PriorityNormal, rc.Priority)
}

// =============================================================================
// INBOUND REQUEST TESTS
// =============================================================================

func TestSanitizeDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://google.co.uk", "google.co.uk"},
		{"http://google.co.uk", "google.co.uk"},
		{"google.co.uk/", "google.co.uk"},
		{"www.google.co.uk", "google.co.uk"},
		{"https://www.google.co.uk/", "google.co.uk"},
		{"https://www.example.com/path/to/page", "example.com"},
		{"example.com:8080", "example.com"},
		{"https://example.com:443/path", "example.com"},
		{"HTTPS://GOOGLE.COM", "google.com"},
		{"  google.com  ", "google.com"},
		{"//google.com", "google.com"},
		{"example.com?ref=x", "example.com"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeDomain(tt.in))
		})
	}
}

func TestEnsureURL(t *testing.T) {
	assert.Equal(t, "https://google.com", EnsureURL("google.com"))
	assert.Equal(t, "http://google.com", EnsureURL("http://google.com"))
	assert.Equal(t, "https://google.com", EnsureURL("https://google.com"))
	assert.Equal(t, "https://www.example.com", EnsureURL("www.example.com"))
	assert.Equal(t, "", EnsureURL(""))
}

func TestInboundRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     InboundRequest
		wantErr string
	}{
		{"valid", InboundRequest{ClientID: "acme.com", RequestText: "x"}, ""},
		{"valid with priority", InboundRequest{ClientID: "acme.com", Priority: "urgent"}, ""},
		{"missing client", InboundRequest{ClientID: "  ", RequestText: "x"}, "client_id is required"},
		{"protocol only", InboundRequest{ClientID: "https://", RequestText: "x"}, "client_id is required"},
		{"bad priority", InboundRequest{ClientID: "acme.com", Priority: "whenever"}, "unknown priority"},
		{"empty attachment", InboundRequest{ClientID: "acme.com", AttachmentIDs: []string{"a", ""}}, "attachment_ids[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFromMap(t *testing.T) {
	req, err := FromMap(map[string]any{
		"client_id":      "acme.com",
		"request_text":   "Fix the footer",
		"priority":       "low",
		"attachment_ids": []any{"f1", "f2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "acme.com", req.ClientID)
	assert.Equal(t, []string{"f1", "f2"}, req.AttachmentIDs)

	_, err = FromMap(map[string]any{"client_id": 42})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = FromMap(map[string]any{"client_id": "a.com", "attachment_ids": []any{1}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPriority(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)
	assert.Equal(t, commbus.TrackerPriorityUrgent, PriorityUrgent.TrackerPriority())
	assert.Equal(t, commbus.TrackerPriorityNormal, PriorityNormal.TrackerPriority())
	assert.Equal(t, commbus.TrackerPriorityLow, PriorityLow.TrackerPriority())
}

func TestStageIsTerminal(t *testing.T) {
	assert.True(t, StageFinalizing.IsTerminal())
	assert.True(t, StageEscalating.IsTerminal())
	assert.False(t, StageEvaluating.IsTerminal())
	assert.False(t, StageEnd.IsTerminal())
}

// =============================================================================
// LOOP STATE TESTS
// =============================================================================

func TestRecordEnrichment(t *testing.T) {
	rc := newTestContext()
	rc.Classification = &agents.Classification{Missing: []string{"A", "B"}}

	rc.RecordEnrichment([]string{"A", "B"}, &enrichment.Result{
		Iteration:  1,
		TokensUsed: 1400,
		Gathered:   []enrichment.GatheredInformation{{Question: "A", Answer: "first"}},
	})
	rc.RecordEnrichment([]string{"B"}, &enrichment.Result{
		Iteration:  2,
		TokensUsed: 1200,
		Gathered:   []enrichment.GatheredInformation{{Question: "A", Answer: "second"}, {Question: "B", Answer: "b"}},
	})

	assert.Equal(t, 2, rc.EnrichmentIterations())
	assert.Equal(t, 2600, rc.EnrichmentTokens)
	assert.Equal(t, []string{"B"}, rc.MissingBefore)
	assert.Equal(t, 2, rc.LatestEnrichment().Iteration)
	assert.Equal(t, map[string]any{"A": "second", "B": "b"}, rc.GatheredAnswers())
}

func TestEvaluationOrder(t *testing.T) {
	rc := newTestContext()
	assert.Nil(t, rc.LatestEvaluation())
	assert.Nil(t, rc.PreviousEvaluation())

	first := &evaluation.Result{Verdict: evaluation.VerdictRevise}
	second := &evaluation.Result{Verdict: evaluation.VerdictApprove}
	rc.RecordEvaluation(first)
	rc.RecordEvaluation(second)

	assert.Same(t, second, rc.LatestEvaluation())
	assert.Same(t, first, rc.PreviousEvaluation())
}

func TestTerminate(t *testing.T) {
	rc := newTestContext()
	rc.Terminate(OutcomeEscalated, TerminalReasonEnrichmentStalled, "no progress")

	assert.True(t, rc.Terminated)
	assert.Equal(t, OutcomeEscalated, rc.Outcome)
	assert.NotNil(t, rc.CompletedAt)

	result := rc.ToResultDict()
	assert.Equal(t, "escalated", result["outcome"])
	assert.Equal(t, "Enrichment made no progress on the open questions", result["reason"])
}

// =============================================================================
// CLONE AND SERIALIZATION TESTS
// =============================================================================

func TestCloneIsIndependent(t *testing.T) {
	rc := newTestContext()
	rc.ClientContext["Tech Stack"] = map[string]any{"cms": "WordPress"}
	rc.Plan = &agents.TaskPlan{TaskName: "Hero button", Checklist: []string{"a"}}
	rc.AddHistory("Validated request")
	require.NoError(t, rc.Ledger.Record(tools.ToolWebFetch))
	rc.RecordStage(StageValidating, StageGenerating, time.Now(), nil)

	clone := rc.Clone()
	clone.ClientContext["Tech Stack"].(map[string]any)["cms"] = "Shopify"
	clone.Plan.Checklist[0] = "changed"
	clone.AddHistory("extra")
	require.NoError(t, clone.Ledger.Record(tools.ToolWebFetch))

	assert.Equal(t, "WordPress", rc.ClientContext["Tech Stack"].(map[string]any)["cms"])
	assert.Equal(t, "a", rc.Plan.Checklist[0])
	assert.Len(t, rc.History, 1)
	assert.Equal(t, 1, rc.Ledger.Calls(tools.ToolWebFetch))
	assert.Equal(t, 2, clone.Ledger.Calls(tools.ToolWebFetch))
}

func TestToStateDict(t *testing.T) {
	rc := newTestContext()
	rc.Classification = &agents.Classification{PrimaryCategory: agents.CategoryDesignChanges, Complete: true}
	rc.Plan = &agents.TaskPlan{TaskName: "Hero button", DescriptionMarkdown: "## Task Summary"}
	rc.RecordStage(StageValidating, StageGenerating, time.Now(), errors.New("boom"))
	rc.Task = &commbus.TaskRef{ID: "t1", URL: "https://tracker.test/t/t1"}

	state := rc.ToStateDict()
	assert.Equal(t, rc.RequestID, state["request_id"])
	assert.Equal(t, "validating", state["current_stage"])
	assert.Equal(t, "design_changes", state["classification"].(map[string]any)["primary_category"])
	assert.Equal(t, "Hero button", state["plan"].(map[string]any)["task_name"])
	records := state["processing_history"].([]map[string]any)
	require.Len(t, records, 1)
	assert.Equal(t, "error", records[0]["status"])
	assert.Equal(t, "boom", records[0]["error"])
	assert.Contains(t, state, "tool_usage")
	assert.Equal(t, "t1", state["task"].(map[string]any)["id"])
}
