package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// =============================================================================
// METRICS TESTS
// =============================================================================

func TestRecordRequest(t *testing.T) {
	tests := []struct {
		name       string
		outcome    string
		durationMS int
	}{
		{"finalized", "finalized", 12000},
		{"escalated", "escalated", 3000},
		{"error", "error", 10},
		{"zero duration", "finalized", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(requestsTotal.WithLabelValues(tt.outcome))
			RecordRequest(tt.outcome, tt.durationMS)
			after := testutil.ToFloat64(requestsTotal.WithLabelValues(tt.outcome))
			assert.Equal(t, before+1, after)
		})
	}
}

func TestRecordStageExecution(t *testing.T) {
	// Test stage counters are labelled by stage and status.
	RecordStageExecution("generating", "success", 1500)
	RecordStageExecution("generating", "error", 20)

	assert.Greater(t, testutil.ToFloat64(stageExecutionsTotal.WithLabelValues("generating", "success")), 0.0)
	assert.Greater(t, testutil.ToFloat64(stageExecutionsTotal.WithLabelValues("generating", "error")), 0.0)
}

func TestRecordEvaluation(t *testing.T) {
	// Test verdict counting per rubric.
	before := testutil.ToFloat64(evaluationsTotal.WithLabelValues("output", "revise"))
	RecordEvaluation("output", "revise")
	RecordEvaluation("output", "revise")

	assert.Equal(t, before+2, testutil.ToFloat64(evaluationsTotal.WithLabelValues("output", "revise")))
}

func TestRecordToolMetrics(t *testing.T) {
	// Test tool invocation and budget denial counters.
	RecordToolInvocation("web_fetch", "success", 250)
	before := testutil.ToFloat64(toolBudgetDenialsTotal.WithLabelValues("seo_audit"))
	RecordBudgetDenial("seo_audit")

	assert.Greater(t, testutil.ToFloat64(toolInvocationsTotal.WithLabelValues("web_fetch", "success")), 0.0)
	assert.Equal(t, before+1, testutil.ToFloat64(toolBudgetDenialsTotal.WithLabelValues("seo_audit")))
}

func TestRecordHeuristicCheck(t *testing.T) {
	// Test pass and fail labels.
	RecordHeuristicCheck("has_action_verb", true)
	RecordHeuristicCheck("has_action_verb", false)

	assert.Greater(t, testutil.ToFloat64(heuristicChecksTotal.WithLabelValues("has_action_verb", "pass")), 0.0)
	assert.Greater(t, testutil.ToFloat64(heuristicChecksTotal.WithLabelValues("has_action_verb", "fail")), 0.0)
}

func TestMetrics_EndToEnd(t *testing.T) {
	// Simulate one request touching every metric family.
	RecordRequest("escalated", 4000)
	RecordEscalation("enrichment_stalled")
	RecordStageExecution("enriching", "success", 900)
	RecordEnrichmentConfidence(0.42)
	RecordLLMCall("gemini", "gemini-2.5-flash", "success", 1200)
	RecordGRPCRequest("/changeflow.v1.Intake/Submit", "OK", 4000)
	RecordHTTPRequest("/webhook", "200")

	assert.Greater(t, testutil.ToFloat64(escalationsTotal.WithLabelValues("enrichment_stalled")), 0.0)
	assert.Greater(t, testutil.ToFloat64(llmCallsTotal.WithLabelValues("gemini", "gemini-2.5-flash", "success")), 0.0)
	assert.Greater(t, testutil.ToFloat64(grpcRequestsTotal.WithLabelValues("/changeflow.v1.Intake/Submit", "OK")), 0.0)
	assert.Greater(t, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/webhook", "200")), 0.0)
}

// =============================================================================
// LOGGING TESTS
// =============================================================================

func TestNewZapLogger(t *testing.T) {
	// Test level and format validation.
	logger, err := NewZapLogger("debug", "console")
	require.NoError(t, err)
	assert.NotNil(t, logger.Zap())

	_, err = NewZapLogger("loud", "json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestObservedLoggerKeyValues(t *testing.T) {
	// Test that key/value pairs become structured fields.
	logger, logs := NewObservedLogger()

	logger.With("component", "runner").Warn("tool_budget_exceeded", "tool", "seo_audit", "calls", 1)
	logger.Info("stage_completed", "stage", "validating")

	require.Equal(t, 2, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "tool_budget_exceeded", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "runner", fields["component"])
	assert.Equal(t, "seo_audit", fields["tool"])
	assert.Equal(t, int64(1), fields["calls"])
}

func TestNopLogger(t *testing.T) {
	// Test that NopLogger is safe to call.
	var l NopLogger
	l.Debug("x")
	l.Info("x", "k", "v")
	l.Warn("x")
	l.Error("x")
}
