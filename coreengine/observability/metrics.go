// Package observability provides Prometheus metrics, OpenTelemetry tracing and
// zap-backed logging for the change-request pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// REQUEST METRICS
// =============================================================================

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changeflow_requests_total",
			Help: "Total number of change requests processed",
		},
		[]string{"outcome"}, // outcome: finalized, escalated, error
	)

	requestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "changeflow_request_duration_seconds",
			Help:    "End-to-end change request duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	escalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changeflow_escalations_total",
			Help: "Total number of requests escalated to human review",
		},
		[]string{"reason"},
	)
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changeflow_stage_executions_total",
			Help: "Total number of pipeline stage executions",
		},
		[]string{"stage", "status"}, // status: success, error
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "changeflow_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)
)

// =============================================================================
// EVALUATION AND ENRICHMENT METRICS
// =============================================================================

var (
	evaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changeflow_evaluations_total",
			Help: "Total number of gate evaluations by rubric and verdict",
		},
		[]string{"rubric", "verdict"},
	)

	heuristicChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changeflow_heuristic_checks_total",
			Help: "Lightweight deterministic checks by name and result",
		},
		[]string{"check", "result"}, // result: pass, fail
	)

	enrichmentConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "changeflow_enrichment_confidence",
			Help:    "Aggregate confidence of enrichment iterations",
			Buckets: []float64{0, 0.2, 0.4, 0.6, 0.8, 1},
		},
	)
)

// =============================================================================
// TOOL METRICS
// =============================================================================

var (
	toolInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changeflow_tool_invocations_total",
			Help: "Total number of enrichment tool invocations",
		},
		[]string{"tool", "status"},
	)

	toolDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "changeflow_tool_duration_seconds",
			Help:    "Enrichment tool duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tool"},
	)

	toolBudgetDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changeflow_tool_budget_denials_total",
			Help: "Tool invocations refused by the budget ledger",
		},
		[]string{"tool"},
	)
)

// =============================================================================
// LLM METRICS
// =============================================================================

var (
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changeflow_llm_calls_total",
			Help: "Total number of LLM API calls",
		},
		[]string{"provider", "model", "status"}, // status: success, error
	)

	llmDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "changeflow_llm_duration_seconds",
			Help:    "LLM call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)
)

// =============================================================================
// INGRESS METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changeflow_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "changeflow_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changeflow_http_requests_total",
			Help: "Total webhook HTTP requests",
		},
		[]string{"path", "code"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordRequest records the outcome of one change request.
func RecordRequest(outcome string, durationMS int) {
	requestsTotal.WithLabelValues(outcome).Inc()
	requestDurationSeconds.WithLabelValues(outcome).Observe(float64(durationMS) / 1000.0)
}

// RecordEscalation records an escalation and its terminal reason.
func RecordEscalation(reason string) {
	escalationsTotal.WithLabelValues(reason).Inc()
}

// RecordStageExecution records stage execution metrics.
func RecordStageExecution(stage string, status string, durationMS int) {
	stageExecutionsTotal.WithLabelValues(stage, status).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(float64(durationMS) / 1000.0)
}

// RecordEvaluation records a gate verdict.
func RecordEvaluation(rubric string, verdict string) {
	evaluationsTotal.WithLabelValues(rubric, verdict).Inc()
}

// RecordHeuristicCheck records a lightweight check result.
func RecordHeuristicCheck(check string, passed bool) {
	result := "fail"
	if passed {
		result = "pass"
	}
	heuristicChecksTotal.WithLabelValues(check, result).Inc()
}

// RecordEnrichmentConfidence records the aggregate confidence of one enrichment iteration.
func RecordEnrichmentConfidence(confidence float64) {
	enrichmentConfidence.Observe(confidence)
}

// RecordToolInvocation records tool invocation metrics.
func RecordToolInvocation(tool string, status string, durationMS int) {
	toolInvocationsTotal.WithLabelValues(tool, status).Inc()
	toolDurationSeconds.WithLabelValues(tool).Observe(float64(durationMS) / 1000.0)
}

// RecordBudgetDenial records a call refused by the tool budget ledger.
func RecordBudgetDenial(tool string) {
	toolBudgetDenialsTotal.WithLabelValues(tool).Inc()
}

// RecordLLMCall records LLM call metrics.
// This should be called after LLM generation completes.
func RecordLLMCall(provider string, model string, status string, durationMS int) {
	llmCallsTotal.WithLabelValues(provider, model, status).Inc()
	llmDurationSeconds.WithLabelValues(provider, model).Observe(float64(durationMS) / 1000.0)
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}

// RecordHTTPRequest records webhook request metrics.
func RecordHTTPRequest(path string, code string) {
	httpRequestsTotal.WithLabelValues(path, code).Inc()
}
