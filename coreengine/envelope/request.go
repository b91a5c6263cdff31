package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jeeves-cluster-organization/changeflow/commbus"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/enrichment"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/evaluation"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/tools"
)

// ProcessingRecord represents a record of a single node execution.
type ProcessingRecord struct {
	Stage       Stage      `json:"stage"`
	Next        Stage      `json:"next,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int        `json:"duration_ms"`
	Status      string     `json:"status"` // "success", "error"
	Error       *string    `json:"error,omitempty"`
}

// Bounds are the per-request loop limits copied from policy.
type Bounds struct {
	MaxIterations           int `json:"max_iterations"`
	MaxEnrichmentIterations int `json:"max_enrichment_iterations"`
	MaxEnrichmentTokens     int `json:"max_enrichment_tokens"`
}

// RequestContext is the state of one in-flight request.
//
// Iteration counts generations; the n-th evaluation in Evaluations always
// belongs to the n-th generation. EnrichmentHistory holds one entry per
// enrichment iteration in order.
type RequestContext struct {
	// Identification
	RequestID     string    `json:"request_id"`
	ClientID      string    `json:"client_id"`
	RequestText   string    `json:"raw_request"`
	Priority      Priority  `json:"priority"`
	CategoryHint  string    `json:"category_hint,omitempty"`
	AttachmentIDs []string  `json:"attachment_ids,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`

	// Static context gathered during validation
	ClientContext  map[string]any       `json:"client_context"`
	Files          []agents.FileSummary `json:"files,omitempty"`
	WebsiteURL     string               `json:"website_url"`
	WebsiteContent string               `json:"website_content,omitempty"`

	// Screening and classification
	Validation     *evaluation.InputValidation `json:"validation,omitempty"`
	Classification *agents.Classification      `json:"classification,omitempty"`

	// Generate-evaluate loop
	Plan        *agents.TaskPlan     `json:"plan,omitempty"`
	Iteration   int                  `json:"iterations"`
	Critique    string               `json:"critique,omitempty"`
	Evaluations []*evaluation.Result `json:"evaluations"`

	// Enrichment loop
	EnrichmentHistory []*enrichment.Result `json:"enrichment_history"`
	// MissingBefore is the open-question set recorded before the most
	// recent enrichment iteration.
	MissingBefore    []string `json:"missing_before,omitempty"`
	EnrichmentTokens int      `json:"enrichment_tokens"`

	Ledger *tools.Ledger `json:"-"`
	Bounds Bounds        `json:"bounds"`

	// Pipeline state
	CurrentStage Stage `json:"current_stage"`

	// Audit trail
	History           []string           `json:"history"`
	ProcessingHistory []ProcessingRecord `json:"processing_history"`
	Logs              map[string]any     `json:"logs"`
	Errors            []map[string]any   `json:"errors"`

	// Terminal state
	Terminated        bool             `json:"terminated"`
	Outcome           Outcome          `json:"outcome,omitempty"`
	TerminalReason    TerminalReason   `json:"terminal_reason,omitempty"`
	TerminationDetail string           `json:"termination_detail,omitempty"`
	Task              *commbus.TaskRef `json:"task,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
}

// NewRequestContext creates the context for an inbound request. The client
// id is sanitized to a bare domain; an unknown priority becomes normal.
func NewRequestContext(req *InboundRequest, ledger *tools.Ledger, bounds Bounds) *RequestContext {
	if ledger == nil {
		ledger = tools.NewDefaultLedger()
	}
	priority, err := ParsePriority(req.Priority)
	if err != nil {
		priority = PriorityNormal
	}
	clientID := SanitizeDomain(req.ClientID)
	return &RequestContext{
		RequestID:         "req_" + uuid.New().String()[:16],
		ClientID:          clientID,
		RequestText:       req.RequestText,
		Priority:          priority,
		CategoryHint:      req.CategoryHint,
		AttachmentIDs:     copyStringSlice(req.AttachmentIDs),
		ReceivedAt:        time.Now().UTC(),
		ClientContext:     make(map[string]any),
		WebsiteURL:        EnsureURL(clientID),
		Evaluations:       []*evaluation.Result{},
		EnrichmentHistory: []*enrichment.Result{},
		Ledger:            ledger,
		Bounds:            bounds,
		CurrentStage:      StageValidating,
		History:           []string{},
		ProcessingHistory: []ProcessingRecord{},
		Logs:              make(map[string]any),
		Errors:            []map[string]any{},
	}
}

// =============================================================================
// Audit Helpers
// =============================================================================

// AddHistory appends one step description to the audit history.
func (rc *RequestContext) AddHistory(format string, args ...any) {
	rc.History = append(rc.History, fmt.Sprintf(format, args...))
}

// SetLog stores a structured log entry under key.
func (rc *RequestContext) SetLog(key string, value any) {
	if rc.Logs == nil {
		rc.Logs = make(map[string]any)
	}
	rc.Logs[key] = value
}

// RecordError appends a node error to the audit trail.
func (rc *RequestContext) RecordError(stage Stage, err error) {
	rc.Errors = append(rc.Errors, map[string]any{
		"stage":     string(stage),
		"error":     err.Error(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// RecordStage appends a processing record.
func (rc *RequestContext) RecordStage(stage, next Stage, startedAt time.Time, err error) {
	now := time.Now().UTC()
	record := ProcessingRecord{
		Stage:       stage,
		Next:        next,
		StartedAt:   startedAt,
		CompletedAt: &now,
		DurationMS:  int(now.Sub(startedAt).Milliseconds()),
		Status:      "success",
	}
	if err != nil {
		msg := err.Error()
		record.Status = "error"
		record.Error = &msg
	}
	rc.ProcessingHistory = append(rc.ProcessingHistory, record)
}

// TotalProcessingTimeMS calculates total processing time from history.
func (rc *RequestContext) TotalProcessingTimeMS() int {
	total := 0
	for _, entry := range rc.ProcessingHistory {
		total += entry.DurationMS
	}
	return total
}

// =============================================================================
// Loop State
// =============================================================================

// Missing returns the open questions of the latest classification.
func (rc *RequestContext) Missing() []string {
	if rc.Classification == nil {
		return nil
	}
	return rc.Classification.Missing
}

// IsComplete reports whether the latest classification needs no more information.
func (rc *RequestContext) IsComplete() bool {
	return rc.Classification != nil && rc.Classification.Complete
}

// EnrichmentIterations is the number of enrichment iterations run so far.
func (rc *RequestContext) EnrichmentIterations() int {
	return len(rc.EnrichmentHistory)
}

// RecordEnrichment appends an iteration result. before is the open-question
// set the iteration started from.
func (rc *RequestContext) RecordEnrichment(before []string, result *enrichment.Result) {
	rc.MissingBefore = copyStringSlice(before)
	rc.EnrichmentHistory = append(rc.EnrichmentHistory, result)
	rc.EnrichmentTokens += result.TokensUsed
}

// LatestEnrichment returns the most recent enrichment result or nil.
func (rc *RequestContext) LatestEnrichment() *enrichment.Result {
	if len(rc.EnrichmentHistory) == 0 {
		return nil
	}
	return rc.EnrichmentHistory[len(rc.EnrichmentHistory)-1]
}

// GatheredAnswers merges answers from every enrichment iteration; later
// answers to the same question win.
func (rc *RequestContext) GatheredAnswers() map[string]any {
	out := make(map[string]any)
	for _, r := range rc.EnrichmentHistory {
		for q, a := range r.AnswerMap() {
			out[q] = a
		}
	}
	return out
}

// RecordEvaluation appends a gate result for the current iteration.
func (rc *RequestContext) RecordEvaluation(result *evaluation.Result) {
	rc.Evaluations = append(rc.Evaluations, result)
}

// LatestEvaluation returns the most recent gate result or nil.
func (rc *RequestContext) LatestEvaluation() *evaluation.Result {
	if len(rc.Evaluations) == 0 {
		return nil
	}
	return rc.Evaluations[len(rc.Evaluations)-1]
}

// PreviousEvaluation returns the gate result before the latest one or nil.
func (rc *RequestContext) PreviousEvaluation() *evaluation.Result {
	if len(rc.Evaluations) < 2 {
		return nil
	}
	return rc.Evaluations[len(rc.Evaluations)-2]
}

// Terminate marks the request as finished.
func (rc *RequestContext) Terminate(outcome Outcome, reason TerminalReason, detail string) {
	rc.Terminated = true
	rc.Outcome = outcome
	rc.TerminalReason = reason
	rc.TerminationDetail = detail
	now := time.Now().UTC()
	rc.CompletedAt = &now
}

// =============================================================================
// Clone - Deep Copy for State Snapshots
// =============================================================================

// Clone creates a deep copy of the context. Results held by pointer
// (classification, plan, evaluations, enrichment results) are immutable
// once recorded and are shared; the ledger is cloned.
func (rc *RequestContext) Clone() *RequestContext {
	clone := *rc
	clone.AttachmentIDs = copyStringSlice(rc.AttachmentIDs)
	clone.ClientContext = deepCopyAnyMap(rc.ClientContext)
	clone.Files = append([]agents.FileSummary(nil), rc.Files...)
	clone.Plan = rc.Plan.Clone()
	clone.Evaluations = append([]*evaluation.Result(nil), rc.Evaluations...)
	clone.EnrichmentHistory = append([]*enrichment.Result(nil), rc.EnrichmentHistory...)
	clone.MissingBefore = copyStringSlice(rc.MissingBefore)
	if rc.Ledger != nil {
		clone.Ledger = rc.Ledger.Clone()
	}
	clone.History = copyStringSlice(rc.History)
	clone.ProcessingHistory = copyProcessingHistory(rc.ProcessingHistory)
	clone.Logs = deepCopyAnyMap(rc.Logs)
	clone.Errors = deepCopyMapSlice(rc.Errors)
	if rc.Task != nil {
		task := *rc.Task
		clone.Task = &task
	}
	if rc.CompletedAt != nil {
		t := *rc.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}

// Helper functions for deep copying
func copyStringSlice(s []string) []string {
	if s == nil {
		return nil
	}
	result := make([]string, len(s))
	copy(result, s)
	return result
}

func deepCopyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyAnyMap(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = deepCopyValue(item)
		}
		return result
	case []string:
		return copyStringSlice(val)
	default:
		return v
	}
}

func deepCopyMapSlice(s []map[string]any) []map[string]any {
	if s == nil {
		return nil
	}
	result := make([]map[string]any, len(s))
	for i, m := range s {
		result[i] = deepCopyAnyMap(m)
	}
	return result
}

func copyProcessingHistory(h []ProcessingRecord) []ProcessingRecord {
	if h == nil {
		return nil
	}
	result := make([]ProcessingRecord, len(h))
	for i, r := range h {
		result[i] = r
		if r.CompletedAt != nil {
			t := *r.CompletedAt
			result[i].CompletedAt = &t
		}
		if r.Error != nil {
			err := *r.Error
			result[i].Error = &err
		}
	}
	return result
}

// =============================================================================
// Serialization
// =============================================================================

// ToStateDict converts to state dict for persistence.
func (rc *RequestContext) ToStateDict() map[string]any {
	var completedAt *string
	if rc.CompletedAt != nil {
		s := rc.CompletedAt.Format(time.RFC3339)
		completedAt = &s
	}

	evaluations := make([]map[string]any, 0, len(rc.Evaluations))
	for _, e := range rc.Evaluations {
		evaluations = append(evaluations, e.ToMap())
	}
	enrichments := make([]map[string]any, 0, len(rc.EnrichmentHistory))
	for _, e := range rc.EnrichmentHistory {
		enrichments = append(enrichments, e.ToMap())
	}
	records := make([]map[string]any, 0, len(rc.ProcessingHistory))
	for _, r := range rc.ProcessingHistory {
		record := map[string]any{
			"stage":       string(r.Stage),
			"next":        string(r.Next),
			"started_at":  r.StartedAt.Format(time.RFC3339),
			"duration_ms": r.DurationMS,
			"status":      r.Status,
		}
		if r.Error != nil {
			record["error"] = *r.Error
		}
		records = append(records, record)
	}

	state := map[string]any{
		"request_id":         rc.RequestID,
		"client_id":          rc.ClientID,
		"raw_request":        rc.RequestText,
		"priority":           string(rc.Priority),
		"category_hint":      rc.CategoryHint,
		"attachment_ids":     rc.AttachmentIDs,
		"received_at":        rc.ReceivedAt.Format(time.RFC3339),
		"client_context":     rc.ClientContext,
		"website_url":        rc.WebsiteURL,
		"current_stage":      string(rc.CurrentStage),
		"iterations":         rc.Iteration,
		"critique":           rc.Critique,
		"evaluations":        evaluations,
		"enrichment_history": enrichments,
		"enrichment_tokens":  rc.EnrichmentTokens,
		"history":            rc.History,
		"processing_history": records,
		"logs":               rc.Logs,
		"errors":             rc.Errors,
		"terminated":         rc.Terminated,
		"outcome":            string(rc.Outcome),
		"terminal_reason":    string(rc.TerminalReason),
		"termination_detail": rc.TerminationDetail,
		"completed_at":       completedAt,
		"bounds": map[string]any{
			"max_iterations":            rc.Bounds.MaxIterations,
			"max_enrichment_iterations": rc.Bounds.MaxEnrichmentIterations,
			"max_enrichment_tokens":     rc.Bounds.MaxEnrichmentTokens,
		},
	}
	if rc.Validation != nil {
		state["validation"] = rc.Validation.ToMap()
	}
	if rc.Classification != nil {
		state["classification"] = rc.Classification.ToMap()
	}
	if rc.Plan != nil {
		state["plan"] = rc.Plan.ToMap()
	}
	if rc.Ledger != nil {
		state["tool_usage"] = rc.Ledger.ToMap()
	}
	if rc.Task != nil {
		state["task"] = map[string]any{"id": rc.Task.ID, "url": rc.Task.URL}
	}
	return state
}

// ToResultDict converts to result dictionary for API responses.
func (rc *RequestContext) ToResultDict() map[string]any {
	result := map[string]any{
		"request_id":         rc.RequestID,
		"client_id":          rc.ClientID,
		"outcome":            string(rc.Outcome),
		"terminal_reason":    string(rc.TerminalReason),
		"iterations":         rc.Iteration,
		"history":            rc.History,
		"processing_time_ms": rc.TotalProcessingTimeMS(),
	}
	if rc.TerminalReason != "" {
		result["reason"] = rc.TerminalReason.Describe()
	}
	if rc.Task != nil {
		result["task_id"] = rc.Task.ID
		result["task_url"] = rc.Task.URL
	}
	if rc.Validation != nil && !rc.Validation.Valid {
		result["clarification_needed"] = true
		result["clarification_question"] = rc.Validation.SuggestedClarification
	}
	return result
}
