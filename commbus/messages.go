package commbus

// =============================================================================
// MESSAGE CATEGORIES
// =============================================================================

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	// MessageCategoryEvent represents fire-and-forget, fan-out to all subscribers.
	MessageCategoryEvent MessageCategory = "event"
	// MessageCategoryQuery represents request-response, single handler.
	MessageCategoryQuery MessageCategory = "query"
	// MessageCategoryCommand represents fire-and-forget, single handler.
	MessageCategoryCommand MessageCategory = "command"
)

// =============================================================================
// PIPELINE EVENTS
// =============================================================================

// RequestReceived is emitted when a request enters the pipeline.
type RequestReceived struct {
	RequestID string `json:"request_id"`
	ClientID  string `json:"client_id"`
	Priority  string `json:"priority"`
}

// Category implements the Message interface.
func (m *RequestReceived) Category() string { return string(MessageCategoryEvent) }

// StageCompleted is emitted after every node.
type StageCompleted struct {
	RequestID  string `json:"request_id"`
	Stage      string `json:"stage"`
	Next       string `json:"next"`
	Status     string `json:"status"` // "success", "error"
	DurationMS int    `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Category implements the Message interface.
func (m *StageCompleted) Category() string { return string(MessageCategoryEvent) }

// EvaluationCompleted is emitted after each gate evaluation.
type EvaluationCompleted struct {
	RequestID      string `json:"request_id"`
	Iteration      int    `json:"iteration"`
	Verdict        string `json:"verdict"`
	CriteriaPassed int    `json:"criteria_passed"`
	CriteriaTotal  int    `json:"criteria_total"`
	FixedCriteria  int    `json:"fixed_criteria"`
}

// Category implements the Message interface.
func (m *EvaluationCompleted) Category() string { return string(MessageCategoryEvent) }

// EnrichmentCompleted is emitted after each enrichment iteration.
type EnrichmentCompleted struct {
	RequestID  string   `json:"request_id"`
	Iteration  int      `json:"iteration"`
	Answered   int      `json:"answered"`
	Total      int      `json:"total"`
	Confidence float64  `json:"confidence"`
	ToolsUsed  []string `json:"tools_used"`
	Errors     []string `json:"errors,omitempty"`
}

// Category implements the Message interface.
func (m *EnrichmentCompleted) Category() string { return string(MessageCategoryEvent) }

// RequestFinalized is emitted when an approved plan is pushed.
type RequestFinalized struct {
	RequestID string `json:"request_id"`
	ClientID  string `json:"client_id"`
	TaskID    string `json:"task_id,omitempty"`
	TaskURL   string `json:"task_url,omitempty"`
}

// Category implements the Message interface.
func (m *RequestFinalized) Category() string { return string(MessageCategoryEvent) }

// RequestEscalated is emitted when a request is handed to a human.
type RequestEscalated struct {
	RequestID string `json:"request_id"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason"`
	Detail    string `json:"detail,omitempty"`
}

// Category implements the Message interface.
func (m *RequestEscalated) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// QUERIES
// =============================================================================

// GetToolBudgets asks for the configured per-tool call caps.
type GetToolBudgets struct{}

// Category implements the Message interface.
func (m *GetToolBudgets) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *GetToolBudgets) IsQuery() {}

// ToolBudgetsResponse is the response for GetToolBudgets.
type ToolBudgetsResponse struct {
	Budgets map[string]int `json:"budgets"`
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// TypedMessage is implemented by messages that provide their own type name.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *RequestReceived:
		return "RequestReceived"
	case *StageCompleted:
		return "StageCompleted"
	case *EvaluationCompleted:
		return "EvaluationCompleted"
	case *EnrichmentCompleted:
		return "EnrichmentCompleted"
	case *RequestFinalized:
		return "RequestFinalized"
	case *RequestEscalated:
		return "RequestEscalated"
	case *GetToolBudgets:
		return "GetToolBudgets"
	default:
		return "Unknown"
	}
}
