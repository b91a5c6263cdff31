// Package commbus provides the in-process message bus and the protocols of
// the external collaborators the pipeline depends on.
//
// Protocol Categories:
//   - CommBus Protocols: Message, Query, CommBus, Middleware
//   - Collaborator Protocols: TaskTracker, FileStorage, WebFetcher
//
// Collaborators return explicit errors (wrapping ErrCollaborator) and never
// panic; the pipeline decides whether a failure is escalation-worthy.
package commbus

import (
	"context"
)

// =============================================================================
// COMMBUS PROTOCOLS
// =============================================================================

// Message is the protocol for all commbus messages.
// All messages (events, queries, commands) must have a category.
type Message interface {
	// Category returns the message category: "event", "query", or "command".
	Category() string
}

// Query is the protocol for query messages that expect a response.
type Query interface {
	Message
	// IsQuery is a marker method to distinguish queries from other messages.
	IsQuery()
}

// Handler is the protocol for message handlers.
type Handler interface {
	Handle(ctx context.Context, message Message) (any, error)
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, message Message) (any, error) {
	return f(ctx, message)
}

// Middleware can intercept messages before/after handling.
type Middleware interface {
	// Before is called before message is handled.
	// Returns modified message, or nil to abort processing.
	Before(ctx context.Context, message Message) (Message, error)

	// After is called after message is handled.
	// Returns modified result.
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// CommBus is the protocol for the communication bus.
//
//   - Publish(event): fan-out to all subscribers
//   - Send(command): single handler, fire-and-forget
//   - QuerySync(query): request-response
type CommBus interface {
	Publish(ctx context.Context, event Message) error
	Send(ctx context.Context, command Message) error
	QuerySync(ctx context.Context, query Query) (any, error)

	// Subscribe returns an unsubscribe function.
	Subscribe(eventType string, handler HandlerFunc) func()
	RegisterHandler(messageType string, handler HandlerFunc) error
	AddMiddleware(middleware Middleware)

	HasHandler(messageType string) bool
	GetSubscribers(eventType string) []HandlerFunc
	Clear()
}

// Logger is the interface for logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// TASK TRACKER
// =============================================================================

// TrackerPriority is the tracker's numeric priority, 1 (urgent) to 4 (low).
// Zero means unset.
type TrackerPriority int

const (
	TrackerPriorityNone   TrackerPriority = 0
	TrackerPriorityUrgent TrackerPriority = 1
	TrackerPriorityHigh   TrackerPriority = 2
	TrackerPriorityNormal TrackerPriority = 3
	TrackerPriorityLow    TrackerPriority = 4
)

// Task is a tracker task as read back from a list.
type Task struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
	// CustomFields maps field name to value. Only populated by GetTaskDetails.
	CustomFields map[string]any `json:"custom_fields,omitempty"`
}

// CreateTaskRequest describes a new task.
type CreateTaskRequest struct {
	ListID      string
	Name        string
	Description string
	Tags        []string
	Priority    TrackerPriority
}

// TaskRef identifies a created task.
type TaskRef struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// TaskTracker is the project-management service tasks are pushed to.
type TaskTracker interface {
	CreateTask(ctx context.Context, req CreateTaskRequest) (*TaskRef, error)
	CreateChecklist(ctx context.Context, taskID, name string) (string, error)
	AddChecklistItem(ctx context.Context, checklistID, text string) error
	UploadAttachment(ctx context.Context, taskID string, data []byte, filename, mimeType string) error
	GetTasks(ctx context.Context, listID string) ([]Task, error)
	GetTaskDetails(ctx context.Context, taskID string) (*Task, error)
}

// =============================================================================
// FILE STORAGE
// =============================================================================

// FileMetadata describes a stored file.
type FileMetadata struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// FileStorage holds client attachments. GetMetadata and Download return
// (nil, nil) when the file does not exist.
type FileStorage interface {
	GetMetadata(ctx context.Context, fileID string) (*FileMetadata, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
}

// =============================================================================
// WEB CONTENT
// =============================================================================

// WebPage is the extracted view of a fetched page.
type WebPage struct {
	URL              string   `json:"url"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	StructureSummary string   `json:"structure_summary"`
	DetectedSections []string `json:"detected_sections"`
	Text             string   `json:"text"`
	// HTML is the raw document, kept for tools that parse it further.
	HTML string `json:"-"`
}

// WebFetcher retrieves and summarizes web pages.
type WebFetcher interface {
	Fetch(ctx context.Context, url string) (*WebPage, error)
}
