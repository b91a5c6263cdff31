// Package testutil provides shared test utilities and mocks.
//
// All mocks in this package are designed for testing the coreengine components
// in isolation without requiring external services.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/changeflow/commbus"
)

// =============================================================================
// MOCK LLM PROVIDER
// =============================================================================

// MockLLMProvider implements agents.LLMProvider for testing.
// Responses are scripted per prompt marker: the first rule whose marker is
// contained in the prompt answers. A rule with several responses returns
// them in order and then repeats the last one.
type MockLLMProvider struct {
	// DefaultResponse is returned when no marker matches.
	DefaultResponse string

	// Delay simulates LLM latency.
	Delay time.Duration

	// Error causes Generate to return this error.
	Error error

	// CallCount tracks the number of Generate calls.
	CallCount int

	// Calls records all calls for assertion.
	Calls []LLMCall

	// GenerateFunc, when set, is called instead of the scripted rules.
	GenerateFunc func(context.Context, string, string, map[string]any) (string, error)

	rules []*responseRule
	mu    sync.Mutex
}

type responseRule struct {
	marker    string
	responses []string
	next      int
}

// LLMCall records a single LLM call for assertion.
type LLMCall struct {
	Model   string
	Prompt  string
	Options map[string]any
}

// NewMockLLMProvider creates a MockLLMProvider.
func NewMockLLMProvider() *MockLLMProvider {
	return &MockLLMProvider{DefaultResponse: `{}`}
}

// Generate implements agents.LLMProvider.
func (m *MockLLMProvider) Generate(ctx context.Context, model string, prompt string, options map[string]any) (string, error) {
	m.mu.Lock()
	m.CallCount++
	m.Calls = append(m.Calls, LLMCall{Model: model, Prompt: prompt, Options: options})
	customFunc := m.GenerateFunc
	m.mu.Unlock()

	if customFunc != nil {
		return customFunc(ctx, model, prompt, options)
	}

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if m.Error != nil {
		return "", m.Error
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rule := range m.rules {
		if !strings.Contains(prompt, rule.marker) {
			continue
		}
		resp := rule.responses[rule.next]
		if rule.next < len(rule.responses)-1 {
			rule.next++
		}
		return resp, nil
	}
	return m.DefaultResponse, nil
}

// WithResponse scripts responses for prompts containing marker.
func (m *MockLLMProvider) WithResponse(marker string, responses ...string) *MockLLMProvider {
	if len(responses) == 0 {
		return m
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, &responseRule{marker: marker, responses: responses})
	return m
}

// WithJSON scripts JSON-encoded values for prompts containing marker.
func (m *MockLLMProvider) WithJSON(marker string, values ...any) *MockLLMProvider {
	responses := make([]string, 0, len(values))
	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			panic(fmt.Sprintf("testutil.WithJSON: %v", err))
		}
		responses = append(responses, string(data))
	}
	return m.WithResponse(marker, responses...)
}

// WithError configures the mock to return an error.
func (m *MockLLMProvider) WithError(err error) *MockLLMProvider {
	m.Error = err
	return m
}

// WithDelay adds latency simulation.
func (m *MockLLMProvider) WithDelay(d time.Duration) *MockLLMProvider {
	m.Delay = d
	return m
}

// GetCallCount returns the number of calls (thread-safe).
func (m *MockLLMProvider) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// CallsContaining counts calls whose prompt contains marker.
func (m *MockLLMProvider) CallsContaining(marker string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if strings.Contains(c.Prompt, marker) {
			n++
		}
	}
	return n
}

// LastPromptContaining returns the most recent prompt containing marker.
func (m *MockLLMProvider) LastPromptContaining(marker string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Calls) - 1; i >= 0; i-- {
		if strings.Contains(m.Calls[i].Prompt, marker) {
			return m.Calls[i].Prompt
		}
	}
	return ""
}

// Reset clears call history.
func (m *MockLLMProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount = 0
	m.Calls = nil
}

// Prompt markers identify which built-in prompt a call was made with.
const (
	MarkerClassifier  = "You classify website change requests"
	MarkerArchitect   = "senior technical architect"
	MarkerOutputJudge = "senior QA evaluator"
	MarkerInputJudge  = "You screen incoming client requests"
	MarkerPlanner     = "You plan tool calls"
)

// =============================================================================
// MOCK TASK TRACKER
// =============================================================================

// MockTaskTracker implements commbus.TaskTracker in memory.
type MockTaskTracker struct {
	// Lists maps list id to the tasks returned by GetTasks.
	Lists map[string][]commbus.Task
	// Details maps task id to the task returned by GetTaskDetails.
	Details map[string]*commbus.Task

	Created     []commbus.CreateTaskRequest
	Checklists  map[string][]string // checklist id -> items
	Attachments map[string][]string // task id -> filenames

	// CreateError fails CreateTask; UploadError fails UploadAttachment.
	CreateError error
	UploadError error

	nextID int
	mu     sync.Mutex
}

// NewMockTaskTracker creates a MockTaskTracker.
func NewMockTaskTracker() *MockTaskTracker {
	return &MockTaskTracker{
		Lists:       make(map[string][]commbus.Task),
		Details:     make(map[string]*commbus.Task),
		Checklists:  make(map[string][]string),
		Attachments: make(map[string][]string),
	}
}

// CreateTask implements commbus.TaskTracker.
func (m *MockTaskTracker) CreateTask(ctx context.Context, req commbus.CreateTaskRequest) (*commbus.TaskRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateError != nil {
		return nil, commbus.NewCollaboratorError("tracker", "create_task", m.CreateError)
	}
	m.nextID++
	m.Created = append(m.Created, req)
	id := fmt.Sprintf("task-%d", m.nextID)
	return &commbus.TaskRef{ID: id, URL: "https://tracker.test/t/" + id}, nil
}

// CreateChecklist implements commbus.TaskTracker.
func (m *MockTaskTracker) CreateChecklist(ctx context.Context, taskID, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("%s/%s", taskID, name)
	m.Checklists[id] = []string{}
	return id, nil
}

// AddChecklistItem implements commbus.TaskTracker.
func (m *MockTaskTracker) AddChecklistItem(ctx context.Context, checklistID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Checklists[checklistID] = append(m.Checklists[checklistID], text)
	return nil
}

// UploadAttachment implements commbus.TaskTracker.
func (m *MockTaskTracker) UploadAttachment(ctx context.Context, taskID string, data []byte, filename, mimeType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UploadError != nil {
		return commbus.NewCollaboratorError("tracker", "upload_attachment", m.UploadError)
	}
	m.Attachments[taskID] = append(m.Attachments[taskID], filename)
	return nil
}

// GetTasks implements commbus.TaskTracker.
func (m *MockTaskTracker) GetTasks(ctx context.Context, listID string) ([]commbus.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]commbus.Task(nil), m.Lists[listID]...), nil
}

// GetTaskDetails implements commbus.TaskTracker.
func (m *MockTaskTracker) GetTaskDetails(ctx context.Context, taskID string) (*commbus.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.Details[taskID]
	if !ok {
		return nil, commbus.NewCollaboratorError("tracker", "get_task", fmt.Errorf("task %s not found", taskID))
	}
	return task, nil
}

// CreatedTasks returns a copy of created task requests (thread-safe).
func (m *MockTaskTracker) CreatedTasks() []commbus.CreateTaskRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]commbus.CreateTaskRequest(nil), m.Created...)
}

// =============================================================================
// MOCK FILE STORAGE
// =============================================================================

// MockFileStorage implements commbus.FileStorage in memory.
type MockFileStorage struct {
	Files map[string]MockFile
	// Error fails every call.
	Error error
}

// MockFile is one stored file.
type MockFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// NewMockFileStorage creates a MockFileStorage.
func NewMockFileStorage() *MockFileStorage {
	return &MockFileStorage{Files: make(map[string]MockFile)}
}

// WithFile adds a file.
func (m *MockFileStorage) WithFile(id, name, mimeType string, data []byte) *MockFileStorage {
	m.Files[id] = MockFile{Name: name, MimeType: mimeType, Data: data}
	return m
}

// GetMetadata implements commbus.FileStorage.
func (m *MockFileStorage) GetMetadata(ctx context.Context, fileID string) (*commbus.FileMetadata, error) {
	if m.Error != nil {
		return nil, commbus.NewCollaboratorError("storage", "get_metadata", m.Error)
	}
	f, ok := m.Files[fileID]
	if !ok {
		return nil, nil
	}
	return &commbus.FileMetadata{ID: fileID, Name: f.Name, MimeType: f.MimeType, Size: int64(len(f.Data))}, nil
}

// Download implements commbus.FileStorage.
func (m *MockFileStorage) Download(ctx context.Context, fileID string) ([]byte, error) {
	if m.Error != nil {
		return nil, commbus.NewCollaboratorError("storage", "download", m.Error)
	}
	f, ok := m.Files[fileID]
	if !ok {
		return nil, nil
	}
	return f.Data, nil
}

// =============================================================================
// MOCK WEB FETCHER
// =============================================================================

// MockWebFetcher implements commbus.WebFetcher.
type MockWebFetcher struct {
	Pages  map[string]*commbus.WebPage
	Errors map[string]error
	Calls  []string
	mu     sync.Mutex
}

// NewMockWebFetcher creates a MockWebFetcher.
func NewMockWebFetcher() *MockWebFetcher {
	return &MockWebFetcher{
		Pages:  make(map[string]*commbus.WebPage),
		Errors: make(map[string]error),
	}
}

// WithPage adds a page.
func (m *MockWebFetcher) WithPage(page *commbus.WebPage) *MockWebFetcher {
	m.Pages[page.URL] = page
	return m
}

// Fetch implements commbus.WebFetcher.
func (m *MockWebFetcher) Fetch(ctx context.Context, url string) (*commbus.WebPage, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, url)
	m.mu.Unlock()

	if err, ok := m.Errors[url]; ok {
		return nil, commbus.NewCollaboratorError("webfetch", "fetch", err)
	}
	page, ok := m.Pages[url]
	if !ok {
		return nil, commbus.NewCollaboratorError("webfetch", "fetch", fmt.Errorf("404 for %s", url))
	}
	return page, nil
}

// =============================================================================
// MOCK PERSISTENCE
// =============================================================================

// MockPersistence records saved states in memory.
type MockPersistence struct {
	// States holds every saved snapshot per request, in save order.
	States map[string][]map[string]any

	// SaveError causes SaveState to return this error.
	SaveError error

	SaveCount int

	mu sync.RWMutex
}

// NewMockPersistence creates a MockPersistence.
func NewMockPersistence() *MockPersistence {
	return &MockPersistence{States: make(map[string][]map[string]any)}
}

// SaveState saves a deep copy of state.
func (m *MockPersistence) SaveState(ctx context.Context, requestID string, state map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveCount++
	if m.SaveError != nil {
		return m.SaveError
	}

	copied := make(map[string]any)
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &copied); err != nil {
		return err
	}
	m.States[requestID] = append(m.States[requestID], copied)
	return nil
}

// LastState returns the latest snapshot for a request (thread-safe).
func (m *MockPersistence) LastState(requestID string) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	states := m.States[requestID]
	if len(states) == 0 {
		return nil
	}
	return states[len(states)-1]
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger captures log entries. It satisfies every package Logger interface.
type MockLogger struct {
	Logs []LogEntry
	mu   sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{Logs: make([]LogEntry, 0)}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.log("debug", msg, keysAndValues...)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.log("info", msg, keysAndValues...)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.log("warn", msg, keysAndValues...)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.log("error", msg, keysAndValues...)
}

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields := make(map[string]any)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}
	m.Logs = append(m.Logs, LogEntry{Level: level, Message: msg, Fields: fields})
}

// GetLogs returns captured logs (thread-safe).
func (m *MockLogger) GetLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]LogEntry, len(m.Logs))
	copy(copied, m.Logs)
	return copied
}

// HasLog checks if a log message exists at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.Logs {
		if entry.Level == level && entry.Message == message {
			return true
		}
	}
	return false
}

// =============================================================================
// JUDGE PAYLOAD HELPERS
// =============================================================================

// JudgeCriterion is one criterion line in a scripted judge payload.
type JudgeCriterion struct {
	ID     string
	Passed bool
	Fix    string
}

// JudgePayload builds the JSON object a judge model would return. Criteria
// not listed are omitted from the payload.
func JudgePayload(verdict string, triggered []string, criteria ...JudgeCriterion) map[string]any {
	autoFails := make([]map[string]any, 0, len(triggered))
	for _, id := range triggered {
		autoFails = append(autoFails, map[string]any{"id": id, "triggered": true, "evidence": "scripted"})
	}
	items := make([]map[string]any, 0, len(criteria))
	for _, c := range criteria {
		item := map[string]any{
			"criterion_id":  c.ID,
			"passed":        c.Passed,
			"evidence":      "scripted evidence for " + c.ID,
			"current_state": "state of " + c.ID,
			"required_fix":  c.Fix,
		}
		items = append(items, item)
	}
	return map[string]any{
		"auto_fail_checks": autoFails,
		"criteria":         items,
		"verdict":          verdict,
		"critique":         "No issues found.",
	}
}

// PassingCriteria returns passed criteria for ids.
func PassingCriteria(ids ...string) []JudgeCriterion {
	out := make([]JudgeCriterion, 0, len(ids))
	for _, id := range ids {
		out = append(out, JudgeCriterion{ID: id, Passed: true})
	}
	return out
}

// OutputCriterionIDs lists the criterion ids of the default output rubric.
var OutputCriterionIDs = []string{
	"1.1", "1.2", "1.3", "1.4",
	"2.1", "2.2", "2.3", "2.4", "2.5",
	"3.1", "3.2", "3.3", "3.4", "3.5",
	"4.1", "4.2", "4.3", "4.4",
}

// InputCriterionIDs lists the criterion ids of the default input rubric.
var InputCriterionIDs = []string{"1.1", "1.2", "2.1", "2.2", "3.1", "3.2"}

// ValidPlanMarkdown is a plan that passes the structural checks.
const ValidPlanMarkdown = `## Task Summary
Add a button below the hero linking to the Services page.

## Technical Context
WordPress site using Elementor.

## Execution Steps
1. Open the Home page in Elementor.
2. Add a Button widget below the hero section.
3. Link the button to /services.

## Logic Flow
flowchart TD
  A[Hero] --> B[Button] --> C[Services]

## Definition of Done
- [ ] Button visible below hero
- [ ] Button links to /services`

// NewDryRunLLMProvider returns a provider that accepts every request,
// classifies it as complete, answers with a fixed valid plan and approves
// it. It backs the "mock" LLM provider for local runs.
func NewDryRunLLMProvider() *MockLLMProvider {
	input := JudgePayload("APPROVE", nil, PassingCriteria(InputCriterionIDs...)...)
	input["category"] = "actionable"
	return NewMockLLMProvider().
		WithJSON(MarkerInputJudge, input).
		WithJSON(MarkerClassifier, map[string]any{
			"primary_category": "design_changes",
			"complete":         true,
			"missing":          []string{},
			"confidence":       1.0,
			"reasoning":        "dry run",
		}).
		WithJSON(MarkerArchitect, map[string]any{
			"task_name":            "Add Services button below hero",
			"description_markdown": ValidPlanMarkdown,
			"checklist":            []string{"Button visible below hero", "Button links to /services"},
			"tags":                 []string{"dry-run"},
		}).
		WithJSON(MarkerOutputJudge, JudgePayload("APPROVE", nil, PassingCriteria(OutputCriterionIDs...)...)).
		WithJSON(MarkerPlanner, map[string]any{"actions": []any{}})
}
