// Package tracker is the ClickUp implementation of commbus.TaskTracker.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/changeflow/commbus"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the ClickUp v2 API root.
const DefaultBaseURL = "https://api.clickup.com/api/v2"

// ClickUp allows 100 requests per minute per token on the base plan.
const defaultRequestsPerMinute = 100

var tracer = otel.Tracer("changeflow/tracker")

// Logger is the interface for logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config configures a Client.
type Config struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
	// RequestsPerMinute throttles outgoing calls. Zero uses the ClickUp default.
	RequestsPerMinute int
}

// Client talks to the ClickUp REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  Logger
}

// New creates a Client.
func New(cfg Config, logger Logger) (*Client, error) {
	if cfg.APIToken == "" {
		return nil, errors.New("tracker api token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.APIToken,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
		logger:  logger,
	}, nil
}

// WithHTTPClient replaces the underlying client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type apiTask struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	URL          string           `json:"url"`
	CustomFields []apiCustomField `json:"custom_fields"`
}

type apiCustomField struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type createTaskBody struct {
	Name            string   `json:"name"`
	MarkdownContent string   `json:"markdown_content"`
	Tags            []string `json:"tags"`
	Priority        int      `json:"priority,omitempty"`
}

func (t apiTask) toTask(withFields bool) commbus.Task {
	task := commbus.Task{ID: t.ID, Name: t.Name, URL: t.URL}
	if withFields {
		task.CustomFields = make(map[string]any, len(t.CustomFields))
		for _, f := range t.CustomFields {
			if f.Name != "" {
				task.CustomFields[f.Name] = f.Value
			}
		}
	}
	return task
}

// =============================================================================
// OPERATIONS
// =============================================================================

// CreateTask creates a task in req.ListID.
func (c *Client) CreateTask(ctx context.Context, req commbus.CreateTaskRequest) (*commbus.TaskRef, error) {
	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}
	body := createTaskBody{
		Name:            req.Name,
		MarkdownContent: req.Description,
		Tags:            tags,
		Priority:        int(req.Priority),
	}
	var out apiTask
	if err := c.doJSON(ctx, "create_task", http.MethodPost, "/list/"+url.PathEscape(req.ListID)+"/task", body, &out); err != nil {
		return nil, err
	}
	c.logger.Info("tracker_task_created", "task_id", out.ID, "list_id", req.ListID)
	return &commbus.TaskRef{ID: out.ID, URL: out.URL}, nil
}

// CreateChecklist adds a named checklist to a task and returns its id.
func (c *Client) CreateChecklist(ctx context.Context, taskID, name string) (string, error) {
	var out struct {
		Checklist struct {
			ID string `json:"id"`
		} `json:"checklist"`
	}
	if err := c.doJSON(ctx, "create_checklist", http.MethodPost, "/task/"+url.PathEscape(taskID)+"/checklist", map[string]string{"name": name}, &out); err != nil {
		return "", err
	}
	if out.Checklist.ID == "" {
		return "", commbus.NewCollaboratorError("tracker", "create_checklist", errors.New("response carried no checklist id"))
	}
	return out.Checklist.ID, nil
}

// AddChecklistItem appends an item to a checklist.
func (c *Client) AddChecklistItem(ctx context.Context, checklistID, text string) error {
	return c.doJSON(ctx, "add_checklist_item", http.MethodPost, "/checklist/"+url.PathEscape(checklistID)+"/checklist_item", map[string]string{"name": text}, nil)
}

// UploadAttachment uploads data as a multipart "attachment" file.
func (c *Client) UploadAttachment(ctx context.Context, taskID string, data []byte, filename, mimeType string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachment"; filename=%q`, filename))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header.Set("Content-Type", mimeType)
	part, err := w.CreatePart(header)
	if err != nil {
		return commbus.NewCollaboratorError("tracker", "upload_attachment", err)
	}
	if _, err := part.Write(data); err != nil {
		return commbus.NewCollaboratorError("tracker", "upload_attachment", err)
	}
	if err := w.Close(); err != nil {
		return commbus.NewCollaboratorError("tracker", "upload_attachment", err)
	}
	return c.do(ctx, "upload_attachment", http.MethodPost, "/task/"+url.PathEscape(taskID)+"/attachment", &buf, w.FormDataContentType(), nil)
}

// GetTasks lists the open tasks of a list. Custom fields are not populated.
func (c *Client) GetTasks(ctx context.Context, listID string) ([]commbus.Task, error) {
	var out struct {
		Tasks []apiTask `json:"tasks"`
	}
	if err := c.doJSON(ctx, "get_tasks", http.MethodGet, "/list/"+url.PathEscape(listID)+"/task?include_closed=false", nil, &out); err != nil {
		return nil, err
	}
	tasks := make([]commbus.Task, 0, len(out.Tasks))
	for _, t := range out.Tasks {
		tasks = append(tasks, t.toTask(false))
	}
	return tasks, nil
}

// GetTaskDetails fetches one task with its custom fields flattened by name.
func (c *Client) GetTaskDetails(ctx context.Context, taskID string) (*commbus.Task, error) {
	var out apiTask
	if err := c.doJSON(ctx, "get_task_details", http.MethodGet, "/task/"+url.PathEscape(taskID), nil, &out); err != nil {
		return nil, err
	}
	task := out.toTask(true)
	return &task, nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return commbus.NewCollaboratorError("tracker", op, err)
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}
	return c.do(ctx, op, method, path, body, contentType, out)
}

func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string, out any) (err error) {
	ctx, span := tracer.Start(ctx, "tracker."+op, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("tracker.path", path),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return commbus.NewCollaboratorError("tracker", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return commbus.NewCollaboratorError("tracker", op, err)
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("tracker_request_failed", "op", op, "error", err.Error())
		return commbus.NewCollaboratorError("tracker", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("tracker_request_rejected", "op", op, "status", resp.StatusCode)
		return commbus.NewCollaboratorError("tracker", op,
			fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return commbus.NewCollaboratorError("tracker", op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

var _ commbus.TaskTracker = (*Client)(nil)
