// Package tools provides the named tool registry and the per-request budget ledger.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrToolNotFound is returned when no tool is registered under a name.
var ErrToolNotFound = errors.New("tool not found")

var tracer = otel.Tracer("changeflow/tools")

// ToolHandler is a function that executes a tool.
type ToolHandler func(ctx context.Context, params map[string]any) (map[string]any, error)

// ToolDefinition defines a tool's metadata and handler.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters documents the accepted parameter names for the planner prompt.
	Parameters []string
	Handler    ToolHandler
}

// ToolExecutor executes tools by name.
type ToolExecutor struct {
	tools map[string]*ToolDefinition
	mu    sync.RWMutex
}

// NewToolExecutor creates a new ToolExecutor.
func NewToolExecutor() *ToolExecutor {
	return &ToolExecutor{
		tools: make(map[string]*ToolDefinition),
	}
}

// Register registers a tool.
func (e *ToolExecutor) Register(def *ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler is required for '%s'", def.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.tools[def.Name] = def
	return nil
}

// Execute executes a tool by name. A result carrying an "error" field is
// reported as a failure.
func (e *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]any) (map[string]any, error) {
	e.mu.RLock()
	def, exists := e.tools[toolName]
	e.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}

	ctx, span := tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("changeflow.tool.name", toolName),
	))
	defer span.End()

	start := time.Now()
	result, err := def.Handler(ctx, params)
	if err == nil {
		err = ResultError(result)
	}
	durationMS := int(time.Since(start).Milliseconds())

	if err != nil {
		observability.RecordToolInvocation(toolName, "error", durationMS)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	observability.RecordToolInvocation(toolName, "success", durationMS)
	span.SetStatus(codes.Ok, "success")
	return result, nil
}

// ExecuteWithLedger reserves budget for the tool, executes it and commits
// the call only when it succeeds. A denied reservation never reaches the
// handler.
func (e *ToolExecutor) ExecuteWithLedger(ctx context.Context, ledger *Ledger, toolName string, params map[string]any) (map[string]any, error) {
	reservation, err := ledger.Reserve(toolName)
	if err != nil {
		observability.RecordBudgetDenial(toolName)
		return nil, err
	}

	result, err := e.Execute(ctx, toolName, params)
	if err != nil {
		reservation.Release()
		return result, err
	}
	reservation.Commit()
	return result, nil
}

// Has checks if a tool is registered.
func (e *ToolExecutor) Has(toolName string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, exists := e.tools[toolName]
	return exists
}

// List returns all registered tool names in sorted order.
func (e *ToolExecutor) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetDefinition gets a tool definition by name.
func (e *ToolExecutor) GetDefinition(toolName string) *ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tools[toolName]
}

// ToolRegistry is an interface for tool registration and lookup.
type ToolRegistry interface {
	Register(def *ToolDefinition) error
	Execute(ctx context.Context, toolName string, params map[string]any) (map[string]any, error)
	ExecuteWithLedger(ctx context.Context, ledger *Ledger, toolName string, params map[string]any) (map[string]any, error)
	Has(toolName string) bool
	List() []string
	GetDefinition(toolName string) *ToolDefinition
}

// Ensure ToolExecutor implements ToolRegistry
var _ ToolRegistry = (*ToolExecutor)(nil)
