package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(result map[string]any) ToolHandler {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return result, nil
	}
}

// =============================================================================
// TOOL EXECUTOR TESTS
// =============================================================================

func TestNewToolExecutor(t *testing.T) {
	// Test creating a new tool executor.
	executor := NewToolExecutor()

	assert.NotNil(t, executor)
	assert.Empty(t, executor.List())
}

func TestRegisterTool(t *testing.T) {
	// Test registering a tool.
	executor := NewToolExecutor()

	err := executor.Register(&ToolDefinition{
		Name:        "web_fetch",
		Description: "Fetch a page",
		Parameters:  []string{"url"},
		Handler:     okHandler(map[string]any{"title": "Home"}),
	})

	require.NoError(t, err)
	assert.True(t, executor.Has("web_fetch"))
	assert.Equal(t, []string{"url"}, executor.GetDefinition("web_fetch").Parameters)
}

func TestRegisterToolValidation(t *testing.T) {
	// Test that a name and a handler are required.
	executor := NewToolExecutor()

	err := executor.Register(&ToolDefinition{Handler: okHandler(nil)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")

	err = executor.Register(&ToolDefinition{Name: "broken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler is required")
}

func TestExecuteTool(t *testing.T) {
	// Test executing a registered tool passes params through.
	executor := NewToolExecutor()
	require.NoError(t, executor.Register(&ToolDefinition{
		Name: "echo",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"echo": params["input"]}, nil
		},
	}))

	result, err := executor.Execute(context.Background(), "echo", map[string]any{"input": "hello"})

	require.NoError(t, err)
	assert.Equal(t, "hello", result["echo"])
}

func TestExecuteToolNotFound(t *testing.T) {
	// Test executing a non-existent tool fails with ErrToolNotFound.
	executor := NewToolExecutor()

	result, err := executor.Execute(context.Background(), "nonexistent_tool", nil)

	require.Error(t, err)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrToolNotFound)
	assert.Contains(t, err.Error(), "nonexistent_tool")
}

func TestExecuteToolErrorField(t *testing.T) {
	// Test that a result carrying an error field is a failure.
	executor := NewToolExecutor()
	require.NoError(t, executor.Register(&ToolDefinition{
		Name:    "flaky",
		Handler: okHandler(map[string]any{"error": "upstream returned 502"}),
	}))

	result, err := executor.Execute(context.Background(), "flaky", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream returned 502")
	assert.NotNil(t, result)
}

func TestListToolsSorted(t *testing.T) {
	// Test listing returns sorted names.
	executor := NewToolExecutor()
	for _, name := range []string{"seo_audit", "form_detector", "web_fetch"} {
		require.NoError(t, executor.Register(&ToolDefinition{Name: name, Handler: okHandler(nil)}))
	}

	assert.Equal(t, []string{"form_detector", "seo_audit", "web_fetch"}, executor.List())
}

// =============================================================================
// LEDGER-GUARDED EXECUTION
// =============================================================================

func TestExecuteWithLedgerCommitsOnSuccess(t *testing.T) {
	// Test that a successful call is counted.
	executor := NewToolExecutor()
	require.NoError(t, executor.Register(&ToolDefinition{Name: "seo_audit", Handler: okHandler(map[string]any{"score": 80})}))
	ledger := NewDefaultLedger()

	_, err := executor.ExecuteWithLedger(context.Background(), ledger, "seo_audit", nil)

	require.NoError(t, err)
	assert.Equal(t, 1, ledger.Calls("seo_audit"))
	assert.False(t, ledger.CanUse("seo_audit"))
}

func TestExecuteWithLedgerDeniedNeverCallsHandler(t *testing.T) {
	// Test that an exhausted tool is never invoked and never incremented.
	calls := 0
	executor := NewToolExecutor()
	require.NoError(t, executor.Register(&ToolDefinition{
		Name: "seo_audit",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			calls++
			return map[string]any{}, nil
		},
	}))
	ledger := NewDefaultLedger()
	require.NoError(t, ledger.Record("seo_audit"))

	_, err := executor.ExecuteWithLedger(context.Background(), ledger, "seo_audit", nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 1, ledger.Calls("seo_audit"))
}

func TestExecuteWithLedgerReleasesOnFailure(t *testing.T) {
	// Test that a failed call gives its slot back.
	executor := NewToolExecutor()
	require.NoError(t, executor.Register(&ToolDefinition{
		Name: "web_search",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return nil, errors.New("timeout")
		},
	}))
	ledger := NewDefaultLedger()

	_, err := executor.ExecuteWithLedger(context.Background(), ledger, "web_search", nil)

	require.Error(t, err)
	assert.Equal(t, 0, ledger.Calls("web_search"))
	assert.Equal(t, 3, ledger.Remaining("web_search"))
}

// =============================================================================
// CONTRACTS
// =============================================================================

func TestNormalizeToolResult(t *testing.T) {
	tests := []struct {
		name    string
		result  map[string]any
		status  ToolStatus
		message string
	}{
		{"nil result", nil, ToolStatusSuccess, ""},
		{"plain data", map[string]any{"title": "x"}, ToolStatusSuccess, ""},
		{"empty error string", map[string]any{"error": ""}, ToolStatusSuccess, ""},
		{"error string", map[string]any{"error": "boom"}, ToolStatusError, "boom"},
		{"status failed", map[string]any{"status": "failed", "message": "nope"}, ToolStatusError, "nope"},
		{"error map", map[string]any{"error": map[string]any{"type": "HTTPError", "message": "404"}}, ToolStatusError, "404"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeToolResult(tt.result)
			assert.Equal(t, tt.status, got.Status)
			if tt.status == ToolStatusError {
				require.NotNil(t, got.Error)
				assert.Equal(t, tt.message, got.Error.Message)
			} else {
				assert.Nil(t, got.Error)
			}
		})
	}
}

func TestToolExecutorImplementsToolRegistry(t *testing.T) {
	// Test that ToolExecutor implements ToolRegistry interface.
	var registry ToolRegistry = NewToolExecutor()
	assert.NotNil(t, registry)
}
