package tools

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// ENUMS
// =============================================================================

// ToolStatus represents the status of a tool execution.
type ToolStatus string

const (
	// ToolStatusSuccess indicates successful execution.
	ToolStatusSuccess ToolStatus = "success"
	// ToolStatusError indicates execution failed.
	ToolStatusError ToolStatus = "error"
)

// =============================================================================
// TOOL ERROR DETAILS
// =============================================================================

// ToolErrorDetails represents the error structure of a failed tool result.
type ToolErrorDetails struct {
	ErrorType string         `json:"error_type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Error implements error.
func (d *ToolErrorDetails) Error() string {
	return fmt.Sprintf("%s: %s", d.ErrorType, d.Message)
}

// =============================================================================
// STANDARD TOOL RESULT
// =============================================================================

// StandardToolResult represents a normalized tool result.
type StandardToolResult struct {
	Status ToolStatus        `json:"status"`
	Data   map[string]any    `json:"data,omitempty"`
	Error  *ToolErrorDetails `json:"error,omitempty"`
}

// NormalizeToolResult classifies a raw tool result map. A result is a
// failure when its status says so or when it carries a non-empty "error"
// field.
func NormalizeToolResult(result map[string]any) *StandardToolResult {
	if result == nil {
		return &StandardToolResult{Status: ToolStatusSuccess, Data: map[string]any{}}
	}

	status := ToolStatusSuccess
	if statusRaw, exists := result["status"]; exists {
		switch strings.ToLower(fmt.Sprintf("%v", statusRaw)) {
		case "error", "failed", "failure":
			status = ToolStatusError
		}
	}
	if hasErrorField(result) {
		status = ToolStatusError
	}

	if status == ToolStatusSuccess {
		return &StandardToolResult{Status: status, Data: result}
	}

	details := &ToolErrorDetails{ErrorType: "ToolError", Message: "unknown error"}
	switch e := result["error"].(type) {
	case string:
		details.Message = e
	case map[string]any:
		if t, ok := e["type"].(string); ok {
			details.ErrorType = t
		}
		if m, ok := e["message"].(string); ok {
			details.Message = m
		}
		details.Details = e
	case nil:
		if m, ok := result["message"].(string); ok {
			details.Message = m
		}
	default:
		details.Message = fmt.Sprintf("%v", e)
	}
	if t, ok := result["error_type"].(string); ok {
		details.ErrorType = t
	}
	return &StandardToolResult{Status: status, Data: result, Error: details}
}

func hasErrorField(result map[string]any) bool {
	e, ok := result["error"]
	if !ok || e == nil {
		return false
	}
	if s, isStr := e.(string); isStr {
		return s != ""
	}
	return true
}

// ResultError returns the error carried inside a tool result, or nil.
func ResultError(result map[string]any) error {
	normalized := NormalizeToolResult(result)
	if normalized.Status == ToolStatusSuccess {
		return nil
	}
	return normalized.Error
}

// IsBudgetExceeded reports whether err is a budget denial.
func IsBudgetExceeded(err error) bool {
	return errors.Is(err, ErrBudgetExceeded)
}
