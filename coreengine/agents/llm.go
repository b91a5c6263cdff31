// Package agents provides the language-model backed agents of the pipeline:
// structured generation, request classification and task plan generation.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrParse is returned when a model response has no parseable structured output.
	ErrParse = errors.New("structured output unparseable")
	// ErrLLMUnavailable is returned when the model call itself fails.
	ErrLLMUnavailable = errors.New("llm unavailable")
)

// LLMProvider is the interface for LLM providers.
type LLMProvider interface {
	Generate(ctx context.Context, model string, prompt string, options map[string]any) (string, error)
}

// Logger is the interface for logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// StructuredLLM turns a prompt into a typed value. Implementations return an
// error wrapping ErrParse when the response cannot be decoded into out.
type StructuredLLM interface {
	GenerateStructured(ctx context.Context, purpose string, prompt string, out any) error
}

// Validatable is implemented by outputs that check their own required fields.
type Validatable interface {
	Validate() error
}

var tracer = otel.Tracer("changeflow/agents")

// StructuredGenerator calls an LLMProvider and decodes the JSON object in
// its response. It is safe for concurrent use when the provider is.
type StructuredGenerator struct {
	LLM      LLMProvider
	Provider string
	Model    string
	Options  map[string]any
	Timeout  time.Duration
	Logger   Logger
}

// NewStructuredGenerator creates a StructuredGenerator with default options.
func NewStructuredGenerator(llm LLMProvider, provider, model string, logger Logger) *StructuredGenerator {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &StructuredGenerator{
		LLM:      llm,
		Provider: provider,
		Model:    model,
		Options: map[string]any{
			"temperature": 0.0,
			"max_tokens":  4096,
		},
		Timeout: 60 * time.Second,
		Logger:  logger,
	}
}

// GenerateStructured implements StructuredLLM.
func (g *StructuredGenerator) GenerateStructured(ctx context.Context, purpose string, prompt string, out any) (err error) {
	ctx, span := tracer.Start(ctx, "llm.generate", trace.WithAttributes(
		attribute.String("changeflow.llm.purpose", purpose),
		attribute.String("changeflow.llm.model", g.Model),
	))
	defer span.End()

	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		durationMS := int(time.Since(start).Milliseconds())
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "success")
		}
		observability.RecordLLMCall(g.Provider, g.Model, status, durationMS)
	}()

	responseText, err := g.LLM.Generate(ctx, g.Model, prompt, g.Options)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", purpose, ErrLLMUnavailable, err)
	}

	if g.Logger != nil {
		g.Logger.Debug("llm_response",
			"purpose", purpose,
			"response_length", len(responseText),
			"response_preview", truncate(responseText, 200),
		)
	}

	raw, err := extractJSONObject(responseText)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", purpose, ErrParse, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: %w: %v", purpose, ErrParse, err)
	}
	if v, ok := out.(Validatable); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%s: %w: %v", purpose, ErrParse, err)
		}
	}
	return nil
}

// Ensure StructuredGenerator implements StructuredLLM
var _ StructuredLLM = (*StructuredGenerator)(nil)

// Helper functions

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// extractJSONObject returns the response itself when it is a JSON object,
// otherwise the first balanced {...} span that decodes.
func extractJSONObject(text string) ([]byte, error) {
	var probe map[string]any
	if err := json.Unmarshal([]byte(text), &probe); err == nil && probe != nil {
		return []byte(text), nil
	}

	start := -1
	braceCount := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if start != -1 {
				inString = true
			}
		case '{':
			if start == -1 {
				start = i
			}
			braceCount++
		case '}':
			if start == -1 {
				continue
			}
			braceCount--
			if braceCount == 0 {
				candidate := text[start : i+1]
				if err := json.Unmarshal([]byte(candidate), &probe); err == nil {
					return []byte(candidate), nil
				}
				start = -1
			}
		}
	}

	return nil, fmt.Errorf("no valid JSON object found in response")
}
