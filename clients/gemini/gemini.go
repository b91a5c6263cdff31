// Package gemini adapts the Gemini API to agents.LLMProvider.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/typeutil"
	"golang.org/x/time/rate"
	genai "google.golang.org/genai"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("gemini returned no candidates")

// generator is the slice of *genai.Models the provider uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Config configures a Provider.
type Config struct {
	APIKey string
	// RequestsPerMinute throttles calls; zero disables throttling.
	RequestsPerMinute int
}

// Provider implements agents.LLMProvider on top of the genai client.
// Responses are requested as application/json.
type Provider struct {
	models  generator
	limiter *rate.Limiter
}

// New creates a Provider. An empty APIKey lets the client read
// GEMINI_API_KEY from the environment.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newProvider(cli.Models, cfg.RequestsPerMinute), nil
}

func newProvider(models generator, rpm int) *Provider {
	p := &Provider{models: models}
	if rpm > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)
	}
	return p
}

// Generate implements agents.LLMProvider. Recognised options are
// "temperature" and "max_tokens".
func (p *Provider) Generate(ctx context.Context, model string, prompt string, options map[string]any) (string, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	resp, err := p.models.GenerateContent(ctx, model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}},
		generationConfig(options),
	)
	if err != nil {
		return "", fmt.Errorf("gemini %s: %w", model, err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyResponse
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	if b.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return b.String(), nil
}

func generationConfig(options map[string]any) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	if t, ok := typeutil.SafeFloat64(options["temperature"]); ok {
		cfg.Temperature = genai.Ptr(float32(t))
	}
	if n, ok := typeutil.SafeInt(options["max_tokens"]); ok && n > 0 {
		cfg.MaxOutputTokens = int32(n)
	}
	return cfg
}

var _ agents.LLMProvider = (*Provider)(nil)
