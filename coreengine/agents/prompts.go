package agents

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/observability"
)

// Prompt keys.
const (
	PromptClassifier        = "request-validator-classifier"
	PromptArchitect         = "architect-plan"
	PromptOutputJudge       = "output-evaluator"
	PromptInputJudge        = "input-evaluator"
	PromptEnrichmentPlanner = "dynamic-enrichment-planner"
)

// DefaultPromptTTL is how long a fetched template stays cached.
const DefaultPromptTTL = 300 * time.Second

// PromptRegistry is the interface for prompt lookup.
type PromptRegistry interface {
	Get(ctx context.Context, key string, vars map[string]any) (string, error)
}

// PromptSource fetches raw prompt templates by name and label.
type PromptSource interface {
	Fetch(ctx context.Context, name, label string) (string, error)
}

// StaticPromptSource serves templates from memory. Labels are ignored.
type StaticPromptSource map[string]string

// Fetch implements PromptSource.
func (s StaticPromptSource) Fetch(_ context.Context, name, _ string) (string, error) {
	text, ok := s[name]
	if !ok {
		return "", fmt.Errorf("prompt not found: %s", name)
	}
	return text, nil
}

// PromptStore renders text/template prompts, caching parsed templates with
// a TTL. When the primary source fails the built-in template is used.
type PromptStore struct {
	source   PromptSource
	fallback PromptSource
	label    string
	cache    *expirable.LRU[string, *template.Template]
	logger   Logger
}

// NewPromptStore creates a PromptStore. A nil source serves only the
// built-in templates.
func NewPromptStore(source PromptSource, label string, ttl time.Duration, logger Logger) *PromptStore {
	if ttl <= 0 {
		ttl = DefaultPromptTTL
	}
	if label == "" {
		label = "production"
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	fallback := DefaultPromptSource()
	if source == nil {
		source = fallback
	}
	return &PromptStore{
		source:   source,
		fallback: fallback,
		label:    label,
		cache:    expirable.NewLRU[string, *template.Template](64, nil, ttl),
		logger:   logger,
	}
}

// Get implements PromptRegistry.
func (s *PromptStore) Get(ctx context.Context, key string, vars map[string]any) (string, error) {
	tmpl, err := s.template(ctx, key)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", key, err)
	}
	return buf.String(), nil
}

func (s *PromptStore) template(ctx context.Context, key string) (*template.Template, error) {
	cacheKey := key + ":" + s.label
	if tmpl, ok := s.cache.Get(cacheKey); ok {
		return tmpl, nil
	}

	text, err := s.source.Fetch(ctx, key, s.label)
	if err != nil {
		s.logger.Warn("prompt_source_error", "key", key, "label", s.label, "error", err.Error())
		text, err = s.fallback.Fetch(ctx, key, s.label)
		if err != nil {
			return nil, err
		}
	}

	tmpl, err := template.New(key).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt %s: %w", key, err)
	}
	s.cache.Add(cacheKey, tmpl)
	return tmpl, nil
}

// Ensure PromptStore implements PromptRegistry
var _ PromptRegistry = (*PromptStore)(nil)

// DefaultPromptSource returns the built-in templates.
func DefaultPromptSource() StaticPromptSource {
	return StaticPromptSource{
		PromptClassifier:        classifierPrompt,
		PromptArchitect:         architectPrompt,
		PromptOutputJudge:       outputJudgePrompt,
		PromptInputJudge:        inputJudgePrompt,
		PromptEnrichmentPlanner: plannerPrompt,
	}
}

const classifierPrompt = `You classify website change requests for a web development agency.

Valid categories: {{.categories}}

Client context:
{{.client_context}}

Attached files:
{{.file_context}}

Website:
{{.website_context}}
{{if .gathered_context}}
Information gathered so far:
{{.gathered_context}}
{{end}}
Request:
{{.request}}

Respond with one JSON object:
{"primary_category": string, "subcategories": [string], "complete": bool,
 "missing": [string, phrased as questions to the client], "confidence": number 0-1,
 "reasoning": string}
Mark complete=true only when a developer could write a technical specification from what is known.`

const architectPrompt = `You are a senior technical architect at a web agency. Convert the client request
into an implementation plan for a junior developer.

Client context:
{{.client_context}}

The description_markdown field MUST be Markdown with these sections:
## Task Summary (one sentence)
## Technical Context (environment, CMS or framework, constraints)
## Execution Steps (numbered list)
## Logic Flow (a mermaid flowchart when logic or UI flow is involved)
## Definition of Done (checklist)
Use ASCII characters only.

Request:
{{.request}}
{{if .critique}}
PREVIOUS REVIEW FEEDBACK (fix only what failed):
{{.critique}}
{{end}}
Respond with one JSON object:
{"task_name": string, "description_markdown": string, "checklist": [string],
 "tags": [string, 3 to 5 items], "mermaid_code": string starting with "flowchart TD"}`

const outputJudgePrompt = `You are a senior QA evaluator reviewing a technical plan generated from a client request.
Every check is binary: passed true or false, no partial credit.

{{.rubric}}

For every auto-fail condition report {"id", "triggered", "evidence"}.
For every criterion report {"criterion_id", "passed", "evidence", "current_state", "required_fix"};
required_fix is empty when passed. Fix only what failed and never expand scope.
Score each rubric dimension 0-5 in "rubric_scores" as {"dimension", "score", "justification"}.

Client context:
{{.client_context}}

Original client request:
{{.request}}

Generated plan:
{{.artifact}}

Respond with one JSON object:
{"auto_fail_checks": [...], "criteria": [...], "rubric_scores": [...], "all_binary_passed": bool,
 "critique": string ("No issues found." when clean), "refinement_instructions": string
 ("No refinement needed." when clean), "verdict": "APPROVE"|"REVISE"|"REJECT", "verdict_reason": string}`

const inputJudgePrompt = `You screen incoming client requests for a web development agency before any work starts.
Every check is binary: passed true or false, no partial credit.

{{.rubric}}

For every auto-fail condition report {"id", "triggered", "evidence"}.
For every criterion report {"criterion_id", "passed", "evidence", "current_state", "required_fix"};
required_fix says what the client must provide and is empty when passed.

Client: {{.client_id}}

Request:
{{.request}}

Respond with one JSON object:
{"auto_fail_checks": [...], "criteria": [...], "category": one of {{.categories}},
 "reason": string, "issues": [string], "suggested_clarification": string,
 "verdict": "APPROVE"|"REVISE"|"REJECT", "verdict_reason": string}`

const plannerPrompt = `You plan tool calls that answer open questions about a client website before a
technical plan is written. Each action answers exactly one question. Never plan a tool
with no calls remaining.

Open questions:
{{.missing_information}}

Request:
{{.raw_request}}

Client context:
{{.static_context}}

Website URL: {{.website_url}}

Available tools:
{{.available_tools}}

Respond with one JSON object:
{"actions": [{"tool": string, "question": string, "params": object, "reasoning": string}],
 "total_estimated_tokens": int, "reasoning": string}`
