package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/observability"
)

// TaskPlan is the generated artifact: a task ready for the tracker.
type TaskPlan struct {
	TaskName            string   `json:"task_name"`
	DescriptionMarkdown string   `json:"description_markdown"`
	Checklist           []string `json:"checklist"`
	Tags                []string `json:"tags"`
	MermaidCode         string   `json:"mermaid_code"`
}

// Validate implements Validatable.
func (p *TaskPlan) Validate() error {
	if strings.TrimSpace(p.DescriptionMarkdown) == "" {
		return fmt.Errorf("description_markdown is required")
	}
	return nil
}

// IsEmpty reports whether the plan has no content.
func (p *TaskPlan) IsEmpty() bool {
	return p == nil || strings.TrimSpace(p.DescriptionMarkdown) == ""
}

// Clone returns a deep copy.
func (p *TaskPlan) Clone() *TaskPlan {
	if p == nil {
		return nil
	}
	c := *p
	c.Checklist = append([]string(nil), p.Checklist...)
	c.Tags = append([]string(nil), p.Tags...)
	return &c
}

// ToMap renders the plan for state snapshots.
func (p *TaskPlan) ToMap() map[string]any {
	if p == nil {
		return nil
	}
	return map[string]any{
		"task_name":            p.TaskName,
		"description_markdown": p.DescriptionMarkdown,
		"checklist":            p.Checklist,
		"tags":                 p.Tags,
		"mermaid_code":         p.MermaidCode,
	}
}

// ArchitectInput is the generation context.
type ArchitectInput struct {
	Request       string
	ClientContext map[string]any
	// Critique is the minimal-fix feedback from the previous evaluation.
	Critique string
}

// Architect generates task plans.
type Architect struct {
	LLM     StructuredLLM
	Prompts PromptRegistry
	Logger  Logger
}

// NewArchitect creates an Architect.
func NewArchitect(llm StructuredLLM, prompts PromptRegistry, logger Logger) *Architect {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &Architect{LLM: llm, Prompts: prompts, Logger: logger}
}

// Generate produces a plan. Unparseable output yields an empty plan together
// with an error wrapping ErrParse so the caller can record it and move on.
func (a *Architect) Generate(ctx context.Context, in ArchitectInput) (*TaskPlan, error) {
	prompt, err := a.Prompts.Get(ctx, PromptArchitect, map[string]any{
		"request":        in.Request,
		"client_context": formatContext(in.ClientContext),
		"critique":       in.Critique,
	})
	if err != nil {
		return nil, fmt.Errorf("architect prompt: %w", err)
	}

	var plan TaskPlan
	if err := a.LLM.GenerateStructured(ctx, "architect", prompt, &plan); err != nil {
		if errors.Is(err, ErrParse) {
			a.Logger.Warn("plan_unparseable", "error", err.Error())
			return &TaskPlan{}, err
		}
		return nil, err
	}
	if plan.Checklist == nil {
		plan.Checklist = []string{}
	}
	if plan.Tags == nil {
		plan.Tags = []string{}
	}
	return &plan, nil
}
