package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/observability"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/tools"
)

// Logger is the interface for logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// staticContextLimit caps the client context rendered into the planner prompt.
const staticContextLimit = 500

// Input is what one enrichment iteration works from.
type Input struct {
	Missing       []string
	Request       string
	StaticContext map[string]any
	WebsiteURL    string
}

// Planner asks the model for one tool action per open question.
type Planner struct {
	LLM     agents.StructuredLLM
	Prompts agents.PromptRegistry
	Tools   tools.ToolRegistry
	Logger  Logger
}

// NewPlanner creates a Planner.
func NewPlanner(llm agents.StructuredLLM, prompts agents.PromptRegistry, registry tools.ToolRegistry, logger Logger) *Planner {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &Planner{LLM: llm, Prompts: prompts, Tools: registry, Logger: logger}
}

// Plan returns the model's plan. Actions with no tool or no question are
// dropped; actions for exhausted tools are kept and denied at execution.
func (p *Planner) Plan(ctx context.Context, in Input, ledger *tools.Ledger) (*Plan, error) {
	questions := make([]string, len(in.Missing))
	for i, q := range in.Missing {
		questions[i] = "- " + q
	}

	website := in.WebsiteURL
	if website == "" {
		website = "unknown"
	}

	prompt, err := p.Prompts.Get(ctx, agents.PromptEnrichmentPlanner, map[string]any{
		"missing_information": strings.Join(questions, "\n"),
		"raw_request":         in.Request,
		"static_context":      truncateContext(in.StaticContext),
		"website_url":         website,
		"available_tools":     p.AvailableTools(ledger),
	})
	if err != nil {
		return nil, fmt.Errorf("planner prompt: %w", err)
	}

	var plan Plan
	if err := p.LLM.GenerateStructured(ctx, "enrichment_plan", prompt, &plan); err != nil {
		return nil, err
	}

	actions := make([]ToolAction, 0, len(plan.Actions))
	for _, a := range plan.Actions {
		a.Tool = strings.TrimSpace(a.Tool)
		a.Question = strings.TrimSpace(a.Question)
		if a.Tool == "" || a.Question == "" {
			p.Logger.Debug("plan_action_dropped", "tool", a.Tool, "question", a.Question)
			continue
		}
		if a.Params == nil {
			a.Params = map[string]any{}
		}
		actions = append(actions, a)
	}
	plan.Actions = actions
	return &plan, nil
}

// AvailableTools renders the registered tools with their remaining budget.
func (p *Planner) AvailableTools(ledger *tools.Ledger) string {
	names := p.Tools.List()
	if len(names) == 0 {
		return "No tools available."
	}
	lines := make([]string, 0, len(names))
	for _, name := range names {
		remaining := ledger.Remaining(name)
		status := "[available]"
		if remaining == 0 {
			status = "[exhausted]"
		}
		line := fmt.Sprintf("%s %s: %d/%d calls remaining", status, name, remaining, ledger.Cap(name))
		if def := p.Tools.GetDefinition(name); def != nil {
			if def.Description != "" {
				line += " - " + def.Description
			}
			if len(def.Parameters) > 0 {
				line += " (params: " + strings.Join(def.Parameters, ", ") + ")"
			}
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func truncateContext(ctx map[string]any) string {
	if len(ctx) == 0 {
		return "{}"
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return "{}"
	}
	return truncateRunes(string(data), staticContextLimit)
}
