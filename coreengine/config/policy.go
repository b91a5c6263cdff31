// Package config provides the pipeline policy and the service configuration.
//
// Policy holds only what the orchestration core needs: loop bounds, tool
// budgets, timeouts and the tracker lists terminal nodes write to. Config
// wraps it with the infrastructure settings (servers, LLM, tracker, storage)
// and is loaded with koanf from YAML plus CHANGEFLOW_ environment overrides.
package config

import (
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/tools"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/typeutil"
)

// Default tracker lists.
const (
	DefaultSiteParametersListID = "901520311911"
	DefaultProjectListID        = "901520311855"
)

// Policy holds the per-request orchestration bounds.
type Policy struct {
	// Loop Bounds
	MaxIterations           int `koanf:"max_iterations" json:"max_iterations"`
	MaxEnrichmentIterations int `koanf:"max_enrichment_iterations" json:"max_enrichment_iterations"`
	MaxEnrichmentTokens     int `koanf:"max_enrichment_tokens" json:"max_enrichment_tokens"`

	// Tool Budgets
	ToolBudgets       map[string]int `koanf:"tool_budgets" json:"tool_budgets"`
	DefaultToolBudget int            `koanf:"default_tool_budget" json:"default_tool_budget"`

	// Timeouts (seconds)
	NodeTimeout int `koanf:"node_timeout" json:"node_timeout"`
	LLMTimeout  int `koanf:"llm_timeout" json:"llm_timeout"`
	ToolTimeout int `koanf:"tool_timeout" json:"tool_timeout"`

	// Enrichment
	EnrichmentConcurrency int `koanf:"enrichment_concurrency" json:"enrichment_concurrency"`

	// Tracker Lists
	SiteParametersListID string `koanf:"site_parameters_list_id" json:"site_parameters_list_id"`
	ProjectListID        string `koanf:"project_list_id" json:"project_list_id"`
	ReviewListID         string `koanf:"review_list_id" json:"review_list_id"`
}

// DefaultPolicy returns a Policy with default values.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxIterations:           3,
		MaxEnrichmentIterations: 3,
		MaxEnrichmentTokens:     500000,

		ToolBudgets:       tools.DefaultBudgets(),
		DefaultToolBudget: tools.DefaultToolCap,

		NodeTimeout: 300,
		LLMTimeout:  60,
		ToolTimeout: 30,

		EnrichmentConcurrency: 1,

		SiteParametersListID: DefaultSiteParametersListID,
		ProjectListID:        DefaultProjectListID,
		ReviewListID:         DefaultProjectListID,
	}
}

// Validate checks the policy bounds.
func (p *Policy) Validate() error {
	if p.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", p.MaxIterations)
	}
	if p.MaxEnrichmentIterations < 0 {
		return fmt.Errorf("max_enrichment_iterations must not be negative, got %d", p.MaxEnrichmentIterations)
	}
	if p.MaxEnrichmentTokens < 0 {
		return fmt.Errorf("max_enrichment_tokens must not be negative, got %d", p.MaxEnrichmentTokens)
	}
	if p.DefaultToolBudget < 0 {
		return fmt.Errorf("default_tool_budget must not be negative, got %d", p.DefaultToolBudget)
	}
	for tool, budget := range p.ToolBudgets {
		if budget < 0 {
			return fmt.Errorf("tool_budgets.%s must not be negative, got %d", tool, budget)
		}
	}
	if p.NodeTimeout < 0 || p.LLMTimeout < 0 || p.ToolTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if p.EnrichmentConcurrency < 1 {
		return fmt.Errorf("enrichment_concurrency must be at least 1, got %d", p.EnrichmentConcurrency)
	}
	return nil
}

// NewLedger creates a fresh per-request ledger from the tool budgets.
func (p *Policy) NewLedger() *tools.Ledger {
	budgets := make(map[string]int, len(p.ToolBudgets))
	for tool, budget := range p.ToolBudgets {
		budgets[tool] = budget
	}
	return tools.NewLedger(budgets, p.DefaultToolBudget)
}

// NodeTimeoutDuration bounds one pipeline node. Zero means no bound.
func (p *Policy) NodeTimeoutDuration() time.Duration {
	return time.Duration(p.NodeTimeout) * time.Second
}

// LLMTimeoutDuration bounds one model call.
func (p *Policy) LLMTimeoutDuration() time.Duration {
	return time.Duration(p.LLMTimeout) * time.Second
}

// ToolTimeoutDuration bounds one tool call.
func (p *Policy) ToolTimeoutDuration() time.Duration {
	return time.Duration(p.ToolTimeout) * time.Second
}

// PolicyFromMap creates a Policy from a map.
// Unknown keys are ignored; missing keys keep their defaults.
func PolicyFromMap(config map[string]any) *Policy {
	p := DefaultPolicy()

	p.MaxIterations = typeutil.SafeIntDefault(config["max_iterations"], p.MaxIterations)
	p.MaxEnrichmentIterations = typeutil.SafeIntDefault(config["max_enrichment_iterations"], p.MaxEnrichmentIterations)
	p.MaxEnrichmentTokens = typeutil.SafeIntDefault(config["max_enrichment_tokens"], p.MaxEnrichmentTokens)
	p.DefaultToolBudget = typeutil.SafeIntDefault(config["default_tool_budget"], p.DefaultToolBudget)
	p.NodeTimeout = typeutil.SafeIntDefault(config["node_timeout"], p.NodeTimeout)
	p.LLMTimeout = typeutil.SafeIntDefault(config["llm_timeout"], p.LLMTimeout)
	p.ToolTimeout = typeutil.SafeIntDefault(config["tool_timeout"], p.ToolTimeout)
	p.EnrichmentConcurrency = typeutil.SafeIntDefault(config["enrichment_concurrency"], p.EnrichmentConcurrency)
	p.SiteParametersListID = typeutil.SafeStringDefault(config["site_parameters_list_id"], p.SiteParametersListID)
	p.ProjectListID = typeutil.SafeStringDefault(config["project_list_id"], p.ProjectListID)
	p.ReviewListID = typeutil.SafeStringDefault(config["review_list_id"], p.ReviewListID)

	if budgets, ok := typeutil.SafeMapStringAny(config["tool_budgets"]); ok {
		for tool, raw := range budgets {
			if v, ok := typeutil.SafeInt(raw); ok {
				p.ToolBudgets[tool] = v
			}
		}
	}

	return p
}

// ToMap converts the policy to a map.
func (p *Policy) ToMap() map[string]any {
	budgets := make(map[string]any, len(p.ToolBudgets))
	for tool, budget := range p.ToolBudgets {
		budgets[tool] = budget
	}
	return map[string]any{
		"max_iterations":            p.MaxIterations,
		"max_enrichment_iterations": p.MaxEnrichmentIterations,
		"max_enrichment_tokens":     p.MaxEnrichmentTokens,
		"tool_budgets":              budgets,
		"default_tool_budget":       p.DefaultToolBudget,
		"node_timeout":              p.NodeTimeout,
		"llm_timeout":               p.LLMTimeout,
		"tool_timeout":              p.ToolTimeout,
		"enrichment_concurrency":    p.EnrichmentConcurrency,
		"site_parameters_list_id":   p.SiteParametersListID,
		"project_list_id":           p.ProjectListID,
		"review_list_id":            p.ReviewListID,
	}
}
