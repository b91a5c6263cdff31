package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// POLICY TESTS
// =============================================================================

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, 3, p.MaxIterations)
	assert.Equal(t, 3, p.MaxEnrichmentIterations)
	assert.Equal(t, 500000, p.MaxEnrichmentTokens)
	assert.Equal(t, 5, p.ToolBudgets[tools.ToolWebFetch])
	assert.Equal(t, 1, p.ToolBudgets[tools.ToolSEOAudit])
	assert.Equal(t, 1, p.DefaultToolBudget)
	assert.Equal(t, 1, p.EnrichmentConcurrency)
	assert.Equal(t, DefaultSiteParametersListID, p.SiteParametersListID)
	assert.Equal(t, 30*time.Second, p.ToolTimeoutDuration())
	assert.NoError(t, p.Validate())
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Policy)
		errMsg string
	}{
		{"zero iterations", func(p *Policy) { p.MaxIterations = 0 }, "max_iterations"},
		{"negative enrichment", func(p *Policy) { p.MaxEnrichmentIterations = -1 }, "max_enrichment_iterations"},
		{"negative tokens", func(p *Policy) { p.MaxEnrichmentTokens = -5 }, "max_enrichment_tokens"},
		{"negative budget", func(p *Policy) { p.ToolBudgets[tools.ToolWebFetch] = -1 }, "tool_budgets.web_fetch"},
		{"negative timeout", func(p *Policy) { p.ToolTimeout = -1 }, "timeouts"},
		{"zero concurrency", func(p *Policy) { p.EnrichmentConcurrency = 0 }, "enrichment_concurrency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestPolicyFromMap(t *testing.T) {
	p := PolicyFromMap(map[string]any{
		"max_iterations":        float64(5),
		"max_enrichment_tokens": 1000,
		"tool_budgets":          map[string]any{"web_fetch": float64(1), "crm_lookup": 4},
		"review_list_id":        "review-1",
		"unknown_key":           "ignored",
	})

	assert.Equal(t, 5, p.MaxIterations)
	assert.Equal(t, 1000, p.MaxEnrichmentTokens)
	assert.Equal(t, 3, p.MaxEnrichmentIterations)
	assert.Equal(t, 1, p.ToolBudgets["web_fetch"])
	assert.Equal(t, 4, p.ToolBudgets["crm_lookup"])
	assert.Equal(t, 3, p.ToolBudgets["web_search"])
	assert.Equal(t, "review-1", p.ReviewListID)
}

func TestPolicyToMapRoundTrip(t *testing.T) {
	original := DefaultPolicy()
	original.MaxIterations = 4
	original.ToolBudgets["pdf_extract"] = 7

	restored := PolicyFromMap(original.ToMap())
	assert.Equal(t, original, restored)
}

func TestPolicyNewLedger(t *testing.T) {
	p := DefaultPolicy()
	p.ToolBudgets[tools.ToolSEOAudit] = 2

	a := p.NewLedger()
	b := p.NewLedger()
	require.NoError(t, a.Record(tools.ToolSEOAudit))

	assert.Equal(t, 2, a.Cap(tools.ToolSEOAudit))
	assert.Equal(t, 1, a.Remaining(tools.ToolSEOAudit))
	assert.Equal(t, 2, b.Remaining(tools.ToolSEOAudit), "ledgers are per request")
	assert.Equal(t, 1, a.Cap("unlisted_tool"))
}

// =============================================================================
// LOADER TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":50051", cfg.Server.GRPCAddr)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, cfg.LLM.Model, cfg.LLM.JudgeModel)
	assert.False(t, cfg.Tracker.Enabled())
	assert.False(t, cfg.Storage.Enabled())
	assert.Equal(t, 30, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, cfg.Policy.ProjectListID, cfg.Policy.ReviewListID)
	// No API key yet.
	assert.Error(t, cfg.Validate())
}

func TestLoadBytes_YAMLAndDefaults(t *testing.T) {
	cfg, err := LoadBytes([]byte(`
server:
  http_addr: ":9000"
  shutdown_timeout: 3s
llm:
  provider: mock
tracker:
  api_token: tk_123
policy:
  max_iterations: 2
  tool_budgets:
    web_fetch: 9
`))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.HTTPAddr)
	assert.Equal(t, ":50051", cfg.Server.GRPCAddr)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.True(t, cfg.Tracker.Enabled())
	assert.False(t, cfg.Storage.Enabled())
	assert.Equal(t, 2, cfg.Policy.MaxIterations)
	assert.Equal(t, 3, cfg.Policy.MaxEnrichmentIterations)
	assert.Equal(t, 9, cfg.Policy.ToolBudgets["web_fetch"])
	assert.Equal(t, 3, cfg.Policy.ToolBudgets["web_search"])
	assert.Equal(t, cfg.Policy.ProjectListID, cfg.Policy.ReviewListID)
	assert.Equal(t, "gemini-2.5-flash", cfg.LLM.JudgeModel)
}

func TestLoadBytes_EnvOverrides(t *testing.T) {
	t.Setenv("CHANGEFLOW_LLM_PROVIDER", "mock")
	t.Setenv("CHANGEFLOW_LLM_MODEL", "gemini-2.5-pro")
	t.Setenv("CHANGEFLOW_POLICY_MAX_ITERATIONS", "5")
	t.Setenv("CHANGEFLOW_OBSERVABILITY_LOG_LEVEL", "debug")

	cfg, err := LoadBytes([]byte("llm:\n  model: gemini-2.5-flash\n"))
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-pro", cfg.LLM.Model)
	assert.Equal(t, 5, cfg.Policy.MaxIterations)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
}

func TestLoadBytes_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{"gemini without key", "llm:\n  provider: gemini\n", "llm.api_key"},
		{"unknown provider", "llm:\n  provider: openai\n", "unknown llm provider"},
		{"storage without credentials", "llm:\n  provider: mock\nstorage:\n  endpoint: minio:9000\n", "storage credentials"},
		{"bad sample ratio", "llm:\n  provider: mock\nobservability:\n  trace_sample_ratio: 2\n", "trace_sample_ratio"},
		{"bad policy", "llm:\n  provider: mock\npolicy:\n  max_enrichment_tokens: -1\n", "policy: max_enrichment_tokens"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changeflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  provider: mock\nrubrics:\n  output_path: /etc/rubric.yaml\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/etc/rubric.yaml", cfg.Rubrics.OutputPath)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CHANGEFLOW_LLM_PROVIDER", "mock")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "llm.model", envKey("CHANGEFLOW_LLM_MODEL"))
	assert.Equal(t, "tracker.api_token", envKey("CHANGEFLOW_TRACKER_API_TOKEN"))
	assert.Equal(t, "verbose", envKey("CHANGEFLOW_VERBOSE"))
}
