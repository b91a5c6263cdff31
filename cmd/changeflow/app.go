package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/changeflow/clients/gemini"
	"github.com/jeeves-cluster-organization/changeflow/clients/objectstore"
	"github.com/jeeves-cluster-organization/changeflow/clients/tracker"
	"github.com/jeeves-cluster-organization/changeflow/clients/webfetch"
	"github.com/jeeves-cluster-organization/changeflow/commbus"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/config"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/evaluation"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/observability"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/runtime"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/testutil"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/tools"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/tools/builtin"
)

const (
	busQueryTimeout     = 5 * time.Second
	busFailureThreshold = 5
	busResetTimeout     = 30 * time.Second
)

// app is the wired pipeline shared by every command that runs requests.
type app struct {
	cfg    *config.Config
	logger *observability.ZapLogger
	runner *runtime.PipelineRunner
	bus    *commbus.InMemoryCommBus

	closers []func(context.Context) error
}

// newApp wires collaborators from cfg. Tracker and storage are optional;
// without them tasks are recorded in history only.
func newApp(ctx context.Context, cfg *config.Config, logger *observability.ZapLogger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.Observability.EnableTracing {
		shutdown, err := observability.InitTracer(observability.TracingConfig{
			ServiceName:    cfg.Observability.ServiceName,
			ServiceVersion: version,
			Environment:    cfg.Observability.Environment,
			Endpoint:       cfg.Observability.OTLPEndpoint,
			SampleRatio:    cfg.Observability.TraceSampleRatio,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, shutdown)
	}

	llm, err := newLLMProvider(ctx, cfg.LLM)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	generator := agents.NewStructuredGenerator(llm, cfg.LLM.Provider, cfg.LLM.Model, logger.With("component", "llm"))
	generator.Options["temperature"] = cfg.LLM.Temperature
	generator.Timeout = cfg.Policy.LLMTimeoutDuration()
	judge := agents.NewStructuredGenerator(llm, cfg.LLM.Provider, cfg.LLM.JudgeModel, logger.With("component", "judge"))
	judge.Timeout = cfg.Policy.LLMTimeoutDuration()

	components := runtime.Components{
		Generator: generator,
		Judge:     judge,
		Prompts:   agents.NewPromptStore(nil, cfg.Prompts.Label, cfg.Prompts.TTL, logger.With("component", "prompts")),
	}

	if components.OutputRubric, err = loadRubric(cfg.Rubrics.OutputPath); err != nil {
		a.close(ctx)
		return nil, err
	}
	if components.InputRubric, err = loadRubric(cfg.Rubrics.InputPath); err != nil {
		a.close(ctx)
		return nil, err
	}

	fetcher := webfetch.New(webfetch.Config{
		Timeout:      cfg.WebFetch.Timeout,
		UserAgent:    cfg.WebFetch.UserAgent,
		MaxBodyBytes: cfg.WebFetch.MaxBodyBytes,
		CacheSize:    cfg.WebFetch.CacheSize,
		CacheTTL:     cfg.WebFetch.CacheTTL,
	}, logger.With("component", "webfetch"))
	components.Web = fetcher

	registry := tools.NewToolExecutor()
	if err := builtin.Register(registry, fetcher); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("register tools: %w", err)
	}
	components.Tools = registry

	if cfg.Tracker.Enabled() {
		client, err := tracker.New(tracker.Config{
			BaseURL:  cfg.Tracker.BaseURL,
			APIToken: cfg.Tracker.APIToken,
			Timeout:  cfg.Tracker.Timeout,
		}, logger.With("component", "tracker"))
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		components.Tracker = client
	}

	if cfg.Storage.Enabled() {
		store, err := newStore(cfg.Storage)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		components.Storage = store
	}

	if cfg.Audit.Path != "" {
		f, err := os.OpenFile(cfg.Audit.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return f.Close() })
		components.Persistence = runtime.NewJSONLinesPersistence(f)
	}

	busLogger := logger.With("component", "commbus")
	a.bus = commbus.NewInMemoryCommBus(busQueryTimeout, busLogger)
	a.bus.AddMiddleware(commbus.NewLoggingMiddleware(busLogger))
	a.bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(busFailureThreshold, busResetTimeout, nil, busLogger))
	components.Bus = a.bus

	a.runner, err = runtime.NewPipelineRunner(&cfg.Policy, components, logger.With("component", "runtime"))
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	if err := a.runner.RegisterHandlers(a.bus); err != nil {
		a.close(ctx)
		return nil, err
	}
	unsubMetrics := runtime.SubscribeMetrics(a.bus)
	unsubAudit := runtime.SubscribeAudit(a.bus, logger.With("component", "audit"))
	a.closers = append(a.closers, func(context.Context) error {
		unsubMetrics()
		unsubAudit()
		return nil
	})
	return a, nil
}

// close runs closers in reverse order and flushes the logger.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func newLLMProvider(ctx context.Context, cfg config.LLMConfig) (agents.LLMProvider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "mock":
		return testutil.NewDryRunLLMProvider(), nil
	case "gemini":
		provider, err := gemini.New(ctx, gemini.Config{APIKey: cfg.APIKey})
		if err != nil {
			return nil, err
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func newStore(cfg config.StorageConfig) (*objectstore.Store, error) {
	return objectstore.New(objectstore.Config{
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		UseSSL:          cfg.UseSSL,
	})
}

func loadRubric(path string) (*evaluation.Rubric, error) {
	if path == "" {
		return nil, nil
	}
	rubric, err := evaluation.LoadRubric(path)
	if err != nil {
		return nil, fmt.Errorf("load rubric %s: %w", path, err)
	}
	return rubric, nil
}
