package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/grpc"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/webhook"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook and gRPC intake",
		Long: `Start the HTTP webhook (POST /webhook, GET /health, GET /metrics,
GET /budgets) and the gRPC Intake service with the standard health service.
Either listener is disabled by setting its address to an empty string.
SIGINT or SIGTERM stops both gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
}

func serve(ctx context.Context, opts *globalOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup_failed", "error", err.Error())
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.close(shutdownCtx); err != nil {
			logger.Warn("shutdown_incomplete", "error", err.Error())
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The first listener to fail stops the other.
	errCh := make(chan error, 2)
	running := 0

	if cfg.Server.HTTPAddr != "" {
		hook, err := webhook.NewServer(a.runner, a.bus, webhook.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
			RequestTimeout:    cfg.Server.RequestTimeout,
			ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		}, logger.With("component", "webhook"))
		if err != nil {
			return err
		}
		running++
		go func() {
			err := hook.Start(ctx, cfg.Server.HTTPAddr)
			cancel()
			errCh <- err
		}()
	}

	if cfg.Server.GRPCAddr != "" {
		grpcLogger := logger.With("component", "grpc")
		server := grpc.NewGracefulServer(grpc.NewIntakeServer(a.runner, grpcLogger), cfg.Server.GRPCAddr, grpcLogger)
		server.ShutdownTimeout = cfg.Server.ShutdownTimeout
		running++
		go func() {
			err := server.Start(ctx)
			cancel()
			errCh <- err
		}()
	}

	logger.Info("changeflow_ready",
		"version", version,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"tracker", cfg.Tracker.Enabled(),
		"storage", cfg.Storage.Enabled(),
	)

	var errs []error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
		}
	}
	logger.Info("changeflow_stopped")
	return errors.Join(errs...)
}
