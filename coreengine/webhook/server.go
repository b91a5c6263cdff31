// Package webhook serves the intake pipeline over HTTP.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jeeves-cluster-organization/changeflow/commbus"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/envelope"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/observability"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("changeflow/webhook")

// Logger is the interface for logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Runner runs inbound requests through the pipeline.
type Runner interface {
	Run(ctx context.Context, req *envelope.InboundRequest) (*envelope.RequestContext, error)
}

// Config holds webhook server settings.
type Config struct {
	RequestsPerMinute int
	Burst             int
	RequestTimeout    time.Duration
	ShutdownTimeout   time.Duration
}

// Response is the body of a processed POST /webhook.
type Response struct {
	Status    string   `json:"status"`
	RequestID string   `json:"request_id"`
	Outcome   string   `json:"outcome"`
	History   []string `json:"history"`
	Reason    string   `json:"reason,omitempty"`
	TaskURL   string   `json:"task_url,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// Server provides the webhook endpoints.
type Server struct {
	echo    *echo.Echo
	runner  Runner
	bus     commbus.CommBus
	limiter *clientLimiter
	logger  Logger
	config  Config
}

// NewServer creates a Server. bus may be nil, in which case GET /budgets
// is not served.
func NewServer(runner Runner, bus commbus.CommBus, cfg Config, logger Logger) (*Server, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		runner:  runner,
		bus:     bus,
		limiter: newClientLimiter(cfg.RequestsPerMinute, cfg.Burst),
		logger:  logger,
		config:  cfg,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.observe)

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.POST("/webhook", s.handleWebhook)
	if s.bus != nil {
		s.echo.GET("/budgets", s.handleBudgets)
	}
}

// observe logs and counts every request. Errors are rendered here so the
// recorded status matches what the client sees.
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}
		status := c.Response().Status
		path := c.Path()
		if path == "" {
			path = "unmatched"
		}
		observability.RecordHTTPRequest(path, strconv.Itoa(status))
		s.logger.Debug("http_request",
			"method", c.Request().Method,
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"http_request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		)
		return nil
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleBudgets(c echo.Context) error {
	resp, err := s.bus.QuerySync(c.Request().Context(), &commbus.GetToolBudgets{})
	if err != nil {
		s.logger.Warn("budget_query_failed", "error", err.Error())
		return echo.NewHTTPError(http.StatusServiceUnavailable, "tool budgets unavailable")
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleWebhook(c echo.Context) error {
	var payload map[string]any
	if err := c.Echo().JSONSerializer.Deserialize(c, &payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "request body must be a JSON object")
	}
	req, err := envelope.FromMap(payload)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	clientID := envelope.SanitizeDomain(req.ClientID)
	if !s.limiter.Allow(clientID) {
		s.logger.Warn("webhook_rate_limited", "client_id", clientID)
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}

	ctx, span := tracer.Start(c.Request().Context(), "webhook.submit",
		trace.WithAttributes(attribute.String("client_id", clientID)))
	defer span.End()
	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}

	rc, err := s.runner.Run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		if errors.Is(err, envelope.ErrInvalidRequest) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.logger.Error("webhook_pipeline_failed", "client_id", clientID, "error", err.Error())
		return echo.NewHTTPError(http.StatusInternalServerError, "request processing failed")
	}
	span.SetAttributes(
		attribute.String("request_id", rc.RequestID),
		attribute.String("outcome", string(rc.Outcome)),
	)

	resp := Response{
		Status:    "processed",
		RequestID: rc.RequestID,
		Outcome:   string(rc.Outcome),
		History:   rc.History,
	}
	if rc.TerminalReason != "" {
		resp.Reason = rc.TerminalReason.Describe()
	}
	if rc.Task != nil {
		resp.TaskURL = rc.Task.URL
	}
	return c.JSON(http.StatusOK, resp)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve serves on lis until ctx is cancelled, then shuts down within the
// configured shutdown timeout.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.echo.Listener = lis
	s.logger.Info("http_server_started", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.echo.Start("") }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http_server_shutting_down")
	return s.echo.Shutdown(ctx)
}
