// Package webfetch fetches client web pages and reduces them to the
// summary the pipeline reasons over. Parsed pages are cached per URL.
package webfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jeeves-cluster-organization/changeflow/commbus"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("changeflow/webfetch")

// Logger is the interface for logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config configures a Fetcher.
type Config struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
	CacheSize    int
	CacheTTL     time.Duration
}

// Fetcher implements commbus.WebFetcher over HTTP.
type Fetcher struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
	cache        *expirable.LRU[string, *commbus.WebPage]
	logger       Logger
}

// New creates a Fetcher. A zero CacheSize disables caching.
func New(cfg Config, logger Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2 << 20
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	f := &Fetcher{
		client:       &http.Client{Timeout: cfg.Timeout},
		userAgent:    cfg.UserAgent,
		maxBodyBytes: cfg.MaxBodyBytes,
		logger:       logger,
	}
	if cfg.CacheSize > 0 {
		f.cache = expirable.NewLRU[string, *commbus.WebPage](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return f
}

// WithHTTPClient replaces the underlying client.
func (f *Fetcher) WithHTTPClient(c *http.Client) *Fetcher {
	f.client = c
	return f
}

// Fetch implements commbus.WebFetcher. Transport failures and non-2xx
// responses are returned as collaborator errors.
func (f *Fetcher) Fetch(ctx context.Context, url string) (_ *commbus.WebPage, err error) {
	url = normalizeURL(url)
	if url == "" {
		return nil, commbus.NewCollaboratorError("webfetch", "fetch", errors.New("empty url"))
	}
	if f.cache != nil {
		if page, ok := f.cache.Get(url); ok {
			f.logger.Debug("page_cache_hit", "url", url)
			return page, nil
		}
	}

	ctx, span := tracer.Start(ctx, "webfetch.fetch", trace.WithAttributes(attribute.String("http.url", url)))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	body, err := f.get(ctx, url)
	if err != nil {
		f.logger.Warn("page_fetch_failed", "url", url, "error", err.Error())
		return nil, commbus.NewCollaboratorError("webfetch", "fetch", err)
	}
	page, err := Parse(url, body)
	if err != nil {
		return nil, commbus.NewCollaboratorError("webfetch", "parse", err)
	}
	if f.cache != nil {
		f.cache.Add(url, page)
	}
	f.logger.Debug("page_fetched", "url", url, "bytes", len(body), "sections", len(page.DetectedSections))
	return page, nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes))
}

func normalizeURL(url string) string {
	url = strings.TrimSpace(url)
	if url == "" {
		return ""
	}
	lower := strings.ToLower(url)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		url = "https://" + url
	}
	return url
}

var _ commbus.WebFetcher = (*Fetcher)(nil)
