// Package httpapi implements the HTTP API gateway for cubelink.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting of run submissions and device commands
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/cubelink/internal/gateway/ws"
	"github.com/jkaninda/cubelink/internal/observability"
	"github.com/jkaninda/cubelink/internal/pipeline"
	"github.com/jkaninda/cubelink/internal/ratelimit"
	"github.com/jkaninda/cubelink/internal/scheduler"
	"github.com/jkaninda/cubelink/internal/storage"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID mapping.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	runner    *pipeline.Runner
	runs      storage.RunStore     // nil = run listing disabled.
	scheduler *scheduler.Scheduler // nil = schedule endpoints disabled.
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server

	// Manual schedule triggers outlive the request that started them.
	triggers sync.WaitGroup

	routesOnce sync.Once
	okapi      *okapi.Okapi
	group      *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, runner *pipeline.Runner, runs storage.RunStore, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		runner:  runner,
		runs:    runs,
		limiter: rl,
		logger:  logger.With("component", "httpapi"),
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithScheduler attaches scheduled demo listing and manual triggers.
func (g *Gateway) WithScheduler(s *scheduler.Scheduler) *Gateway {
	g.scheduler = s
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "cubelink",
			Version: "v0.1.0",
		},
	)
	return g
}

// Handler returns the gateway's routes as an http.Handler.
func (g *Gateway) Handler() http.Handler {
	g.routesOnce.Do(g.routes)
	return g.okapi
}

func (g *Gateway) routes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	g.okapi.Use(g.limitBody)

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/runs", g.handleRunSubmit,
		okapi.DocSummary("Execute a program and stream it to the cube"),
		okapi.DocTags("Runs"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(http.StatusAccepted, RunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	if g.runs != nil {
		g.group.Get("/runs", g.handleRunList,
			okapi.DocSummary("List recent runs"),
			okapi.DocTags("Runs"),
			okapi.DocResponse([]RunResponse{}),
		)
		g.group.Get("/runs/{id}", g.handleRunGet,
			okapi.DocSummary("Get a run by ID"),
			okapi.DocTags("Runs"),
			okapi.DocPathParam("id", "string", "Run ID (UUID)"),
			okapi.DocResponse(RunResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}
	g.group.Post("/devices/clear", g.handleDeviceClear,
		okapi.DocSummary("Clear the display on a device port"),
		okapi.DocTags("Devices"),
		okapi.DocRequestBody(DeviceClearRequest{}),
		okapi.DocResponse(DeviceClearResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Get("/demos", g.handleDemoList,
		okapi.DocSummary("List available demos"),
		okapi.DocTags("Demos"),
		okapi.DocResponse(DemoListResponse{}),
	)

	if g.scheduler != nil {
		g.group.Get("/schedules", g.handleScheduleList,
			okapi.DocSummary("List scheduled demos"),
			okapi.DocTags("Schedules"),
			okapi.DocResponse([]ScheduleResponse{}),
		)
		g.group.Post("/schedules/{name}/trigger", g.handleScheduleTrigger,
			okapi.DocSummary("Play a scheduled demo now"),
			okapi.DocTags("Schedules"),
			okapi.DocPathParam("name", "string", "Schedule name"),
			okapi.DocResponse(http.StatusAccepted, ScheduleResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		)
	}

	// Live progress. Authenticates itself: browsers cannot set headers on
	// WebSocket upgrades, so the key may also come as ?token=.
	watcher := ws.NewServer(g.runner.Events(), g.runs, g.lookupAPIKey, g.logger)
	g.okapi.HandleStd("GET", "/v1/runs/{id}/watch", watcher.Handler().ServeHTTP)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routesOnce.Do(g.routes)

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Runs execute synchronously before the response; leave room for
		// the sandbox deadline.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server and waits for manually
// triggered schedules.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	err := g.okapi.Shutdown(g.server)

	done := make(chan struct{})
	go func() {
		g.triggers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("schedule triggers still running at shutdown")
	}
	return err
}

// HealthResponse is the JSON response for GET /healthz when no checker is set.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker != nil {
		return c.OK(g.config.HealthChecker.CheckHealth())
	}
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		userID, ok := g.lookupAPIKey(strings.TrimPrefix(authHeader, "Bearer "))
		if !ok {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// lookupAPIKey compares apiKey against every configured key so the
// comparison time does not depend on which key matched.
func (g *Gateway) lookupAPIKey(apiKey string) (string, bool) {
	userID := ""
	for key, user := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			userID = user
		}
	}
	return userID, userID != ""
}

// limitBody caps request bodies at MaxRequestSize.
func (g *Gateway) limitBody(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		r := c.Request()
		if r.Body != nil {
			r.Body = http.MaxBytesReader(nil, r.Body, g.config.MaxRequestSize)
		}
		return next(c)
	}
}
