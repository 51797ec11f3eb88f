// Package httpapi implements the HTTP API for Ngome.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Environment and package names validated before reaching the executor
//   - All requests logged
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/environment"
	"github.com/jkaninda/ngome/internal/executor"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/tester"
	"github.com/jkaninda/okapi"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// EnvironmentManager is the part of the environment lifecycle the API exposes.
type EnvironmentManager interface {
	Create(ctx context.Context, opts environment.CreateOptions) (*environment.Environment, error)
	Get(ctx context.Context, name string) (*environment.Environment, error)
	List(ctx context.Context) ([]*environment.Environment, error)
	Destroy(ctx context.Context, name string) (bool, error)
	GetStatus(ctx context.Context, name string) (*environment.StatusReport, error)
	InstallPackage(ctx context.Context, name, pkg string, dryRun bool) (*executor.ExecutionResult, error)
	RemovePackage(ctx context.Context, name, pkg string, dryRun bool) (*executor.ExecutionResult, error)
	PromoteToSystem(ctx context.Context, name string, dryRun bool) (*environment.PromotionResult, error)
	RecentTests(ctx context.Context, name string, limit int) ([]environment.TestRecord, error)
}

// TestRunner is the part of the tester the API exposes.
type TestRunner interface {
	RunAll(ctx context.Context, name, pkg string) (*tester.SuiteResult, error)
	RunQuick(ctx context.Context, name, pkg string) (*tester.SuiteResult, error)
}

// Config configures the HTTP API server.
type Config struct {
	ListenAddr string   // e.g., ":8080"
	APIKeys    []string // Valid bearer tokens. Empty = no authentication (local use).
	EnableDocs bool

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API server.
type Gateway struct {
	config Config
	envs   EnvironmentManager
	tests  TestRunner
	logger *slog.Logger
	server *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates the HTTP API server.
func NewGateway(cfg Config, envs EnvironmentManager, tests TestRunner, logger *slog.Logger) *Gateway {
	return &Gateway{
		config: cfg,
		envs:   envs,
		tests:  tests,
		logger: logger,
		okapi:  okapi.New(),
	}
}

// WithOpenAPIDocs enables interactive API documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Ngome",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.okapi.UseMiddleware(g.requestEnvelope)

	// Authenticated /v1 group. Metrics middleware wraps the whole group.
	var middlewares []okapi.Middleware
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append(middlewares, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	if len(g.config.APIKeys) > 0 {
		middlewares = append(middlewares, g.authenticate)
	}
	g.group = g.okapi.Group("/v1", chain(middlewares))

	// Environment endpoints.
	g.group.Get("/environments", g.handleEnvironmentList,
		okapi.DocSummary("List all sandbox environments"),
		okapi.DocTags("Environments"),
		okapi.DocResponse([]EnvironmentResponse{}),
	)
	g.group.Post("/environments", g.handleEnvironmentCreate,
		okapi.DocSummary("Create a sandbox environment"),
		okapi.DocTags("Environments"),
		okapi.DocRequestBody(CreateEnvironmentRequest{}),
		okapi.DocResponse(http.StatusCreated, EnvironmentResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/environments/{name}", g.handleEnvironmentGet,
		okapi.DocSummary("Get a sandbox environment"),
		okapi.DocTags("Environments"),
		okapi.DocPathParam("name", "string", "Environment name"),
		okapi.DocResponse(EnvironmentResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/environments/{name}", g.handleEnvironmentDestroy,
		okapi.DocSummary("Destroy a sandbox environment"),
		okapi.DocTags("Environments"),
		okapi.DocPathParam("name", "string", "Environment name"),
		okapi.DocResponse(map[string]bool{}),
	)
	g.group.Get("/environments/{name}/status", g.handleEnvironmentStatus,
		okapi.DocSummary("Get environment status with recent test results"),
		okapi.DocTags("Environments"),
		okapi.DocPathParam("name", "string", "Environment name"),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Package endpoints.
	g.group.Post("/environments/{name}/packages", g.handlePackageInstall,
		okapi.DocSummary("Install a package inside the sandbox"),
		okapi.DocTags("Packages"),
		okapi.DocPathParam("name", "string", "Environment name"),
		okapi.DocRequestBody(PackageRequest{}),
		okapi.DocResponse(ExecutionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/environments/{name}/packages/{pkg}", g.handlePackageRemove,
		okapi.DocSummary("Remove a package from the sandbox"),
		okapi.DocTags("Packages"),
		okapi.DocPathParam("name", "string", "Environment name"),
		okapi.DocPathParam("pkg", "string", "Package name"),
		okapi.DocResponse(ExecutionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/environments/{name}/promote", g.handlePromote,
		okapi.DocSummary("Replay tracked installs on the host system"),
		okapi.DocTags("Packages"),
		okapi.DocPathParam("name", "string", "Environment name"),
		okapi.DocRequestBody(PromoteRequest{}),
		okapi.DocResponse(PromotionResponse{}),
	)

	// Test endpoints.
	g.group.Post("/environments/{name}/tests", g.handleTestRun,
		okapi.DocSummary("Run the test battery against the environment"),
		okapi.DocTags("Tests"),
		okapi.DocPathParam("name", "string", "Environment name"),
		okapi.DocRequestBody(TestRunRequest{}),
		okapi.DocResponse(SuiteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/environments/{name}/tests", g.handleTestHistory,
		okapi.DocSummary("List recent test results"),
		okapi.DocTags("Tests"),
		okapi.DocPathParam("name", "string", "Environment name"),
		okapi.DocResponse([]TestRecordResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

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

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute, // Installs and test batteries run inline.
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for liveness and readiness probes.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
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

// maxBodyBytes caps request bodies; every payload is a small JSON document.
const maxBodyBytes = 1 << 20

// requestEnvelope tags each request with a correlation ID and caps the
// request body size before any handler reads it.
func (g *Gateway) requestEnvelope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", id)
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// --- Authentication ---

// authenticate validates the bearer token against the configured API keys.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if !matchKey(g.config.APIKeys, token) {
			return c.AbortUnauthorized("invalid API key")
		}
		return next(c)
	}
}

// chain composes middlewares so the first listed runs outermost.
func chain(middlewares []okapi.Middleware) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// matchKey reports whether token matches any configured key.
// Every key is compared in constant time regardless of early matches.
func matchKey(keys []string, token string) bool {
	ok := false
	for _, key := range keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}
