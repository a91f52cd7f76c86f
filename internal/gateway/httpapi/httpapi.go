// Package httpapi implements the REST API gateway for termbox.
//
// Security:
//   - JWT bearer tokens or static API keys on every /v1 route except auth
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket (per-IP for auth routes)
//   - Project and file access scoped to the owning user
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/termbox/internal/auth"
	"github.com/jkaninda/termbox/internal/domain"
	"github.com/jkaninda/termbox/internal/observability"
	"github.com/jkaninda/termbox/internal/ratelimit"
	"github.com/jkaninda/termbox/internal/session"
	"github.com/jkaninda/termbox/internal/storage"
	"github.com/jkaninda/termbox/internal/workspace"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

const userIDKey = "userID"

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// StatusResponse acknowledges a mutation with no other payload.
type StatusResponse struct {
	Status string `json:"status"`
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
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
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Sessions is the part of the session manager the API drives.
// *session.Manager implements it.
type Sessions interface {
	Sessions() []session.Session
	Lookup(key domain.SessionKey) (session.Session, bool)
	Release(ctx context.Context, key domain.SessionKey, reason session.Reason) bool
	BackendName() string
	IdleTimeout() time.Duration
}

// Terminals detaches live terminal connections. *ws.Server implements it.
type Terminals interface {
	CloseKey(key domain.SessionKey) int
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	auth      *auth.Manager
	store     storage.Store
	sessions  Sessions
	terminals Terminals
	workspace *workspace.Workspace
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the terminal WebSocket endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	prefix  string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway. rl may be nil to disable rate limiting.
func NewGateway(cfg Config, am *auth.Manager, store storage.Store, sessions Sessions, ws *workspace.Workspace, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	cfg.MaxRequestSize = maxSize
	return &Gateway{
		config:    cfg,
		auth:      am,
		store:     store,
		sessions:  sessions,
		workspace: ws,
		limiter:   rl,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithTerminals lets session termination and project deletion detach
// attached terminal clients.
func (g *Gateway) WithTerminals(t Terminals) *Gateway {
	g.terminals = t
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "termbox",
			Version: "v0.1.0",
		},
	)
	return g
}

// WithHandler mounts an additional GET handler at pattern. Metrics for every
// path under prefix are reported under a single route label.
func (g *Gateway) WithHandler(pattern, prefix string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, prefix: prefix, handler: handler})
	return g
}

// routes registers every endpoint. It runs once, from Start.
func (g *Gateway) routes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		prefixes := make([]string, 0, len(g.extraRoutes))
		for _, er := range g.extraRoutes {
			prefixes = append(prefixes, er.prefix)
		}
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next, prefixes...)
		})
	}
	g.okapi.UseMiddleware(g.limitBody)

	// Unauthenticated account endpoints.
	g.okapi.Post("/v1/auth/register", g.handleRegister,
		okapi.DocSummary("Register a new user"),
		okapi.DocTags("Auth"),
		okapi.DocRequestBody(RegisterRequest{}),
		okapi.DocResponse(http.StatusCreated, UserResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.okapi.Post("/v1/auth/token", g.handleLogin,
		okapi.DocSummary("Exchange credentials for an access token"),
		okapi.DocTags("Auth"),
		okapi.DocRequestBody(LoginRequest{}),
		okapi.DocResponse(TokenResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.okapi.Post("/v1/auth/login", g.handleLogin,
		okapi.DocSummary("Log in and receive an access token"),
		okapi.DocTags("Auth"),
		okapi.DocRequestBody(LoginRequest{}),
		okapi.DocResponse(TokenResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Get("/users/me", g.handleMe,
		okapi.DocSummary("Get the authenticated user"),
		okapi.DocTags("Users"),
		okapi.DocResponse(UserResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	g.group.Get("/projects", g.handleProjectList,
		okapi.DocSummary("List projects"),
		okapi.DocTags("Projects"),
		okapi.DocResponse([]ProjectResponse{}),
	)
	g.group.Post("/projects", g.handleProjectCreate,
		okapi.DocSummary("Create a project"),
		okapi.DocTags("Projects"),
		okapi.DocRequestBody(ProjectRequest{}),
		okapi.DocResponse(http.StatusCreated, ProjectResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/projects/{id}", g.handleProjectGet,
		okapi.DocSummary("Get a project by ID"),
		okapi.DocTags("Projects"),
		okapi.DocPathParam("id", "string", "Project ID (UUID)"),
		okapi.DocResponse(ProjectResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/projects/{id}", g.handleProjectDelete,
		okapi.DocSummary("Delete a project, its files and its live session"),
		okapi.DocTags("Projects"),
		okapi.DocPathParam("id", "string", "Project ID (UUID)"),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/projects/{id}/sessions/history", g.handleSessionHistory,
		okapi.DocSummary("List recent session lifecycle events for a project"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Project ID (UUID)"),
		okapi.DocResponse([]SessionEventResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	g.group.Get("/projects/{id}/files", g.handleFileList,
		okapi.DocSummary("List project files"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Project ID (UUID)"),
		okapi.DocResponse([]FileResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/projects/{id}/files", g.handleFileCreate,
		okapi.DocSummary("Create a file or directory"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Project ID (UUID)"),
		okapi.DocRequestBody(FileRequest{}),
		okapi.DocResponse(http.StatusCreated, FileResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/files/{id}", g.handleFileGet,
		okapi.DocSummary("Get a file by ID"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "File ID (UUID)"),
		okapi.DocResponse(FileResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/files/{id}", g.handleFileUpdate,
		okapi.DocSummary("Replace a file's content"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "File ID (UUID)"),
		okapi.DocRequestBody(FileUpdateRequest{}),
		okapi.DocResponse(FileResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/files/{id}/rename", g.handleFileRename,
		okapi.DocSummary("Rename a file or directory in place"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "File ID (UUID)"),
		okapi.DocRequestBody(FileRenameRequest{}),
		okapi.DocResponse(FileResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Delete("/files/{id}", g.handleFileDelete,
		okapi.DocSummary("Delete a file or directory"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "File ID (UUID)"),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	g.group.Get("/sessions", g.handleSessionList,
		okapi.DocSummary("List the caller's live sandbox sessions"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse([]SessionResponse{}),
	)
	g.group.Delete("/sessions/{project_id}", g.handleSessionTerminate,
		okapi.DocSummary("Terminate the caller's session for a project"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("project_id", "string", "Project ID"),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Extra handlers (e.g., the terminal WebSocket endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

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
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// limitBody caps request bodies at the configured size.
func (g *Gateway) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.config.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

// --- Middleware ---

// authenticate accepts a JWT access token or a configured API key.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		userID := ""
		for key, uid := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
				userID = uid
			}
		}
		if userID == "" {
			claims, err := g.auth.ValidateToken(token)
			if err != nil {
				return c.AbortUnauthorized("invalid or expired token")
			}
			userID = claims.UserID()
		}

		if g.limiter != nil {
			if err := g.limiter.Allow(userID); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}

		c.Set(userIDKey, userID)
		return next(c)
	}
}

// --- Health ---

// handleLiveness always reports ok while the process serves requests.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	return c.OK(g.config.HealthChecker.CheckHealth())
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if !status.OK() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Helpers ---

// detach closes terminal connections attached to key, if any.
func (g *Gateway) detach(key domain.SessionKey) {
	if g.terminals != nil {
		g.terminals.CloseKey(key)
	}
}

func notFound(c *okapi.Context, what string) error {
	return c.JSON(http.StatusNotFound, okapi.M{"error": what + " not found"})
}

func conflict(c *okapi.Context, msg string) error {
	return c.JSON(http.StatusConflict, okapi.M{"error": msg})
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// clientIP returns the remote host for per-IP limits on unauthenticated routes.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
