// Package ws implements the terminal WebSocket endpoint. Clients connect to
// <path>/{userId}/{projectId}, are authenticated against the project's
// owner, and are attached to that project's sandbox session.
package ws

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/termbox/internal/auth"
	"github.com/jkaninda/termbox/internal/config"
	"github.com/jkaninda/termbox/internal/domain"
	"github.com/jkaninda/termbox/internal/observability"
	"github.com/jkaninda/termbox/internal/storage"
	"github.com/jkaninda/termbox/internal/terminal"
)

// Subprotocol is offered to clients that request one.
const Subprotocol = "termbox-terminal-v1"

// maxMissedPings is the number of consecutive unanswered pings after which
// a connection is considered dead. Pongs are only read while the client is
// idle at the prompt, so pings are neither sent nor counted while a command
// runs.
const maxMissedPings = 3

// Attacher runs the terminal protocol for one connection.
// *terminal.Bridge implements it.
type Attacher interface {
	Attach(ctx context.Context, key domain.SessionKey, workDir string, t terminal.Transport) error
}

// TokenValidator validates bearer tokens. *auth.Manager implements it.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// ProjectDirs resolves (and creates) a project's working directory.
// *workspace.Workspace implements it.
type ProjectDirs interface {
	ProjectDir(userID, projectID string) (string, error)
}

// Server is the terminal WebSocket server.
type Server struct {
	bridge   Attacher
	projects storage.ProjectStore
	tokens   TokenValidator
	dirs     ProjectDirs
	apiKeys  map[string]string
	cfg      *config.WebSocketGatewayConfig
	logger   *slog.Logger
	metrics  *Metrics

	httpMetrics *observability.MetricsCollector
	tracer      trace.Tracer

	mu      sync.Mutex
	conns   map[*websocket.Conn]*attached
	closing bool
	wg      sync.WaitGroup
	server  *http.Server
}

// NewServer creates a terminal WebSocket server. projects and tokens may be
// nil only when anonymous access is enabled.
func NewServer(bridge Attacher, projects storage.ProjectStore, tokens TokenValidator, dirs ProjectDirs, cfg *config.WebSocketGatewayConfig, logger *slog.Logger) *Server {
	return &Server{
		bridge:   bridge,
		projects: projects,
		tokens:   tokens,
		dirs:     dirs,
		cfg:      cfg,
		logger:   logger,
		conns:    make(map[*websocket.Conn]*attached),
	}
}

// WithAPIKeys accepts static API keys (key → user ID) in place of tokens.
func (s *Server) WithAPIKeys(keys map[string]string) *Server {
	s.apiKeys = keys
	return s
}

// WithMetrics enables connection metrics.
func (s *Server) WithMetrics(m *Metrics) *Server {
	s.metrics = m
	return s
}

// WithObservability enables HTTP metrics and tracing on the standalone listener.
func (s *Server) WithObservability(metrics *observability.MetricsCollector, tracer trace.Tracer) *Server {
	s.httpMetrics = metrics
	s.tracer = tracer
	return s
}

// Path returns the URL prefix the server handles.
func (s *Server) Path() string {
	return s.cfg.WSPath()
}

// Active returns the number of attached connections.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	key, ok := s.parseKey(r.URL.Path)
	if !ok {
		s.metrics.result("bad_request")
		http.Error(w, "expected "+s.Path()+"/{userId}/{projectId}", http.StatusBadRequest)
		return
	}

	if s.cfg == nil || !s.cfg.AllowAnonymous {
		if code, msg := s.authorize(r, key); code != http.StatusOK {
			s.metrics.result(resultLabel(code))
			s.logger.Debug("terminal connection rejected",
				slog.String("key", key.String()),
				slog.Int("status", code),
				slog.String("reason", msg),
			)
			http.Error(w, msg, code)
			return
		}
	}

	workDir, err := s.dirs.ProjectDir(key.UserID, key.ProjectID)
	if err != nil {
		s.metrics.result("error")
		s.logger.Error("resolving project directory",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		http.Error(w, "project directory unavailable", http.StatusInternalServerError)
		return
	}

	// Terminal sessions outlive the API server's read and write timeouts.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	opts := &websocket.AcceptOptions{Subprotocols: []string{Subprotocol}}
	if s.cfg != nil {
		opts.OriginPatterns = s.cfg.AllowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.metrics.result("error")
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(s.cfg.WSMaxMessageBytes())

	s.metrics.result("accepted")
	s.handleConnection(r.Context(), conn, key, workDir, r.RemoteAddr)
}

// parseKey extracts {userId}/{projectId} from the request path.
func (s *Server) parseKey(path string) (domain.SessionKey, bool) {
	rest, ok := strings.CutPrefix(path, s.Path()+"/")
	if !ok {
		return domain.SessionKey{}, false
	}
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return domain.SessionKey{}, false
	}
	return domain.SessionKey{UserID: parts[0], ProjectID: parts[1]}, true
}

// authorize checks that the caller is the user in the path and owns the
// project. It returns http.StatusOK on success.
func (s *Server) authorize(r *http.Request, key domain.SessionKey) (int, string) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		return http.StatusUnauthorized, "missing token"
	}

	subject := s.apiKeyUser(token)
	if subject == "" {
		if s.tokens == nil {
			return http.StatusUnauthorized, "invalid token"
		}
		claims, err := s.tokens.ValidateToken(token)
		if err != nil {
			return http.StatusUnauthorized, "invalid token"
		}
		subject = claims.UserID()
	}
	if subject != key.UserID {
		return http.StatusForbidden, "token does not match user"
	}

	uid, err := uuid.Parse(key.UserID)
	if err != nil {
		return http.StatusNotFound, "project not found"
	}
	pid, err := uuid.Parse(key.ProjectID)
	if err != nil {
		return http.StatusNotFound, "project not found"
	}
	if s.projects == nil {
		return http.StatusNotFound, "project not found"
	}
	if _, err := s.projects.Get(r.Context(), uid, pid); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return http.StatusNotFound, "project not found"
		}
		s.logger.Error("loading project", slog.String("key", key.String()), slog.String("error", err.Error()))
		return http.StatusInternalServerError, "project lookup failed"
	}
	return http.StatusOK, ""
}

func (s *Server) apiKeyUser(token string) string {
	user := ""
	for k, u := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(k)) == 1 {
			user = u
		}
	}
	return user
}

func (s *Server) handleConnection(parent context.Context, conn *websocket.Conn, key domain.SessionKey, workDir, remote string) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a := &attached{key: key, cancel: cancel}
	if !s.track(conn, a) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.untrack(conn)

	if s.metrics != nil {
		s.metrics.Active.Inc()
		defer s.metrics.Active.Dec()
		start := time.Now()
		defer func() { s.metrics.Duration.Observe(time.Since(start).Seconds()) }()
	}

	logger := s.logger.With(slog.String("key", key.String()))
	logger.Info("terminal connected", slog.String("remote", remote))

	t := newConnTransport(conn)
	go s.heartbeatLoop(ctx, cancel, conn, t, logger)

	err := s.bridge.Attach(ctx, key, workDir, t)
	switch {
	case err != nil:
		logger.Warn("terminal attach failed", slog.String("error", err.Error()))
		conn.Close(websocket.StatusInternalError, "session unavailable")
	case s.shuttingDown():
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	case a.terminated.Load():
		conn.Close(websocket.StatusNormalClosure, "session terminated")
	default:
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	logger.Info("terminal disconnected")
}

// heartbeatLoop pings the client while it sits at the prompt and cancels the
// connection after maxMissedPings consecutive failures.
func (s *Server) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, t *connTransport, logger *slog.Logger) {
	interval := s.cfg.WSHeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.Reading() {
				missed = 0
				continue
			}
			pctx, pcancel := context.WithTimeout(ctx, interval)
			err := conn.Ping(pctx)
			pcancel()
			if err == nil {
				missed = 0
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if !t.Reading() {
				// A command started before the pong could be read.
				continue
			}
			missed++
			logger.Debug("heartbeat ping failed",
				slog.Int("missed", missed),
				slog.String("error", err.Error()),
			)
			if missed >= maxMissedPings {
				logger.Warn("terminal connection unresponsive, closing")
				cancel()
				return
			}
		}
	}
}

// attached is the bookkeeping for one live connection.
type attached struct {
	key        domain.SessionKey
	cancel     context.CancelFunc
	terminated atomic.Bool
}

// CloseKey detaches every connection attached to key and returns how many
// were closed. Called when the session is terminated or its project deleted.
func (s *Server) CloseKey(key domain.SessionKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.conns {
		if a.key == key {
			a.terminated.Store(true)
			a.cancel()
			n++
		}
	}
	if n > 0 {
		s.logger.Info("terminal connections detached", slog.String("key", key.String()), slog.Int("count", n))
	}
	return n
}

func (s *Server) track(conn *websocket.Conn, a *attached) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = a
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Start serves the endpoint on its own listener. Used when the HTTP API
// gateway is disabled; otherwise mount Handler on the API server.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.Path()+"/", s.Handler())

	var handler http.Handler = mux
	if s.httpMetrics != nil || s.tracer != nil {
		handler = observability.HTTPMetricsMiddleware(s.httpMetrics, s.tracer, mux, s.Path())
	}

	addr := s.cfg.WSListenAddr()
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("websocket gateway starting", slog.String("addr", addr), slog.String("path", s.Path()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop refuses new connections, detaches every attached client and waits
// for their sessions to be released or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	srv := s.server
	for _, a := range s.conns {
		a.cancel()
	}
	n := len(s.conns)
	s.mu.Unlock()

	s.logger.Info("websocket gateway stopping", slog.Int("connections", n))

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func resultLabel(code int) string {
	switch code {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	default:
		return "error"
	}
}
