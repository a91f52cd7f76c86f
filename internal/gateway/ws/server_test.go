package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/termbox/internal/auth"
	"github.com/jkaninda/termbox/internal/config"
	"github.com/jkaninda/termbox/internal/domain"
	"github.com/jkaninda/termbox/internal/sandbox"
	"github.com/jkaninda/termbox/internal/session"
	"github.com/jkaninda/termbox/internal/storage"
	"github.com/jkaninda/termbox/internal/terminal"
	"github.com/jkaninda/termbox/internal/workspace"
)

type echoBackend struct {
	starts atomic.Int64
	stops  atomic.Int64
	// slow is how long the "slow" command takes.
	slow time.Duration
}

func (b *echoBackend) Name() string { return "echo" }

func (b *echoBackend) Start(_ context.Context, key domain.SessionKey, workDir string) (*sandbox.Handle, error) {
	n := b.starts.Add(1)
	return sandbox.NewHandle(fmt.Sprintf("h%d", n), key, workDir), nil
}

func (b *echoBackend) Run(ctx context.Context, _ *sandbox.Handle, command string) (*sandbox.ExecutionResult, error) {
	if command == "slow" {
		select {
		case <-time.After(b.slow):
			return &sandbox.ExecutionResult{Stdout: "done\n"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if rest, ok := strings.CutPrefix(command, "echo "); ok {
		return &sandbox.ExecutionResult{Stdout: rest + "\n"}, nil
	}
	return &sandbox.ExecutionResult{}, nil
}

func (b *echoBackend) Stop(_ context.Context, _ *sandbox.Handle) { b.stops.Add(1) }

type memProjects struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*domain.Project
}

func (m *memProjects) Create(_ context.Context, p *domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
	return nil
}

func (m *memProjects) Get(_ context.Context, userID, id uuid.UUID) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok || p.UserID != userID {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

func (m *memProjects) List(context.Context, uuid.UUID) ([]*domain.Project, error) { return nil, nil }

func (m *memProjects) Delete(context.Context, uuid.UUID, uuid.UUID) error { return nil }

type fixture struct {
	srv      *Server
	http     *httptest.Server
	backend  *echoBackend
	sessions *session.Manager
	tokens   *auth.Manager
	reg      *prometheus.Registry
	user     *domain.User
	project  *domain.Project
}

func newFixture(t *testing.T, cfg *config.WebSocketGatewayConfig) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	backend := &echoBackend{}
	m := session.NewManager(session.NewRegistry(), backend, session.Config{}, logger)
	bridge := terminal.NewBridge(m, terminal.Options{}, logger)

	user := &domain.User{ID: uuid.New(), Email: "a@example.com", IsActive: true}
	project := &domain.Project{ID: uuid.New(), UserID: user.ID, Name: "demo"}
	projects := &memProjects{projects: map[uuid.UUID]*domain.Project{project.ID: project}}

	tokens := auth.NewManager(auth.Config{Secret: "test-secret"}, nil)
	reg := prometheus.NewRegistry()

	srv := NewServer(bridge, projects, tokens, ws, cfg, logger).
		WithAPIKeys(map[string]string{"static-key": user.ID.String()}).
		WithMetrics(NewMetrics(reg))

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &fixture{
		srv:      srv,
		http:     hs,
		backend:  backend,
		sessions: m,
		tokens:   tokens,
		reg:      reg,
		user:     user,
		project:  project,
	}
}

func (f *fixture) url(scheme, userID, projectID, token string) string {
	u := scheme + strings.TrimPrefix(f.http.URL, "http") + "/ws/" + userID + "/" + projectID
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (f *fixture) token(t *testing.T, user *domain.User) string {
	t.Helper()
	tok, err := f.tokens.IssueToken(user)
	if err != nil {
		t.Fatal(err)
	}
	return tok.AccessToken
}

// readUntil reads messages until the concatenated text contains want.
func readUntil(t *testing.T, conn *websocket.Conn, want string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var sb strings.Builder
	for !strings.Contains(sb.String(), want) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %q (got %q): %v", want, sb.String(), err)
		}
		sb.Write(data)
	}
	return sb.String()
}

func send(t *testing.T, conn *websocket.Conn, line string) {
	t.Helper()
	if err := conn.Write(context.Background(), websocket.MessageText, []byte(line)); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

func TestServer_EchoAndExit(t *testing.T) {
	f := newFixture(t, &config.WebSocketGatewayConfig{Enabled: true})
	ctx := context.Background()

	conn, _, err := websocket.Dial(ctx, f.url("ws", f.user.ID.String(), f.project.ID.String(), f.token(t, f.user)), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	out := readUntil(t, conn, "$ ")
	if !strings.HasPrefix(out, "Connected to terminal. Starting container...\n") {
		t.Errorf("greeting = %q", out)
	}

	send(t, conn, "echo hi")
	if out := readUntil(t, conn, "$ "); out != "hi\n$ " {
		t.Errorf("echo output = %q", out)
	}

	send(t, conn, "exit")
	readUntil(t, conn, "Closing session...\n")

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (%v), want normal closure", websocket.CloseStatus(err), err)
	}
	if f.backend.starts.Load() != 1 || f.backend.stops.Load() != 1 {
		t.Errorf("starts=%d stops=%d, want 1/1", f.backend.starts.Load(), f.backend.stops.Load())
	}
	if got := counterValue(t, f.reg, "termbox_ws_connections_total", prometheus.Labels{"result": "accepted"}); got != 1 {
		t.Errorf("accepted = %v, want 1", got)
	}
}

func TestServer_APIKeyHeader(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conn, _, err := websocket.Dial(ctx, f.url("ws", f.user.ID.String(), f.project.ID.String(), ""), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer static-key"}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	readUntil(t, conn, "$ ")
	send(t, conn, "quit")
	readUntil(t, conn, "Closing session...\n")
}

func TestServer_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	other := &domain.User{ID: uuid.New()}
	uid := f.user.ID.String()
	pid := f.project.ID.String()

	tests := []struct {
		name   string
		path   string
		token  string
		status int
		result string
	}{
		{"missing token", "/ws/" + uid + "/" + pid, "", http.StatusUnauthorized, "unauthorized"},
		{"garbage token", "/ws/" + uid + "/" + pid, "not-a-jwt", http.StatusUnauthorized, "unauthorized"},
		{"other user", "/ws/" + uid + "/" + pid, f.token(t, other), http.StatusForbidden, "forbidden"},
		{"unknown project", "/ws/" + uid + "/" + uuid.NewString(), f.token(t, f.user), http.StatusNotFound, "not_found"},
		{"non uuid project", "/ws/" + uid + "/demo", f.token(t, f.user), http.StatusNotFound, "not_found"},
		{"missing project", "/ws/" + uid, f.token(t, f.user), http.StatusBadRequest, "bad_request"},
		{"extra segment", "/ws/" + uid + "/" + pid + "/x", f.token(t, f.user), http.StatusBadRequest, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := f.http.URL + tt.path
			if tt.token != "" {
				u += "?token=" + tt.token
			}
			resp, err := http.Get(u)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}

	if got := counterValue(t, f.reg, "termbox_ws_connections_total", prometheus.Labels{"result": "unauthorized"}); got != 2 {
		t.Errorf("unauthorized = %v, want 2", got)
	}
	if got := counterValue(t, f.reg, "termbox_ws_connections_total", prometheus.Labels{"result": "bad_request"}); got != 2 {
		t.Errorf("bad_request = %v, want 2", got)
	}
	if f.backend.starts.Load() != 0 {
		t.Error("rejected connections must not provision")
	}
}

func TestServer_Anonymous(t *testing.T) {
	f := newFixture(t, &config.WebSocketGatewayConfig{AllowAnonymous: true, Path: "/terminal/"})
	ctx := context.Background()

	u := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/terminal/guest/scratch"
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	readUntil(t, conn, "$ ")
	if _, ok := f.sessions.Lookup(domain.SessionKey{UserID: "guest", ProjectID: "scratch"}); !ok {
		t.Error("anonymous session not registered")
	}
}

func TestServer_StopDetachesClients(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conn, _, err := websocket.Dial(ctx, f.url("ws", f.user.ID.String(), f.project.ID.String(), f.token(t, f.user)), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	readUntil(t, conn, "$ ")

	if f.srv.Active() != 1 {
		t.Fatalf("active = %d, want 1", f.srv.Active())
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.srv.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	readCtx, rcancel := context.WithTimeout(ctx, 5*time.Second)
	defer rcancel()
	if _, _, err := conn.Read(readCtx); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("read after stop = %v, want a closed connection", err)
	}
	if f.backend.stops.Load() != 1 {
		t.Errorf("stops = %d, want 1", f.backend.stops.Load())
	}
	if f.srv.Active() != 0 {
		t.Errorf("active = %d after stop", f.srv.Active())
	}
}

func TestServer_LongCommandSurvivesHeartbeat(t *testing.T) {
	f := newFixture(t, &config.WebSocketGatewayConfig{Enabled: true, HeartbeatIntervalSeconds: 1})
	f.backend.slow = 4500 * time.Millisecond
	ctx := context.Background()

	conn, _, err := websocket.Dial(ctx, f.url("ws", f.user.ID.String(), f.project.ID.String(), f.token(t, f.user)), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	readUntil(t, conn, "$ ")

	send(t, conn, "slow")
	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var sb strings.Builder
	for !strings.Contains(sb.String(), "$ ") {
		_, data, err := conn.Read(readCtx)
		if err != nil {
			t.Fatalf("connection lost mid-command after %q: %v", sb.String(), err)
		}
		sb.Write(data)
	}
	if sb.String() != "done\n$ " {
		t.Errorf("output = %q", sb.String())
	}
	if f.backend.stops.Load() != 0 {
		t.Errorf("stops = %d, want 0", f.backend.stops.Load())
	}

	send(t, conn, "echo still here")
	if out := readUntil(t, conn, "$ "); out != "still here\n$ " {
		t.Errorf("echo after slow command = %q", out)
	}
}

func TestServer_CloseKeyDetachesClient(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	key := domain.SessionKey{UserID: f.user.ID.String(), ProjectID: f.project.ID.String()}

	conn, _, err := websocket.Dial(ctx, f.url("ws", key.UserID, key.ProjectID, f.token(t, f.user)), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	readUntil(t, conn, "$ ")

	if n := f.srv.CloseKey(domain.SessionKey{UserID: key.UserID, ProjectID: uuid.NewString()}); n != 0 {
		t.Errorf("CloseKey(other project) = %d, want 0", n)
	}
	if n := f.srv.CloseKey(key); n != 1 {
		t.Fatalf("CloseKey = %d, want 1", n)
	}

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var err2 error
	for err2 == nil {
		_, _, err2 = conn.Read(readCtx)
	}
	var ce websocket.CloseError
	if !errors.As(err2, &ce) || ce.Code != websocket.StatusNormalClosure || ce.Reason != "session terminated" {
		t.Errorf("close = %v, want normal closure with reason \"session terminated\"", err2)
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.srv.Active() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.srv.Active() != 0 {
		t.Errorf("active = %d after CloseKey", f.srv.Active())
	}
	if f.backend.starts.Load() != 1 {
		t.Errorf("starts = %d, want 1", f.backend.starts.Load())
	}
}

func TestServer_ParseKey(t *testing.T) {
	s := NewServer(nil, nil, nil, nil, &config.WebSocketGatewayConfig{Path: "ws"}, slog.Default())
	tests := []struct {
		path string
		want domain.SessionKey
		ok   bool
	}{
		{"/ws/u/p", domain.SessionKey{UserID: "u", ProjectID: "p"}, true},
		{"/ws/u/p/", domain.SessionKey{UserID: "u", ProjectID: "p"}, true},
		{"/ws/u", domain.SessionKey{}, false},
		{"/ws//p", domain.SessionKey{}, false},
		{"/other/u/p", domain.SessionKey{}, false},
	}
	for _, tt := range tests {
		got, ok := s.parseKey(tt.path)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseKey(%q) = %v, %v; want %v, %v", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if labelsMatch(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, want prometheus.Labels) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}
