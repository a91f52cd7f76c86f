package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/termbox/internal/domain"
	"github.com/jkaninda/termbox/internal/sandbox"
	"github.com/jkaninda/termbox/internal/session"
)

var testKey = domain.SessionKey{UserID: "u1", ProjectID: "p1"}

// scriptBackend answers a few canned commands.
type scriptBackend struct {
	startErr error
	starts   atomic.Int64
	runs     atomic.Int64
	stops    atomic.Int64
}

func (b *scriptBackend) Name() string { return "script" }

func (b *scriptBackend) Start(_ context.Context, key domain.SessionKey, workDir string) (*sandbox.Handle, error) {
	n := b.starts.Add(1)
	if b.startErr != nil {
		return nil, b.startErr
	}
	time.Sleep(10 * time.Millisecond)
	return sandbox.NewHandle(fmt.Sprintf("h%d", n), key, workDir), nil
}

func (b *scriptBackend) Run(_ context.Context, h *sandbox.Handle, command string) (*sandbox.ExecutionResult, error) {
	b.runs.Add(1)
	if h.Stopped() {
		return nil, &sandbox.BackendError{Op: "run", Backend: "script", Err: sandbox.ErrHandleStopped}
	}
	switch {
	case strings.HasPrefix(command, "echo "):
		return &sandbox.ExecutionResult{Stdout: strings.TrimPrefix(command, "echo ") + "\n"}, nil
	case command == "both":
		return &sandbox.ExecutionResult{Stdout: "out\n", Stderr: "err\n", ExitCode: 1}, nil
	case command == "fail":
		return nil, &sandbox.BackendError{Op: "run", Backend: "script", Err: errors.New("exec refused")}
	}
	return &sandbox.ExecutionResult{}, nil
}

func (b *scriptBackend) Stop(_ context.Context, _ *sandbox.Handle) {
	b.stops.Add(1)
}

// chanTransport feeds lines from a channel; a closed channel is a disconnect.
type chanTransport struct {
	in chan string

	mu  sync.Mutex
	out []string
}

func newChanTransport(lines ...string) *chanTransport {
	t := &chanTransport{in: make(chan string, len(lines)+8)}
	for _, l := range lines {
		t.in <- l
	}
	return t
}

func (t *chanTransport) ReadLine(ctx context.Context) (string, error) {
	select {
	case l, ok := <-t.in:
		if !ok {
			return "", ErrDisconnected
		}
		return l, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *chanTransport) WriteText(_ context.Context, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out = append(t.out, text)
	return nil
}

func (t *chanTransport) messages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.out...)
}

func (t *chanTransport) transcript() string {
	return strings.Join(t.messages(), "")
}

func newTestBridge(backend *scriptBackend, syntaxCheck bool) (*Bridge, *session.Manager) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := session.NewManager(session.NewRegistry(), backend, session.Config{}, logger)
	return NewBridge(m, Options{SyntaxCheck: syntaxCheck}, logger), m
}

func TestBridge_EchoThenExit(t *testing.T) {
	backend := &scriptBackend{}
	b, m := newTestBridge(backend, true)
	tr := newChanTransport("echo hi", "exit")

	if err := b.Attach(context.Background(), testKey, "/tmp/p1", tr); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	want := []string{
		connectingMessage,
		"Web Terminal ready. Type commands and press Enter. Your files are stored in /workspace\n\n",
		"$ ",
		"hi\n",
		"$ ",
		closingMessage,
	}
	got := tr.messages()
	if len(got) != len(want) {
		t.Fatalf("messages = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}

	if backend.starts.Load() != 1 || backend.stops.Load() != 1 {
		t.Errorf("starts=%d stops=%d, want 1/1", backend.starts.Load(), backend.stops.Load())
	}
	if _, ok := m.Lookup(testKey); ok {
		t.Error("session should be removed after exit")
	}
}

func TestBridge_ExitVariants(t *testing.T) {
	for _, line := range []string{"exit", "EXIT", "  Quit  ", "quit\n"} {
		t.Run(strings.TrimSpace(line), func(t *testing.T) {
			backend := &scriptBackend{}
			b, _ := newTestBridge(backend, false)
			tr := newChanTransport(line)

			if err := b.Attach(context.Background(), testKey, "/tmp", tr); err != nil {
				t.Fatal(err)
			}
			if !strings.HasSuffix(tr.transcript(), closingMessage) {
				t.Errorf("transcript = %q, want closing message", tr.transcript())
			}
			if backend.runs.Load() != 0 {
				t.Error("exit must not be sent to the sandbox")
			}
		})
	}
}

func TestBridge_BlankLinesReprompt(t *testing.T) {
	backend := &scriptBackend{}
	b, _ := newTestBridge(backend, false)
	tr := newChanTransport("", "   ", "exit")

	if err := b.Attach(context.Background(), testKey, "/tmp", tr); err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(tr.transcript(), Prompt); n != 3 {
		t.Errorf("prompts = %d, want 3", n)
	}
	if backend.runs.Load() != 0 {
		t.Error("blank lines must not run")
	}
}

func TestBridge_RunErrorIsNotFatal(t *testing.T) {
	backend := &scriptBackend{}
	b, _ := newTestBridge(backend, false)
	tr := newChanTransport("fail", "echo still here", "exit")

	if err := b.Attach(context.Background(), testKey, "/tmp", tr); err != nil {
		t.Fatal(err)
	}
	out := tr.transcript()
	if !strings.Contains(out, "Error executing command: script run: exec refused\n$ ") {
		t.Errorf("missing diagnostic and prompt in %q", out)
	}
	if !strings.Contains(out, "still here\n$ ") {
		t.Errorf("session did not continue after failure: %q", out)
	}
	if backend.starts.Load() != 1 {
		t.Errorf("starts = %d, want 1", backend.starts.Load())
	}
}

func TestBridge_RelaysStdoutThenStderr(t *testing.T) {
	backend := &scriptBackend{}
	b, _ := newTestBridge(backend, false)
	tr := newChanTransport("both", "exit")

	if err := b.Attach(context.Background(), testKey, "/tmp", tr); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(tr.transcript(), "out\nerr\n$ ") {
		t.Errorf("transcript = %q", tr.transcript())
	}
}

func TestBridge_SyntaxErrorReported(t *testing.T) {
	backend := &scriptBackend{}
	b, _ := newTestBridge(backend, true)
	tr := newChanTransport("echo 'unterminated", "exit")

	if err := b.Attach(context.Background(), testKey, "/tmp", tr); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(tr.transcript(), "Error executing command: ") {
		t.Errorf("transcript = %q", tr.transcript())
	}
	if backend.runs.Load() != 0 {
		t.Error("unparsable command reached the sandbox")
	}
}

func TestBridge_DisconnectReleases(t *testing.T) {
	backend := &scriptBackend{}
	b, m := newTestBridge(backend, false)
	tr := newChanTransport("echo a")
	close(tr.in)

	if err := b.Attach(context.Background(), testKey, "/tmp", tr); err != nil {
		t.Fatal(err)
	}
	if backend.stops.Load() != 1 {
		t.Errorf("stops = %d, want 1", backend.stops.Load())
	}
	if len(m.Sessions()) != 0 {
		t.Error("session leaked after disconnect")
	}
}

func TestBridge_ProvisionFailure(t *testing.T) {
	backend := &scriptBackend{startErr: errors.New("no such image")}
	b, _ := newTestBridge(backend, false)
	tr := newChanTransport("echo hi")

	err := b.Attach(context.Background(), testKey, "/tmp", tr)
	var pe *session.ProvisionError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *session.ProvisionError", err)
	}
	out := tr.transcript()
	if !strings.HasPrefix(out, connectingMessage+"Error: ") {
		t.Errorf("transcript = %q", out)
	}
	if strings.Contains(out, Prompt) {
		t.Error("no prompt should be sent when provisioning fails")
	}
	if backend.stops.Load() != 0 {
		t.Error("nothing to stop after a failed start")
	}
}

func TestBridge_ConcurrentAttachSharesSandbox(t *testing.T) {
	backend := &scriptBackend{}
	b, m := newTestBridge(backend, false)

	t1 := newChanTransport("echo one")
	t2 := newChanTransport("echo two")

	var wg sync.WaitGroup
	for _, tr := range []*chanTransport{t1, t2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Attach(context.Background(), testKey, "/tmp", tr); err != nil {
				t.Errorf("Attach: %v", err)
			}
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(t1.transcript(), "one\n") && strings.Contains(t2.transcript(), "two\n") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if backend.starts.Load() != 1 {
		t.Errorf("starts = %d, want 1", backend.starts.Load())
	}

	close(t1.in)
	close(t2.in)
	wg.Wait()

	if backend.stops.Load() != 1 {
		t.Errorf("stops = %d, want 1", backend.stops.Load())
	}
	if len(m.Sessions()) != 0 {
		t.Error("session leaked")
	}
}

func TestBridge_ReprovisionsAfterReap(t *testing.T) {
	backend := &scriptBackend{}
	b, m := newTestBridge(backend, false)
	tr := newChanTransport("echo before")

	done := make(chan error, 1)
	go func() {
		done <- b.Attach(context.Background(), testKey, "/tmp", tr)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(tr.transcript(), "before\n$ ") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	// Simulate the idle reaper tearing the session down.
	if !m.Release(context.Background(), testKey, session.ReasonIdle) {
		t.Fatal("expected to release the live session")
	}

	tr.in <- "echo after"
	tr.in <- "exit"
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(tr.transcript(), "after\n$ ") {
		t.Errorf("command after reap failed: %q", tr.transcript())
	}
	if backend.starts.Load() != 2 {
		t.Errorf("starts = %d, want 2", backend.starts.Load())
	}
	if backend.stops.Load() != 2 {
		t.Errorf("stops = %d, want 2", backend.stops.Load())
	}
}

type projectSet struct {
	mu   sync.Mutex
	gone map[domain.SessionKey]bool
}

func (p *projectSet) ProjectExists(_ context.Context, key domain.SessionKey) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.gone[key], nil
}

func (p *projectSet) remove(key domain.SessionKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gone[key] = true
}

func TestBridge_DeletedProjectIsNotReprovisioned(t *testing.T) {
	backend := &scriptBackend{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := session.NewManager(session.NewRegistry(), backend, session.Config{}, logger)
	projects := &projectSet{gone: map[domain.SessionKey]bool{}}
	b := NewBridge(m, Options{Projects: projects}, logger)
	tr := newChanTransport("echo before")

	done := make(chan error, 1)
	go func() {
		done <- b.Attach(context.Background(), testKey, "/tmp", tr)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(tr.transcript(), "before\n$ ") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	projects.remove(testKey)
	if !m.Release(context.Background(), testKey, session.ReasonProjectDeleted) {
		t.Fatal("expected to release the live session")
	}

	tr.in <- "echo after"
	if err := <-done; err != nil {
		t.Fatalf("Attach: %v", err)
	}

	out := tr.transcript()
	if !strings.Contains(out, "Error: "+ErrProjectGone.Error()+"\n") {
		t.Errorf("transcript = %q", out)
	}
	if strings.Contains(out, "after\n") {
		t.Error("command ran after the project was deleted")
	}
	if backend.starts.Load() != 1 {
		t.Errorf("starts = %d, want 1", backend.starts.Load())
	}
	if len(m.Sessions()) != 0 {
		t.Error("session registered for a deleted project")
	}
}

func TestBridge_HeredocPassesSyntaxCheck(t *testing.T) {
	backend := &scriptBackend{}
	b, _ := newTestBridge(backend, true)
	tr := newChanTransport("cat <<EOF", "exit")

	if err := b.Attach(context.Background(), testKey, "/tmp", tr); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(tr.transcript(), "Error executing command") {
		t.Errorf("transcript = %q", tr.transcript())
	}
	if backend.runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", backend.runs.Load())
	}
}

func TestStateString(t *testing.T) {
	want := []string{"handshaking", "attached", "closing", "closed"}
	for i, w := range want {
		if State(i).String() != w {
			t.Errorf("State(%d) = %q, want %q", i, State(i).String(), w)
		}
	}
}
