package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/termbox/internal/domain"
	"github.com/jkaninda/termbox/internal/sandbox"
)

func newTestManager(t *testing.T, backend *fakeBackend) *Manager {
	t.Helper()
	return NewManager(NewRegistry(), backend, Config{IdleTimeout: 30 * time.Minute}, testLogger())
}

// counterValue returns the value of a counter with the given labels.
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
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
				return m.GetGauge().GetValue()
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

func TestManager_ConcurrentAcquireStartsOnce(t *testing.T) {
	backend := newFakeBackend()
	backend.startDelay = 50 * time.Millisecond
	m := newTestManager(t, backend)

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Acquire(context.Background(), testKey, t.TempDir())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			ids[i] = s.Handle.ID
		}()
	}
	wg.Wait()

	if backend.starts.Load() != 1 {
		t.Fatalf("backend starts = %d, want 1", backend.starts.Load())
	}
	if ids[0] != ids[1] {
		t.Errorf("attaches got different handles: %v", ids)
	}
}

func TestManager_ProvisionDetachedFromCaller(t *testing.T) {
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	m := newTestManager(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, testKey, "/tmp")
		firstDone <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(backend.gate)

	if err := <-firstDone; err != nil {
		t.Fatalf("provisioning should survive caller cancellation: %v", err)
	}
	if _, ok := m.Lookup(testKey); !ok {
		t.Fatal("session should be published")
	}
}

func TestManager_ProvisionFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.startErr = errors.New("daemon down")
	rec := &memRecorder{}
	m := newTestManager(t, backend).WithRecorder(rec)

	_, err := m.Acquire(context.Background(), testKey, "/tmp")
	var pe *ProvisionError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProvisionError", err)
	}
	if kinds := rec.kinds(); len(kinds) != 1 || kinds[0] != domain.SessionProvisionFailed {
		t.Errorf("events = %v, want [provision_failed]", kinds)
	}
}

func TestManager_ReleaseStopsOnce(t *testing.T) {
	backend := newFakeBackend()
	rec := &memRecorder{}
	m := newTestManager(t, backend).WithRecorder(rec)

	s, err := m.Acquire(context.Background(), testKey, "/tmp")
	if err != nil {
		t.Fatal(err)
	}

	if !m.Release(context.Background(), testKey, ReasonExit) {
		t.Fatal("first Release should perform teardown")
	}
	if m.Release(context.Background(), testKey, ReasonDisconnect) {
		t.Fatal("second Release should be a no-op")
	}
	if got := backend.stopCount(s.Handle.ID); got != 1 {
		t.Fatalf("stop calls = %d, want 1", got)
	}
	if m.Touch(testKey) {
		t.Error("Touch after Release should report the session gone")
	}

	kinds := rec.kinds()
	if len(kinds) != 2 || kinds[0] != domain.SessionProvisioned || kinds[1] != domain.SessionReleased {
		t.Errorf("events = %v", kinds)
	}
}

func TestManager_ReleaseOnCancelledContext(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, backend)
	if _, err := m.Acquire(context.Background(), testKey, "/tmp"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if !m.Release(ctx, testKey, ReasonDisconnect) {
		t.Fatal("Release should still tear down on a cancelled context")
	}
	if backend.stops.Load() != 1 {
		t.Errorf("stops = %d, want 1", backend.stops.Load())
	}
}

func TestManager_ReapRacesRelease(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, backend)
	s, err := m.Acquire(context.Background(), testKey, "/tmp")
	if err != nil {
		t.Fatal(err)
	}

	later := time.Now().Add(time.Hour)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.Reap(context.Background(), later)
	}()
	go func() {
		defer wg.Done()
		m.Release(context.Background(), testKey, ReasonDisconnect)
	}()
	wg.Wait()

	if got := backend.stopCount(s.Handle.ID); got != 1 {
		t.Fatalf("stop calls = %d, want exactly 1", got)
	}
}

func TestManager_Reap(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, backend)

	idle := domain.SessionKey{UserID: "u", ProjectID: "idle"}
	active := domain.SessionKey{UserID: "u", ProjectID: "active"}
	for _, k := range []domain.SessionKey{idle, active} {
		if _, err := m.Acquire(context.Background(), k, "/tmp"); err != nil {
			t.Fatal(err)
		}
	}

	now := time.Now()
	if n := m.Reap(context.Background(), now); n != 0 {
		t.Fatalf("fresh sessions reaped: %d", n)
	}

	m.registry.now = func() time.Time { return now.Add(20 * time.Minute) }
	m.Touch(active)

	if n := m.Reap(context.Background(), now.Add(31*time.Minute)); n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}
	if _, ok := m.Lookup(idle); ok {
		t.Error("idle session should be gone")
	}
	if _, ok := m.Lookup(active); !ok {
		t.Error("active session should survive")
	}
}

func TestManager_RunCountsResults(t *testing.T) {
	reg := prometheus.NewRegistry()
	backend := newFakeBackend()
	m := newTestManager(t, backend).WithMetrics(NewMetrics(reg))

	s, err := m.Acquire(context.Background(), testKey, "/tmp")
	if err != nil {
		t.Fatal(err)
	}
	if res, err := m.Run(context.Background(), s, "echo"); err != nil || res.Stdout != "echo\n" {
		t.Fatalf("Run = %+v, %v", res, err)
	}
	if _, err := m.Run(context.Background(), s, "false"); err != nil {
		t.Fatal(err)
	}
	_, err = m.Run(context.Background(), s, "fail")
	var be *sandbox.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *sandbox.BackendError", err)
	}

	for result, want := range map[string]float64{"ok": 1, "nonzero_exit": 1, "error": 1} {
		got := counterValue(t, reg, "termbox_session_commands_total", prometheus.Labels{"result": result})
		if got != want {
			t.Errorf("commands_total{result=%q} = %v, want %v", result, got, want)
		}
	}
	if got := counterValue(t, reg, "termbox_session_active", nil); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}

	m.Release(context.Background(), testKey, ReasonExit)
	if got := counterValue(t, reg, "termbox_session_releases_total", prometheus.Labels{"reason": "exit"}); got != 1 {
		t.Errorf("releases_total{reason=exit} = %v, want 1", got)
	}
	if got := counterValue(t, reg, "termbox_session_active", nil); got != 0 {
		t.Errorf("active after release = %v, want 0", got)
	}
}

// emptyBackend returns neither a value nor an error.
type emptyBackend struct{ *fakeBackend }

func (emptyBackend) Start(context.Context, domain.SessionKey, string) (*sandbox.Handle, error) {
	return nil, nil
}

func (emptyBackend) Run(context.Context, *sandbox.Handle, string) (*sandbox.ExecutionResult, error) {
	return nil, nil
}

func TestManager_EmptyBackendResults(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewManager(NewRegistry(), emptyBackend{newFakeBackend()}, Config{}, testLogger()).
		WithMetrics(NewMetrics(reg))

	if _, err := m.Acquire(context.Background(), testKey, "/tmp"); !errors.Is(err, errNilHandle) {
		t.Errorf("Acquire err = %v, want errNilHandle", err)
	}
	if len(m.Sessions()) != 0 {
		t.Error("session registered without a handle")
	}

	s := Session{Key: testKey, Handle: sandbox.NewHandle("h1", testKey, "/tmp")}
	if _, err := m.Run(context.Background(), s, "true"); !errors.Is(err, errNilResult) {
		t.Errorf("Run err = %v, want errNilResult", err)
	}
	if got := counterValue(t, reg, "termbox_session_commands_total", prometheus.Labels{"result": "error"}); got != 1 {
		t.Errorf("commands_total{result=error} = %v, want 1", got)
	}
}

func TestManager_Shutdown(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, backend)

	for _, p := range []string{"a", "b", "c"} {
		if _, err := m.Acquire(context.Background(), domain.SessionKey{UserID: "u", ProjectID: p}, "/tmp"); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if backend.stops.Load() != 3 {
		t.Errorf("stops = %d, want 3", backend.stops.Load())
	}
	if len(m.Sessions()) != 0 {
		t.Error("sessions remain after shutdown")
	}
	if _, err := m.Acquire(context.Background(), testKey, "/tmp"); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire after shutdown err = %v, want ErrClosed", err)
	}
}

func TestNilMetrics(t *testing.T) {
	if NewMetrics(nil) != nil {
		t.Error("NewMetrics(nil) should return nil")
	}
}
