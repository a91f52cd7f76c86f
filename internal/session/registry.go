// Package session owns the per-(user, project) sandbox sessions: the
// registry that guarantees at most one live sandbox per key, the manager
// that drives the backend through it, and the idle reaper.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/termbox/internal/domain"
	"github.com/jkaninda/termbox/internal/sandbox"
)

// State is the creation state of a registry entry.
type State int

const (
	Pending State = iota
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is a point-in-time copy of a registry entry.
type Session struct {
	Key          domain.SessionKey
	Handle       *sandbox.Handle
	State        State
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// ProvisionFunc starts the sandbox for key. It is called at most once per
// claim, outside the registry lock.
type ProvisionFunc func(ctx context.Context, key domain.SessionKey) (*sandbox.Handle, error)

type entry struct {
	state      State
	handle     *sandbox.Handle
	createdAt  time.Time
	lastActive time.Time
	err        error
	ready      chan struct{} // closed once provisioning finished
}

func (e *entry) snapshot(key domain.SessionKey) Session {
	return Session{
		Key:          key,
		Handle:       e.handle,
		State:        e.state,
		CreatedAt:    e.createdAt,
		LastActiveAt: e.lastActive,
	}
}

// Registry maps session keys to live sessions.
//
// The mutex guards only the map and entry fields; provisioning runs outside
// it, so different keys never wait on each other's sandbox start.
type Registry struct {
	mu      sync.Mutex
	entries map[domain.SessionKey]*entry
	closed  bool
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[domain.SessionKey]*entry),
		now:     time.Now,
	}
}

// GetOrCreate returns the Ready session for key, provisioning it if absent.
//
// Concurrent callers for the same key share one provisioning: exactly one of
// them calls provision and the others wait for its outcome. On failure the
// key is released and every waiter receives the same *ProvisionError.
func (r *Registry) GetOrCreate(ctx context.Context, key domain.SessionKey, provision ProvisionFunc) (Session, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return Session{}, ErrClosed
		}
		e, ok := r.entries[key]
		if !ok {
			e = &entry{state: Pending, ready: make(chan struct{})}
			r.entries[key] = e
			r.mu.Unlock()
			return r.provision(ctx, key, e, provision)
		}
		if e.state == Ready {
			s := e.snapshot(key)
			r.mu.Unlock()
			return s, nil
		}
		r.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return Session{}, ctx.Err()
		}

		r.mu.Lock()
		if e.err != nil {
			err := e.err
			r.mu.Unlock()
			return Session{}, err
		}
		if cur, ok := r.entries[key]; ok && cur == e {
			s := e.snapshot(key)
			r.mu.Unlock()
			return s, nil
		}
		// Published and already removed; claim again.
		r.mu.Unlock()
	}
}

func (r *Registry) provision(ctx context.Context, key domain.SessionKey, e *entry, provision ProvisionFunc) (Session, error) {
	h, err := provision(ctx, key)
	if err == nil && h == nil {
		err = errNilHandle
	}

	r.mu.Lock()
	defer func() {
		r.mu.Unlock()
		close(e.ready)
	}()

	if err != nil {
		e.state = Failed
		e.err = &ProvisionError{Key: key, Err: err}
		if r.entries[key] == e {
			delete(r.entries, key)
		}
		return Session{}, e.err
	}

	now := r.now()
	e.state = Ready
	e.handle = h
	e.createdAt = now
	e.lastActive = now
	return e.snapshot(key), nil
}

// Touch marks key as active now. It returns false if the key is absent or
// not Ready; Touch never creates an entry.
func (r *Registry) Touch(key domain.SessionKey) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.state != Ready {
		return false
	}
	if now.After(e.lastActive) {
		e.lastActive = now
	}
	return true
}

// Remove atomically removes a Ready session. Only the caller that gets
// ok == true may stop the returned handle.
func (r *Registry) Remove(key domain.SessionKey) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.state != Ready {
		return Session{}, false
	}
	delete(r.entries, key)
	return e.snapshot(key), true
}

// RemoveIdle removes key only if it has been inactive for at least timeout
// as of now.
func (r *Registry) RemoveIdle(key domain.SessionKey, timeout time.Duration, now time.Time) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.state != Ready || now.Sub(e.lastActive) < timeout {
		return Session{}, false
	}
	delete(r.entries, key)
	return e.snapshot(key), true
}

// SnapshotIdle returns the keys of Ready sessions inactive for at least
// timeout as of now. It does not remove anything.
func (r *Registry) SnapshotIdle(timeout time.Duration, now time.Time) []domain.SessionKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	var keys []domain.SessionKey
	for key, e := range r.entries {
		if e.state == Ready && now.Sub(e.lastActive) >= timeout {
			keys = append(keys, key)
		}
	}
	return keys
}

// Get returns the Ready session for key.
func (r *Registry) Get(key domain.SessionKey) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.state != Ready {
		return Session{}, false
	}
	return e.snapshot(key), true
}

// List returns all Ready sessions ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.entries))
	for key, e := range r.entries {
		if e.state == Ready {
			out = append(out, e.snapshot(key))
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of Ready sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.state == Ready {
			n++
		}
	}
	return n
}

// Drain closes the registry to new claims, waits for in-flight provisioning
// to finish and removes every Ready session. The caller owns the returned
// handles. If ctx ends first, the sessions published so far are returned
// with the context error; later publications stay in the registry.
func (r *Registry) Drain(ctx context.Context) ([]Session, error) {
	r.mu.Lock()
	r.closed = true
	var pending []chan struct{}
	for _, e := range r.entries {
		if e.state == Pending {
			pending = append(pending, e.ready)
		}
	}
	r.mu.Unlock()

	var waitErr error
wait:
	for _, ch := range pending {
		select {
		case <-ch:
		case <-ctx.Done():
			waitErr = ctx.Err()
			break wait
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.entries))
	for key, e := range r.entries {
		if e.state != Ready {
			continue
		}
		out = append(out, e.snapshot(key))
		delete(r.entries, key)
	}
	return out, waitErr
}
