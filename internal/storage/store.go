// Package storage defines the unified Store interface that abstracts all persistence operations.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL (production).
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/jkaninda/termbox/internal/domain"
)

var (
	// ErrNotFound is returned when a record does not exist or is not visible to the caller.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("already exists")
)

// Store is the unified persistence interface for termbox.
// It provides access to all domain-specific sub-stores through accessor methods.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Sub-store accessors. The returned stores share the same underlying connection.
	Users() UserStore
	Projects() ProjectStore
	Files() FileStore
	SessionEvents() SessionEventStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// UserStore persists accounts.
type UserStore interface {
	Create(ctx context.Context, u *domain.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
}

// ProjectStore persists projects. Reads and deletes are scoped to the owner.
type ProjectStore interface {
	Create(ctx context.Context, p *domain.Project) error
	Get(ctx context.Context, userID, id uuid.UUID) (*domain.Project, error)
	List(ctx context.Context, userID uuid.UUID) ([]*domain.Project, error)
	// Delete removes the project and all of its files.
	Delete(ctx context.Context, userID, id uuid.UUID) error
}

// FileStore persists project files. Paths are unique per project.
type FileStore interface {
	Create(ctx context.Context, f *domain.File) error
	Get(ctx context.Context, id uuid.UUID) (*domain.File, error)
	List(ctx context.Context, projectID uuid.UUID) ([]*domain.File, error)
	Update(ctx context.Context, f *domain.File) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// SessionEventStore persists session lifecycle events.
type SessionEventStore interface {
	Record(ctx context.Context, e *domain.SessionEvent) error
	// ListByProject returns the newest events first. limit <= 0 means 50.
	ListByProject(ctx context.Context, userID, projectID string, limit int) ([]*domain.SessionEvent, error)
}

// ProjectIndex answers existence checks for session keys. Keys that do not
// name a stored project (anonymous terminals) always exist.
type ProjectIndex struct {
	Projects ProjectStore
}

// ProjectExists reports whether key's project is still stored for its user.
func (p ProjectIndex) ProjectExists(ctx context.Context, key domain.SessionKey) (bool, error) {
	uid, err := uuid.Parse(key.UserID)
	if err != nil {
		return true, nil
	}
	pid, err := uuid.Parse(key.ProjectID)
	if err != nil {
		return true, nil
	}
	if _, err := p.Projects.Get(ctx, uid, pid); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
