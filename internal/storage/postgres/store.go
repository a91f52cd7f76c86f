package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/termbox/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu            sync.Mutex
	users         storage.UserStore
	projects      storage.ProjectStore
	files         storage.FileStore
	sessionEvents storage.SessionEventStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via autoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// --- Sub-store accessors ---

func (s *Store) Users() storage.UserStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = NewUserRepository(s.pgDB.GormDB())
	}
	return s.users
}

func (s *Store) Projects() storage.ProjectStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.projects == nil {
		s.projects = NewProjectRepository(s.pgDB.GormDB())
	}
	return s.projects
}

func (s *Store) Files() storage.FileStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = NewFileRepository(s.pgDB.GormDB())
	}
	return s.files
}

func (s *Store) SessionEvents() storage.SessionEventStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionEvents == nil {
		s.sessionEvents = NewSessionEventRepository(s.pgDB.GormDB())
	}
	return s.sessionEvents
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
