//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/termbox/internal/domain"
	"github.com/jkaninda/termbox/internal/storage"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testUser(t *testing.T, db *DB) *domain.User {
	t.Helper()
	u := &domain.User{
		Email:        fmt.Sprintf("test-%s@example.com", uuid.New().String()[:8]),
		PasswordHash: "x",
		IsActive:     true,
	}
	if err := NewUserRepository(db.GormDB()).Create(context.Background(), u); err != nil {
		t.Fatalf("creating test user: %v", err)
	}
	return u
}

func TestUserEmailUniqueness(t *testing.T) {
	db := testDB(t)
	u := testUser(t, db)

	dup := &domain.User{Email: u.Email, PasswordHash: "y"}
	err := NewUserRepository(db.GormDB()).Create(context.Background(), dup)
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestProjectOwnerScope(t *testing.T) {
	db := testDB(t)
	alice := testUser(t, db)
	bob := testUser(t, db)
	repo := NewProjectRepository(db.GormDB())
	ctx := context.Background()

	p := &domain.Project{UserID: alice.ID, Name: "demo"}
	if err := repo.Create(ctx, p); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Get(ctx, bob.ID, p.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("bob sees alice's project: %v", err)
	}
	if err := repo.Delete(ctx, bob.ID, p.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("bob deleted alice's project: %v", err)
	}
	if err := repo.Delete(ctx, alice.ID, p.ID); err != nil {
		t.Errorf("owner delete: %v", err)
	}
}

// Concurrent creates of the same path must yield exactly one row.
func TestFilePathUniqueness_Concurrent(t *testing.T) {
	db := testDB(t)
	alice := testUser(t, db)
	ctx := context.Background()

	p := &domain.Project{UserID: alice.ID, Name: "race"}
	if err := NewProjectRepository(db.GormDB()).Create(ctx, p); err != nil {
		t.Fatal(err)
	}
	files := NewFileRepository(db.GormDB())

	const workers = 10
	var ok, conflict atomic.Int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			err := files.Create(ctx, &domain.File{ProjectID: p.ID, Name: "main.py", Path: "main.py"})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, storage.ErrConflict):
				conflict.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || conflict.Load() != workers-1 {
		t.Errorf("ok=%d conflict=%d, want 1/%d", ok.Load(), conflict.Load(), workers-1)
	}
}

func TestSessionEvents_NewestFirst(t *testing.T) {
	db := testDB(t)
	repo := NewSessionEventRepository(db.GormDB())
	ctx := context.Background()
	user, project := uuid.NewString(), uuid.NewString()

	for _, kind := range []domain.SessionEventKind{domain.SessionProvisioned, domain.SessionReleased} {
		if err := repo.Record(ctx, &domain.SessionEvent{UserID: user, ProjectID: project, Kind: kind}); err != nil {
			t.Fatal(err)
		}
	}
	events, err := repo.ListByProject(ctx, user, project, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Kind != domain.SessionReleased {
		t.Errorf("events = %+v", events)
	}
}
