package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/jkaninda/termbox/internal/domain"
	"github.com/jkaninda/termbox/internal/storage"
)

type memUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]*domain.User
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[uuid.UUID]*domain.User)}
}

func (s *memUsers) Create(_ context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return storage.ErrConflict
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *memUsers) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memUsers) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == strings.ToLower(email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(Config{Secret: "test-secret"}, newMemUsers())
	m.cost = bcrypt.MinCost
	return m
}

func TestRegisterAndLogin(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	u, err := m.Register(ctx, RegisterInput{Email: " Alice@Example.com ", Password: "correct-horse", Name: "Alice"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Email != "alice@example.com" {
		t.Errorf("email = %q", u.Email)
	}
	if u.PasswordHash == "correct-horse" {
		t.Error("password stored in clear")
	}

	tok, got, err := m.Login(ctx, "alice@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("login user = %v, want %v", got.ID, u.ID)
	}
	if tok.TokenType != "bearer" || tok.ExpiresIn != 1800 {
		t.Errorf("token = %+v", tok)
	}

	claims, err := m.ValidateToken(tok.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID() != u.ID.String() {
		t.Errorf("subject = %q", claims.UserID())
	}
}

func TestRegister_Validation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   RegisterInput
		want error
	}{
		{"bad email", RegisterInput{Email: "nope", Password: "longenough"}, ErrInvalidEmail},
		{"short password", RegisterInput{Email: "a@b.c", Password: "short"}, ErrWeakPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Register(ctx, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := m.Register(ctx, RegisterInput{Email: "a@b.c", Password: "longenough"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Register(ctx, RegisterInput{Email: "A@B.C", Password: "longenough"}); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate err = %v, want ErrUserExists", err)
	}
}

func TestLogin_Failures(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Register(ctx, RegisterInput{Email: "a@b.c", Password: "longenough"}); err != nil {
		t.Fatal(err)
	}

	if _, _, err := m.Login(ctx, "a@b.c", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password err = %v", err)
	}
	if _, _, err := m.Login(ctx, "missing@b.c", "longenough"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user err = %v", err)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	m := newTestManager(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	tok, err := m.IssueToken(&domain.User{ID: uuid.New(), Email: "a@b.c"})
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(31 * time.Minute)
	if _, err := m.ValidateToken(tok.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestValidateToken_Rejects(t *testing.T) {
	m := newTestManager(t)
	other := NewManager(Config{Secret: "other-secret"}, newMemUsers())
	user := &domain.User{ID: uuid.New(), Email: "a@b.c"}

	foreign, err := other.IssueToken(user)
	if err != nil {
		t.Fatal(err)
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: user.ID.String(), Issuer: "termbox"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "not-a-uuid", Issuer: "termbox"}).
		SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}

	for name, tok := range map[string]string{
		"garbage":      "abc.def.ghi",
		"wrong secret": foreign.AccessToken,
		"alg none":     none,
		"bad subject":  badSubject,
		"empty":        "",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := m.ValidateToken(tok); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}
