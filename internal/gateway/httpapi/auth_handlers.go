package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/termbox/internal/auth"
	"github.com/jkaninda/termbox/internal/domain"
	"github.com/jkaninda/termbox/internal/storage"
)

// RegisterRequest is the JSON body for POST /v1/auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
}

// LoginRequest is the JSON body for POST /v1/auth/token and /v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries an issued access token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// UserResponse is the public view of a user.
type UserResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username,omitempty"`
	Name      string    `json:"name,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

func userResponse(u *domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID.String(),
		Email:     u.Email,
		Username:  u.Username,
		Name:      u.Name,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
	}
}

func (g *Gateway) handleRegister(c *okapi.Context) error {
	if !g.allowIP(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	user, err := g.auth.Register(c.Context(), auth.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Username: req.Username,
	})
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrWeakPassword):
		return c.AbortBadRequest(err.Error())
	case errors.Is(err, auth.ErrUserExists):
		return conflict(c, "email already registered")
	default:
		return g.internalError(c, "registering user", err)
	}

	g.logger.Info("user registered", slog.String("user_id", user.ID.String()))
	return c.JSON(http.StatusCreated, userResponse(user))
}

func (g *Gateway) handleLogin(c *okapi.Context) error {
	if !g.allowIP(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Email == "" || req.Password == "" {
		return c.AbortBadRequest("email and password are required")
	}

	tok, _, err := g.auth.Login(c.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return c.AbortUnauthorized("incorrect email or password")
		}
		return g.internalError(c, "logging in", err)
	}
	return c.OK(TokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresIn:   tok.ExpiresIn,
	})
}

func (g *Gateway) handleMe(c *okapi.Context) error {
	uid, err := uuid.Parse(c.GetString(userIDKey))
	if err != nil {
		return notFound(c, "user")
	}
	user, err := g.auth.User(c.Context(), uid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFound(c, "user")
		}
		return g.internalError(c, "loading user", err)
	}
	return c.OK(userResponse(user))
}

// allowIP applies the rate limiter to unauthenticated requests by client address.
func (g *Gateway) allowIP(c *okapi.Context) bool {
	if g.limiter == nil {
		return true
	}
	return g.limiter.Allow("ip:"+clientIP(c.Request())) == nil
}

// internalError logs err under a correlation ID that is returned to the client.
func (g *Gateway) internalError(c *okapi.Context, op string, err error) error {
	correlationID := newCorrelationID()
	g.logger.Error("request failed",
		slog.String("op", op),
		slog.String("correlation_id", correlationID),
		slog.String("error", err.Error()),
	)
	return c.AbortInternalServerError("internal error (ref " + correlationID + ")")
}
