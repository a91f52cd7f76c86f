package httpapi

import (
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/termbox/internal/domain"
	"github.com/jkaninda/termbox/internal/session"
)

const maxHistoryLimit = 500

// SessionResponse describes one live sandbox session.
type SessionResponse struct {
	ProjectID    string    `json:"project_id"`
	Backend      string    `json:"backend"`
	HandleID     string    `json:"handle_id"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	IdleSeconds  int64     `json:"idle_seconds"`
	Idle         string    `json:"idle"`
	ExpiresIn    string    `json:"expires_in"`
}

// SessionEventResponse is one persisted lifecycle event.
type SessionEventResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Backend   string    `json:"backend,omitempty"`
	HandleID  string    `json:"handle_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (g *Gateway) handleSessionList(c *okapi.Context) error {
	userID := c.GetString(userIDKey)
	now := time.Now()
	timeout := g.sessions.IdleTimeout()

	resp := []SessionResponse{}
	for _, s := range g.sessions.Sessions() {
		if s.Key.UserID != userID {
			continue
		}
		resp = append(resp, g.sessionResponse(s, now, timeout))
	}
	sort.Slice(resp, func(i, j int) bool { return resp[i].CreatedAt.Before(resp[j].CreatedAt) })
	return c.OK(resp)
}

func (g *Gateway) sessionResponse(s session.Session, now time.Time, timeout time.Duration) SessionResponse {
	idle := max(now.Sub(s.LastActiveAt), 0)
	remaining := max(timeout-idle, 0)
	r := SessionResponse{
		ProjectID:    s.Key.ProjectID,
		Backend:      g.sessions.BackendName(),
		State:        s.State.String(),
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
		IdleSeconds:  int64(idle / time.Second),
		Idle:         units.HumanDuration(idle),
		ExpiresIn:    units.HumanDuration(remaining),
	}
	if s.Handle != nil {
		r.HandleID = s.Handle.ID
	}
	return r
}

func (g *Gateway) handleSessionTerminate(c *okapi.Context) error {
	key := domain.SessionKey{UserID: c.GetString(userIDKey), ProjectID: c.Param("project_id")}
	if !g.sessions.Release(c.Context(), key, session.ReasonTerminated) {
		return notFound(c, "session")
	}
	g.detach(key)
	g.logger.Info("session terminated via api", slog.String("key", key.String()))
	return c.OK(StatusResponse{Status: "terminated"})
}

func (g *Gateway) handleSessionHistory(c *okapi.Context) error {
	p, err := g.ownedProject(c, c.Param("id"))
	if err != nil {
		return g.projectError(c, err)
	}

	limit := 0
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = min(n, maxHistoryLimit)
	}

	events, err := g.store.SessionEvents().ListByProject(c.Context(), p.UserID.String(), p.ID.String(), limit)
	if err != nil {
		return g.internalError(c, "listing session events", err)
	}
	resp := make([]SessionEventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, SessionEventResponse{
			ID:        e.ID.String(),
			Kind:      string(e.Kind),
			Backend:   e.Backend,
			HandleID:  e.HandleID,
			Reason:    e.Reason,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}
	return c.OK(resp)
}
