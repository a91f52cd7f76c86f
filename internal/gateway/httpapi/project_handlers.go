package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/termbox/internal/domain"
	"github.com/jkaninda/termbox/internal/session"
	"github.com/jkaninda/termbox/internal/storage"
)

// ProjectRequest is the JSON body for POST /v1/projects.
type ProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ProjectResponse is the JSON response for project endpoints.
type ProjectResponse struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func projectResponse(p *domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID.String(),
		UserID:      p.UserID.String(),
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func (g *Gateway) handleProjectList(c *okapi.Context) error {
	uid, err := uuid.Parse(c.GetString(userIDKey))
	if err != nil {
		return c.OK([]ProjectResponse{})
	}
	projects, err := g.store.Projects().List(c.Context(), uid)
	if err != nil {
		return g.internalError(c, "listing projects", err)
	}
	resp := make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		resp = append(resp, projectResponse(p))
	}
	return c.OK(resp)
}

func (g *Gateway) handleProjectCreate(c *okapi.Context) error {
	uid, err := uuid.Parse(c.GetString(userIDKey))
	if err != nil {
		return c.AbortBadRequest("projects require a registered user")
	}

	var req ProjectRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return c.AbortBadRequest("name is required")
	}

	p := &domain.Project{
		ID:          uuid.New(),
		UserID:      uid,
		Name:        req.Name,
		Description: req.Description,
	}
	if err := g.store.Projects().Create(c.Context(), p); err != nil {
		return g.internalError(c, "creating project", err)
	}
	if _, err := g.workspace.ProjectDir(uid.String(), p.ID.String()); err != nil {
		g.logger.Warn("creating project directory",
			slog.String("project_id", p.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return c.JSON(http.StatusCreated, projectResponse(p))
}

func (g *Gateway) handleProjectGet(c *okapi.Context) error {
	p, err := g.ownedProject(c, c.Param("id"))
	if err != nil {
		return g.projectError(c, err)
	}
	return c.OK(projectResponse(p))
}

// handleProjectDelete tears down the project's live session before removing
// its records and working directory.
func (g *Gateway) handleProjectDelete(c *okapi.Context) error {
	p, err := g.ownedProject(c, c.Param("id"))
	if err != nil {
		return g.projectError(c, err)
	}

	key := domain.SessionKey{UserID: p.UserID.String(), ProjectID: p.ID.String()}
	g.sessions.Release(c.Context(), key, session.ReasonProjectDeleted)
	g.detach(key)

	if err := g.store.Projects().Delete(c.Context(), p.UserID, p.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFound(c, "project")
		}
		return g.internalError(c, "deleting project", err)
	}
	if err := g.workspace.RemoveProjectDir(key.UserID, key.ProjectID); err != nil {
		g.logger.Warn("removing project directory",
			slog.String("project_id", key.ProjectID),
			slog.String("error", err.Error()),
		)
	}

	g.logger.Info("project deleted", slog.String("key", key.String()))
	return c.OK(StatusResponse{Status: "deleted"})
}

var errBadID = errors.New("invalid id")

// ownedProject loads a project owned by the authenticated user.
func (g *Gateway) ownedProject(c *okapi.Context, rawID string) (*domain.Project, error) {
	uid, err := uuid.Parse(c.GetString(userIDKey))
	if err != nil {
		return nil, storage.ErrNotFound
	}
	pid, err := uuid.Parse(rawID)
	if err != nil {
		return nil, errBadID
	}
	return g.store.Projects().Get(c.Context(), uid, pid)
}

func (g *Gateway) projectError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, errBadID):
		return c.AbortBadRequest("invalid project id")
	case errors.Is(err, storage.ErrNotFound):
		return notFound(c, "project")
	default:
		return g.internalError(c, "loading project", err)
	}
}
