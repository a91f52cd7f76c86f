package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/termbox/internal/domain"
	"github.com/jkaninda/termbox/internal/storage"
	"github.com/jkaninda/termbox/internal/workspace"
)

// FileRequest is the JSON body for POST /v1/projects/{id}/files.
type FileRequest struct {
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"` // Defaults to name.
	Content     string `json:"content,omitempty"`
	IsDirectory bool   `json:"is_directory,omitempty"`
}

// FileUpdateRequest is the JSON body for PUT /v1/files/{id}.
type FileUpdateRequest struct {
	Content string `json:"content"`
}

// FileRenameRequest is the JSON body for POST /v1/files/{id}/rename.
type FileRenameRequest struct {
	Name string `json:"name"`
}

// FileResponse is the JSON response for file endpoints.
type FileResponse struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Content     string    `json:"content,omitempty"`
	IsDirectory bool      `json:"is_directory"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func fileResponse(f *domain.File) FileResponse {
	return FileResponse{
		ID:          f.ID.String(),
		ProjectID:   f.ProjectID.String(),
		Name:        f.Name,
		Path:        f.Path,
		Content:     f.Content,
		IsDirectory: f.IsDirectory,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
}

func (g *Gateway) handleFileList(c *okapi.Context) error {
	p, err := g.ownedProject(c, c.Param("id"))
	if err != nil {
		return g.projectError(c, err)
	}
	files, err := g.store.Files().List(c.Context(), p.ID)
	if err != nil {
		return g.internalError(c, "listing files", err)
	}
	resp := make([]FileResponse, 0, len(files))
	for _, f := range files {
		resp = append(resp, fileResponse(f))
	}
	return c.OK(resp)
}

func (g *Gateway) handleFileCreate(c *okapi.Context) error {
	p, err := g.ownedProject(c, c.Param("id"))
	if err != nil {
		return g.projectError(c, err)
	}

	var req FileRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	raw := req.Path
	if raw == "" {
		raw = req.Name
	}
	rel, err := cleanPath(raw)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	f := &domain.File{
		ID:          uuid.New(),
		ProjectID:   p.ID,
		Name:        path.Base(rel),
		Path:        rel,
		Content:     req.Content,
		IsDirectory: req.IsDirectory,
	}
	if f.IsDirectory {
		f.Content = ""
	}
	if err := g.store.Files().Create(c.Context(), f); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return conflict(c, "a file already exists at "+rel)
		}
		return g.internalError(c, "creating file", err)
	}

	if err := g.workspace.WriteFile(p.UserID.String(), p.ID.String(), rel, []byte(f.Content), f.IsDirectory); err != nil {
		_ = g.store.Files().Delete(c.Context(), f.ID)
		return g.internalError(c, "writing file", err)
	}
	return c.JSON(http.StatusCreated, fileResponse(f))
}

func (g *Gateway) handleFileGet(c *okapi.Context) error {
	f, _, err := g.ownedFile(c)
	if err != nil {
		return g.fileError(c, err)
	}
	return c.OK(fileResponse(f))
}

func (g *Gateway) handleFileUpdate(c *okapi.Context) error {
	f, p, err := g.ownedFile(c)
	if err != nil {
		return g.fileError(c, err)
	}
	if f.IsDirectory {
		return c.AbortBadRequest("directories have no content")
	}

	var req FileUpdateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	f.Content = req.Content
	if err := g.store.Files().Update(c.Context(), f); err != nil {
		return g.fileError(c, err)
	}
	if err := g.workspace.WriteFile(p.UserID.String(), p.ID.String(), f.Path, []byte(f.Content), false); err != nil {
		return g.internalError(c, "writing file", err)
	}
	return c.OK(fileResponse(f))
}

// handleFileRename renames a file within its directory. Renaming a directory
// moves every record beneath it.
func (g *Gateway) handleFileRename(c *okapi.Context) error {
	f, p, err := g.ownedFile(c)
	if err != nil {
		return g.fileError(c, err)
	}

	var req FileRenameRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return c.AbortBadRequest("name must be a single path segment")
	}

	oldPath := f.Path
	newPath := path.Join(path.Dir(oldPath), name)
	if newPath == oldPath {
		return c.OK(fileResponse(f))
	}

	f.Name = name
	f.Path = newPath
	if err := g.store.Files().Update(c.Context(), f); err != nil {
		return g.fileError(c, err)
	}

	if f.IsDirectory {
		if err := g.moveChildren(c, p.ID, oldPath, newPath); err != nil {
			return g.fileError(c, err)
		}
	}

	if err := g.workspace.RenameFile(p.UserID.String(), p.ID.String(), oldPath, newPath); err != nil {
		return g.internalError(c, "renaming file", err)
	}
	return c.OK(fileResponse(f))
}

func (g *Gateway) moveChildren(c *okapi.Context, projectID uuid.UUID, oldDir, newDir string) error {
	files, err := g.store.Files().List(c.Context(), projectID)
	if err != nil {
		return err
	}
	for _, child := range files {
		rest, ok := strings.CutPrefix(child.Path, oldDir+"/")
		if !ok {
			continue
		}
		child.Path = newDir + "/" + rest
		if err := g.store.Files().Update(c.Context(), child); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) handleFileDelete(c *okapi.Context) error {
	f, p, err := g.ownedFile(c)
	if err != nil {
		return g.fileError(c, err)
	}

	if f.IsDirectory {
		files, err := g.store.Files().List(c.Context(), p.ID)
		if err != nil {
			return g.internalError(c, "listing files", err)
		}
		for _, child := range files {
			if strings.HasPrefix(child.Path, f.Path+"/") {
				if err := g.store.Files().Delete(c.Context(), child.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
					return g.internalError(c, "deleting file", err)
				}
			}
		}
	}
	if err := g.store.Files().Delete(c.Context(), f.ID); err != nil {
		return g.fileError(c, err)
	}
	if err := g.workspace.RemoveFile(p.UserID.String(), p.ID.String(), f.Path); err != nil {
		g.logger.Warn("removing file from workspace",
			slog.String("file_id", f.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return c.OK(StatusResponse{Status: "deleted"})
}

// ownedFile loads a file and the project it belongs to, scoped to the
// authenticated user. Files of other users' projects are reported as missing.
func (g *Gateway) ownedFile(c *okapi.Context) (*domain.File, *domain.Project, error) {
	fid, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, nil, errBadID
	}
	f, err := g.store.Files().Get(c.Context(), fid)
	if err != nil {
		return nil, nil, err
	}
	p, err := g.ownedProject(c, f.ProjectID.String())
	if err != nil {
		return nil, nil, err
	}
	return f, p, nil
}

func (g *Gateway) fileError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, errBadID):
		return c.AbortBadRequest("invalid file id")
	case errors.Is(err, storage.ErrNotFound):
		return notFound(c, "file")
	case errors.Is(err, storage.ErrConflict):
		return conflict(c, "a file already exists at that path")
	default:
		return g.internalError(c, "file operation", err)
	}
}

// cleanPath normalizes a client path to a slash-separated project-relative path.
func cleanPath(raw string) (string, error) {
	rel, err := workspace.CleanRelPath(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", workspace.ErrInvalidPath
	}
	return filepath.ToSlash(rel), nil
}
