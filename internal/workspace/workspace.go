// Package workspace manages the on-disk project directories that sandboxes
// mount. Every project lives at <root>/<userID>/<projectID>/.
//
// Default workspace: ~/.termbox/workspace (configurable via config or TERMBOX_WORKSPACE env var).
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".termbox/workspace"

// ErrInvalidPath is returned when a project file path escapes the project directory.
var ErrInvalidPath = errors.New("invalid file path")

// Workspace resolves and creates per-project directories.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.termbox/workspace.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Project paths ---

// UserDir returns <root>/<userID>/ without creating it.
func (w *Workspace) UserDir(userID string) string {
	return filepath.Join(w.Root, sanitizeName(userID))
}

// ProjectDir returns <root>/<userID>/<projectID>/ and ensures it exists.
// This is the directory bind-mounted into the project's sandbox.
func (w *Workspace) ProjectDir(userID, projectID string) (string, error) {
	p := filepath.Join(w.UserDir(userID), sanitizeName(projectID))
	if err := w.ensureDir(p, 0750); err != nil {
		return "", err
	}
	return p, nil
}

// ProjectFilePath resolves a project-relative file path to an absolute
// path inside the project directory. Absolute paths and paths that climb
// out of the project are rejected.
func (w *Workspace) ProjectFilePath(userID, projectID, rel string) (string, error) {
	dir, err := w.ProjectDir(userID, projectID)
	if err != nil {
		return "", err
	}
	clean, err := CleanRelPath(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, clean), nil
}

// WriteFile writes content at the project-relative path, creating parent
// directories. A directory entry creates the directory only.
func (w *Workspace) WriteFile(userID, projectID, rel string, content []byte, isDir bool) error {
	p, err := w.ProjectFilePath(userID, projectID, rel)
	if err != nil {
		return err
	}
	if isDir {
		return os.MkdirAll(p, 0750)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return fmt.Errorf("creating parent of %s: %w", rel, err)
	}
	if err := os.WriteFile(p, content, 0640); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

// RemoveFile deletes the project-relative path. Missing paths are not an error.
func (w *Workspace) RemoveFile(userID, projectID, rel string) error {
	p, err := w.ProjectFilePath(userID, projectID, rel)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("removing %s: %w", rel, err)
	}
	return nil
}

// RenameFile moves a project-relative path. A missing source is not an
// error, so records created before their file was mirrored can be renamed.
func (w *Workspace) RenameFile(userID, projectID, oldRel, newRel string) error {
	from, err := w.ProjectFilePath(userID, projectID, oldRel)
	if err != nil {
		return err
	}
	to, err := w.ProjectFilePath(userID, projectID, newRel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0750); err != nil {
		return fmt.Errorf("creating parent of %s: %w", newRel, err)
	}
	if err := os.Rename(from, to); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("renaming %s to %s: %w", oldRel, newRel, err)
	}
	return nil
}

// RemoveProjectDir deletes the project's directory and everything in it.
func (w *Workspace) RemoveProjectDir(userID, projectID string) error {
	p := filepath.Join(w.UserDir(userID), sanitizeName(projectID))
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("removing project dir: %w", err)
	}
	w.mu.Lock()
	delete(w.created, p)
	w.mu.Unlock()
	return nil
}

// CleanRelPath normalizes a client-supplied file path. It must be relative
// and stay within its root after cleaning.
func CleanRelPath(rel string) (string, error) {
	rel = strings.ReplaceAll(rel, "\\", "/")
	if rel == "" || strings.HasPrefix(rel, "/") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	clean := filepath.Clean(rel)
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return clean, nil
}

// --- Internal helpers ---

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
