package postgres

import (
	"github.com/jkaninda/termbox/internal/domain"
)

// --- User ---

func toUserDomain(m *UserModel) *domain.User {
	return &domain.User{
		ID:           m.ID,
		Username:     m.Username,
		Email:        m.Email,
		Name:         m.Name,
		PasswordHash: m.PasswordHash,
		IsActive:     m.IsActive,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func toUserModel(u *domain.User) *UserModel {
	return &UserModel{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		Name:         u.Name,
		PasswordHash: u.PasswordHash,
		IsActive:     u.IsActive,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

// --- Project ---

func toProjectDomain(m *ProjectModel) *domain.Project {
	return &domain.Project{
		ID:          m.ID,
		UserID:      m.UserID,
		Name:        m.Name,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

// --- File ---

func toFileDomain(m *FileModel) *domain.File {
	return &domain.File{
		ID:          m.ID,
		ProjectID:   m.ProjectID,
		Name:        m.Name,
		Path:        m.Path,
		Content:     m.Content,
		IsDirectory: m.IsDirectory,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func toFileModel(f *domain.File) *FileModel {
	return &FileModel{
		ID:          f.ID,
		ProjectID:   f.ProjectID,
		Name:        f.Name,
		Path:        f.Path,
		Content:     f.Content,
		IsDirectory: f.IsDirectory,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
}

// --- Session events ---

func toSessionEventDomain(m *SessionEventModel) *domain.SessionEvent {
	return &domain.SessionEvent{
		ID:        m.ID,
		UserID:    m.UserID,
		ProjectID: m.ProjectID,
		Kind:      domain.SessionEventKind(m.Kind),
		Backend:   m.Backend,
		HandleID:  m.HandleID,
		Reason:    m.Reason,
		Detail:    m.Detail,
		CreatedAt: m.CreatedAt,
	}
}

func toSessionEventModel(e *domain.SessionEvent) *SessionEventModel {
	return &SessionEventModel{
		ID:        e.ID,
		UserID:    e.UserID,
		ProjectID: e.ProjectID,
		Kind:      string(e.Kind),
		Backend:   e.Backend,
		HandleID:  e.HandleID,
		Reason:    e.Reason,
		Detail:    e.Detail,
		CreatedAt: e.CreatedAt,
	}
}
