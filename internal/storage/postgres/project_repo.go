package postgres

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/termbox/internal/domain"
	"github.com/jkaninda/termbox/internal/storage"
)

// ProjectRepository manages projects scoped to their owner.
type ProjectRepository struct {
	db *gorm.DB
}

// NewProjectRepository creates a ProjectRepository.
func NewProjectRepository(db *gorm.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// Create inserts a project.
func (r *ProjectRepository) Create(ctx context.Context, p *domain.Project) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m := &ProjectModel{
		ID:          p.ID,
		UserID:      p.UserID,
		Name:        p.Name,
		Description: p.Description,
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return translate("creating project", err)
	}
	p.CreatedAt, p.UpdatedAt = m.CreatedAt, m.UpdatedAt
	return nil
}

// Get returns the project if it exists and belongs to userID.
func (r *ProjectRepository) Get(ctx context.Context, userID, id uuid.UUID) (*domain.Project, error) {
	var m ProjectModel
	err := r.db.WithContext(ctx).
		Scopes(OwnerScope(userID)).
		First(&m, "id = ?", id).Error
	if err != nil {
		return nil, translate("getting project", err)
	}
	return toProjectDomain(&m), nil
}

// List returns the user's projects, oldest first.
func (r *ProjectRepository) List(ctx context.Context, userID uuid.UUID) ([]*domain.Project, error) {
	var models []ProjectModel
	err := r.db.WithContext(ctx).
		Scopes(OwnerScope(userID)).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, translate("listing projects", err)
	}
	out := make([]*domain.Project, len(models))
	for i := range models {
		out[i] = toProjectDomain(&models[i])
	}
	return out, nil
}

// Delete removes the project and its files in one transaction.
func (r *ProjectRepository) Delete(ctx context.Context, userID, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Scopes(OwnerScope(userID)).Delete(&ProjectModel{}, "id = ?", id)
		if res.Error != nil {
			return translate("deleting project", res.Error)
		}
		if res.RowsAffected == 0 {
			return translate("deleting project", storage.ErrNotFound)
		}
		if err := tx.Where("project_id = ?", id).Delete(&FileModel{}).Error; err != nil {
			return translate("deleting project files", err)
		}
		return nil
	})
}
