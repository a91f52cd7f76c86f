package postgres

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/termbox/internal/domain"
	"github.com/jkaninda/termbox/internal/storage"
)

// FileRepository manages project file records.
type FileRepository struct {
	db *gorm.DB
}

// NewFileRepository creates a FileRepository.
func NewFileRepository(db *gorm.DB) *FileRepository {
	return &FileRepository{db: db}
}

// Create inserts a file. A duplicate (project, path) yields storage.ErrConflict.
func (r *FileRepository) Create(ctx context.Context, f *domain.File) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	m := toFileModel(f)
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return translate("creating file", err)
	}
	f.CreatedAt, f.UpdatedAt = m.CreatedAt, m.UpdatedAt
	return nil
}

// Get retrieves a file by ID.
func (r *FileRepository) Get(ctx context.Context, id uuid.UUID) (*domain.File, error) {
	var m FileModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate("getting file", err)
	}
	return toFileDomain(&m), nil
}

// List returns the project's files ordered by path.
func (r *FileRepository) List(ctx context.Context, projectID uuid.UUID) ([]*domain.File, error) {
	var models []FileModel
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("path ASC").
		Find(&models).Error
	if err != nil {
		return nil, translate("listing files", err)
	}
	out := make([]*domain.File, len(models))
	for i := range models {
		out[i] = toFileDomain(&models[i])
	}
	return out, nil
}

// Update writes the name, path and content of an existing file.
func (r *FileRepository) Update(ctx context.Context, f *domain.File) error {
	res := r.db.WithContext(ctx).
		Model(&FileModel{}).
		Where("id = ?", f.ID).
		Updates(map[string]any{
			"name":    f.Name,
			"path":    f.Path,
			"content": f.Content,
		})
	if res.Error != nil {
		return translate("updating file", res.Error)
	}
	if res.RowsAffected == 0 {
		return translate("updating file", storage.ErrNotFound)
	}
	return nil
}

// Delete removes a file record.
func (r *FileRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&FileModel{}, "id = ?", id)
	if res.Error != nil {
		return translate("deleting file", res.Error)
	}
	if res.RowsAffected == 0 {
		return translate("deleting file", storage.ErrNotFound)
	}
	return nil
}
