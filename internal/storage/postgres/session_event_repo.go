package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/termbox/internal/domain"
)

const defaultEventLimit = 50

// SessionEventRepository persists session lifecycle events.
type SessionEventRepository struct {
	db *gorm.DB
}

// NewSessionEventRepository creates a SessionEventRepository.
func NewSessionEventRepository(db *gorm.DB) *SessionEventRepository {
	return &SessionEventRepository{db: db}
}

// Record appends an event.
func (r *SessionEventRepository) Record(ctx context.Context, e *domain.SessionEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(toSessionEventModel(e)).Error; err != nil {
		return translate("recording session event", err)
	}
	return nil
}

// ListByProject returns the newest events for (userID, projectID) first.
func (r *SessionEventRepository) ListByProject(ctx context.Context, userID, projectID string, limit int) ([]*domain.SessionEvent, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	var models []SessionEventModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND project_id = ?", userID, projectID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, translate("listing session events", err)
	}
	out := make([]*domain.SessionEvent, len(models))
	for i := range models {
		out[i] = toSessionEventDomain(&models[i])
	}
	return out, nil
}
