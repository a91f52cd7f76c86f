package postgres

import (
	"time"

	"github.com/google/uuid"
)

// UserModel maps to the "users" table.
type UserModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username     string    `gorm:"index"`
	Email        string    `gorm:"not null;uniqueIndex"`
	Name         string
	PasswordHash string `gorm:"not null"`
	IsActive     bool   `gorm:"not null;default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (UserModel) TableName() string { return "users" }

// ProjectModel maps to the "projects" table.
type ProjectModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID      uuid.UUID `gorm:"type:uuid;not null;index"`
	Name        string    `gorm:"not null"`
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ProjectModel) TableName() string { return "projects" }

// FileModel maps to the "files" table.
type FileModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_files_project_path"`
	Name        string    `gorm:"not null"`
	Path        string    `gorm:"not null;uniqueIndex:idx_files_project_path"`
	Content     string    `gorm:"type:text"`
	IsDirectory bool      `gorm:"not null;default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (FileModel) TableName() string { return "files" }

// SessionEventModel maps to the "session_events" table.
type SessionEventModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"not null;index:idx_session_events_owner"`
	ProjectID string    `gorm:"not null;index:idx_session_events_owner"`
	Kind      string    `gorm:"not null"`
	Backend   string
	HandleID  string
	Reason    string
	Detail    string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

func (SessionEventModel) TableName() string { return "session_events" }

// AllModels lists every model in FK-dependency order for AutoMigrate.
func AllModels() []any {
	return []any{
		&UserModel{},
		&ProjectModel{},
		&FileModel{},
		&SessionEventModel{},
	}
}
