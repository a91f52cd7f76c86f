// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionKey identifies one sandbox session. Equality is structural.
type SessionKey struct {
	UserID    string
	ProjectID string
}

// String renders the key as "<userID>:<projectID>".
func (k SessionKey) String() string {
	return k.UserID + ":" + k.ProjectID
}

// User is an account that owns projects.
type User struct {
	ID           uuid.UUID
	Username     string
	Email        string
	Name         string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Project groups files and owns at most one live sandbox session per user.
type Project struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// File is a project file. Path is relative to the project root and uses
// forward slashes.
type File struct {
	ID          uuid.UUID
	ProjectID   uuid.UUID
	Name        string
	Path        string
	Content     string
	IsDirectory bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SessionEventKind classifies a persisted session lifecycle event.
type SessionEventKind string

const (
	SessionProvisioned     SessionEventKind = "provisioned"
	SessionProvisionFailed SessionEventKind = "provision_failed"
	SessionReleased        SessionEventKind = "released"
)

// SessionEvent is an audit record of a session lifecycle transition.
type SessionEvent struct {
	ID        uuid.UUID
	UserID    string
	ProjectID string
	Kind      SessionEventKind
	Backend   string
	HandleID  string
	Reason    string // Teardown reason for released events.
	Detail    string // Error text for failures.
	CreatedAt time.Time
}
