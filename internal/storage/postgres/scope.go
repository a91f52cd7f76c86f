package postgres

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OwnerScope returns a GORM scope that filters by user_id.
// Every project query applies it so users only see their own projects.
func OwnerScope(userID uuid.UUID) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("user_id = ?", userID)
	}
}
