package postgres

import (
	"gorm.io/gorm"

	"github.com/jkaninda/cubelink/internal/domain"
	"github.com/jkaninda/cubelink/internal/storage"
)

// RunFilterScope returns a GORM scope applying a run filter. Empty fields
// are not filtered on.
func RunFilterScope(f domain.RunFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.UserID != "" {
			db = db.Where("user_id = ?", f.UserID)
		}
		if f.Port != "" {
			db = db.Where("port = ?", f.Port)
		}
		if f.Status != "" {
			db = db.Where("status = ?", string(f.Status))
		}
		limit := f.Limit
		if limit <= 0 {
			limit = storage.DefaultListLimit
		}
		return db.Limit(limit)
	}
}
