package postgres

import (
	"gorm.io/gorm"

	"github.com/jkaninda/linesim/internal/storage"
)

// FilterScope returns a GORM scope applying the non-zero fields of f.
func FilterScope(f storage.RunFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.Robot != "" {
			db = db.Where("robot = ?", f.Robot)
		}
		if f.Track != "" {
			db = db.Where("track = ?", f.Track)
		}
		if f.Status != "" {
			db = db.Where("status = ?", f.Status)
		}
		if f.ModuleSHA256 != "" {
			db = db.Where("module_sha256 = ?", f.ModuleSHA256)
		}
		return db
	}
}

// PageScope applies the filter's limit and offset.
func PageScope(f storage.RunFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		db = db.Limit(f.EffectiveLimit())
		if f.Offset > 0 {
			db = db.Offset(f.Offset)
		}
		return db
	}
}
