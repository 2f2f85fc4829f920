package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// schemaVersion is the single row recording the last applied step.
type schemaVersion struct {
	ID        string `gorm:"primarykey"`
	UpdatedAt time.Time

	Version int `gorm:"not null;default:0"`
}

func (schemaVersion) TableName() string {
	return "schema_versions"
}

type step struct {
	name string
	run  func(db *gorm.DB) error
}

// steps run in order on databases created by an older release. Fresh
// databases start at the last version.
var steps = []step{
	{
		name: "flag completed jobs without durable storage",
		run: func(db *gorm.DB) error {
			if !db.Migrator().HasColumn(&Job{}, "migration_failed") {
				if err := db.Migrator().AddColumn(&Job{}, "MigrationFailed"); err != nil {
					return err
				}
			}
			return db.Model(&Job{}).
				Where("status = ? AND storage_url IS NULL", Completed).
				Update("migration_failed", true).Error
		},
	},
}

func (s *Store) customMigrate(ctx context.Context, init bool) error {
	last := len(steps)
	db := s.db.WithContext(ctx)

	if !db.Migrator().HasTable(&schemaVersion{}) {
		if err := db.Migrator().CreateTable(&schemaVersion{}); err != nil {
			return fmt.Errorf("storage: failed to create table schema_versions: %w", err)
		}
		var version int
		if init {
			version = last
		}
		if err := db.Create(&schemaVersion{ID: ulid.Make().String(), Version: version}).Error; err != nil {
			return fmt.Errorf("storage: failed to save schema version: %w", err)
		}
		if init {
			return nil
		}
	}

	var current schemaVersion
	if err := db.First(&current).Error; err != nil {
		return fmt.Errorf("storage: failed to get schema version: %w", err)
	}
	for i := current.Version; i < last; i++ {
		st := steps[i]
		log.Info().Int("version", i+1).Msg("storage: migration: " + st.name)
		if err := st.run(db); err != nil {
			return fmt.Errorf("storage: migration %d: %w", i+1, err)
		}
		current.Version = i + 1
		if err := db.Save(&current).Error; err != nil {
			return fmt.Errorf("storage: failed to save schema version: %w", err)
		}
	}
	return nil
}
