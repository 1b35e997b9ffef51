package store

import (
	"fmt"
	"strings"

	domain "github.com/buildtrace/core/internal/domain"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Open connects to Postgres and migrates the full relational schema.
// Table layout and indices mirror the domain model one-to-one.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("store: missing dsn")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLogger.Default.LogMode(gormLogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("store: uuid-ossp extension: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate applies AutoMigrate for every domain entity.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Project{},
		&domain.DrawingVersion{},
		&domain.Job{},
		&domain.JobStage{},
		&domain.PageTask{},
		&domain.PageResult{},
		&domain.DiffResult{},
		&domain.ChangeSummary{},
		&domain.ManualOverlay{},
		&domain.JobEvent{},
	)
}
