// Package store holds the gorm models and typed queries the sync core reads
// and writes. Schema design beyond these tables belongs to the main
// application; this package only touches what the pipeline needs.
package store

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the database handle with the typed queries the core uses.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open establishes a SQLite connection and performs schema migrations.
func Open(path string, log *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&User{},
		&Favorite{},
		&NotificationPreferences{},
		&Notification{},
		&ChatIntegration{},
		&BackfillState{},
		&BackfillPackage{},
	); err != nil {
		return nil, err
	}

	log.Info("database initialized", zap.String("path", path))

	return &Store{db: db, logger: log}, nil
}

// NewWithDB wraps an already-open gorm handle. Used by tests.
func NewWithDB(db *gorm.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, logger: log}
}

// DB exposes the underlying handle for collaborators that run their own
// queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}
