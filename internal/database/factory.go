package database

import (
	"fmt"
	"os"
	"path/filepath"

	"labsync/internal/config"
)

// NewDatabaseFromConfig creates the entity tier based on the database config type.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, deviceID string) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dbPath := filepath.Join(cfg.DataDir, deviceID+".db")
		return NewSQLiteDatabase(dbPath)
	case "memory":
		return NewSQLiteDatabase(":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
