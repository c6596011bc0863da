package evidence

import (
	"context"
	"fmt"
)

// BackendType selects an evidence storage backend.
type BackendType string

const (
	BackendMemory BackendType = "memory"
	BackendSQLite BackendType = "sqlite"
	BackendS3     BackendType = "s3"
)

// BackendConfig carries the settings for every backend type.
type BackendConfig struct {
	Type       BackendType
	SQLitePath string
	S3         S3Config
}

// NewBackend builds the configured backend.
func NewBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	switch cfg.Type {
	case BackendMemory:
		return NewMemoryBackend(), nil
	case BackendSQLite, "":
		return NewSQLiteBackend(cfg.SQLitePath)
	case BackendS3:
		return NewS3Backend(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported evidence backend: %s", cfg.Type)
	}
}
