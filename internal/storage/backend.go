package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/timeio/tsm-ingest/internal/config"
)

// ErrNotFound is returned when a bucket or object does not exist
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored raw object
type ObjectInfo struct {
	Bucket       string
	Key          string
	Size         int64
	LastModified time.Time
}

// Backend is the object store raw data files are read from. Objects are
// addressed by bucket and key; every thing owns one bucket.
type Backend interface {
	// Stat returns the object metadata, or ErrNotFound
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)

	// Open streams the object content. The caller must close the reader.
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// SetTags replaces the object tags
	SetTags(ctx context.Context, bucket, key string, tags map[string]string) error

	// List returns all objects of bucket whose key starts with prefix
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)

	// Close closes any resources held by the backend
	Close() error

	// Type returns the storage type identifier (e.g., "local", "s3")
	Type() string
}

// New creates the backend selected by cfg.Backend
func New(cfg config.StorageConfig, logger zerolog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "s3", "minio":
		return NewS3Backend(&S3Config{
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
		}, logger)
	case "local":
		return NewLocalBackend(cfg.LocalPath, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
