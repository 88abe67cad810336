package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// tagDir holds the tag sidecars, outside every bucket
const tagDir = ".tags"

// LocalBackend serves buckets as directories below a base path. It is used
// for development and for ingesting files dropped on a shared volume.
type LocalBackend struct {
	basePath string
	logger   zerolog.Logger
}

// NewLocalBackend creates a new local filesystem storage backend
func NewLocalBackend(basePath string, logger zerolog.Logger) (*LocalBackend, error) {
	// Absolute, so filepath.Rel works during List
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	return &LocalBackend{
		basePath: absPath,
		logger:   logger.With().Str("component", "local-storage").Logger(),
	}, nil
}

// Put stores data atomically (temp file, then rename). Tags of a replaced
// object are dropped.
func (b *LocalBackend) Put(ctx context.Context, bucket, key string, data []byte) error {
	fullPath, err := b.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := writeAtomic(fullPath, data); err != nil {
		return err
	}
	if tagPath, err := b.tagPath(bucket, key); err == nil {
		os.Remove(tagPath)
	}

	b.logger.Debug().Str("bucket", bucket).Str("key", key).Int("size", len(data)).Msg("Wrote object")
	return nil
}

// Stat returns the file size and modification time
func (b *LocalBackend) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	fullPath, err := b.objectPath(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, fmt.Errorf("stat %s/%s: %w", bucket, key, ErrNotFound)
		}
		return ObjectInfo{}, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return ObjectInfo{}, fmt.Errorf("stat %s/%s: %w", bucket, key, ErrNotFound)
	}
	return ObjectInfo{Bucket: bucket, Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

// Open opens the file for reading
func (b *LocalBackend) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	fullPath, err := b.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// SetTags writes the tags to a JSON sidecar
func (b *LocalBackend) SetTags(ctx context.Context, bucket, key string, tags map[string]string) error {
	if _, err := b.Stat(ctx, bucket, key); err != nil {
		return err
	}
	tagPath, err := b.tagPath(bucket, key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	return writeAtomic(tagPath, data)
}

// Tags returns the tags set on an object, empty if none
func (b *LocalBackend) Tags(ctx context.Context, bucket, key string) (map[string]string, error) {
	tagPath, err := b.tagPath(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(tagPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read tags: %w", err)
	}
	tags := map[string]string{}
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	return tags, nil
}

// List walks the bucket directory. Keys use forward slashes and come back
// sorted.
func (b *LocalBackend) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	root, err := b.objectPath(bucket, "")
	if err != nil {
		return nil, err
	}

	var results []ObjectInfo
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		// Skip hidden files (temp files, .DS_Store)
		if strings.HasPrefix(info.Name(), ".") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		results = append(results, ObjectInfo{Bucket: bucket, Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results, nil
}

// Close closes any resources held by the backend (no-op for local storage)
func (b *LocalBackend) Close() error {
	return nil
}

// GetBasePath returns the base path for the local storage
func (b *LocalBackend) GetBasePath() string {
	return b.basePath
}

// Type returns the storage type identifier
func (b *LocalBackend) Type() string {
	return "local"
}

func (b *LocalBackend) objectPath(bucket, key string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || strings.HasPrefix(bucket, ".") {
		return "", fmt.Errorf("invalid bucket name %q", bucket)
	}
	return b.validatePath(bucket + "/" + key)
}

func (b *LocalBackend) tagPath(bucket, key string) (string, error) {
	if _, err := b.objectPath(bucket, key); err != nil {
		return "", err
	}
	return b.validatePath(tagDir + "/" + bucket + "/" + key + ".json")
}

// sanitizePath removes any potentially dangerous path components
func sanitizePath(path string) string {
	path = strings.TrimPrefix(path, "/")
	path = strings.ReplaceAll(path, "..", "_")
	path = strings.ReplaceAll(path, "\x00", "")
	return path
}

// validatePath ensures the resolved path stays within the base path
func (b *LocalBackend) validatePath(path string) (string, error) {
	fullPath := filepath.Join(b.basePath, sanitizePath(path))
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	relPath, err := filepath.Rel(b.basePath, absPath)
	if err != nil {
		return "", fmt.Errorf("path traversal detected")
	}
	if strings.HasPrefix(relPath, "..") {
		return "", fmt.Errorf("path traversal detected: path escapes base directory")
	}
	return absPath, nil
}

func writeAtomic(fullPath string, data []byte) error {
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tsm-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	_, writeErr := tmpFile.Write(data)
	closeErr := tmpFile.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
