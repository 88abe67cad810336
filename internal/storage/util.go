package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/timeio/tsm-ingest/internal/errors"
	"github.com/timeio/tsm-ingest/internal/metrics"
)

// endOfText is appended by some loggers when a transfer completes
const endOfText = '\x03'

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Fetch reads a raw data file. Objects and inflated contents larger than
// maxSize are rejected with a UserInputError wrapping ErrObjectTooLarge.
// gzip and zstd content is inflated and a single trailing end-of-text byte
// is removed. maxSize <= 0 disables the limit.
func Fetch(ctx context.Context, b Backend, bucket, key string, maxSize int64) ([]byte, error) {
	m := metrics.Get()

	info, err := b.Stat(ctx, bucket, key)
	if err != nil {
		m.IncStorageErrors()
		return nil, err
	}
	if maxSize > 0 && info.Size > maxSize {
		return nil, tooLarge(bucket, key, info.Size, maxSize)
	}

	rc, err := b.Open(ctx, bucket, key)
	if err != nil {
		m.IncStorageErrors()
		return nil, err
	}
	defer rc.Close()

	raw, err := readLimited(rc, maxSize)
	if err != nil {
		m.IncStorageErrors()
		return nil, fmt.Errorf("failed to read %s/%s: %w", bucket, key, err)
	}
	if maxSize > 0 && int64(len(raw)) > maxSize {
		return nil, tooLarge(bucket, key, int64(len(raw)), maxSize)
	}
	m.IncStorageReads()
	m.IncStorageReadBytes(int64(len(raw)))

	data, err := Inflate(raw, maxSize)
	if err != nil {
		return nil, errors.WrapUser(err, fmt.Sprintf("Cannot decompress %s", key))
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, tooLarge(bucket, key, int64(len(data)), maxSize)
	}

	if n := len(data); n > 0 && data[n-1] == endOfText {
		data = data[:n-1]
	}
	return data, nil
}

// Inflate returns data decompressed when it starts with a gzip or zstd
// magic number, and unchanged otherwise. At most maxSize+1 bytes are
// produced so callers can detect oversized content.
func Inflate(data []byte, maxSize int64) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gzip reader: %w", err)
		}
		defer zr.Close()
		return readLimited(zr, maxSize)

	case bytes.HasPrefix(data, zstdMagic):
		opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
		if maxSize > 0 {
			opts = append(opts, zstd.WithDecoderMaxMemory(uint64(maxSize)+1))
		}
		zr, err := zstd.NewReader(bytes.NewReader(data), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize zstd reader: %w", err)
		}
		defer zr.Close()
		return readLimited(zr, maxSize)

	default:
		return data, nil
	}
}

func readLimited(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize > 0 {
		r = io.LimitReader(r, maxSize+1)
	}
	return io.ReadAll(r)
}

func tooLarge(bucket, key string, size, maxSize int64) error {
	return &errors.UserInputError{
		Msg: fmt.Sprintf("File %s/%s has %d bytes, more than the maximum of %d", bucket, key, size, maxSize),
		Err: errors.ErrObjectTooLarge,
	}
}
