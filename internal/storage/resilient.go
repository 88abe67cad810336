package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/timeio/tsm-ingest/internal/circuitbreaker"
)

// ResilientBackend wraps a storage backend with circuit breaker and retry logic
type ResilientBackend struct {
	backend Backend
	cb      *circuitbreaker.CircuitBreaker
	logger  zerolog.Logger

	maxRetries    int
	retryDelay    time.Duration
	retryMaxDelay time.Duration
}

// ResilientConfig holds configuration for the resilient backend
type ResilientConfig struct {
	MaxFailures int
	Timeout     time.Duration

	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// DefaultResilientConfig returns default resilient backend configuration
func DefaultResilientConfig() *ResilientConfig {
	return &ResilientConfig{
		MaxFailures:   5,
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		RetryMaxDelay: 5 * time.Second,
	}
}

// NewResilientBackend creates a new resilient storage backend. Missing
// objects are answers, not failures: they are neither retried nor counted
// by the breaker.
func NewResilientBackend(backend Backend, cfg *ResilientConfig, logger zerolog.Logger) *ResilientBackend {
	if cfg == nil {
		cfg = DefaultResilientConfig()
	}

	return &ResilientBackend{
		backend: backend,
		cb: circuitbreaker.New(&circuitbreaker.Config{
			Name:        "storage",
			MaxFailures: cfg.MaxFailures,
			Timeout:     cfg.Timeout,
			Excluded:    func(err error) bool { return errors.Is(err, ErrNotFound) },
		}, logger),
		logger:        logger.With().Str("component", "resilient-storage").Logger(),
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		retryMaxDelay: cfg.RetryMaxDelay,
	}
}

// do runs fn with retries and exponential backoff
func (r *ResilientBackend) do(ctx context.Context, op, path string, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err := r.cb.Execute(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, ErrNotFound) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == r.maxRetries {
			break
		}

		delay := r.retryDelay * time.Duration(1<<uint(attempt))
		if delay > r.retryMaxDelay {
			delay = r.retryMaxDelay
		}

		r.logger.Warn().
			Err(err).
			Str("op", op).
			Str("path", path).
			Int("attempt", attempt+1).
			Int("max_retries", r.maxRetries).
			Dur("retry_delay", delay).
			Msg("Storage operation failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("storage %s failed after %d retries: %w", op, r.maxRetries, lastErr)
}

func (r *ResilientBackend) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := r.do(ctx, "stat", bucket+"/"+key, func(ctx context.Context) error {
		var err error
		info, err = r.backend.Stat(ctx, bucket, key)
		return err
	})
	return info, err
}

// Open retries only the request; a failure while reading the body surfaces
// to the caller.
func (r *ResilientBackend) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := r.do(ctx, "read", bucket+"/"+key, func(ctx context.Context) error {
		var err error
		rc, err = r.backend.Open(ctx, bucket, key)
		return err
	})
	return rc, err
}

func (r *ResilientBackend) SetTags(ctx context.Context, bucket, key string, tags map[string]string) error {
	return r.do(ctx, "tag", bucket+"/"+key, func(ctx context.Context) error {
		return r.backend.SetTags(ctx, bucket, key, tags)
	})
}

func (r *ResilientBackend) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := r.do(ctx, "list", bucket+"/"+prefix, func(ctx context.Context) error {
		var err error
		objects, err = r.backend.List(ctx, bucket, prefix)
		return err
	})
	return objects, err
}

// Close closes the underlying storage backend
func (r *ResilientBackend) Close() error {
	return r.backend.Close()
}

// Type returns the type of the wrapped backend
func (r *ResilientBackend) Type() string {
	return r.backend.Type()
}

// CircuitBreakerStats returns circuit breaker statistics
func (r *ResilientBackend) CircuitBreakerStats() circuitbreaker.Stats {
	return r.cb.Stats()
}
