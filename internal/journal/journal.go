// Package journal writes user-facing messages about a thing's ingestion to
// the journal endpoint of the database API.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timeio/tsm-ingest/internal/config"
	"github.com/timeio/tsm-ingest/internal/metrics"
	"github.com/timeio/tsm-ingest/pkg/models"
)

// Strategy decides what happens when an entry cannot be stored
type Strategy string

const (
	StrategyRaise  Strategy = "raise"  // return the error to the caller
	StrategyWarn   Strategy = "warn"   // log a warning and carry on
	StrategyIgnore Strategy = "ignore" // carry on silently
)

// ParseStrategy validates a configured strategy name
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRaise, StrategyWarn, StrategyIgnore:
		return Strategy(s), nil
	case "":
		return StrategyWarn, nil
	}
	return "", fmt.Errorf("journal error strategy must be one of raise, warn, ignore; got %q", s)
}

// Sender delivers entries
type Sender interface {
	PostJournal(ctx context.Context, thing uuid.UUID, entry models.JournalEntry) error
}

// Journal writes entries under one origin name
type Journal struct {
	origin   string
	sender   Sender
	enabled  bool
	strategy Strategy
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a journal for origin. A disabled journal only logs.
func New(origin string, sender Sender, cfg config.JournalConfig, logger zerolog.Logger) (*Journal, error) {
	strategy, err := ParseStrategy(cfg.Errors)
	if err != nil {
		return nil, err
	}
	j := &Journal{
		origin:   origin,
		sender:   sender,
		enabled:  cfg.Enabled && sender != nil,
		strategy: strategy,
		logger:   logger.With().Str("component", "journal").Str("origin", origin).Logger(),
		now:      time.Now,
	}
	if !j.enabled {
		j.logger.Warn().Msg("Journaling is disabled")
	}
	return j, nil
}

// Info journals msg for thing at INFO level
func (j *Journal) Info(ctx context.Context, thing uuid.UUID, msg string) error {
	return j.write(ctx, thing, models.JournalInfo, msg)
}

// Warning journals msg for thing at WARNING level
func (j *Journal) Warning(ctx context.Context, thing uuid.UUID, msg string) error {
	return j.write(ctx, thing, models.JournalWarning, msg)
}

// Error journals msg for thing at ERROR level
func (j *Journal) Error(ctx context.Context, thing uuid.UUID, msg string) error {
	return j.write(ctx, thing, models.JournalError, msg)
}

func (j *Journal) write(ctx context.Context, thing uuid.UUID, level, msg string) error {
	j.logger.Info().Str("thing", thing.String()).Str("level", level).Msg(msg)
	if !j.enabled {
		return nil
	}

	entry := models.JournalEntry{
		Timestamp: j.now().UTC().Format(time.RFC3339Nano),
		Message:   msg,
		Level:     level,
		Origin:    j.origin,
	}
	err := j.sender.PostJournal(ctx, thing, entry)
	if err == nil {
		metrics.Get().IncJournalEntries()
		return nil
	}

	metrics.Get().IncJournalErrors()
	switch j.strategy {
	case StrategyRaise:
		return fmt.Errorf("storing message to journal failed: %w", err)
	case StrategyWarn:
		j.logger.Warn().Err(err).Str("thing", thing.String()).Msg("Storing message to journal failed")
	default:
		j.logger.Debug().Err(err).Str("thing", thing.String()).Msg("Storing message to journal failed")
	}
	return nil
}
