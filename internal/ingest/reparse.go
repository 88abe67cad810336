package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timeio/tsm-ingest/internal/storage"
	"github.com/timeio/tsm-ingest/pkg/models"
)

// Reparser replays object creation notifications for every stored file of
// a thing, so the file ingest parses them again.
type Reparser struct {
	things    Things
	storage   storage.Backend
	publisher Publisher
	topic     string
	logger    zerolog.Logger
}

// NewReparser creates a reparser publishing to topic
func NewReparser(things Things, store storage.Backend, pub Publisher, topic string, logger zerolog.Logger) *Reparser {
	return &Reparser{
		things:    things,
		storage:   store,
		publisher: pub,
		topic:     topic,
		logger:    logger.With().Str("component", "reparse").Logger(),
	}
}

// Reparse announces all files of thing that match its filename pattern and
// returns how many were announced.
func (r *Reparser) Reparse(ctx context.Context, thing uuid.UUID) (int, error) {
	if _, err := r.things.ThingByUUID(ctx, thing); err != nil {
		return 0, err
	}
	store, err := r.things.S3Store(ctx, thing)
	if err != nil {
		return 0, err
	}

	objects, err := r.storage.List(ctx, store.Bucket, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list bucket %s: %w", store.Bucket, err)
	}

	count := 0
	for _, obj := range objects {
		if !MatchPattern(store.FilenamePattern, obj.Key) {
			continue
		}
		payload, err := json.Marshal(models.StorageEvent{
			EventName: models.EventObjectCreatedPut,
			Key:       store.Bucket + "/" + obj.Key,
		})
		if err != nil {
			return count, err
		}
		if err := r.publisher.Publish(ctx, r.topic, 1, payload); err != nil {
			return count, fmt.Errorf("failed to announce %s/%s: %w", store.Bucket, obj.Key, err)
		}
		r.logger.Debug().Str("bucket", store.Bucket).Str("key", obj.Key).Msg("Announced file")
		count++
	}

	r.logger.Info().
		Str("thing", thing.String()).
		Str("bucket", store.Bucket).
		Int("files", count).
		Int("skipped", len(objects)-count).
		Msg("Reparse requested")
	return count, nil
}
