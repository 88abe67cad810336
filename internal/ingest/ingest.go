// Package ingest holds the use cases run by the dispatch loop: parsing raw
// files announced by object storage notifications, parsing MQTT device
// messages, and re-announcing the files of a thing for a reparse.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/timeio/tsm-ingest/internal/configdb"
	"github.com/timeio/tsm-ingest/internal/metrics"
	"github.com/timeio/tsm-ingest/internal/parser"
	"github.com/timeio/tsm-ingest/pkg/models"
)

// Things looks up registered things in the configuration database
type Things interface {
	ThingByUUID(ctx context.Context, id uuid.UUID) (configdb.Thing, error)
	ThingByBucket(ctx context.Context, bucket string) (configdb.Thing, error)
	ThingByMQTTUser(ctx context.Context, user string) (configdb.MQTTThing, error)
	S3Store(ctx context.Context, thing uuid.UUID) (configdb.S3Store, error)
	FileParser(ctx context.Context, thing uuid.UUID) (configdb.FileParser, error)
}

// Database stores observations and raw MQTT messages
type Database interface {
	UpsertObservations(ctx context.Context, thing uuid.UUID, observations []models.Observation) error
	InsertMQTTMessage(ctx context.Context, thing uuid.UUID, message any, receivedAt time.Time) error
}

// Journal reports the outcome of a parse to the owner of a thing
type Journal interface {
	Info(ctx context.Context, thing uuid.UUID, msg string) error
	Warning(ctx context.Context, thing uuid.UUID, msg string) error
	Error(ctx context.Context, thing uuid.UUID, msg string) error
}

// Publisher sends MQTT messages
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// MappingWriter persists position to header mappings
type MappingWriter interface {
	Write(project string, thing uuid.UUID, m *parser.MappingArtifact) (string, error)
}

// publishParsed announces that new observations of thing were stored
func publishParsed(ctx context.Context, pub Publisher, topic string, qos byte, thing uuid.UUID) error {
	payload, err := json.Marshal(models.DataParsedEvent{ThingUUID: thing.String()})
	if err != nil {
		return err
	}
	if err := pub.Publish(ctx, topic, qos, payload); err != nil {
		return fmt.Errorf("failed to publish data parsed event: %w", err)
	}
	return nil
}

// countTypes feeds the per result type observation counters
func countTypes(obs []models.Observation) {
	counts := make(map[models.ResultType]int, 4)
	for _, o := range obs {
		counts[o.ResultType]++
	}
	for t, n := range counts {
		metrics.Get().IncObservations(t.String(), n)
	}
}
