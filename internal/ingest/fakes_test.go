package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timeio/tsm-ingest/internal/configdb"
	"github.com/timeio/tsm-ingest/internal/errors"
	"github.com/timeio/tsm-ingest/internal/storage"
	"github.com/timeio/tsm-ingest/pkg/models"
)

var thingID = uuid.MustParse("0a308373-ab29-4317-b351-1443e8a1babd")

type fakeThings struct {
	thing      configdb.Thing
	bucket     string
	store      configdb.S3Store
	fileParser configdb.FileParser
	mqttUser   string
	deviceType string
}

func newFakeThings() *fakeThings {
	return &fakeThings{
		thing:  configdb.Thing{ID: 1, UUID: thingID, Name: "logger", ProjectName: "demo"},
		bucket: "b-logger",
		store:  configdb.S3Store{Bucket: "b-logger", FilenamePattern: "*.csv"},
		fileParser: configdb.FileParser{
			Name: "logger csv",
			Type: "csvparser",
			Settings: map[string]any{
				"header":    0,
				"duplicate": true,
				"timestamp_columns": []any{
					map[string]any{"column": 0, "format": "%Y-%m-%d %H:%M:%S"},
				},
			},
		},
		mqttUser:   "u-logger",
		deviceType: "campbell_cr6",
	}
}

func (f *fakeThings) ThingByUUID(_ context.Context, id uuid.UUID) (configdb.Thing, error) {
	if id != f.thing.UUID {
		return configdb.Thing{}, errors.WrapDataNotFound(errors.ErrUnknownThing, fmt.Sprintf("no thing %s", id))
	}
	return f.thing, nil
}

func (f *fakeThings) ThingByBucket(_ context.Context, bucket string) (configdb.Thing, error) {
	if bucket != f.bucket {
		return configdb.Thing{}, errors.WrapDataNotFound(errors.ErrUnknownThing, fmt.Sprintf("no thing for bucket %s", bucket))
	}
	return f.thing, nil
}

func (f *fakeThings) ThingByMQTTUser(_ context.Context, user string) (configdb.MQTTThing, error) {
	if user != f.mqttUser {
		return configdb.MQTTThing{}, errors.WrapDataNotFound(errors.ErrUnknownThing, fmt.Sprintf("no thing for mqtt user %s", user))
	}
	return configdb.MQTTThing{Thing: f.thing, User: user, DeviceType: f.deviceType}, nil
}

func (f *fakeThings) S3Store(_ context.Context, _ uuid.UUID) (configdb.S3Store, error) {
	return f.store, nil
}

func (f *fakeThings) FileParser(_ context.Context, _ uuid.UUID) (configdb.FileParser, error) {
	return f.fileParser, nil
}

type fakeDB struct {
	upserts   [][]models.Observation
	messages  []any
	upsertErr error
}

func (d *fakeDB) UpsertObservations(_ context.Context, _ uuid.UUID, obs []models.Observation) error {
	if d.upsertErr != nil {
		return d.upsertErr
	}
	d.upserts = append(d.upserts, obs)
	return nil
}

func (d *fakeDB) InsertMQTTMessage(_ context.Context, _ uuid.UUID, message any, _ time.Time) error {
	d.messages = append(d.messages, message)
	return nil
}

type entry struct {
	level string
	msg   string
}

type fakeJournal struct {
	entries []entry
}

func (j *fakeJournal) Info(_ context.Context, _ uuid.UUID, msg string) error {
	j.entries = append(j.entries, entry{models.JournalInfo, msg})
	return nil
}

func (j *fakeJournal) Warning(_ context.Context, _ uuid.UUID, msg string) error {
	j.entries = append(j.entries, entry{models.JournalWarning, msg})
	return nil
}

func (j *fakeJournal) Error(_ context.Context, _ uuid.UUID, msg string) error {
	j.entries = append(j.entries, entry{models.JournalError, msg})
	return nil
}

func (j *fakeJournal) levels() []string {
	out := make([]string, len(j.entries))
	for i, e := range j.entries {
		out[i] = e.level
	}
	return out
}

type published struct {
	topic   string
	qos     byte
	payload string
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, qos byte, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic, qos, string(payload)})
	return nil
}

func newLocalStorage(t *testing.T) *storage.LocalBackend {
	t.Helper()
	b, err := storage.NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return b
}
