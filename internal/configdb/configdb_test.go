package configdb

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeio/tsm-ingest/internal/errors"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(r.values))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *int64:
			*p = r.values[i].(int64)
		case *map[string]any:
			*p = r.values[i].(map[string]any)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

// fakeDB answers queries by a substring of their WHERE clause
type fakeDB struct {
	rows  map[string]fakeRow
	calls []string
	args  [][]any
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.calls = append(f.calls, sql)
	f.args = append(f.args, args)
	for where, row := range f.rows {
		if strings.Contains(sql, where) {
			return row
		}
	}
	return fakeRow{err: pgx.ErrNoRows}
}

var (
	thingUUID   = uuid.MustParse("0a308373-ab29-4317-b351-1443e8a1babd")
	projectUUID = uuid.MustParse("7b0cbf9c-6c4c-4b1c-8d57-3e2f5a0c1d11")
)

func thingRow(extra ...any) fakeRow {
	values := []any{int64(7), thingUUID.String(), "DemoThing", "DemoProject", projectUUID.String()}
	return fakeRow{values: append(values, extra...)}
}

func TestStore_ThingByBucket(t *testing.T) {
	db := &fakeDB{rows: map[string]fakeRow{"s.bucket = $1": thingRow()}}
	s := newStore(db, zerolog.Nop())

	thing, err := s.ThingByBucket(context.Background(), "demo-bucket")
	require.NoError(t, err)
	assert.Equal(t, Thing{ID: 7, UUID: thingUUID, Name: "DemoThing", ProjectName: "DemoProject", ProjectUUID: projectUUID}, thing)
	assert.Equal(t, []any{"demo-bucket"}, db.args[0])
}

func TestStore_UnknownIsDataNotFound(t *testing.T) {
	s := newStore(&fakeDB{}, zerolog.Nop())
	ctx := context.Background()

	_, err := s.ThingByBucket(ctx, "nope")
	assert.Equal(t, errors.ClassData, errors.Classify(err))
	assert.ErrorIs(t, err, errors.ErrUnknownThing)
	assert.Contains(t, err.Error(), `no thing for bucket "nope"`)

	_, err = s.ThingByMQTTUser(ctx, "nobody")
	assert.Equal(t, errors.ClassData, errors.Classify(err))

	_, err = s.S3Store(ctx, thingUUID)
	assert.Equal(t, errors.ClassData, errors.Classify(err))

	_, err = s.FileParser(ctx, thingUUID)
	assert.Equal(t, errors.ClassData, errors.Classify(err))
}

func TestStore_QueryFailureIsFatal(t *testing.T) {
	db := &fakeDB{rows: map[string]fakeRow{"s.bucket = $1": {err: stderrors.New("connection refused")}}}
	s := newStore(db, zerolog.Nop())

	_, err := s.ThingByBucket(context.Background(), "b")
	require.Error(t, err)
	assert.Equal(t, errors.ClassFatal, errors.Classify(err))
	assert.ErrorContains(t, err, "connection refused")
}

func TestStore_InvalidUUID(t *testing.T) {
	row := fakeRow{values: []any{int64(1), "not-a-uuid", "T", "P", projectUUID.String()}}
	s := newStore(&fakeDB{rows: map[string]fakeRow{"t.uuid = $1": row}}, zerolog.Nop())

	_, err := s.ThingByUUID(context.Background(), thingUUID)
	assert.ErrorContains(t, err, "invalid thing uuid")
}

func TestStore_ThingByMQTTUser(t *testing.T) {
	db := &fakeDB{rows: map[string]fakeRow{`m."user" = $1`: thingRow("u_demo", "campbell_cr6")}}
	s := newStore(db, zerolog.Nop())

	thing, err := s.ThingByMQTTUser(context.Background(), "u_demo")
	require.NoError(t, err)
	assert.Equal(t, thingUUID, thing.UUID)
	assert.Equal(t, "u_demo", thing.User)
	assert.Equal(t, "campbell_cr6", thing.DeviceType)
}

func TestStore_S3StoreAndParser(t *testing.T) {
	settings := map[string]any{"delimiter": ";", "header": float64(0)}
	db := &fakeDB{rows: map[string]fakeRow{
		"file_parser_type fpt": {values: []any{"demo parser", "csvparser", settings}},
		"s.filename_pattern":   {values: []any{"demo-bucket", "*.csv"}},
	}}
	s := newStore(db, zerolog.Nop())
	ctx := context.Background()

	store, err := s.S3Store(ctx, thingUUID)
	require.NoError(t, err)
	assert.Equal(t, S3Store{Bucket: "demo-bucket", FilenamePattern: "*.csv"}, store)

	fp, err := s.FileParser(ctx, thingUUID)
	require.NoError(t, err)
	assert.Equal(t, "csvparser", fp.Type)
	assert.Equal(t, settings, fp.Settings)
	assert.Equal(t, []any{thingUUID.String()}, db.args[1])
}

func TestStore_PingWithoutPool(t *testing.T) {
	s := newStore(&fakeDB{}, zerolog.Nop())
	assert.NoError(t, s.Ping(context.Background()))
	s.Close()
}
