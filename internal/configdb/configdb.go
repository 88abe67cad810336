// Package configdb looks up things and their ingest settings in the
// configuration database maintained by the frontend.
package configdb

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/timeio/tsm-ingest/internal/config"
	"github.com/timeio/tsm-ingest/internal/errors"
)

// Thing is a registered data source
type Thing struct {
	ID          int64
	UUID        uuid.UUID
	Name        string
	ProjectName string
	ProjectUUID uuid.UUID
}

// MQTTThing is a thing that delivers data over MQTT
type MQTTThing struct {
	Thing
	User       string
	DeviceType string
}

// S3Store is the raw data bucket of a thing
type S3Store struct {
	Bucket          string
	FilenamePattern string
}

// FileParser is the parser configured for a thing's files
type FileParser struct {
	Name     string
	Type     string
	Settings map[string]any
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const thingColumns = `t.id, t.uuid::text, t.name, p.name, p.uuid::text`

const (
	thingByUUIDQuery = `SELECT ` + thingColumns + `
FROM config_db.thing t
JOIN config_db.project p ON t.project_id = p.id
WHERE t.uuid = $1::uuid`

	thingByBucketQuery = `SELECT ` + thingColumns + `
FROM config_db.thing t
JOIN config_db.project p ON t.project_id = p.id
JOIN config_db.s3_store s ON t.s3_store_id = s.id
WHERE s.bucket = $1`

	thingByMQTTUserQuery = `SELECT ` + thingColumns + `, m."user", COALESCE(mdt.name, '')
FROM config_db.thing t
JOIN config_db.project p ON t.project_id = p.id
JOIN config_db.mqtt m ON t.mqtt_id = m.id
LEFT JOIN config_db.mqtt_device_type mdt ON m.mqtt_device_type_id = mdt.id
WHERE m."user" = $1`

	s3StoreQuery = `SELECT s.bucket, COALESCE(s.filename_pattern, '*')
FROM config_db.thing t
JOIN config_db.s3_store s ON t.s3_store_id = s.id
WHERE t.uuid = $1::uuid`

	fileParserQuery = `SELECT fp.name, fpt.name, COALESCE(fp.params, '{}'::jsonb)
FROM config_db.thing t
JOIN config_db.s3_store s ON t.s3_store_id = s.id
JOIN config_db.file_parser fp ON s.file_parser_id = fp.id
JOIN config_db.file_parser_type fpt ON fp.file_parser_type_id = fpt.id
WHERE t.uuid = $1::uuid`
)

// Store reads the configuration database
type Store struct {
	db     querier
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Connect opens a connection pool and verifies it with a ping
func Connect(ctx context.Context, cfg config.ConfigDBConfig, logger zerolog.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configdb dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to configdb: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping configdb %s/%s: %w",
			poolConfig.ConnConfig.Host, poolConfig.ConnConfig.Database, err)
	}

	s := newStore(pool, logger)
	s.pool = pool
	s.logger.Info().
		Str("host", poolConfig.ConnConfig.Host).
		Str("database", poolConfig.ConnConfig.Database).
		Int32("max_conns", poolConfig.MaxConns).
		Msg("Connected to configdb")
	return s, nil
}

func newStore(db querier, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger.With().Str("component", "configdb").Logger()}
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close closes the pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ThingByUUID returns the thing with the given uuid
func (s *Store) ThingByUUID(ctx context.Context, id uuid.UUID) (Thing, error) {
	row := s.db.QueryRow(ctx, thingByUUIDQuery, id.String())
	t, err := scanThing(row)
	if err != nil {
		return Thing{}, s.notFound(err, "no thing with uuid %s", id)
	}
	return t, nil
}

// ThingByBucket returns the thing owning an object storage bucket
func (s *Store) ThingByBucket(ctx context.Context, bucket string) (Thing, error) {
	row := s.db.QueryRow(ctx, thingByBucketQuery, bucket)
	t, err := scanThing(row)
	if err != nil {
		return Thing{}, s.notFound(err, "no thing for bucket %q", bucket)
	}
	return t, nil
}

// ThingByMQTTUser returns the thing publishing as user, with its device type
func (s *Store) ThingByMQTTUser(ctx context.Context, user string) (MQTTThing, error) {
	var (
		t               MQTTThing
		thingID, projID string
	)
	row := s.db.QueryRow(ctx, thingByMQTTUserQuery, user)
	err := row.Scan(&t.ID, &thingID, &t.Name, &t.ProjectName, &projID, &t.User, &t.DeviceType)
	if err == nil {
		err = parseUUIDs(&t.Thing, thingID, projID)
	}
	if err != nil {
		return MQTTThing{}, s.notFound(err, "no thing for mqtt user %q", user)
	}
	return t, nil
}

// S3Store returns the raw data bucket of a thing
func (s *Store) S3Store(ctx context.Context, thing uuid.UUID) (S3Store, error) {
	var st S3Store
	err := s.db.QueryRow(ctx, s3StoreQuery, thing.String()).Scan(&st.Bucket, &st.FilenamePattern)
	if err != nil {
		return S3Store{}, s.notFound(err, "no s3 store for thing %s", thing)
	}
	return st, nil
}

// FileParser returns the file parser configured for a thing
func (s *Store) FileParser(ctx context.Context, thing uuid.UUID) (FileParser, error) {
	var fp FileParser
	err := s.db.QueryRow(ctx, fileParserQuery, thing.String()).Scan(&fp.Name, &fp.Type, &fp.Settings)
	if err != nil {
		return FileParser{}, s.notFound(err, "no file parser for thing %s", thing)
	}
	if fp.Settings == nil {
		fp.Settings = map[string]any{}
	}
	return fp, nil
}

// notFound turns an empty result into a DataNotFoundError; other errors are
// returned wrapped and stay fatal.
func (s *Store) notFound(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if stderrors.Is(err, pgx.ErrNoRows) {
		s.logger.Debug().Msg(msg)
		return errors.WrapDataNotFound(errors.ErrUnknownThing, msg)
	}
	return fmt.Errorf("configdb: %s: %w", msg, err)
}

func scanThing(row pgx.Row) (Thing, error) {
	var (
		t               Thing
		thingID, projID string
	)
	if err := row.Scan(&t.ID, &thingID, &t.Name, &t.ProjectName, &projID); err != nil {
		return Thing{}, err
	}
	if err := parseUUIDs(&t, thingID, projID); err != nil {
		return Thing{}, err
	}
	return t, nil
}

func parseUUIDs(t *Thing, thingID, projID string) error {
	var err error
	if t.UUID, err = uuid.Parse(thingID); err != nil {
		return fmt.Errorf("invalid thing uuid %q: %w", thingID, err)
	}
	if t.ProjectUUID, err = uuid.Parse(projID); err != nil {
		return fmt.Errorf("invalid project uuid %q: %w", projID, err)
	}
	return nil
}
