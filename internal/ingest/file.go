package ingest

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timeio/tsm-ingest/internal/dispatch"
	"github.com/timeio/tsm-ingest/internal/encoder"
	"github.com/timeio/tsm-ingest/internal/errors"
	"github.com/timeio/tsm-ingest/internal/metrics"
	"github.com/timeio/tsm-ingest/internal/parser"
	"github.com/timeio/tsm-ingest/internal/storage"
	"github.com/timeio/tsm-ingest/pkg/models"
)

// FileConfig holds the collaborators of a FileIngest
type FileConfig struct {
	Things          Things
	Storage         storage.Backend
	Database        Database
	Journal         Journal
	Publisher       Publisher
	Mappings        MappingWriter // optional
	TopicDataParsed string
	QoS             byte
	MaxFileSize     int64
}

// FileIngest parses raw data files announced by object storage notifications
// and stores their observations.
type FileIngest struct {
	cfg       FileConfig
	logger    zerolog.Logger
	now       func() time.Time
	newParser func(typeName string, settings map[string]any) (parser.Parser, error)
}

// NewFileIngest creates the file ingest use case
func NewFileIngest(cfg FileConfig, logger zerolog.Logger) *FileIngest {
	return &FileIngest{
		cfg:       cfg,
		logger:    logger.With().Str("component", "file-ingest").Logger(),
		now:       time.Now,
		newParser: parser.New,
	}
}

// Act handles one notification. Events other than object creation and
// files excluded by the thing's filename pattern are skipped.
func (f *FileIngest) Act(ctx context.Context, _ dispatch.Message, content any) error {
	event, err := storageEvent(content)
	if err != nil {
		return err
	}
	if !relevant(event.EventName) {
		f.logger.Debug().Str("event", event.EventName).Msg("Irrelevant event")
		return nil
	}

	// directories are part of the filename: foo/bar/file.ext -> foo, bar/file.ext
	bucket, filename, ok := strings.Cut(event.Key, "/")
	if !ok || bucket == "" || filename == "" {
		return &errors.UserInputError{Msg: fmt.Sprintf("object key %q has no bucket prefix", event.Key)}
	}

	thing, err := f.cfg.Things.ThingByBucket(ctx, bucket)
	if err != nil {
		return err
	}
	store, err := f.cfg.Things.S3Store(ctx, thing.UUID)
	if err != nil {
		return err
	}
	if !MatchPattern(store.FilenamePattern, filename) {
		f.logger.Debug().Str("file", filename).Str("pattern", store.FilenamePattern).Msg("File excluded by filename pattern")
		return nil
	}

	sourceURI := bucket + "/" + filename
	log := f.logger.With().Str("thing", thing.UUID.String()).Str("file", sourceURI).Logger()
	log.Debug().Msg("Reading raw data file")

	raw, err := storage.Fetch(ctx, f.cfg.Storage, bucket, filename, f.cfg.MaxFileSize)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return errors.WrapDataNotFound(err, fmt.Sprintf("file %s does not exist", sourceURI))
		}
		return err
	}

	fp, err := f.cfg.Things.FileParser(ctx, thing.UUID)
	if err != nil {
		return err
	}

	log.Info().Str("parser", fp.Name).Str("type", fp.Type).Msg("Parsing raw data")
	obs, res, err := f.parseFile(fp.Type, fp.Settings, raw, sourceURI)
	if err != nil {
		var pe *errors.ParsingError
		if stderrors.As(err, &pe) {
			if jerr := f.cfg.Journal.Error(ctx, thing.UUID, fmt.Sprintf("Parsing failed. Detail: %v. File: %q", err, sourceURI)); jerr != nil {
				return jerr
			}
			return err
		}
		if jerr := f.cfg.Journal.Error(ctx, thing.UUID, fmt.Sprintf("Parsing failed for file %q", sourceURI)); jerr != nil {
			return jerr
		}
		return &errors.UserInputError{Msg: "Parsing failed", Err: err}
	}

	if err := f.report(ctx, thing.UUID, res); err != nil {
		return err
	}

	if res.Mapping != nil && f.cfg.Mappings != nil {
		if _, err := f.cfg.Mappings.Write(thing.ProjectName, thing.UUID, res.Mapping); err != nil {
			log.Warn().Err(err).Msg("Failed to write column mapping")
			if jerr := f.cfg.Journal.Warning(ctx, thing.UUID, fmt.Sprintf("Storing the column mapping of file %q failed", sourceURI)); jerr != nil {
				return jerr
			}
		}
	}

	if len(obs) == 0 {
		log.Info().Msg("No observations")
		if jerr := f.cfg.Journal.Warning(ctx, thing.UUID, fmt.Sprintf("No observations found in file %s", sourceURI)); jerr != nil {
			return jerr
		}
		return f.tag(ctx, bucket, filename)
	}

	log.Debug().Int("observations", len(obs)).Msg("Storing observations")
	if err := f.cfg.Database.UpsertObservations(ctx, thing.UUID, obs); err != nil {
		if jerr := f.cfg.Journal.Error(ctx, thing.UUID, fmt.Sprintf("Parsing was successful, but storing data in database failed. File: %q", sourceURI)); jerr != nil {
			log.Error().Err(jerr).Msg("Journal unavailable")
		}
		return err
	}
	countTypes(obs)

	if err := f.cfg.Journal.Info(ctx, thing.UUID, "Parsed file "+sourceURI); err != nil {
		return err
	}
	if err := f.tag(ctx, bucket, filename); err != nil {
		return err
	}
	return publishParsed(ctx, f.cfg.Publisher, f.cfg.TopicDataParsed, f.cfg.QoS, thing.UUID)
}

// report journals the parse warnings. A header mismatch is an error for the
// owner of the thing; all other warnings are warnings.
func (f *FileIngest) report(ctx context.Context, thing uuid.UUID, res *parser.Result) error {
	metrics.Get().IncParseWarnings(len(res.Warnings))
	for _, w := range res.Warnings {
		var err error
		if w.Kind == parser.WarnHeaderMismatch {
			metrics.Get().IncHeaderMismatch()
			err = f.cfg.Journal.Error(ctx, thing, w.Message)
		} else {
			err = f.cfg.Journal.Warning(ctx, thing, w.Message)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// tag marks the object as parsed
func (f *FileIngest) tag(ctx context.Context, bucket, key string) error {
	tags := map[string]string{"parsed_at": f.now().UTC().Format(time.RFC3339)}
	if err := f.cfg.Storage.SetTags(ctx, bucket, key, tags); err != nil {
		return fmt.Errorf("failed to tag %s/%s: %w", bucket, key, err)
	}
	metrics.Get().IncStorageTagUpdates()
	return nil
}

// parseFile runs the configured parser and encodes the resulting table.
// Failures of the parser configuration are user errors. A panicking parser
// is a bug and is left to the dispatch loop.
func (f *FileIngest) parseFile(typeName string, settings map[string]any, raw []byte, origin string) ([]models.Observation, *parser.Result, error) {
	p, err := f.newParser(typeName, settings)
	if err != nil {
		return nil, nil, err
	}
	res, err := p.Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	seq, err := encoder.Encode(res.Table, origin)
	if err != nil {
		return nil, nil, err
	}
	var obs []models.Observation
	for o := range seq {
		obs = append(obs, o)
	}
	return obs, res, nil
}

func relevant(event string) bool {
	return event == models.EventObjectCreatedPut || event == models.EventObjectCreatedMultipart
}

func storageEvent(content any) (models.StorageEvent, error) {
	doc, ok := content.(map[string]any)
	if !ok {
		return models.StorageEvent{}, &errors.UserInputError{Msg: "storage notification must be a JSON object"}
	}
	name, _ := doc["EventName"].(string)
	key, _ := doc["Key"].(string)
	if name == "" {
		return models.StorageEvent{}, &errors.UserInputError{Msg: "storage notification has no EventName"}
	}
	return models.StorageEvent{EventName: name, Key: key}, nil
}
