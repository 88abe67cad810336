package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/timeio/tsm-ingest/internal/devices"
	"github.com/timeio/tsm-ingest/internal/dispatch"
	"github.com/timeio/tsm-ingest/internal/errors"
)

// MQTTConfig holds the collaborators of an MQTTIngest
type MQTTConfig struct {
	Things          Things
	Database        Database
	Journal         Journal
	Publisher       Publisher
	Broker          string // prefix of the origin of each observation
	TopicDataParsed string
	QoS             byte
}

// MQTTIngest parses messages that devices publish to
// <prefix>/<mqtt user>/... and stores their observations.
type MQTTIngest struct {
	cfg    MQTTConfig
	logger zerolog.Logger
}

// NewMQTTIngest creates the MQTT ingest use case
func NewMQTTIngest(cfg MQTTConfig, logger zerolog.Logger) *MQTTIngest {
	return &MQTTIngest{
		cfg:    cfg,
		logger: logger.With().Str("component", "mqtt-ingest").Logger(),
	}
}

// Act handles one device message. Storing the observations is best effort:
// a failed upsert is logged and the data parsed event is still sent.
func (m *MQTTIngest) Act(ctx context.Context, msg dispatch.Message, content any) error {
	origin := m.cfg.Broker + "/" + msg.Topic
	segments := strings.Split(msg.Topic, "/")
	if len(segments) < 2 || segments[1] == "" {
		return &errors.UserInputError{Msg: fmt.Sprintf("topic %q carries no mqtt user", msg.Topic)}
	}
	user := segments[1]

	thing, err := m.cfg.Things.ThingByMQTTUser(ctx, user)
	if err != nil {
		return err
	}
	log := m.logger.With().Str("thing", thing.UUID.String()).Str("origin", origin).Logger()

	archived := content
	if s, ok := content.(string); ok {
		if clean, replaced := SanitizeUTF8(s); replaced {
			log.Warn().Msg("Message contains invalid UTF-8, archiving sanitized text")
			archived = clean
		}
	}
	if err := m.cfg.Database.InsertMQTTMessage(ctx, thing.UUID, archived, msg.ReceivedAt); err != nil {
		log.Error().Err(err).Msg("Failed to archive raw message")
	}

	p, err := devices.New(thing.DeviceType)
	if err != nil {
		return err
	}
	found, err := p.Parse(content, origin)
	if err != nil {
		return &errors.UserInputError{Msg: "Parsing data failed", Err: err}
	}

	obs, skipped := devices.Encode(found)
	for _, s := range skipped {
		text := fmt.Sprintf("Data of type %s is not supported. Failing observation: position %s, header %q, time %s",
			devices.TypeName(s.Value), s.Position, s.Header, s.Timestamp)
		if err := m.cfg.Journal.Warning(ctx, thing.UUID, text); err != nil {
			return err
		}
	}

	if len(obs) > 0 {
		if err := m.cfg.Database.UpsertObservations(ctx, thing.UUID, obs); err != nil {
			log.Error().Err(err).Int("observations", len(obs)).Msg("Failed to store data")
		} else {
			countTypes(obs)
		}
	}

	if err := m.cfg.Journal.Info(ctx, thing.UUID, "parsed mqtt data from "+origin); err != nil {
		return err
	}
	return publishParsed(ctx, m.cfg.Publisher, m.cfg.TopicDataParsed, m.cfg.QoS, thing.UUID)
}
