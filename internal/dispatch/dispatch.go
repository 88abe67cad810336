// Package dispatch runs the ingestion loop: it takes one message at a time
// from a transport, decodes it, hands it to a use case and decides from the
// returned error whether to continue or to stop the process.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/timeio/tsm-ingest/internal/errors"
	"github.com/timeio/tsm-ingest/internal/metrics"
)

// ErrInvalidUTF8 is the cause of the fatal error raised for payloads that are
// not UTF-8 text.
var ErrInvalidUTF8 = stderrors.New("payload is not valid UTF-8")

// Message is one payload received from the transport.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Source delivers messages. The channel is closed when the source shuts down.
type Source interface {
	Messages() <-chan Message
}

// Handler is an ingestion use case. content is the decoded JSON document of
// the payload, with numbers as json.Number, or the payload text when it is
// not JSON.
type Handler interface {
	Act(ctx context.Context, msg Message, content any) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, msg Message, content any) error

// Act calls f
func (f HandlerFunc) Act(ctx context.Context, msg Message, content any) error {
	return f(ctx, msg, content)
}

// Toucher is notified for every received message.
type Toucher interface {
	Touch()
}

// Config configures a Loop.
type Config struct {
	// Name identifies the use case in logs.
	Name string
	// HealthTopic messages refresh Watcher and are not dispatched.
	HealthTopic string
	Watcher     Toucher
}

// FatalError stops the loop. Only the process entry point acts on it.
type FatalError struct {
	Topic string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error handling message on %q: %v", e.Topic, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// PanicError is a panic recovered from a handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panicked: %v", e.Value) }

// Stats counts the messages a Loop has handled.
type Stats struct {
	Received   int64     `json:"received"`
	Succeeded  int64     `json:"succeeded"`
	UserErrors int64     `json:"user_errors"`
	DataErrors int64     `json:"data_errors"`
	Skipped    int64     `json:"skipped"`
	LastTopic  string    `json:"last_topic,omitempty"`
	LastAt     time.Time `json:"last_at,omitempty"`
}

// Loop is the single threaded dispatch loop.
type Loop struct {
	cfg     Config
	source  Source
	handler Handler
	logger  zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a dispatch loop reading from source and acting with handler
func New(cfg Config, source Source, handler Handler, logger zerolog.Logger) *Loop {
	if cfg.Name == "" {
		cfg.Name = "ingest"
	}
	return &Loop{
		cfg:     cfg,
		source:  source,
		handler: handler,
		logger:  logger.With().Str("component", "dispatch").Str("use_case", cfg.Name).Logger(),
	}
}

// Run handles messages until ctx is cancelled, the source closes or a fatal
// error occurs. Only the fatal case returns a non-nil error, always a
// *FatalError.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info().Msg("Waiting for messages")
	msgs := l.source.Messages()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("Dispatch loop stopped")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				l.logger.Info().Msg("Message source closed")
				return nil
			}
			if err := l.handle(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// Stats returns a copy of the current counters
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Loop) handle(ctx context.Context, msg Message) error {
	start := time.Now()
	m := metrics.Get()
	m.IncMessagesReceived(len(msg.Payload))
	if l.cfg.Watcher != nil {
		l.cfg.Watcher.Touch()
	}
	l.record(func(s *Stats) {
		s.Received++
		s.LastTopic = msg.Topic
		s.LastAt = start
	})

	log := l.logger.With().Str("topic", msg.Topic).Logger()

	if l.cfg.HealthTopic != "" && msg.Topic == l.cfg.HealthTopic {
		log.Debug().Msg("Health ping received")
		m.IncOutcome(metrics.OutcomeSkipped)
		l.record(func(s *Stats) { s.Skipped++ })
		return nil
	}

	if !utf8.Valid(msg.Payload) {
		log.Error().Int("payload_size", len(msg.Payload)).Msg("FATAL: message payload is not valid UTF-8")
		m.IncOutcome(metrics.OutcomeFatal)
		return &FatalError{Topic: msg.Topic, Err: ErrInvalidUTF8}
	}
	content := decode(msg.Payload, log)

	err := l.act(ctx, msg, content)
	m.ObserveProcessing(time.Since(start))

	if err == nil {
		m.IncOutcome(metrics.OutcomeSuccess)
		l.record(func(s *Stats) { s.Succeeded++ })
		log.Info().Dur("elapsed", time.Since(start)).Msg("PROCESSING DONE")
		return nil
	}

	if ctx.Err() != nil && stderrors.Is(err, ctx.Err()) {
		log.Warn().Err(err).Msg("Processing interrupted by shutdown")
		return nil
	}

	switch errors.Classify(err) {
	case errors.ClassUser:
		m.IncOutcome(metrics.OutcomeUserError)
		l.record(func(s *Stats) { s.UserErrors++ })
		log.Error().Err(err).Msg("USER ERROR")
		return nil
	case errors.ClassData:
		m.IncOutcome(metrics.OutcomeDataError)
		l.record(func(s *Stats) { s.DataErrors++ })
		log.Error().Err(err).Msg("DATA ERROR")
		return nil
	}

	m.IncOutcome(metrics.OutcomeFatal)
	ev := log.Error().Err(err)
	var pe *PanicError
	if stderrors.As(err, &pe) {
		ev = ev.Bytes("stack", pe.Stack)
	}
	ev.Msg("FATAL: unexpected error while handling message")
	return &FatalError{Topic: msg.Topic, Err: err}
}

func (l *Loop) act(ctx context.Context, msg Message, content any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return l.handler.Act(ctx, msg, content)
}

func (l *Loop) record(update func(*Stats)) {
	l.mu.Lock()
	update(&l.stats)
	l.mu.Unlock()
}

// decode returns the JSON document of payload, or the payload text when it is
// not JSON.
func decode(payload []byte, log zerolog.Logger) any {
	content, err := Decode(payload)
	if err != nil {
		log.Warn().Err(err).Msg("Message payload is not JSON, passing it on as text")
		return string(payload)
	}
	return content
}

// Decode parses payload as a single JSON document. Numbers are kept as
// json.Number so integers beyond 2^53 keep all their digits.
func Decode(payload []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var content any
	if err := dec.Decode(&content); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after the JSON document")
	}
	return content, nil
}
