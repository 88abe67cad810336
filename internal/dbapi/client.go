// Package dbapi is the HTTP client of the time-series database API. It
// stores observations, archives raw MQTT messages and writes journal entries.
package dbapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timeio/tsm-ingest/internal/circuitbreaker"
	"github.com/timeio/tsm-ingest/internal/config"
	"github.com/timeio/tsm-ingest/internal/metrics"
	"github.com/timeio/tsm-ingest/pkg/models"
)

// maxErrorBody bounds the response body kept in a StatusError
const maxErrorBody = 4096

// StatusError is returned when the API answers with an unexpected status
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Client talks to the database API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	cb      *circuitbreaker.CircuitBreaker
	logger  zerolog.Logger
}

// New creates a client. Requests rejected by the API with a 4xx status do
// not count against the circuit breaker.
func New(cfg config.DBAPIConfig, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.AuthToken,
		http:    &http.Client{Timeout: timeout},
		cb: circuitbreaker.New(&circuitbreaker.Config{
			Name:        "dbapi",
			MaxFailures: cfg.BreakerMaxFailures,
			Timeout:     cfg.BreakerTimeout,
			Excluded:    isClientError,
		}, logger),
		logger: logger.With().Str("component", "dbapi").Logger(),
	}
}

// Ping checks the health endpoint
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create ping request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to ping DB API %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Method: http.MethodGet, URL: req.URL.String(), StatusCode: resp.StatusCode}
	}
	return nil
}

// UpsertObservations stores observations of a thing. Existing observations
// with the same datastream and result time are replaced.
func (c *Client) UpsertObservations(ctx context.Context, thing uuid.UUID, observations []models.Observation) error {
	m := metrics.Get()
	m.IncUpsertRequests()

	start := time.Now()
	body := struct {
		Observations []models.Observation `json:"observations"`
	}{observations}

	err := c.cb.Execute(ctx, func(ctx context.Context) error {
		return c.post(ctx, "/observations/upsert/"+thing.String(), body, http.StatusCreated)
	})
	if err != nil {
		m.IncUpsertErrors()
		return fmt.Errorf("failed to upsert %d observations: %w", len(observations), err)
	}

	c.logger.Debug().
		Str("thing", thing.String()).
		Int("observations", len(observations)).
		Dur("duration", time.Since(start)).
		Msg("Upserted observations")
	return nil
}

// InsertMQTTMessage archives a raw MQTT payload. Documents are stored
// JSON-encoded, anything else as text.
func (c *Client) InsertMQTTMessage(ctx context.Context, thing uuid.UUID, message any, receivedAt time.Time) error {
	var text string
	switch v := message.(type) {
	case string:
		text = v
	case []byte:
		text = string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode mqtt message: %w", err)
		}
		text = string(b)
	}

	record := models.MQTTMessageRecord{Message: text, Timestamp: receivedAt.UTC().Format(time.RFC3339Nano)}
	return c.cb.Execute(ctx, func(ctx context.Context) error {
		return c.post(ctx, "/things/"+thing.String()+"/mqtt_message/insert", record, 0)
	})
}

// PostJournal writes one journal entry of a thing
func (c *Client) PostJournal(ctx context.Context, thing uuid.UUID, entry models.JournalEntry) error {
	return c.post(ctx, "/journal/"+thing.String(), entry, 0)
}

// BreakerStats returns the circuit breaker statistics
func (c *Client) BreakerStats() circuitbreaker.Stats {
	return c.cb.Stats()
}

// post sends payload as JSON. A non-zero want is the only accepted status,
// otherwise any 2xx is.
func (c *Client) post(ctx context.Context, path string, payload any, want int) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode <= 299
	if want != 0 {
		ok = resp.StatusCode == want
	}
	if !ok {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method:     http.MethodPost,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// isClientError reports a request the API rejected as invalid
func isClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500
}
