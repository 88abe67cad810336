package dbapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeio/tsm-ingest/internal/circuitbreaker"
	"github.com/timeio/tsm-ingest/internal/config"
	"github.com/timeio/tsm-ingest/pkg/models"
)

var thing = uuid.MustParse("0a308373-ab29-4317-b351-1443e8a1babd")

type captured struct {
	method string
	path   string
	auth   string
	body   []byte
}

type recorder struct {
	mu   sync.Mutex
	reqs []captured
}

func (r *recorder) at(i int) captured {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[i]
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func newServer(t *testing.T, status int) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.reqs = append(rec.reqs, captured{r.Method, r.URL.Path, r.Header.Get("Authorization"), body})
		rec.mu.Unlock()
		w.WriteHeader(status)
		if status >= 400 {
			w.Write([]byte(`{"detail":"bad observations"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func newClient(url string) *Client {
	return New(config.DBAPIConfig{
		BaseURL:            url + "/",
		AuthToken:          "secret",
		Timeout:            5 * time.Second,
		BreakerMaxFailures: 2,
		BreakerTimeout:     time.Hour,
	}, zerolog.Nop())
}

func TestClient_UpsertObservations(t *testing.T) {
	srv, reqs := newServer(t, http.StatusCreated)
	c := newClient(srv.URL)

	obs := []models.Observation{
		models.NewNumber("2021-01-01T00:00:00", "1", models.EncodeParameters("f.csv", "temp"), 1.5),
	}
	require.NoError(t, c.UpsertObservations(context.Background(), thing, obs))

	require.Equal(t, 1, reqs.len())
	r := reqs.at(0)
	assert.Equal(t, http.MethodPost, r.method)
	assert.Equal(t, "/observations/upsert/"+thing.String(), r.path)
	assert.Equal(t, "Bearer secret", r.auth)

	var got struct {
		Observations []map[string]any `json:"observations"`
	}
	require.NoError(t, json.Unmarshal(r.body, &got))
	require.Len(t, got.Observations, 1)
	assert.Equal(t, 1.5, got.Observations[0]["result_number"])
	assert.Equal(t, float64(0), got.Observations[0]["result_type"])
	assert.Equal(t, "1", got.Observations[0]["datastream_pos"])
}

func TestClient_StatusError(t *testing.T) {
	srv, _ := newServer(t, http.StatusUnprocessableEntity)
	c := newClient(srv.URL)

	err := c.UpsertObservations(context.Background(), thing, nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
	assert.Contains(t, se.Body, "bad observations")

	// rejected requests do not open the breaker
	for i := 0; i < 5; i++ {
		c.UpsertObservations(context.Background(), thing, nil)
	}
	assert.Equal(t, "closed", c.BreakerStats().State)
}

func TestClient_UpsertRequiresCreated(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"created", http.StatusCreated, false},
		{"ok", http.StatusOK, true},
		{"no content", http.StatusNoContent, true},
		{"accepted", http.StatusAccepted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newServer(t, tt.status)
			err := newClient(srv.URL).UpsertObservations(context.Background(), thing, nil)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.StatusCode)
		})
	}
}

func TestClient_OtherWritesAcceptAny2xx(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK)
	c := newClient(srv.URL)

	require.NoError(t, c.InsertMQTTMessage(context.Background(), thing, "plain", time.Now()))
	require.NoError(t, c.PostJournal(context.Background(), thing, models.JournalEntry{Message: "m", Level: models.JournalInfo}))
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := newClient(srv.URL)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.Error(t, c.UpsertObservations(ctx, thing, nil))
	}
	err := c.UpsertObservations(ctx, thing, nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_InsertMQTTMessage(t *testing.T) {
	srv, reqs := newServer(t, http.StatusCreated)
	c := newClient(srv.URL)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		message any
		want    string
	}{
		{"document", map[string]any{"a": 1}, `{"a":1}`},
		{"text", "plain", "plain"},
		{"bytes", []byte("raw"), "raw"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, c.InsertMQTTMessage(context.Background(), thing, tt.message, at))
			r := reqs.at(i)
			assert.Equal(t, "/things/"+thing.String()+"/mqtt_message/insert", r.path)

			var rec models.MQTTMessageRecord
			require.NoError(t, json.Unmarshal(r.body, &rec))
			assert.Equal(t, tt.want, rec.Message)
			assert.Equal(t, "2024-05-01T10:00:00Z", rec.Timestamp)
		})
	}
}

func TestClient_PostJournal(t *testing.T) {
	srv, reqs := newServer(t, http.StatusCreated)
	c := newClient(srv.URL)

	entry := models.JournalEntry{Timestamp: "2024-05-01T10:00:00Z", Message: "Parsed file b/f.csv", Level: models.JournalInfo, Origin: "Parser"}
	require.NoError(t, c.PostJournal(context.Background(), thing, entry))

	r := reqs.at(0)
	assert.Equal(t, "/journal/"+thing.String(), r.path)
	assert.JSONEq(t, `{"timestamp":"2024-05-01T10:00:00Z","message":"Parsed file b/f.csv","level":"INFO","origin":"Parser"}`, string(r.body))
}

func TestClient_Ping(t *testing.T) {
	ok, reqs := newServer(t, http.StatusOK)
	require.NoError(t, newClient(ok.URL).Ping(context.Background()))
	assert.Equal(t, "/health", reqs.at(0).path)

	down, _ := newServer(t, http.StatusServiceUnavailable)
	var se *StatusError
	assert.True(t, errors.As(newClient(down.URL).Ping(context.Background()), &se))
}
