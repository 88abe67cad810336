package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Gather(t *testing.T) {
	m := newMetrics()
	m.IncMessagesReceived(128)
	m.IncOutcome(OutcomeSuccess)
	m.IncOutcome(OutcomeSuccess)
	m.IncOutcome("bogus")
	m.IncObservations("number", 7)
	m.IncHeaderMismatch()
	m.SetMQTTConnected(true)
	m.ObserveProcessing(30 * time.Millisecond)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range metric.GetLabel() {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			switch {
			case metric.GetCounter() != nil:
				values[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[key] = metric.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 1.0, values["tsm_ingest_messages_received_total"])
	assert.Equal(t, 128.0, values["tsm_ingest_message_bytes_total"])
	assert.Equal(t, 2.0, values["tsm_ingest_messages_total{outcome=success}"])
	assert.Equal(t, 0.0, values["tsm_ingest_messages_total{outcome=fatal}"])
	assert.Equal(t, 7.0, values["tsm_ingest_observations_total{result_type=number}"])
	assert.Equal(t, 1.0, values["tsm_ingest_header_position_mismatch_total"])
	assert.Equal(t, 1.0, values["tsm_ingest_mqtt_connected"])
}

func TestMetrics_Handler(t *testing.T) {
	m := newMetrics()
	m.IncUpsertErrors()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "tsm_ingest_upsert_errors_total 1")
}

func TestMetrics_Snapshot(t *testing.T) {
	m := newMetrics()
	assert.True(t, m.LastMessageAt().IsZero())

	m.IncMessagesReceived(3)
	m.IncOutcome(OutcomeDataError)

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap["messages_received_total"])
	assert.Equal(t, int64(1), snap["messages_by_outcome"].(map[string]int64)[OutcomeDataError])
	assert.Contains(t, snap, "last_message_at")
	assert.False(t, m.LastMessageAt().IsZero())
}

func TestGet_Singleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}
