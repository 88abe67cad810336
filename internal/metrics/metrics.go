package metrics

import (
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Dispatch outcomes
const (
	OutcomeSuccess   = "success"
	OutcomeUserError = "user_error"
	OutcomeDataError = "data_error"
	OutcomeFatal     = "fatal"
	OutcomeSkipped   = "skipped"
)

var outcomes = []string{OutcomeSuccess, OutcomeUserError, OutcomeDataError, OutcomeFatal, OutcomeSkipped}

// observation result types as labelled in the exported counters
var resultTypes = []string{"number", "string", "json", "boolean"}

// Metrics holds the ingest counters exported to Prometheus
type Metrics struct {
	startTime time.Time

	// Dispatch loop
	messagesReceived atomic.Int64
	messageBytes     atomic.Int64
	outcomes         map[string]*atomic.Int64
	lastMessageAt    atomic.Int64 // unix nanos

	// Parsing
	parseWarnings  atomic.Int64
	headerMismatch atomic.Int64
	mappingsSaved  atomic.Int64
	observations   map[string]*atomic.Int64

	// DB API
	upsertRequests atomic.Int64
	upsertErrors   atomic.Int64
	journalEntries atomic.Int64
	journalErrors  atomic.Int64

	// Object storage
	storageReads      atomic.Int64
	storageReadBytes  atomic.Int64
	storageErrors     atomic.Int64
	storageTagUpdates atomic.Int64

	// MQTT
	mqttConnected  atomic.Bool
	mqttReconnects atomic.Int64
	mqttPublished  atomic.Int64

	processing prometheus.Histogram
	registry   *prometheus.Registry

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Info().Msg("Metrics collector initialized")
	return m
}

func newMetrics() *Metrics {
	m := &Metrics{
		startTime:    time.Now(),
		outcomes:     make(map[string]*atomic.Int64, len(outcomes)),
		observations: make(map[string]*atomic.Int64, len(resultTypes)),
		registry:     prometheus.NewRegistry(),
		logger:       zerolog.Nop(),
	}
	for _, o := range outcomes {
		m.outcomes[o] = new(atomic.Int64)
	}
	for _, t := range resultTypes {
		m.observations[t] = new(atomic.Int64)
	}

	m.processing = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tsm_ingest_message_duration_seconds",
		Help:    "Time spent handling one message, from decode to outcome",
		Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.processing,
		counter("tsm_ingest_messages_received_total", "Messages taken from the transport", &m.messagesReceived),
		counter("tsm_ingest_message_bytes_total", "Payload bytes taken from the transport", &m.messageBytes),
		counter("tsm_ingest_parse_warnings_total", "Parsing warnings collected", &m.parseWarnings),
		counter("tsm_ingest_header_position_mismatch_total", "Header and position based parses that disagreed", &m.headerMismatch),
		counter("tsm_ingest_mappings_saved_total", "Header mapping files written", &m.mappingsSaved),
		counter("tsm_ingest_upsert_requests_total", "Observation upsert requests", &m.upsertRequests),
		counter("tsm_ingest_upsert_errors_total", "Failed observation upsert requests", &m.upsertErrors),
		counter("tsm_ingest_journal_entries_total", "Journal entries sent", &m.journalEntries),
		counter("tsm_ingest_journal_errors_total", "Journal entries that could not be sent", &m.journalErrors),
		counter("tsm_ingest_storage_reads_total", "Raw objects read", &m.storageReads),
		counter("tsm_ingest_storage_read_bytes_total", "Raw object bytes read", &m.storageReadBytes),
		counter("tsm_ingest_storage_errors_total", "Object storage failures", &m.storageErrors),
		counter("tsm_ingest_storage_tag_updates_total", "Objects tagged as parsed", &m.storageTagUpdates),
		counter("tsm_ingest_mqtt_reconnects_total", "MQTT reconnect attempts", &m.mqttReconnects),
		counter("tsm_ingest_mqtt_published_total", "MQTT messages published", &m.mqttPublished),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tsm_ingest_mqtt_connected",
			Help: "1 while the MQTT client is connected",
		}, func() float64 {
			if m.mqttConnected.Load() {
				return 1
			}
			return 0
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tsm_ingest_uptime_seconds",
			Help: "Time since the process started",
		}, func() float64 { return time.Since(m.startTime).Seconds() }),
	)
	for _, o := range outcomes {
		m.registry.MustRegister(labelled("tsm_ingest_messages_total", "Handled messages by outcome", "outcome", o, m.outcomes[o]))
	}
	for _, t := range resultTypes {
		m.registry.MustRegister(labelled("tsm_ingest_observations_total", "Encoded observations by result type", "result_type", t, m.observations[t]))
	}
	return m
}

func counter(name, help string, v *atomic.Int64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
		return float64(v.Load())
	})
}

func labelled(name, help, label, value string, v *atomic.Int64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{label: value},
	}, func() float64 {
		return float64(v.Load())
	})
}

// Dispatch loop
func (m *Metrics) IncMessagesReceived(bytes int) {
	m.messagesReceived.Add(1)
	m.messageBytes.Add(int64(bytes))
	m.lastMessageAt.Store(time.Now().UnixNano())
}

// IncOutcome counts a handled message. Unknown outcomes are ignored.
func (m *Metrics) IncOutcome(outcome string) {
	if c, ok := m.outcomes[outcome]; ok {
		c.Add(1)
	}
}

// ObserveProcessing records how long one message took
func (m *Metrics) ObserveProcessing(d time.Duration) { m.processing.Observe(d.Seconds()) }

// Parsing
func (m *Metrics) IncParseWarnings(count int) { m.parseWarnings.Add(int64(count)) }
func (m *Metrics) IncHeaderMismatch()         { m.headerMismatch.Add(1) }
func (m *Metrics) IncMappingsSaved()          { m.mappingsSaved.Add(1) }

// IncObservations counts encoded observations of one result type
func (m *Metrics) IncObservations(resultType string, count int) {
	if c, ok := m.observations[resultType]; ok {
		c.Add(int64(count))
	}
}

// DB API
func (m *Metrics) IncUpsertRequests() { m.upsertRequests.Add(1) }
func (m *Metrics) IncUpsertErrors()   { m.upsertErrors.Add(1) }
func (m *Metrics) IncJournalEntries() { m.journalEntries.Add(1) }
func (m *Metrics) IncJournalErrors()  { m.journalErrors.Add(1) }

// Object storage
func (m *Metrics) IncStorageReads()                 { m.storageReads.Add(1) }
func (m *Metrics) IncStorageReadBytes(bytes int64)  { m.storageReadBytes.Add(bytes) }
func (m *Metrics) IncStorageErrors()                { m.storageErrors.Add(1) }
func (m *Metrics) IncStorageTagUpdates()            { m.storageTagUpdates.Add(1) }

// MQTT
func (m *Metrics) SetMQTTConnected(connected bool) { m.mqttConnected.Store(connected) }
func (m *Metrics) IncMQTTReconnects()              { m.mqttReconnects.Add(1) }
func (m *Metrics) IncMQTTPublished()               { m.mqttPublished.Add(1) }

// LastMessageAt returns when the last message was received, zero if none was
func (m *Metrics) LastMessageAt() time.Time {
	ns := m.lastMessageAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Registry returns the Prometheus registry holding all ingest collectors
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot returns all metrics as a map (for JSON endpoint)
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	outcomes := make(map[string]int64, len(m.outcomes))
	for o, c := range m.outcomes {
		outcomes[o] = c.Load()
	}
	observations := make(map[string]int64, len(m.observations))
	for t, c := range m.observations {
		observations[t] = c.Load()
	}

	snap := map[string]interface{}{
		"uptime_seconds":     time.Since(m.startTime).Seconds(),
		"goroutines":         runtime.NumGoroutine(),
		"go_version":         runtime.Version(),
		"memory_alloc_bytes": memStats.Alloc,
		"gc_cycles":          memStats.NumGC,

		"messages_received_total": m.messagesReceived.Load(),
		"message_bytes_total":     m.messageBytes.Load(),
		"messages_by_outcome":     outcomes,

		"parse_warnings_total":           m.parseWarnings.Load(),
		"header_position_mismatch_total": m.headerMismatch.Load(),
		"mappings_saved_total":           m.mappingsSaved.Load(),
		"observations_by_result_type":    observations,

		"upsert_requests_total": m.upsertRequests.Load(),
		"upsert_errors_total":   m.upsertErrors.Load(),
		"journal_entries_total": m.journalEntries.Load(),
		"journal_errors_total":  m.journalErrors.Load(),

		"storage_reads_total":       m.storageReads.Load(),
		"storage_read_bytes_total":  m.storageReadBytes.Load(),
		"storage_errors_total":      m.storageErrors.Load(),
		"storage_tag_updates_total": m.storageTagUpdates.Load(),

		"mqtt_connected":        m.mqttConnected.Load(),
		"mqtt_reconnects_total": m.mqttReconnects.Load(),
		"mqtt_published_total":  m.mqttPublished.Load(),
	}
	if last := m.LastMessageAt(); !last.IsZero() {
		snap["last_message_at"] = last.UTC().Format(time.RFC3339)
	}
	return snap
}
