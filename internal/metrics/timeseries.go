package metrics

import (
	"runtime"
	"sync"
	"time"
)

// TimeSeriesPoint represents a single data point in a time series
type TimeSeriesPoint struct {
	Timestamp time.Time              `json:"timestamp"`
	Values    map[string]interface{} `json:"values"`
}

// TimeSeriesBuffer is a fixed size ring of points
type TimeSeriesBuffer struct {
	mu       sync.RWMutex
	points   []TimeSeriesPoint
	size     int
	writePos int
	count    int
}

// TimeSeriesCollector samples the ingest counters at a fixed interval
type TimeSeriesCollector struct {
	metrics  *Metrics
	system   *TimeSeriesBuffer // goroutines, memory
	ingest   *TimeSeriesBuffer // message outcomes, observations
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewTimeSeriesCollector creates a collector keeping bufferSize samples of m
func NewTimeSeriesCollector(m *Metrics, bufferSize int, interval time.Duration) *TimeSeriesCollector {
	return &TimeSeriesCollector{
		metrics:  m,
		system:   NewTimeSeriesBuffer(bufferSize),
		ingest:   NewTimeSeriesBuffer(bufferSize),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// NewTimeSeriesBuffer creates a new time-series buffer
func NewTimeSeriesBuffer(size int) *TimeSeriesBuffer {
	return &TimeSeriesBuffer{
		points: make([]TimeSeriesPoint, size),
		size:   size,
	}
}

// Start begins collecting time-series data
func (c *TimeSeriesCollector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopCh:
				return
			case now := <-ticker.C:
				c.collect(now)
			}
		}
	}()
}

// Close stops the collector. It is safe to call more than once.
func (c *TimeSeriesCollector) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return nil
}

func (c *TimeSeriesCollector) collect(now time.Time) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	c.system.Add(TimeSeriesPoint{
		Timestamp: now,
		Values: map[string]interface{}{
			"goroutines":      runtime.NumGoroutine(),
			"memory_alloc_mb": float64(memStats.Alloc) / 1024 / 1024,
			"gc_cycles":       memStats.NumGC,
		},
	})

	m := c.metrics
	values := map[string]interface{}{
		"messages_received_total": m.messagesReceived.Load(),
		"parse_warnings_total":    m.parseWarnings.Load(),
		"upsert_errors_total":     m.upsertErrors.Load(),
	}
	for o, v := range m.outcomes {
		values["messages_"+o] = v.Load()
	}
	for t, v := range m.observations {
		values["observations_"+t] = v.Load()
	}
	c.ingest.Add(TimeSeriesPoint{Timestamp: now, Values: values})
}

// Add adds a point to the buffer
func (b *TimeSeriesBuffer) Add(point TimeSeriesPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.points[b.writePos] = point
	b.writePos = (b.writePos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// GetRecent returns points from the last N minutes, oldest first
func (b *TimeSeriesBuffer) GetRecent(durationMinutes int) []TimeSeriesPoint {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cutoff := time.Now().Add(-time.Duration(durationMinutes) * time.Minute)
	var result []TimeSeriesPoint
	for i := 0; i < b.count; i++ {
		idx := (b.writePos - b.count + i + b.size) % b.size
		if point := b.points[idx]; point.Timestamp.After(cutoff) {
			result = append(result, point)
		}
	}
	return result
}

// GetSystem returns system time-series data
func (c *TimeSeriesCollector) GetSystem(durationMinutes int) []TimeSeriesPoint {
	return c.system.GetRecent(durationMinutes)
}

// GetIngest returns ingest counter time-series data
func (c *TimeSeriesCollector) GetIngest(durationMinutes int) []TimeSeriesPoint {
	return c.ingest.GetRecent(durationMinutes)
}
