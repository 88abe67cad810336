package logger

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Thing     string    `json:"thing,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

// LogBuffer is a circular buffer that stores recent log entries
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	size     int
	writePos int
	count    int
}

var (
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetBuffer returns the global log buffer instance
func GetBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(2000)
	})
	return globalBuffer
}

// NewLogBuffer creates a new log buffer with specified capacity
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 1
	}
	return &LogBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Add adds a log entry to the buffer
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.writePos] = entry
	b.writePos = (b.writePos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Query filters the recent entries
type Query struct {
	Limit        int
	Level        string // minimum level
	Thing        string
	SinceMinutes int
}

// GetRecent returns matching entries, most recent first
func (b *LogBuffer) GetRecent(q Query) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 || limit > b.count {
		limit = b.count
	}

	var cutoff time.Time
	if q.SinceMinutes > 0 {
		cutoff = time.Now().Add(-time.Duration(q.SinceMinutes) * time.Minute)
	}
	levelUpper := strings.ToUpper(q.Level)

	var result []LogEntry
	for i := 0; i < b.count && len(result) < limit; i++ {
		idx := (b.writePos - 1 - i + b.size) % b.size
		entry := b.entries[idx]

		if !cutoff.IsZero() && entry.Timestamp.Before(cutoff) {
			continue
		}
		if levelUpper != "" && !matchesLevel(entry.Level, levelUpper) {
			continue
		}
		if q.Thing != "" && entry.Thing != q.Thing {
			continue
		}
		result = append(result, entry)
	}
	return result
}

var levelPriority = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
	"FATAL": 4,
}

// matchesLevel checks if the entry level matches or exceeds the filter level
func matchesLevel(entryLevel, filterLevel string) bool {
	entryPriority, ok1 := levelPriority[strings.ToUpper(entryLevel)]
	filterPriority, ok2 := levelPriority[filterLevel]
	if !ok1 || !ok2 {
		return strings.EqualFold(entryLevel, filterLevel)
	}
	return entryPriority >= filterPriority
}

// Count returns the current number of entries in the buffer
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// LogBufferWriter is an io.Writer that captures log output and stores in buffer
type LogBufferWriter struct {
	buffer   *LogBuffer
	original io.Writer
}

// NewLogBufferWriter creates a writer that captures logs to the global buffer
func NewLogBufferWriter(original io.Writer) *LogBufferWriter {
	return &LogBufferWriter{
		buffer:   GetBuffer(),
		original: original,
	}
}

// Write implements io.Writer. p is one zerolog JSON event.
func (w *LogBufferWriter) Write(p []byte) (n int, err error) {
	if w.original != nil {
		n, err = w.original.Write(p)
	} else {
		n = len(p)
	}

	if entry, ok := parseLogLine(p); ok {
		w.buffer.Add(entry)
	}
	return n, err
}

type zerologEvent struct {
	Level     string `json:"level"`
	Component string `json:"component"`
	Thing     string `json:"thing"`
	Message   string `json:"message"`
	Error     string `json:"error"`
	Time      string `json:"time"`
}

// parseLogLine extracts a log entry from zerolog JSON output
func parseLogLine(p []byte) (LogEntry, bool) {
	var ev zerologEvent
	if err := json.Unmarshal(p, &ev); err != nil {
		return LogEntry{}, false
	}
	if ev.Message == "" && ev.Level == "" {
		return LogEntry{}, false
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     strings.ToUpper(ev.Level),
		Component: ev.Component,
		Thing:     ev.Thing,
		Message:   ev.Message,
		Error:     ev.Error,
	}
	if t, err := time.Parse(time.RFC3339, ev.Time); err == nil {
		entry.Timestamp = t
	}
	return entry, true
}
