// Package healthcheck keeps the MQTT subscription honest: it periodically
// pings itself through the broker and reports when no message at all arrived
// for longer than the configured timeout.
package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// PingTopic is the topic a client pings itself on
func PingTopic(clientID string) string { return "health/" + clientID + "/ping" }

// StatusTopic receives the stuck reports of a client
func StatusTopic(clientID string) string { return "health/" + clientID + "/status" }

// Publisher sends MQTT messages
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// Config holds configuration for the monitor
type Config struct {
	ClientID string
	Interval time.Duration // ping and check period
	Timeout  time.Duration // silence after which the loop is reported stuck
}

// Monitor publishes pings and watches for silence
type Monitor struct {
	cfg       Config
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time

	lastMessage atomic.Int64 // unix nanos
	stuck       atomic.Bool

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New creates a monitor. The silence timer starts now.
func New(cfg Config, publisher Publisher, logger zerolog.Logger) (*Monitor, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("healthcheck needs a client id")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("healthcheck interval must be positive, got %s", cfg.Interval)
	}
	if cfg.Timeout < cfg.Interval {
		return nil, fmt.Errorf("healthcheck timeout %s is shorter than the interval %s", cfg.Timeout, cfg.Interval)
	}

	m := &Monitor{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger.With().Str("component", "healthcheck").Logger(),
		now:       time.Now,
	}
	m.Touch()
	return m, nil
}

// Start schedules the ping sender and the watcher
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.logger.Warn().Msg("Healthcheck already running")
		return nil
	}

	m.cron = cron.New()
	schedule := "@every " + m.cfg.Interval.String()
	if _, err := m.cron.AddFunc(schedule, m.ping); err != nil {
		return fmt.Errorf("schedule ping: %w", err)
	}
	if _, err := m.cron.AddFunc(schedule, func() { m.Check() }); err != nil {
		return fmt.Errorf("schedule watcher: %w", err)
	}
	m.cron.Start()
	m.running = true

	m.logger.Info().
		Str("ping_topic", PingTopic(m.cfg.ClientID)).
		Dur("interval", m.cfg.Interval).
		Dur("timeout", m.cfg.Timeout).
		Msg("Healthcheck started")
	return nil
}

// Close stops the scheduled jobs and waits for running ones
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.running = false
	m.logger.Info().Msg("Healthcheck stopped")
	return nil
}

// Touch records that a message was received
func (m *Monitor) Touch() {
	m.lastMessage.Store(m.now().UnixNano())
	if m.stuck.Swap(false) {
		m.logger.Info().Msg("Messages are flowing again")
	}
}

// LastMessage returns when the last message was received, in UTC
func (m *Monitor) LastMessage() time.Time {
	return time.Unix(0, m.lastMessage.Load()).UTC()
}

// Healthy reports whether a message arrived within the timeout
func (m *Monitor) Healthy() bool { return !m.stuck.Load() }

// Check reports the loop as stuck when it was silent for longer than the
// timeout. It returns false in that case.
func (m *Monitor) Check() bool {
	last := m.LastMessage()
	if m.now().Sub(last) <= m.cfg.Timeout {
		return true
	}

	m.stuck.Store(true)
	msg := fmt.Sprintf("MQTT-Loop stuck! Last message received at %s", last.Format(time.ANSIC))
	m.logger.Error().Time("last_message", last).Msg(msg)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Interval)
	defer cancel()
	if err := m.publisher.Publish(ctx, StatusTopic(m.cfg.ClientID), 0, []byte(msg)); err != nil {
		m.logger.Error().Err(err).Msg("Failed to publish healthcheck status")
	}
	return false
}

func (m *Monitor) ping() {
	payload, _ := json.Marshal(map[string]string{"ping": m.now().Format(time.ANSIC)})

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Interval)
	defer cancel()
	if err := m.publisher.Publish(ctx, PingTopic(m.cfg.ClientID), 0, payload); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to publish healthcheck ping")
	}
}
