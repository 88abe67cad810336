// Package api serves the status endpoints of an ingest process: liveness,
// readiness, Prometheus metrics, recent logs and runtime statistics.
package api

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/timeio/tsm-ingest/internal/logger"
	"github.com/timeio/tsm-ingest/internal/metrics"
)

// Check reports whether a dependency is usable
type Check func(ctx context.Context) error

// StatsFunc returns a JSON-encodable snapshot of a component
type StatsFunc func() any

// Server is the HTTP status server
type Server struct {
	app     *fiber.App
	logger  zerolog.Logger
	addr    string
	started time.Time

	live   map[string]func() bool
	ready  map[string]Check
	stats  map[string]StatsFunc
	series *metrics.TimeSeriesCollector
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:         8080,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates the status server. Routes are registered by
// RegisterRoutes after all checks were added.
func NewServer(config *ServerConfig, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}

	app := fiber.New(fiber.Config{
		AppName:               "tsm-ingest",
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		IdleTimeout:           config.IdleTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,OPTIONS",
	}))
	app.Use(requestLogger(logger))

	return &Server{
		app:     app,
		logger:  logger.With().Str("component", "api-server").Logger(),
		addr:    net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		started: time.Now(),
		live:    make(map[string]func() bool),
		ready:   make(map[string]Check),
		stats:   make(map[string]StatsFunc),
	}
}

// AddLiveness adds a condition /health depends on, such as the healthcheck
// watcher not having detected a stuck subscriber.
func (s *Server) AddLiveness(name string, ok func() bool) { s.live[name] = ok }

// AddReadiness adds a dependency /ready pings
func (s *Server) AddReadiness(name string, check Check) { s.ready[name] = check }

// AddStats adds a section to /api/v1/stats
func (s *Server) AddStats(name string, fn StatsFunc) { s.stats[name] = fn }

// SetTimeSeries enables /api/v1/metrics/timeseries
func (s *Server) SetTimeSeries(c *metrics.TimeSeriesCollector) { s.series = c }

// RegisterRoutes registers all routes
func (s *Server) RegisterRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/ready", s.readyHandler)
	s.app.Get("/metrics", adaptor.HTTPHandler(metrics.Get().Handler()))

	s.app.Get("/api/v1/metrics", s.apiMetricsHandler)
	s.app.Get("/api/v1/metrics/timeseries/:type", s.timeseriesHandler)
	s.app.Get("/api/v1/logs", s.logsHandler)
	s.app.Get("/api/v1/stats", s.statsHandler)
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	failing := []string{}
	for name, ok := range s.live {
		if !ok() {
			failing = append(failing, name)
		}
	}
	status, code := "ok", fiber.StatusOK
	if len(failing) > 0 {
		status, code = "unhealthy", fiber.StatusServiceUnavailable
	}

	uptime := time.Since(s.started)
	return c.Status(code).JSON(fiber.Map{
		"status":     status,
		"failing":    failing,
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.String(),
		"uptime_sec": uptime.Seconds(),
	})
}

// readyHandler pings every dependency with a short timeout
func (s *Server) readyHandler(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
	defer cancel()

	checks := fiber.Map{}
	ready := true
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	code, status := fiber.StatusOK, "ready"
	if !ready {
		code, status = fiber.StatusServiceUnavailable, "not ready"
	}
	return c.Status(code).JSON(fiber.Map{
		"status": status,
		"checks": checks,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) apiMetricsHandler(c *fiber.Ctx) error {
	snapshot := metrics.Get().Snapshot()
	snapshot["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return c.JSON(snapshot)
}

func (s *Server) timeseriesHandler(c *fiber.Ctx) error {
	if s.series == nil {
		return fiber.NewError(fiber.StatusNotFound, "time series collection is disabled")
	}
	durationMinutes := boundedQuery(c, "duration_minutes", 30, 1440)

	var points []metrics.TimeSeriesPoint
	switch kind := c.Params("type"); kind {
	case "system":
		points = s.series.GetSystem(durationMinutes)
	case "ingest":
		points = s.series.GetIngest(durationMinutes)
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":       "Invalid metric type",
			"valid_types": []string{"system", "ingest"},
		})
	}

	return c.JSON(fiber.Map{
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"type":             c.Params("type"),
		"duration_minutes": durationMinutes,
		"points_count":     len(points),
		"data":             points,
	})
}

// logsHandler returns recent log lines, optionally of a single thing
func (s *Server) logsHandler(c *fiber.Ctx) error {
	q := logger.Query{
		Limit:        boundedQuery(c, "limit", 100, 1000),
		Level:        c.Query("level"),
		Thing:        c.Query("thing"),
		SinceMinutes: boundedQuery(c, "since_minutes", 60, 1440),
	}
	entries := logger.GetBuffer().GetRecent(q)

	return c.JSON(fiber.Map{
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"count":         len(entries),
		"limit":         q.Limit,
		"level_filter":  q.Level,
		"thing_filter":  q.Thing,
		"since_minutes": q.SinceMinutes,
		"logs":          entries,
	})
}

func (s *Server) statsHandler(c *fiber.Ctx) error {
	out := fiber.Map{"timestamp": time.Now().UTC().Format(time.RFC3339)}
	for name, fn := range s.stats {
		out[name] = fn()
	}
	return c.JSON(out)
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("Starting status server")
	if err := s.app.Listen(s.addr); err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("Status server stopped")
	return nil
}

// GetApp returns the underlying Fiber app
func (s *Server) GetApp() *fiber.App {
	return s.app
}

func boundedQuery(c *fiber.Ctx, name string, def, upper int) int {
	if v := c.Query(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= upper {
			return n
		}
	}
	return def
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}
		if code >= 500 {
			logger.Error().Err(err).Int("status", code).Str("path", c.Path()).Msg("Request error")
		}
		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}

// requestLogger logs failed requests only
func requestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if status >= 400 {
			ev := logger.Warn()
			if status >= 500 {
				ev = logger.Error()
			}
			ev.Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Str("ip", c.IP()).
				Msg("HTTP request error")
		}
		return err
	}
}
