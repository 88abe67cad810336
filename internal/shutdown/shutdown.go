// Package shutdown stops the process in a fixed order once a signal arrives
// or the dispatch loop ends.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Closer is a component stopped by Close
type Closer interface {
	Close() error
}

// StepFunc is one step of the shutdown sequence
type StepFunc func(ctx context.Context) error

// Priorities of the components of an ingest process. Lower runs first.
const (
	PriorityLoop        = 10 // stop taking messages
	PriorityHealthcheck = 20
	PriorityHTTPServer  = 30
	PriorityMQTT        = 40 // after the loop, so pending publishes go out
	PriorityStorage     = 80
	PriorityConfigDB    = 90
)

type step struct {
	name     string
	run      StepFunc
	priority int
	seq      int
}

// Coordinator runs the registered steps once, lowest priority first. Steps
// of equal priority run in registration order.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	once    sync.Once
	trigger sync.Once
	done    chan struct{}
	err     error
}

// New creates a coordinator that gives all steps together timeout to finish
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		logger:  logger.With().Str("component", "shutdown").Logger(),
		done:    make(chan struct{}),
	}
}

// Register adds a component that is closed during shutdown
func (c *Coordinator) Register(name string, component Closer, priority int) {
	c.RegisterFunc(name, func(context.Context) error { return component.Close() }, priority)
}

// RegisterFunc adds a shutdown step
func (c *Coordinator) RegisterFunc(name string, fn StepFunc, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step{name: name, run: fn, priority: priority, seq: len(c.steps)})
	c.logger.Debug().Str("name", name).Int("priority", priority).Msg("Registered shutdown step")
}

// Context returns a context that is cancelled on SIGINT, SIGTERM or Trigger
func (c *Coordinator) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Trigger requests a shutdown. It is safe to call more than once.
func (c *Coordinator) Trigger() {
	c.trigger.Do(func() {
		c.logger.Info().Msg("Shutdown requested")
		close(c.done)
	})
}

// Done is closed once a shutdown was requested
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Shutdown runs all steps. Later calls return the result of the first. The
// first step error is returned; remaining steps still run until the timeout
// expires.
func (c *Coordinator) Shutdown() error {
	c.once.Do(func() {
		c.trigger.Do(func() { close(c.done) })

		c.mu.Lock()
		steps := append([]step(nil), c.steps...)
		c.mu.Unlock()
		sort.Slice(steps, func(i, j int) bool {
			if steps[i].priority != steps[j].priority {
				return steps[i].priority < steps[j].priority
			}
			return steps[i].seq < steps[j].seq
		})

		c.logger.Info().Dur("timeout", c.timeout).Int("steps", len(steps)).Msg("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		start := time.Now()

		for _, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().Str("step", s.name).Msg("Shutdown timeout reached, skipping remaining steps")
				if c.err == nil {
					c.err = ctx.Err()
				}
				return
			}
			if err := s.run(ctx); err != nil {
				c.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
				if c.err == nil {
					c.err = err
				}
				continue
			}
			c.logger.Debug().Str("step", s.name).Msg("Shutdown step complete")
		}
		c.logger.Info().Dur("duration", time.Since(start)).Msg("Shutdown complete")
	})
	return c.err
}
