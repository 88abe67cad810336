package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errBackend = errors.New("backend unavailable")

func fail(context.Context) error { return errBackend }
func succeed(context.Context) error { return nil }

// newTestBreaker returns a breaker with a controllable clock
func newTestBreaker(cfg *Config) (*CircuitBreaker, *time.Time) {
	cb := New(cfg, zerolog.Nop())
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return clock }
	return cb, &clock
}

// TestStateString tests the State.String() method
func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	cb := New(&Config{Name: "dbapi"}, zerolog.Nop())
	if cb.config.MaxFailures != 5 {
		t.Errorf("MaxFailures = %d, want 5", cb.config.MaxFailures)
	}
	if cb.config.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cb.config.Timeout)
	}
	if cb.config.HalfOpenMaxRequests != 1 {
		t.Errorf("HalfOpenMaxRequests = %d, want 1", cb.config.HalfOpenMaxRequests)
	}

	if New(nil, zerolog.Nop()).config.Name != "default" {
		t.Error("nil config should use the default name")
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(&Config{Name: "dbapi", MaxFailures: 3, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errBackend) {
			t.Fatalf("attempt %d: err = %v, want backend error", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("State = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("function was called while the circuit is open")
	}
	if got := cb.Stats().Rejected; got != 1 {
		t.Errorf("Rejected = %d, want 1", got)
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(&Config{Name: "t", MaxFailures: 3})
	ctx := context.Background()

	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	cb.Execute(ctx, succeed)
	cb.Execute(ctx, fail)

	if cb.State() != StateClosed {
		t.Errorf("State = %v, want closed", cb.State())
	}
	if got := cb.Stats().Failures; got != 1 {
		t.Errorf("Failures = %d, want 1", got)
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("trial success closes", func(t *testing.T) {
		cb, clock := newTestBreaker(&Config{Name: "t", MaxFailures: 1, Timeout: time.Minute})
		cb.Execute(ctx, fail)

		*clock = clock.Add(30 * time.Second)
		if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("err = %v before the timeout, want ErrCircuitOpen", err)
		}

		*clock = clock.Add(31 * time.Second)
		if err := cb.Execute(ctx, succeed); err != nil {
			t.Fatalf("trial failed: %v", err)
		}
		if cb.State() != StateClosed {
			t.Errorf("State = %v, want closed", cb.State())
		}
	})

	t.Run("trial failure reopens", func(t *testing.T) {
		cb, clock := newTestBreaker(&Config{Name: "t", MaxFailures: 1, Timeout: time.Minute})
		cb.Execute(ctx, fail)

		*clock = clock.Add(2 * time.Minute)
		cb.Execute(ctx, fail)
		if cb.State() != StateOpen {
			t.Errorf("State = %v, want open", cb.State())
		}
	})

	t.Run("trial limit", func(t *testing.T) {
		cb, clock := newTestBreaker(&Config{Name: "t", MaxFailures: 1, Timeout: time.Minute, HalfOpenMaxRequests: 2})
		cb.Execute(ctx, fail)
		*clock = clock.Add(2 * time.Minute)

		release := make(chan struct{})
		started := make(chan struct{}, 2)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				cb.Execute(ctx, func(context.Context) error {
					started <- struct{}{}
					<-release
					return nil
				})
			}()
		}
		<-started
		<-started

		if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("third trial err = %v, want ErrCircuitOpen", err)
		}
		close(release)
		wg.Wait()

		if cb.State() != StateClosed {
			t.Errorf("State = %v after two successful trials, want closed", cb.State())
		}
	})
}

func TestCircuitBreaker_ExcludedErrors(t *testing.T) {
	errRejected := errors.New("422 unprocessable")
	cb, _ := newTestBreaker(&Config{
		Name:        "t",
		MaxFailures: 1,
		Excluded:    func(err error) bool { return errors.Is(err, errRejected) },
	})

	for i := 0; i < 5; i++ {
		cb.Execute(context.Background(), func(context.Context) error { return errRejected })
	}
	if cb.State() != StateClosed {
		t.Errorf("State = %v after excluded errors, want closed", cb.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if cb.State() != StateClosed {
		t.Errorf("State = %v after cancellation, want closed", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cb, clock := newTestBreaker(&Config{
		Name:        "t",
		MaxFailures: 1,
		Timeout:     time.Second,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	cb.Execute(ctx, fail)
	*clock = clock.Add(2 * time.Second)
	cb.Execute(ctx, succeed)

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(&Config{Name: "t", MaxFailures: 1, Timeout: time.Hour})
	cb.Execute(context.Background(), fail)
	if cb.State() != StateOpen {
		t.Fatalf("State = %v, want open", cb.State())
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("State = %v after reset, want closed", cb.State())
	}
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Errorf("Execute after reset: %v", err)
	}
}

func TestCircuitBreaker_Concurrent(t *testing.T) {
	cb := New(&Config{Name: "t", MaxFailures: 1000}, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				cb.Execute(context.Background(), fail)
			} else {
				cb.Execute(context.Background(), succeed)
			}
		}(i)
	}
	wg.Wait()
	if cb.State() != StateClosed {
		t.Errorf("State = %v, want closed", cb.State())
	}
}
