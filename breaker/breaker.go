// Package breaker provides named, per-endpoint circuit breakers for
// protecting outbound API calls against repeated downstream failures.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/callguard/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; trial calls allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is the sentinel matched by errors.Is when a call is rejected
// because the circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned by Do when the breaker rejects a call without
// invoking the operation. RetryAfter is the remaining open dwell time.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Name, e.RetryAfter)
}

// Is reports that an OpenError matches the ErrOpen sentinel.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Config holds circuit breaker tuning parameters.
type Config struct {
	// FailureThreshold is the number of consecutive counted failures that
	// opens the circuit. Default: 5.
	FailureThreshold int

	// RecoveryTimeout is the minimum dwell in the open state before a
	// trial call is allowed. Default: 30s.
	RecoveryTimeout time.Duration

	// FailureOn reports whether an error counts as a failure. Errors it
	// rejects propagate without touching breaker state. Default: any
	// non-nil error counts.
	FailureOn func(error) bool
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.FailureOn == nil {
		c.FailureOn = func(err error) bool { return err != nil }
	}
	return c
}

// Breaker is a consecutive-failure circuit breaker shared by all callers of
// one logical endpoint. All state is guarded by its mutex; the protected
// operation itself runs outside the lock.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// New creates a circuit breaker for the given endpoint name.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: logger,
		state:  StateClosed,
	}
}

// Name returns the breaker's endpoint name.
func (b *Breaker) Name() string { return b.name }

// Do runs op through the breaker. While open and within the recovery
// timeout it fails fast with an OpenError without invoking op. Otherwise op
// runs on the caller's goroutine, outside the breaker's lock: multiple
// goroutines observing half-open may issue trial calls concurrently, and
// that is intentional (trial calls are not serialized to one).
//
// The call that trips the breaker still returns the original error; only
// subsequent calls see OpenError. Errors rejected by FailureOn propagate
// without affecting breaker state.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := op(ctx)

	b.afterCall(err)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		remaining := b.cfg.RecoveryTimeout - time.Since(b.lastFailure)
		if remaining > 0 {
			metrics.BreakerRejections.WithLabelValues(b.name).Inc()
			return &OpenError{Name: b.name, RetryAfter: remaining}
		}
		b.transitionTo(StateHalfOpen)
	}
	return nil
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.transitionTo(StateClosed)
		}
		return
	}

	if !b.cfg.FailureOn(err) {
		// Not a counted failure: propagate without touching state.
		return
	}

	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= b.cfg.FailureThreshold {
		b.transitionTo(StateOpen)
	}
}

// State returns the current breaker state without mutating it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status is an observability snapshot of a breaker.
type Status struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	NextAttempt time.Time `json:"next_attempt,omitzero"`
}

// Status returns a snapshot for diagnostics. It never mutates breaker state.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Name:        b.name,
		State:       b.state.String(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
	if b.state == StateOpen {
		st.NextAttempt = b.lastFailure.Add(b.cfg.RecoveryTimeout)
	}
	return st
}

// Reset forces the breaker back to closed with zeroed counters. Used by
// operator tooling, not by normal call paths.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.lastFailure = time.Time{}
	if b.state != StateClosed {
		b.transitionTo(StateClosed)
	}
}

// UpdateConfig replaces the breaker's tuning parameters at runtime
// (e.g. on config hot-reload). The current state and counters are kept.
func (b *Breaker) UpdateConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg.withDefaults()
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.BreakerStateChanges.WithLabelValues(b.name, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"breaker", b.name,
		"from", from.String(),
		"to", newState.String(),
		"failures", b.failures,
	)
}
