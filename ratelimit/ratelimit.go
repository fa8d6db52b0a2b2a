// Package ratelimit provides an adaptive token-bucket rate limiter for
// pacing outbound API calls. The bucket itself is golang.org/x/time/rate;
// the adaptive layer nudges the effective rate up or down based on streaks
// of observed successes and errors.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/callguard/metrics"
)

// ErrLimited is the sentinel matched by errors.Is when no token became
// available within the caller's patience window.
var ErrLimited = errors.New("rate limit exceeded")

// LimitError reports a failed acquisition. RetryAfter is a hint for when
// capacity is expected to be available again.
type LimitError struct {
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
	}
	return "rate limit exceeded"
}

// Is reports that a LimitError matches the ErrLimited sentinel.
func (e *LimitError) Is(target error) bool {
	return target == ErrLimited
}

// Adaptive adjustment parameters. A rate change only happens on streak
// boundaries, not per call, so isolated blips cannot oscillate the rate.
const (
	raiseAfterSuccesses = 10
	cutAfterErrors      = 3
	raiseFactor         = 1.1
	cutFactor           = 0.8
	maxRateFactor       = 1.5 // ceiling relative to the base rate
	minRateFactor       = 0.5 // floor relative to the base rate
)

// Config holds rate limiter settings.
type Config struct {
	// CallsPerSecond is the nominal sustained rate. Default: 10.
	CallsPerSecond float64

	// Burst is the maximum token accumulation. Default: 1.
	Burst int

	// Adaptive enables feedback-driven rate adjustment. When false,
	// OnSuccess and OnError are no-ops and the rate never changes.
	Adaptive bool
}

func (c Config) withDefaults() Config {
	if c.CallsPerSecond <= 0 {
		c.CallsPerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// AdaptiveLimiter is a token-bucket limiter shared by many concurrent
// callers. The bucket tracks capacity; the streak counters track recent
// health of the downstream endpoint.
type AdaptiveLimiter struct {
	logger *slog.Logger

	mu        sync.Mutex
	lim       *rate.Limiter
	base      float64
	current   float64
	burst     int
	adaptive  bool
	successes int // consecutive successes; zeroed by any error
	errs      int // consecutive errors; zeroed by any success
}

// New creates an adaptive rate limiter with a full initial bucket.
func New(cfg Config, logger *slog.Logger) *AdaptiveLimiter {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	l := &AdaptiveLimiter{
		logger:   logger,
		lim:      rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), cfg.Burst),
		base:     cfg.CallsPerSecond,
		current:  cfg.CallsPerSecond,
		burst:    cfg.Burst,
		adaptive: cfg.Adaptive,
	}
	metrics.LimiterRate.Set(l.current)
	return l
}

// Acquire blocks until one token is available or timeout elapses, whichever
// comes first. Returns true when a token was consumed. A timeout of zero
// means the caller waits only for ctx.
func (l *AdaptiveLimiter) Acquire(ctx context.Context, timeout time.Duration) bool {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	l.mu.Lock()
	lim := l.lim
	l.mu.Unlock()

	// rate.Limiter.Wait fails fast when the required wait would exceed the
	// context deadline, so a hopeless acquisition does not sleep first.
	if err := lim.Wait(ctx); err != nil {
		metrics.LimiterTimeouts.Inc()
		return false
	}
	return true
}

// Allow reports whether a token is available right now, consuming one if so.
func (l *AdaptiveLimiter) Allow() bool {
	l.mu.Lock()
	lim := l.lim
	l.mu.Unlock()
	return lim.Allow()
}

// RetryAfter estimates how long until the next token is available.
func (l *AdaptiveLimiter) RetryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	tokens := l.lim.Tokens()
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / l.current * float64(time.Second))
}

// OnSuccess records a successful downstream call. After ten consecutive
// successes the effective rate is raised 10%, capped at 1.5x the base rate.
func (l *AdaptiveLimiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.adaptive {
		return
	}

	l.errs = 0
	l.successes++
	if l.successes < raiseAfterSuccesses {
		return
	}
	l.successes = 0

	raised := min(l.base*maxRateFactor, l.current*raiseFactor)
	l.setRateLocked(raised, "raise")
}

// OnError records a failed downstream call. After three consecutive errors
// the effective rate is cut 20%, floored at 0.5x the base rate.
func (l *AdaptiveLimiter) OnError() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.adaptive {
		return
	}

	l.successes = 0
	l.errs++
	if l.errs < cutAfterErrors {
		return
	}
	l.errs = 0

	cut := max(l.base*minRateFactor, l.current*cutFactor)
	l.setRateLocked(cut, "cut")
}

// setRateLocked applies a new effective rate. Must be called with l.mu held.
func (l *AdaptiveLimiter) setRateLocked(newRate float64, direction string) {
	if newRate == l.current {
		return
	}

	old := l.current
	l.current = newRate
	l.lim.SetLimit(rate.Limit(newRate))

	metrics.LimiterRate.Set(newRate)
	metrics.LimiterAdjustments.WithLabelValues(direction).Inc()

	l.logger.Info("rate limiter adjusted",
		"direction", direction,
		"old_rate", old,
		"new_rate", newRate,
		"base_rate", l.base,
	)
}

// Status is an observability snapshot of the limiter.
type Status struct {
	BaseRate             float64 `json:"base_calls_per_second"`
	CurrentRate          float64 `json:"current_calls_per_second"`
	Burst                int     `json:"burst_size"`
	Tokens               float64 `json:"tokens"`
	Adaptive             bool    `json:"adaptive"`
	ConsecutiveSuccesses int     `json:"consecutive_successes"`
	ConsecutiveErrors    int     `json:"consecutive_errors"`
}

// Status returns a snapshot for diagnostics. It never consumes tokens.
func (l *AdaptiveLimiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Status{
		BaseRate:             l.base,
		CurrentRate:          l.current,
		Burst:                l.burst,
		Tokens:               l.lim.Tokens(),
		Adaptive:             l.adaptive,
		ConsecutiveSuccesses: l.successes,
		ConsecutiveErrors:    l.errs,
	}
}

// CurrentRate returns the effective rate in calls per second.
func (l *AdaptiveLimiter) CurrentRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// UpdateConfig hot-reloads the limiter settings. The effective rate snaps
// back to the new base and the streak counters restart.
func (l *AdaptiveLimiter) UpdateConfig(cfg Config) {
	cfg = cfg.withDefaults()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.base = cfg.CallsPerSecond
	l.current = cfg.CallsPerSecond
	l.burst = cfg.Burst
	l.adaptive = cfg.Adaptive
	l.successes = 0
	l.errs = 0
	l.lim.SetLimit(rate.Limit(cfg.CallsPerSecond))
	l.lim.SetBurst(cfg.Burst)

	metrics.LimiterRate.Set(l.current)
}
