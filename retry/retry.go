// Package retry provides bounded exponential-backoff retry policies for
// transient outbound call failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/dskow/callguard/breaker"
	"github.com/dskow/callguard/metrics"
)

// ErrExhausted is the sentinel matched by errors.Is when every attempt
// failed. The returned error also wraps the last attempt's error.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy configures retry behavior. The zero value is usable: three
// attempts, doubling backoff from 100ms capped at 30s, no jitter, every
// non-nil error retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first
	// call. Default: 3.
	MaxAttempts int

	// BackoffBase is the exponential multiplier between attempts.
	// Default: 2.
	BackoffBase float64

	// BackoffMin is the delay before the first retry. Default: 100ms.
	BackoffMin time.Duration

	// BackoffMax caps the delay between attempts. Default: 30s.
	BackoffMax time.Duration

	// Jitter adds up to 25% random variance to each delay, spreading out
	// synchronized retry storms.
	Jitter bool

	// RetryIf reports whether an error should trigger a retry. Errors it
	// rejects propagate immediately. Default: any non-nil error retries.
	RetryIf func(error) bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 2
	}
	if p.BackoffMin <= 0 {
		p.BackoffMin = 100 * time.Millisecond
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = 30 * time.Second
	}
	if p.RetryIf == nil {
		p.RetryIf = func(err error) bool { return err != nil }
	}
	return p
}

// Do runs op up to MaxAttempts times. An open circuit breaker short-circuits
// the remaining attempts: the endpoint is known-bad for its whole recovery
// timeout, so sleeping through the backoff budget would be wasted time.
// Backoff sleeps are cancellable through ctx.
func (p Policy) Do(ctx context.Context, logger *slog.Logger, op func(context.Context) error) error {
	p = p.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			metrics.RetryAttempts.Inc()
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !p.RetryIf(err) {
			return err
		}
		if errors.Is(err, breaker.ErrOpen) {
			return err
		}
		if attempt >= p.MaxAttempts {
			break
		}

		delay := p.delay(attempt)
		logger.Warn("retrying after failure",
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
}

// delay computes the backoff before the retry following the given attempt,
// bounded to [BackoffMin, BackoffMax].
func (p Policy) delay(attempt int) time.Duration {
	d := time.Duration(float64(p.BackoffMin) * math.Pow(p.BackoffBase, float64(attempt-1)))
	if d > p.BackoffMax {
		d = p.BackoffMax
	}
	if d < p.BackoffMin {
		d = p.BackoffMin
	}
	if p.Jitter && d > 0 {
		d += rand.N(d / 4)
	}
	return d
}
