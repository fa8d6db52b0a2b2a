// Package guard composes the reliability primitives into a single protected
// call. A Guard wraps one operation with (outermost first) retry, rate-limit
// bracketing, circuit breaking, and a per-attempt timeout. The composition
// order is fixed by construction: retry always sits outside the breaker, so
// each retried attempt is one logical call from the breaker's point of view
// and an open circuit fails every attempt fast.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dskow/callguard/breaker"
	"github.com/dskow/callguard/ratelimit"
	"github.com/dskow/callguard/retry"
)

// ErrTimeout is returned when a single attempt exceeds the guard's
// per-attempt timeout. The abandoned attempt keeps running on its goroutine;
// only the wait is cut short.
var ErrTimeout = errors.New("guarded call timed out")

// DefaultAcquireTimeout is how long an attempt waits for a rate-limit token
// when no explicit wait is configured.
const DefaultAcquireTimeout = 5 * time.Second

// Op is a guarded operation. Blocking work should honor ctx.
type Op func(context.Context) error

// Guard is a configured wrapper around one operation. Build it once and
// call Run per invocation; a Guard is safe for concurrent use as long as
// the wrapped operation is.
type Guard struct {
	op          Op
	br          *breaker.Breaker
	limiter     *ratelimit.AdaptiveLimiter
	acquireWait time.Duration
	policy      *retry.Policy
	timeout     time.Duration
	logger      *slog.Logger
}

// Wrap starts building a guard around op.
func Wrap(op Op) *Guard {
	return &Guard{op: op, logger: slog.Default()}
}

// WithBreaker routes every attempt through the given circuit breaker.
func (g *Guard) WithBreaker(b *breaker.Breaker) *Guard {
	g.br = b
	return g
}

// WithLimiter brackets every attempt with a token acquisition and
// OnSuccess/OnError feedback. wait bounds the acquisition; zero means
// DefaultAcquireTimeout.
func (g *Guard) WithLimiter(l *ratelimit.AdaptiveLimiter, wait time.Duration) *Guard {
	g.limiter = l
	if wait <= 0 {
		wait = DefaultAcquireTimeout
	}
	g.acquireWait = wait
	return g
}

// WithRetry re-invokes failed attempts according to p.
func (g *Guard) WithRetry(p retry.Policy) *Guard {
	g.policy = &p
	return g
}

// WithTimeout bounds each individual attempt. The timed-out operation is
// not interrupted; the guard just stops waiting for it.
func (g *Guard) WithTimeout(d time.Duration) *Guard {
	g.timeout = d
	return g
}

// WithLogger sets the logger used for retry warnings.
func (g *Guard) WithLogger(logger *slog.Logger) *Guard {
	if logger != nil {
		g.logger = logger
	}
	return g
}

// Run executes the guarded operation.
func (g *Guard) Run(ctx context.Context) error {
	if g.policy != nil {
		return g.policy.Do(ctx, g.logger, g.attempt)
	}
	return g.attempt(ctx)
}

// attempt is one logical call: token, breaker, timeout, feedback.
func (g *Guard) attempt(ctx context.Context) error {
	if g.limiter != nil {
		if !g.limiter.Acquire(ctx, g.acquireWait) {
			return &ratelimit.LimitError{RetryAfter: g.limiter.RetryAfter()}
		}
	}

	var err error
	if g.br != nil {
		err = g.br.Do(ctx, g.timed)
	} else {
		err = g.timed(ctx)
	}

	if g.limiter != nil {
		switch {
		case err == nil:
			g.limiter.OnSuccess()
		case errors.Is(err, breaker.ErrOpen):
			// The endpoint was never called; no feedback either way.
		default:
			g.limiter.OnError()
		}
	}
	return err
}

// timed runs the operation under the per-attempt timeout, if one is set.
// The operation runs on its own goroutine so a stuck call cannot wedge the
// guard; on timeout it is left running detached.
func (g *Guard) timed(ctx context.Context) error {
	if g.timeout <= 0 {
		return g.op(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.op(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}
