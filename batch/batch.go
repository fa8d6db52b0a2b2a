// Package batch provides a parallel executor that fans independent work
// items out across a bounded worker pool under shared rate-limit and
// circuit-breaker protection. One item failing never aborts the others.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dskow/callguard/breaker"
	"github.com/dskow/callguard/metrics"
	"github.com/dskow/callguard/ratelimit"
)

// ErrAbandoned marks an item that was still in flight when the batch
// deadline fired. Its worker keeps running detached; the batch just stops
// waiting for it.
var ErrAbandoned = errors.New("batch stopped waiting for item")

// DefaultAcquireTimeout bounds the per-item wait for a rate-limit token.
const DefaultAcquireTimeout = 5 * time.Second

const maxItemLogLen = 64

// Result is the outcome of one item. A non-nil Err means the item failed
// or was abandoned; Value is then meaningless and must not be trusted.
type Result[R any] struct {
	Value R
	Err   error
}

type options struct {
	limiter     *ratelimit.AdaptiveLimiter
	acquireWait time.Duration
	br          *breaker.Breaker
	logger      *slog.Logger
}

// Option configures a Processor.
type Option func(*options)

// WithLimiter gates every item through the shared rate limiter, waiting at
// most acquireWait for a token (zero means DefaultAcquireTimeout).
func WithLimiter(l *ratelimit.AdaptiveLimiter, acquireWait time.Duration) Option {
	return func(o *options) {
		o.limiter = l
		if acquireWait > 0 {
			o.acquireWait = acquireWait
		}
	}
}

// WithBreaker routes every item through the shared circuit breaker.
func WithBreaker(b *breaker.Breaker) Option {
	return func(o *options) { o.br = b }
}

// WithLogger sets the logger for per-item failure reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Processor executes batches of independent items on a fixed-size worker
// pool. It holds only configuration and shared guard references; a single
// Processor may run many batches, concurrently if desired.
type Processor[T comparable, R any] struct {
	workers int
	opt     options
}

// New creates a batch processor with the given worker-pool size.
func New[T comparable, R any](workers int, opts ...Option) *Processor[T, R] {
	if workers <= 0 {
		workers = 1
	}
	o := options{
		acquireWait: DefaultAcquireTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Processor[T, R]{workers: workers, opt: o}
}

type outcome[T comparable, R any] struct {
	item T
	res  Result[R]
}

// Process runs fn for every item and returns a map with exactly one entry
// per distinct item. Items are dispatched in slice order but complete in
// any order; per-key correctness is guaranteed, iteration order is not.
//
// A timeout > 0 bounds the whole batch: when it elapses, Process returns
// with still-running items marked ErrAbandoned. In-flight workers are not
// interrupted. Item failures are isolated: a failing item gets its error
// recorded and logged, and processing of the remaining items continues.
func (p *Processor[T, R]) Process(ctx context.Context, items []T, fn func(context.Context, T) (R, error), timeout time.Duration) map[T]Result[R] {
	results := make(map[T]Result[R], len(items))
	if len(items) == 0 {
		return results
	}

	// Until an item reports back it counts as abandoned; outcomes
	// overwrite these entries as they arrive.
	for _, item := range items {
		results[item] = Result[R]{Err: ErrAbandoned}
	}

	sem := semaphore.NewWeighted(int64(p.workers))
	ch := make(chan outcome[T, R], len(items))

	for _, item := range items {
		item := item
		go func() {
			// Workers deliberately outlive a timed-out batch, so the
			// pool slot wait must not be tied to the batch deadline.
			if err := sem.Acquire(context.Background(), 1); err != nil {
				return
			}
			defer sem.Release(1)

			value, err := p.processOne(ctx, item, fn)
			ch <- outcome[T, R]{item: item, res: Result[R]{Value: value, Err: err}}
		}()
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for received := 0; received < len(items); received++ {
		select {
		case out := <-ch:
			results[out.item] = out.res
		case <-deadline:
			abandoned := len(items) - received
			p.opt.logger.Warn("batch deadline reached, abandoning unfinished items",
				"abandoned", abandoned,
				"total", len(items),
			)
			metrics.BatchItems.WithLabelValues("abandoned").Add(float64(abandoned))
			return results
		}
	}
	return results
}

// processOne applies the shared guards around a single item.
func (p *Processor[T, R]) processOne(ctx context.Context, item T, fn func(context.Context, T) (R, error)) (R, error) {
	var zero R

	if p.opt.limiter != nil {
		if !p.opt.limiter.Acquire(ctx, p.opt.acquireWait) {
			err := &ratelimit.LimitError{RetryAfter: p.opt.limiter.RetryAfter()}
			p.reportFailure(item, err, false)
			return zero, err
		}
	}

	var value R
	var err error
	if p.opt.br != nil {
		err = p.opt.br.Do(ctx, func(ctx context.Context) error {
			var opErr error
			value, opErr = fn(ctx, item)
			return opErr
		})
	} else {
		value, err = fn(ctx, item)
	}

	if err != nil {
		p.reportFailure(item, err, true)
		return zero, err
	}

	if p.opt.limiter != nil {
		p.opt.limiter.OnSuccess()
	}
	metrics.BatchItems.WithLabelValues("success").Inc()
	return value, nil
}

// reportFailure logs one failed item and feeds the limiter. Rejections that
// never reached the endpoint (breaker open, no token) carry no signal about
// endpoint health, so they skip the OnError feedback.
func (p *Processor[T, R]) reportFailure(item any, err error, feedback bool) {
	if feedback && p.opt.limiter != nil && !errors.Is(err, breaker.ErrOpen) {
		p.opt.limiter.OnError()
	}
	metrics.BatchItems.WithLabelValues("error").Inc()
	p.opt.logger.Error("batch item failed",
		"item", truncate(fmt.Sprintf("%v", item)),
		"error", err,
	)
}

func truncate(s string) string {
	if len(s) <= maxItemLogLen {
		return s
	}
	return s[:maxItemLogLen] + "..."
}
