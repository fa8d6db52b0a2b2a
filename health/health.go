// Package health provides a registry of named diagnostic probes with
// aggregated status and latency capture, plus HTTP liveness and readiness
// handlers built on the probe results.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/callguard/metrics"
)

// Probe is a diagnostic check. It returns a human-readable detail string on
// success. Probes are expected to be cheap; they run sequentially.
type Probe func(ctx context.Context) (string, error)

// Result is the captured outcome of one probe run.
type Result struct {
	Status         string  `json:"status"` // "healthy" or "unhealthy"
	ResponseTimeMs float64 `json:"response_time_ms"`
	Detail         string  `json:"detail,omitempty"`
	Error          string  `json:"error,omitempty"`
	ErrorType      string  `json:"error_type,omitempty"`
}

// Healthy reports whether the result captured a passing probe.
func (r Result) Healthy() bool { return r.Status == statusHealthy }

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"

	readinessCacheTTL = 5 * time.Second
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

// Checker holds named probes and the results of their last run.
type Checker struct {
	logger *slog.Logger

	mu       sync.Mutex
	probes   map[string]Probe
	last     map[string]Result
	lastRun  time.Time
	everyRan bool
}

// NewChecker creates an empty probe registry.
func NewChecker(logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		logger: logger,
		probes: make(map[string]Probe),
		last:   make(map[string]Result),
	}
}

// Register stores a probe under name, replacing any previous registration.
func (c *Checker) Register(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = p
}

// CheckAll runs every registered probe sequentially, capturing status and
// wall-clock latency per probe, and caches the results.
func (c *Checker) CheckAll(ctx context.Context) map[string]Result {
	c.mu.Lock()
	probes := make(map[string]Probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.Unlock()

	results := make(map[string]Result, len(probes))
	for name, probe := range probes {
		results[name] = c.runProbe(ctx, name, probe)
	}

	c.mu.Lock()
	c.last = results
	c.lastRun = time.Now()
	c.everyRan = true
	c.mu.Unlock()

	return results
}

func (c *Checker) runProbe(ctx context.Context, name string, probe Probe) Result {
	start := time.Now()
	detail, err := probe(ctx)
	elapsed := time.Since(start)

	ms := float64(elapsed) / float64(time.Millisecond)

	if err != nil {
		metrics.ProbeHealthy.WithLabelValues(name).Set(0)
		c.logger.Warn("health probe failed", "probe", name, "error", err, "elapsed", elapsed)
		return Result{
			Status:         statusUnhealthy,
			ResponseTimeMs: ms,
			Error:          err.Error(),
			ErrorType:      fmt.Sprintf("%T", err),
		}
	}

	metrics.ProbeHealthy.WithLabelValues(name).Set(1)
	return Result{
		Status:         statusHealthy,
		ResponseTimeMs: ms,
		Detail:         detail,
	}
}

// LastResults returns a copy of the most recently captured results.
func (c *Checker) LastResults() map[string]Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Result, len(c.last))
	for name, res := range c.last {
		out[name] = res
	}
	return out
}

// Healthy reports whether every probe passed on its last run, running
// CheckAll first when no results have been captured yet.
func (c *Checker) Healthy(ctx context.Context) bool {
	results := c.resultsOrRun(ctx)
	if len(results) == 0 {
		return true
	}
	for _, res := range results {
		if !res.Healthy() {
			return false
		}
	}
	return true
}

// ProbeHealthy reports whether the named probe passed on its last run,
// running CheckAll first when no results have been captured yet. Unknown
// probe names report false.
func (c *Checker) ProbeHealthy(ctx context.Context, name string) bool {
	res, ok := c.resultsOrRun(ctx)[name]
	return ok && res.Healthy()
}

func (c *Checker) resultsOrRun(ctx context.Context) map[string]Result {
	c.mu.Lock()
	ran := c.everyRan
	c.mu.Unlock()

	if !ran {
		return c.CheckAll(ctx)
	}
	return c.LastResults()
}

// RegisterRoutes adds /health (liveness) and /ready (readiness) to mux.
// Readiness runs the probes at most once per cache window and answers 503
// when any probe is unhealthy.
func (c *Checker) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", c.liveness)
	mux.HandleFunc("/ready", c.readiness)
}

func (c *Checker) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody) //nolint:errcheck
}

func (c *Checker) readiness(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	fresh := c.everyRan && time.Since(c.lastRun) < readinessCacheTTL
	c.mu.Unlock()

	var results map[string]Result
	if fresh {
		results = c.LastResults()
	} else {
		results = c.CheckAll(r.Context())
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	for _, res := range results {
		if !res.Healthy() {
			httpStatus = http.StatusServiceUnavailable
			statusStr = "not ready"
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"status": statusStr,
		"probes": results,
	})
}
