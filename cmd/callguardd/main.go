// Package main is the entry point for the callguard diagnostics daemon. It
// loads configuration, builds the shared breaker registry and rate limiter,
// exposes health, metrics, and admin endpoints, and handles graceful shutdown
// on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dskow/callguard/breaker"
	"github.com/dskow/callguard/health"
	"github.com/dskow/callguard/internal/admin"
	"github.com/dskow/callguard/internal/config"
	"github.com/dskow/callguard/internal/logging"
	"github.com/dskow/callguard/metrics"
	"github.com/dskow/callguard/ratelimit"
)

func main() {
	configPath := flag.String("config", "configs/callguard.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		slog.Error("failed to initialize logging", "error", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"endpoints", len(cfg.Endpoints),
		"adaptive_limiter", cfg.RateLimit.Adaptive,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"metrics_path", cfg.Metrics.Path,
	)

	// Initialize Prometheus metrics
	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Shared guards: one breaker per configured endpoint, one limiter.
	registry := breaker.NewRegistry(logger)
	for _, ep := range cfg.Endpoints {
		registry.Get(ep.Name, ep.BreakerFor(cfg.Breaker))
	}

	limiter := ratelimit.New(cfg.RateLimit.LimiterConfig(), logger)

	// Health probes over the shared guards.
	checker := health.NewChecker(logger)
	checker.Register("breakers", breakerProbe(registry))
	checker.Register("limiter", limiterProbe(limiter))

	mux := http.NewServeMux()
	checker.RegisterRoutes(mux)

	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}

	// Initialize config reloader
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	if cfg.Admin.Enabled {
		adminHandler := admin.New(reloader, registry, limiter, cfg.Admin, logger)
		adminHandler.RegisterRoutes(mux)
		logger.Info("admin API registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	// Hot-reload: limiter rate and per-endpoint breaker settings follow the
	// config file; already-registered breakers keep their failure history.
	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit.LimiterConfig())
		for _, ep := range newCfg.Endpoints {
			if b, ok := registry.Lookup(ep.Name); ok {
				b.UpdateConfig(ep.BreakerFor(newCfg.Breaker))
			} else {
				registry.Get(ep.Name, ep.BreakerFor(newCfg.Breaker))
			}
		}
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("starting callguard", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("callguard stopped gracefully")
}

// breakerProbe reports unhealthy when any registered breaker is open.
func breakerProbe(registry *breaker.Registry) health.Probe {
	return func(ctx context.Context) (string, error) {
		var open []string
		statuses := registry.Status()
		for name, st := range statuses {
			if st.State == breaker.StateOpen.String() {
				open = append(open, name)
			}
		}
		if len(open) > 0 {
			return "", fmt.Errorf("%d of %d breakers open: %v", len(open), len(statuses), open)
		}
		return fmt.Sprintf("%d breakers closed", len(statuses)), nil
	}
}

// limiterProbe reports the limiter's current rate; it is always healthy.
func limiterProbe(limiter *ratelimit.AdaptiveLimiter) health.Probe {
	return func(ctx context.Context) (string, error) {
		st := limiter.Status()
		return fmt.Sprintf("%.2f calls/s (base %.2f)", st.CurrentRate, st.BaseRate), nil
	}
}
