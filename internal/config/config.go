// Package config provides YAML configuration loading with validation and
// environment variable substitution for the callguard daemon.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dskow/callguard/breaker"
	"github.com/dskow/callguard/ratelimit"
	"github.com/dskow/callguard/retry"
)

// Config is the top-level callguard configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server" json:"server"`
	Metrics   MetricsConfig    `yaml:"metrics" json:"metrics"`
	Logging   LoggingConfig    `yaml:"logging" json:"logging"`
	Admin     AdminConfig      `yaml:"admin" json:"admin"`
	RateLimit RateLimitConfig  `yaml:"rate_limit" json:"rate_limit"`
	Breaker   BreakerConfig    `yaml:"breaker" json:"breaker"`
	Batch     BatchConfig      `yaml:"batch" json:"batch"`
	Endpoints []EndpointConfig `yaml:"endpoints" json:"endpoints"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds diagnostics HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output, level, and rotation settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	Level      string `yaml:"level" json:"level"`               // "debug", "info", "warn", "error"; default: "info"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// ValidLogLevels are the accepted logging.level strings.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// AdminConfig holds admin API settings. Read endpoints are gated by the IP
// allowlist; the reset endpoint additionally requires a JWT bearer token.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
	JWTSecret   string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer      string   `yaml:"issuer" json:"issuer"`
	Audience    string   `yaml:"audience" json:"audience"`
}

// RateLimitConfig holds the shared outbound rate limiter settings.
type RateLimitConfig struct {
	CallsPerSecond float64 `yaml:"calls_per_second" json:"calls_per_second"`
	BurstSize      int     `yaml:"burst_size" json:"burst_size"`
	Adaptive       bool    `yaml:"adaptive" json:"adaptive"`
}

// LimiterConfig converts to the ratelimit package's config type.
func (r RateLimitConfig) LimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		CallsPerSecond: r.CallsPerSecond,
		Burst:          r.BurstSize,
		Adaptive:       r.Adaptive,
	}
}

// BreakerConfig holds circuit breaker settings. At the top level it sets the
// defaults for every endpoint; inside an endpoint it overrides them.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
}

// BatchConfig holds parallel batch executor settings.
type BatchConfig struct {
	MaxWorkers     int           `yaml:"max_workers" json:"max_workers"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
}

// RetryConfig holds per-endpoint retry settings.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BackoffBase float64       `yaml:"backoff_base" json:"backoff_base"`
	BackoffMin  time.Duration `yaml:"backoff_min" json:"backoff_min"`
	BackoffMax  time.Duration `yaml:"backoff_max" json:"backoff_max"`
	Jitter      bool          `yaml:"jitter" json:"jitter"`
}

// Policy converts to the retry package's policy type.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BackoffBase: r.BackoffBase,
		BackoffMin:  r.BackoffMin,
		BackoffMax:  r.BackoffMax,
		Jitter:      r.Jitter,
	}
}

// EndpointConfig declares one protected endpoint: a named breaker plus
// optional breaker and retry overrides.
type EndpointConfig struct {
	Name    string         `yaml:"name" json:"name"`
	Breaker *BreakerConfig `yaml:"breaker" json:"breaker,omitempty"`
	Retry   *RetryConfig   `yaml:"retry" json:"retry,omitempty"`
}

// BreakerFor returns the effective breaker configuration for the endpoint,
// falling back to the shared defaults where no override is set.
func (e EndpointConfig) BreakerFor(defaults BreakerConfig) breaker.Config {
	cfg := defaults
	if e.Breaker != nil {
		if e.Breaker.FailureThreshold > 0 {
			cfg.FailureThreshold = e.Breaker.FailureThreshold
		}
		if e.Breaker.RecoveryTimeout > 0 {
			cfg.RecoveryTimeout = e.Breaker.RecoveryTimeout
		}
	}
	return breaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
	}
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.RateLimit.CallsPerSecond == 0 {
		cfg.RateLimit.CallsPerSecond = 10
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 5
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.RecoveryTimeout == 0 {
		cfg.Breaker.RecoveryTimeout = 30 * time.Second
	}

	if cfg.Batch.MaxWorkers == 0 {
		cfg.Batch.MaxWorkers = 5
	}
	if cfg.Batch.AcquireTimeout == 0 {
		cfg.Batch.AcquireTimeout = 5 * time.Second
	}

	for i := range cfg.Endpoints {
		r := cfg.Endpoints[i].Retry
		if r == nil {
			continue
		}
		if r.MaxAttempts == 0 {
			r.MaxAttempts = 3
		}
		if r.BackoffBase == 0 {
			r.BackoffBase = 2
		}
		if r.BackoffMin == 0 {
			r.BackoffMin = 100 * time.Millisecond
		}
		if r.BackoffMax == 0 {
			r.BackoffMax = 30 * time.Second
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	// Logging validation
	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if cfg.RateLimit.CallsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.calls_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}

	if cfg.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if cfg.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker.recovery_timeout must be positive")
	}

	if cfg.Batch.MaxWorkers < 1 {
		return fmt.Errorf("batch.max_workers must be positive")
	}
	if cfg.Batch.AcquireTimeout <= 0 {
		return fmt.Errorf("batch.acquire_timeout must be positive")
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
		if cfg.Admin.JWTSecret == "" {
			return fmt.Errorf("admin.jwt_secret is required when admin is enabled")
		}
		if cfg.Admin.Issuer == "" {
			return fmt.Errorf("admin.issuer is required when admin is enabled")
		}
		if cfg.Admin.Audience == "" {
			return fmt.Errorf("admin.audience is required when admin is enabled")
		}
	}

	seen := make(map[string]bool)
	for i, ep := range cfg.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("endpoints[%d].name is required", i)
		}
		if seen[ep.Name] {
			return fmt.Errorf("duplicate endpoint name: %s", ep.Name)
		}
		seen[ep.Name] = true

		if ep.Breaker != nil {
			if ep.Breaker.FailureThreshold < 0 {
				return fmt.Errorf("endpoints[%d].breaker.failure_threshold must be non-negative", i)
			}
			if ep.Breaker.RecoveryTimeout < 0 {
				return fmt.Errorf("endpoints[%d].breaker.recovery_timeout must be non-negative", i)
			}
		}
		if ep.Retry != nil {
			if ep.Retry.MaxAttempts < 1 {
				return fmt.Errorf("endpoints[%d].retry.max_attempts must be positive", i)
			}
			if ep.Retry.BackoffMin > ep.Retry.BackoffMax {
				return fmt.Errorf("endpoints[%d].retry.backoff_min must not exceed backoff_max", i)
			}
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Admin.Enabled && strings.Contains(cfg.Admin.JWTSecret, "${") {
		warnings = append(warnings, "admin.jwt_secret contains unresolved environment variable")
	}
	if len(cfg.Endpoints) == 0 {
		warnings = append(warnings, "no endpoints configured; breakers will be created on first use with shared defaults")
	}
	return warnings
}
