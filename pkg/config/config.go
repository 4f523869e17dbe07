// Package config aggregates the tunables for every component
// behind one three-layer precedence scheme — defaults, then environment
// variables, then functional options — following core.Config's
// DefaultConfig/LoadFromEnv/Option pattern in core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the aggregated, process-wide configuration. Each component
// constructs its own package-level Config/Options type from the relevant
// section here; this struct only carries scalar, env-loadable knobs, never
// injected collaborators like loggers or repositories.
type Config struct {
	RateLimit   RateLimitConfig
	Breaker     BreakerConfig
	Credential  CredentialConfig
	Fallback    FallbackConfig
	ServiceMode ServiceModeConfig
	Allocator   AllocatorConfig
	Optimizer   OptimizerConfig
	Geo         GeoConfig
	Webhook     WebhookConfig
}

// RateLimitConfig parameterizes the shared sliding-window quota.
type RateLimitConfig struct {
	DefaultLimit  int
	DefaultWindow time.Duration
}

// BreakerConfig parameterizes circuit breakers. Field names mirror pkg/breaker.Config
// minus the injected FailurePredicate/Logger/Telemetry.
type BreakerConfig struct {
	FailureThreshold  int
	FailureWindow     time.Duration
	OpenDuration      time.Duration
	MaxOpenDuration   time.Duration
	HalfOpenMaxProbes int
}

// CredentialConfig parameterizes the credential store. Secret is the server-side HMAC key;
// it is read from the environment only, never given a compiled-in default.
type CredentialConfig struct {
	Secret   string
	CacheTTL time.Duration
}

// FallbackConfig parameterizes the fallback manager. The per-operation timeout/default table
// itself ships as fallback.DefaultOperationConfigs(); this only controls
// whether the built-in defaults are used.
type FallbackConfig struct {
	UseBuiltinOperationDefaults bool
}

// ServiceModeConfig sets the starting service mode.
type ServiceModeConfig struct {
	InitialMode string // full, degraded, minimal, emergency
}

// AllocatorConfig parameterizes the request-number allocator.
type AllocatorConfig struct {
	Timezone string
	KeyTTL   time.Duration
}

// OptimizerConfig parameterizes batch optimization. Mirrors pkg/optimizer.Config's scalar
// fields so it can be loaded from the environment and handed off directly.
type OptimizerConfig struct {
	Iterations            int
	MutationRate          float64
	CrossoverRate         float64
	EliteSize             int
	PopulationSize        int
	T0                    float64
	Alpha                 float64
	TMin                  float64
	DistrictPenaltyWeight float64
}

// GeoConfig sets the default travel assumptions.
type GeoConfig struct {
	DefaultMode string // car, motorcycle, public
	DefaultBand string // normal, rush_hour, evening
}

// WebhookConfig parameterizes the webhook retry worker.
type WebhookConfig struct {
	RetryPollInterval time.Duration
	DefaultMaxRetries int
}

// DefaultConfig returns the compiled-in defaults, matching the values each
// component's own DefaultConfig()/New() already assumes.
func DefaultConfig() *Config {
	return &Config{
		RateLimit: RateLimitConfig{
			DefaultLimit:  100,
			DefaultWindow: time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			FailureWindow:     60 * time.Second,
			OpenDuration:      30 * time.Second,
			MaxOpenDuration:   5 * time.Minute,
			HalfOpenMaxProbes: 1,
		},
		Credential: CredentialConfig{
			CacheTTL: 5 * time.Second,
		},
		Fallback: FallbackConfig{
			UseBuiltinOperationDefaults: true,
		},
		ServiceMode: ServiceModeConfig{
			InitialMode: "full",
		},
		Allocator: AllocatorConfig{
			Timezone: "Asia/Tashkent",
			KeyTTL:   25 * time.Hour,
		},
		Optimizer: OptimizerConfig{
			Iterations:            500,
			MutationRate:          0.1,
			CrossoverRate:         0.7,
			EliteSize:             2,
			PopulationSize:        40,
			T0:                    100,
			Alpha:                 0.95,
			TMin:                  0.01,
			DistrictPenaltyWeight: 0.1,
		},
		Geo: GeoConfig{
			DefaultMode: "car",
			DefaultBand: "normal",
		},
		Webhook: WebhookConfig{
			RetryPollInterval: 30 * time.Second,
			DefaultMaxRetries: 5,
		},
	}
}

// LoadFromEnv overlays DISPATCH_-prefixed environment variables onto the
// receiver. Unset variables leave the current value untouched, so calling
// this after DefaultConfig() layers env vars over compiled-in defaults.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("DISPATCH_RATELIMIT_DEFAULT_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DISPATCH_RATELIMIT_DEFAULT_LIMIT: %w", err)
		}
		c.RateLimit.DefaultLimit = n
	}
	if v := os.Getenv("DISPATCH_RATELIMIT_DEFAULT_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DISPATCH_RATELIMIT_DEFAULT_WINDOW: %w", err)
		}
		c.RateLimit.DefaultWindow = d
	}
	if v := os.Getenv("DISPATCH_BREAKER_FAILURE_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DISPATCH_BREAKER_FAILURE_THRESHOLD: %w", err)
		}
		c.Breaker.FailureThreshold = n
	}
	if v := os.Getenv("DISPATCH_BREAKER_OPEN_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DISPATCH_BREAKER_OPEN_DURATION: %w", err)
		}
		c.Breaker.OpenDuration = d
	}
	if v := os.Getenv("DISPATCH_CREDENTIAL_SECRET"); v != "" {
		c.Credential.Secret = v
	}
	if v := os.Getenv("DISPATCH_CREDENTIAL_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DISPATCH_CREDENTIAL_CACHE_TTL: %w", err)
		}
		c.Credential.CacheTTL = d
	}
	if v := os.Getenv("DISPATCH_SERVICE_MODE"); v != "" {
		c.ServiceMode.InitialMode = v
	}
	if v := os.Getenv("DISPATCH_ALLOCATOR_TIMEZONE"); v != "" {
		c.Allocator.Timezone = v
	}
	if v := os.Getenv("DISPATCH_OPTIMIZER_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DISPATCH_OPTIMIZER_ITERATIONS: %w", err)
		}
		c.Optimizer.Iterations = n
	}
	if v := os.Getenv("DISPATCH_GEO_DEFAULT_MODE"); v != "" {
		c.Geo.DefaultMode = v
	}
	if v := os.Getenv("DISPATCH_WEBHOOK_RETRY_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DISPATCH_WEBHOOK_RETRY_POLL_INTERVAL: %w", err)
		}
		c.Webhook.RetryPollInterval = d
	}
	if v := os.Getenv("DISPATCH_WEBHOOK_DEFAULT_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DISPATCH_WEBHOOK_DEFAULT_MAX_RETRIES: %w", err)
		}
		c.Webhook.DefaultMaxRetries = n
	}
	return nil
}

// Option mutates a Config being built by New; applied after defaults and
// environment variables so functional options always win.
type Option func(*Config) error

func WithServiceMode(mode string) Option {
	return func(c *Config) error {
		c.ServiceMode.InitialMode = mode
		return nil
	}
}

func WithCredentialSecret(secret string) Option {
	return func(c *Config) error {
		c.Credential.Secret = secret
		return nil
	}
}

func WithRateLimit(limit int, window time.Duration) Option {
	return func(c *Config) error {
		c.RateLimit.DefaultLimit = limit
		c.RateLimit.DefaultWindow = window
		return nil
	}
}

func WithOptimizerIterations(n int) Option {
	return func(c *Config) error {
		c.Optimizer.Iterations = n
		return nil
	}
}

// New builds a Config: compiled-in defaults, overlaid by environment
// variables, overlaid by opts, then validated.
func New(opts ...Option) (*Config, error) {
	c := DefaultConfig()
	if path := os.Getenv("DISPATCH_CONFIG_FILE"); path != "" {
		if err := c.LoadYAMLFile(path); err != nil {
			return nil, fmt.Errorf("config: failed to load file overlay: %w", err)
		}
	}
	if err := c.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("config: failed to load environment: %w", err)
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("config: failed to apply option: %w", err)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return c, nil
}

// Validate rejects combinations that would make a downstream component
// construction fail in a more confusing way.
func (c *Config) Validate() error {
	switch c.ServiceMode.InitialMode {
	case "full", "degraded", "minimal", "emergency":
	default:
		return fmt.Errorf("invalid service mode %q", c.ServiceMode.InitialMode)
	}
	if c.RateLimit.DefaultLimit <= 0 {
		return fmt.Errorf("rate limit default limit must be positive, got %d", c.RateLimit.DefaultLimit)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Optimizer.Iterations <= 0 {
		return fmt.Errorf("optimizer iterations must be positive, got %d", c.Optimizer.Iterations)
	}
	return nil
}
