package config

import (
	"github.com/avtoelon/dispatch-core/core"
	"github.com/avtoelon/dispatch-core/pkg/breaker"
	"github.com/avtoelon/dispatch-core/pkg/credentials"
	"github.com/avtoelon/dispatch-core/pkg/fallback"
	"github.com/avtoelon/dispatch-core/pkg/optimizer"
	"github.com/avtoelon/dispatch-core/pkg/servicemode"
)

// ToBreakerConfig materializes a named breaker.Config from the aggregated
// scalar knobs, wiring in the caller's collaborators.
func (c *Config) ToBreakerConfig(name string, logger core.Logger, telemetry core.Telemetry) breaker.Config {
	cfg := breaker.DefaultConfig(name)
	cfg.FailureThreshold = c.Breaker.FailureThreshold
	cfg.FailureWindow = c.Breaker.FailureWindow
	cfg.OpenDuration = c.Breaker.OpenDuration
	cfg.MaxOpenDuration = c.Breaker.MaxOpenDuration
	cfg.HalfOpenMaxProbes = c.Breaker.HalfOpenMaxProbes
	if logger != nil {
		cfg.Logger = logger
	}
	if telemetry != nil {
		cfg.Telemetry = telemetry
	}
	return cfg
}

// ToCredentialOptions materializes credentials.Options from the aggregated
// cache TTL knob.
func (c *Config) ToCredentialOptions(clock core.Clock, logger core.Logger, telemetry core.Telemetry) credentials.Options {
	return credentials.Options{
		CacheTTL:  c.Credential.CacheTTL,
		Clock:     clock,
		Logger:    logger,
		Telemetry: telemetry,
	}
}

// ToOptimizerConfig materializes optimizer.Config from the aggregated
// algorithm knobs.
func (c *Config) ToOptimizerConfig() optimizer.Config {
	return optimizer.Config{
		Iterations:            c.Optimizer.Iterations,
		MutationRate:          c.Optimizer.MutationRate,
		CrossoverRate:         c.Optimizer.CrossoverRate,
		EliteSize:             c.Optimizer.EliteSize,
		PopulationSize:        c.Optimizer.PopulationSize,
		T0:                    c.Optimizer.T0,
		Alpha:                 c.Optimizer.Alpha,
		TMin:                  c.Optimizer.TMin,
		DistrictPenaltyWeight: c.Optimizer.DistrictPenaltyWeight,
	}
}

// ToFallbackOptions materializes fallback.Options, wiring in the built-in
// per-operation defaults when UseBuiltinOperationDefaults is set.
func (c *Config) ToFallbackOptions(breakerFor func(op string) fallback.Breaker, scaler fallback.ServiceModeScaler, cache fallback.CacheStore, logger core.Logger, telemetry core.Telemetry) fallback.Options {
	var configs map[string]fallback.OperationConfig
	if c.Fallback.UseBuiltinOperationDefaults {
		configs = fallback.DefaultOperationConfigs()
	}
	return fallback.Options{
		BreakerFor: breakerFor,
		Scaler:     scaler,
		Configs:    configs,
		Cache:      cache,
		Logger:     logger,
		Telemetry:  telemetry,
	}
}

// ToServiceModeMode parses the configured starting mode into a
// servicemode.Mode, for handing to Controller.Transition at startup.
func (c *Config) ToServiceModeMode() (servicemode.Mode, error) {
	mode, ok := servicemode.ParseMode(c.ServiceMode.InitialMode)
	if !ok {
		return servicemode.Full, core.NewFrameworkError("config.ToServiceModeMode", core.KindValidation,
			core.ErrInvalidConfiguration).WithID(c.ServiceMode.InitialMode)
	}
	return mode, nil
}
