package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}
	return d, nil
}

// FileOverlay is the optional on-disk configuration shape. Fields are
// pointers so an absent key in the YAML document leaves the corresponding
// Config field untouched, the same "absence means no-op" rule LoadFromEnv
// applies to unset environment variables; Geo.DefaultMode is a plain string,
// and an empty value there is treated as absent. Only the knobs operators actually
// tune file-side are exposed here; secrets stay environment-only.
type FileOverlay struct {
	RateLimit *struct {
		DefaultLimit  *int    `yaml:"default_limit"`
		DefaultWindow *string `yaml:"default_window"`
	} `yaml:"rate_limit"`
	Breaker *struct {
		FailureThreshold  *int    `yaml:"failure_threshold"`
		OpenDuration      *string `yaml:"open_duration"`
		HalfOpenMaxProbes *int    `yaml:"half_open_max_probes"`
	} `yaml:"breaker"`
	ServiceMode *struct {
		InitialMode *string `yaml:"initial_mode"`
	} `yaml:"service_mode"`
	Allocator *struct {
		Timezone *string `yaml:"timezone"`
	} `yaml:"allocator"`
	Optimizer *struct {
		Iterations     *int     `yaml:"iterations"`
		PopulationSize *int     `yaml:"population_size"`
		MutationRate   *float64 `yaml:"mutation_rate"`
		CrossoverRate  *float64 `yaml:"crossover_rate"`
	} `yaml:"optimizer"`
	Geo *struct {
		DefaultMode string `yaml:"default_mode"`
	} `yaml:"geo"`
	Webhook *struct {
		RetryPollInterval *string `yaml:"retry_poll_interval"`
		DefaultMaxRetries *int    `yaml:"default_max_retries"`
	} `yaml:"webhook"`
}

// LoadYAMLFile reads a FileOverlay document from path and applies it onto
// the receiver. It sits between DefaultConfig() and LoadFromEnv() in the
// precedence chain: compiled-in defaults, then file overlay, then
// environment variables, then functional options - each layer only able to
// override what the previous layer set, per core/config.go's
// DefaultConfig/LoadFromEnv/Option pattern, extended one
// rung for the deployment manifests that ship a YAML file alongside env
// vars (grounded on orchestration/workflow_engine.go's yaml.Unmarshal use
// of gopkg.in/yaml.v3).
func (c *Config) LoadYAMLFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	var overlay FileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return c.applyOverlay(&overlay)
}

func (c *Config) applyOverlay(o *FileOverlay) error {
	if o.RateLimit != nil {
		if o.RateLimit.DefaultLimit != nil {
			c.RateLimit.DefaultLimit = *o.RateLimit.DefaultLimit
		}
		if o.RateLimit.DefaultWindow != nil {
			d, err := parseDuration("rate_limit.default_window", *o.RateLimit.DefaultWindow)
			if err != nil {
				return err
			}
			c.RateLimit.DefaultWindow = d
		}
	}
	if o.Breaker != nil {
		if o.Breaker.FailureThreshold != nil {
			c.Breaker.FailureThreshold = *o.Breaker.FailureThreshold
		}
		if o.Breaker.OpenDuration != nil {
			d, err := parseDuration("breaker.open_duration", *o.Breaker.OpenDuration)
			if err != nil {
				return err
			}
			c.Breaker.OpenDuration = d
		}
		if o.Breaker.HalfOpenMaxProbes != nil {
			c.Breaker.HalfOpenMaxProbes = *o.Breaker.HalfOpenMaxProbes
		}
	}
	if o.ServiceMode != nil && o.ServiceMode.InitialMode != nil {
		c.ServiceMode.InitialMode = *o.ServiceMode.InitialMode
	}
	if o.Allocator != nil && o.Allocator.Timezone != nil {
		c.Allocator.Timezone = *o.Allocator.Timezone
	}
	if o.Optimizer != nil {
		if o.Optimizer.Iterations != nil {
			c.Optimizer.Iterations = *o.Optimizer.Iterations
		}
		if o.Optimizer.PopulationSize != nil {
			c.Optimizer.PopulationSize = *o.Optimizer.PopulationSize
		}
		if o.Optimizer.MutationRate != nil {
			c.Optimizer.MutationRate = *o.Optimizer.MutationRate
		}
		if o.Optimizer.CrossoverRate != nil {
			c.Optimizer.CrossoverRate = *o.Optimizer.CrossoverRate
		}
	}
	if o.Geo != nil && o.Geo.DefaultMode != "" {
		c.Geo.DefaultMode = o.Geo.DefaultMode
	}
	if o.Webhook != nil {
		if o.Webhook.RetryPollInterval != nil {
			d, err := parseDuration("webhook.retry_poll_interval", *o.Webhook.RetryPollInterval)
			if err != nil {
				return err
			}
			c.Webhook.RetryPollInterval = d
		}
		if o.Webhook.DefaultMaxRetries != nil {
			c.Webhook.DefaultMaxRetries = *o.Webhook.DefaultMaxRetries
		}
	}
	return nil
}
