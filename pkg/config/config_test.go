package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	c := DefaultConfig()
	assert.NoError(t, c.Validate())
}

func TestNewAppliesDefaultsWhenNoEnvOrOptions(t *testing.T) {
	clearDispatchEnv(t)

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, 100, c.RateLimit.DefaultLimit)
	assert.Equal(t, time.Minute, c.RateLimit.DefaultWindow)
	assert.Equal(t, "full", c.ServiceMode.InitialMode)
}

func TestLoadFromEnvOverlaysDefaults(t *testing.T) {
	clearDispatchEnv(t)
	t.Setenv("DISPATCH_RATELIMIT_DEFAULT_LIMIT", "42")
	t.Setenv("DISPATCH_SERVICE_MODE", "degraded")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, 42, c.RateLimit.DefaultLimit)
	assert.Equal(t, "degraded", c.ServiceMode.InitialMode)
	// untouched fields keep their compiled-in defaults
	assert.Equal(t, 500, c.Optimizer.Iterations)
}

// TestOptionsWinOverEnv asserts the three-layer precedence: functional
// options are applied last and override whatever the environment set.
func TestOptionsWinOverEnv(t *testing.T) {
	clearDispatchEnv(t)
	t.Setenv("DISPATCH_SERVICE_MODE", "degraded")

	c, err := New(WithServiceMode("emergency"), WithRateLimit(7, 5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "emergency", c.ServiceMode.InitialMode)
	assert.Equal(t, 7, c.RateLimit.DefaultLimit)
	assert.Equal(t, 5*time.Second, c.RateLimit.DefaultWindow)
}

func TestLoadFromEnvRejectsMalformedDuration(t *testing.T) {
	clearDispatchEnv(t)
	t.Setenv("DISPATCH_RATELIMIT_DEFAULT_WINDOW", "not-a-duration")

	_, err := New()
	assert.Error(t, err)
}

func TestValidateRejectsUnknownServiceMode(t *testing.T) {
	c := DefaultConfig()
	c.ServiceMode.InitialMode = "bogus"
	assert.Error(t, c.Validate())
}

func TestValidateRejectsNonPositiveRateLimit(t *testing.T) {
	c := DefaultConfig()
	c.RateLimit.DefaultLimit = 0
	assert.Error(t, c.Validate())
}

func TestValidateRejectsNonPositiveOptimizerIterations(t *testing.T) {
	c := DefaultConfig()
	c.Optimizer.Iterations = -1
	assert.Error(t, c.Validate())
}

func TestWithCredentialSecretOption(t *testing.T) {
	clearDispatchEnv(t)
	c, err := New(WithCredentialSecret("s3cr3t"))
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", c.Credential.Secret)
}

// clearDispatchEnv ensures DISPATCH_-prefixed variables from the host
// environment (or a prior subtest) never leak into a precedence test.
func clearDispatchEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"DISPATCH_CONFIG_FILE",
		"DISPATCH_RATELIMIT_DEFAULT_LIMIT",
		"DISPATCH_RATELIMIT_DEFAULT_WINDOW",
		"DISPATCH_BREAKER_FAILURE_THRESHOLD",
		"DISPATCH_BREAKER_OPEN_DURATION",
		"DISPATCH_CREDENTIAL_SECRET",
		"DISPATCH_CREDENTIAL_CACHE_TTL",
		"DISPATCH_SERVICE_MODE",
		"DISPATCH_ALLOCATOR_TIMEZONE",
		"DISPATCH_OPTIMIZER_ITERATIONS",
		"DISPATCH_GEO_DEFAULT_MODE",
		"DISPATCH_WEBHOOK_RETRY_POLL_INTERVAL",
		"DISPATCH_WEBHOOK_DEFAULT_MAX_RETRIES",
	}
	for _, v := range vars {
		old, had := os.LookupEnv(v)
		os.Unsetenv(v)
		if had {
			t.Cleanup(func() { os.Setenv(v, old) })
		}
	}
}
