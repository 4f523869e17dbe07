// Package reqnum implements the request-number allocator: atomic
// issuance of the user-visible YYMMDD-NNN identifier, monotonic within a
// date and reset at local midnight.
package reqnum

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/avtoelon/dispatch-core/core"
)

// Format is the canonical request number pattern.
var Format = regexp.MustCompile(`^\d{6}-\d{3}$`)

// MaxSequence is the highest legal NNN value; exceeding it is a hard error
// rather than wraparound.
const MaxSequence = 999

// Allocator issues request numbers. It deliberately has no in-memory
// fallback: failing open here would risk issuing the same number to two
// callers.
type Allocator struct {
	client    *redis.Client
	namespace string
	location  *time.Location
	logger    core.Logger
	telemetry core.Telemetry
}

// Options configures New.
type Options struct {
	Namespace string
	Location  *time.Location // defaults to time.Local
	Logger    core.Logger
	Telemetry core.Telemetry
}

func New(client *redis.Client, opts Options) *Allocator {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "reqnum"
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &Allocator{client: client, namespace: namespace, location: loc, logger: logger, telemetry: telemetry}
}

// incrAndExpireScript atomically increments the per-date counter and, only
// on the first increment of the day, sets a TTL comfortably past midnight
// so the key self-cleans without a second round trip racing the INCR.
var incrAndExpireScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Allocate issues the next request number for "now" in the allocator's
// configured timezone. Returns KindAllocatorExhausted once the date's
// counter would exceed 999, and KindDependencyUnavailable if the shared
// store cannot be reached - this allocator never fabricates a number.
func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	return a.AllocateAt(ctx, time.Now())
}

// AllocateAt issues a request number for an explicit instant, primarily for
// deterministic tests.
func (a *Allocator) AllocateAt(ctx context.Context, now time.Time) (string, error) {
	local := now.In(a.location)
	dateKey := local.Format("060102")
	redisKey := fmt.Sprintf("%s:%s", a.namespace, dateKey)

	ttlSeconds := int((26 * time.Hour).Seconds())
	raw, err := incrAndExpireScript.Run(ctx, a.client, []string{redisKey}, ttlSeconds).Result()
	if err != nil {
		a.logger.Error("request number allocator store unavailable", map[string]interface{}{"error": err.Error()})
		return "", core.NewFrameworkError("reqnum.Allocate", core.KindDependencyUnavailable, err)
	}

	n, ok := raw.(int64)
	if !ok {
		return "", core.NewFrameworkError("reqnum.Allocate", core.KindInternal, errors.New("unexpected script result type"))
	}

	if n > MaxSequence {
		a.telemetry.RecordMetric("reqnum.exhausted", 1, map[string]string{"date": dateKey})
		return "", core.NewFrameworkError("reqnum.Allocate", core.KindAllocatorExhausted,
			fmt.Errorf("date %s exhausted at sequence %d (max %d)", dateKey, n, MaxSequence)).WithID(dateKey)
	}

	return fmt.Sprintf("%s-%03d", dateKey, n), nil
}
