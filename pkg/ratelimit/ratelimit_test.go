package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLimiter(t *testing.T) (*RedisLimiter, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisLimiter(client, RedisLimiterOptions{Namespace: "test"}), client
}

// TestRedisLimiterAdmitsUpToLimit: limit=3,
// window=10s, five rapid calls against the same key admit exactly the
// first three and deny the rest.
func TestRedisLimiterAdmitsUpToLimit(t *testing.T) {
	limiter, _ := newTestRedisLimiter(t)
	ctx := context.Background()

	var allowed, denied int
	var lastDenied Result
	for i := 0; i < 5; i++ {
		res, err := limiter.Allow(ctx, "svc-a", 3, 10*time.Second)
		require.NoError(t, err)
		if res.Allowed {
			allowed++
		} else {
			denied++
			lastDenied = res
		}
	}

	assert.Equal(t, 3, allowed)
	assert.Equal(t, 2, denied)
	assert.Equal(t, 3, lastDenied.Limit)
	assert.True(t, lastDenied.RetryAfter > 0, "expected a positive retry_after on denial")
	assert.True(t, lastDenied.RetryAfter <= 10*time.Second)
}

// TestRedisLimiterSlidingWindowEvictsExpiredEntries asserts that once the
// oldest admitted timestamps fall outside the window, the slot frees up
// again rather than staying permanently exhausted.
func TestRedisLimiterSlidingWindowEvictsExpiredEntries(t *testing.T) {
	limiter, _ := newTestRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, "svc-b", 2, 50*time.Millisecond)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := limiter.Allow(ctx, "svc-b", 2, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "expected the window to be exhausted immediately")

	time.Sleep(80 * time.Millisecond)

	res, err = limiter.Allow(ctx, "svc-b", 2, 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "expected eviction of expired entries to free a slot")
}

// TestRedisLimiterDoesNotShareQuotaAcrossKeys confirms distinct keys never
// share quota - each (scope, identity) pair gets its own window.
func TestRedisLimiterDoesNotShareQuotaAcrossKeys(t *testing.T) {
	limiter, _ := newTestRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, "tenant-x", 2, 10*time.Second)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := limiter.Allow(ctx, "tenant-y", 2, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a different key must not be affected by tenant-x's exhausted window")
}

// TestRedisLimiterConcurrentAdmissionNeverExceedsLimit drives many
// concurrent callers against one key and checks the admitted count never
// exceeds limit, exercising the atomicity of the evict-count-insert script.
func TestRedisLimiterConcurrentAdmissionNeverExceedsLimit(t *testing.T) {
	limiter, _ := newTestRedisLimiter(t)
	ctx := context.Background()

	const limit = 5
	const callers = 30
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowedCount := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.Allow(ctx, "shared-key", limit, time.Minute)
			if err != nil {
				return
			}
			if res.Allowed {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, allowedCount, limit)
}

func TestRedisLimiterRejectsEmptyKey(t *testing.T) {
	limiter, _ := newTestRedisLimiter(t)
	_, err := limiter.Allow(context.Background(), "", 3, time.Second)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

// TestRedisLimiterFailsOpenWhenStoreUnavailable covers the deliberate
// fail-open degradation: an unreachable store allows the call
// and surfaces a dependency_unavailable-flavored error, not a denial.
func TestRedisLimiterFailsOpenWhenStoreUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLimiter(client, RedisLimiterOptions{})
	mr.Close()
	defer client.Close()

	res, err := limiter.Allow(context.Background(), "svc-c", 1, time.Second)
	require.Error(t, err)
	assert.True(t, res.Allowed, "expected the limiter to fail open on store outage")
}

func TestMemoryLimiterAdmitsUpToLimitThenDenies(t *testing.T) {
	limiter := NewMemoryLimiter(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "key", 3, 10*time.Second)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := limiter.Allow(ctx, "key", 3, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.RetryAfter > 0)
}

func TestMemoryLimiterEvictsExpiredEntries(t *testing.T) {
	limiter := NewMemoryLimiter(nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, "key", 2, 30*time.Millisecond)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	time.Sleep(50 * time.Millisecond)

	res, err := limiter.Allow(ctx, "key", 2, 30*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "expired entries must free up the window")
}

func TestMemoryLimiterRejectsEmptyKey(t *testing.T) {
	limiter := NewMemoryLimiter(nil)
	_, err := limiter.Allow(context.Background(), "", 3, time.Second)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSimpleAdapterFailsOpenOnLimiterError(t *testing.T) {
	adapter := SimpleAdapter{Limiter: errLimiter{}}
	allowed, _, err := adapter.Allow(context.Background(), "any", 1, time.Second)
	require.Error(t, err)
	assert.True(t, allowed, "adapter must propagate fail-open behavior, never silently deny on error")
}

type errLimiter struct{}

func (errLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	return Result{}, context.DeadlineExceeded
}
