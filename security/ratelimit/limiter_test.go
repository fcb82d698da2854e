package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
)

func newMiddleware(t *testing.T, cfg Config) *Middleware {
	t.Helper()
	mw := NewMiddleware(cfg, nil, zap.NewNop())
	t.Cleanup(func() { mw.Close() })
	return mw
}

func invoke(mw *Middleware, tenant string) messaging.Result {
	msg := messaging.NewEnvelope(messaging.KindAction, "orders.create", nil)
	mc := messaging.NewMessageContext(msg)
	if tenant != "" {
		mc.SetItem(messaging.ItemTenantID, tenant)
	}
	return mw.Invoke(context.Background(), msg, mc, func(context.Context, messaging.Message, *messaging.MessageContext) messaging.Result {
		return messaging.Ok()
	})
}

func TestTokenBucketDeniesAfterBurst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits = Limits{RequestsPerSecond: 0.001, BurstSize: 2}
	mw := newMiddleware(t, cfg)

	assert.True(t, invoke(mw, "acme").Succeeded())
	assert.True(t, invoke(mw, "acme").Succeeded())

	result := invoke(mw, "acme")
	limited, ok := result.(messaging.RateLimitExceeded)
	require.True(t, ok)
	assert.Positive(t, limited.RetryAfter, "denial must carry a retry-after estimate")
}

func TestKeysAreIsolated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits = Limits{RequestsPerSecond: 0.001, BurstSize: 1}
	mw := newMiddleware(t, cfg)

	assert.True(t, invoke(mw, "acme").Succeeded())
	assert.False(t, invoke(mw, "acme").Succeeded())
	assert.True(t, invoke(mw, "globex").Succeeded(), "another tenant has its own bucket")
}

func TestMessagesWithoutTenantShareDefaultKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits = Limits{RequestsPerSecond: 0.001, BurstSize: 1}
	mw := newMiddleware(t, cfg)

	assert.True(t, invoke(mw, "").Succeeded())
	assert.False(t, invoke(mw, "").Succeeded())
}

func TestTenantOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits = Limits{RequestsPerSecond: 0.001, BurstSize: 1}
	cfg.TenantOverrides = map[string]Limits{
		"premium": {RequestsPerSecond: 0.001, BurstSize: 3},
	}
	mw := newMiddleware(t, cfg)

	for i := 0; i < 3; i++ {
		assert.True(t, invoke(mw, "premium").Succeeded())
	}
	assert.False(t, invoke(mw, "premium").Succeeded())

	assert.True(t, invoke(mw, "basic").Succeeded())
	assert.False(t, invoke(mw, "basic").Succeeded())
}

func TestSlidingWindow(t *testing.T) {
	limiter := newSlidingWindow(Limits{RequestLimit: 2, WindowDuration: time.Hour})
	now := time.Now()

	allowed, _ := limiter.Allow(context.Background(), now)
	assert.True(t, allowed)
	allowed, _ = limiter.Allow(context.Background(), now)
	assert.True(t, allowed)

	allowed, retryAfter := limiter.Allow(context.Background(), now)
	assert.False(t, allowed)
	assert.Equal(t, time.Hour, retryAfter)

	// The window slides: once the oldest entry ages out, capacity returns.
	allowed, _ = limiter.Allow(context.Background(), now.Add(time.Hour+time.Second))
	assert.True(t, allowed)
}

func TestFixedWindow(t *testing.T) {
	limiter := newFixedWindow(Limits{RequestLimit: 2, WindowDuration: time.Minute})
	now := time.Now().Truncate(time.Minute).Add(time.Second)

	allowed, _ := limiter.Allow(context.Background(), now)
	assert.True(t, allowed)
	allowed, _ = limiter.Allow(context.Background(), now)
	assert.True(t, allowed)

	allowed, retryAfter := limiter.Allow(context.Background(), now)
	assert.False(t, allowed)
	assert.Equal(t, 59*time.Second, retryAfter)

	// A new window resets the counter.
	allowed, _ = limiter.Allow(context.Background(), now.Add(time.Minute))
	assert.True(t, allowed)
}

func TestConcurrencyLimiterHoldsSlotDuringPipeline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Algorithm = AlgorithmConcurrency
	cfg.Limits = Limits{MaxConcurrency: 1}
	mw := newMiddleware(t, cfg)

	msg := messaging.NewEnvelope(messaging.KindAction, "t", nil)
	mc := messaging.NewMessageContext(msg)

	var inner messaging.Result
	outer := mw.Invoke(context.Background(), msg, mc, func(ctx context.Context, m messaging.Message, c *messaging.MessageContext) messaging.Result {
		// The slot is held while downstream stages run.
		inner = invoke(mw, "")
		return messaging.Ok()
	})

	require.True(t, outer.Succeeded())
	assert.IsType(t, messaging.RateLimitExceeded{}, inner)

	// The slot is released once the pipeline returns.
	assert.True(t, invoke(mw, "").Succeeded())
}

func TestConcurrencyDenialFallsBackToDefaultRetryAfter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Algorithm = AlgorithmConcurrency
	cfg.Limits = Limits{MaxConcurrency: 1}
	cfg.DefaultRetryAfter = 250 * time.Millisecond
	mw := newMiddleware(t, cfg)

	msg := messaging.NewEnvelope(messaging.KindAction, "t", nil)
	mc := messaging.NewMessageContext(msg)

	var denied messaging.Result
	outer := mw.Invoke(context.Background(), msg, mc, func(context.Context, messaging.Message, *messaging.MessageContext) messaging.Result {
		denied = invoke(mw, "")
		return messaging.Ok()
	})
	require.True(t, outer.Succeeded())

	limited, ok := denied.(messaging.RateLimitExceeded)
	require.True(t, ok)
	assert.Positive(t, limited.RetryAfter, "denial must carry a retry-after hint")
	assert.Equal(t, 250*time.Millisecond, limited.RetryAfter)
}

func TestConcurrencyQueueLimit(t *testing.T) {
	limiter := newConcurrency(Limits{MaxConcurrency: 1}, 1)

	allowed, _ := limiter.Allow(context.Background(), time.Now())
	require.True(t, allowed)

	waiter := make(chan bool, 1)
	go func() {
		ok, _ := limiter.Allow(context.Background(), time.Now())
		waiter <- ok
	}()
	require.Eventually(t, func() bool { return limiter.waiters.Load() == 1 }, time.Second, time.Millisecond)

	// The queue is full; the next caller is rejected immediately.
	allowed, _ = limiter.Allow(context.Background(), time.Now())
	assert.False(t, allowed)

	limiter.Release()
	assert.True(t, <-waiter, "the queued caller takes the freed slot")
	limiter.Release()
}

func TestConcurrencyQueuedWaiterHonorsCancellation(t *testing.T) {
	limiter := newConcurrency(Limits{MaxConcurrency: 1}, 1)
	allowed, _ := limiter.Allow(context.Background(), time.Now())
	require.True(t, allowed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	allowed, _ = limiter.Allow(ctx, time.Now())
	assert.False(t, allowed)
	limiter.Release()
}

func TestDisabledLimiterPassesThrough(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.Limits = Limits{RequestsPerSecond: 0.001, BurstSize: 1}
	mw := newMiddleware(t, cfg)

	for i := 0; i < 10; i++ {
		assert.True(t, invoke(mw, "acme").Succeeded())
	}
}

func TestRegistrySweepRemovesIdleLimiters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CleanupInterval = 10 * time.Millisecond
	cfg.IdleTTL = time.Nanosecond
	r := newRegistry(cfg)
	defer r.close()

	r.get("a")
	r.get("b")
	require.Eventually(t, func() bool { return r.size() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	mw := NewMiddleware(DefaultConfig(), nil, zap.NewNop())
	require.NoError(t, mw.Close())
	require.NoError(t, mw.Close())
}

func TestRedisSlidingWindow(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	limiter := NewRedisLimiter(client, "test:ratelimit:", Limits{RequestLimit: 2, WindowDuration: time.Minute}, zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	allowed, _ := limiter.Allow(ctx, "acme", now)
	assert.True(t, allowed)
	allowed, _ = limiter.Allow(ctx, "acme", now.Add(time.Second))
	assert.True(t, allowed)

	allowed, retryAfter := limiter.Allow(ctx, "acme", now.Add(2*time.Second))
	assert.False(t, allowed)
	assert.Positive(t, retryAfter)

	// Other keys are unaffected.
	allowed, _ = limiter.Allow(ctx, "globex", now)
	assert.True(t, allowed)

	// Entries outside the window no longer count.
	allowed, _ = limiter.Allow(ctx, "acme", now.Add(2*time.Minute))
	assert.True(t, allowed)
}

func TestRedisUnavailableAdmits(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	limiter := NewRedisLimiter(client, "test:ratelimit:", Limits{RequestLimit: 1, WindowDuration: time.Minute}, zap.NewNop())

	srv.Close()
	allowed, _ := limiter.Allow(context.Background(), "acme", time.Now())
	assert.True(t, allowed, "backend loss must not reject traffic")
}
