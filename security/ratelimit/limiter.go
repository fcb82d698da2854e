// Package ratelimit implements per-key rate limiting middleware with four
// interchangeable algorithms: token bucket, sliding window, fixed window,
// and a concurrency cap.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Algorithm selects the limiting strategy.
type Algorithm string

const (
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmFixedWindow   Algorithm = "fixed_window"
	AlgorithmConcurrency   Algorithm = "concurrency"
)

// DefaultKey is the registry key used when the message context carries no
// tenant identity.
const DefaultKey = "__default__"

// Limits holds the numeric limits for one key.
type Limits struct {
	// RequestsPerSecond is the refill rate for the token bucket.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	// BurstSize is the token bucket capacity.
	BurstSize int `json:"burst_size" yaml:"burst_size"`
	// RequestLimit is the cap per window for the window algorithms.
	RequestLimit int `json:"request_limit" yaml:"request_limit"`
	// WindowDuration is the window length for the window algorithms.
	WindowDuration time.Duration `json:"window_duration" yaml:"window_duration"`
	// MaxConcurrency is the cap for the concurrency algorithm.
	MaxConcurrency int64 `json:"max_concurrency" yaml:"max_concurrency"`
}

// Config configures the rate limiting middleware.
type Config struct {
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	Algorithm Algorithm `json:"algorithm" yaml:"algorithm"`

	Limits Limits `json:"limits" yaml:"limits"`

	// TenantOverrides replaces the default limits for specific keys.
	TenantOverrides map[string]Limits `json:"tenant_overrides" yaml:"tenant_overrides"`

	// QueueLimit is how many denied callers may wait for a concurrency slot
	// instead of being rejected. 0 rejects immediately.
	QueueLimit int64 `json:"queue_limit" yaml:"queue_limit"`
	// DefaultRetryAfter is the retry hint returned when the limiter has no
	// estimate of its own.
	DefaultRetryAfter time.Duration `json:"default_retry_after" yaml:"default_retry_after"`

	// CleanupInterval is how often idle per-key limiters are swept.
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	// IdleTTL is how long an unused limiter survives before the sweep
	// removes it.
	IdleTTL time.Duration `json:"idle_ttl" yaml:"idle_ttl"`
}

// DefaultConfig returns the default rate limiting configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Algorithm: AlgorithmTokenBucket,
		Limits: Limits{
			RequestsPerSecond: 100,
			BurstSize:         200,
			RequestLimit:      100,
			WindowDuration:    time.Second,
			MaxConcurrency:    64,
		},
		DefaultRetryAfter: time.Second,
		CleanupInterval:   time.Minute,
		IdleTTL:           10 * time.Minute,
	}
}

// keyLimiter is the per-key limiting state. Allow reports whether one more
// message may proceed and, when denied, how long the caller should wait.
type keyLimiter interface {
	Allow(ctx context.Context, now time.Time) (allowed bool, retryAfter time.Duration)
	// Release returns a held slot. Only the concurrency limiter does
	// anything here.
	Release()
}

// tokenBucketLimiter wraps a rate.Limiter. The retry-after estimate comes
// from reserving a token and cancelling the reservation when it is not
// immediately usable.
type tokenBucketLimiter struct {
	limiter *rate.Limiter
}

func newTokenBucket(limits Limits) *tokenBucketLimiter {
	return &tokenBucketLimiter{limiter: rate.NewLimiter(rate.Limit(limits.RequestsPerSecond), limits.BurstSize)}
}

func (t *tokenBucketLimiter) Allow(_ context.Context, now time.Time) (bool, time.Duration) {
	reservation := t.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Second
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (t *tokenBucketLimiter) Release() {}

// slidingWindowLimiter keeps the timestamps of admitted messages and prunes
// those older than the window on every call.
type slidingWindowLimiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	times  []time.Time
}

func newSlidingWindow(limits Limits) *slidingWindowLimiter {
	return &slidingWindowLimiter{window: limits.WindowDuration, limit: limits.RequestLimit}
}

func (s *slidingWindowLimiter) Allow(_ context.Context, now time.Time) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.window)
	kept := s.times[:0]
	for _, t := range s.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.times = kept

	if len(s.times) < s.limit {
		s.times = append(s.times, now)
		return true, 0
	}
	return false, s.times[0].Add(s.window).Sub(now)
}

func (s *slidingWindowLimiter) Release() {}

// fixedWindowLimiter counts messages per aligned window.
type fixedWindowLimiter struct {
	mu          sync.Mutex
	window      time.Duration
	limit       int
	windowStart time.Time
	count       int
}

func newFixedWindow(limits Limits) *fixedWindowLimiter {
	return &fixedWindowLimiter{window: limits.WindowDuration, limit: limits.RequestLimit}
}

func (f *fixedWindowLimiter) Allow(_ context.Context, now time.Time) (bool, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := now.Truncate(f.window)
	if !start.Equal(f.windowStart) {
		f.windowStart = start
		f.count = 0
	}
	if f.count < f.limit {
		f.count++
		return true, 0
	}
	return false, start.Add(f.window).Sub(now)
}

func (f *fixedWindowLimiter) Release() {}

// concurrencyLimiter caps in-flight messages with a weighted semaphore. The
// slot is held for the rest of the pipeline and released afterwards. Up to
// queueLimit denied callers block for a slot; the rest are rejected.
type concurrencyLimiter struct {
	sem        *semaphore.Weighted
	queueLimit int64
	waiters    atomic.Int64
}

func newConcurrency(limits Limits, queueLimit int64) *concurrencyLimiter {
	max := limits.MaxConcurrency
	if max <= 0 {
		max = 1
	}
	return &concurrencyLimiter{sem: semaphore.NewWeighted(max), queueLimit: queueLimit}
}

func (c *concurrencyLimiter) Allow(ctx context.Context, _ time.Time) (bool, time.Duration) {
	if c.sem.TryAcquire(1) {
		return true, 0
	}
	if c.queueLimit > 0 {
		if c.waiters.Add(1) <= c.queueLimit {
			defer c.waiters.Add(-1)
			if c.sem.Acquire(ctx, 1) == nil {
				return true, 0
			}
			return false, 0
		}
		c.waiters.Add(-1)
	}
	return false, 0
}

func (c *concurrencyLimiter) Release() {
	c.sem.Release(1)
}

// registry holds per-key limiters, creating them lazily and sweeping idle
// entries on a timer.
type registry struct {
	config Config

	mu      sync.RWMutex
	entries map[string]*registryEntry

	done      chan struct{}
	closeOnce sync.Once
}

type registryEntry struct {
	limiter  keyLimiter
	lastSeen time.Time
}

func newRegistry(config Config) *registry {
	r := &registry{
		config:  config,
		entries: make(map[string]*registryEntry),
		done:    make(chan struct{}),
	}
	if config.CleanupInterval > 0 && config.IdleTTL > 0 {
		go r.sweep()
	}
	return r
}

// get returns the limiter for a key, creating it from the key's limits on
// first use.
func (r *registry) get(key string) keyLimiter {
	r.mu.RLock()
	entry, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		r.mu.Lock()
		entry.lastSeen = time.Now()
		r.mu.Unlock()
		return entry.limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[key]; ok {
		entry.lastSeen = time.Now()
		return entry.limiter
	}
	entry = &registryEntry{limiter: r.build(key), lastSeen: time.Now()}
	r.entries[key] = entry
	return entry.limiter
}

func (r *registry) build(key string) keyLimiter {
	limits := r.config.Limits
	if override, ok := r.config.TenantOverrides[key]; ok {
		limits = override
	}
	switch r.config.Algorithm {
	case AlgorithmSlidingWindow:
		return newSlidingWindow(limits)
	case AlgorithmFixedWindow:
		return newFixedWindow(limits)
	case AlgorithmConcurrency:
		return newConcurrency(limits, r.config.QueueLimit)
	default:
		return newTokenBucket(limits)
	}
}

func (r *registry) sweep() {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.config.IdleTTL)
			r.mu.Lock()
			for key, entry := range r.entries {
				if entry.lastSeen.Before(cutoff) {
					delete(r.entries, key)
				}
			}
			r.mu.Unlock()
		}
	}
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// close stops the sweep goroutine. Idempotent.
func (r *registry) close() {
	r.closeOnce.Do(func() { close(r.done) })
}
