// Package ratelimit throttles password attempts per client and extracts the
// client address those attempts are keyed on.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// maxCost is the memory budget for attempt buckets (16 MiB).
const maxCost = 16 << 20

var bucketCost = int64(unsafe.Sizeof(bucket{}))

// limits is swapped atomically on reload.
type limits struct {
	rate  float64 // tokens per second
	burst float64
	ttl   time.Duration
}

// AttemptLimiter is a per-key token bucket for password submissions. Each
// key may submit maxAttempts times per window; tokens refill continuously.
// Counters are local to the instance.
type AttemptLimiter struct {
	cache  *ristretto.Cache[string, *bucket]
	limits atomic.Pointer[limits]
	now    func() time.Time
	once   sync.Once
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastTime time.Time
}

// NewAttemptLimiter returns a limiter allowing maxAttempts per window for each
// key. maxAttempts <= 0 disables limiting.
func NewAttemptLimiter(maxAttempts int, window time.Duration) *AttemptLimiter {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *bucket]{
		NumCounters: (maxCost / bucketCost) * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		panic("ristretto: " + err.Error())
	}
	l := &AttemptLimiter{cache: cache, now: time.Now}
	l.SetLimits(maxAttempts, window)
	return l
}

// SetLimits replaces the attempt budget. Existing buckets keep their tokens
// and refill at the new rate.
func (l *AttemptLimiter) SetLimits(maxAttempts int, window time.Duration) {
	if l == nil {
		return
	}
	if maxAttempts <= 0 || window <= 0 {
		l.limits.Store(nil)
		return
	}
	l.limits.Store(&limits{
		rate:  float64(maxAttempts) / window.Seconds(),
		burst: float64(maxAttempts),
		ttl:   window,
	})
}

// Enabled reports whether attempts are being limited.
func (l *AttemptLimiter) Enabled() bool {
	return l != nil && l.limits.Load() != nil
}

// RetryAfter is the time for one attempt to refill.
func (l *AttemptLimiter) RetryAfter() time.Duration {
	if l == nil {
		return 0
	}
	lim := l.limits.Load()
	if lim == nil {
		return 0
	}
	return time.Duration(float64(time.Second) / lim.rate)
}

// Allow consumes one attempt for key. It returns false once the key has
// exhausted its budget.
func (l *AttemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	lim := l.limits.Load()
	if lim == nil {
		return true
	}
	now := l.now()

	b, found := l.cache.Get(key)
	if !found {
		b = &bucket{tokens: lim.burst - 1, lastTime: now}
		l.cache.SetWithTTL(key, b, bucketCost, lim.ttl)
		l.cache.Wait()
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += lim.rate * now.Sub(b.lastTime).Seconds()
	if b.tokens > lim.burst {
		b.tokens = lim.burst
	}
	b.lastTime = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Close releases the bucket cache. Safe to call multiple times.
func (l *AttemptLimiter) Close() {
	if l == nil {
		return
	}
	l.once.Do(l.cache.Close)
}
