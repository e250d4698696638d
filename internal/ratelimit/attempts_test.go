package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T, max int, window time.Duration) (*AttemptLimiter, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewAttemptLimiter(max, window)
	l.now = clk.now
	t.Cleanup(l.Close)
	return l, clk
}

func TestAttemptLimiterBudget(t *testing.T) {
	l, _ := newTestLimiter(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("1.2.3.4"), "attempt %d should be allowed", i)
	}
	assert.False(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("5.6.7.8"), "keys are independent")
}

func TestAttemptLimiterRefill(t *testing.T) {
	l, clk := newTestLimiter(t, 2, time.Minute)

	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))

	// One token every 30s.
	clk.advance(30 * time.Second)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))

	clk.advance(10 * time.Minute)
	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"), "refill is capped at the budget")
}

func TestAttemptLimiterDisabled(t *testing.T) {
	t.Run("zero attempts", func(t *testing.T) {
		l, _ := newTestLimiter(t, 0, time.Minute)
		assert.False(t, l.Enabled())
		for i := 0; i < 100; i++ {
			assert.True(t, l.Allow("k"))
		}
	})

	t.Run("nil limiter", func(t *testing.T) {
		var l *AttemptLimiter
		assert.False(t, l.Enabled())
		assert.True(t, l.Allow("k"))
		l.Close()
	})
}

func TestAttemptLimiterSetLimits(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))

	l.SetLimits(0, time.Minute)
	assert.True(t, l.Allow("k"), "disabling takes effect immediately")

	l.SetLimits(5, time.Minute)
	assert.True(t, l.Enabled())
}

func TestAttemptLimiterCloseTwice(t *testing.T) {
	l := NewAttemptLimiter(5, time.Minute)
	l.Close()
	l.Close()
}

func TestAttemptLimiterRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(t, 6, time.Minute)
	assert.Equal(t, 10*time.Second, l.RetryAfter())

	l.SetLimits(0, time.Minute)
	assert.Zero(t, l.RetryAfter())
}
