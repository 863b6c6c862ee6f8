package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"grimm.is/peerd/internal/clock"
)

func newTestLimiter(limit int, window time.Duration) (*Limiter, *clock.MockClock) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	l := New(limit, window)
	l.clk = clk
	return l, clk
}

func TestBlockedAfterLimit(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)

	assert.False(t, l.Blocked("10.0.0.1"))
	l.Record("10.0.0.1")
	l.Record("10.0.0.1")
	assert.False(t, l.Blocked("10.0.0.1"))
	l.Record("10.0.0.1")
	assert.True(t, l.Blocked("10.0.0.1"))

	// Other keys are unaffected.
	assert.False(t, l.Blocked("10.0.0.2"))
}

func TestWindowExpiry(t *testing.T) {
	l, clk := newTestLimiter(2, time.Minute)

	l.Record("k")
	l.Record("k")
	assert.True(t, l.Blocked("k"))

	clk.Advance(time.Minute)
	assert.False(t, l.Blocked("k"))

	// A failure after expiry starts a fresh window.
	l.Record("k")
	assert.False(t, l.Blocked("k"))
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	l.Record("k")
	assert.True(t, l.Blocked("k"))
	l.Reset("k")
	assert.False(t, l.Blocked("k"))
}

func TestCleanupExpired(t *testing.T) {
	l, clk := newTestLimiter(1, time.Minute)

	l.Record("old")
	clk.Advance(30 * time.Second)
	l.Record("fresh")
	clk.Advance(31 * time.Second)

	l.CleanupExpired()
	assert.NotContains(t, l.entries, "old")
	assert.Contains(t, l.entries, "fresh")
}
