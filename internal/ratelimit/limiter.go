// Package ratelimit tracks repeated authentication failures per key
// and blocks keys that fail too often within a window.
package ratelimit

import (
	"sync"
	"time"

	"grimm.is/peerd/internal/clock"
)

// Limiter counts failures per key over a fixed window.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clk     clock.Clock
	entries map[string]*entry
}

type entry struct {
	count       int
	windowStart time.Time
}

// New creates a limiter that blocks a key after limit failures within
// the window.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		clk:     &clock.RealClock{},
		entries: make(map[string]*entry),
	}
}

// Record notes one failure for the key.
func (l *Limiter) Record(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	e, ok := l.entries[key]
	if !ok || now.Sub(e.windowStart) >= l.window {
		l.entries[key] = &entry{count: 1, windowStart: now}
		return
	}
	e.count++
}

// Blocked reports whether the key has reached the failure limit in the
// current window.
func (l *Limiter) Blocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return false
	}
	if l.clk.Now().Sub(e.windowStart) >= l.window {
		delete(l.entries, key)
		return false
	}
	return e.count >= l.limit
}

// Reset forgets the key, e.g. after a successful authentication.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// CleanupExpired drops entries whose window has passed.
func (l *Limiter) CleanupExpired() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	for key, e := range l.entries {
		if now.Sub(e.windowStart) >= l.window {
			delete(l.entries, key)
		}
	}
}

// StartCleanup runs CleanupExpired on a ticker.
func (l *Limiter) StartCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			l.CleanupExpired()
		}
	}()
}
