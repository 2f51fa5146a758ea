package ratelimiter

import (
	"sync"
	"time"
)

// Keyed allows at most one action per interval for each key.
// It is safe for concurrent use.
type Keyed struct {
	mu          sync.Mutex
	interval    time.Duration
	lastAllowed map[string]time.Time
	now         func() time.Time
}

// NewKeyed creates a limiter allowing one action per key per interval.
func NewKeyed(interval time.Duration) *Keyed {
	return &Keyed{
		interval:    interval,
		lastAllowed: make(map[string]time.Time),
		now:         time.Now,
	}
}

// Allow reports whether an action for key may happen now. When it may, the
// call is recorded; otherwise the remaining wait is returned.
func (l *Keyed) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	last, seen := l.lastAllowed[key]
	if !seen || now.Sub(last) >= l.interval {
		l.lastAllowed[key] = now
		return true, 0
	}
	return false, l.interval - now.Sub(last)
}

// Forget drops the state for key so its next action is allowed immediately.
func (l *Keyed) Forget(key string) {
	l.mu.Lock()
	delete(l.lastAllowed, key)
	l.mu.Unlock()
}

// Reset clears all keys.
func (l *Keyed) Reset() {
	l.mu.Lock()
	l.lastAllowed = make(map[string]time.Time)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *Keyed) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lastAllowed)
}

// Interval returns the configured interval.
func (l *Keyed) Interval() time.Duration {
	return l.interval
}
