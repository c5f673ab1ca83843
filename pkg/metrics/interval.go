package metrics

import (
	"sync"
	"time"
)

// Interval rate-limits periodic sources. Ready returns true at most once
// per interval no matter how often it is asked.
type Interval struct {
	period time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewInterval returns a limiter that is ready immediately.
func NewInterval(period time.Duration) *Interval {
	return &Interval{period: period}
}

// Period returns the configured minimum interval.
func (iv *Interval) Period() time.Duration {
	return iv.period
}

// Ready reports whether a full period has elapsed since the last time it
// returned true, and if so records now as the new publish time.
func (iv *Interval) Ready(now time.Time) bool {
	iv.mu.Lock()
	defer iv.mu.Unlock()

	if !iv.last.IsZero() && now.Sub(iv.last) < iv.period {
		return false
	}
	iv.last = now
	return true
}

// Reset makes the next Ready call succeed.
func (iv *Interval) Reset() {
	iv.mu.Lock()
	iv.last = time.Time{}
	iv.mu.Unlock()
}
