// Package clock abstracts the limiter's time source so tests can advance
// time deterministically instead of sleeping real wall-clock durations.
package clock

import (
	"sync"
	"time"
)

// Clock supplies "now" to the limiter.
//
// Implementations must be monotonic: successive Now() calls never go
// backward. Wall-clock adjustments (NTP sync, manual changes) must not be
// visible through a Clock, or window eviction would drop live entries or
// retain dead ones.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns the real clock. time.Now carries Go's monotonic reading,
// and all limiter arithmetic goes through Time.Sub/Time.Add, which use the
// monotonic component when both operands have one.
func System() Clock { return systemClock{} }

// Manual is a hand-advanced Clock for tests.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock frozen at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d. Negative d panics: a monotonic
// source never moves backward and tests should not pretend otherwise.
func (m *Manual) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: Advance with negative duration")
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set jumps the clock to t. Panics if t is earlier than the current reading.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Before(m.now) {
		panic("clock: Set moving backward")
	}
	m.now = t
}
