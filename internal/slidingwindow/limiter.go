package slidingwindow

import (
	"context"
	"sync"
	"time"

	"github.com/keithlinneman/limiterd/internal/clock"
	"github.com/keithlinneman/limiterd/internal/xerrors"
)

// entry is the per-key event log: timestamps in non-decreasing order,
// appended at the tail, expired from the head. head indexes the oldest
// live timestamp so expiry is O(1) per event; the slice is compacted once
// the dead prefix reaches half the backing array.
type entry struct {
	times []time.Time
	head  int

	// notified tracks whether OnFirstDenied has fired for this key.
	// It resets when the entry is reclaimed, so a key that goes idle and
	// comes back is treated as new.
	notified bool
}

func (e *entry) len() int { return len(e.times) - e.head }

func (e *entry) oldest() time.Time { return e.times[e.head] }

// expire drops every timestamp at or beyond window age. The window is the
// half-open interval (now-window, now]: a timestamp exactly window in the
// past is expired, not retained.
func (e *entry) expire(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	for e.head < len(e.times) && !e.times[e.head].After(cutoff) {
		e.head++
	}
	if e.head > 0 && e.head*2 >= len(e.times) {
		e.times = append(e.times[:0:0], e.times[e.head:]...)
		e.head = 0
	}
}

// Limiter decides, per key, whether an event may proceed based on how many
// events for that key landed within the trailing window.
type Limiter struct {
	mu   sync.Mutex
	keys map[string]*entry

	// immutable after New
	window time.Duration
	max    int
	clk    clock.Clock

	// sweepEvery controls how often the background sweeper walks the map
	// evicting keys whose events have all expired
	sweepEvery time.Duration

	// OnDenied is called on every denied TryRecord, used for incrementing prometheus counters
	onDenied func(key string)

	// OnFirstDenied is called once per key when it first gets denied
	// resets when the key drains out of the map and comes back
	onFirstDenied func(key string)

	// OnSweep is called after each sweeper pass with the number of keys reclaimed
	onSweep func(reclaimed int)
}

type Option func(*Limiter)

// WithClock injects the time source. Tests pass a clock.Manual so window
// expiry is driven by Advance, not real sleeps.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		l.clk = c
	}
}

// WithSweepInterval controls how often idle keys are reclaimed in the
// background. Defaults to the window size: an abandoned key lives at most
// about two windows. Non-positive values keep the default.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.sweepEvery = d
		}
	}
}

// WithOnDenied sets a callback for every denied TryRecord. Called outside
// the limiter lock.
func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) {
		l.onDenied = fn
	}
}

// WithOnFirstDenied sets a callback for the first denial per key, used for logging.
// Intentionally separate from OnDenied to allow different handling - log once,
// but increment counters on each denial. Called outside the limiter lock.
func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *Limiter) {
		l.onFirstDenied = fn
	}
}

// WithOnSweep sets a callback invoked after each background sweep pass.
func WithOnSweep(fn func(reclaimed int)) Option {
	return func(l *Limiter) {
		l.onSweep = fn
	}
}

// New creates a Limiter admitting at most maxRequests events per key inside
// a trailing window, and starts the background sweeper goroutine (stopped
// when ctx is cancelled).
//
// window must be positive and maxRequests at least 1; anything else is a
// configuration error reported here, never deferred to first use.
func New(ctx context.Context, window time.Duration, maxRequests int, opts ...Option) (*Limiter, error) {
	if window <= 0 {
		return nil, xerrors.Newf("window must be positive (got %v)", window)
	}
	if maxRequests < 1 {
		return nil, xerrors.Newf("max requests must be at least 1 (got %d)", maxRequests)
	}

	l := &Limiter{
		keys:       make(map[string]*entry),
		window:     window,
		max:        maxRequests,
		clk:        clock.System(),
		sweepEvery: window,
	}
	for _, o := range opts {
		o(l)
	}

	go l.sweep(ctx)
	return l, nil
}

// Window reports the configured window size.
func (l *Limiter) Window() time.Duration { return l.window }

// MaxRequests reports the configured per-key admission ceiling.
func (l *Limiter) MaxRequests() int { return l.max }

// Allow reports whether key would currently be admitted. It is a query:
// beyond expiring dead timestamps it changes nothing, so calling it
// repeatedly at the same instant never alters a later outcome.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.expireKey(key, l.clk.Now())
	return e == nil || e.len() < l.max
}

// TryRecord atomically checks admission for key and, if admitted, records
// the event at the current instant. Returns false and leaves state
// untouched when the key is saturated. Check and append are evaluated
// against one clock reading under one lock acquisition, so two concurrent
// callers can never both slip under the limit.
func (l *Limiter) TryRecord(key string) bool {
	l.mu.Lock()
	now := l.clk.Now()
	e := l.expireKey(key, now)

	if e == nil {
		l.keys[key] = &entry{times: append(make([]time.Time, 0, l.max), now)}
		l.mu.Unlock()
		return true
	}
	if e.len() < l.max {
		e.times = append(e.times, now)
		l.mu.Unlock()
		return true
	}

	first := !e.notified
	e.notified = true
	l.mu.Unlock()

	// hooks run unlocked, they may do slow work (logging, metrics)
	if first && l.onFirstDenied != nil {
		l.onFirstDenied(key)
	}
	if l.onDenied != nil {
		l.onDenied(key)
	}
	return false
}

// RetryAfter projects how long until key could next be admitted: zero
// whenever Allow would return true, otherwise the time until the oldest
// surviving event leaves the window. It is a projection, not a
// reservation - another caller may take the slot first.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	e := l.expireKey(key, now)
	if e == nil || e.len() < l.max {
		return 0
	}

	wait := e.oldest().Add(l.window).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Keys reports how many keys currently hold at least one live event.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// Events reports the number of live events for key after expiry.
func (l *Limiter) Events(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.expireKey(key, l.clk.Now())
	if e == nil {
		return 0
	}
	return e.len()
}

// TrackedEvents reports the total live events across all keys. Expiry is
// lazy, so this is an upper bound between sweeps.
func (l *Limiter) TrackedEvents() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, e := range l.keys {
		total += e.len()
	}
	return total
}

// expireKey evicts dead timestamps for key and deletes the map entry the
// moment it drains. A key is present iff its log is non-empty - absence
// means "zero events in window", which is what bounds memory to active
// keys. Returns the live entry, or nil if the key is gone. Callers hold
// l.mu.
func (l *Limiter) expireKey(key string, now time.Time) *entry {
	e, ok := l.keys[key]
	if !ok {
		return nil
	}
	e.expire(now, l.window)
	if e.len() == 0 {
		delete(l.keys, key)
		return nil
	}
	return e
}

// sweep periodically reclaims keys whose events have all expired, so a key
// that saturates and is never touched again does not hold memory until the
// next foreground call.
func (l *Limiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweepOnce()
		}
	}
}

// sweepOnce is one sweeper pass: expire everything, reclaim drained keys.
func (l *Limiter) sweepOnce() {
	now := l.clk.Now()
	reclaimed := 0
	l.mu.Lock()
	for key, e := range l.keys {
		e.expire(now, l.window)
		if e.len() == 0 {
			delete(l.keys, key)
			reclaimed++
		}
	}
	l.mu.Unlock()
	if l.onSweep != nil {
		l.onSweep(reclaimed)
	}
}
