package slidingwindow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/limiterd/internal/clock"
)

// newTestLimiter builds a limiter on a manual clock so window expiry is
// driven by Advance, never by sleeping. Returns the limiter, the clock,
// and a cancel func to stop the sweeper goroutine.
func newTestLimiter(t *testing.T, window time.Duration, max int, opts ...Option) (*Limiter, *clock.Manual, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	clk := clock.NewManual(time.Unix(1000, 0))
	all := append([]Option{WithClock(clk)}, opts...)
	l, err := New(ctx, window, max, all...)
	if err != nil {
		cancel()
		t.Fatalf("New: %v", err)
	}
	return l, clk, cancel
}

func TestNew_RejectsBadConfig(t *testing.T) {
	ctx := context.Background()

	if _, err := New(ctx, 0, 1); err == nil {
		t.Error("zero window should be rejected")
	}
	if _, err := New(ctx, -time.Second, 1); err == nil {
		t.Error("negative window should be rejected")
	}
	if _, err := New(ctx, time.Second, 0); err == nil {
		t.Error("max requests 0 should be rejected")
	}
	if _, err := New(ctx, time.Second, -3); err == nil {
		t.Error("negative max requests should be rejected")
	}
}

func TestTryRecord_FirstEventAlwaysAdmitted(t *testing.T) {
	l, _, cancel := newTestLimiter(t, 10*time.Second, 1)
	defer cancel()

	if !l.TryRecord("u1") {
		t.Fatal("first event for a key should be admitted")
	}
}

func TestTryRecord_DeniedWithinWindow(t *testing.T) {
	l, clk, cancel := newTestLimiter(t, 10*time.Second, 1)
	defer cancel()

	if !l.TryRecord("u1") {
		t.Fatal("first record should be admitted")
	}

	// 5s later, still inside the window
	clk.Advance(5 * time.Second)
	if l.TryRecord("u1") {
		t.Fatal("second record inside the window should be denied")
	}
}

func TestTryRecord_ExactBoundaryIsExpired(t *testing.T) {
	l, clk, cancel := newTestLimiter(t, 10*time.Second, 1)
	defer cancel()

	l.TryRecord("u1")

	// exactly window later: the old event is expired, not retained
	clk.Advance(10 * time.Second)
	if !l.TryRecord("u1") {
		t.Fatal("event exactly one window old should have expired")
	}
}

func TestTryRecord_CapacityEdge(t *testing.T) {
	l, _, cancel := newTestLimiter(t, 10*time.Second, 3)
	defer cancel()

	// max-1 events: still admissible
	l.TryRecord("u1")
	l.TryRecord("u1")
	if !l.Allow("u1") {
		t.Fatal("key with max-1 events should be admissible")
	}

	// max events: saturated
	l.TryRecord("u1")
	if l.Allow("u1") {
		t.Fatal("key with max events should be saturated")
	}
	if l.TryRecord("u1") {
		t.Fatal("record beyond max should be denied")
	}
}

func TestTryRecord_OldestExpiryFreesOneSlot(t *testing.T) {
	l, clk, cancel := newTestLimiter(t, 10*time.Second, 3)
	defer cancel()

	// events at t=1,2,3 (clock starts at 1000s; offsets below)
	clk.Advance(1 * time.Second)
	l.TryRecord("c")
	clk.Advance(1 * time.Second)
	l.TryRecord("c")
	clk.Advance(1 * time.Second)
	l.TryRecord("c")

	// t=4: saturated
	clk.Advance(1 * time.Second)
	if l.TryRecord("c") {
		t.Fatal("fourth record within window should be denied")
	}

	// t=11: the t=1 event has expired, one slot opens
	clk.Advance(7 * time.Second)
	if !l.TryRecord("c") {
		t.Fatal("record after oldest event expired should be admitted")
	}
	// and only one slot: t=2,3,11 are live
	if l.TryRecord("c") {
		t.Fatal("only one slot should have opened")
	}
}

func TestTryRecord_KeysAreIndependent(t *testing.T) {
	l, _, cancel := newTestLimiter(t, 10*time.Second, 1)
	defer cancel()

	if !l.TryRecord("a") {
		t.Fatal("key a first record should be admitted")
	}
	if !l.TryRecord("b") {
		t.Fatal("key b is independent of key a")
	}
	if l.TryRecord("a") || l.TryRecord("b") {
		t.Fatal("both keys should now be saturated")
	}
}

func TestAllow_IsIdempotent(t *testing.T) {
	l, _, cancel := newTestLimiter(t, 10*time.Second, 2)
	defer cancel()

	l.TryRecord("u1")

	// repeated queries at the same instant never change the outcome
	for i := 0; i < 5; i++ {
		if !l.Allow("u1") {
			t.Fatalf("query %d: Allow should stay true without an intervening record", i+1)
		}
		if got := l.RetryAfter("u1"); got != 0 {
			t.Fatalf("query %d: RetryAfter = %v, want 0", i+1, got)
		}
	}
	if !l.TryRecord("u1") {
		t.Fatal("record should still succeed after repeated queries")
	}
}

func TestAllow_UnknownKey(t *testing.T) {
	l, _, cancel := newTestLimiter(t, 10*time.Second, 1)
	defer cancel()

	if !l.Allow("never-seen") {
		t.Fatal("unknown key should be admissible")
	}
	if got := l.RetryAfter("never-seen"); got != 0 {
		t.Fatalf("RetryAfter for unknown key = %v, want 0", got)
	}
}

func TestRetryAfter_Projection(t *testing.T) {
	l, clk, cancel := newTestLimiter(t, 10*time.Second, 1)
	defer cancel()

	l.TryRecord("u1")

	// immediately after: full window remains
	if got := l.RetryAfter("u1"); got != 10*time.Second {
		t.Fatalf("RetryAfter right after record = %v, want 10s", got)
	}

	// 5s in: half the window remains
	clk.Advance(5 * time.Second)
	if got := l.RetryAfter("u1"); got != 5*time.Second {
		t.Fatalf("RetryAfter mid-window = %v, want 5s", got)
	}

	// past expiry: zero
	clk.Advance(5 * time.Second)
	if got := l.RetryAfter("u1"); got != 0 {
		t.Fatalf("RetryAfter after expiry = %v, want 0", got)
	}
}

func TestRetryAfter_UsesOldestSurvivingEvent(t *testing.T) {
	l, clk, cancel := newTestLimiter(t, 10*time.Second, 2)
	defer cancel()

	l.TryRecord("u1")
	clk.Advance(4 * time.Second)
	l.TryRecord("u1")

	// saturated; next slot opens when the first event (4s ago) expires
	if got := l.RetryAfter("u1"); got != 6*time.Second {
		t.Fatalf("RetryAfter = %v, want 6s", got)
	}

	// once the first event expires the key is admissible again
	clk.Advance(6 * time.Second)
	if got := l.RetryAfter("u1"); got != 0 {
		t.Fatalf("RetryAfter after oldest expired = %v, want 0", got)
	}
	if !l.Allow("u1") {
		t.Fatal("key should be admissible after oldest event expired")
	}
}

func TestMemoryReclamation_DrainedKeyIsGone(t *testing.T) {
	l, clk, cancel := newTestLimiter(t, 10*time.Second, 1)
	defer cancel()

	l.TryRecord("u1")
	if l.Keys() != 1 {
		t.Fatalf("Keys = %d, want 1", l.Keys())
	}

	// any query after full expiry reclaims the key
	clk.Advance(11 * time.Second)
	if !l.Allow("u1") {
		t.Fatal("key should be admissible after expiry")
	}
	if l.Keys() != 0 {
		t.Fatalf("Keys after drain = %d, want 0 (entry must be deleted, not kept empty)", l.Keys())
	}

	// behavior is indistinguishable from a never-seen key
	if got := l.RetryAfter("u1"); got != 0 {
		t.Fatalf("RetryAfter for drained key = %v, want 0", got)
	}
	if !l.TryRecord("u1") {
		t.Fatal("drained key should admit like a fresh one")
	}
}

func TestCapacityInvariant_NeverExceedsMax(t *testing.T) {
	l, clk, cancel := newTestLimiter(t, 10*time.Second, 3)
	defer cancel()

	// hammer one key across a moving window
	for i := 0; i < 50; i++ {
		l.TryRecord("k")
		if got := l.Events("k"); got > 3 {
			t.Fatalf("step %d: %d live events, capacity is 3", i, got)
		}
		clk.Advance(700 * time.Millisecond)
	}
}

func TestSweep_ReclaimsIdleKeys(t *testing.T) {
	l, clk, cancel := newTestLimiter(t, 10*time.Second, 1, WithSweepInterval(time.Hour))
	defer cancel()

	l.TryRecord("idle-1")
	l.TryRecord("idle-2")
	clk.Advance(11 * time.Second)

	// drive a sweep pass directly instead of waiting on the ticker
	l.sweepOnce()

	if got := l.Keys(); got != 0 {
		t.Fatalf("Keys after sweep = %d, want 0", got)
	}
}

func TestSweep_KeepsLiveKeys(t *testing.T) {
	var reclaimed atomic.Int32
	l, clk, cancel := newTestLimiter(t, 10*time.Second, 2,
		WithSweepInterval(time.Hour),
		WithOnSweep(func(n int) { reclaimed.Add(int32(n)) }),
	)
	defer cancel()

	l.TryRecord("old")
	clk.Advance(8 * time.Second)
	l.TryRecord("fresh")
	clk.Advance(3 * time.Second) // "old" fully expired, "fresh" still live

	l.sweepOnce()

	if got := l.Keys(); got != 1 {
		t.Fatalf("Keys after sweep = %d, want 1", got)
	}
	if !l.Allow("old") {
		t.Fatal("reclaimed key should admit again")
	}
	if got := reclaimed.Load(); got != 1 {
		t.Fatalf("OnSweep reported %d reclaimed keys, want 1", got)
	}
}

func TestOnDenied_CalledEveryDenial(t *testing.T) {
	var denied atomic.Int32
	l, _, cancel := newTestLimiter(t, 10*time.Second, 1,
		WithOnDenied(func(key string) { denied.Add(1) }),
	)
	defer cancel()

	l.TryRecord("u1")
	for i := 0; i < 5; i++ {
		l.TryRecord("u1")
	}

	if got := denied.Load(); got != 5 {
		t.Fatalf("OnDenied called %d times, want 5", got)
	}
}

func TestOnFirstDenied_OncePerKeyUntilReclaim(t *testing.T) {
	var firsts atomic.Int32
	l, clk, cancel := newTestLimiter(t, 10*time.Second, 1,
		WithOnFirstDenied(func(key string) { firsts.Add(1) }),
	)
	defer cancel()

	l.TryRecord("u1")
	l.TryRecord("u1") // denied, fires
	l.TryRecord("u1") // denied, suppressed
	if got := firsts.Load(); got != 1 {
		t.Fatalf("OnFirstDenied = %d, want 1", got)
	}

	// after the key drains and comes back, the flag resets
	clk.Advance(11 * time.Second)
	l.TryRecord("u1")
	l.TryRecord("u1") // denied, fires again
	if got := firsts.Load(); got != 2 {
		t.Fatalf("OnFirstDenied after re-entry = %d, want 2", got)
	}
}

func TestOnFirstDenied_PerKey(t *testing.T) {
	seen := make(map[string]int)
	var mu sync.Mutex
	l, _, cancel := newTestLimiter(t, 10*time.Second, 1,
		WithOnFirstDenied(func(key string) {
			mu.Lock()
			seen[key]++
			mu.Unlock()
		}),
	)
	defer cancel()

	l.TryRecord("a")
	l.TryRecord("a") // first denial for a
	l.TryRecord("a")
	l.TryRecord("b")
	l.TryRecord("b") // first denial for b

	mu.Lock()
	defer mu.Unlock()
	if seen["a"] != 1 || seen["b"] != 1 {
		t.Fatalf("OnFirstDenied per key = %v, want a:1 b:1", seen)
	}
}

func TestNilCallbacks_NoPanic(t *testing.T) {
	l, _, cancel := newTestLimiter(t, 10*time.Second, 1)
	defer cancel()

	l.TryRecord("u1")
	l.TryRecord("u1") // denied with no hooks set - should be fine
}

func TestConcurrent_LimitHoldsUnderContention(t *testing.T) {
	l, _, cancel := newTestLimiter(t, time.Minute, 10)
	defer cancel()

	// 100 goroutines race TryRecord on one key; exactly max may win
	var wg sync.WaitGroup
	var admitted atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryRecord("hot") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 10 {
		t.Fatalf("admitted = %d, want exactly 10", got)
	}
	if got := l.Events("hot"); got != 10 {
		t.Fatalf("live events = %d, want 10", got)
	}
}

func TestConcurrent_DistinctKeysDoNotInterfere(t *testing.T) {
	l, _, cancel := newTestLimiter(t, time.Minute, 1)
	defer cancel()

	var wg sync.WaitGroup
	var admitted atomic.Int32
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", n)
			if l.TryRecord(key) {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := admitted.Load(); got != 64 {
		t.Fatalf("admitted = %d, want 64 (one per key)", got)
	}
	if got := l.Keys(); got != 64 {
		t.Fatalf("Keys = %d, want 64", got)
	}
}

// The worked example from the design discussion: window 10s, max 1, with a
// second series after the window rolls over.
func TestScenario_SingleMessagePerWindow(t *testing.T) {
	l, clk, cancel := newTestLimiter(t, 10*time.Second, 1)
	defer cancel()

	// t=0: first message admitted, full window to wait
	if !l.TryRecord("A") {
		t.Fatal("t=0: first record should be admitted")
	}
	if got := l.RetryAfter("A"); got != 10*time.Second {
		t.Fatalf("t=0: RetryAfter = %v, want 10s", got)
	}

	// t=5: denied, 5s remain
	clk.Advance(5 * time.Second)
	if l.TryRecord("A") {
		t.Fatal("t=5: should be denied")
	}
	if got := l.RetryAfter("A"); got != 5*time.Second {
		t.Fatalf("t=5: RetryAfter = %v, want 5s", got)
	}

	// t=10 exactly: the t=0 event is expired, admitted again
	clk.Advance(5 * time.Second)
	if !l.TryRecord("A") {
		t.Fatal("t=10: boundary-exclusive expiry should admit")
	}
}

func TestMonotoneLog_EvictionNeverSkips(t *testing.T) {
	l, clk, cancel := newTestLimiter(t, 10*time.Second, 5)
	defer cancel()

	for i := 0; i < 5; i++ {
		l.TryRecord("k")
		clk.Advance(2 * time.Second)
	}
	// events at offsets 0,2,4,6,8; now=10: offset 0 is expired, rest live
	if got := l.Events("k"); got != 4 {
		t.Fatalf("live events = %d, want 4", got)
	}

	// each further 2s drops exactly the next-oldest event
	for want := 3; want >= 0; want-- {
		clk.Advance(2 * time.Second)
		if got := l.Events("k"); got != want {
			t.Fatalf("live events = %d, want %d", got, want)
		}
	}
}
