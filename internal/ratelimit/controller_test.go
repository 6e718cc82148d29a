package ratelimit

import (
	"context"
	"testing"
	"time"

	"crosspost/internal/repository"
)

func testController(t *testing.T, threshold int) *Controller {
	t.Helper()
	c := NewController(
		map[string]Limits{"offerup": {RPS: 100, Burst: 2}},
		BackoffPolicy{Base: time.Second, Cap: 4},
		threshold,
		repository.NewMemoryTripStore(),
	)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return base }, func(time.Duration) time.Duration { return 0 })
	return c
}

func TestBackoffMonotonic(t *testing.T) {
	policy := BackoffPolicy{Base: time.Second, Cap: 4}
	var prev time.Duration
	for streak := 1; streak <= 10; streak++ {
		d := policy.Delay(streak, nil)
		if d < prev {
			t.Fatalf("delay decreased at streak %d: %s < %s", streak, d, prev)
		}
		prev = d
	}
	// Exponent is capped, so deep streaks flatten out.
	if policy.Delay(10, nil) != policy.Delay(4, nil) {
		t.Fatalf("expected capped delay, got %s vs %s", policy.Delay(10, nil), policy.Delay(4, nil))
	}
}

func TestBackoffJitterNeverBelowFloor(t *testing.T) {
	policy := BackoffPolicy{Base: time.Second, Cap: 6}
	jitter := func(base time.Duration) time.Duration { return base - 1 } // worst case
	for streak := 1; streak <= 6; streak++ {
		floor := policy.Delay(streak, nil)
		with := policy.Delay(streak, jitter)
		if with < floor {
			t.Fatalf("jitter pushed delay below floor at streak %d", streak)
		}
		if with >= floor+time.Second {
			t.Fatalf("jitter exceeded base at streak %d", streak)
		}
	}
}

func TestAcquireWithinBurst(t *testing.T) {
	c := testController(t, 3)

	ok, _ := c.Acquire("offerup", "offerup:a1")
	if !ok {
		t.Fatalf("first acquire should grant")
	}
	ok, _ = c.Acquire("offerup", "offerup:a1")
	if !ok {
		t.Fatalf("second acquire within burst should grant")
	}
	ok, retryAt := c.Acquire("offerup", "offerup:a1")
	if ok {
		t.Fatalf("third acquire should be throttled")
	}
	if retryAt.IsZero() {
		t.Fatalf("throttled acquire must report earliest retry time")
	}
}

func TestBackoffFloorBlocksAcquire(t *testing.T) {
	c := testController(t, 3)

	delay := c.RecordTransient("offerup:a1")
	if delay != 2*time.Second { // base * 2^1
		t.Fatalf("expected 2s first backoff, got %s", delay)
	}

	ok, retryAt := c.Acquire("offerup", "offerup:a1")
	if ok {
		t.Fatalf("acquire during backoff must be denied")
	}
	if retryAt.IsZero() {
		t.Fatalf("expected retry time from backoff floor")
	}

	c.RecordSuccess("offerup:a1")
	if ok, _ := c.Acquire("offerup", "offerup:a1"); !ok {
		t.Fatalf("acquire after success reset should grant")
	}
}

func TestRateLimitedFeedsStreakHarder(t *testing.T) {
	c := testController(t, 3)

	transient := c.RecordTransient("offerup:a1")
	c.RecordSuccess("offerup:a1")
	limited := c.RecordRateLimited("offerup:a1", 0)
	if limited <= transient {
		t.Fatalf("rate-limited backoff %s should exceed transient %s", limited, transient)
	}
}

func TestRateLimitedHonorsRetryAfter(t *testing.T) {
	c := testController(t, 3)

	delay := c.RecordRateLimited("offerup:a1", 10*time.Minute)
	if delay != 10*time.Minute {
		t.Fatalf("expected platform retry-after to win, got %s", delay)
	}
}

func TestTripAfterThreshold(t *testing.T) {
	c := testController(t, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if tripped := c.RecordTerminal(ctx, "offerup:a1", "invalid credentials"); tripped {
			t.Fatalf("tripped too early at failure %d", i+1)
		}
	}
	if !c.RecordTerminal(ctx, "offerup:a1", "invalid credentials") {
		t.Fatalf("expected trip at threshold")
	}
	if !c.IsTripped(ctx, "offerup:a1") {
		t.Fatalf("trip state not visible")
	}

	if err := c.ClearTrip(ctx, "offerup:a1"); err != nil {
		t.Fatalf("clear trip: %v", err)
	}
	if c.IsTripped(ctx, "offerup:a1") {
		t.Fatalf("trip should be cleared after credential refresh")
	}
	if tripped := c.RecordTerminal(ctx, "offerup:a1", "x"); tripped {
		t.Fatalf("streak must reset with the trip")
	}
}

func TestTripNowBypassesStreak(t *testing.T) {
	c := testController(t, 5)
	ctx := context.Background()

	c.TripNow(ctx, "offerup:a1", "account banned")
	if !c.IsTripped(ctx, "offerup:a1") {
		t.Fatalf("explicit block must trip immediately")
	}
}
