// Package ratelimit implements the per-account pacing layer: token buckets,
// exponential backoff with jitter, and the circuit trip that stops the engine
// from hammering a flagged account.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"crosspost/internal/domain"

	"golang.org/x/time/rate"
)

// Limits sizes one platform's token bucket.
type Limits struct {
	RPS   float64
	Burst int
}

// BackoffPolicy computes retry delays: base * 2^min(streak, cap) plus random
// jitter in [0, base). The streak resets on success.
type BackoffPolicy struct {
	Base time.Duration
	Cap  int
}

// Delay returns the backoff for the given failure streak (1-based).
func (p BackoffPolicy) Delay(streak int, jitter func(time.Duration) time.Duration) time.Duration {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Cap <= 0 {
		p.Cap = 6
	}
	if streak < 1 {
		streak = 1
	}
	exp := streak
	if exp > p.Cap {
		exp = p.Cap
	}
	d := p.Base << uint(exp)
	if jitter != nil {
		d += jitter(p.Base)
	}
	return d
}

type accountState struct {
	transientStreak int
	terminalStreak  int
	nextEligible    time.Time
}

// Controller is one shared pacing instance. All workers touching the same
// account serialize through its bucket; its maps are the only contended
// state and are guarded without any workload-wide lock.
type Controller struct {
	platformLimits map[string]Limits
	defaults       Limits
	backoff        BackoffPolicy
	tripThreshold  int
	trips          domain.TripStore

	buckets sync.Map // rate key -> *rate.Limiter

	mu     sync.Mutex
	states map[string]*accountState

	now    func() time.Time
	jitter func(time.Duration) time.Duration
}

func NewController(platformLimits map[string]Limits, backoff BackoffPolicy, tripThreshold int, trips domain.TripStore) *Controller {
	if tripThreshold <= 0 {
		tripThreshold = 3
	}
	return &Controller{
		platformLimits: platformLimits,
		defaults:       Limits{RPS: 1, Burst: 1},
		backoff:        backoff,
		tripThreshold:  tripThreshold,
		trips:          trips,
		states:         make(map[string]*accountState),
		now:            time.Now,
		jitter: func(base time.Duration) time.Duration {
			if base <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(base)))
		},
	}
}

// SetClock replaces the time and jitter sources. Tests only.
func (c *Controller) SetClock(now func() time.Time, jitter func(time.Duration) time.Duration) {
	c.now = now
	c.jitter = jitter
}

// Acquire grants a token immediately or reports the earliest retry time.
// The backoff floor set by prior failures is honored before the bucket is
// consulted, so a backing-off account never burns tokens.
func (c *Controller) Acquire(platform, key string) (bool, time.Time) {
	now := c.now()

	c.mu.Lock()
	if st, ok := c.states[key]; ok && st.nextEligible.After(now) {
		next := st.nextEligible
		c.mu.Unlock()
		return false, next
	}
	c.mu.Unlock()

	lim := c.bucket(platform, key)
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return false, now.Add(time.Second)
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, now.Add(delay)
	}
	return true, time.Time{}
}

// RecordSuccess resets both failure streaks and the backoff floor.
func (c *Controller) RecordSuccess(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, key)
}

// RecordTransient bumps the failure streak and returns the backoff delay the
// caller should apply before the next attempt.
func (c *Controller) RecordTransient(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(key)
	st.transientStreak++
	delay := c.backoff.Delay(st.transientStreak, c.jitter)
	st.nextEligible = c.now().Add(delay)
	return delay
}

// RecordRateLimited feeds the streak harder than a generic transient failure
// and never undercuts an explicit Retry-After from the platform.
func (c *Controller) RecordRateLimited(key string, retryAfter time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(key)
	st.transientStreak += 2
	delay := c.backoff.Delay(st.transientStreak, c.jitter)
	if retryAfter > delay {
		delay = retryAfter
	}
	st.nextEligible = c.now().Add(delay)
	return delay
}

// RecordTerminal counts a terminal-looking failure (auth error, explicit
// flag). After the configured threshold the account trips.
func (c *Controller) RecordTerminal(ctx context.Context, key, reason string) bool {
	c.mu.Lock()
	st := c.state(key)
	st.terminalStreak++
	tripped := st.terminalStreak >= c.tripThreshold
	c.mu.Unlock()

	if tripped {
		c.tripNow(ctx, key, reason)
	}
	return tripped
}

// TripNow opens the circuit immediately, bypassing the streak. Used for
// explicit account-blocked signals.
func (c *Controller) TripNow(ctx context.Context, key, reason string) {
	c.mu.Lock()
	st := c.state(key)
	st.terminalStreak = c.tripThreshold
	c.mu.Unlock()
	c.tripNow(ctx, key, reason)
}

func (c *Controller) tripNow(ctx context.Context, key, reason string) {
	if c.trips != nil {
		_ = c.trips.Trip(ctx, key, reason)
	}
}

// IsTripped reports whether the account circuit is open. While open, every
// job for the account resolves to failed_terminal without an adapter call.
func (c *Controller) IsTripped(ctx context.Context, key string) bool {
	if c.trips == nil {
		return false
	}
	tripped, err := c.trips.IsTripped(ctx, key)
	if err != nil {
		// Store unreachable: fail open so a flaky trip store cannot stall
		// every account in the system.
		return false
	}
	return tripped
}

// ClearTrip closes the circuit after an external credential refresh and
// resets the failure streaks.
func (c *Controller) ClearTrip(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.states, key)
	c.mu.Unlock()

	if c.trips == nil {
		return nil
	}
	return c.trips.Clear(ctx, key)
}

func (c *Controller) state(key string) *accountState {
	st, ok := c.states[key]
	if !ok {
		st = &accountState{}
		c.states[key] = st
	}
	return st
}

func (c *Controller) bucket(platform, key string) *rate.Limiter {
	if v, ok := c.buckets.Load(key); ok {
		return v.(*rate.Limiter)
	}

	limits, ok := c.platformLimits[platform]
	if !ok {
		limits = c.defaults
	}
	if limits.Burst <= 0 {
		limits.Burst = 1
	}
	if limits.RPS <= 0 {
		limits.RPS = c.defaults.RPS
	}

	lim := rate.NewLimiter(rate.Limit(limits.RPS), limits.Burst)
	actual, loaded := c.buckets.LoadOrStore(key, lim)
	if loaded {
		return actual.(*rate.Limiter)
	}
	return lim
}
