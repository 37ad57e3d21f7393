package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/meterproxy/meterproxy/internal/shared/models"
)

// Counters is the atomic counter store backing the limiters. The gateway's
// Redis client satisfies it.
type Counters interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter int       // seconds, meaningful when denied
	Reset      time.Time // end of the current window
}

// Limiter admits or denies a request for a principal and endpoint. The
// fixed-window implementation is the default; other strategies can be
// substituted without touching the pipeline.
type Limiter interface {
	Admit(ctx context.Context, key *models.APIKey, endpoint string) Decision
}

// FixedWindow counts requests per (principal, endpoint, calendar minute).
// The window is aligned to the clock, not to request arrival, so a caller
// can burst up to twice its quota across a minute boundary. That matches
// the documented legacy semantics.
type FixedWindow struct {
	counters     Counters
	defaultLimit int
	now          func() time.Time
}

// NewFixedWindow creates the default per-minute limiter.
func NewFixedWindow(counters Counters, defaultLimit int) *FixedWindow {
	return &FixedWindow{
		counters:     counters,
		defaultLimit: defaultLimit,
		now:          time.Now,
	}
}

func (l *FixedWindow) Admit(ctx context.Context, key *models.APIKey, endpoint string) Decision {
	limit := l.defaultLimit
	if key.RateLimitPerMinute != nil && *key.RateLimitPerMinute > 0 {
		limit = *key.RateLimitPerMinute
	}

	bucket := l.now().UTC().Truncate(time.Minute)
	counterKey := fmt.Sprintf("ratelimit:%s:%s:%s", key.ID, endpoint, bucket.Format("2006-01-02T15:04"))
	reset := bucket.Add(time.Minute)

	count, err := l.counters.Incr(ctx, counterKey)
	if err != nil {
		// Fail open: availability wins over strict enforcement
		log.Printf("ratelimit: counter store unavailable, allowing request: %v", err)
		return Decision{Allowed: true, Limit: limit, Remaining: limit, Reset: reset}
	}

	// Only the first increment sets the expiry; the window never slides
	if count == 1 {
		if err := l.counters.Expire(ctx, counterKey, time.Minute); err != nil {
			log.Printf("ratelimit: failed to set window expiry on %s: %v", counterKey, err)
		}
	}

	if count > int64(limit) {
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: 60,
			Reset:      reset,
		}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{Allowed: true, Limit: limit, Remaining: remaining, Reset: reset}
}

// BurstLimiter applies the same bucket-and-increment algorithm over a
// coarser window. It protects specific expensive endpoints independently
// of the per-minute quota.
type BurstLimiter struct {
	counters Counters
	window   time.Duration
	max      int
	now      func() time.Time
}

// NewBurstLimiter creates a limiter allowing max requests per window of
// windowMinutes minutes.
func NewBurstLimiter(counters Counters, windowMinutes, max int) *BurstLimiter {
	return &BurstLimiter{
		counters: counters,
		window:   time.Duration(windowMinutes) * time.Minute,
		max:      max,
		now:      time.Now,
	}
}

// Admit checks the burst budget for an arbitrary scope (typically the
// principal id plus the protected endpoint).
func (l *BurstLimiter) Admit(ctx context.Context, scope string) Decision {
	now := l.now().UTC()
	bucket := now.Truncate(l.window)
	counterKey := fmt.Sprintf("burst:%s:%d", scope, bucket.Unix())
	reset := bucket.Add(l.window)

	count, err := l.counters.Incr(ctx, counterKey)
	if err != nil {
		log.Printf("ratelimit: burst counter store unavailable, allowing request: %v", err)
		return Decision{Allowed: true, Limit: l.max, Remaining: l.max, Reset: reset}
	}

	if count == 1 {
		if err := l.counters.Expire(ctx, counterKey, l.window); err != nil {
			log.Printf("ratelimit: failed to set burst expiry on %s: %v", counterKey, err)
		}
	}

	if count > int64(l.max) {
		return Decision{
			Allowed:    false,
			Limit:      l.max,
			Remaining:  0,
			RetryAfter: int(reset.Sub(now).Seconds()) + 1,
			Reset:      reset,
		}
	}

	remaining := l.max - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{Allowed: true, Limit: l.max, Remaining: remaining, Reset: reset}
}
