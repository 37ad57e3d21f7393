package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meterproxy/meterproxy/internal/shared/models"
)

type fakeCounters struct {
	counts  map[string]int64
	expires map[string]int // how many times Expire was called per key
	incrErr error
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{counts: make(map[string]int64), expires: make(map[string]int)}
}

func (f *fakeCounters) Incr(_ context.Context, key string) (int64, error) {
	if f.incrErr != nil {
		return 0, f.incrErr
	}
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeCounters) Expire(_ context.Context, key string, _ time.Duration) error {
	f.expires[key]++
	return nil
}

func intPtr(v int) *int { return &v }

func principalWithQuota(quota *int) *models.APIKey {
	return &models.APIKey{ID: "key-1", UserID: "user-1", RateLimitPerMinute: quota, IsActive: true}
}

func TestFixedWindow_QuotaEnforced(t *testing.T) {
	counters := newFakeCounters()
	l := NewFixedWindow(counters, 100)
	l.now = func() time.Time { return time.Date(2026, 3, 1, 12, 30, 15, 0, time.UTC) }

	key := principalWithQuota(intPtr(3))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d := l.Admit(ctx, key, "/v1/chat/completions")
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.Limit != 3 {
			t.Errorf("request %d: limit = %d, want 3", i, d.Limit)
		}
		if d.Remaining != 3-i {
			t.Errorf("request %d: remaining = %d, want %d", i, d.Remaining, 3-i)
		}
	}

	d := l.Admit(ctx, key, "/v1/chat/completions")
	if d.Allowed {
		t.Fatal("request 4 should be denied")
	}
	if d.RetryAfter != 60 {
		t.Errorf("retryAfter = %d, want 60", d.RetryAfter)
	}
	if d.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", d.Remaining)
	}
}

func TestFixedWindow_DefaultQuota(t *testing.T) {
	l := NewFixedWindow(newFakeCounters(), 2)
	l.now = func() time.Time { return time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC) }

	key := principalWithQuota(nil)
	ctx := context.Background()

	l.Admit(ctx, key, "/v1/embeddings")
	l.Admit(ctx, key, "/v1/embeddings")
	if d := l.Admit(ctx, key, "/v1/embeddings"); d.Allowed {
		t.Error("default quota of 2 should deny the third request")
	}
}

func TestFixedWindow_WindowExpirySetOnce(t *testing.T) {
	counters := newFakeCounters()
	l := NewFixedWindow(counters, 10)
	l.now = func() time.Time { return time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC) }

	key := principalWithQuota(nil)
	ctx := context.Background()

	l.Admit(ctx, key, "/v1/chat/completions")
	l.Admit(ctx, key, "/v1/chat/completions")
	l.Admit(ctx, key, "/v1/chat/completions")

	for k, n := range counters.expires {
		if n != 1 {
			t.Errorf("expiry on %s set %d times, want exactly once", k, n)
		}
	}
	if len(counters.expires) != 1 {
		t.Errorf("expected one counter key, got %d", len(counters.expires))
	}
}

func TestFixedWindow_BucketsByCalendarMinute(t *testing.T) {
	counters := newFakeCounters()
	l := NewFixedWindow(counters, 1)
	key := principalWithQuota(nil)
	ctx := context.Background()

	l.now = func() time.Time { return time.Date(2026, 3, 1, 12, 30, 59, 0, time.UTC) }
	if d := l.Admit(ctx, key, "/v1/chat/completions"); !d.Allowed {
		t.Fatal("first request in the 12:30 bucket should pass")
	}

	// Minute rollover: the counter key changes, so quota is available again.
	// This is the documented fixed-window double-burst behavior.
	l.now = func() time.Time { return time.Date(2026, 3, 1, 12, 31, 0, 0, time.UTC) }
	if d := l.Admit(ctx, key, "/v1/chat/completions"); !d.Allowed {
		t.Error("first request in the 12:31 bucket should pass")
	}
}

func TestFixedWindow_SeparateEndpoints(t *testing.T) {
	l := NewFixedWindow(newFakeCounters(), 1)
	l.now = func() time.Time { return time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC) }
	key := principalWithQuota(nil)
	ctx := context.Background()

	if d := l.Admit(ctx, key, "/v1/chat/completions"); !d.Allowed {
		t.Fatal("first endpoint should pass")
	}
	if d := l.Admit(ctx, key, "/v1/embeddings"); !d.Allowed {
		t.Error("different endpoint should count separately")
	}
}

func TestFixedWindow_FailsOpen(t *testing.T) {
	counters := newFakeCounters()
	counters.incrErr = errors.New("connection refused")
	l := NewFixedWindow(counters, 5)

	d := l.Admit(context.Background(), principalWithQuota(nil), "/v1/chat/completions")
	if !d.Allowed {
		t.Error("counter store failure should fail open")
	}
}

func TestBurstLimiter(t *testing.T) {
	counters := newFakeCounters()
	l := NewBurstLimiter(counters, 5, 2)
	l.now = func() time.Time { return time.Date(2026, 3, 1, 12, 32, 0, 0, time.UTC) }
	ctx := context.Background()

	if d := l.Admit(ctx, "key-1:/v1/chat/completions"); !d.Allowed {
		t.Fatal("request 1 should pass")
	}
	if d := l.Admit(ctx, "key-1:/v1/chat/completions"); !d.Allowed {
		t.Fatal("request 2 should pass")
	}

	d := l.Admit(ctx, "key-1:/v1/chat/completions")
	if d.Allowed {
		t.Fatal("request 3 should be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 5*60+1 {
		t.Errorf("retryAfter = %d, want within the 5 minute window", d.RetryAfter)
	}

	// Other scopes are unaffected
	if d := l.Admit(ctx, "key-2:/v1/chat/completions"); !d.Allowed {
		t.Error("different scope should have its own budget")
	}
}

func TestBurstLimiter_FailsOpen(t *testing.T) {
	counters := newFakeCounters()
	counters.incrErr = errors.New("timeout")
	l := NewBurstLimiter(counters, 5, 1)

	if d := l.Admit(context.Background(), "scope"); !d.Allowed {
		t.Error("burst limiter should fail open on store errors")
	}
}
