package budget

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	redisstore "github.com/meterproxy/meterproxy/internal/shared/redis"
)

// nearLimitPct is the fraction of the daily limit at which a caller is
// considered near its budget.
const nearLimitPct = 0.90

// ledgerTTL keeps yesterday's total readable for reporting after rollover.
const ledgerTTL = 48 * time.Hour

// Store is the numeric key-value store backing the ledger. The gateway's
// Redis client satisfies it; IncrByFloat must be atomic so concurrent
// writers never lose spend.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	IncrByFloat(ctx context.Context, key string, value float64) (float64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Status describes a user's spend against a daily limit.
type Status struct {
	Spend      float64 `json:"spend"`
	Limit      float64 `json:"limit"`
	Remaining  float64 `json:"remaining"`
	Pct        float64 `json:"pct"`
	OverBudget bool    `json:"over_budget"`
	NearLimit  bool    `json:"near_limit"`
}

// Ledger accumulates per-user daily spend.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New creates a budget ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// dayKey buckets by user and UTC calendar day.
func (l *Ledger) dayKey(userID string) string {
	return fmt.Sprintf("budget:%s:%s", userID, l.now().UTC().Format("2006-01-02"))
}

// AddSpend atomically adds usd to the user's total for today and returns
// the new total.
func (l *Ledger) AddSpend(ctx context.Context, userID string, usd float64) (float64, error) {
	key := l.dayKey(userID)

	total, err := l.store.IncrByFloat(ctx, key, usd)
	if err != nil {
		return 0, fmt.Errorf("budget: add spend for %s: %w", userID, err)
	}

	// First write of the day creates the key; give it its lifetime
	if total == usd {
		if err := l.store.Expire(ctx, key, ledgerTTL); err != nil {
			log.Printf("budget: failed to set ttl on %s: %v", key, err)
		}
	}

	return total, nil
}

// Status reports the user's spend today classified against the given limit.
func (l *Ledger) Status(ctx context.Context, userID string, limit float64) (Status, error) {
	spend, err := l.currentSpend(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	return classify(spend, limit), nil
}

// WouldExceed reports whether adding estimatedCost would push the user over
// the limit. Usable as a pre-forward gate; the default pipeline tracks spend
// after forwarding instead.
func (l *Ledger) WouldExceed(ctx context.Context, userID string, limit, estimatedCost float64) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	spend, err := l.currentSpend(ctx, userID)
	if err != nil {
		return false, err
	}
	return spend+estimatedCost > limit, nil
}

// Track adds spend and logs an alert if this request newly crossed the
// over-budget or near-limit threshold. Alerts fire once per crossing because
// only one increment can straddle a threshold.
func (l *Ledger) Track(ctx context.Context, userID string, limit, usd float64) (Status, error) {
	total, err := l.AddSpend(ctx, userID, usd)
	if err != nil {
		return Status{}, err
	}

	if limit > 0 {
		prev := total - usd
		switch {
		case prev < limit && total >= limit:
			log.Printf("budget: ALERT user %s over daily budget: $%.4f of $%.2f", userID, total, limit)
		case prev < limit*nearLimitPct && total >= limit*nearLimitPct:
			log.Printf("budget: user %s nearing daily budget: $%.4f of $%.2f", userID, total, limit)
		}
	}

	return classify(total, limit), nil
}

func (l *Ledger) currentSpend(ctx context.Context, userID string) (float64, error) {
	val, err := l.store.Get(ctx, l.dayKey(userID))
	if errors.Is(err, redisstore.ErrNotFound) {
		// No spend yet today
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget: read spend for %s: %w", userID, err)
	}

	spend, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("budget: corrupt spend value for %s: %w", userID, err)
	}
	return spend, nil
}

func classify(spend, limit float64) Status {
	s := Status{Spend: spend, Limit: limit}
	if limit <= 0 {
		return s
	}

	s.Pct = spend / limit
	s.Remaining = limit - spend
	if s.Remaining < 0 {
		s.Remaining = 0
	}
	s.OverBudget = spend >= limit
	s.NearLimit = s.Pct >= nearLimitPct
	return s
}
