package models

import "time"

// APIKey is the authenticated principal presented by a caller. It is
// created and managed by the key administration surface; the pipeline
// only ever reads it.
type APIKey struct {
	ID                 string
	UserID             string
	KeyHash            string
	KeyPrefix          string
	Name               string
	RateLimitPerMinute *int // nil means use the gateway default
	DailyLimitUSD      float64
	IsActive           bool
	LastUsedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// UsageRecord is the durable, append-only record of one completed call.
// Cache hits produce a record too, with zero cost.
type UsageRecord struct {
	ID          string
	UserID      string
	APIKeyID    string
	Endpoint    string
	Method      string
	StatusCode  int
	LatencyMs   int
	CostUSD     float64
	TotalTokens int
	Model       string
	CacheHit    bool
	CreatedAt   time.Time
}
