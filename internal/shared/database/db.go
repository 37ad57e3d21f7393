package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/meterproxy/meterproxy/internal/shared/models"
)

// ErrKeyNotFound is returned when no active API key matches the presented value.
var ErrKeyNotFound = errors.New("api key not found")

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// FindByKey retrieves an active API key by its raw key value
func (db *DB) FindByKey(ctx context.Context, rawKey string) (*models.APIKey, error) {
	// Keys are stored hashed, never in the clear
	hash := sha256.Sum256([]byte(rawKey))
	keyHash := hex.EncodeToString(hash[:])

	query := `
		SELECT id, user_id, key_hash, key_prefix, name, rate_limit_per_minute,
		       daily_limit_usd, is_active, last_used_at, created_at, updated_at
		FROM api_keys
		WHERE key_hash = $1 AND is_active = true
	`

	var apiKey models.APIKey
	var rateLimit sql.NullInt64
	err := db.conn.QueryRowContext(ctx, query, keyHash).Scan(
		&apiKey.ID,
		&apiKey.UserID,
		&apiKey.KeyHash,
		&apiKey.KeyPrefix,
		&apiKey.Name,
		&rateLimit,
		&apiKey.DailyLimitUSD,
		&apiKey.IsActive,
		&apiKey.LastUsedAt,
		&apiKey.CreatedAt,
		&apiKey.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	if rateLimit.Valid {
		limit := int(rateLimit.Int64)
		apiKey.RateLimitPerMinute = &limit
	}

	return &apiKey, nil
}

// TouchKey updates the last_used_at timestamp
func (db *DB) TouchKey(ctx context.Context, apiKeyID string) error {
	query := `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`
	_, err := db.conn.ExecContext(ctx, query, apiKeyID)
	return err
}

// Append inserts a usage record. Records are never updated after insert.
func (db *DB) Append(ctx context.Context, rec *models.UsageRecord) error {
	query := `
		INSERT INTO usage_records (
			id, user_id, api_key_id, endpoint, method, status_code, latency_ms,
			cost_usd, total_tokens, model, cache_hit, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		rec.ID,
		rec.UserID,
		rec.APIKeyID,
		rec.Endpoint,
		rec.Method,
		rec.StatusCode,
		rec.LatencyMs,
		rec.CostUSD,
		rec.TotalTokens,
		rec.Model,
		rec.CacheHit,
		rec.CreatedAt,
	)

	return err
}
