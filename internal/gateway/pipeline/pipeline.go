package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meterproxy/meterproxy/internal/gateway/budget"
	"github.com/meterproxy/meterproxy/internal/gateway/cache"
	"github.com/meterproxy/meterproxy/internal/gateway/cost"
	"github.com/meterproxy/meterproxy/internal/gateway/forward"
	"github.com/meterproxy/meterproxy/internal/gateway/metrics"
	"github.com/meterproxy/meterproxy/internal/gateway/ratelimit"
	"github.com/meterproxy/meterproxy/internal/shared/database"
	"github.com/meterproxy/meterproxy/internal/shared/models"
)

// APIKeyHeader is the header callers present their key in.
const APIKeyHeader = "X-API-Key"

// sideEffectTimeout bounds each best-effort stage so a hung store cannot
// keep bookkeeping goroutines alive indefinitely.
const sideEffectTimeout = 2 * time.Second

// KeyStore looks up principals. TouchKey maintains last-used bookkeeping;
// the key administration surface owns all other writes.
type KeyStore interface {
	FindByKey(ctx context.Context, rawKey string) (*models.APIKey, error)
	TouchKey(ctx context.Context, apiKeyID string) error
}

// UsageStore is the durable, append-only usage sink.
type UsageStore interface {
	Append(ctx context.Context, rec *models.UsageRecord) error
}

// Pipeline sequences authentication, rate limiting, cache lookup, upstream
// forwarding, cost attribution, budget accounting and telemetry for every
// inbound call. Limit-enforcing stages may short-circuit the call;
// bookkeeping stages never affect the client-visible outcome.
type Pipeline struct {
	prefix        string
	keys          KeyStore
	limiter       ratelimit.Limiter
	burst         *ratelimit.BurstLimiter
	cache         *cache.Cache
	costs         *cost.Model
	ledger        *budget.Ledger
	fwd           *forward.Forwarder
	usage         UsageStore
	sink          *metrics.Sink
	pub           metrics.Publisher
	cacheTTL      time.Duration
	defaultBudget float64

	pending sync.WaitGroup // in-flight bookkeeping goroutines
}

// Options wires a pipeline. Burst is optional; everything else is required.
type Options struct {
	Prefix        string
	Keys          KeyStore
	Limiter       ratelimit.Limiter
	Burst         *ratelimit.BurstLimiter
	Cache         *cache.Cache
	Costs         *cost.Model
	Ledger        *budget.Ledger
	Forwarder     *forward.Forwarder
	Usage         UsageStore
	Sink          *metrics.Sink
	Publisher     metrics.Publisher
	CacheTTL      time.Duration
	DefaultBudget float64
}

// New creates the request pipeline.
func New(opts Options) *Pipeline {
	return &Pipeline{
		prefix:        opts.Prefix,
		keys:          opts.Keys,
		limiter:       opts.Limiter,
		burst:         opts.Burst,
		cache:         opts.Cache,
		costs:         opts.Costs,
		ledger:        opts.Ledger,
		fwd:           opts.Forwarder,
		usage:         opts.Usage,
		sink:          opts.Sink,
		pub:           opts.Publisher,
		cacheTTL:      opts.CacheTTL,
		defaultBudget: opts.DefaultBudget,
	}
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	method := r.Method
	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)

	// Authentication
	rawKey := r.Header.Get(APIKeyHeader)
	if rawKey == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"error": "missing API key",
		})
		return
	}

	principal, err := p.keys.FindByKey(ctx, rawKey)
	if errors.Is(err, database.ErrKeyNotFound) {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"error": "invalid API key",
		})
		return
	}
	if err != nil {
		// A key store outage is not an auth failure
		log.Printf("pipeline: request %s: key lookup failed: %v", requestID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":     "internal error",
			"requestId": requestID,
		})
		return
	}

	endpoint := strings.TrimPrefix(r.URL.Path, p.prefix)
	if endpoint == "" {
		endpoint = "/"
	}

	// Rate limiting: denial short-circuits with no downstream side effects
	decision := p.limiter.Admit(ctx, principal, endpoint)
	setRateHeaders(w, decision)
	if !decision.Allowed {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":      "rate limit exceeded",
			"retryAfter": decision.RetryAfter,
			"limit":      decision.Limit,
			"remaining":  decision.Remaining,
		})
		return
	}

	if p.burst != nil && strings.Contains(endpoint, "/chat/completions") {
		bd := p.burst.Admit(ctx, principal.ID+":"+endpoint)
		if !bd.Allowed {
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":      "burst limit exceeded",
				"retryAfter": bd.RetryAfter,
				"limit":      bd.Limit,
				"remaining":  bd.Remaining,
			})
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("pipeline: request %s: failed to read body: %v", requestID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":     "internal error",
			"requestId": requestID,
		})
		return
	}

	// Provider resolution: an unresolvable path is rejected before any
	// cost is incurred
	provider, upstreamPath, ok := p.fwd.Resolve(endpoint)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": fmt.Sprintf("no provider resolved for path %s", endpoint),
		})
		return
	}

	// Cache lookup: a hit bypasses forwarding and cost entirely
	if entry, hit := p.cache.Lookup(ctx, endpoint, body); hit {
		latency := time.Since(start)

		w.Header().Set("Content-Type", entry.ContentType)
		w.Header().Set("X-Cache", "HIT")
		w.Header().Set("X-Cost-USD", "0.000000")
		w.Header().Set("X-Latency-Ms", fmt.Sprintf("%d", latency.Milliseconds()))
		w.Header().Set("X-Tokens-Used", fmt.Sprintf("%d", entry.TotalTokens))
		w.WriteHeader(entry.Status)
		w.Write(entry.Body)

		p.background(func() {
			p.record(requestID, principal, provider.Name, endpoint, method, entry.Status,
				latency, 0, entry.TotalTokens, entry.Model, true)
		})
		return
	}

	// Forward upstream. The result, success or synthetic 502, is final:
	// nothing after this point may change it.
	result := p.fwd.Forward(ctx, provider, upstreamPath, method, r.Header, body)

	// Cost attribution
	var costUSD float64
	var usage cost.Usage
	if u, isAI := cost.DetectUsage(result.Body); isAI {
		usage = u
		costUSD, _ = p.costs.Cost(u)
	}

	latency := time.Since(start)

	if ct := result.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("X-Cache", "MISS")
	w.Header().Set("X-Cost-USD", fmt.Sprintf("%.6f", costUSD))
	w.Header().Set("X-Latency-Ms", fmt.Sprintf("%d", latency.Milliseconds()))
	w.Header().Set("X-Tokens-Used", fmt.Sprintf("%d", usage.TotalTokens()))
	w.WriteHeader(result.Status)
	w.Write(result.Body)

	// Best-effort stages: budget, telemetry, cache population. They run off
	// the request goroutine so a slow store never holds the connection; each
	// failure is logged and never revisits the response.
	p.background(func() {
		p.trackBudget(requestID, principal, costUSD)
		p.record(requestID, principal, provider.Name, endpoint, method, result.Status,
			latency, costUSD, usage.TotalTokens(), usage.Model, false)
		p.storeInCache(requestID, endpoint, body, result, usage)
	})
}

// background runs a bookkeeping stage on its own goroutine. Drain waits for
// all of them, so records are not lost on shutdown.
func (p *Pipeline) background(fn func()) {
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		fn()
	}()
}

// Drain blocks until all in-flight bookkeeping has finished.
func (p *Pipeline) Drain() {
	p.pending.Wait()
}

func (p *Pipeline) trackBudget(requestID string, principal *models.APIKey, costUSD float64) {
	if costUSD <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	limit := principal.DailyLimitUSD
	if limit <= 0 {
		limit = p.defaultBudget
	}

	if _, err := p.ledger.Track(ctx, principal.UserID, limit, costUSD); err != nil {
		log.Printf("pipeline: request %s: budget tracking failed: %v", requestID, err)
	}
}

func (p *Pipeline) record(requestID string, principal *models.APIKey, provider, endpoint, method string,
	status int, latency time.Duration, costUSD float64, tokens int, model string, cacheHit bool) {

	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	rec := &models.UsageRecord{
		ID:          requestID,
		UserID:      principal.UserID,
		APIKeyID:    principal.ID,
		Endpoint:    endpoint,
		Method:      method,
		StatusCode:  status,
		LatencyMs:   int(latency.Milliseconds()),
		CostUSD:     costUSD,
		TotalTokens: tokens,
		Model:       model,
		CacheHit:    cacheHit,
		CreatedAt:   time.Now().UTC(),
	}
	if err := p.usage.Append(ctx, rec); err != nil {
		log.Printf("pipeline: request %s: usage append failed: %v", requestID, err)
	}

	if err := p.keys.TouchKey(ctx, principal.ID); err != nil {
		log.Printf("pipeline: request %s: key touch failed: %v", requestID, err)
	}

	if p.sink != nil {
		p.sink.Observe(provider, status, cacheHit, tokens, costUSD, latency)
	}

	if p.pub != nil {
		event := metrics.Event{
			RequestID:   requestID,
			UserID:      principal.UserID,
			Endpoint:    endpoint,
			StatusCode:  status,
			CostUSD:     costUSD,
			TotalTokens: tokens,
			CacheHit:    cacheHit,
			Timestamp:   rec.CreatedAt,
		}
		if err := p.pub.Publish(ctx, event); err != nil {
			log.Printf("pipeline: request %s: publish failed: %v", requestID, err)
		}
	}
}

func (p *Pipeline) storeInCache(requestID, endpoint string, body []byte, result *forward.Result, usage cost.Usage) {
	if !p.cache.IsCacheable(result.Status, result.Body) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	entry := &cache.Entry{
		Status:      result.Status,
		ContentType: result.Header.Get("Content-Type"),
		Body:        result.Body,
		TotalTokens: usage.TotalTokens(),
		Model:       usage.Model,
	}
	if err := p.cache.StoreResponse(ctx, endpoint, body, entry, p.cacheTTL); err != nil {
		log.Printf("pipeline: request %s: cache store failed: %v", requestID, err)
	}
}

func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", d.Reset.Unix()))
	if !d.Allowed {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", d.RetryAfter))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
