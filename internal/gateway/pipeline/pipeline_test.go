package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meterproxy/meterproxy/internal/gateway/budget"
	"github.com/meterproxy/meterproxy/internal/gateway/cache"
	"github.com/meterproxy/meterproxy/internal/gateway/cost"
	"github.com/meterproxy/meterproxy/internal/gateway/forward"
	"github.com/meterproxy/meterproxy/internal/gateway/metrics"
	"github.com/meterproxy/meterproxy/internal/gateway/pricing"
	"github.com/meterproxy/meterproxy/internal/gateway/ratelimit"
	"github.com/meterproxy/meterproxy/internal/shared/database"
	"github.com/meterproxy/meterproxy/internal/shared/models"
	redisstore "github.com/meterproxy/meterproxy/internal/shared/redis"
)

// fakeKV backs counters, cache entries and budget totals in memory, the way
// one Redis instance backs all three in production.
type fakeKV struct {
	mu      sync.Mutex
	strings map[string]string
	counts  map[string]int64
	floats  map[string]float64
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		strings: make(map[string]string),
		counts:  make(map[string]int64),
		floats:  make(map[string]float64),
	}
}

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.strings[key]; ok {
		return v, nil
	}
	if v, ok := f.floats[key]; ok {
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	}
	return "", redisstore.ErrNotFound
}

func (f *fakeKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strings[key] = value
	return nil
}

func (f *fakeKV) Incr(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeKV) IncrByFloat(_ context.Context, key string, value float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.floats[key] += value
	return f.floats[key], nil
}

func (f *fakeKV) Expire(_ context.Context, _ string, _ time.Duration) error {
	return nil
}

func (f *fakeKV) cacheEntryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.strings {
		if strings.HasPrefix(k, "cache:") {
			n++
		}
	}
	return n
}

func (f *fakeKV) budgetTotal(userID string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range f.floats {
		if strings.HasPrefix(k, "budget:"+userID+":") {
			return v
		}
	}
	return 0
}

type fakeKeys struct {
	keys    map[string]*models.APIKey
	findErr error
	touched int
}

func (f *fakeKeys) FindByKey(_ context.Context, raw string) (*models.APIKey, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	if k, ok := f.keys[raw]; ok {
		return k, nil
	}
	return nil, database.ErrKeyNotFound
}

func (f *fakeKeys) TouchKey(_ context.Context, _ string) error {
	f.touched++
	return nil
}

type fakeUsage struct {
	mu      sync.Mutex
	records []*models.UsageRecord
	err     error
}

func (f *fakeUsage) Append(_ context.Context, rec *models.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeUsage) all() []*models.UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.UsageRecord, len(f.records))
	copy(out, f.records)
	return out
}

type env struct {
	pipe  *Pipeline
	kv    *fakeKV
	usage *fakeUsage
	keys  *fakeKeys
}

func newEnv(t *testing.T, fwd *forward.Forwarder, quota int) *env {
	t.Helper()

	kv := newFakeKV()
	usage := &fakeUsage{}
	keys := &fakeKeys{keys: map[string]*models.APIKey{
		"caller-key": {
			ID:                 "key-1",
			UserID:             "user-1",
			RateLimitPerMinute: &quota,
			DailyLimitUSD:      10,
			IsActive:           true,
		},
	}}

	pipe := New(Options{
		Prefix:        "/gateway",
		Keys:          keys,
		Limiter:       ratelimit.NewFixedWindow(kv, 100),
		Cache:         cache.New(kv, 100*1024),
		Costs:         cost.NewModel(pricing.Default()),
		Ledger:        budget.New(kv),
		Forwarder:     fwd,
		Usage:         usage,
		Sink:          metrics.NewSink(prometheus.NewRegistry()),
		Publisher:     metrics.LogPublisher{},
		CacheTTL:      time.Hour,
		DefaultBudget: 10,
	})

	return &env{pipe: pipe, kv: kv, usage: usage, keys: keys}
}

func mockForwarder() *forward.Forwarder {
	return forward.NewWithProviders([]*forward.Provider{
		{Name: "openai", BaseURL: "https://api.openai.com", APIKey: "sk-test", AuthScheme: forward.AuthBearer},
		{Name: "anthropic", BaseURL: "https://api.anthropic.com", APIKey: "ak-test", AuthScheme: forward.AuthAPIKey},
	}, "openai", true)
}

// doRequest serves one request and waits for its bookkeeping, so assertions
// on usage records, cache entries and budget totals are deterministic.
func doRequest(e *env, method, path, apiKey string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if apiKey != "" {
		req.Header.Set(APIKeyHeader, apiKey)
	}
	rec := httptest.NewRecorder()
	e.pipe.ServeHTTP(rec, req)
	e.pipe.Drain()
	return rec
}

func TestPipeline_MissingKey(t *testing.T) {
	e := newEnv(t, mockForwarder(), 100)

	rec := doRequest(e, "POST", "/gateway/v1/chat/completions", "", []byte(`{"model":"gpt-4"}`))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(e.usage.all()) != 0 {
		t.Error("rejected request must not produce usage records")
	}
}

func TestPipeline_InvalidKey(t *testing.T) {
	e := newEnv(t, mockForwarder(), 100)

	rec := doRequest(e, "POST", "/gateway/v1/chat/completions", "wrong-key", []byte(`{"model":"gpt-4"}`))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPipeline_KeyStoreOutageIsNot401(t *testing.T) {
	e := newEnv(t, mockForwarder(), 100)
	e.keys.findErr = errors.New("connection refused")

	rec := doRequest(e, "POST", "/gateway/v1/chat/completions", "caller-key", []byte(`{"model":"gpt-4"}`))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500: a store outage is not an auth failure", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "requestId") {
		t.Errorf("500 body should carry the request id: %s", rec.Body.String())
	}
}

func TestPipeline_RateLimit(t *testing.T) {
	e := newEnv(t, mockForwarder(), 2)
	body := []byte(`{"model":"gpt-4"}`)

	for i := 1; i <= 2; i++ {
		b := []byte(`{"model":"gpt-4","n":` + strconv.Itoa(i) + `}`)
		if rec := doRequest(e, "POST", "/gateway/v1/chat/completions", "caller-key", b); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}

	rec := doRequest(e, "POST", "/gateway/v1/chat/completions", "caller-key", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if !strings.Contains(rec.Body.String(), "retryAfter") {
		t.Errorf("429 body should carry retry guidance: %s", rec.Body.String())
	}

	// Denied requests produce no usage records
	records := e.usage.all()
	if len(records) != 2 {
		t.Errorf("usage records = %d, want 2", len(records))
	}
}

func TestPipeline_UnresolvedProvider(t *testing.T) {
	e := newEnv(t, mockForwarder(), 100)

	for i := 0; i < 2; i++ {
		rec := doRequest(e, "POST", "/gateway/some/random/path", "caller-key", []byte(`{}`))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	}

	for _, r := range e.usage.all() {
		if r.CostUSD != 0 {
			t.Errorf("unresolvable path must never incur cost, got %v", r.CostUSD)
		}
	}
}

func TestPipeline_SuccessfulForward(t *testing.T) {
	e := newEnv(t, mockForwarder(), 100)

	rec := doRequest(e, "POST", "/gateway/v1/chat/completions", "caller-key", []byte(`{"model":"gpt-4o-mini"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	if got := rec.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", got)
	}
	costHeader := rec.Header().Get("X-Cost-USD")
	costVal, err := strconv.ParseFloat(costHeader, 64)
	if err != nil || costVal <= 0 {
		t.Errorf("X-Cost-USD = %q, want positive number", costHeader)
	}
	if rec.Header().Get("X-Tokens-Used") == "0" {
		t.Error("token count header should be populated")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("request id header missing")
	}

	records := e.usage.all()
	if len(records) != 1 {
		t.Fatalf("usage records = %d, want 1", len(records))
	}
	r := records[0]
	if r.StatusCode != 200 || r.CacheHit || r.CostUSD <= 0 || r.TotalTokens <= 0 {
		t.Errorf("usage record wrong: %+v", r)
	}
	if r.Model != "gpt-4o-mini" {
		t.Errorf("model = %s", r.Model)
	}

	if total := e.kv.budgetTotal("user-1"); total <= 0 {
		t.Error("budget ledger should be credited with the request cost")
	}
	if e.kv.cacheEntryCount() != 1 {
		t.Error("successful response should be cached")
	}
	if e.keys.touched != 1 {
		t.Errorf("key touched %d times, want 1", e.keys.touched)
	}
}

func TestPipeline_CacheHit(t *testing.T) {
	e := newEnv(t, mockForwarder(), 100)
	body := []byte(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`)

	first := doRequest(e, "POST", "/gateway/v1/chat/completions", "caller-key", body)
	if first.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", first.Code)
	}

	// Same logical request, different field order
	reordered := []byte(`{"messages":[{"content":"hi","role":"user"}],"model":"gpt-4o-mini"}`)
	second := doRequest(e, "POST", "/gateway/v1/chat/completions", "caller-key", reordered)
	if second.Code != http.StatusOK {
		t.Fatalf("second request: status = %d", second.Code)
	}

	if got := second.Header().Get("X-Cache"); got != "HIT" {
		t.Fatalf("X-Cache = %q, want HIT", got)
	}
	if got := second.Header().Get("X-Cost-USD"); got != "0.000000" {
		t.Errorf("cache hit must cost zero, header = %q", got)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Error("cache hit payload must be byte-identical to the original")
	}

	records := e.usage.all()
	if len(records) != 2 {
		t.Fatalf("usage records = %d, want 2 (one per completed call)", len(records))
	}
	hit := records[1]
	if !hit.CacheHit || hit.CostUSD != 0 {
		t.Errorf("hit record wrong: %+v", hit)
	}

	budgetAfterFirst := records[0].CostUSD
	if total := e.kv.budgetTotal("user-1"); total != budgetAfterFirst {
		t.Errorf("cache hit must not add spend: ledger %v, want %v", total, budgetAfterFirst)
	}
}

func TestPipeline_ForwardingFailure(t *testing.T) {
	// Real forwarder pointed at a dead upstream simulates an outage
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	fwd := forward.NewWithProviders([]*forward.Provider{
		{Name: "openai", BaseURL: dead.URL, APIKey: "sk-test", AuthScheme: forward.AuthBearer},
	}, "openai", false)

	e := newEnv(t, fwd, 100)

	rec := doRequest(e, "POST", "/gateway/v1/chat/completions", "caller-key", []byte(`{"model":"gpt-4"}`))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}

	records := e.usage.all()
	if len(records) != 1 {
		t.Fatalf("usage records = %d, want exactly 1", len(records))
	}
	if records[0].StatusCode != http.StatusBadGateway || records[0].CostUSD != 0 {
		t.Errorf("failure record wrong: %+v", records[0])
	}
	if e.kv.cacheEntryCount() != 0 {
		t.Error("failed responses must never be cached")
	}
}

type slowUsage struct {
	inner *fakeUsage
	delay time.Duration
}

func (s *slowUsage) Append(ctx context.Context, rec *models.UsageRecord) error {
	time.Sleep(s.delay)
	return s.inner.Append(ctx, rec)
}

func TestPipeline_SlowBookkeepingDoesNotDelayClient(t *testing.T) {
	e := newEnv(t, mockForwarder(), 100)
	e.pipe.usage = &slowUsage{inner: e.usage, delay: time.Second}

	req := httptest.NewRequest("POST", "/gateway/v1/chat/completions", bytes.NewReader([]byte(`{"model":"gpt-4"}`)))
	req.Header.Set(APIKeyHeader, "caller-key")
	rec := httptest.NewRecorder()

	start := time.Now()
	e.pipe.ServeHTTP(rec, req)
	elapsed := time.Since(start)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if elapsed >= 500*time.Millisecond {
		t.Errorf("client waited %v on bookkeeping; the response must complete first", elapsed)
	}

	// The record still lands once the stage finishes
	e.pipe.Drain()
	if len(e.usage.all()) != 1 {
		t.Errorf("usage records = %d, want 1 after drain", len(e.usage.all()))
	}
}

func TestPipeline_SideEffectFailureDoesNotChangeResponse(t *testing.T) {
	e := newEnv(t, mockForwarder(), 100)
	e.usage.err = errors.New("usage store down")

	rec := doRequest(e, "POST", "/gateway/v1/chat/completions", "caller-key", []byte(`{"model":"gpt-4"}`))
	if rec.Code != http.StatusOK {
		t.Errorf("bookkeeping failure must not change the response, got %d", rec.Code)
	}
}

func TestPipeline_BurstLimiter(t *testing.T) {
	kv := newFakeKV()
	e := newEnv(t, mockForwarder(), 100)
	e.pipe.burst = ratelimit.NewBurstLimiter(kv, 10, 1)

	first := doRequest(e, "POST", "/gateway/v1/chat/completions", "caller-key", []byte(`{"model":"gpt-4","n":1}`))
	if first.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", first.Code)
	}

	second := doRequest(e, "POST", "/gateway/v1/chat/completions", "caller-key", []byte(`{"model":"gpt-4","n":2}`))
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("burst limit should deny the second request, got %d", second.Code)
	}
}
