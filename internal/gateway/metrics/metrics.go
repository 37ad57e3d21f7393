package metrics

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink exposes pipeline telemetry as Prometheus metrics.
type Sink struct {
	requests *prometheus.CounterVec
	tokens   *prometheus.CounterVec
	cost     *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewSink registers the gateway collectors on reg.
func NewSink(reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)

	return &Sink{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Completed gateway requests.",
		}, []string{"provider", "status", "cache"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "tokens_total",
			Help:      "Tokens attributed to completed requests.",
		}, []string{"provider"}),
		cost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "cost_usd_total",
			Help:      "USD cost attributed to completed requests.",
		}, []string{"provider"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Gateway request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
	}
}

// Observe records one completed request.
func (s *Sink) Observe(provider string, status int, cacheHit bool, tokens int, costUSD float64, latency time.Duration) {
	cacheLabel := "miss"
	if cacheHit {
		cacheLabel = "hit"
	}
	statusLabel := strconv.Itoa(status)

	s.requests.WithLabelValues(provider, statusLabel, cacheLabel).Inc()
	s.tokens.WithLabelValues(provider).Add(float64(tokens))
	s.cost.WithLabelValues(provider).Add(costUSD)
	s.latency.WithLabelValues(provider).Observe(latency.Seconds())
}

// Event is a live-update notification for one completed request.
type Event struct {
	RequestID   string    `json:"request_id"`
	UserID      string    `json:"user_id"`
	Endpoint    string    `json:"endpoint"`
	StatusCode  int       `json:"status_code"`
	CostUSD     float64   `json:"cost_usd"`
	TotalTokens int       `json:"total_tokens"`
	CacheHit    bool      `json:"cache_hit"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher delivers events to the live-usage transport. The transport
// itself lives outside the gateway core.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LogPublisher writes events to the process log. It stands in when no real
// transport is wired.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, event Event) error {
	log.Printf("usage: user=%s endpoint=%s status=%d cost=$%.6f tokens=%d cache=%v",
		event.UserID, event.Endpoint, event.StatusCode, event.CostUSD, event.TotalTokens, event.CacheHit)
	return nil
}
