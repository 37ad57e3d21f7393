package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/meterproxy/meterproxy/internal/shared/config"
)

// Auth schemes a provider may require.
const (
	AuthBearer = "bearer"  // Authorization: Bearer <key>
	AuthAPIKey = "api-key" // x-api-key + version header
)

const anthropicVersion = "2023-06-01"

// Provider describes one upstream completion API.
type Provider struct {
	Name       string
	BaseURL    string
	APIKey     string
	AuthScheme string
}

// Result is the outcome of one upstream call. Transport failures are
// folded into a synthetic 502 result, never returned as errors.
type Result struct {
	Status  int
	Header  http.Header
	Body    []byte
	Latency time.Duration
}

// Forwarder resolves providers from request paths and performs upstream
// calls.
type Forwarder struct {
	providers map[string]*Provider
	primary   string
	client    *http.Client
	mock      bool
}

// allowedHeaders is the only client headers forwarded upstream; everything
// else stays inside the gateway.
var allowedHeaders = []string{"User-Agent", "Accept", "Accept-Encoding"}

// New creates a forwarder from gateway configuration.
func New(cfg *config.Config) *Forwarder {
	providers := []*Provider{
		{
			Name:       "openai",
			BaseURL:    cfg.OpenAIBaseURL,
			APIKey:     cfg.OpenAIAPIKey,
			AuthScheme: AuthBearer,
		},
		{
			Name:       "anthropic",
			BaseURL:    cfg.AnthropicBaseURL,
			APIKey:     cfg.AnthropicAPIKey,
			AuthScheme: AuthAPIKey,
		},
	}
	return NewWithProviders(providers, "openai", cfg.MockUpstream)
}

// NewWithProviders creates a forwarder with an explicit provider set.
// primary names the provider that generic paths default to.
func NewWithProviders(providers []*Provider, primary string, mock bool) *Forwarder {
	m := make(map[string]*Provider, len(providers))
	for _, p := range providers {
		m[p.Name] = p
	}
	return &Forwarder{
		providers: m,
		primary:   primary,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		mock: mock,
	}
}

// Resolve determines the target provider for a gateway-relative path and
// returns the normalized upstream path. ok is false when no provider can be
// inferred; the pipeline rejects such requests before any cost is incurred.
func (f *Forwarder) Resolve(path string) (provider *Provider, upstreamPath string, ok bool) {
	switch {
	case strings.HasPrefix(path, "/openai/"):
		provider = f.providers["openai"]
		upstreamPath = strings.TrimPrefix(path, "/openai")
	case strings.HasPrefix(path, "/anthropic/"):
		provider = f.providers["anthropic"]
		upstreamPath = strings.TrimPrefix(path, "/anthropic")
	case strings.HasPrefix(path, "/v1/"):
		provider = f.providers[f.primary]
		upstreamPath = path
	case strings.Contains(path, "/chat/completions"):
		provider = f.providers[f.primary]
		upstreamPath = path
	default:
		return nil, "", false
	}

	if provider == nil {
		return nil, "", false
	}

	return provider, normalizePath(upstreamPath), true
}

// normalizePath ensures the version prefix both providers require.
func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if path != "/v1" && !strings.HasPrefix(path, "/v1/") {
		path = "/v1" + path
	}
	return path
}

// prepareHeaders builds the upstream header set: provider auth plus a small
// allow-list of client headers.
func prepareHeaders(p *Provider, in http.Header, hasBody bool) http.Header {
	out := make(http.Header)

	for _, name := range allowedHeaders {
		if v := in.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	if hasBody {
		out.Set("Content-Type", "application/json")
	}

	switch p.AuthScheme {
	case AuthAPIKey:
		out.Set("x-api-key", p.APIKey)
		out.Set("anthropic-version", anthropicVersion)
	default:
		out.Set("Authorization", "Bearer "+p.APIKey)
	}

	return out
}

// Forward performs the upstream call. In mock mode it returns a synthetic
// response without touching the network.
func (f *Forwarder) Forward(ctx context.Context, p *Provider, path, method string, clientHeader http.Header, body []byte) *Result {
	if f.mock {
		return mockResponse(p, body)
	}

	start := time.Now()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.BaseURL+path, reader)
	if err != nil {
		return gatewayError(fmt.Errorf("build upstream request: %w", err), start)
	}
	req.Header = prepareHeaders(p, clientHeader, len(body) > 0)

	resp, err := f.client.Do(req)
	if err != nil {
		return gatewayError(fmt.Errorf("upstream %s: %w", p.Name, err), start)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gatewayError(fmt.Errorf("read upstream response: %w", err), start)
	}

	return &Result{
		Status:  resp.StatusCode,
		Header:  resp.Header,
		Body:    respBody,
		Latency: time.Since(start),
	}
}

// gatewayError folds a transport-level failure into a 502 with a diagnostic
// body.
func gatewayError(err error, start time.Time) *Result {
	body, _ := json.Marshal(map[string]string{
		"error":  "upstream request failed",
		"detail": err.Error(),
	})

	header := make(http.Header)
	header.Set("Content-Type", "application/json")

	return &Result{
		Status:  http.StatusBadGateway,
		Header:  header,
		Body:    body,
		Latency: time.Since(start),
	}
}
