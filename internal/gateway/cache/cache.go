package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"strings"
	"time"

	redisstore "github.com/meterproxy/meterproxy/internal/shared/redis"
)

// Store is the TTL key-value store backing the cache. The gateway's Redis
// client satisfies it.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Entry is a cached upstream response. Body round-trips byte-identical
// through storage.
type Entry struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
	TotalTokens int    `json:"total_tokens"`
	Model       string `json:"model"`
}

type Cache struct {
	store    Store
	maxBytes int
}

// New creates a response cache. maxBytes caps the size of cacheable payloads.
func New(store Store, maxBytes int) *Cache {
	return &Cache{store: store, maxBytes: maxBytes}
}

// Key derives the content-addressed cache key for a request. Bodies that are
// equal as sets of key/value pairs produce the same key regardless of field
// order. The digest is truncated to 16 hex characters; the collision risk at
// that length is an accepted trade-off.
func Key(endpoint string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(sanitizePath(endpoint)))
	h.Write([]byte{'\n'})
	h.Write(canonicalBody(body))
	return "cache:" + hex.EncodeToString(h.Sum(nil))[:16]
}

// sanitizePath strips query strings, collapses duplicate slashes and trims
// trailing slashes so cosmetic path variants share a key.
func sanitizePath(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	for strings.Contains(endpoint, "//") {
		endpoint = strings.ReplaceAll(endpoint, "//", "/")
	}
	if len(endpoint) > 1 {
		endpoint = strings.TrimRight(endpoint, "/")
	}
	return endpoint
}

// canonicalBody re-serializes JSON bodies with object keys sorted at every
// nesting level. Non-JSON bodies hash as-is.
func canonicalBody(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return body
	}

	var buf bytes.Buffer
	writeCanonical(&buf, v)
	return buf.Bytes()
}

func writeCanonical(buf *bytes.Buffer, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			writeCanonical(buf, val[k])
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, item)
		}
		buf.WriteByte(']')
	default:
		b, _ := json.Marshal(val)
		buf.Write(b)
	}
}

// Lookup returns the cached entry for a request, or a miss. Store errors
// degrade to a miss and never reach the client.
func (c *Cache) Lookup(ctx context.Context, endpoint string, body []byte) (*Entry, bool) {
	val, err := c.store.Get(ctx, Key(endpoint, body))
	if err != nil {
		if !errors.Is(err, redisstore.ErrNotFound) {
			log.Printf("cache: lookup failed for %s, treating as miss: %v", endpoint, err)
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		log.Printf("cache: corrupt entry for %s, treating as miss: %v", endpoint, err)
		return nil, false
	}

	return &entry, true
}

// StoreResponse saves a response for future identical requests. Failures are
// a no-op beyond the returned error; callers log and move on.
func (c *Cache) StoreResponse(ctx context.Context, endpoint string, body []byte, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, Key(endpoint, body), string(data), ttl)
}

// IsCacheable reports whether a response may be stored: errors, streaming
// payloads, and oversized bodies are never cached.
func (c *Cache) IsCacheable(statusCode int, payload []byte) bool {
	if statusCode >= 400 {
		return false
	}
	if len(payload) > c.maxBytes {
		return false
	}
	if isStreaming(payload) {
		return false
	}
	return true
}

// isStreaming detects SSE framing or chunk-object payloads.
func isStreaming(payload []byte) bool {
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("data:")) {
		return true
	}

	var probe struct {
		Object string `json:"object"`
		Stream bool   `json:"stream"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return probe.Stream || strings.HasSuffix(probe.Object, ".chunk")
}
