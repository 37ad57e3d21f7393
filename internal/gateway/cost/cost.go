package cost

import (
	"encoding/json"
	"log"

	"github.com/meterproxy/meterproxy/internal/gateway/pricing"
)

// Usage is the normalized token usage extracted from an upstream response,
// whatever shape the provider used.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// TotalTokens returns the combined token count.
func (u Usage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// usageEnvelope covers the two provider response shapes the gateway
// understands: the chat shape (prompt_tokens/completion_tokens) and the
// message shape (a type discriminator plus input_tokens/output_tokens).
// Pointer fields distinguish absent from zero.
type usageEnvelope struct {
	Type  string `json:"type"`
	Model string `json:"model"`
	Usage *struct {
		PromptTokens     *int `json:"prompt_tokens"`
		CompletionTokens *int `json:"completion_tokens"`
		TotalTokens      *int `json:"total_tokens"`
		InputTokens      *int `json:"input_tokens"`
		OutputTokens     *int `json:"output_tokens"`
	} `json:"usage"`
}

// DetectUsage extracts token usage from a response body. The second return
// is false when the body matches neither known shape; such responses carry
// no cost and are not tracked as usage.
func DetectUsage(body []byte) (Usage, bool) {
	var env usageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Usage{}, false
	}
	if env.Usage == nil {
		return Usage{}, false
	}

	// Message shape: discriminated by the type field
	if env.Type == "message" && env.Usage.InputTokens != nil && env.Usage.OutputTokens != nil {
		return Usage{
			Model:            env.Model,
			PromptTokens:     *env.Usage.InputTokens,
			CompletionTokens: *env.Usage.OutputTokens,
		}, true
	}

	// Chat shape
	if env.Usage.PromptTokens != nil && env.Usage.CompletionTokens != nil {
		return Usage{
			Model:            env.Model,
			PromptTokens:     *env.Usage.PromptTokens,
			CompletionTokens: *env.Usage.CompletionTokens,
		}, true
	}

	return Usage{}, false
}

// Model prices normalized usage against a pricing table.
type Model struct {
	table *pricing.Table
}

// NewModel creates a cost model backed by the given pricing table.
func NewModel(table *pricing.Table) *Model {
	return &Model{table: table}
}

// Price returns the pricing entry for a model name, if any.
func (m *Model) Price(model string) (pricing.Pricing, bool) {
	return m.table.Resolve(model)
}

// Cost computes the USD cost of a usage sample. Unknown models price at
// zero; tracked reports whether a pricing entry was found.
func (m *Model) Cost(u Usage) (usd float64, tracked bool) {
	p, ok := m.table.Resolve(u.Model)
	if !ok {
		log.Printf("cost: no pricing for model %q, pricing at zero", u.Model)
		return 0, false
	}

	// Per-token math, not per-1k, so small responses don't round away
	return float64(u.PromptTokens)*p.PromptUSD + float64(u.CompletionTokens)*p.CompletionUSD, true
}
