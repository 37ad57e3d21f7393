package pricing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pricing holds per-token USD prices for one model. Prices are per token,
// not per thousand, to avoid rounding amplification downstream.
type Pricing struct {
	Model         string  `yaml:"model"`
	PromptUSD     float64 `yaml:"prompt_usd_per_token"`
	CompletionUSD float64 `yaml:"completion_usd_per_token"`
}

// Table is an ordered pricing lookup. Order matters only for documentation;
// resolution itself is deterministic (exact, then longest prefix, then
// longest substring).
type Table struct {
	entries []Pricing
}

// NewTable builds a table from explicit entries.
func NewTable(entries []Pricing) *Table {
	return &Table{entries: entries}
}

// Default returns the built-in pricing table.
func Default() *Table {
	return NewTable([]Pricing{
		{Model: "gpt-4o-mini", PromptUSD: 0.00000015, CompletionUSD: 0.0000006},
		{Model: "gpt-4o", PromptUSD: 0.0000025, CompletionUSD: 0.00001},
		{Model: "gpt-4-turbo", PromptUSD: 0.00001, CompletionUSD: 0.00003},
		{Model: "gpt-4", PromptUSD: 0.00003, CompletionUSD: 0.00006},
		{Model: "gpt-3.5-turbo", PromptUSD: 0.0000005, CompletionUSD: 0.0000015},
		{Model: "claude-3-opus", PromptUSD: 0.000015, CompletionUSD: 0.000075},
		{Model: "claude-3-sonnet", PromptUSD: 0.000003, CompletionUSD: 0.000015},
		{Model: "claude-3-haiku", PromptUSD: 0.00000025, CompletionUSD: 0.00000125},
	})
}

// LoadFile reads a pricing table from a YAML file. The file replaces the
// built-in table entirely.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}

	var entries []Pricing
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("pricing file %s has no entries", path)
	}

	return NewTable(entries), nil
}

// Resolve finds the pricing for a model name. Versioned and aliased names
// (e.g. gpt-4-0613, claude-3-opus-20240229) resolve through the prefix and
// substring rules; the longest match wins so resolution never depends on
// table order.
func (t *Table) Resolve(model string) (Pricing, bool) {
	if model == "" {
		return Pricing{}, false
	}
	lower := strings.ToLower(model)

	// 1. Exact match
	for _, e := range t.entries {
		if strings.EqualFold(e.Model, model) {
			return e, true
		}
	}

	// 2. Longest prefix match
	best := -1
	bestLen := 0
	for i, e := range t.entries {
		if strings.HasPrefix(lower, strings.ToLower(e.Model)) && len(e.Model) > bestLen {
			best = i
			bestLen = len(e.Model)
		}
	}
	if best >= 0 {
		return t.entries[best], true
	}

	// 3. Longest substring match
	for i, e := range t.entries {
		if strings.Contains(lower, strings.ToLower(e.Model)) && len(e.Model) > bestLen {
			best = i
			bestLen = len(e.Model)
		}
	}
	if best >= 0 {
		return t.entries[best], true
	}

	return Pricing{}, false
}
