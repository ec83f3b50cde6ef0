// Package pricing estimates the dollar cost of token usage for tools whose
// logs do not carry a cost field.
package pricing

import (
	"strings"

	"github.com/kalambet/tokdash/internal/usage"
)

// Price is the list price of a model family in USD per million tokens.
type Price struct {
	Input         float64
	Output        float64
	CacheCreation float64
	CacheRead     float64
}

// table is keyed by normalized model-name prefix. Lookup picks the longest
// matching prefix, so more specific entries win.
var table = map[string]Price{
	"claude-opus-4":     {Input: 15, Output: 75, CacheCreation: 18.75, CacheRead: 1.5},
	"claude-opus-4-5":   {Input: 5, Output: 25, CacheCreation: 6.25, CacheRead: 0.5},
	"claude-sonnet-4":   {Input: 3, Output: 15, CacheCreation: 3.75, CacheRead: 0.3},
	"claude-3-7-sonnet": {Input: 3, Output: 15, CacheCreation: 3.75, CacheRead: 0.3},
	"claude-3-5-sonnet": {Input: 3, Output: 15, CacheCreation: 3.75, CacheRead: 0.3},
	"claude-haiku-4-5":  {Input: 1, Output: 5, CacheCreation: 1.25, CacheRead: 0.1},
	"claude-3-5-haiku":  {Input: 0.8, Output: 4, CacheCreation: 1, CacheRead: 0.08},
	"gpt-5":             {Input: 1.25, Output: 10, CacheRead: 0.125},
	"gpt-5-mini":        {Input: 0.25, Output: 2, CacheRead: 0.025},
	"gpt-4.1":           {Input: 2, Output: 8, CacheRead: 0.5},
	"gpt-4o":            {Input: 2.5, Output: 10, CacheRead: 1.25},
	"o3":                {Input: 2, Output: 8, CacheRead: 0.5},
	"o4-mini":           {Input: 1.1, Output: 4.4, CacheRead: 0.275},
	"gemini-2.5-pro":    {Input: 1.25, Output: 10, CacheRead: 0.31},
	"gemini-2.5-flash":  {Input: 0.3, Output: 2.5, CacheRead: 0.075},
}

// Lookup returns the price for model and whether one was found.
func Lookup(model string) (Price, bool) {
	name := normalize(model)
	best := ""
	for prefix := range table {
		if strings.HasPrefix(name, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return Price{}, false
	}
	return table[best], true
}

// Estimate returns the cost of counts on model, or 0 for unknown models.
// Reasoning tokens are billed as output.
func Estimate(model string, counts usage.TokenCounts) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0
	}
	const perToken = 1.0 / 1_000_000
	return (float64(counts.Input)*p.Input +
		float64(counts.Output+counts.Reasoning)*p.Output +
		float64(counts.CacheCreation)*p.CacheCreation +
		float64(counts.CacheRead)*p.CacheRead) * perToken
}

// normalize strips provider prefixes such as "anthropic/" and lowercases.
func normalize(model string) string {
	name := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
