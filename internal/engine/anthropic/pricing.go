package anthropic

import (
	"strings"

	"github.com/ashita-ai/tsunagi/internal/engine"
)

// ModelPricing holds per-million-token prices for a model.
type ModelPricing struct {
	InputPerMTok      float64
	OutputPerMTok     float64
	CacheWritePerMTok float64
	CacheReadPerMTok  float64
}

// defaultPricing maps model base names to their pricing. Unknown models
// price as zero: a missing table entry must not fail an execution, it only
// degrades cost accounting.
var defaultPricing = map[string]ModelPricing{
	"claude-opus-4": {
		InputPerMTok: 15.00, OutputPerMTok: 75.00,
		CacheWritePerMTok: 18.75, CacheReadPerMTok: 1.50,
	},
	"claude-sonnet-4": {
		InputPerMTok: 3.00, OutputPerMTok: 15.00,
		CacheWritePerMTok: 3.75, CacheReadPerMTok: 0.30,
	},
	"claude-3-7-sonnet": {
		InputPerMTok: 3.00, OutputPerMTok: 15.00,
		CacheWritePerMTok: 3.75, CacheReadPerMTok: 0.30,
	},
	"claude-3-5-sonnet": {
		InputPerMTok: 3.00, OutputPerMTok: 15.00,
		CacheWritePerMTok: 3.75, CacheReadPerMTok: 0.30,
	},
	"claude-3-5-haiku": {
		InputPerMTok: 0.80, OutputPerMTok: 4.00,
		CacheWritePerMTok: 1.00, CacheReadPerMTok: 0.08,
	},
}

// NormalizeModelName strips date suffixes from model identifiers,
// e.g. "claude-sonnet-4-20250514" -> "claude-sonnet-4".
func NormalizeModelName(raw string) string {
	if _, ok := defaultPricing[raw]; ok {
		return raw
	}
	parts := strings.Split(raw, "-")
	if len(parts) >= 2 {
		last := parts[len(parts)-1]
		if len(last) >= 8 && isAllDigits(last) {
			candidate := strings.Join(parts[:len(parts)-1], "-")
			if _, ok := defaultPricing[candidate]; ok {
				return candidate
			}
		}
	}
	return raw
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// CostUSD computes the dollar cost of one execution from its token usage.
// Models absent from the pricing table cost zero.
func CostUSD(model string, u engine.Usage) float64 {
	p, ok := defaultPricing[NormalizeModelName(model)]
	if !ok {
		return 0
	}
	const mtok = 1_000_000
	return float64(u.InputTokens)*p.InputPerMTok/mtok +
		float64(u.OutputTokens)*p.OutputPerMTok/mtok +
		float64(u.CacheWriteTokens)*p.CacheWritePerMTok/mtok +
		float64(u.CacheReadTokens)*p.CacheReadPerMTok/mtok
}
