package agent

import "strings"

// Price is the USD cost per million tokens for a model.
type Price struct {
	InputPerMTok  float64 `yaml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok" json:"output_per_mtok"`
}

// DefaultPrices covers the models the bundled providers default to.
// Configuration may extend or override it.
func DefaultPrices() map[string]Price {
	return map[string]Price{
		"claude-sonnet-4-20250514": {InputPerMTok: 3, OutputPerMTok: 15},
		"claude-opus-4-20250514":   {InputPerMTok: 15, OutputPerMTok: 75},
		"claude-3-5-haiku-latest":  {InputPerMTok: 0.8, OutputPerMTok: 4},
		"gpt-4o":                   {InputPerMTok: 2.5, OutputPerMTok: 10},
		"gpt-4o-mini":              {InputPerMTok: 0.15, OutputPerMTok: 0.6},
	}
}

// estimateCost prices a single completion. Unknown models cost zero rather
// than a guess. A dated model ID falls back to the longest matching family
// entry, so "gpt-4o-mini-2024-07-18" is priced as "gpt-4o-mini".
func estimateCost(prices map[string]Price, model string, inputTokens, outputTokens int) float64 {
	p, ok := prices[model]
	if !ok {
		best := ""
		for name, candidate := range prices {
			if strings.HasPrefix(model, name) && len(name) > len(best) {
				best, p, ok = name, candidate, true
			}
		}
	}
	if !ok {
		return 0
	}
	return (float64(inputTokens)*p.InputPerMTok + float64(outputTokens)*p.OutputPerMTok) / 1_000_000
}
