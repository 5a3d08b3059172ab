package llm

import "strings"

// Per-million-token prices, keyed by a substring of the model id so
// dated snapshots (claude-sonnet-4-5-20250929) match their family.
type modelPrice struct {
	match      string
	inputUSD   float64
	outputUSD  float64
}

var prices = []modelPrice{
	{match: "opus", inputUSD: 15.0, outputUSD: 75.0},
	{match: "sonnet", inputUSD: 3.0, outputUSD: 15.0},
	{match: "haiku", inputUSD: 0.80, outputUSD: 4.0},
}

// Cost computes the USD cost of one call. Unknown models price as
// sonnet, the mid tier, so a new model id never silently costs zero.
func Cost(model string, inputTokens, outputTokens int) float64 {
	in, out := 3.0, 15.0
	lower := strings.ToLower(model)
	for _, p := range prices {
		if strings.Contains(lower, p.match) {
			in, out = p.inputUSD, p.outputUSD
			break
		}
	}
	return float64(inputTokens)*in/1e6 + float64(outputTokens)*out/1e6
}

// EstimateCost is the reservation amount taken before a call whose
// real token counts are unknown: assume a full completion at the
// task's max_tokens plus a prompt of the same order.
func EstimateCost(model string, maxTokens int) float64 {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return Cost(model, maxTokens, maxTokens)
}

// ModelForTier maps a task's model tier to a concrete model id. The
// remote default covers sonnet; ollama is served by the local runner
// and has no remote model.
func ModelForTier(tier, defaultModel string) string {
	switch tier {
	case "haiku":
		return "claude-haiku-4-5"
	case "opus":
		return "claude-opus-4-1"
	case "sonnet":
		if defaultModel != "" {
			return defaultModel
		}
		return "claude-sonnet-4-5"
	default:
		return defaultModel
	}
}

// PaidTier reports whether a tier is billed against the budget; local
// tiers cost nothing and skip reservation entirely.
func PaidTier(tier string) bool {
	return tier == "haiku" || tier == "sonnet" || tier == "opus"
}
