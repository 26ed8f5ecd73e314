package metricssink

// CostRates holds per-1M-token pricing for one provider, configured from
// environment cost constants (spec.md 6).
type CostRates struct {
	PromptPerMillion     float64
	CompletionPerMillion float64
}

// CostCalculator maps provider name to pricing and computes per-request
// cost, grounded on original_source/utils/cost_calculator.py.
type CostCalculator struct {
	rates map[string]CostRates
}

// NewCostCalculator builds a calculator from configured per-provider rates.
// A provider absent from rates falls back to the "grok" entry if present,
// otherwise costs 0 — matching the Python original's unknown-provider
// fallback to the Grok rate when one is configured, and to free-local
// behavior otherwise.
func NewCostCalculator(rates map[string]CostRates) *CostCalculator {
	return &CostCalculator{rates: rates}
}

// Calculate returns the USD cost of promptTokens+completionTokens against
// provider's configured rate.
func (c *CostCalculator) Calculate(provider string, promptTokens, completionTokens int) float64 {
	rate, ok := c.rates[provider]
	if !ok {
		rate, ok = c.rates["grok"]
		if !ok {
			return 0
		}
	}
	promptCost := float64(promptTokens) / 1_000_000 * rate.PromptPerMillion
	completionCost := float64(completionTokens) / 1_000_000 * rate.CompletionPerMillion
	return promptCost + completionCost
}
