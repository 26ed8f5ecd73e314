package metricssink

import "testing"

func TestCalculateUsesConfiguredRate(t *testing.T) {
	c := NewCostCalculator(map[string]CostRates{
		"openai": {PromptPerMillion: 10, CompletionPerMillion: 30},
	})
	got := c.Calculate("openai", 1_000_000, 1_000_000)
	if got != 40 {
		t.Fatalf("expected 40, got %v", got)
	}
}

func TestCalculateFallsBackToGrokRateForUnknownProvider(t *testing.T) {
	c := NewCostCalculator(map[string]CostRates{
		"grok": {PromptPerMillion: 2, CompletionPerMillion: 4},
	})
	got := c.Calculate("anthropic", 1_000_000, 1_000_000)
	if got != 6 {
		t.Fatalf("expected fallback to the grok rate (6), got %v", got)
	}
}

func TestCalculateReturnsZeroWhenNoRatesConfigured(t *testing.T) {
	c := NewCostCalculator(map[string]CostRates{})
	got := c.Calculate("anthropic", 1_000_000, 1_000_000)
	if got != 0 {
		t.Fatalf("expected 0 cost with no configured rates, got %v", got)
	}
}
