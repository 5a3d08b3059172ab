package llm

import (
	"math"
	"testing"
)

func TestCost(t *testing.T) {
	cases := []struct {
		model string
		in    int
		out   int
		want  float64
	}{
		{"claude-sonnet-4-5", 1_000_000, 1_000_000, 18.0},
		{"claude-haiku-4-5", 1_000_000, 0, 0.80},
		{"claude-opus-4-1", 0, 1_000_000, 75.0},
		{"claude-sonnet-4-5-20250929", 1_000_000, 0, 3.0}, // dated snapshot matches family
		{"totally-unknown-model", 1_000_000, 0, 3.0},      // unknown prices as sonnet
		{"claude-sonnet-4-5", 0, 0, 0},
	}
	for _, tc := range cases {
		got := Cost(tc.model, tc.in, tc.out)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("Cost(%s, %d, %d) = %v, want %v", tc.model, tc.in, tc.out, got, tc.want)
		}
	}
}

func TestEstimateCostIsPositive(t *testing.T) {
	if c := EstimateCost("claude-sonnet-4-5", 4096); c <= 0 {
		t.Fatalf("EstimateCost = %v, want > 0", c)
	}
	if c := EstimateCost("claude-sonnet-4-5", 0); c <= 0 {
		t.Fatalf("EstimateCost with zero max_tokens = %v, want > 0", c)
	}
}

func TestModelForTier(t *testing.T) {
	if got := ModelForTier("haiku", "custom"); got != "claude-haiku-4-5" {
		t.Errorf("haiku -> %q", got)
	}
	if got := ModelForTier("sonnet", "custom-model"); got != "custom-model" {
		t.Errorf("sonnet with default -> %q", got)
	}
	if got := ModelForTier("sonnet", ""); got != "claude-sonnet-4-5" {
		t.Errorf("sonnet without default -> %q", got)
	}
	if got := ModelForTier("opus", ""); got != "claude-opus-4-1" {
		t.Errorf("opus -> %q", got)
	}
}

func TestPaidTier(t *testing.T) {
	for _, tier := range []string{"haiku", "sonnet", "opus"} {
		if !PaidTier(tier) {
			t.Errorf("PaidTier(%s) = false", tier)
		}
	}
	if PaidTier("ollama") {
		t.Errorf("PaidTier(ollama) = true")
	}
	if PaidTier("") {
		t.Errorf("PaidTier(\"\") = true")
	}
}
