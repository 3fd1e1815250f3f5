package pricing

import (
	"errors"
	"math"
	"testing"

	"pgregory.net/rapid"
)

// ============================================================================
// Cost Calculation Properties
// ============================================================================

// TestProperty_CostDeterministic verifies:
// *For any* token count and rate, the System SHALL compute the same cost on
// every evaluation of the same inputs.
//
// **Validates: pure pricing arithmetic**
func TestProperty_CostDeterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tokens := rapid.Int64Range(0, MaxTokensPerCall).Draw(rt, "tokens")
		rate := rapid.Int64Range(0, 1_000_000).Draw(rt, "rate")

		first, err := CalculateCost(tokens, rate)
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		second, err := CalculateCost(tokens, rate)
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}

		if first != second {
			rt.Fatalf("PROPERTY VIOLATION: cost not deterministic: %d != %d for tokens=%d rate=%d",
				first, second, tokens, rate)
		}
	})
}

// TestProperty_CostFloor verifies:
// *For any* valid inputs, the computed cost SHALL never be below
// MinCostLamports.
//
// **Validates: minimum call cost**
func TestProperty_CostFloor(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tokens := rapid.Int64Range(0, MaxTokensPerCall).Draw(rt, "tokens")
		rate := rapid.Int64Range(0, 1_000_000).Draw(rt, "rate")

		cost, err := CalculateCost(tokens, rate)
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}

		if cost < MinCostLamports {
			rt.Fatalf("PROPERTY VIOLATION: cost %d below floor %d (tokens=%d rate=%d)",
				cost, MinCostLamports, tokens, rate)
		}
	})
}

// TestProperty_CostCeilingDivision verifies:
// *For any* inputs whose raw price clears the floor, the cost SHALL equal
// tokens*rate/1000 rounded up.
//
// **Validates: ceiling division, never undercharging fractional lamports**
func TestProperty_CostCeilingDivision(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tokens := rapid.Int64Range(1, MaxTokensPerCall).Draw(rt, "tokens")
		rate := rapid.Int64Range(1, 1_000_000).Draw(rt, "rate")

		cost, err := CalculateCost(tokens, rate)
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}

		raw := tokens * rate
		want := raw / 1000
		if raw%1000 != 0 {
			want++
		}
		if want < MinCostLamports {
			want = MinCostLamports
		}

		if cost != want {
			rt.Fatalf("PROPERTY VIOLATION: cost %d, want %d (tokens=%d rate=%d)",
				cost, want, tokens, rate)
		}
	})
}

// TestProperty_CostMonotonicInTokens verifies:
// *For any* fixed rate, more tokens SHALL never cost less.
//
// **Validates: monotonicity of pricing**
func TestProperty_CostMonotonicInTokens(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		rate := rapid.Int64Range(0, 1_000_000).Draw(rt, "rate")
		lo := rapid.Int64Range(0, MaxTokensPerCall-1).Draw(rt, "lo")
		hi := rapid.Int64Range(lo, MaxTokensPerCall).Draw(rt, "hi")

		costLo, err := CalculateCost(lo, rate)
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		costHi, err := CalculateCost(hi, rate)
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}

		if costHi < costLo {
			rt.Fatalf("PROPERTY VIOLATION: cost decreased from %d to %d as tokens grew %d -> %d at rate %d",
				costLo, costHi, lo, hi, rate)
		}
	})
}

// TestProperty_CostMonotonicInRate verifies:
// *For any* fixed token count, a higher rate SHALL never cost less.
//
// **Validates: monotonicity of pricing**
func TestProperty_CostMonotonicInRate(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tokens := rapid.Int64Range(0, MaxTokensPerCall).Draw(rt, "tokens")
		lo := rapid.Int64Range(0, 999_999).Draw(rt, "lo")
		hi := rapid.Int64Range(lo, 1_000_000).Draw(rt, "hi")

		costLo, err := CalculateCost(tokens, lo)
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		costHi, err := CalculateCost(tokens, hi)
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}

		if costHi < costLo {
			rt.Fatalf("PROPERTY VIOLATION: cost decreased from %d to %d as rate grew %d -> %d for %d tokens",
				costLo, costHi, lo, hi, tokens)
		}
	})
}

// TestProperty_InvalidInputsRejected verifies:
// *For any* negative token count, negative rate, or token count above the
// per-call limit, the System SHALL reject the calculation with the
// corresponding sentinel error.
//
// **Validates: input validation, reject-not-clamp for oversized calls**
func TestProperty_InvalidInputsRejected(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		negTokens := rapid.Int64Range(-1_000_000, -1).Draw(rt, "negTokens")
		negRate := rapid.Int64Range(-1_000_000, -1).Draw(rt, "negRate")
		overTokens := rapid.Int64Range(MaxTokensPerCall+1, MaxTokensPerCall*10).Draw(rt, "overTokens")

		if _, err := CalculateCost(negTokens, 1000); err != ErrNegativeTokens {
			rt.Fatalf("PROPERTY VIOLATION: negative tokens %d: got %v, want ErrNegativeTokens", negTokens, err)
		}
		if _, err := CalculateCost(100, negRate); err != ErrNegativeRate {
			rt.Fatalf("PROPERTY VIOLATION: negative rate %d: got %v, want ErrNegativeRate", negRate, err)
		}
		if _, err := CalculateCost(overTokens, 1000); !errors.Is(err, ErrTokensOverLimit) {
			rt.Fatalf("PROPERTY VIOLATION: oversized call %d: got %v, want ErrTokensOverLimit", overTokens, err)
		}
	})
}

// ============================================================================
// Known-Value Cases
// ============================================================================

func TestCalculateCost_KnownValues(t *testing.T) {
	cases := []struct {
		name   string
		tokens int64
		rate   int64
		want   int64
	}{
		{"zero tokens hits the floor", 0, 1000, 100},
		{"one token rounds up then floors", 1, 1000, 100},
		{"exact division above floor", 2000, 1000, 2000},
		{"fractional lamport rounds up", 1500, 333, 500},
		{"free rate still costs the floor", 50_000, 0, 100},
		{"limit-sized call", MaxTokensPerCall, 1000, 100_000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CalculateCost(tc.tokens, tc.rate)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("CalculateCost(%d, %d) = %d, want %d", tc.tokens, tc.rate, got, tc.want)
			}
		})
	}
}

// TestCalculateCost_OverflowingProductRejected verifies that a rate high
// enough for tokens*rate to wrap int64 is rejected instead of falling
// through the floor clamp as MinCostLamports.
func TestCalculateCost_OverflowingProductRejected(t *testing.T) {
	got, err := CalculateCost(MaxTokensPerCall, 1_000_000_000_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 100_000_000_000_000 {
		t.Fatalf("CalculateCost(%d, 1e12) = %d, want 100000000000000", MaxTokensPerCall, got)
	}

	if _, err := CalculateCost(MaxTokensPerCall, 92_233_720_368_548); !errors.Is(err, ErrCostOverflow) {
		t.Fatalf("overflowing product: got %v, want ErrCostOverflow", err)
	}
	if _, err := CalculateCost(2, math.MaxInt64); !errors.Is(err, ErrCostOverflow) {
		t.Fatalf("overflowing product: got %v, want ErrCostOverflow", err)
	}

	// The largest safe rate for a limit-sized call still prices cleanly.
	edge := (math.MaxInt64 - 999) / MaxTokensPerCall
	if _, err := CalculateCost(MaxTokensPerCall, edge); err != nil {
		t.Fatalf("boundary rate rejected: %v", err)
	}
}

// TestProperty_CostOverflowNeverUndercharges verifies:
// *For any* token count, raising the rate SHALL never turn the cost into
// a smaller value; past the representable range the call errors instead.
//
// **Validates: monotonicity of pricing at the int64 boundary**
func TestProperty_CostOverflowNeverUndercharges(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tokens := rapid.Int64Range(1, MaxTokensPerCall).Draw(rt, "tokens")
		rate := rapid.Int64Range(1, math.MaxInt64).Draw(rt, "rate")

		cost, err := CalculateCost(tokens, rate)
		if tokens > (math.MaxInt64-999)/rate {
			if !errors.Is(err, ErrCostOverflow) {
				rt.Fatalf("PROPERTY VIOLATION: %d tokens at rate %d wrapped to cost %d instead of erroring", tokens, rate, cost)
			}
			return
		}
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		want := (tokens*rate + 999) / 1000
		if want < MinCostLamports {
			want = MinCostLamports
		}
		if cost != want {
			rt.Fatalf("PROPERTY VIOLATION: CalculateCost(%d, %d) = %d, want %d", tokens, rate, cost, want)
		}
	})
}
