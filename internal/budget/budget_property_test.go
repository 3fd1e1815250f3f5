package budget

import (
	"testing"

	"github.com/aimerfeng/AgentPay/internal/models"
	"github.com/google/uuid"
	"pgregory.net/rapid"
)

func pricedCall(callee uuid.UUID, tool string, cost int64) PricedCall {
	return PricedCall{
		Call:         Call{CalleeID: callee, ToolName: tool},
		CostLamports: cost,
	}
}

func hasViolation(violations []Violation, code string) bool {
	for _, v := range violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

func int64Ptr(v int64) *int64 { return &v }

// ============================================================================
// Guardrail Evaluation Properties
// ============================================================================

// TestProperty_PausedAlwaysDenies verifies:
// *For any* spend request against a paused agent, the System SHALL report a
// paused violation regardless of balance or limits.
//
// **Validates: pause is a hard stop**
func TestProperty_PausedAlwaysDenies(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		requested := rapid.Int64Range(0, 1_000_000).Draw(rt, "requested")
		available := rapid.Int64Range(requested, 10_000_000).Draw(rt, "available")

		g := models.Guardrails{IsPaused: true}
		calls := []PricedCall{pricedCall(uuid.New(), "search", requested)}

		violations := evaluate(g, calls, requested, 0, available)
		if !hasViolation(violations, ViolationPaused) {
			rt.Fatalf("PROPERTY VIOLATION: paused agent authorized to spend %d with %d available",
				requested, available)
		}
	})
}

// TestProperty_DailyCapCountsTodaySpend verifies:
// *For any* daily cap, a request SHALL be denied exactly when the requested
// amount plus today's spend exceeds the cap, even with ample balance.
//
// **Validates: daily cap arithmetic**
func TestProperty_DailyCapCountsTodaySpend(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cap := rapid.Int64Range(1, 1_000_000).Draw(rt, "cap")
		todaySpend := rapid.Int64Range(0, cap).Draw(rt, "todaySpend")
		requested := rapid.Int64Range(1, 1_000_000).Draw(rt, "requested")

		g := models.Guardrails{DailySpendCap: int64Ptr(cap)}
		calls := []PricedCall{pricedCall(uuid.New(), "search", requested)}

		// Balance never the limiting factor here.
		violations := evaluate(g, calls, requested, todaySpend, requested)

		exceeded := requested+todaySpend > cap
		if exceeded != hasViolation(violations, ViolationDailyCapExceeded) {
			rt.Fatalf("PROPERTY VIOLATION: cap=%d todaySpend=%d requested=%d: exceeded=%v but violations=%v",
				cap, todaySpend, requested, exceeded, violations)
		}
	})
}

// TestProperty_InsufficientBalanceDenied verifies:
// *For any* request above the available balance, the System SHALL report an
// insufficient balance violation, and never for a request at or below it.
//
// **Validates: balance check against available funds only**
func TestProperty_InsufficientBalanceDenied(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		available := rapid.Int64Range(0, 1_000_000).Draw(rt, "available")
		requested := rapid.Int64Range(0, 2_000_000).Draw(rt, "requested")

		violations := evaluate(models.Guardrails{}, nil, requested, 0, available)

		short := requested > available
		if short != hasViolation(violations, ViolationInsufficientFund) {
			rt.Fatalf("PROPERTY VIOLATION: requested=%d available=%d: short=%v but violations=%v",
				requested, available, short, violations)
		}
	})
}

// TestProperty_AllowListEnforced verifies:
// *For any* non-empty allow-list, a call to a listed callee SHALL pass the
// allow-list check and a call to an unlisted callee SHALL fail it.
//
// **Validates: callee allow-list**
func TestProperty_AllowListEnforced(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		listed := uuid.New()
		unlisted := uuid.New()
		useListed := rapid.Bool().Draw(rt, "useListed")

		g := models.Guardrails{AllowedCallees: []uuid.UUID{listed, uuid.New()}}
		callee := unlisted
		if useListed {
			callee = listed
		}
		calls := []PricedCall{pricedCall(callee, "search", 100)}

		violations := evaluate(g, calls, 100, 0, 1_000_000)
		if useListed == hasViolation(violations, ViolationCalleeNotAllowed) {
			rt.Fatalf("PROPERTY VIOLATION: listed=%v but allow-list violations=%v", useListed, violations)
		}
	})
}

// TestProperty_PerCallLimitChecksEachCall verifies:
// *For any* per-call limit, a plan SHALL be flagged exactly when at least one
// call individually exceeds the limit, independent of the plan total.
//
// **Validates: per-call ceiling is per call, not per plan**
func TestProperty_PerCallLimitChecksEachCall(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.Int64Range(100, 100_000).Draw(rt, "limit")
		n := rapid.IntRange(1, 5).Draw(rt, "n")

		g := models.Guardrails{MaxCostPerCall: int64Ptr(limit)}
		var calls []PricedCall
		var total int64
		anyOver := false
		for i := 0; i < n; i++ {
			cost := rapid.Int64Range(1, 2*limit).Draw(rt, "cost")
			calls = append(calls, pricedCall(uuid.New(), "search", cost))
			total += cost
			if cost > limit {
				anyOver = true
			}
		}

		violations := evaluate(g, calls, total, 0, total)
		if anyOver != hasViolation(violations, ViolationMaxCostPerCall) {
			rt.Fatalf("PROPERTY VIOLATION: limit=%d calls=%v: anyOver=%v but violations=%v",
				limit, calls, anyOver, violations)
		}
	})
}

// TestProperty_AllViolationsReported verifies:
// *For any* request breaking several guardrails at once, the System SHALL
// report every broken guardrail, in evaluation order.
//
// **Validates: denial reports all violations, not just the first**
func TestProperty_AllViolationsReported(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		requested := rapid.Int64Range(1001, 1_000_000).Draw(rt, "requested")

		g := models.Guardrails{
			IsPaused:       true,
			MaxCostPerCall: int64Ptr(requested - 1),
			DailySpendCap:  int64Ptr(requested - 1),
			AllowedCallees: []uuid.UUID{uuid.New()},
		}
		calls := []PricedCall{pricedCall(uuid.New(), "search", requested)}

		violations := evaluate(g, calls, requested, 0, requested-1)

		want := []string{
			ViolationPaused,
			ViolationCalleeNotAllowed,
			ViolationMaxCostPerCall,
			ViolationDailyCapExceeded,
			ViolationInsufficientFund,
		}
		if len(violations) != len(want) {
			rt.Fatalf("PROPERTY VIOLATION: expected %d violations, got %v", len(want), violations)
		}
		for i, code := range want {
			if violations[i].Code != code {
				rt.Fatalf("PROPERTY VIOLATION: violation %d is %s, want %s", i, violations[i].Code, code)
			}
		}
	})
}

// TestProperty_WarningsNeverDeny verifies:
// *For any* spend within the daily cap and available balance, warnings MAY
// be raised but the violation list SHALL stay empty: warnings alone never
// deny a spend.
//
// **Validates: warnings are advisory**
func TestProperty_WarningsNeverDeny(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cap := rapid.Int64Range(10, 1_000_000).Draw(rt, "cap")
		todaySpend := rapid.Int64Range(0, cap).Draw(rt, "todaySpend")
		requested := rapid.Int64Range(0, cap-todaySpend).Draw(rt, "requested")
		available := rapid.Int64Range(requested, 2_000_000).Draw(rt, "available")

		g := models.Guardrails{DailySpendCap: int64Ptr(cap)}
		calls := []PricedCall{pricedCall(uuid.New(), "search", requested)}

		if violations := evaluate(g, calls, requested, todaySpend, available); len(violations) != 0 {
			rt.Fatalf("PROPERTY VIOLATION: in-cap affordable spend denied: %v", violations)
		}

		warnings := advise(g, requested, todaySpend, available)
		wantCapWarning := (requested+todaySpend)*10 > cap*8
		if wantCapWarning != hasViolation(warnings, WarningApproachingDailyCap) {
			rt.Fatalf("PROPERTY VIOLATION: cap=%d spend=%d: cap warning expected=%v, warnings=%v",
				cap, requested+todaySpend, wantCapWarning, warnings)
		}
	})
}

// TestProperty_NoLimitsNoViolations verifies:
// *For any* affordable request against an agent with no guardrails set,
// the System SHALL authorize it.
//
// **Validates: guardrails are opt-in**
func TestProperty_NoLimitsNoViolations(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		requested := rapid.Int64Range(0, 1_000_000).Draw(rt, "requested")
		available := rapid.Int64Range(requested, 2_000_000).Draw(rt, "available")
		todaySpend := rapid.Int64Range(0, 1_000_000).Draw(rt, "todaySpend")

		calls := []PricedCall{pricedCall(uuid.New(), "search", requested)}
		violations := evaluate(models.Guardrails{}, calls, requested, todaySpend, available)
		if len(violations) != 0 {
			rt.Fatalf("PROPERTY VIOLATION: unrestricted affordable spend denied: %v", violations)
		}
	})
}
