package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aimerfeng/AgentPay/internal/activity"
	"github.com/aimerfeng/AgentPay/internal/ledger"
	"github.com/aimerfeng/AgentPay/internal/metering"
	"github.com/aimerfeng/AgentPay/internal/models"
	"github.com/aimerfeng/AgentPay/internal/pricing"
	"github.com/aimerfeng/AgentPay/internal/reservation"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

var (
	ErrNoSpendRequested = errors.New("either calls or an estimated spend amount is required")
	ErrCalleeRequired   = errors.New("callee and tool name are required to reserve a flat amount")
)

// Violation codes, in evaluation order.
const (
	ViolationPaused           = "paused"
	ViolationCalleeNotAllowed = "callee_not_allowed"
	ViolationMaxCostPerCall   = "max_cost_per_call_exceeded"
	ViolationDailyCapExceeded = "daily_cap_exceeded"
	ViolationInsufficientFund = "insufficient_balance"
)

// Warning codes. Warnings never deny a spend.
const (
	WarningApproachingDailyCap = "approaching_daily_cap"
	WarningNearAvailable       = "near_available_balance"
)

// Violation is a single guardrail the requested spend would break.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Call is one planned tool invocation in a spend request.
type Call struct {
	CalleeID        uuid.UUID `json:"callee_id"`
	ToolName        string    `json:"tool_name"`
	EstimatedTokens int64     `json:"estimated_tokens"`
}

// PricedCall is a Call with its cost resolved.
type PricedCall struct {
	Call
	CostLamports int64 `json:"cost_lamports"`
}

// AuthorizeRequest describes a spend to authorize. Exactly one of Calls
// or EstimatedSpendLamports must be supplied. CalleeID and ToolName are
// required only when reserving a flat amount, since a hold needs a
// counterparty.
type AuthorizeRequest struct {
	AgentID                uuid.UUID     `json:"agent_id"`
	Calls                  []Call        `json:"calls,omitempty"`
	EstimatedSpendLamports *int64        `json:"estimated_spend_lamports,omitempty"`
	CreateReservation      bool          `json:"create_reservation"`
	CalleeID               *uuid.UUID    `json:"callee_id,omitempty"`
	ToolName               string        `json:"tool_name,omitempty"`
	Timeout                time.Duration `json:"-"`
}

// AuthorizationResult is the outcome of an authorize or forecast call.
type AuthorizationResult struct {
	Authorized         bool        `json:"authorized"`
	RequestedLamports  int64       `json:"requested_lamports"`
	TodaySpendLamports int64       `json:"today_spend_lamports"`
	Violations         []Violation `json:"violations"`
	Warnings           []Violation `json:"warnings"`
	ReservationID      *uuid.UUID  `json:"reservation_id,omitempty"`
}

// evaluate applies the guardrails to a priced spend request, in order:
// pause flag, callee allow-list, per-call ceiling, daily cap, available
// balance. Pure so the ordering and arithmetic are testable in isolation.
func evaluate(g models.Guardrails, calls []PricedCall, requested, todaySpend, available int64) []Violation {
	var violations []Violation

	if g.IsPaused {
		violations = append(violations, Violation{
			Code:    ViolationPaused,
			Message: "spending is paused for this agent",
		})
	}

	if len(g.AllowedCallees) > 0 {
		allowed := make(map[uuid.UUID]bool, len(g.AllowedCallees))
		for _, id := range g.AllowedCallees {
			allowed[id] = true
		}
		for _, c := range calls {
			if !allowed[c.CalleeID] {
				violations = append(violations, Violation{
					Code:    ViolationCalleeNotAllowed,
					Message: fmt.Sprintf("callee %s is not on the allow-list", c.CalleeID),
				})
				break
			}
		}
	}

	if g.MaxCostPerCall != nil {
		for _, c := range calls {
			if c.CostLamports > *g.MaxCostPerCall {
				violations = append(violations, Violation{
					Code: ViolationMaxCostPerCall,
					Message: fmt.Sprintf("call to %s costs %d lamports, above the %d per-call limit",
						c.ToolName, c.CostLamports, *g.MaxCostPerCall),
				})
				break
			}
		}
	}

	if g.DailySpendCap != nil && requested+todaySpend > *g.DailySpendCap {
		violations = append(violations, Violation{
			Code: ViolationDailyCapExceeded,
			Message: fmt.Sprintf("requested %d plus today's spend %d exceeds the %d daily cap",
				requested, todaySpend, *g.DailySpendCap),
		})
	}

	if requested > available {
		violations = append(violations, Violation{
			Code:    ViolationInsufficientFund,
			Message: fmt.Sprintf("requested %d lamports but only %d available", requested, available),
		})
	}

	return violations
}

// advise produces non-blocking warnings for an otherwise evaluable spend:
// a request that would push the day past 80% of its cap, or one consuming
// more than 90% of the available balance.
func advise(g models.Guardrails, requested, todaySpend, available int64) []Violation {
	var warnings []Violation

	if g.DailySpendCap != nil && *g.DailySpendCap > 0 {
		after := requested + todaySpend
		if after <= *g.DailySpendCap && after*10 > *g.DailySpendCap*8 {
			warnings = append(warnings, Violation{
				Code: WarningApproachingDailyCap,
				Message: fmt.Sprintf("this spend brings today's total to %d of the %d daily cap",
					after, *g.DailySpendCap),
			})
		}
	}

	if available > 0 && requested <= available && requested*10 > available*9 {
		warnings = append(warnings, Violation{
			Code: WarningNearAvailable,
			Message: fmt.Sprintf("requested %d lamports of %d available", requested, available),
		})
	}

	return warnings
}

// Service enforces spend guardrails before any hold or charge is made.
type Service struct {
	db           *pgxpool.Pool
	pricing      *pricing.Service
	metering     *metering.Service
	reservations *reservation.Service
	events       *activity.Publisher
	log          zerolog.Logger
}

// NewService creates a new budget service
func NewService(db *pgxpool.Pool, pricingSvc *pricing.Service, meteringSvc *metering.Service, reservationSvc *reservation.Service, events *activity.Publisher, log zerolog.Logger) *Service {
	return &Service{
		db:           db,
		pricing:      pricingSvc,
		metering:     meteringSvc,
		reservations: reservationSvc,
		events:       events,
		log:          log,
	}
}

// AuthorizeSpend evaluates the agent's guardrails against the requested
// spend. When authorized and requested, a single reservation is created
// for the summed amount. Denial reports every violated guardrail, not
// just the first.
func (s *Service) AuthorizeSpend(ctx context.Context, req AuthorizeRequest) (*AuthorizationResult, error) {
	result, priced, err := s.assess(ctx, req)
	if err != nil {
		return nil, err
	}

	if !result.Authorized || !req.CreateReservation {
		return result, nil
	}

	calleeID, toolName, tokens, err := reservationTarget(req, priced)
	if err != nil {
		return nil, err
	}

	r, err := s.reservations.ReserveAmount(ctx, req.AgentID, calleeID, toolName,
		result.RequestedLamports, tokens, req.Timeout)
	if err != nil {
		return nil, err
	}
	result.ReservationID = &r.ID
	return result, nil
}

// ForecastSpend is the read-only twin of AuthorizeSpend: identical
// evaluation, never creates a reservation.
func (s *Service) ForecastSpend(ctx context.Context, agentID uuid.UUID, calls []Call) (*AuthorizationResult, error) {
	result, _, err := s.assess(ctx, AuthorizeRequest{AgentID: agentID, Calls: calls})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) assess(ctx context.Context, req AuthorizeRequest) (*AuthorizationResult, []PricedCall, error) {
	if len(req.Calls) == 0 && req.EstimatedSpendLamports == nil {
		return nil, nil, ErrNoSpendRequested
	}

	guardrails, available, err := s.loadGuardrails(ctx, req.AgentID)
	if err != nil {
		return nil, nil, err
	}

	var priced []PricedCall
	var requested int64
	if len(req.Calls) > 0 {
		for _, c := range req.Calls {
			rate, err := s.pricing.ResolveRate(ctx, c.CalleeID, c.ToolName)
			if err != nil {
				return nil, nil, err
			}
			cost, err := pricing.CalculateCost(c.EstimatedTokens, rate)
			if err != nil {
				return nil, nil, err
			}
			priced = append(priced, PricedCall{Call: c, CostLamports: cost})
			requested += cost
		}
	} else {
		if *req.EstimatedSpendLamports < 0 {
			return nil, nil, ledger.ErrInvalidAmount
		}
		requested = *req.EstimatedSpendLamports
		// A flat amount is treated as a single call for the per-call limit.
		priced = []PricedCall{{CostLamports: requested}}
		if req.CalleeID != nil {
			priced[0].CalleeID = *req.CalleeID
			priced[0].ToolName = req.ToolName
		} else if len(guardrails.AllowedCallees) > 0 {
			// No counterparty named, nothing to check against the allow-list.
			priced[0].CalleeID = guardrails.AllowedCallees[0]
		}
	}

	todaySpend, err := s.metering.TodaySpend(ctx, req.AgentID)
	if err != nil {
		return nil, nil, err
	}

	violations := evaluate(guardrails, priced, requested, todaySpend, available)
	return &AuthorizationResult{
		Authorized:         len(violations) == 0,
		RequestedLamports:  requested,
		TodaySpendLamports: todaySpend,
		Violations:         violations,
		Warnings:           advise(guardrails, requested, todaySpend, available),
	}, priced, nil
}

// reservationTarget picks the counterparty for the single hold covering
// an authorized plan.
func reservationTarget(req AuthorizeRequest, priced []PricedCall) (uuid.UUID, string, int64, error) {
	if len(req.Calls) > 0 {
		var tokens int64
		for _, c := range req.Calls {
			tokens += c.EstimatedTokens
		}
		return req.Calls[0].CalleeID, req.Calls[0].ToolName, tokens, nil
	}
	if req.CalleeID == nil || req.ToolName == "" {
		return uuid.Nil, "", 0, ErrCalleeRequired
	}
	return *req.CalleeID, req.ToolName, 0, nil
}

func (s *Service) loadGuardrails(ctx context.Context, agentID uuid.UUID) (models.Guardrails, int64, error) {
	var g models.Guardrails
	var available int64
	err := s.db.QueryRow(ctx, `
		SELECT max_cost_per_call, daily_spend_cap, is_paused, allowed_callees, available_lamports
		FROM agents WHERE id = $1
	`, agentID).Scan(&g.MaxCostPerCall, &g.DailySpendCap, &g.IsPaused, &g.AllowedCallees, &available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return g, 0, ledger.ErrAgentNotFound
		}
		return g, 0, fmt.Errorf("failed to load guardrails: %w", err)
	}
	return g, available, nil
}

// SpendLimits carries partial guardrail updates. Nil fields are left
// unchanged; an empty AllowedCallees slice clears the allow-list.
type SpendLimits struct {
	MaxCostPerCall *int64       `json:"max_cost_per_call,omitempty"`
	DailySpendCap  *int64       `json:"daily_spend_cap,omitempty"`
	AllowedCallees *[]uuid.UUID `json:"allowed_callees,omitempty"`
}

// SetSpendLimits applies partial guardrail updates to an agent.
func (s *Service) SetSpendLimits(ctx context.Context, agentID uuid.UUID, limits SpendLimits) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents
		SET max_cost_per_call = COALESCE($1, max_cost_per_call),
		    daily_spend_cap   = COALESCE($2, daily_spend_cap),
		    allowed_callees   = COALESCE($3, allowed_callees),
		    updated_at        = NOW()
		WHERE id = $4
	`, limits.MaxCostPerCall, limits.DailySpendCap, limits.AllowedCallees, agentID)
	if err != nil {
		return fmt.Errorf("failed to update spend limits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAgentNotFound
	}

	s.publishBudgetChanged(ctx, agentID, "limits_updated", nil)
	return nil
}

// PauseSpending sets the hard stop consulted by every spend path.
func (s *Service) PauseSpending(ctx context.Context, agentID uuid.UUID, reason string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET is_paused = TRUE, updated_at = NOW() WHERE id = $1
	`, agentID)
	if err != nil {
		return fmt.Errorf("failed to pause spending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAgentNotFound
	}

	s.log.Info().Str("agent_id", agentID.String()).Str("reason", reason).Msg("Spending paused")
	s.publishBudgetChanged(ctx, agentID, "paused", map[string]any{"reason": reason})
	return nil
}

// ResumeSpending clears the pause flag.
func (s *Service) ResumeSpending(ctx context.Context, agentID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET is_paused = FALSE, updated_at = NOW() WHERE id = $1
	`, agentID)
	if err != nil {
		return fmt.Errorf("failed to resume spending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAgentNotFound
	}

	s.log.Info().Str("agent_id", agentID.String()).Msg("Spending resumed")
	s.publishBudgetChanged(ctx, agentID, "resumed", nil)
	return nil
}

func (s *Service) publishBudgetChanged(ctx context.Context, agentID uuid.UUID, change string, extra map[string]any) {
	payload := map[string]any{"change": change}
	for k, v := range extra {
		payload[k] = v
	}
	s.events.Publish(ctx, activity.Event{
		Type:    activity.EventBudgetChanged,
		AgentID: agentID,
		Payload: payload,
	})
}
