package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aimerfeng/AgentPay/internal/activity"
	"github.com/aimerfeng/AgentPay/internal/ledger"
	"github.com/aimerfeng/AgentPay/internal/models"
	"github.com/aimerfeng/AgentPay/internal/pricing"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

var (
	ErrCallerPaused    = errors.New("caller has spending paused")
	ErrCalleeSuspended = errors.New("callee agent is suspended")
)

// Service meters direct tool executions: charge the caller, credit the
// callee's pending earnings, and record an immutable usage row, all in
// one transaction.
type Service struct {
	db      *pgxpool.Pool
	pricing *pricing.Service
	ledger  *ledger.Service
	events  *activity.Publisher
	log     zerolog.Logger
}

// NewService creates a new metering service
func NewService(db *pgxpool.Pool, pricingSvc *pricing.Service, ledgerSvc *ledger.Service, events *activity.Publisher, log zerolog.Logger) *Service {
	return &Service{
		db:      db,
		pricing: pricingSvc,
		ledger:  ledgerSvc,
		events:  events,
		log:     log,
	}
}

// ExecutionResult is the outcome of a metered execution.
type ExecutionResult struct {
	UsageID       uuid.UUID            `json:"usage_id"`
	CostLamports  int64                `json:"cost_lamports"`
	PricingSource models.PricingSource `json:"pricing_source"`
}

// Execute charges callerID for a completed tool call against calleeID.
// Pricing honors a frozen quote when quoteID is given and still valid,
// falling back to the live rate otherwise. The debit fails before any
// write if the caller is paused or lacks available balance.
func (s *Service) Execute(ctx context.Context, callerID, calleeID uuid.UUID, toolName string, tokensUsed int64, quoteID *uuid.UUID) (*ExecutionResult, error) {
	if err := s.checkSpendAllowed(ctx, callerID, calleeID); err != nil {
		return nil, err
	}

	priced, err := s.pricing.Resolve(ctx, calleeID, toolName, tokensUsed, quoteID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ledger.DebitIn(ctx, tx, callerID, priced.CostLamports); err != nil {
		return nil, err
	}
	if err := s.ledger.CreditPendingIn(ctx, tx, calleeID, priced.CostLamports); err != nil {
		return nil, err
	}

	usageID := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO tool_usage (id, caller_agent_id, callee_agent_id, tool_name, tokens_used,
		                        cost_lamports, rate_per_1k_tokens, quote_id, pricing_source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, usageID, callerID, calleeID, toolName, tokensUsed,
		priced.CostLamports, priced.RatePer1kTokens, priced.QuoteID, priced.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to record tool usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.events.Publish(ctx, activity.Event{
		Type:    activity.EventToolExecuted,
		AgentID: callerID,
		Payload: map[string]any{
			"usage_id":       usageID.String(),
			"callee_id":      calleeID.String(),
			"tool_name":      toolName,
			"tokens_used":    tokensUsed,
			"cost_lamports":  priced.CostLamports,
			"pricing_source": string(priced.Source),
		},
	})

	return &ExecutionResult{
		UsageID:       usageID,
		CostLamports:  priced.CostLamports,
		PricingSource: priced.Source,
	}, nil
}

// checkSpendAllowed enforces the hard stops ahead of pricing: a paused
// caller cannot spend and a suspended callee cannot be paid.
func (s *Service) checkSpendAllowed(ctx context.Context, callerID, calleeID uuid.UUID) error {
	var isPaused bool
	err := s.db.QueryRow(ctx, `SELECT is_paused FROM agents WHERE id = $1`, callerID).Scan(&isPaused)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ErrAgentNotFound
		}
		return fmt.Errorf("failed to check caller: %w", err)
	}
	if isPaused {
		return ErrCallerPaused
	}

	var calleeStatus models.AgentStatus
	err = s.db.QueryRow(ctx, `SELECT status FROM agents WHERE id = $1`, calleeID).Scan(&calleeStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ErrAgentNotFound
		}
		return fmt.Errorf("failed to check callee: %w", err)
	}
	if calleeStatus == models.AgentStatusSuspended {
		return ErrCalleeSuspended
	}
	return nil
}

// TodaySpend sums the caller's realized spend since local midnight.
// Reserved holds are not realized spend and are excluded.
func (s *Service) TodaySpend(ctx context.Context, callerID uuid.UUID) (int64, error) {
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var total int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_lamports), 0)
		FROM tool_usage
		WHERE caller_agent_id = $1 AND created_at >= $2
	`, callerID, midnight).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum today's spend: %w", err)
	}
	return total, nil
}

// GetUsageHistory returns an agent's usage rows as caller, newest first.
func (s *Service) GetUsageHistory(ctx context.Context, callerID uuid.UUID, limit, offset int) ([]models.ToolUsage, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, caller_agent_id, callee_agent_id, tool_name, tokens_used,
		       cost_lamports, rate_per_1k_tokens, quote_id, pricing_source, created_at
		FROM tool_usage
		WHERE caller_agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, callerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage history: %w", err)
	}
	defer rows.Close()

	var usage []models.ToolUsage
	for rows.Next() {
		var u models.ToolUsage
		if err := rows.Scan(&u.ID, &u.CallerAgentID, &u.CalleeAgentID, &u.ToolName, &u.TokensUsed,
			&u.CostLamports, &u.RatePer1kTokens, &u.QuoteID, &u.PricingSource, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		usage = append(usage, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage rows: %w", err)
	}
	return usage, nil
}

// GetEarningsHistory returns an agent's usage rows as callee, newest first.
func (s *Service) GetEarningsHistory(ctx context.Context, calleeID uuid.UUID, limit, offset int) ([]models.ToolUsage, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, caller_agent_id, callee_agent_id, tool_name, tokens_used,
		       cost_lamports, rate_per_1k_tokens, quote_id, pricing_source, created_at
		FROM tool_usage
		WHERE callee_agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, calleeID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query earnings history: %w", err)
	}
	defer rows.Close()

	var usage []models.ToolUsage
	for rows.Next() {
		var u models.ToolUsage
		if err := rows.Scan(&u.ID, &u.CallerAgentID, &u.CalleeAgentID, &u.ToolName, &u.TokensUsed,
			&u.CostLamports, &u.RatePer1kTokens, &u.QuoteID, &u.PricingSource, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		usage = append(usage, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage rows: %w", err)
	}
	return usage, nil
}
