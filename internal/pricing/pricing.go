package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aimerfeng/AgentPay/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service errors
var (
	ErrNegativeTokens  = errors.New("tokens must be non-negative")
	ErrNegativeRate    = errors.New("rate must be non-negative")
	ErrTokensOverLimit = errors.New("tokens exceed per-call limit")
	ErrCostOverflow    = errors.New("cost exceeds representable amount")
	ErrAgentNotFound   = errors.New("agent not found")
	ErrQuoteNotFound   = errors.New("quote not found")
)

// Pricing constants. All amounts are lamports, integer minor unit.
const (
	// MinCostLamports is the floor applied to every computed call cost.
	MinCostLamports int64 = 100
	// MaxTokensPerCall caps the token count of a single call. Values above
	// it are rejected, not clamped.
	MaxTokensPerCall int64 = 100_000
	// QuoteValidity is how long an issued quote freezes its price.
	QuoteValidity = 5 * time.Minute
)

// CalculateCost computes the lamport cost of a call. Pure integer
// arithmetic: ceiling division of tokens*rate by 1000, floored at
// MinCostLamports.
func CalculateCost(tokensUsed, ratePer1kTokens int64) (int64, error) {
	if tokensUsed < 0 {
		return 0, ErrNegativeTokens
	}
	if ratePer1kTokens < 0 {
		return 0, ErrNegativeRate
	}
	if tokensUsed > MaxTokensPerCall {
		return 0, fmt.Errorf("%w: %d > %d", ErrTokensOverLimit, tokensUsed, MaxTokensPerCall)
	}
	// Tokens are capped but rates are not: reject any pair whose product
	// would wrap int64 rather than let the floor clamp turn an enormous
	// charge into MinCostLamports.
	if ratePer1kTokens > 0 && tokensUsed > (math.MaxInt64-999)/ratePer1kTokens {
		return 0, fmt.Errorf("%w: %d tokens at rate %d", ErrCostOverflow, tokensUsed, ratePer1kTokens)
	}

	cost := (tokensUsed*ratePer1kTokens + 999) / 1000
	if cost < MinCostLamports {
		cost = MinCostLamports
	}
	return cost, nil
}

// Result is the outcome of a pricing resolution.
type Result struct {
	CostLamports    int64                `json:"cost_lamports"`
	RatePer1kTokens int64                `json:"rate_per_1k_tokens"`
	Source          models.PricingSource `json:"source"`
	QuoteID         *uuid.UUID           `json:"quote_id,omitempty"`
}

// Service issues quotes and resolves prices against tool rates.
type Service struct {
	db *pgxpool.Pool
}

// NewService creates a new pricing service
func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

// ResolveRate returns the effective rate for a tool of the given callee:
// the per-tool override when one exists, the agent default otherwise.
func (s *Service) ResolveRate(ctx context.Context, calleeID uuid.UUID, toolName string) (int64, error) {
	var rate int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(
			(SELECT rate_per_1k_tokens FROM tools WHERE agent_id = $1 AND name = $2),
			default_rate_per_1k_tokens
		)
		FROM agents WHERE id = $1
	`, calleeID, toolName).Scan(&rate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAgentNotFound
		}
		return 0, fmt.Errorf("failed to resolve rate: %w", err)
	}
	return rate, nil
}

// IssueQuote freezes the current effective rate into an immutable,
// time-boxed quote.
func (s *Service) IssueQuote(ctx context.Context, calleeID uuid.UUID, toolName string, tokensEstimate int64) (*models.Quote, error) {
	rate, err := s.ResolveRate(ctx, calleeID, toolName)
	if err != nil {
		return nil, err
	}

	cost, err := CalculateCost(tokensEstimate, rate)
	if err != nil {
		return nil, err
	}

	quote := &models.Quote{
		ID:              uuid.New(),
		CalleeID:        calleeID,
		ToolName:        toolName,
		TokensEstimate:  tokensEstimate,
		RatePer1kTokens: rate,
		CostLamports:    cost,
		ExpiresAt:       time.Now().Add(QuoteValidity),
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO quotes (id, callee_id, tool_name, tokens_estimate, rate_per_1k_tokens, cost_lamports, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, quote.ID, quote.CalleeID, quote.ToolName, quote.TokensEstimate,
		quote.RatePer1kTokens, quote.CostLamports, quote.ExpiresAt).Scan(&quote.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to persist quote: %w", err)
	}

	return quote, nil
}

// GetQuote retrieves a quote by ID
func (s *Service) GetQuote(ctx context.Context, quoteID uuid.UUID) (*models.Quote, error) {
	var q models.Quote
	err := s.db.QueryRow(ctx, `
		SELECT id, callee_id, tool_name, tokens_estimate, rate_per_1k_tokens, cost_lamports, expires_at, created_at
		FROM quotes WHERE id = $1
	`, quoteID).Scan(
		&q.ID, &q.CalleeID, &q.ToolName, &q.TokensEstimate,
		&q.RatePer1kTokens, &q.CostLamports, &q.ExpiresAt, &q.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuoteNotFound
		}
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}
	return &q, nil
}

// Resolve prices a call. When a quote id is given, still resolvable and
// not expired, the frozen quote rate wins regardless of the tool's current
// live rate; otherwise the live rate is used. The actual token count is
// always recosted, so a quote freezes the rate, not the token estimate.
func (s *Service) Resolve(ctx context.Context, calleeID uuid.UUID, toolName string, tokensUsed int64, quoteID *uuid.UUID) (*Result, error) {
	if quoteID != nil {
		quote, err := s.GetQuote(ctx, *quoteID)
		if err == nil && !quote.Expired(time.Now()) && quote.CalleeID == calleeID && quote.ToolName == toolName {
			cost, err := CalculateCost(tokensUsed, quote.RatePer1kTokens)
			if err != nil {
				return nil, err
			}
			return &Result{
				CostLamports:    cost,
				RatePer1kTokens: quote.RatePer1kTokens,
				Source:          models.PricingSourceQuote,
				QuoteID:         quoteID,
			}, nil
		}
		if err != nil && !errors.Is(err, ErrQuoteNotFound) {
			return nil, err
		}
		// Unknown, expired or mismatched quote: fall through to live pricing.
	}

	rate, err := s.ResolveRate(ctx, calleeID, toolName)
	if err != nil {
		return nil, err
	}
	cost, err := CalculateCost(tokensUsed, rate)
	if err != nil {
		return nil, err
	}
	return &Result{
		CostLamports:    cost,
		RatePer1kTokens: rate,
		Source:          models.PricingSourceLive,
	}, nil
}
