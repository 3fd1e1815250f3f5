package models

import (
	"time"

	"github.com/google/uuid"
)

// Quote is an immutable price snapshot. The rate and cost are frozen at
// issuance time; a quote referenced before its expiry charges the frozen
// cost regardless of later rate changes.
type Quote struct {
	ID              uuid.UUID `json:"id" db:"id"`
	CalleeID        uuid.UUID `json:"callee_id" db:"callee_id"`
	ToolName        string    `json:"tool_name" db:"tool_name"`
	TokensEstimate  int64     `json:"tokens_estimate" db:"tokens_estimate"`
	RatePer1kTokens int64     `json:"rate_per_1k_tokens" db:"rate_per_1k_tokens"`
	CostLamports    int64     `json:"cost_lamports" db:"cost_lamports"`
	ExpiresAt       time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Expired reports whether the quote is past its validity window.
func (q *Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}
