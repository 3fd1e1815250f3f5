package models

import (
	"time"

	"github.com/google/uuid"
)

// PricingSource indicates whether a call was priced from a frozen quote
// or from the live rate at execution time.
type PricingSource string

const (
	PricingSourceQuote PricingSource = "quote"
	PricingSourceLive  PricingSource = "live"
)

// ToolUsage is an append-only execution ledger entry: the durable record
// of every value transfer between agents. Rows are never updated or
// deleted.
type ToolUsage struct {
	ID              uuid.UUID     `json:"id" db:"id"`
	CallerAgentID   uuid.UUID     `json:"caller_agent_id" db:"caller_agent_id"`
	CalleeAgentID   uuid.UUID     `json:"callee_agent_id" db:"callee_agent_id"`
	ToolName        string        `json:"tool_name" db:"tool_name"`
	TokensUsed      int64         `json:"tokens_used" db:"tokens_used"`
	CostLamports    int64         `json:"cost_lamports" db:"cost_lamports"`
	RatePer1kTokens int64         `json:"rate_per_1k_tokens" db:"rate_per_1k_tokens"`
	QuoteID         *uuid.UUID    `json:"quote_id,omitempty" db:"quote_id"`
	PricingSource   PricingSource `json:"pricing_source" db:"pricing_source"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
}
