package models

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus represents the status of an agent
type AgentStatus string

const (
	AgentStatusActive    AgentStatus = "active"
	AgentStatusSuspended AgentStatus = "suspended"
)

// Agent represents a registered agent with its balance buckets and
// spend guardrails. Balances are lamports (integer minor unit) and are
// mutated only through the ledger service.
type Agent struct {
	ID                uuid.UUID   `json:"id" db:"id"`
	PublicKey         string      `json:"public_key" db:"public_key"`
	DefaultRatePer1k  int64       `json:"default_rate_per_1k_tokens" db:"default_rate_per_1k_tokens"`
	AvailableLamports int64       `json:"available_lamports" db:"available_lamports"`
	ReservedLamports  int64       `json:"reserved_lamports" db:"reserved_lamports"`
	PendingLamports   int64       `json:"pending_lamports" db:"pending_lamports"`
	MaxCostPerCall    *int64      `json:"max_cost_per_call,omitempty" db:"max_cost_per_call"`
	DailySpendCap     *int64      `json:"daily_spend_cap,omitempty" db:"daily_spend_cap"`
	IsPaused          bool        `json:"is_paused" db:"is_paused"`
	AllowedCallees    []uuid.UUID `json:"allowed_callees,omitempty" db:"allowed_callees"`
	Status            AgentStatus `json:"status" db:"status"`
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at" db:"updated_at"`
}

// Balance is the three mutually exclusive balance buckets of an agent.
type Balance struct {
	AvailableLamports int64 `json:"available_lamports"`
	ReservedLamports  int64 `json:"reserved_lamports"`
	PendingLamports   int64 `json:"pending_lamports"`
}

// Total returns the conserved sum of the three buckets.
func (b Balance) Total() int64 {
	return b.AvailableLamports + b.ReservedLamports + b.PendingLamports
}

// Guardrails are the per-agent spend limits consulted by the budget
// authorizer. A nil limit means the limit is not set; an empty
// AllowedCallees list means any callee is allowed.
type Guardrails struct {
	MaxCostPerCall *int64      `json:"max_cost_per_call,omitempty"`
	DailySpendCap  *int64      `json:"daily_spend_cap,omitempty"`
	IsPaused       bool        `json:"is_paused"`
	AllowedCallees []uuid.UUID `json:"allowed_callees,omitempty"`
}
