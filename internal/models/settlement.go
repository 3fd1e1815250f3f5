package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementStatus represents the status of a settlement
type SettlementStatus string

const (
	SettlementStatusPending   SettlementStatus = "pending"
	SettlementStatusConfirmed SettlementStatus = "confirmed"
	SettlementStatusFailed    SettlementStatus = "failed"
)

// Settlement represents one batched payout of an agent's accumulated
// pending earnings. At most one pending settlement may exist per agent
// at a time (enforced by a partial unique index).
type Settlement struct {
	ID                  uuid.UUID        `json:"id" db:"id"`
	AgentID             uuid.UUID        `json:"agent_id" db:"agent_id"`
	GrossLamports       int64            `json:"gross_lamports" db:"gross_lamports"`
	PlatformFeeLamports int64            `json:"platform_fee_lamports" db:"platform_fee_lamports"`
	NetLamports         int64            `json:"net_lamports" db:"net_lamports"`
	TxSignature         *string          `json:"tx_signature,omitempty" db:"tx_signature"`
	Status              SettlementStatus `json:"status" db:"status"`
	FailureReason       *string          `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`
	ConfirmedAt         *time.Time       `json:"confirmed_at,omitempty" db:"confirmed_at"`
	FailedAt            *time.Time       `json:"failed_at,omitempty" db:"failed_at"`
}

// PlatformRevenue is the accumulator of confirmed platform fees. It is
// for reporting only and never feeds a balance decision.
type PlatformRevenue struct {
	TotalFeeLamports int64     `json:"total_fee_lamports" db:"total_fee_lamports"`
	SettlementCount  int64     `json:"settlement_count" db:"settlement_count"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

const lamportsPerSOL = 1_000_000_000

// LamportsToSOL converts an integer lamport amount to a decimal SOL figure
// for display. Reporting only; the money path stays integer.
func LamportsToSOL(lamports int64) decimal.Decimal {
	return decimal.New(lamports, 0).Div(decimal.New(lamportsPerSOL, 0))
}
