package models

import (
	"time"

	"github.com/google/uuid"
)

// ReservationStatus represents the lifecycle state of a hold. The status
// column is the single concurrency-control primitive for reservations:
// only the first transition out of "active" takes effect.
type ReservationStatus string

const (
	ReservationStatusActive   ReservationStatus = "active"
	ReservationStatusCaptured ReservationStatus = "captured"
	ReservationStatusReleased ReservationStatus = "released"
	ReservationStatusExpired  ReservationStatus = "expired"
)

// Reservation represents a pre-authorization hold on a caller's available
// balance. The rate is frozen at reservation time so capture cannot be
// repriced by a rate change between hold and capture. The captured_* fields
// are filled on capture so a repeated capture can return the original
// result without re-applying ledger effects.
type Reservation struct {
	ID                 uuid.UUID         `json:"id" db:"id"`
	CallerID           uuid.UUID         `json:"caller_id" db:"caller_id"`
	CalleeID           uuid.UUID         `json:"callee_id" db:"callee_id"`
	ToolName           string            `json:"tool_name" db:"tool_name"`
	EstimatedTokens    int64             `json:"estimated_tokens" db:"estimated_tokens"`
	ReservedLamports   int64             `json:"reserved_lamports" db:"reserved_lamports"`
	RatePer1kTokens    int64             `json:"rate_per_1k_tokens" db:"rate_per_1k_tokens"`
	Status             ReservationStatus `json:"status" db:"status"`
	CapturedTokens     *int64            `json:"captured_tokens,omitempty" db:"captured_tokens"`
	ActualCostLamports *int64            `json:"actual_cost_lamports,omitempty" db:"actual_cost_lamports"`
	RefundedLamports   *int64            `json:"refunded_lamports,omitempty" db:"refunded_lamports"`
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
	ExpiresAt          time.Time         `json:"expires_at" db:"expires_at"`
}

// Expired reports whether the reservation is past its hold timeout.
func (r *Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
