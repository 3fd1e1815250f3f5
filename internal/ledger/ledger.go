package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/aimerfeng/AgentPay/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Service errors
var (
	ErrAgentNotFound       = errors.New("agent not found")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrInsufficientPending = errors.New("insufficient pending balance")
	ErrInvalidAmount       = errors.New("amount must be non-negative")
	// ErrInvariantViolation indicates a ledger sum mismatch, e.g. a release
	// larger than the reserved bucket. Never swallowed or auto-corrected.
	ErrInvariantViolation = errors.New("ledger invariant violation")
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every primitive
// can run standalone as a single atomic statement or composed into a caller
// transaction scoped to the affected agent rows.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Service is the authoritative per-agent balance store. All mutations are
// guarded single UPDATE statements relying on the row-level locking of the
// store, never on process-local locks, so multiple service instances can
// run concurrently against the same agents.
type Service struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewService creates a new ledger service
func NewService(db *pgxpool.Pool, log zerolog.Logger) *Service {
	return &Service{db: db, log: log}
}

// Reserve moves amount from available to reserved.
func (s *Service) Reserve(ctx context.Context, agentID uuid.UUID, amount int64) error {
	return s.ReserveIn(ctx, s.db, agentID, amount)
}

// ReserveIn is Reserve composed into a caller-supplied transaction.
func (s *Service) ReserveIn(ctx context.Context, q querier, agentID uuid.UUID, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	tag, err := q.Exec(ctx, `
		UPDATE agents
		SET available_lamports = available_lamports - $1,
		    reserved_lamports = reserved_lamports + $1,
		    updated_at = NOW()
		WHERE id = $2 AND available_lamports >= $1
	`, amount, agentID)
	if err != nil {
		return fmt.Errorf("failed to reserve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.shortfall(ctx, q, agentID, ErrInsufficientBalance)
	}
	return nil
}

// Release moves amount from reserved back to available.
func (s *Service) Release(ctx context.Context, agentID uuid.UUID, amount int64) error {
	return s.ReleaseIn(ctx, s.db, agentID, amount)
}

// ReleaseIn is Release composed into a caller-supplied transaction. A
// release larger than the reserved bucket means a hold was double-resolved
// somewhere and is reported as an invariant violation.
func (s *Service) ReleaseIn(ctx context.Context, q querier, agentID uuid.UUID, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	tag, err := q.Exec(ctx, `
		UPDATE agents
		SET reserved_lamports = reserved_lamports - $1,
		    available_lamports = available_lamports + $1,
		    updated_at = NOW()
		WHERE id = $2 AND reserved_lamports >= $1
	`, amount, agentID)
	if err != nil {
		return fmt.Errorf("failed to release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.shortfall(ctx, q, agentID, nil); err != nil {
			return err
		}
		s.log.Error().
			Str("agent_id", agentID.String()).
			Int64("amount", amount).
			Msg("release exceeds reserved bucket")
		return fmt.Errorf("%w: release of %d exceeds reserved bucket of agent %s",
			ErrInvariantViolation, amount, agentID)
	}
	return nil
}

// Capture resolves a hold: removes reservedAmount from the caller's
// reserved bucket, returns the unspent remainder to the caller's available,
// and credits actualAmount to the callee's pending. Requires
// actualAmount <= reservedAmount.
func (s *Service) Capture(ctx context.Context, callerID, calleeID uuid.UUID, reservedAmount, actualAmount int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.CaptureIn(ctx, tx, callerID, calleeID, reservedAmount, actualAmount); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CaptureIn is Capture composed into a caller-supplied transaction.
func (s *Service) CaptureIn(ctx context.Context, q querier, callerID, calleeID uuid.UUID, reservedAmount, actualAmount int64) error {
	if reservedAmount < 0 || actualAmount < 0 {
		return ErrInvalidAmount
	}
	if actualAmount > reservedAmount {
		return fmt.Errorf("%w: actual amount %d exceeds reserved amount %d",
			ErrInvalidAmount, actualAmount, reservedAmount)
	}

	refund := reservedAmount - actualAmount
	tag, err := q.Exec(ctx, `
		UPDATE agents
		SET reserved_lamports = reserved_lamports - $1,
		    available_lamports = available_lamports + $2,
		    updated_at = NOW()
		WHERE id = $3 AND reserved_lamports >= $1
	`, reservedAmount, refund, callerID)
	if err != nil {
		return fmt.Errorf("failed to settle caller side of capture: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.shortfall(ctx, q, callerID, nil); err != nil {
			return err
		}
		s.log.Error().
			Str("caller_id", callerID.String()).
			Int64("reserved_amount", reservedAmount).
			Msg("capture exceeds reserved bucket")
		return fmt.Errorf("%w: capture of %d exceeds reserved bucket of agent %s",
			ErrInvariantViolation, reservedAmount, callerID)
	}

	return s.CreditPendingIn(ctx, q, calleeID, actualAmount)
}

// Debit removes amount from available. Used by the direct execute path.
func (s *Service) Debit(ctx context.Context, agentID uuid.UUID, amount int64) error {
	return s.DebitIn(ctx, s.db, agentID, amount)
}

// DebitIn is Debit composed into a caller-supplied transaction.
func (s *Service) DebitIn(ctx context.Context, q querier, agentID uuid.UUID, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	tag, err := q.Exec(ctx, `
		UPDATE agents
		SET available_lamports = available_lamports - $1,
		    updated_at = NOW()
		WHERE id = $2 AND available_lamports >= $1
	`, amount, agentID)
	if err != nil {
		return fmt.Errorf("failed to debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.shortfall(ctx, q, agentID, ErrInsufficientBalance)
	}
	return nil
}

// CreditPending adds amount to the agent's pending earnings.
func (s *Service) CreditPending(ctx context.Context, agentID uuid.UUID, amount int64) error {
	return s.CreditPendingIn(ctx, s.db, agentID, amount)
}

// CreditPendingIn is CreditPending composed into a caller-supplied transaction.
func (s *Service) CreditPendingIn(ctx context.Context, q querier, agentID uuid.UUID, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	tag, err := q.Exec(ctx, `
		UPDATE agents
		SET pending_lamports = pending_lamports + $1,
		    updated_at = NOW()
		WHERE id = $2
	`, amount, agentID)
	if err != nil {
		return fmt.Errorf("failed to credit pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// SettleOut decrements pending by amount. Only invoked by the settlement
// coordinator after payout confirmation.
func (s *Service) SettleOut(ctx context.Context, agentID uuid.UUID, amount int64) error {
	return s.SettleOutIn(ctx, s.db, agentID, amount)
}

// SettleOutIn is SettleOut composed into a caller-supplied transaction.
func (s *Service) SettleOutIn(ctx context.Context, q querier, agentID uuid.UUID, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	tag, err := q.Exec(ctx, `
		UPDATE agents
		SET pending_lamports = pending_lamports - $1,
		    updated_at = NOW()
		WHERE id = $2 AND pending_lamports >= $1
	`, amount, agentID)
	if err != nil {
		return fmt.Errorf("failed to settle out: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.shortfall(ctx, q, agentID, ErrInsufficientPending)
	}
	return nil
}

// TopUp adds externally funded lamports to the available bucket.
func (s *Service) TopUp(ctx context.Context, agentID uuid.UUID, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE agents
		SET available_lamports = available_lamports + $1,
		    updated_at = NOW()
		WHERE id = $2
	`, amount, agentID)
	if err != nil {
		return fmt.Errorf("failed to top up: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// Withdraw removes lamports from the available bucket for an external
// withdrawal.
func (s *Service) Withdraw(ctx context.Context, agentID uuid.UUID, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE agents
		SET available_lamports = available_lamports - $1,
		    updated_at = NOW()
		WHERE id = $2 AND available_lamports >= $1
	`, amount, agentID)
	if err != nil {
		return fmt.Errorf("failed to withdraw: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.shortfall(ctx, s.db, agentID, ErrInsufficientBalance)
	}
	return nil
}

// GetBalance returns the three balance buckets for an agent.
func (s *Service) GetBalance(ctx context.Context, agentID uuid.UUID) (*models.Balance, error) {
	return s.GetBalanceIn(ctx, s.db, agentID)
}

// GetBalanceIn reads the balance buckets through a caller-supplied
// transaction.
func (s *Service) GetBalanceIn(ctx context.Context, q querier, agentID uuid.UUID) (*models.Balance, error) {
	var b models.Balance
	err := q.QueryRow(ctx, `
		SELECT available_lamports, reserved_lamports, pending_lamports
		FROM agents WHERE id = $1
	`, agentID).Scan(&b.AvailableLamports, &b.ReservedLamports, &b.PendingLamports)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &b, nil
}

// shortfall distinguishes an unknown agent from a failed balance guard
// after a guarded update touched zero rows.
func (s *Service) shortfall(ctx context.Context, q querier, agentID uuid.UUID, insufficient error) error {
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM agents WHERE id = $1)`, agentID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check agent existence: %w", err)
	}
	if !exists {
		return ErrAgentNotFound
	}
	if insufficient != nil {
		return insufficient
	}
	return nil
}
