package reservation

import (
	"context"
	"errors"
	"fmt"
	"math"
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

// Service errors
var (
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationExpired   = errors.New("reservation has expired")
	ErrReservationNotActive = errors.New("reservation is not active")
	ErrInvalidTokens        = errors.New("token count must be non-negative")
	ErrInvalidTimeout       = errors.New("timeout must be positive")
	ErrCallerPaused         = errors.New("caller has spending paused")
	ErrCalleeSuspended      = errors.New("callee agent is suspended")
)

// DefaultTimeout is the hold timeout applied when the caller supplies none.
const DefaultTimeout = 5 * time.Minute

// Service manages pre-authorization holds. The reservation status column
// is the single concurrency-control primitive: only the first transition
// out of "active" takes effect, so capture, release and the expiry sweep
// can race on the same row and all but one become no-ops.
type Service struct {
	db             *pgxpool.Pool
	pricing        *pricing.Service
	ledger         *ledger.Service
	events         *activity.Publisher
	defaultTimeout time.Duration
	log            zerolog.Logger
}

// NewService creates a new reservation service. defaultTimeout is the
// hold timeout applied when a caller supplies none; non-positive values
// fall back to DefaultTimeout.
func NewService(db *pgxpool.Pool, pricingSvc *pricing.Service, ledgerSvc *ledger.Service, events *activity.Publisher, defaultTimeout time.Duration, log zerolog.Logger) *Service {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Service{
		db:             db,
		pricing:        pricingSvc,
		ledger:         ledgerSvc,
		events:         events,
		defaultTimeout: defaultTimeout,
		log:            log,
	}
}

// Reserve prices the estimated work at the current effective rate and
// holds that amount from the caller's available balance. On insufficient
// balance no reservation row is created.
func (s *Service) Reserve(ctx context.Context, callerID, calleeID uuid.UUID, toolName string, estimatedTokens int64, timeout time.Duration) (*models.Reservation, error) {
	if estimatedTokens < 0 {
		return nil, ErrInvalidTokens
	}

	rate, err := s.pricing.ResolveRate(ctx, calleeID, toolName)
	if err != nil {
		return nil, err
	}
	estimatedCost, err := pricing.CalculateCost(estimatedTokens, rate)
	if err != nil {
		return nil, err
	}

	return s.create(ctx, createParams{
		callerID:        callerID,
		calleeID:        calleeID,
		toolName:        toolName,
		estimatedTokens: estimatedTokens,
		amount:          estimatedCost,
		rate:            rate,
		timeout:         timeout,
	})
}

// ReserveAmount holds a caller-specified flat amount, used by the budget
// authorizer for multi-call plans. An effective rate is derived from the
// amount and token estimate so a later capture recosts against the same
// price the hold was authorized at.
func (s *Service) ReserveAmount(ctx context.Context, callerID, calleeID uuid.UUID, toolName string, amountLamports, estimatedTokens int64, timeout time.Duration) (*models.Reservation, error) {
	if estimatedTokens < 0 {
		return nil, ErrInvalidTokens
	}
	if estimatedTokens > pricing.MaxTokensPerCall {
		return nil, pricing.ErrTokensOverLimit
	}
	if amountLamports < 0 {
		return nil, ledger.ErrInvalidAmount
	}
	// The derived-rate numerator must stay within int64.
	if amountLamports > (math.MaxInt64-pricing.MaxTokensPerCall)/1000 {
		return nil, ledger.ErrInvalidAmount
	}

	rate := int64(0)
	if estimatedTokens > 0 {
		rate = (amountLamports*1000 + estimatedTokens - 1) / estimatedTokens
	}

	return s.create(ctx, createParams{
		callerID:        callerID,
		calleeID:        calleeID,
		toolName:        toolName,
		estimatedTokens: estimatedTokens,
		amount:          amountLamports,
		rate:            rate,
		timeout:         timeout,
	})
}

type createParams struct {
	callerID        uuid.UUID
	calleeID        uuid.UUID
	toolName        string
	estimatedTokens int64
	amount          int64
	rate            int64
	timeout         time.Duration
}

func (s *Service) create(ctx context.Context, p createParams) (*models.Reservation, error) {
	if p.timeout == 0 {
		p.timeout = s.defaultTimeout
	}
	if p.timeout < 0 {
		return nil, ErrInvalidTimeout
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.checkSpendAllowed(ctx, tx, p.callerID, p.calleeID); err != nil {
		return nil, err
	}

	if err := s.ledger.ReserveIn(ctx, tx, p.callerID, p.amount); err != nil {
		return nil, err
	}

	r := &models.Reservation{
		ID:               uuid.New(),
		CallerID:         p.callerID,
		CalleeID:         p.calleeID,
		ToolName:         p.toolName,
		EstimatedTokens:  p.estimatedTokens,
		ReservedLamports: p.amount,
		RatePer1kTokens:  p.rate,
		Status:           models.ReservationStatusActive,
		ExpiresAt:        time.Now().Add(p.timeout),
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO reservations (id, caller_id, callee_id, tool_name, estimated_tokens,
		                          reserved_lamports, rate_per_1k_tokens, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, r.ID, r.CallerID, r.CalleeID, r.ToolName, r.EstimatedTokens,
		r.ReservedLamports, r.RatePer1kTokens, r.Status, r.ExpiresAt).Scan(&r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return r, nil
}

// checkSpendAllowed mirrors the execute-path hard stops: a paused caller
// cannot open a hold and a suspended callee cannot be its beneficiary.
func (s *Service) checkSpendAllowed(ctx context.Context, tx pgx.Tx, callerID, calleeID uuid.UUID) error {
	var isPaused bool
	err := tx.QueryRow(ctx, `SELECT is_paused FROM agents WHERE id = $1`, callerID).Scan(&isPaused)
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
	err = tx.QueryRow(ctx, `SELECT status FROM agents WHERE id = $1`, calleeID).Scan(&calleeStatus)
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

// CaptureResult is the outcome of a capture.
type CaptureResult struct {
	ActualCostLamports int64 `json:"actual_cost_lamports"`
	RefundedLamports   int64 `json:"refunded_lamports"`
}

// Capture settles an active hold for the tokens actually used. The cost
// is recomputed from the rate frozen at reservation time, never a fresh
// live lookup, and clamped to the reserved amount. Idempotent: a repeat
// capture returns the original result without touching the ledger again.
func (s *Service) Capture(ctx context.Context, reservationID uuid.UUID, actualTokens int64) (*CaptureResult, error) {
	if actualTokens < 0 {
		return nil, ErrInvalidTokens
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var r models.Reservation
	err = tx.QueryRow(ctx, `
		SELECT id, caller_id, callee_id, tool_name, estimated_tokens, reserved_lamports,
		       rate_per_1k_tokens, status, captured_tokens, actual_cost_lamports,
		       refunded_lamports, created_at, expires_at
		FROM reservations WHERE id = $1 FOR UPDATE
	`, reservationID).Scan(
		&r.ID, &r.CallerID, &r.CalleeID, &r.ToolName, &r.EstimatedTokens, &r.ReservedLamports,
		&r.RatePer1kTokens, &r.Status, &r.CapturedTokens, &r.ActualCostLamports,
		&r.RefundedLamports, &r.CreatedAt, &r.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}

	switch r.Status {
	case models.ReservationStatusCaptured:
		// Repeat capture: hand back the stored result, no ledger effects.
		return &CaptureResult{
			ActualCostLamports: *r.ActualCostLamports,
			RefundedLamports:   *r.RefundedLamports,
		}, nil
	case models.ReservationStatusExpired:
		return nil, ErrReservationExpired
	case models.ReservationStatusReleased:
		return nil, ErrReservationNotActive
	}

	if r.Expired(time.Now()) {
		return nil, ErrReservationExpired
	}

	actualCost, err := pricing.CalculateCost(actualTokens, r.RatePer1kTokens)
	if err != nil {
		if !errors.Is(err, pricing.ErrCostOverflow) {
			return nil, err
		}
		// A cost too large to represent always exceeds the hold.
		actualCost = r.ReservedLamports
	}
	if actualCost > r.ReservedLamports {
		actualCost = r.ReservedLamports
	}
	refund := r.ReservedLamports - actualCost

	if err := s.ledger.CaptureIn(ctx, tx, r.CallerID, r.CalleeID, r.ReservedLamports, actualCost); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE reservations
		SET status = $1, captured_tokens = $2, actual_cost_lamports = $3, refunded_lamports = $4
		WHERE id = $5 AND status = $6
	`, models.ReservationStatusCaptured, actualTokens, actualCost, refund,
		r.ID, models.ReservationStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to mark reservation captured: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrReservationNotActive
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tool_usage (id, caller_agent_id, callee_agent_id, tool_name, tokens_used,
		                        cost_lamports, rate_per_1k_tokens, pricing_source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.New(), r.CallerID, r.CalleeID, r.ToolName, actualTokens,
		actualCost, r.RatePer1kTokens, models.PricingSourceLive)
	if err != nil {
		return nil, fmt.Errorf("failed to record tool usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.events.Publish(ctx, activity.Event{
		Type:    activity.EventToolExecuted,
		AgentID: r.CallerID,
		Payload: map[string]any{
			"reservation_id": r.ID.String(),
			"callee_id":      r.CalleeID.String(),
			"tool_name":      r.ToolName,
			"tokens_used":    actualTokens,
			"cost_lamports":  actualCost,
		},
	})

	return &CaptureResult{ActualCostLamports: actualCost, RefundedLamports: refund}, nil
}

// Release returns an active hold to the caller's available balance. A
// reservation that is no longer active is released harmlessly: the call
// reports released=false and changes nothing.
func (s *Service) Release(ctx context.Context, reservationID uuid.UUID, reason string) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var callerID uuid.UUID
	var reserved int64
	err = tx.QueryRow(ctx, `
		UPDATE reservations SET status = $1
		WHERE id = $2 AND status = $3
		RETURNING caller_id, reserved_lamports
	`, models.ReservationStatusReleased, reservationID, models.ReservationStatusActive).Scan(&callerID, &reserved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, s.releaseMiss(ctx, reservationID)
		}
		return false, fmt.Errorf("failed to release reservation: %w", err)
	}

	if err := s.ledger.ReleaseIn(ctx, tx, callerID, reserved); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info().
		Str("reservation_id", reservationID.String()).
		Str("caller_id", callerID.String()).
		Int64("released_lamports", reserved).
		Str("reason", reason).
		Msg("Reservation released")

	return true, nil
}

// releaseMiss distinguishes a repeat release (harmless no-op) from an
// unknown reservation id.
func (s *Service) releaseMiss(ctx context.Context, reservationID uuid.UUID) error {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM reservations WHERE id = $1)`, reservationID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check reservation existence: %w", err)
	}
	if !exists {
		return ErrReservationNotFound
	}
	return nil
}

// ExpireSweep transitions every timed-out active reservation to expired
// and returns its hold to the caller. Each row is swept in its own short
// transaction with the same status CAS as capture and release, so a sweep
// racing an in-flight capture loses cleanly. Returns the count actually
// expired.
func (s *Service) ExpireSweep(ctx context.Context) (int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM reservations
		WHERE status = $1 AND expires_at < NOW()
	`, models.ReservationStatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to query expired reservations: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to scan reservation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating expired reservations: %w", err)
	}

	expired := 0
	for _, id := range ids {
		ok, err := s.expireOne(ctx, id)
		if err != nil {
			s.log.Error().Err(err).Str("reservation_id", id.String()).Msg("Failed to expire reservation")
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, reservationID uuid.UUID) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var callerID uuid.UUID
	var reserved int64
	err = tx.QueryRow(ctx, `
		UPDATE reservations SET status = $1
		WHERE id = $2 AND status = $3 AND expires_at < NOW()
		RETURNING caller_id, reserved_lamports
	`, models.ReservationStatusExpired, reservationID, models.ReservationStatusActive).Scan(&callerID, &reserved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the race to a capture or release. Nothing to do.
			return false, nil
		}
		return false, fmt.Errorf("failed to expire reservation: %w", err)
	}

	if err := s.ledger.ReleaseIn(ctx, tx, callerID, reserved); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// GetAvailableBalance returns the caller's available bucket. Reserved and
// pending are excluded by definition.
func (s *Service) GetAvailableBalance(ctx context.Context, agentID uuid.UUID) (int64, error) {
	balance, err := s.ledger.GetBalance(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return balance.AvailableLamports, nil
}

// GetReservation retrieves a reservation by ID
func (s *Service) GetReservation(ctx context.Context, reservationID uuid.UUID) (*models.Reservation, error) {
	var r models.Reservation
	err := s.db.QueryRow(ctx, `
		SELECT id, caller_id, callee_id, tool_name, estimated_tokens, reserved_lamports,
		       rate_per_1k_tokens, status, captured_tokens, actual_cost_lamports,
		       refunded_lamports, created_at, expires_at
		FROM reservations WHERE id = $1
	`, reservationID).Scan(
		&r.ID, &r.CallerID, &r.CalleeID, &r.ToolName, &r.EstimatedTokens, &r.ReservedLamports,
		&r.RatePer1kTokens, &r.Status, &r.CapturedTokens, &r.ActualCostLamports,
		&r.RefundedLamports, &r.CreatedAt, &r.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return &r, nil
}
