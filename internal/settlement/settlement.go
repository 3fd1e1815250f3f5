package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aimerfeng/AgentPay/internal/activity"
	"github.com/aimerfeng/AgentPay/internal/ledger"
	"github.com/aimerfeng/AgentPay/internal/models"
	"github.com/aimerfeng/AgentPay/internal/monitoring"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

var (
	ErrNotEligible        = errors.New("pending earnings below minimum payout")
	ErrSettlementInFlight = errors.New("a settlement is already in flight for this agent")
	ErrSettlementNotFound = errors.New("settlement not found")
)

// PayoutError is the sanitized failure returned to callers when the
// payout function fails. The raw cause never crosses this boundary; it
// is logged and stored against the settlement row under CorrelationID.
type PayoutError struct {
	CorrelationID string
}

func (e *PayoutError) Error() string {
	return fmt.Sprintf("payout failed, reference %s", e.CorrelationID)
}

// PayoutFunc moves net earnings to an agent on the external chain and
// returns the transaction signature. It is the engine's sole point of
// contact with the chain and is treated as opaque: it may block on
// network I/O and may fail.
type PayoutFunc func(ctx context.Context, agentID uuid.UUID, lamports int64) (string, error)

// Config holds settlement parameters.
type Config struct {
	PlatformFeeBps    int64
	MinPayoutLamports int64
}

// Service flushes accumulated pending earnings to the chain. Per-agent
// concurrency is serialized by the partial unique index on pending
// settlements rather than a lock: inserting a second in-flight row
// fails, so only one settlement can hold an agent's pending balance.
type Service struct {
	db      *pgxpool.Pool
	ledger  *ledger.Service
	payout  PayoutFunc
	breaker *gobreaker.CircuitBreaker
	cfg     Config
	events  *activity.Publisher
	log     zerolog.Logger
}

// NewService creates a new settlement service. The payout function is
// wrapped in a circuit breaker so a failing chain endpoint sheds load
// instead of piling up failed settlement rows.
func NewService(db *pgxpool.Pool, ledgerSvc *ledger.Service, payout PayoutFunc, cfg Config, events *activity.Publisher, log zerolog.Logger) *Service {
	s := &Service{
		db:     db,
		ledger: ledgerSvc,
		payout: payout,
		cfg:    cfg,
		events: events,
		log:    log,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "settlement-payout",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("circuit_breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Payout circuit breaker state changed")
		},
	})
	return s
}

// CheckEligibility reports whether the agent's pending earnings meet the
// minimum payout.
func (s *Service) CheckEligibility(ctx context.Context, agentID uuid.UUID) (bool, error) {
	balance, err := s.ledger.GetBalance(ctx, agentID)
	if err != nil {
		return false, err
	}
	return balance.PendingLamports >= s.cfg.MinPayoutLamports, nil
}

// platformFee computes floor(gross*bps/10000) in split form so the
// intermediate product cannot wrap int64 on a large pending balance.
func platformFee(gross, bps int64) int64 {
	return gross/10000*bps + gross%10000*bps/10000
}

// SettleAgent settles the agent's full pending balance: deduct the
// platform fee, pay out the net amount, and move the gross out of
// pending on success. fee + net == gross exactly. On payout failure the
// pending balance is left untouched so the agent stays eligible for a
// retry, and the caller receives a sanitized PayoutError.
func (s *Service) SettleAgent(ctx context.Context, agentID uuid.UUID) (*models.Settlement, error) {
	balance, err := s.ledger.GetBalance(ctx, agentID)
	if err != nil {
		return nil, err
	}
	gross := balance.PendingLamports
	if gross < s.cfg.MinPayoutLamports {
		return nil, ErrNotEligible
	}

	fee := platformFee(gross, s.cfg.PlatformFeeBps)
	net := gross - fee

	settlement := &models.Settlement{
		ID:                  uuid.New(),
		AgentID:             agentID,
		GrossLamports:       gross,
		PlatformFeeLamports: fee,
		NetLamports:         net,
		Status:              models.SettlementStatusPending,
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO settlements (id, agent_id, gross_lamports, platform_fee_lamports, net_lamports, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, settlement.ID, settlement.AgentID, settlement.GrossLamports,
		settlement.PlatformFeeLamports, settlement.NetLamports, settlement.Status).Scan(&settlement.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrSettlementInFlight
		}
		return nil, fmt.Errorf("failed to create settlement: %w", err)
	}

	payoutStart := time.Now()
	sig, err := s.breaker.Execute(func() (interface{}, error) {
		return s.payout(ctx, agentID, net)
	})
	monitoring.RecordPayoutDuration(time.Since(payoutStart))
	if err != nil {
		return nil, s.markFailed(ctx, settlement, err)
	}
	txSignature := sig.(string)

	if err := s.confirm(ctx, settlement, txSignature); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("settlement_id", settlement.ID.String()).
		Str("agent_id", agentID.String()).
		Int64("gross_lamports", gross).
		Int64("net_lamports", net).
		Str("tx_signature", txSignature).
		Msg("Settlement confirmed")

	s.events.Publish(ctx, activity.Event{
		Type:    activity.EventSettlementCompleted,
		AgentID: agentID,
		Payload: map[string]any{
			"settlement_id":  settlement.ID.String(),
			"gross_lamports": gross,
			"net_lamports":   net,
			"tx_signature":   txSignature,
		},
	})

	return settlement, nil
}

// confirm finalizes a successful payout: move the gross out of pending,
// stamp the signature, and accumulate the platform fee, atomically.
func (s *Service) confirm(ctx context.Context, settlement *models.Settlement, txSignature string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ledger.SettleOutIn(ctx, tx, settlement.AgentID, settlement.GrossLamports); err != nil {
		return err
	}

	now := time.Now()
	tag, err := tx.Exec(ctx, `
		UPDATE settlements
		SET status = $1, tx_signature = $2, confirmed_at = $3
		WHERE id = $4 AND status = $5
	`, models.SettlementStatusConfirmed, txSignature, now,
		settlement.ID, models.SettlementStatusPending)
	if err != nil {
		return fmt.Errorf("failed to confirm settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("settlement %s no longer pending", settlement.ID)
	}

	_, err = tx.Exec(ctx, `
		UPDATE platform_revenue
		SET total_fee_lamports = total_fee_lamports + $1,
		    settlement_count   = settlement_count + 1,
		    updated_at         = NOW()
		WHERE id = 1
	`, settlement.PlatformFeeLamports)
	if err != nil {
		return fmt.Errorf("failed to accumulate platform fee: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	settlement.Status = models.SettlementStatusConfirmed
	settlement.TxSignature = &txSignature
	settlement.ConfirmedAt = &now
	return nil
}

// markFailed records the payout failure and returns the sanitized error.
// Pending earnings are not touched.
func (s *Service) markFailed(ctx context.Context, settlement *models.Settlement, cause error) error {
	correlationID := uuid.New().String()

	s.log.Error().
		Err(cause).
		Str("settlement_id", settlement.ID.String()).
		Str("agent_id", settlement.AgentID.String()).
		Str("correlation_id", correlationID).
		Msg("Payout failed")

	_, err := s.db.Exec(ctx, `
		UPDATE settlements
		SET status = $1, failure_reason = $2, failed_at = NOW()
		WHERE id = $3 AND status = $4
	`, models.SettlementStatusFailed, fmt.Sprintf("ref %s: %v", correlationID, cause),
		settlement.ID, models.SettlementStatusPending)
	if err != nil {
		s.log.Error().Err(err).
			Str("settlement_id", settlement.ID.String()).
			Msg("Failed to mark settlement failed")
	}

	return &PayoutError{CorrelationID: correlationID}
}

// BatchResult summarizes one settlement pass over all eligible agents.
type BatchResult struct {
	Eligible int   `json:"eligible"`
	Settled  int   `json:"settled"`
	Failed   int   `json:"failed"`
	Skipped  int   `json:"skipped"`
	NetTotal int64 `json:"net_total_lamports"`
	FeeTotal int64 `json:"fee_total_lamports"`
}

// SettleEligible settles every active agent whose pending earnings meet
// the minimum payout. Per-agent failures are counted, not fatal: the
// rest of the batch proceeds.
func (s *Service) SettleEligible(ctx context.Context) (*BatchResult, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM agents
		WHERE pending_lamports >= $1 AND status = $2
	`, s.cfg.MinPayoutLamports, models.AgentStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible agents: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating eligible agents: %w", err)
	}

	result := &BatchResult{Eligible: len(ids)}
	for _, id := range ids {
		settlement, err := s.SettleAgent(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSettlementInFlight) || errors.Is(err, ErrNotEligible) {
				result.Skipped++
				continue
			}
			result.Failed++
			continue
		}
		result.Settled++
		result.NetTotal += settlement.NetLamports
		result.FeeTotal += settlement.PlatformFeeLamports
	}
	return result, nil
}

// GetSettlement retrieves a settlement by ID
func (s *Service) GetSettlement(ctx context.Context, settlementID uuid.UUID) (*models.Settlement, error) {
	var m models.Settlement
	err := s.db.QueryRow(ctx, `
		SELECT id, agent_id, gross_lamports, platform_fee_lamports, net_lamports,
		       tx_signature, status, failure_reason, created_at, confirmed_at, failed_at
		FROM settlements WHERE id = $1
	`, settlementID).Scan(
		&m.ID, &m.AgentID, &m.GrossLamports, &m.PlatformFeeLamports, &m.NetLamports,
		&m.TxSignature, &m.Status, &m.FailureReason, &m.CreatedAt, &m.ConfirmedAt, &m.FailedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return &m, nil
}

// GetHistory returns an agent's settlements, newest first.
func (s *Service) GetHistory(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]models.Settlement, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, gross_lamports, platform_fee_lamports, net_lamports,
		       tx_signature, status, failure_reason, created_at, confirmed_at, failed_at
		FROM settlements
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var settlements []models.Settlement
	for rows.Next() {
		var m models.Settlement
		if err := rows.Scan(&m.ID, &m.AgentID, &m.GrossLamports, &m.PlatformFeeLamports, &m.NetLamports,
			&m.TxSignature, &m.Status, &m.FailureReason, &m.CreatedAt, &m.ConfirmedAt, &m.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		settlements = append(settlements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settlements: %w", err)
	}
	return settlements, nil
}

// Summary is a reporting view of an agent's confirmed settlements. The
// effective fee rate and SOL amounts are display-only; every balance
// mutation stays in integer lamports.
type Summary struct {
	AgentID          uuid.UUID       `json:"agent_id"`
	SettlementCount  int64           `json:"settlement_count"`
	GrossLamports    int64           `json:"gross_lamports"`
	FeeLamports      int64           `json:"fee_lamports"`
	NetLamports      int64           `json:"net_lamports"`
	NetSOL           decimal.Decimal `json:"net_sol"`
	EffectiveFeeRate decimal.Decimal `json:"effective_fee_rate"`
}

// GetSummary aggregates an agent's confirmed settlements for reporting.
func (s *Service) GetSummary(ctx context.Context, agentID uuid.UUID) (*Summary, error) {
	summary := &Summary{AgentID: agentID}
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(gross_lamports), 0),
		       COALESCE(SUM(platform_fee_lamports), 0), COALESCE(SUM(net_lamports), 0)
		FROM settlements
		WHERE agent_id = $1 AND status = $2
	`, agentID, models.SettlementStatusConfirmed).Scan(
		&summary.SettlementCount, &summary.GrossLamports, &summary.FeeLamports, &summary.NetLamports,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate settlements: %w", err)
	}

	summary.NetSOL = models.LamportsToSOL(summary.NetLamports)
	if summary.GrossLamports > 0 {
		summary.EffectiveFeeRate = decimal.NewFromInt(summary.FeeLamports).
			Div(decimal.NewFromInt(summary.GrossLamports)).Round(6)
	}
	return summary, nil
}

// GetPlatformRevenue returns the accumulated platform fee total.
func (s *Service) GetPlatformRevenue(ctx context.Context) (*models.PlatformRevenue, error) {
	var r models.PlatformRevenue
	err := s.db.QueryRow(ctx, `
		SELECT total_fee_lamports, settlement_count, updated_at FROM platform_revenue WHERE id = 1
	`).Scan(&r.TotalFeeLamports, &r.SettlementCount, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get platform revenue: %w", err)
	}
	return &r, nil
}
