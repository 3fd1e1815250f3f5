package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/aimerfeng/AgentPay/internal/identity"
	"github.com/aimerfeng/AgentPay/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrPublicKeyTaken    = errors.New("public key already registered")
	ErrInvalidRate       = errors.New("rate must be non-negative")
	ErrAgentNotSuspended = errors.New("agent is not suspended")
	ErrAgentSuspended    = errors.New("agent is suspended")
)

// Service manages agent registration and rate configuration. Balance
// mutations live in the ledger service; agents are never hard-deleted,
// suspension is a status flag.
type Service struct {
	db       *pgxpool.Pool
	verifier identity.Verifier
	log      zerolog.Logger
}

// NewService creates a new agent service
func NewService(db *pgxpool.Pool, verifier identity.Verifier, log zerolog.Logger) *Service {
	return &Service{db: db, verifier: verifier, log: log}
}

// Register creates an agent after its identity has been verified.
func (s *Service) Register(ctx context.Context, publicKey string, defaultRatePer1kTokens int64) (*models.Agent, error) {
	if defaultRatePer1kTokens < 0 {
		return nil, ErrInvalidRate
	}
	if err := s.verifier.Verify(ctx, publicKey); err != nil {
		return nil, err
	}

	a := &models.Agent{
		ID:               uuid.New(),
		PublicKey:        publicKey,
		DefaultRatePer1k: defaultRatePer1kTokens,
		Status:           models.AgentStatusActive,
	}

	err := s.db.QueryRow(ctx, `
		INSERT INTO agents (id, public_key, default_rate_per_1k_tokens, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, a.ID, a.PublicKey, a.DefaultRatePer1k, a.Status).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrPublicKeyTaken
		}
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}

	s.log.Info().
		Str("agent_id", a.ID.String()).
		Str("public_key", publicKey).
		Int64("default_rate", defaultRatePer1kTokens).
		Msg("Agent registered")

	return a, nil
}

// Get retrieves an agent by ID
func (s *Service) Get(ctx context.Context, agentID uuid.UUID) (*models.Agent, error) {
	var a models.Agent
	err := s.db.QueryRow(ctx, `
		SELECT id, public_key, default_rate_per_1k_tokens,
		       available_lamports, reserved_lamports, pending_lamports,
		       max_cost_per_call, daily_spend_cap, is_paused, allowed_callees,
		       status, created_at, updated_at
		FROM agents WHERE id = $1
	`, agentID).Scan(
		&a.ID, &a.PublicKey, &a.DefaultRatePer1k,
		&a.AvailableLamports, &a.ReservedLamports, &a.PendingLamports,
		&a.MaxCostPerCall, &a.DailySpendCap, &a.IsPaused, &a.AllowedCallees,
		&a.Status, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &a, nil
}

// GetByPublicKey retrieves an agent by public key
func (s *Service) GetByPublicKey(ctx context.Context, publicKey string) (*models.Agent, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx, `SELECT id FROM agents WHERE public_key = $1`, publicKey).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to look up agent: %w", err)
	}
	return s.Get(ctx, id)
}

// SetDefaultRate updates the agent's default per-1k-token rate. Open
// quotes and active reservations keep the rate frozen at issue time.
func (s *Service) SetDefaultRate(ctx context.Context, agentID uuid.UUID, ratePer1kTokens int64) error {
	if ratePer1kTokens < 0 {
		return ErrInvalidRate
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET default_rate_per_1k_tokens = $1, updated_at = NOW() WHERE id = $2
	`, ratePer1kTokens, agentID)
	if err != nil {
		return fmt.Errorf("failed to set default rate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// SetToolRate creates or updates a per-tool rate override.
func (s *Service) SetToolRate(ctx context.Context, agentID uuid.UUID, toolName string, ratePer1kTokens int64) (*models.Tool, error) {
	if ratePer1kTokens < 0 {
		return nil, ErrInvalidRate
	}

	t := &models.Tool{
		ID:              uuid.New(),
		AgentID:         agentID,
		Name:            toolName,
		RatePer1kTokens: ratePer1kTokens,
	}

	err := s.db.QueryRow(ctx, `
		INSERT INTO tools (id, agent_id, name, rate_per_1k_tokens)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id, name)
		DO UPDATE SET rate_per_1k_tokens = EXCLUDED.rate_per_1k_tokens, updated_at = NOW()
		RETURNING id, created_at, updated_at
	`, t.ID, t.AgentID, t.Name, t.RatePer1kTokens).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to set tool rate: %w", err)
	}
	return t, nil
}

// ClearToolRate removes a per-tool override so pricing falls back to the
// agent's default rate.
func (s *Service) ClearToolRate(ctx context.Context, agentID uuid.UUID, toolName string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM tools WHERE agent_id = $1 AND name = $2
	`, agentID, toolName)
	if err != nil {
		return fmt.Errorf("failed to clear tool rate: %w", err)
	}
	return nil
}

// ListTools returns an agent's rate overrides.
func (s *Service) ListTools(ctx context.Context, agentID uuid.UUID) ([]models.Tool, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, name, rate_per_1k_tokens, created_at, updated_at
		FROM tools WHERE agent_id = $1 ORDER BY name
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	defer rows.Close()

	var tools []models.Tool
	for rows.Next() {
		var t models.Tool
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Name, &t.RatePer1kTokens, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool: %w", err)
		}
		tools = append(tools, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tools: %w", err)
	}
	return tools, nil
}

// Suspend marks an agent suspended. Balances are retained; the agent
// can no longer be called or settled until reactivated.
func (s *Service) Suspend(ctx context.Context, agentID uuid.UUID, reason string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, models.AgentStatusSuspended, agentID, models.AgentStatusActive)
	if err != nil {
		return fmt.Errorf("failed to suspend agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.suspendMiss(ctx, agentID, true)
	}

	s.log.Warn().Str("agent_id", agentID.String()).Str("reason", reason).Msg("Agent suspended")
	return nil
}

// Reactivate returns a suspended agent to active status.
func (s *Service) Reactivate(ctx context.Context, agentID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, models.AgentStatusActive, agentID, models.AgentStatusSuspended)
	if err != nil {
		return fmt.Errorf("failed to reactivate agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.suspendMiss(ctx, agentID, false)
	}

	s.log.Info().Str("agent_id", agentID.String()).Msg("Agent reactivated")
	return nil
}

func (s *Service) suspendMiss(ctx context.Context, agentID uuid.UUID, wantActive bool) error {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM agents WHERE id = $1)`, agentID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check agent existence: %w", err)
	}
	if !exists {
		return ErrAgentNotFound
	}
	if wantActive {
		return ErrAgentSuspended
	}
	return ErrAgentNotSuspended
}
