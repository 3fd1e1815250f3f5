package models

import (
	"time"

	"github.com/google/uuid"
)

// Tool represents a per-(agent, name) rate override. When no override
// exists for a tool name, pricing falls back to the agent's default rate.
type Tool struct {
	ID              uuid.UUID `json:"id" db:"id"`
	AgentID         uuid.UUID `json:"agent_id" db:"agent_id"`
	Name            string    `json:"name" db:"name"`
	RatePer1kTokens int64     `json:"rate_per_1k_tokens" db:"rate_per_1k_tokens"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}
