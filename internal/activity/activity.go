package activity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Event types published on the activity channel.
const (
	EventToolExecuted        = "tool_executed"
	EventSettlementCompleted = "settlement_completed"
	EventBudgetChanged       = "budget_changed"
)

// Channel is the Redis pub/sub channel activity events are published on.
const Channel = "agentpay:activity"

// Event is a single activity notification. Payload carries event-specific
// fields and must be JSON-serializable.
type Event struct {
	Type      string         `json:"type"`
	AgentID   uuid.UUID      `json:"agent_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher broadcasts activity events over Redis pub/sub. Publishing is
// fire-and-forget: failures are logged and never propagate to the money
// path. A nil Publisher, or one constructed without a Redis client, drops
// every event silently.
type Publisher struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewPublisher creates an activity publisher. client may be nil, in which
// case publishing is a no-op.
func NewPublisher(client *redis.Client, log zerolog.Logger) *Publisher {
	return &Publisher{client: client, log: log}
}

// Publish sends an event on the activity channel. Errors are swallowed
// after logging.
func (p *Publisher) Publish(ctx context.Context, event Event) {
	if p == nil || p.client == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("event_type", event.Type).Msg("Failed to marshal activity event")
		return
	}

	if err := p.client.Publish(ctx, Channel, data).Err(); err != nil {
		p.log.Warn().Err(err).Str("event_type", event.Type).Msg("Failed to publish activity event")
	}
}

// Subscribe returns a Redis subscription on the activity channel, used by
// operator tooling to tail the event stream. The caller owns the returned
// subscription and must Close it.
func (p *Publisher) Subscribe(ctx context.Context) *redis.PubSub {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Subscribe(ctx, Channel)
}
