package event

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeTaskEnqueued     Type = "task_enqueued"
	TypeTaskReserved     Type = "task_reserved"
	TypeTaskCompleted    Type = "task_completed"
	TypeTaskFailed       Type = "task_failed"
	TypeTaskRecovered    Type = "task_recovered"
	TypeTaskCancelled    Type = "task_cancelled"
	TypeAgentRegistered  Type = "agent_registered"
	TypeAgentHeartbeat   Type = "agent_heartbeat"
	TypeCircuitOpened    Type = "circuit_opened"
	TypeCircuitHalfOpen  Type = "circuit_half_open"
	TypeCircuitClosed    Type = "circuit_closed"
)

// Channel is a domain-scoped Postgres NOTIFY channel.
// All event types within a domain share one LISTEN connection.
type Channel string

const (
	ChannelTask    Channel = "task"
	ChannelAgent   Channel = "agent"
	ChannelBreaker Channel = "breaker"
)

var typeToChannel = map[Type]Channel{
	TypeTaskEnqueued:    ChannelTask,
	TypeTaskReserved:    ChannelTask,
	TypeTaskCompleted:   ChannelTask,
	TypeTaskFailed:      ChannelTask,
	TypeTaskRecovered:   ChannelTask,
	TypeTaskCancelled:   ChannelTask,
	TypeAgentRegistered: ChannelAgent,
	TypeAgentHeartbeat:  ChannelAgent,
	TypeCircuitOpened:   ChannelBreaker,
	TypeCircuitHalfOpen: ChannelBreaker,
	TypeCircuitClosed:   ChannelBreaker,
}

// ChannelFor returns the domain channel for a given event type.
func ChannelFor(t Type) Channel { return typeToChannel[t] }

// Event carries identifiers only, not full state. Subscribers fetch fresh
// state from the appropriate store. EntityID is the task id, agent key string,
// or breaker key string depending on the channel.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Type      Type      `json:"type"`
	EntityID  string    `json:"entity_id"`
	Timestamp time.Time `json:"timestamp"`
}

func New(eventType Type, entityID string) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		EntityID:  entityID,
		Timestamp: time.Now().UTC(),
	}
}
