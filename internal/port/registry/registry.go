package registry

import (
	"context"
	"time"

	domainagent "github.com/reverie/coord/internal/domain/agent"
)

// AgentStore persists the heartbeat ledger and capability sets.
// Liveness is never stored — callers derive it from LastHeartbeatAt.
type AgentStore interface {
	// Upsert creates or overwrites the record for rec.Key. On overwrite the
	// capability set is replaced; RegisteredAt and the newest heartbeat win.
	Upsert(ctx context.Context, rec domainagent.Record) (domainagent.Record, error)
	Get(ctx context.Context, key domainagent.Key) (domainagent.Record, error)
	// Heartbeat sets last_heartbeat_at for an existing key.
	// Returns domain/agent.ErrUnknownAgent if the key was never registered.
	Heartbeat(ctx context.Context, key domainagent.Key, at time.Time) error
	List(ctx context.Context) ([]domainagent.Record, error)
	// ListByCapability returns all records whose capability set contains
	// capability, regardless of liveness. The registry filters by heartbeat.
	ListByCapability(ctx context.Context, capability string) ([]domainagent.Record, error)
	// Delete removes a garbage-collected record.
	Delete(ctx context.Context, key domainagent.Key) error
}
