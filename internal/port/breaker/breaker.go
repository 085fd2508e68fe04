package breaker

import (
	"context"

	domainagent "github.com/reverie/coord/internal/domain/agent"
	domainbreaker "github.com/reverie/coord/internal/domain/breaker"
)

// Store persists circuit-breaker records, created lazily on first use.
type Store interface {
	// Get returns the record for key, ok=false when none exists yet.
	Get(ctx context.Context, key domainbreaker.Key) (rec domainbreaker.Record, ok bool, err error)
	// Put upserts the full record.
	Put(ctx context.Context, rec domainbreaker.Record) error

	// AcquireTrial atomically claims the half-open single-trial slot:
	// sets trial_in_flight=true iff state=half_open and the slot is free.
	// ok=false when another dispatcher holds the trial.
	AcquireTrial(ctx context.Context, key domainbreaker.Key) (ok bool, err error)
	// ReleaseTrial frees the trial slot without changing state. Used when a
	// trial dispatch found no pending work after claiming the slot.
	ReleaseTrial(ctx context.Context, key domainbreaker.Key) error

	// DeleteByAgent removes all records for an agent, alongside agent GC.
	DeleteByAgent(ctx context.Context, key domainagent.Key) error

	// CountOpenByClass returns open-circuit counts per operation class.
	CountOpenByClass(ctx context.Context) (map[string]int, error)
}
