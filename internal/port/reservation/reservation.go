package reservation

import (
	"context"
	"time"

	domainagent "github.com/reverie/coord/internal/domain/agent"
	domainres "github.com/reverie/coord/internal/domain/reservation"
)

// Store persists task reservations. Every state transition below is a
// compare-and-swap guarded on the record's current state (and holder, where
// noted) so concurrent dispatchers, agents, and the recovery manager can
// never double-apply a transition.
type Store interface {
	// Create inserts a new pending record.
	// Returns domain/reservation.ErrDuplicateTask when the id already exists.
	Create(ctx context.Context, t domainres.TaskReservation) error
	Get(ctx context.Context, taskID string) (domainres.TaskReservation, error)

	// Reserve transitions pending→reserved for the given agent, sets
	// reserved_at=now and increments attempt_count. ok=false (no error) when
	// the record is no longer pending — another dispatcher won the race.
	Reserve(ctx context.Context, taskID string, key domainagent.Key, now time.Time) (t domainres.TaskReservation, ok bool, err error)

	// Complete transitions reserved→completed iff key holds the reservation.
	// Returns ErrReservationMismatch when held by a different agent and
	// ErrTerminalState when already terminal.
	Complete(ctx context.Context, taskID string, key domainagent.Key, now time.Time) (domainres.TaskReservation, error)

	// Release reverts reserved→pending (attempt_count++) or
	// reserved→failed_permanent, iff key holds the reservation. Guarding on
	// reservedAt makes expiry recovery idempotent: a record re-reserved since
	// the scan no longer matches and is left alone (ok=false).
	Release(ctx context.Context, taskID string, key domainagent.Key, reservedAt time.Time, to domainres.State, now time.Time) (t domainres.TaskReservation, ok bool, err error)

	// Fail transitions any non-terminal state directly to failed_permanent.
	// Producer-initiated cancellation uses this.
	Fail(ctx context.Context, taskID string, now time.Time) (domainres.TaskReservation, error)

	// Resubmit resets failed_permanent→pending with attempt_count=0.
	Resubmit(ctx context.Context, taskID string, now time.Time) (domainres.TaskReservation, error)

	// OldestPending returns the oldest pending record for a capability,
	// ok=false when the queue is empty.
	OldestPending(ctx context.Context, capability string) (t domainres.TaskReservation, ok bool, err error)

	// CountReservedByAgent returns how many reservations each agent currently
	// holds, for the dispatcher's least-loaded tie-break.
	CountReservedByAgent(ctx context.Context, capability string) (map[domainagent.Key]int, error)

	// ListExpired returns reserved records whose lease deadline passed.
	ListExpired(ctx context.Context, now time.Time) ([]domainres.TaskReservation, error)

	// CountByState returns record counts grouped by capability and state,
	// for the diagnostics projection.
	CountByState(ctx context.Context) (map[string]map[domainres.State]int, error)
}
