package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	domainagent "github.com/reverie/coord/internal/domain/agent"
	"github.com/reverie/coord/internal/domain/event"
	domainres "github.com/reverie/coord/internal/domain/reservation"
	portbreaker "github.com/reverie/coord/internal/port/breaker"
	portbus "github.com/reverie/coord/internal/port/eventbus"
	portnotifier "github.com/reverie/coord/internal/port/notifier"
	portregistry "github.com/reverie/coord/internal/port/registry"
	portres "github.com/reverie/coord/internal/port/reservation"
	breakersvc "github.com/reverie/coord/internal/service/breaker"
	registrysvc "github.com/reverie/coord/internal/service/registry"
)

// Service reclaims expired reservations and garbage-collects agents that
// stopped heartbeating long ago. Both operations are pure scans over store
// state: safe to run on a timer, from the admin endpoint, or both at once —
// a record recovered by one pass is no longer reserved and the next pass
// skips it.
type Service struct {
	reservations portres.Store
	agents       portregistry.AgentStore
	breakerStore portbreaker.Store
	registry     *registrysvc.Service
	breakers     *breakersvc.Service
	notifier     portnotifier.AgentNotifier
	bus          portbus.EventBus
	maxAttempts  int
	now          func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(
	reservations portres.Store,
	agents portregistry.AgentStore,
	breakerStore portbreaker.Store,
	registry *registrysvc.Service,
	breakers *breakersvc.Service,
	notifier portnotifier.AgentNotifier,
	bus portbus.EventBus,
	maxAttempts int,
	opts ...Option,
) *Service {
	s := &Service{
		reservations: reservations,
		agents:       agents,
		breakerStore: breakerStore,
		registry:     registry,
		breakers:     breakers,
		notifier:     notifier,
		bus:          bus,
		maxAttempts:  maxAttempts,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverExpired reverts reserved records whose lease deadline passed,
// applying the same retry policy as a failure report. A non-nil scope limits
// recovery to one agent's reservations. Returns reclaimed counts per agent.
func (s *Service) RecoverExpired(ctx context.Context, scope *domainagent.Key) (map[domainagent.Key]int, error) {
	now := s.now()
	expired, err := s.reservations.ListExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("recover expired: %w", err)
	}

	recovered := make(map[domainagent.Key]int)
	for _, t := range expired {
		if t.AgentKey == nil || t.ReservedAt == nil {
			continue
		}
		holder := *t.AgentKey
		if scope != nil && holder != *scope {
			continue
		}

		next := domainres.NextStateOnFailure(t.AttemptCount, s.maxAttempts)
		released, ok, err := s.reservations.Release(ctx, t.TaskID, holder, *t.ReservedAt, next, now)
		if err != nil {
			slog.ErrorContext(ctx, "recovery: release failed", "task_id", t.TaskID, "error", err)
			continue
		}
		if !ok {
			// Re-reserved or completed since the scan — nothing to reclaim.
			continue
		}
		recovered[holder]++

		// An expired lease counts against the holder exactly like a reported
		// failure would have.
		if err := s.breakers.RecordFailure(ctx, holder, t.Capability); err != nil {
			slog.ErrorContext(ctx, "recovery: breaker charge failed", "task_id", t.TaskID, "agent_key", holder, "error", err)
		}

		// Best-effort heads-up to a still-connected holder so it stops
		// working on a lease it no longer owns.
		if err := s.notifier.NotifyAgent(ctx, holder, map[string]string{
			"event":   "reservation_recovered",
			"task_id": t.TaskID,
		}); err != nil {
			slog.ErrorContext(ctx, "recovery: notify failed", "agent_key", holder, "error", err)
		}

		if released.State == domainres.StateFailedPermanent {
			s.publish(ctx, event.TypeTaskFailed, t.TaskID)
		} else {
			s.publish(ctx, event.TypeTaskRecovered, t.TaskID)
		}
		slog.InfoContext(ctx, "recovery: reservation reclaimed",
			"task_id", t.TaskID, "agent_key", holder, "state", released.State, "attempts", released.AttemptCount)
	}
	return recovered, nil
}

// CollectGarbage deletes agents stale beyond the grace multiple, along with
// their breaker records. Reservations are untouched: an expired lease is the
// recovery scan's job, and a stale agent cannot hold an unexpired one longer
// than a TTL.
func (s *Service) CollectGarbage(ctx context.Context) (int, error) {
	collectable, err := s.registry.Collectable(ctx)
	if err != nil {
		return 0, fmt.Errorf("collect garbage: %w", err)
	}

	removed := 0
	for _, rec := range collectable {
		if err := s.breakerStore.DeleteByAgent(ctx, rec.Key); err != nil {
			slog.ErrorContext(ctx, "gc: breaker delete failed", "agent_key", rec.Key, "error", err)
			continue
		}
		if err := s.agents.Delete(ctx, rec.Key); err != nil {
			slog.ErrorContext(ctx, "gc: agent delete failed", "agent_key", rec.Key, "error", err)
			continue
		}
		removed++
		slog.InfoContext(ctx, "gc: stale agent removed", "agent_key", rec.Key)
	}
	return removed, nil
}

func (s *Service) publish(ctx context.Context, t event.Type, taskID string) {
	if err := s.bus.Publish(ctx, event.New(t, taskID)); err != nil {
		slog.ErrorContext(ctx, "recovery: failed to publish event", "type", t, "task_id", taskID, "error", err)
	}
}
