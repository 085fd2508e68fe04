package dispatch

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	domainagent "github.com/reverie/coord/internal/domain/agent"
	"github.com/reverie/coord/internal/domain/event"
	domainres "github.com/reverie/coord/internal/domain/reservation"
	portbus "github.com/reverie/coord/internal/port/eventbus"
	portlocker "github.com/reverie/coord/internal/port/locker"
	portres "github.com/reverie/coord/internal/port/reservation"
	breakersvc "github.com/reverie/coord/internal/service/breaker"
	registrysvc "github.com/reverie/coord/internal/service/registry"
)

// Config bounds the retry loop and sets the reservation lease length.
type Config struct {
	ReservationTTL time.Duration
	MaxAttempts    int
}

// Assignment is the result of a successful dispatch.
type Assignment struct {
	TaskID     string          `json:"task_id"`
	Capability string          `json:"capability"`
	PayloadRef string          `json:"payload_ref"`
	AgentKey   domainagent.Key `json:"agent_key"`
	Attempt    int             `json:"attempt"`
	ReservedAt time.Time       `json:"reserved_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// Service owns the task-reservation lifecycle: enqueue, dispatch, outcome
// reporting, cancellation, and resubmission. Dispatch runs inside a
// per-capability advisory lock so two concurrent callers can never reserve
// the same task, and every state write underneath is still a CAS.
type Service struct {
	store    portres.Store
	registry *registrysvc.Service
	breakers *breakersvc.Service
	locker   portlocker.AdvisoryLocker
	bus      portbus.EventBus
	cfg      Config
	now      func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(
	store portres.Store,
	registry *registrysvc.Service,
	breakers *breakersvc.Service,
	locker portlocker.AdvisoryLocker,
	bus portbus.EventBus,
	cfg Config,
	opts ...Option,
) *Service {
	s := &Service{
		store:    store,
		registry: registry,
		breakers: breakers,
		locker:   locker,
		bus:      bus,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue creates a pending record. Task ids come from the producer and must
// be unique; reuse is rejected with ErrDuplicateTask and leaves the original
// record untouched.
func (s *Service) Enqueue(ctx context.Context, taskID, capability, payloadRef string) (domainres.TaskReservation, error) {
	if taskID == "" || capability == "" {
		return domainres.TaskReservation{}, fmt.Errorf("enqueue: task_id and capability are required")
	}

	t := domainres.New(taskID, capability, payloadRef, s.cfg.ReservationTTL, s.now())
	if err := s.store.Create(ctx, t); err != nil {
		return domainres.TaskReservation{}, fmt.Errorf("enqueue: %w", err)
	}

	s.publish(ctx, event.TypeTaskEnqueued, taskID)
	return t, nil
}

// Get returns the current record for a task id.
func (s *Service) Get(ctx context.Context, taskID string) (domainres.TaskReservation, error) {
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return domainres.TaskReservation{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// Cancel is a producer-initiated terminal transition, valid from any
// non-terminal state. The circuit breaker is not charged.
func (s *Service) Cancel(ctx context.Context, taskID string) (domainres.TaskReservation, error) {
	t, err := s.store.Fail(ctx, taskID, s.now())
	if err != nil {
		return domainres.TaskReservation{}, fmt.Errorf("cancel: %w", err)
	}
	s.publish(ctx, event.TypeTaskCancelled, taskID)
	return t, nil
}

// Resubmit resets a failed_permanent task back to pending with a fresh
// attempt budget. This is the only exit from failed_permanent.
func (s *Service) Resubmit(ctx context.Context, taskID string) (domainres.TaskReservation, error) {
	t, err := s.store.Resubmit(ctx, taskID, s.now())
	if err != nil {
		return domainres.TaskReservation{}, fmt.Errorf("resubmit: %w", err)
	}
	s.publish(ctx, event.TypeTaskEnqueued, taskID)
	return t, nil
}

// DispatchNext atomically pairs the oldest pending task for capability with
// an eligible agent: alive per the registry, breaker not open, fewest held
// reservations as the tie-break. ok=false with nil error means no pending
// task or no eligible agent — a normal empty poll, never an error.
func (s *Service) DispatchNext(ctx context.Context, capability string) (Assignment, bool, error) {
	return s.dispatch(ctx, capability, nil)
}

// PollForWork is DispatchNext restricted to the polling agent: the candidate
// set is {caller} ∩ live ∩ breaker-eligible. Workers drive their own pull
// loop with this; the unrestricted form serves admin redispatch and tests.
func (s *Service) PollForWork(ctx context.Context, agentKey domainagent.Key, capability string) (Assignment, bool, error) {
	return s.dispatch(ctx, capability, &agentKey)
}

func (s *Service) dispatch(ctx context.Context, capability string, restrictTo *domainagent.Key) (Assignment, bool, error) {
	var (
		assignment Assignment
		assigned   bool
	)

	err := s.locker.WithLock(ctx, capabilityLockKey(capability), func(ctx context.Context) error {
		task, ok, err := s.store.OldestPending(ctx, capability)
		if err != nil {
			return fmt.Errorf("select pending task: %w", err)
		}
		if !ok {
			return nil
		}

		candidate, ok, err := s.selectAgent(ctx, capability, restrictTo)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		now := s.now()
		reserved, ok, err := s.store.Reserve(ctx, task.TaskID, candidate, now)
		if err != nil {
			s.breakers.ReleaseTrial(ctx, candidate, capability)
			return fmt.Errorf("reserve task: %w", err)
		}
		if !ok {
			// Lost a race despite the lock (e.g. producer cancelled mid-dispatch).
			s.breakers.ReleaseTrial(ctx, candidate, capability)
			return nil
		}

		assignment = Assignment{
			TaskID:     reserved.TaskID,
			Capability: reserved.Capability,
			PayloadRef: reserved.PayloadRef,
			AgentKey:   candidate,
			Attempt:    reserved.AttemptCount,
			ReservedAt: now,
			ExpiresAt:  now.Add(reserved.TTL),
		}
		assigned = true
		return nil
	})
	if err != nil {
		return Assignment{}, false, fmt.Errorf("dispatch next: %w", err)
	}
	if !assigned {
		return Assignment{}, false, nil
	}

	s.publish(ctx, event.TypeTaskReserved, assignment.TaskID)
	return assignment, true, nil
}

// selectAgent picks the least-loaded live agent whose breaker admits work.
// A claimed half-open trial slot is released again if a later candidate or
// the reservation CAS disqualifies the dispatch.
func (s *Service) selectAgent(ctx context.Context, capability string, restrictTo *domainagent.Key) (domainagent.Key, bool, error) {
	live, err := s.registry.ListLive(ctx, capability)
	if err != nil {
		return domainagent.Key{}, false, fmt.Errorf("list live agents: %w", err)
	}
	if len(live) == 0 {
		return domainagent.Key{}, false, nil
	}

	loads, err := s.store.CountReservedByAgent(ctx, capability)
	if err != nil {
		return domainagent.Key{}, false, fmt.Errorf("count reserved per agent: %w", err)
	}

	var (
		best     domainagent.Key
		bestLoad int
		found    bool
	)
	for _, rec := range live {
		if restrictTo != nil && rec.Key != *restrictTo {
			continue
		}
		load := loads[rec.Key]
		if found && load >= bestLoad {
			continue
		}
		eligible, err := s.breakers.Eligible(ctx, rec.Key, capability)
		if err != nil {
			return domainagent.Key{}, false, fmt.Errorf("breaker check: %w", err)
		}
		if !eligible {
			continue
		}
		if found {
			// A previously chosen candidate may hold a trial slot; free it.
			s.breakers.ReleaseTrial(ctx, best, capability)
		}
		best, bestLoad, found = rec.Key, load, true
	}
	return best, found, nil
}

// ReportOutcome applies an agent's verdict. Success completes the record and
// credits the breaker. Failure charges the breaker and reverts the task to
// pending while attempts remain, else parks it in failed_permanent. A report
// from an agent that no longer holds the reservation fails with
// ErrReservationMismatch and changes nothing.
func (s *Service) ReportOutcome(ctx context.Context, taskID string, agentKey domainagent.Key, outcome domainres.Outcome) (domainres.TaskReservation, error) {
	if !outcome.Valid() {
		return domainres.TaskReservation{}, fmt.Errorf("report outcome: invalid outcome %q", outcome)
	}

	if outcome == domainres.OutcomeSuccess {
		t, err := s.store.Complete(ctx, taskID, agentKey, s.now())
		if err != nil {
			return domainres.TaskReservation{}, fmt.Errorf("report outcome: %w", err)
		}
		if err := s.breakers.RecordSuccess(ctx, agentKey, t.Capability); err != nil {
			slog.ErrorContext(ctx, "failed to credit breaker", "task_id", taskID, "agent_key", agentKey, "error", err)
		}
		s.publish(ctx, event.TypeTaskCompleted, taskID)
		return t, nil
	}

	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return domainres.TaskReservation{}, fmt.Errorf("report outcome: %w", err)
	}
	if !t.HeldBy(agentKey) {
		if t.State.Terminal() {
			return t, fmt.Errorf("report outcome for %s: %w", taskID, domainres.ErrTerminalState)
		}
		return t, fmt.Errorf("report outcome for %s by %s: %w", taskID, agentKey, domainres.ErrReservationMismatch)
	}

	next := domainres.NextStateOnFailure(t.AttemptCount, s.cfg.MaxAttempts)
	released, ok, err := s.store.Release(ctx, taskID, agentKey, *t.ReservedAt, next, s.now())
	if err != nil {
		return domainres.TaskReservation{}, fmt.Errorf("report outcome: %w", err)
	}
	if !ok {
		// The reservation moved between Get and Release — stale report.
		return released, fmt.Errorf("report outcome for %s by %s: %w", taskID, agentKey, domainres.ErrReservationMismatch)
	}

	if err := s.breakers.RecordFailure(ctx, agentKey, t.Capability); err != nil {
		slog.ErrorContext(ctx, "failed to charge breaker", "task_id", taskID, "agent_key", agentKey, "error", err)
	}

	if released.State == domainres.StateFailedPermanent {
		slog.InfoContext(ctx, "task failed permanently", "task_id", taskID, "attempts", released.AttemptCount)
		s.publish(ctx, event.TypeTaskFailed, taskID)
	} else {
		s.publish(ctx, event.TypeTaskEnqueued, taskID)
	}
	return released, nil
}

// MaxAttempts exposes the retry bound to the recovery manager.
func (s *Service) MaxAttempts() int { return s.cfg.MaxAttempts }

func (s *Service) publish(ctx context.Context, t event.Type, taskID string) {
	if err := s.bus.Publish(ctx, event.New(t, taskID)); err != nil {
		slog.ErrorContext(ctx, "failed to publish task event", "type", t, "task_id", taskID, "error", err)
	}
}

// capabilityLockKey hashes a capability into an advisory-lock key so dispatch
// for different capabilities proceeds in parallel.
func capabilityLockKey(capability string) int64 {
	h := fnv.New64a()
	h.Write([]byte("dispatch/" + capability))
	return int64(h.Sum64())
}
