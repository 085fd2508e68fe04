package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	domainagent "github.com/reverie/coord/internal/domain/agent"
	domainres "github.com/reverie/coord/internal/domain/reservation"
)

type ReservationStore struct {
	mu    sync.Mutex
	tasks map[string]domainres.TaskReservation
}

func NewReservationStore() *ReservationStore {
	return &ReservationStore{tasks: make(map[string]domainres.TaskReservation)}
}

func (s *ReservationStore) Create(_ context.Context, t domainres.TaskReservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.TaskID]; exists {
		return fmt.Errorf("create task %s: %w", t.TaskID, domainres.ErrDuplicateTask)
	}
	s.tasks[t.TaskID] = t
	return nil
}

func (s *ReservationStore) Get(_ context.Context, taskID string) (domainres.TaskReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(taskID)
}

func (s *ReservationStore) get(taskID string) (domainres.TaskReservation, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return domainres.TaskReservation{}, fmt.Errorf("task %s: %w", taskID, domainres.ErrNotFound)
	}
	return t, nil
}

func (s *ReservationStore) Reserve(_ context.Context, taskID string, key domainagent.Key, now time.Time) (domainres.TaskReservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(taskID)
	if err != nil {
		return domainres.TaskReservation{}, false, err
	}
	if t.State != domainres.StatePending {
		return t, false, nil
	}
	t.State = domainres.StateReserved
	t.AgentKey = &key
	reservedAt := now
	t.ReservedAt = &reservedAt
	t.AttemptCount++
	t.UpdatedAt = now
	s.tasks[taskID] = t
	return t, true, nil
}

func (s *ReservationStore) Complete(_ context.Context, taskID string, key domainagent.Key, now time.Time) (domainres.TaskReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(taskID)
	if err != nil {
		return domainres.TaskReservation{}, err
	}
	if t.State.Terminal() {
		return t, fmt.Errorf("complete task %s: %w", taskID, domainres.ErrTerminalState)
	}
	if !t.HeldBy(key) {
		return t, fmt.Errorf("complete task %s by %s: %w", taskID, key, domainres.ErrReservationMismatch)
	}
	t.State = domainres.StateCompleted
	t.UpdatedAt = now
	s.tasks[taskID] = t
	return t, nil
}

func (s *ReservationStore) Release(_ context.Context, taskID string, key domainagent.Key, reservedAt time.Time, to domainres.State, now time.Time) (domainres.TaskReservation, bool, error) {
	if to != domainres.StatePending && to != domainres.StateFailedPermanent {
		return domainres.TaskReservation{}, false, fmt.Errorf("release task %s: invalid target state %s", taskID, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(taskID)
	if err != nil {
		return domainres.TaskReservation{}, false, err
	}
	if !t.HeldBy(key) || t.ReservedAt == nil || !t.ReservedAt.Equal(reservedAt) {
		return t, false, nil
	}
	t.State = to
	t.AgentKey = nil
	t.ReservedAt = nil
	if to == domainres.StatePending {
		t.AttemptCount++
	}
	t.UpdatedAt = now
	s.tasks[taskID] = t
	return t, true, nil
}

func (s *ReservationStore) Fail(_ context.Context, taskID string, now time.Time) (domainres.TaskReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(taskID)
	if err != nil {
		return domainres.TaskReservation{}, err
	}
	if t.State.Terminal() {
		return t, fmt.Errorf("cancel task %s: %w", taskID, domainres.ErrTerminalState)
	}
	t.State = domainres.StateFailedPermanent
	t.AgentKey = nil
	t.ReservedAt = nil
	t.UpdatedAt = now
	s.tasks[taskID] = t
	return t, nil
}

func (s *ReservationStore) Resubmit(_ context.Context, taskID string, now time.Time) (domainres.TaskReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(taskID)
	if err != nil {
		return domainres.TaskReservation{}, err
	}
	if t.State != domainres.StateFailedPermanent {
		return t, fmt.Errorf("resubmit task %s in state %s: %w", taskID, t.State, domainres.ErrTerminalState)
	}
	t.State = domainres.StatePending
	t.AttemptCount = 0
	t.UpdatedAt = now
	s.tasks[taskID] = t
	return t, nil
}

func (s *ReservationStore) OldestPending(_ context.Context, capability string) (domainres.TaskReservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest domainres.TaskReservation
	found := false
	for _, t := range s.tasks {
		if t.State != domainres.StatePending || t.Capability != capability {
			continue
		}
		if !found || t.EnqueuedAt.Before(oldest.EnqueuedAt) {
			oldest = t
			found = true
		}
	}
	return oldest, found, nil
}

func (s *ReservationStore) CountReservedByAgent(_ context.Context, capability string) (map[domainagent.Key]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domainagent.Key]int)
	for _, t := range s.tasks {
		if t.State == domainres.StateReserved && t.AgentKey != nil {
			counts[*t.AgentKey]++
		}
	}
	// Capability scoping is not needed for correctness here: load is load,
	// whatever class of work produced it. The postgres adapter behaves the same.
	_ = capability
	return counts, nil
}

func (s *ReservationStore) ListExpired(_ context.Context, now time.Time) ([]domainres.TaskReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domainres.TaskReservation
	for _, t := range s.tasks {
		if t.Expired(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *ReservationStore) CountByState(_ context.Context) (map[string]map[domainres.State]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]map[domainres.State]int)
	for _, t := range s.tasks {
		byState, ok := counts[t.Capability]
		if !ok {
			byState = make(map[domainres.State]int)
			counts[t.Capability] = byState
		}
		byState[t.State]++
	}
	return counts, nil
}
