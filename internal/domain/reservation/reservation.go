package reservation

import (
	"errors"
	"time"

	domainagent "github.com/reverie/coord/internal/domain/agent"
)

var (
	// ErrDuplicateTask rejects an enqueue reusing an existing task id.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrNotFound is returned when no record exists for a task id.
	ErrNotFound = errors.New("task not found")
	// ErrReservationMismatch rejects an outcome report whose agent key does
	// not match the current reservation holder — a stale report from an agent
	// whose lease already expired and was reassigned.
	ErrReservationMismatch = errors.New("reservation held by different agent")
	// ErrTerminalState rejects writes to a completed or permanently failed record.
	ErrTerminalState = errors.New("task is in a terminal state")
)

type State string

const (
	StatePending         State = "pending"
	StateReserved        State = "reserved"
	StateCompleted       State = "completed"
	StateFailedPermanent State = "failed_permanent"
)

var validTransitions = map[State][]State{
	StatePending:         {StateReserved, StateFailedPermanent},
	StateReserved:        {StateCompleted, StatePending, StateFailedPermanent},
	StateCompleted:       {},
	StateFailedPermanent: {StatePending}, // explicit resubmit only
}

func (s State) CanTransitionTo(target State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailedPermanent
}

// Outcome is an agent's verdict on a finished reservation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

func (o Outcome) Valid() bool { return o == OutcomeSuccess || o == OutcomeFailure }

// TaskReservation is one unit of narrative-processing work and its current
// time-boxed claim. AttemptCount increments on every reservation and on every
// revert to pending, so it grows monotonically across the task's whole life.
type TaskReservation struct {
	TaskID       string           `json:"task_id"`
	Capability   string           `json:"capability"`
	PayloadRef   string           `json:"payload_ref"`
	State        State            `json:"state"`
	AgentKey     *domainagent.Key `json:"agent_key,omitempty"`
	ReservedAt   *time.Time       `json:"reserved_at,omitempty"`
	TTL          time.Duration    `json:"ttl_seconds"`
	AttemptCount int              `json:"attempt_count"`
	EnqueuedAt   time.Time        `json:"enqueued_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func New(taskID, capability, payloadRef string, ttl time.Duration, now time.Time) TaskReservation {
	return TaskReservation{
		TaskID:     taskID,
		Capability: capability,
		PayloadRef: payloadRef,
		State:      StatePending,
		TTL:        ttl,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
}

// ExpiresAt returns the reservation deadline, or zero time when unreserved.
func (t TaskReservation) ExpiresAt() time.Time {
	if t.ReservedAt == nil {
		return time.Time{}
	}
	return t.ReservedAt.Add(t.TTL)
}

// Expired reports whether a reserved lease has passed its deadline.
func (t TaskReservation) Expired(now time.Time) bool {
	return t.State == StateReserved && t.ReservedAt != nil && now.After(t.ExpiresAt())
}

// NextStateOnFailure decides where a failed or expired reservation goes:
// back to pending while attempts remain, terminal once attempt_count has
// reached maxAttempts. The same policy serves failure reports and expiry
// recovery.
func NextStateOnFailure(attemptCount, maxAttempts int) State {
	if attemptCount >= maxAttempts {
		return StateFailedPermanent
	}
	return StatePending
}

// HeldBy reports whether key currently holds the reservation.
func (t TaskReservation) HeldBy(key domainagent.Key) bool {
	return t.State == StateReserved && t.AgentKey != nil && *t.AgentKey == key
}
