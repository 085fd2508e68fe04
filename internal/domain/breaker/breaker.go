package breaker

import (
	"time"

	domainagent "github.com/reverie/coord/internal/domain/agent"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Key scopes breaker state to one agent and one operation class, so a worker
// failing at safety validation can keep serving narrative generation.
type Key struct {
	Agent domainagent.Key `json:"agent"`
	Class string          `json:"class"`
}

func (k Key) String() string { return k.Agent.String() + "/" + k.Class }

// Config holds per-operation-class thresholds. Safety-validation classes run
// tighter thresholds than narrative generation; see wire for the env mapping.
type Config struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

var DefaultConfig = Config{
	Threshold: 5,
	Window:    time.Minute,
	Cooldown:  30 * time.Second,
}

// Record is one breaker state machine. Mutation happens only through the
// methods below; the dispatcher reads eligibility, outcome reports write.
type Record struct {
	Key             Key        `json:"key"`
	State           State      `json:"state"`
	FailureCount    int        `json:"failure_count"`
	WindowStartedAt time.Time  `json:"failure_window_started_at"`
	OpenedAt        *time.Time `json:"opened_at,omitempty"`
	TrialInFlight   bool       `json:"trial_in_flight"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func New(key Key, now time.Time) Record {
	return Record{
		Key:             key,
		State:           StateClosed,
		WindowStartedAt: now,
		UpdatedAt:       now,
	}
}

// Refresh applies the lazy open→half_open transition. There is no background
// timer: the next eligibility check after the cooldown performs the move.
func (r *Record) Refresh(now time.Time, cfg Config) {
	if r.State == StateOpen && r.OpenedAt != nil && now.Sub(*r.OpenedAt) >= cfg.Cooldown {
		r.State = StateHalfOpen
		r.TrialInFlight = false
		r.UpdatedAt = now
	}
}

// Eligible reports whether dispatch may consider this key at all. Half-open
// is eligible in principle; the single-trial slot is enforced separately via
// a store CAS, not here, so concurrent dispatchers cannot race into parallel
// trials.
func (r *Record) Eligible(now time.Time, cfg Config) bool {
	r.Refresh(now, cfg)
	return r.State != StateOpen
}

// RecordSuccess closes a half-open breaker and clears the failure window.
func (r *Record) RecordSuccess(now time.Time) {
	switch r.State {
	case StateHalfOpen:
		r.State = StateClosed
		r.FailureCount = 0
		r.WindowStartedAt = now
		r.OpenedAt = nil
		r.TrialInFlight = false
	case StateClosed:
		r.FailureCount = 0
		r.WindowStartedAt = now
	}
	r.UpdatedAt = now
}

// RecordFailure advances the state machine on a failure outcome and reports
// whether the breaker opened as a result.
func (r *Record) RecordFailure(now time.Time, cfg Config) (opened bool) {
	switch r.State {
	case StateHalfOpen:
		// Trial failed: reopen and restart the cooldown.
		r.State = StateOpen
		openedAt := now
		r.OpenedAt = &openedAt
		r.TrialInFlight = false
		r.UpdatedAt = now
		return true
	case StateOpen:
		r.UpdatedAt = now
		return false
	default:
		// Rolling window: failures older than the window do not count.
		if now.Sub(r.WindowStartedAt) > cfg.Window {
			r.FailureCount = 0
			r.WindowStartedAt = now
		}
		r.FailureCount++
		r.UpdatedAt = now
		if r.FailureCount >= cfg.Threshold {
			r.State = StateOpen
			openedAt := now
			r.OpenedAt = &openedAt
			r.FailureCount = 0
			return true
		}
		return false
	}
}
