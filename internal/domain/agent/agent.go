package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownAgent is returned for heartbeats or outcome reports from a key
// that was never registered. Callers recover by re-registering.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrInvalidCapabilitySet rejects registration with no capabilities.
var ErrInvalidCapabilitySet = errors.New("capability set must not be empty")

// Status is derived from the last heartbeat, never stored.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
)

// Key identifies one logical worker: agent type plus instance id.
type Key struct {
	Type       string `json:"type"`
	InstanceID string `json:"instance_id"`
}

func (k Key) String() string { return k.Type + ":" + k.InstanceID }

func (k Key) Validate() error {
	if k.Type == "" || k.InstanceID == "" {
		return fmt.Errorf("agent key requires both type and instance_id")
	}
	if strings.Contains(k.Type, ":") {
		return fmt.Errorf("agent type must not contain ':'")
	}
	return nil
}

// ParseKey parses the "type:instance" wire form of a key.
func ParseKey(s string) (Key, error) {
	typ, inst, ok := strings.Cut(s, ":")
	if !ok || typ == "" || inst == "" {
		return Key{}, fmt.Errorf("invalid agent key %q: want type:instance", s)
	}
	return Key{Type: typ, InstanceID: inst}, nil
}

// Record is one registered worker. Status is computed from LastHeartbeatAt
// at read time so a silently dead agent is never reported alive.
type Record struct {
	Key             Key       `json:"key"`
	Capabilities    []string  `json:"capabilities"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	RegisteredAt    time.Time `json:"registered_at"`
}

func New(key Key, capabilities []string, now time.Time) (Record, error) {
	if err := key.Validate(); err != nil {
		return Record{}, err
	}
	if len(capabilities) == 0 {
		return Record{}, ErrInvalidCapabilitySet
	}
	return Record{
		Key:             key,
		Capabilities:    capabilities,
		LastHeartbeatAt: now,
		RegisteredAt:    now,
	}, nil
}

// StatusAt derives liveness from the heartbeat ledger alone.
func (r Record) StatusAt(now time.Time, livenessWindow time.Duration) Status {
	if now.Sub(r.LastHeartbeatAt) < livenessWindow {
		return StatusAlive
	}
	return StatusStale
}

func (r Record) IsAlive(now time.Time, livenessWindow time.Duration) bool {
	return r.StatusAt(now, livenessWindow) == StatusAlive
}

// CollectableAt reports whether the record has been stale long enough to be
// garbage-collected (grace multiple of the liveness window).
func (r Record) CollectableAt(now time.Time, livenessWindow time.Duration, graceMultiple int) bool {
	return now.Sub(r.LastHeartbeatAt) >= livenessWindow*time.Duration(graceMultiple)
}

func (r Record) HasCapability(capability string) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
