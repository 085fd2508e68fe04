package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	domainagent "github.com/reverie/coord/internal/domain/agent"
	"github.com/reverie/coord/internal/domain/event"
	portbus "github.com/reverie/coord/internal/port/eventbus"
	portregistry "github.com/reverie/coord/internal/port/registry"
)

// Config holds the liveness parameters. The defaults follow the recommended
// ratios: window = 3× heartbeat interval, GC grace = 4× window.
type Config struct {
	LivenessWindow time.Duration
	GraceMultiple  int
}

func DefaultConfig(heartbeatInterval time.Duration) Config {
	return Config{
		LivenessWindow: 3 * heartbeatInterval,
		GraceMultiple:  4,
	}
}

// Service manages agent identity and liveness. Liveness is derived from the
// heartbeat ledger at call time — nothing here caches aliveness.
type Service struct {
	store portregistry.AgentStore
	bus   portbus.EventBus
	cfg   Config
	now   func() time.Time
}

type Option func(*Service)

// WithClock substitutes the time source, for deterministic liveness tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store portregistry.AgentStore, bus portbus.EventBus, cfg Config, opts ...Option) *Service {
	s := &Service{store: store, bus: bus, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register upserts the agent record. Idempotent: re-registration with the
// same key replaces the capability set and counts as a heartbeat.
func (s *Service) Register(ctx context.Context, key domainagent.Key, capabilities []string) (domainagent.Record, error) {
	rec, err := domainagent.New(key, capabilities, s.now())
	if err != nil {
		return domainagent.Record{}, fmt.Errorf("register agent: %w", err)
	}

	stored, err := s.store.Upsert(ctx, rec)
	if err != nil {
		return domainagent.Record{}, fmt.Errorf("register agent: %w", err)
	}

	if err := s.bus.Publish(ctx, event.New(event.TypeAgentRegistered, key.String())); err != nil {
		slog.ErrorContext(ctx, "failed to publish AgentRegistered event", "agent_key", key, "error", err)
	}
	return stored, nil
}

// Heartbeat records liveness for a previously registered key.
func (s *Service) Heartbeat(ctx context.Context, key domainagent.Key) error {
	if err := s.store.Heartbeat(ctx, key, s.now()); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if err := s.bus.Publish(ctx, event.New(event.TypeAgentHeartbeat, key.String())); err != nil {
		slog.ErrorContext(ctx, "failed to publish AgentHeartbeat event", "agent_key", key, "error", err)
	}
	return nil
}

// ListLive returns agents serving capability whose derived status is alive.
// Computed against the ledger on every call; an empty result is normal.
func (s *Service) ListLive(ctx context.Context, capability string) ([]domainagent.Record, error) {
	candidates, err := s.store.ListByCapability(ctx, capability)
	if err != nil {
		return nil, fmt.Errorf("list live agents: %w", err)
	}

	now := s.now()
	live := make([]domainagent.Record, 0, len(candidates))
	for _, rec := range candidates {
		if rec.IsAlive(now, s.cfg.LivenessWindow) {
			live = append(live, rec)
		}
	}
	return live, nil
}

func (s *Service) Get(ctx context.Context, key domainagent.Key) (domainagent.Record, error) {
	rec, err := s.store.Get(ctx, key)
	if err != nil {
		return domainagent.Record{}, fmt.Errorf("get agent: %w", err)
	}
	return rec, nil
}

func (s *Service) List(ctx context.Context) ([]domainagent.Record, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return records, nil
}

// StatusOf derives the status of a single record at the current instant.
func (s *Service) StatusOf(rec domainagent.Record) domainagent.Status {
	return rec.StatusAt(s.now(), s.cfg.LivenessWindow)
}

// Collectable returns registered agents eligible for garbage collection.
// The Recovery Manager deletes them; the registry only derives eligibility.
func (s *Service) Collectable(ctx context.Context) ([]domainagent.Record, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collectable agents: %w", err)
	}

	now := s.now()
	var out []domainagent.Record
	for _, rec := range records {
		if rec.CollectableAt(now, s.cfg.LivenessWindow, s.cfg.GraceMultiple) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Config exposes the liveness configuration to collaborators (diagnostics).
func (s *Service) Config() Config { return s.cfg }
