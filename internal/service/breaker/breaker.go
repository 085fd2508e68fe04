package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	domainagent "github.com/reverie/coord/internal/domain/agent"
	domainbreaker "github.com/reverie/coord/internal/domain/breaker"
	"github.com/reverie/coord/internal/domain/event"
	portbreaker "github.com/reverie/coord/internal/port/breaker"
	portbus "github.com/reverie/coord/internal/port/eventbus"
)

// Config maps an operation class to its breaker thresholds. Classes without
// an entry use Default. Safety-validation work typically runs a lower
// threshold than narrative generation.
type Config struct {
	Default  domainbreaker.Config
	PerClass map[string]domainbreaker.Config
}

func (c Config) For(class string) domainbreaker.Config {
	if cfg, ok := c.PerClass[class]; ok {
		return cfg
	}
	if c.Default.Threshold > 0 {
		return c.Default
	}
	return domainbreaker.DefaultConfig
}

// Service owns all circuit-breaker state. The dispatcher only asks Eligible;
// outcome reporting is the only mutation path besides the lazy cooldown move.
type Service struct {
	store portbreaker.Store
	bus   portbus.EventBus
	cfg   Config
	now   func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store portbreaker.Store, bus portbus.EventBus, cfg Config, opts ...Option) *Service {
	s := &Service{store: store, bus: bus, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Eligible decides whether dispatch may route work for key. Closed breakers
// (and keys with no breaker yet) are eligible. Open breakers past cooldown
// move to half_open lazily; half_open admits exactly one in-flight trial,
// claimed here via the store's single-slot CAS.
func (s *Service) Eligible(ctx context.Context, agentKey domainagent.Key, class string) (bool, error) {
	key := domainbreaker.Key{Agent: agentKey, Class: class}
	rec, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("breaker eligibility: %w", err)
	}
	if !ok {
		return true, nil
	}

	cfg := s.cfg.For(class)
	now := s.now()

	before := rec.State
	rec.Refresh(now, cfg)
	if rec.State != before {
		if err := s.store.Put(ctx, rec); err != nil {
			return false, fmt.Errorf("breaker eligibility: persist half-open: %w", err)
		}
		s.publish(ctx, event.TypeCircuitHalfOpen, key)
	}

	switch rec.State {
	case domainbreaker.StateOpen:
		return false, nil
	case domainbreaker.StateHalfOpen:
		ok, err := s.store.AcquireTrial(ctx, key)
		if err != nil {
			return false, fmt.Errorf("breaker eligibility: acquire trial: %w", err)
		}
		return ok, nil
	default:
		return true, nil
	}
}

// ReleaseTrial frees a claimed half-open trial slot that was never used
// (the dispatcher found no task or lost the reservation race).
func (s *Service) ReleaseTrial(ctx context.Context, agentKey domainagent.Key, class string) {
	key := domainbreaker.Key{Agent: agentKey, Class: class}
	if err := s.store.ReleaseTrial(ctx, key); err != nil {
		slog.ErrorContext(ctx, "failed to release breaker trial slot", "breaker_key", key.String(), "error", err)
	}
}

// RecordSuccess reports a successful outcome. A half-open breaker closes and
// its failure window resets.
func (s *Service) RecordSuccess(ctx context.Context, agentKey domainagent.Key, class string) error {
	key := domainbreaker.Key{Agent: agentKey, Class: class}
	rec, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	if !ok {
		// No failures ever recorded — nothing to update.
		return nil
	}

	wasHalfOpen := rec.State == domainbreaker.StateHalfOpen
	rec.RecordSuccess(s.now())
	if err := s.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	if wasHalfOpen {
		s.publish(ctx, event.TypeCircuitClosed, key)
	}
	return nil
}

// RecordFailure reports a failed outcome, creating the breaker lazily.
func (s *Service) RecordFailure(ctx context.Context, agentKey domainagent.Key, class string) error {
	key := domainbreaker.Key{Agent: agentKey, Class: class}
	now := s.now()

	rec, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if !ok {
		rec = domainbreaker.New(key, now)
	}

	opened := rec.RecordFailure(now, s.cfg.For(class))
	if err := s.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if opened {
		slog.InfoContext(ctx, "circuit opened", "agent_key", agentKey, "class", class)
		s.publish(ctx, event.TypeCircuitOpened, key)
	}
	return nil
}

// State returns the current record for diagnostics, ok=false when the key has
// never recorded an outcome.
func (s *Service) State(ctx context.Context, agentKey domainagent.Key, class string) (domainbreaker.Record, bool, error) {
	return s.store.Get(ctx, domainbreaker.Key{Agent: agentKey, Class: class})
}

func (s *Service) publish(ctx context.Context, t event.Type, key domainbreaker.Key) {
	if err := s.bus.Publish(ctx, event.New(t, key.String())); err != nil {
		slog.ErrorContext(ctx, "failed to publish breaker event", "type", t, "breaker_key", key.String(), "error", err)
	}
}
