// Package diagnostics is a read-only projection of registry, reservation and
// circuit-breaker state for external monitoring. It never mutates anything.
package diagnostics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domainagent "github.com/reverie/coord/internal/domain/agent"
	domainres "github.com/reverie/coord/internal/domain/reservation"
	portbreaker "github.com/reverie/coord/internal/port/breaker"
	portres "github.com/reverie/coord/internal/port/reservation"
	registrysvc "github.com/reverie/coord/internal/service/registry"
)

// Snapshot is the point-in-time view served to operators.
type Snapshot struct {
	TakenAt      time.Time                          `json:"taken_at"`
	AgentsTotal  int                                `json:"agents_total"`
	AgentsLive   int                                `json:"agents_live"`
	TasksByState map[string]map[domainres.State]int `json:"tasks_by_state"`
	OpenBreakers map[string]int                     `json:"open_breakers_by_class"`
}

type Collector struct {
	registry     *registrysvc.Service
	reservations portres.Store
	breakers     portbreaker.Store
}

func NewCollector(registry *registrysvc.Service, reservations portres.Store, breakers portbreaker.Store) *Collector {
	return &Collector{registry: registry, reservations: reservations, breakers: breakers}
}

// Snapshot assembles the current counts. Pure read; brief staleness between
// the three scans is acceptable for monitoring.
func (c *Collector) Snapshot(ctx context.Context) (Snapshot, error) {
	agents, err := c.registry.List(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("diagnostics snapshot: %w", err)
	}
	live := 0
	for _, rec := range agents {
		if c.registry.StatusOf(rec) == domainagent.StatusAlive {
			live++
		}
	}

	tasks, err := c.reservations.CountByState(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("diagnostics snapshot: %w", err)
	}
	open, err := c.breakers.CountOpenByClass(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("diagnostics snapshot: %w", err)
	}

	return Snapshot{
		TakenAt:      time.Now().UTC(),
		AgentsTotal:  len(agents),
		AgentsLive:   live,
		TasksByState: tasks,
		OpenBreakers: open,
	}, nil
}

// RegisterMetrics exposes the snapshot counts as observable gauges so the
// periodic reader scrapes them without any push path through the services.
func (c *Collector) RegisterMetrics(meter metric.Meter) error {
	agentsLive, err := meter.Int64ObservableGauge("coord.agents.live",
		metric.WithDescription("Registered agents within the liveness window"))
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	agentsTotal, err := meter.Int64ObservableGauge("coord.agents.total",
		metric.WithDescription("Registered agents, live or stale"))
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	tasks, err := meter.Int64ObservableGauge("coord.tasks",
		metric.WithDescription("Task reservations by capability and state"))
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	openBreakers, err := meter.Int64ObservableGauge("coord.breakers.open",
		metric.WithDescription("Open circuit breakers per operation class"))
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		snap, err := c.Snapshot(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(agentsLive, int64(snap.AgentsLive))
		o.ObserveInt64(agentsTotal, int64(snap.AgentsTotal))
		for capability, byState := range snap.TasksByState {
			for state, n := range byState {
				o.ObserveInt64(tasks, int64(n), metric.WithAttributes(
					attribute.String("capability", capability),
					attribute.String("state", string(state)),
				))
			}
		}
		for class, n := range snap.OpenBreakers {
			o.ObserveInt64(openBreakers, int64(n), metric.WithAttributes(
				attribute.String("class", class),
			))
		}
		return nil
	}, agentsLive, agentsTotal, tasks, openBreakers)
	if err != nil {
		return fmt.Errorf("register metrics callback: %w", err)
	}
	return nil
}
