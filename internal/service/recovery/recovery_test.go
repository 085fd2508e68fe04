package recovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/reverie/coord/internal/adapter/memory"
	domainagent "github.com/reverie/coord/internal/domain/agent"
	domainbreaker "github.com/reverie/coord/internal/domain/breaker"
	domainres "github.com/reverie/coord/internal/domain/reservation"
	"github.com/reverie/coord/internal/mocks"
	breakersvc "github.com/reverie/coord/internal/service/breaker"
	recoverysvc "github.com/reverie/coord/internal/service/recovery"
	registrysvc "github.com/reverie/coord/internal/service/registry"
)

const capability = "narrative.generate"

type harness struct {
	svc          *recoverysvc.Service
	reservations *memory.ReservationStore
	agents       *memory.AgentStore
	breakerStore *memory.BreakerStore
	breakers     *breakersvc.Service
	registry     *registrysvc.Service
	notifier     *mocks.MockAgentNotifier
	clock        *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clockFn := func() time.Time { return now }
	bus := memory.NewEventBus()

	reservations := memory.NewReservationStore()
	agents := memory.NewAgentStore()
	breakerStore := memory.NewBreakerStore()
	registry := registrysvc.NewService(agents, bus, registrysvc.DefaultConfig(10*time.Second), registrysvc.WithClock(clockFn))
	breakers := breakersvc.NewService(breakerStore, bus,
		breakersvc.Config{Default: domainbreaker.Config{Threshold: 5, Window: time.Minute, Cooldown: 30 * time.Second}},
		breakersvc.WithClock(clockFn))
	notifier := mocks.NewMockAgentNotifier(ctrl)

	svc := recoverysvc.NewService(
		reservations, agents, breakerStore, registry, breakers, notifier, bus, 3,
		recoverysvc.WithClock(clockFn),
	)
	return &harness{
		svc:          svc,
		reservations: reservations,
		agents:       agents,
		breakerStore: breakerStore,
		breakers:     breakers,
		registry:     registry,
		notifier:     notifier,
		clock:        &now,
	}
}

func (h *harness) advance(d time.Duration) { *h.clock = h.clock.Add(d) }

// reserveTask enqueues a task and hands it straight to key.
func (h *harness) reserveTask(t *testing.T, taskID string, key domainagent.Key, ttl time.Duration) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.reservations.Create(ctx, domainres.New(taskID, capability, "ref", ttl, *h.clock)))
	_, ok, err := h.reservations.Reserve(ctx, taskID, key, *h.clock)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRecoverExpiredRevertsToPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	crashed := domainagent.Key{Type: "narrative", InstanceID: "w1"}

	h.reserveTask(t, "task-1", crashed, 5*time.Second)
	h.notifier.EXPECT().NotifyAgent(gomock.Any(), crashed, gomock.Any()).Return(nil)

	h.advance(6 * time.Second)
	recovered, err := h.svc.RecoverExpired(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, map[domainagent.Key]int{crashed: 1}, recovered)

	got, err := h.reservations.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domainres.StatePending, got.State)
	assert.Equal(t, 2, got.AttemptCount, "one reserve plus one revert")
	assert.Nil(t, got.AgentKey)
	assert.Nil(t, got.ReservedAt)

	// The expiry charged the holder's breaker like a failure report would.
	rec, ok, err := h.breakers.State(ctx, crashed, capability)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, rec.FailureCount)

	// Another agent can immediately reserve the reverted task.
	other := domainagent.Key{Type: "narrative", InstanceID: "w2"}
	_, ok2, err := h.reservations.Reserve(ctx, "task-1", other, *h.clock)
	require.NoError(t, err)
	assert.True(t, ok2)
}

func TestRecoverExpiredIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	crashed := domainagent.Key{Type: "narrative", InstanceID: "w1"}

	h.reserveTask(t, "task-1", crashed, 5*time.Second)
	h.notifier.EXPECT().NotifyAgent(gomock.Any(), crashed, gomock.Any()).Return(nil)

	h.advance(6 * time.Second)
	first, err := h.svc.RecoverExpired(ctx, nil)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// The record is pending now: a second pass finds nothing to reclaim.
	second, err := h.svc.RecoverExpired(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestRecoverExpiredHonorsScope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w1 := domainagent.Key{Type: "narrative", InstanceID: "w1"}
	w2 := domainagent.Key{Type: "narrative", InstanceID: "w2"}

	h.reserveTask(t, "task-1", w1, 5*time.Second)
	h.reserveTask(t, "task-2", w2, 5*time.Second)
	h.notifier.EXPECT().NotifyAgent(gomock.Any(), w1, gomock.Any()).Return(nil)

	h.advance(6 * time.Second)
	recovered, err := h.svc.RecoverExpired(ctx, &w1)
	require.NoError(t, err)
	assert.Equal(t, map[domainagent.Key]int{w1: 1}, recovered)

	// w2's expired reservation is outside the scope and untouched.
	got, err := h.reservations.Get(ctx, "task-2")
	require.NoError(t, err)
	assert.Equal(t, domainres.StateReserved, got.State)
}

func TestRecoverExpiredSkipsUnexpiredLeases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w1 := domainagent.Key{Type: "narrative", InstanceID: "w1"}

	h.reserveTask(t, "task-1", w1, time.Minute)

	h.advance(30 * time.Second)
	recovered, err := h.svc.RecoverExpired(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func TestRecoverExpiredExhaustsAttemptBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w1 := domainagent.Key{Type: "narrative", InstanceID: "w1"}
	h.notifier.EXPECT().NotifyAgent(gomock.Any(), w1, gomock.Any()).Return(nil).Times(2)

	h.reserveTask(t, "task-1", w1, 5*time.Second)

	// First expiry: attempt 1 → pending at attempt 2.
	h.advance(6 * time.Second)
	_, err := h.svc.RecoverExpired(ctx, nil)
	require.NoError(t, err)

	// Re-reserve and expire again: attempt 3 is at the bound, so the second
	// recovery parks the task permanently.
	_, ok, err := h.reservations.Reserve(ctx, "task-1", w1, *h.clock)
	require.NoError(t, err)
	require.True(t, ok)
	h.advance(6 * time.Second)
	_, err = h.svc.RecoverExpired(ctx, nil)
	require.NoError(t, err)

	got, err := h.reservations.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domainres.StateFailedPermanent, got.State)
}

func TestCollectGarbageRemovesStaleAgentsAndBreakers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale := domainagent.Key{Type: "narrative", InstanceID: "old"}
	fresh := domainagent.Key{Type: "narrative", InstanceID: "new"}

	_, err := h.registry.Register(ctx, stale, []string{capability})
	require.NoError(t, err)
	require.NoError(t, h.breakers.RecordFailure(ctx, stale, capability))

	// Past the 4× liveness-window grace for the first agent only.
	h.advance(2 * time.Minute)
	_, err = h.registry.Register(ctx, fresh, []string{capability})
	require.NoError(t, err)

	removed, err := h.svc.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = h.agents.Get(ctx, stale)
	assert.ErrorIs(t, err, domainagent.ErrUnknownAgent)
	_, err = h.agents.Get(ctx, fresh)
	assert.NoError(t, err)

	_, ok, err := h.breakerStore.Get(ctx, domainbreaker.Key{Agent: stale, Class: capability})
	require.NoError(t, err)
	assert.False(t, ok, "breaker state goes with the agent")
}
