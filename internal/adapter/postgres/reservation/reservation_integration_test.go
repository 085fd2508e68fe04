//go:build integration

package reservation_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pgreservation "github.com/reverie/coord/internal/adapter/postgres/reservation"
	domainagent "github.com/reverie/coord/internal/domain/agent"
	domainres "github.com/reverie/coord/internal/domain/reservation"
	"github.com/reverie/coord/internal/testutil"
)

func freshTaskID() string { return "itest-" + uuid.New().String()[:8] }

func freshCapability() string { return "cap-" + uuid.New().String()[:8] }

var worker = domainagent.Key{Type: "narrative", InstanceID: "itest-worker"}

func TestReservationStore_CreateAndDuplicate(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := pgreservation.New(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	taskID := freshTaskID()
	task := domainres.New(taskID, freshCapability(), "ref-1", time.Minute, now)
	require.NoError(t, store.Create(ctx, task))

	err := store.Create(ctx, task)
	assert.ErrorIs(t, err, domainres.ErrDuplicateTask)

	got, err := store.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domainres.StatePending, got.State)
	assert.Equal(t, time.Minute, got.TTL)

	_, err = store.Get(ctx, freshTaskID())
	assert.ErrorIs(t, err, domainres.ErrNotFound)
}

func TestReservationStore_ReserveLifecycle(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := pgreservation.New(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	taskID := freshTaskID()
	require.NoError(t, store.Create(ctx, domainres.New(taskID, freshCapability(), "ref", time.Minute, now)))

	reserved, ok, err := store.Reserve(ctx, taskID, worker, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domainres.StateReserved, reserved.State)
	assert.Equal(t, 1, reserved.AttemptCount)
	require.NotNil(t, reserved.AgentKey)
	assert.Equal(t, worker, *reserved.AgentKey)

	// Reserving a reserved task loses the CAS without error.
	_, ok, err = store.Reserve(ctx, taskID, worker, now)
	require.NoError(t, err)
	assert.False(t, ok)

	done, err := store.Complete(ctx, taskID, worker, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, domainres.StateCompleted, done.State)

	_, err = store.Complete(ctx, taskID, worker, now.Add(2*time.Second))
	assert.ErrorIs(t, err, domainres.ErrTerminalState)
}

func TestReservationStore_CompleteWrongHolder(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := pgreservation.New(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	taskID := freshTaskID()
	require.NoError(t, store.Create(ctx, domainres.New(taskID, freshCapability(), "ref", time.Minute, now)))
	_, ok, err := store.Reserve(ctx, taskID, worker, now)
	require.NoError(t, err)
	require.True(t, ok)

	imposter := domainagent.Key{Type: "narrative", InstanceID: "itest-imposter"}
	_, err = store.Complete(ctx, taskID, imposter, now)
	assert.ErrorIs(t, err, domainres.ErrReservationMismatch)
}

func TestReservationStore_ReleaseGuardedByReservedAt(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := pgreservation.New(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	taskID := freshTaskID()
	require.NoError(t, store.Create(ctx, domainres.New(taskID, freshCapability(), "ref", time.Minute, now)))
	reserved, ok, err := store.Reserve(ctx, taskID, worker, now)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale reservedAt guard loses the CAS.
	_, ok, err = store.Release(ctx, taskID, worker, now.Add(-time.Hour), domainres.StatePending, now)
	require.NoError(t, err)
	assert.False(t, ok)

	released, ok, err := store.Release(ctx, taskID, worker, *reserved.ReservedAt, domainres.StatePending, now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domainres.StatePending, released.State)
	assert.Equal(t, 2, released.AttemptCount)
	assert.Nil(t, released.AgentKey)
	assert.Nil(t, released.ReservedAt)
}

func TestReservationStore_OldestPendingIsFIFO(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := pgreservation.New(pool)
	capability := freshCapability()
	now := time.Now().UTC().Truncate(time.Microsecond)

	older := freshTaskID()
	newer := freshTaskID()
	require.NoError(t, store.Create(ctx, domainres.New(older, capability, "ref", time.Minute, now.Add(-time.Minute))))
	require.NoError(t, store.Create(ctx, domainres.New(newer, capability, "ref", time.Minute, now)))

	got, ok, err := store.OldestPending(ctx, capability)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, older, got.TaskID)

	_, ok, err = store.OldestPending(ctx, freshCapability())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReservationStore_ListExpired(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := pgreservation.New(pool)
	capability := freshCapability()
	now := time.Now().UTC().Truncate(time.Microsecond)

	expired := freshTaskID()
	fresh := freshTaskID()
	require.NoError(t, store.Create(ctx, domainres.New(expired, capability, "ref", 5*time.Second, now)))
	require.NoError(t, store.Create(ctx, domainres.New(fresh, capability, "ref", time.Hour, now)))

	_, ok, err := store.Reserve(ctx, expired, worker, now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = store.Reserve(ctx, fresh, worker, now)
	require.NoError(t, err)
	require.True(t, ok)

	list, err := store.ListExpired(ctx, now)
	require.NoError(t, err)
	ids := make(map[string]bool, len(list))
	for _, item := range list {
		ids[item.TaskID] = true
	}
	assert.True(t, ids[expired])
	assert.False(t, ids[fresh])
}

func TestReservationStore_FailAndResubmit(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := pgreservation.New(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	taskID := freshTaskID()
	require.NoError(t, store.Create(ctx, domainres.New(taskID, freshCapability(), "ref", time.Minute, now)))

	failed, err := store.Fail(ctx, taskID, now)
	require.NoError(t, err)
	assert.Equal(t, domainres.StateFailedPermanent, failed.State)

	_, err = store.Fail(ctx, taskID, now)
	assert.ErrorIs(t, err, domainres.ErrTerminalState)

	fresh, err := store.Resubmit(ctx, taskID, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, domainres.StatePending, fresh.State)
	assert.Equal(t, 0, fresh.AttemptCount)

	_, err = store.Resubmit(ctx, taskID, now.Add(2*time.Second))
	assert.ErrorIs(t, err, domainres.ErrTerminalState)
}
