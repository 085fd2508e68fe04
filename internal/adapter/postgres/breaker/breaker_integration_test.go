//go:build integration

package breaker_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pgbreaker "github.com/reverie/coord/internal/adapter/postgres/breaker"
	domainagent "github.com/reverie/coord/internal/domain/agent"
	domainbreaker "github.com/reverie/coord/internal/domain/breaker"
	"github.com/reverie/coord/internal/testutil"
)

func freshBreakerKey() domainbreaker.Key {
	return domainbreaker.Key{
		Agent: domainagent.Key{Type: "narrative", InstanceID: "itest-" + uuid.New().String()[:8]},
		Class: "narrative.generate",
	}
}

func TestBreakerStore_PutGet(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := pgbreaker.New(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	key := freshBreakerKey()
	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	rec := domainbreaker.New(key, now)
	rec.FailureCount = 2
	require.NoError(t, store.Put(ctx, rec))

	got, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domainbreaker.StateClosed, got.State)
	assert.Equal(t, 2, got.FailureCount)

	// Upsert path: the same key is overwritten, not duplicated.
	rec.State = domainbreaker.StateOpen
	openedAt := now
	rec.OpenedAt = &openedAt
	require.NoError(t, store.Put(ctx, rec))

	got, ok, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domainbreaker.StateOpen, got.State)
	require.NotNil(t, got.OpenedAt)
}

func TestBreakerStore_TrialSlotCAS(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := pgbreaker.New(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	key := freshBreakerKey()
	rec := domainbreaker.New(key, now)
	rec.State = domainbreaker.StateHalfOpen
	require.NoError(t, store.Put(ctx, rec))

	ok, err := store.AcquireTrial(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	// The slot is single-occupancy until released.
	ok, err = store.AcquireTrial(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.ReleaseTrial(ctx, key))
	ok, err = store.AcquireTrial(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	// No slot outside half_open.
	closed := freshBreakerKey()
	require.NoError(t, store.Put(ctx, domainbreaker.New(closed, now)))
	ok, err = store.AcquireTrial(ctx, closed)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBreakerStore_DeleteByAgent(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := pgbreaker.New(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	agent := domainagent.Key{Type: "narrative", InstanceID: "itest-" + uuid.New().String()[:8]}
	for _, class := range []string{"narrative.generate", "safety.screen"} {
		require.NoError(t, store.Put(ctx, domainbreaker.New(domainbreaker.Key{Agent: agent, Class: class}, now)))
	}

	require.NoError(t, store.DeleteByAgent(ctx, agent))

	for _, class := range []string{"narrative.generate", "safety.screen"} {
		_, ok, err := store.Get(ctx, domainbreaker.Key{Agent: agent, Class: class})
		require.NoError(t, err)
		assert.False(t, ok)
	}
}
