//go:build integration

package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pgagent "github.com/reverie/coord/internal/adapter/postgres/agent"
	domainagent "github.com/reverie/coord/internal/domain/agent"
	"github.com/reverie/coord/internal/testutil"
)

func freshKey() domainagent.Key {
	return domainagent.Key{Type: "narrative", InstanceID: "itest-" + uuid.New().String()[:8]}
}

func TestAgentStore_UpsertGetList(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := pgagent.New(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	key := freshKey()
	rec, err := domainagent.New(key, []string{"narrative.generate", "safety.screen"}, now)
	require.NoError(t, err)

	stored, err := store.Upsert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, key, stored.Key)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.ElementsMatch(t, rec.Capabilities, got.Capabilities)
	assert.WithinDuration(t, now, got.LastHeartbeatAt, time.Millisecond)

	byCap, err := store.ListByCapability(ctx, "safety.screen")
	require.NoError(t, err)
	found := false
	for _, r := range byCap {
		if r.Key == key {
			found = true
		}
	}
	assert.True(t, found)

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, domainagent.ErrUnknownAgent)
}

func TestAgentStore_ReUpsertKeepsRegistrationAndNewestHeartbeat(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := pgagent.New(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	key := freshKey()
	first, err := domainagent.New(key, []string{"narrative.generate"}, now)
	require.NoError(t, err)
	_, err = store.Upsert(ctx, first)
	require.NoError(t, err)

	// Re-register with an older heartbeat timestamp: the newer one wins,
	// registration time is preserved, capabilities are replaced.
	second, err := domainagent.New(key, []string{"safety.screen"}, now.Add(-time.Minute))
	require.NoError(t, err)
	stored, err := store.Upsert(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, []string{"safety.screen"}, stored.Capabilities)
	assert.WithinDuration(t, now, stored.LastHeartbeatAt, time.Millisecond)
	assert.WithinDuration(t, now, stored.RegisteredAt, time.Millisecond)
}

func TestAgentStore_Heartbeat(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := pgagent.New(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	key := freshKey()
	rec, err := domainagent.New(key, []string{"narrative.generate"}, now)
	require.NoError(t, err)
	_, err = store.Upsert(ctx, rec)
	require.NoError(t, err)

	later := now.Add(10 * time.Second)
	require.NoError(t, store.Heartbeat(ctx, key, later))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.WithinDuration(t, later, got.LastHeartbeatAt, time.Millisecond)

	// Out-of-order heartbeat never rewinds the ledger.
	require.NoError(t, store.Heartbeat(ctx, key, now))
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.WithinDuration(t, later, got.LastHeartbeatAt, time.Millisecond)

	err = store.Heartbeat(ctx, freshKey(), later)
	assert.ErrorIs(t, err, domainagent.ErrUnknownAgent)
}
