package breaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainagent "github.com/reverie/coord/internal/domain/agent"
	. "github.com/reverie/coord/internal/domain/breaker"
)

var testKey = Key{
	Agent: domainagent.Key{Type: "narrative", InstanceID: "w1"},
	Class: "narrative.generate",
}

var testCfg = Config{
	Threshold: 3,
	Window:    time.Minute,
	Cooldown:  30 * time.Second,
}

func TestOpensAtThreshold(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := New(testKey, now)

	assert.False(t, rec.RecordFailure(now, testCfg))
	assert.False(t, rec.RecordFailure(now.Add(time.Second), testCfg))
	assert.Equal(t, StateClosed, rec.State)

	opened := rec.RecordFailure(now.Add(2*time.Second), testCfg)
	assert.True(t, opened)
	assert.Equal(t, StateOpen, rec.State)
	require.NotNil(t, rec.OpenedAt)
	assert.False(t, rec.Eligible(now.Add(3*time.Second), testCfg))
}

func TestRollingWindowForgetsOldFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := New(testKey, now)

	rec.RecordFailure(now, testCfg)
	rec.RecordFailure(now.Add(time.Second), testCfg)

	// Third failure lands outside the window: the count restarts at one.
	opened := rec.RecordFailure(now.Add(testCfg.Window+2*time.Second), testCfg)
	assert.False(t, opened)
	assert.Equal(t, StateClosed, rec.State)
	assert.Equal(t, 1, rec.FailureCount)
}

func TestCooldownMovesToHalfOpen(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := New(testKey, now)
	for i := 0; i < testCfg.Threshold; i++ {
		rec.RecordFailure(now, testCfg)
	}
	require.Equal(t, StateOpen, rec.State)

	// Before the cooldown elapses nothing changes.
	rec.Refresh(now.Add(testCfg.Cooldown-time.Second), testCfg)
	assert.Equal(t, StateOpen, rec.State)

	// The transition is lazy: the first check after the cooldown performs it.
	assert.True(t, rec.Eligible(now.Add(testCfg.Cooldown), testCfg))
	assert.Equal(t, StateHalfOpen, rec.State)
	assert.False(t, rec.TrialInFlight)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := New(testKey, now)
	for i := 0; i < testCfg.Threshold; i++ {
		rec.RecordFailure(now, testCfg)
	}
	rec.Refresh(now.Add(testCfg.Cooldown), testCfg)
	require.Equal(t, StateHalfOpen, rec.State)

	at := now.Add(testCfg.Cooldown + time.Second)
	opened := rec.RecordFailure(at, testCfg)
	assert.True(t, opened)
	assert.Equal(t, StateOpen, rec.State)
	require.NotNil(t, rec.OpenedAt)
	// Cooldown restarts from the reopen instant.
	assert.Equal(t, at, *rec.OpenedAt)
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := New(testKey, now)
	for i := 0; i < testCfg.Threshold; i++ {
		rec.RecordFailure(now, testCfg)
	}
	rec.Refresh(now.Add(testCfg.Cooldown), testCfg)
	require.Equal(t, StateHalfOpen, rec.State)
	rec.TrialInFlight = true

	rec.RecordSuccess(now.Add(testCfg.Cooldown + time.Second))
	assert.Equal(t, StateClosed, rec.State)
	assert.Equal(t, 0, rec.FailureCount)
	assert.Nil(t, rec.OpenedAt)
	assert.False(t, rec.TrialInFlight)
}

func TestSuccessWhileClosedResetsWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := New(testKey, now)
	rec.RecordFailure(now, testCfg)
	rec.RecordFailure(now, testCfg)

	rec.RecordSuccess(now.Add(time.Second))
	assert.Equal(t, 0, rec.FailureCount)

	// The earlier failures no longer count toward the threshold.
	rec.RecordFailure(now.Add(2*time.Second), testCfg)
	assert.Equal(t, StateClosed, rec.State)
	assert.Equal(t, 1, rec.FailureCount)
}
