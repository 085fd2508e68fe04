package mcp_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainagent "github.com/reverie/coord/internal/domain/agent"
	"github.com/reverie/coord/internal/transport/mcp"
)

func TestSessionRegistryLifecycle(t *testing.T) {
	reg := mcp.NewSessionRegistry()
	key := domainagent.Key{Type: "narrative", InstanceID: "w1"}

	assert.False(t, reg.IsConnected(key))

	reg.Register("session-1", key)
	assert.True(t, reg.IsConnected(key))

	got, ok := reg.Unregister("session-1")
	require.True(t, ok)
	assert.Equal(t, key, got)
	assert.False(t, reg.IsConnected(key))

	_, ok = reg.Unregister("session-1")
	assert.False(t, ok)
}

func TestSessionRegistryReconnectReplacesSession(t *testing.T) {
	reg := mcp.NewSessionRegistry()
	key := domainagent.Key{Type: "narrative", InstanceID: "w1"}

	reg.Register("session-1", key)
	reg.Register("session-2", key)

	// The stale session no longer maps to the agent.
	_, ok := reg.Unregister("session-1")
	assert.False(t, ok)
	assert.True(t, reg.IsConnected(key))

	got, ok := reg.Unregister("session-2")
	require.True(t, ok)
	assert.Equal(t, key, got)
}

func TestNotifyDisconnectedAgentIsNoop(t *testing.T) {
	reg := mcp.NewSessionRegistry()
	key := domainagent.Key{Type: "narrative", InstanceID: "ghost"}

	err := reg.NotifyAgent(context.Background(), key, map[string]string{"event": "reservation_recovered"})
	assert.NoError(t, err)
}
