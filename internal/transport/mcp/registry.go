package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	mcpserver "github.com/mark3labs/mcp-go/server"

	domainagent "github.com/reverie/coord/internal/domain/agent"
)

// SessionRegistry is the in-memory registry of active MCP sessions.
// It implements port/notifier.AgentNotifier: notifications to agents whose
// session has dropped are silently discarded.
type SessionRegistry struct {
	mu         sync.RWMutex
	bySessions map[string]domainagent.Key // sessionID → agent key
	byAgent    map[domainagent.Key]string // agent key → sessionID

	// mcpSrv is set after the MCP server is constructed (avoids circular init dependency).
	mcpMu  sync.RWMutex
	mcpSrv *mcpserver.MCPServer
}

// NewSessionRegistry creates a registry without an MCP server reference.
// Call SetMCPServer once the mcp-go server is constructed.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		bySessions: make(map[string]domainagent.Key),
		byAgent:    make(map[domainagent.Key]string),
	}
}

// SetMCPServer injects the mcp-go server after construction (breaks the init cycle).
func (r *SessionRegistry) SetMCPServer(s *mcpserver.MCPServer) {
	r.mcpMu.Lock()
	r.mcpSrv = s
	r.mcpMu.Unlock()
}

// Register maps a session to an agent. Called by the register_agent MCP tool.
// A reconnecting agent replaces its previous session mapping.
func (r *SessionRegistry) Register(sessionID string, key domainagent.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if oldSession, ok := r.byAgent[key]; ok {
		delete(r.bySessions, oldSession)
	}

	r.bySessions[sessionID] = key
	r.byAgent[key] = sessionID
}

// Unregister removes a session when it closes. Returns the agent key it mapped to.
func (r *SessionRegistry) Unregister(sessionID string) (domainagent.Key, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.bySessions[sessionID]
	if !ok {
		return domainagent.Key{}, false
	}

	delete(r.bySessions, sessionID)
	delete(r.byAgent, key)
	return key, true
}

// NotifyAgent implements port/notifier.AgentNotifier.
func (r *SessionRegistry) NotifyAgent(_ context.Context, key domainagent.Key, event any) error {
	r.mu.RLock()
	sessionID, ok := r.byAgent[key]
	r.mu.RUnlock()

	if !ok {
		return nil // Agent not connected — no-op.
	}

	r.mcpMu.RLock()
	srv := r.mcpSrv
	r.mcpMu.RUnlock()

	if srv == nil {
		return fmt.Errorf("mcp server not initialized")
	}

	params, err := toParams(event)
	if err != nil {
		return fmt.Errorf("serialize notification: %w", err)
	}

	return srv.SendNotificationToSpecificClient(sessionID, "notifications/message", params)
}

// IsConnected returns whether the agent has an active streaming session.
func (r *SessionRegistry) IsConnected(key domainagent.Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byAgent[key]
	return ok
}

func toParams(event any) (map[string]any, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return map[string]any{"data": event}, nil
	}
	return params, nil
}
