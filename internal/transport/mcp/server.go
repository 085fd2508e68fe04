package mcp

import (
	"context"
	"log/slog"
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"

	dispatchsvc "github.com/reverie/coord/internal/service/dispatch"
	registrysvc "github.com/reverie/coord/internal/service/registry"
)

// Server wraps the mark3labs/mcp-go MCPServer and its StreamableHTTPServer.
// Tools are registered in tools.go, session state in registry.go.
type Server struct {
	httpSrv *mcpserver.StreamableHTTPServer
	reg     *SessionRegistry
}

// New creates the MCP transport server.
// The reg parameter is a pre-built SessionRegistry (created before the
// dispatch service in the wire so it can serve as its notifier).
func New(
	reg *SessionRegistry,
	registrySvc *registrysvc.Service,
	dispatchSvc *dispatchsvc.Service,
) *Server {
	s := &Server{reg: reg}

	hooks := &mcpserver.Hooks{}
	hooks.OnUnregisterSession = append(hooks.OnUnregisterSession, s.onSessionClose)

	mcpSrv := mcpserver.NewMCPServer(
		"coord",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithHooks(hooks),
	)

	// Inject the mcp-go server into the registry (breaks the init cycle).
	reg.SetMCPServer(mcpSrv)

	RegisterTools(mcpSrv, reg, registrySvc, dispatchSvc)

	s.httpSrv = mcpserver.NewStreamableHTTPServer(mcpSrv)
	return s
}

// Handler returns an http.Handler that serves the MCP streaming endpoint.
func (s *Server) Handler() http.Handler {
	return s.httpSrv
}

// Registry returns the session registry (implements AgentNotifier).
func (s *Server) Registry() *SessionRegistry {
	return s.reg
}

// onSessionClose drops the session mapping. The agent record itself stays:
// liveness is derived from heartbeats, and the recovery pass reclaims any
// reservation the disconnected agent was holding once its lease expires.
func (s *Server) onSessionClose(ctx context.Context, session mcpserver.ClientSession) {
	key, ok := s.reg.Unregister(session.SessionID())
	if !ok {
		return
	}
	slog.InfoContext(ctx, "mcp: session closed", "session_id", session.SessionID(), "agent_key", key.String())
}
