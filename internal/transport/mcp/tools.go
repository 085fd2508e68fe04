package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpmcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	domainagent "github.com/reverie/coord/internal/domain/agent"
	domainres "github.com/reverie/coord/internal/domain/reservation"
	dispatchsvc "github.com/reverie/coord/internal/service/dispatch"
	registrysvc "github.com/reverie/coord/internal/service/registry"
)

// RegisterTools registers all MCP tools on the server.
// Add a new tool by adding a new AddTool call — server.go never changes.
func RegisterTools(
	s *mcpserver.MCPServer,
	reg *SessionRegistry,
	registrySvc *registrysvc.Service,
	dispatchSvc *dispatchsvc.Service,
) {
	s.AddTool(mcpmcp.NewTool("register_agent",
		mcpmcp.WithDescription("Register this agent with the coordination layer. Re-registering with the same agent_key replaces the capability set and counts as a heartbeat."),
		mcpmcp.WithString("agent_key", mcpmcp.Required(), mcpmcp.Description("Agent key as type:instance_id, e.g. narrative:worker-3")),
		mcpmcp.WithArray("capabilities", mcpmcp.Required(), mcpmcp.Description("Operation classes this agent can serve, e.g. [\"narrative.generate\", \"safety.screen\"]")),
	), registerAgentHandler(reg, registrySvc))

	s.AddTool(mcpmcp.NewTool("heartbeat",
		mcpmcp.WithDescription("Report liveness. Call at least once per heartbeat interval; an agent whose last heartbeat falls outside the liveness window stops receiving work."),
		mcpmcp.WithString("agent_key", mcpmcp.Required(), mcpmcp.Description("Agent key as type:instance_id")),
	), heartbeatHandler(registrySvc))

	s.AddTool(mcpmcp.NewTool("poll_for_work",
		mcpmcp.WithDescription("Request the oldest pending task for a capability, reserved to this agent. Returns null when nothing is available or this agent is not currently eligible — wait for a task_enqueued notification then call again."),
		mcpmcp.WithString("agent_key", mcpmcp.Required(), mcpmcp.Description("Agent key as type:instance_id")),
		mcpmcp.WithString("capability", mcpmcp.Required(), mcpmcp.Description("Operation class to pull work for")),
	), pollForWorkHandler(dispatchSvc))

	s.AddTool(mcpmcp.NewTool("report_outcome",
		mcpmcp.WithDescription("Report the result of a reserved task. Outcome is \"success\" or \"failure\". A failed task is retried until its attempt budget is exhausted."),
		mcpmcp.WithString("task_id", mcpmcp.Required(), mcpmcp.Description("Task identifier")),
		mcpmcp.WithString("agent_key", mcpmcp.Required(), mcpmcp.Description("Agent key holding the reservation")),
		mcpmcp.WithString("outcome", mcpmcp.Required(), mcpmcp.Description("One of: success, failure")),
	), reportOutcomeHandler(dispatchSvc))
}

// ── Tool handlers ─────────────────────────────────────────────────────────

func registerAgentHandler(reg *SessionRegistry, registrySvc *registrysvc.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		keyStr := mcpmcp.ParseString(req, "agent_key", "")
		key, err := domainagent.ParseKey(keyStr)
		if err != nil {
			return mcpmcp.NewToolResultText("error: invalid agent_key — expected type:instance_id"), nil
		}

		caps := parseStringSlice(req, "capabilities")

		rec, err := registrySvc.Register(ctx, key, caps)
		if err != nil {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err)), nil
		}

		if session := mcpserver.ClientSessionFromContext(ctx); session != nil {
			reg.Register(session.SessionID(), key)
		}

		data, _ := json.Marshal(map[string]any{
			"agent_key":    rec.Key.String(),
			"capabilities": rec.Capabilities,
		})
		return mcpmcp.NewToolResultText(string(data)), nil
	}
}

func heartbeatHandler(registrySvc *registrysvc.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		keyStr := mcpmcp.ParseString(req, "agent_key", "")
		key, err := domainagent.ParseKey(keyStr)
		if err != nil {
			return mcpmcp.NewToolResultText("error: invalid agent_key — expected type:instance_id"), nil
		}

		if err := registrySvc.Heartbeat(ctx, key); err != nil {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err)), nil
		}
		return mcpmcp.NewToolResultText(`{"ok":true}`), nil
	}
}

func pollForWorkHandler(dispatchSvc *dispatchsvc.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		keyStr := mcpmcp.ParseString(req, "agent_key", "")
		capability := mcpmcp.ParseString(req, "capability", "")

		key, err := domainagent.ParseKey(keyStr)
		if err != nil {
			return mcpmcp.NewToolResultText("error: invalid agent_key — expected type:instance_id"), nil
		}
		if capability == "" {
			return mcpmcp.NewToolResultText("error: capability required"), nil
		}

		assignment, ok, err := dispatchSvc.PollForWork(ctx, key, capability)
		if err != nil {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err)), nil
		}
		if !ok {
			return mcpmcp.NewToolResultText("null"), nil
		}

		data, _ := json.Marshal(assignment)
		return mcpmcp.NewToolResultText(string(data)), nil
	}
}

func reportOutcomeHandler(dispatchSvc *dispatchsvc.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		taskID := mcpmcp.ParseString(req, "task_id", "")
		keyStr := mcpmcp.ParseString(req, "agent_key", "")
		outcome := domainres.Outcome(mcpmcp.ParseString(req, "outcome", ""))

		key, err := domainagent.ParseKey(keyStr)
		if err != nil {
			return mcpmcp.NewToolResultText("error: invalid agent_key — expected type:instance_id"), nil
		}
		if !outcome.Valid() {
			return mcpmcp.NewToolResultText("error: invalid outcome — must be one of: success, failure"), nil
		}

		t, err := dispatchSvc.ReportOutcome(ctx, taskID, key, outcome)
		if err != nil {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err)), nil
		}

		data, _ := json.Marshal(t)
		return mcpmcp.NewToolResultText(string(data)), nil
	}
}

// parseStringSlice reads a tool argument declared as an array of strings.
func parseStringSlice(req mcpmcp.CallToolRequest, key string) []string {
	args := req.GetArguments()
	raw, ok := args[key]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
