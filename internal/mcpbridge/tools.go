package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opena2a/aim-go-sdk/pkg/aim"
)

// ToolDefinition is the MCP tool descriptor sent in tools/list responses.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func ok(text string) (string, bool)   { return text, false }
func fail(text string) (string, bool) { return text, true }
func failf(format string, a ...any) (string, bool) {
	return fmt.Sprintf(format, a...), true
}

// GatePolicy controls pre-dispatch verification. When enabled, every
// tool call is itself submitted for verification before it runs, so a
// control-plane deny stops the tool cold.
type GatePolicy struct {
	Enabled bool
	// Timeout bounds the approval wait per gated call. Zero uses the
	// client's default.
	Timeout time.Duration
}

// ToolRegistry holds the AIM client and the definitions/handlers for all tools.
type ToolRegistry struct {
	c    *aim.Client
	gate GatePolicy
	defs []ToolDefinition
}

// NewToolRegistry creates a ToolRegistry backed by the given AIM client.
func NewToolRegistry(c *aim.Client, gate GatePolicy) *ToolRegistry {
	r := &ToolRegistry{c: c, gate: gate}
	r.defs = []ToolDefinition{
		{
			Name: "verify_action",
			Description: "Request AIM verification for an action before performing it. " +
				"Returns the decision: approved actions carry who approved them and when the approval expires; " +
				"denied actions carry the denial reason. Call this before any sensitive operation.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action_type": map[string]any{
						"type":        "string",
						"description": "What kind of action this is, e.g. read_database, send_email, delete_file",
					},
					"resource": map[string]any{
						"type":        "string",
						"description": "The resource the action targets, e.g. a table name, file path, or mailbox. Optional.",
					},
					"context": map[string]any{
						"type":        "object",
						"description": "Extra context for the risk decision, e.g. {\"rows\": 400}. Optional.",
					},
				},
				"required": []string{"action_type"},
			},
		},
		{
			Name: "report_result",
			Description: "Report how a verified action went. Call this after completing (or failing) " +
				"an action that verify_action approved, quoting its verification id.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"verification_id": map[string]any{
						"type":        "string",
						"description": "The verification id returned by verify_action",
					},
					"success": map[string]any{
						"type":        "boolean",
						"description": "Whether the action succeeded",
					},
					"result_summary": map[string]any{
						"type":        "string",
						"description": "Short human-readable summary of what happened. Optional.",
					},
					"error_message": map[string]any{
						"type":        "string",
						"description": "Error detail when the action failed. Optional.",
					},
				},
				"required": []string{"verification_id", "success"},
			},
		},
		{
			Name: "agent_status",
			Description: "Show this agent's AIM identity as the control plane sees it: " +
				"agent id, name, status, trust score, and registration details.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name: "track_mcp_call",
			Description: "Record that this agent used a tool on another MCP server, " +
				"keeping the control plane's usage graph current.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"mcp_server_id": map[string]any{
						"type":        "string",
						"description": "The AIM id of the MCP server that was called",
					},
					"tool_name": map[string]any{
						"type":        "string",
						"description": "The name of the tool that was invoked",
					},
					"mcp_url": map[string]any{
						"type":        "string",
						"description": "The MCP server's URL, recorded on first connection. Optional.",
					},
					"mcp_name": map[string]any{
						"type":        "string",
						"description": "The MCP server's display name. Optional.",
					},
				},
				"required": []string{"mcp_server_id", "tool_name"},
			},
		},
	}
	return r
}

// Definitions returns the list of tool definitions for tools/list responses.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	return r.defs
}

// Call dispatches a tool call by name and returns (output text, isError).
func (r *ToolRegistry) Call(ctx context.Context, name string, args json.RawMessage) (string, bool) {
	if r.gate.Enabled {
		if text, blocked := r.gateCheck(ctx, name); blocked {
			return text, blocked
		}
	}

	switch name {
	case "verify_action":
		return r.verifyAction(ctx, args)
	case "report_result":
		return r.reportResult(ctx, args)
	case "agent_status":
		return r.agentStatus(ctx)
	case "track_mcp_call":
		return r.trackMCPCall(ctx, args)
	default:
		return failf("unknown tool: %q", name)
	}
}

// gateCheck submits the tool invocation itself for verification and
// blocks the call unless the control plane allows it.
func (r *ToolRegistry) gateCheck(ctx context.Context, tool string) (string, bool) {
	_, err := r.c.VerifyAction(ctx, "mcp_tool_call", tool, map[string]any{
		"tool":   tool,
		"bridge": "aim-mcp-bridge",
	}, r.gate.Timeout)
	if err != nil {
		var denied *aim.ActionDeniedError
		if errors.As(err, &denied) {
			return fmt.Sprintf("tool call blocked by policy: %s", denied.Reason), true
		}
		return fmt.Sprintf("tool call verification failed: %v", err), true
	}
	return "", false
}

// ── tool handlers ────────────────────────────────────────────────────────────

func (r *ToolRegistry) verifyAction(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		ActionType string         `json:"action_type"`
		Resource   string         `json:"resource"`
		Context    map[string]any `json:"context"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.ActionType == "" {
		return fail("action_type is required")
	}

	decision, err := r.c.VerifyAction(ctx, in.ActionType, in.Resource, in.Context, 0)
	if err != nil {
		var denied *aim.ActionDeniedError
		if errors.As(err, &denied) {
			// A denial is an answer, not a tool failure: the model needs
			// to read the reason and adjust.
			out, _ := json.MarshalIndent(map[string]any{
				"verified": false,
				"status":   "denied",
				"reason":   denied.Reason,
			}, "", "  ")
			return ok(string(out))
		}
		return failf("verification failed: %v", err)
	}

	out, _ := json.MarshalIndent(decision, "", "  ")
	return ok(string(out))
}

func (r *ToolRegistry) reportResult(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		VerificationID string `json:"verification_id"`
		Success        *bool  `json:"success"`
		ResultSummary  string `json:"result_summary"`
		ErrorMessage   string `json:"error_message"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.VerificationID == "" {
		return fail("verification_id is required")
	}
	if in.Success == nil {
		return fail("success is required")
	}

	r.c.LogActionResult(ctx, in.VerificationID, *in.Success, in.ResultSummary, in.ErrorMessage)
	return ok(fmt.Sprintf("result recorded for verification %s", in.VerificationID))
}

func (r *ToolRegistry) agentStatus(ctx context.Context) (string, bool) {
	agent, err := r.c.GetAgent(ctx, r.c.AgentID())
	if err != nil {
		return failf("fetch agent status failed: %v", err)
	}

	out, _ := json.MarshalIndent(agent, "", "  ")
	return ok(string(out))
}

func (r *ToolRegistry) trackMCPCall(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		MCPServerID string `json:"mcp_server_id"`
		ToolName    string `json:"tool_name"`
		MCPURL      string `json:"mcp_url"`
		MCPName     string `json:"mcp_name"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.MCPServerID == "" {
		return fail("mcp_server_id is required")
	}
	if in.ToolName == "" {
		return fail("tool_name is required")
	}

	name := in.MCPName
	if name == "" {
		name = in.MCPServerID
	}
	r.c.TrackMCPCall(name, in.ToolName)

	conn, err := r.c.RecordMCPUsage(ctx, in.MCPServerID, in.ToolName, in.MCPURL, in.MCPName)
	if err != nil {
		return failf("track mcp call failed: %v", err)
	}

	out, _ := json.MarshalIndent(conn, "", "  ")
	return ok(string(out))
}
