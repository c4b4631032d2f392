package aim

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opena2a/aim-go-sdk/internal/detect"
	"github.com/opena2a/aim-go-sdk/pkg/signing"
)

const mcpServersEndpoint = "/api/v1/mcp-servers"

// MCPServer is the control plane's record of an MCP server.
type MCPServer struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	URL          string   `json:"url,omitempty"`
	Version      string   `json:"version,omitempty"`
	PublicKey    string   `json:"public_key,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Status       string   `json:"status,omitempty"`
	TrustScore   float64  `json:"trust_score,omitempty"`
	CreatedAt    string   `json:"created_at,omitempty"`
}

// AttachResult reports MCP servers linked to the agent's talks_to list.
type AttachResult struct {
	Success      bool     `json:"success"`
	Message      string   `json:"message,omitempty"`
	Added        int      `json:"added"`
	AgentID      string   `json:"agent_id,omitempty"`
	MCPServerIDs []string `json:"mcp_server_ids,omitempty"`
}

// AttachMCPServers links MCP servers to this agent's talks_to list,
// recording how the relationship was discovered. detectionMethod
// defaults to "manual" and confidence to 100.
func (c *Client) AttachMCPServers(ctx context.Context, mcpServerIDs []string, detectionMethod string, confidence float64, metadata map[string]any) (*AttachResult, error) {
	if len(mcpServerIDs) == 0 {
		return nil, configErrorf("mcp_server_ids cannot be empty")
	}
	if detectionMethod == "" {
		detectionMethod = "manual"
	}
	if confidence <= 0 {
		confidence = 100
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	payload := map[string]any{
		"mcp_server_ids":  mcpServerIDs,
		"detected_method": detectionMethod,
		"confidence":      confidence,
		"metadata":        metadata,
	}
	var result AttachResult
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/api/v1/sdk-api/agents/%s/mcp-servers", c.agentID),
		payload, &result, asOperation("attach_mcp_servers"))
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// MCPServerRegistration describes an MCP server to register.
type MCPServerRegistration struct {
	Name            string
	URL             string
	PublicKey       string
	Capabilities    []string
	Description     string
	Version         string
	VerificationURL string
}

// RegisterMCPServer registers an MCP server with the control plane,
// enabling verification and trust scoring for it.
func (c *Client) RegisterMCPServer(ctx context.Context, reg MCPServerRegistration) (*MCPServer, error) {
	if reg.Name == "" {
		return nil, configErrorf("server name cannot be empty")
	}
	if len(reg.PublicKey) < 32 {
		return nil, configErrorf("public_key must be a valid Ed25519 public key")
	}
	if len(reg.Capabilities) == 0 {
		return nil, configErrorf("capabilities list cannot be empty")
	}

	description := reg.Description
	if description == "" {
		description = fmt.Sprintf("MCP Server: %s", reg.Name)
	}
	version := reg.Version
	if version == "" {
		version = "1.0.0"
	}

	payload := map[string]any{
		"name":         reg.Name,
		"description":  description,
		"url":          reg.URL,
		"version":      version,
		"public_key":   reg.PublicKey,
		"capabilities": reg.Capabilities,
	}
	if reg.VerificationURL != "" {
		payload["verification_url"] = reg.VerificationURL
	}

	var server MCPServer
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/api/v1/sdk-api/agents/%s/mcp-servers", c.agentID),
		payload, &server, asOperation("register_mcp_server"))
	if err != nil {
		return nil, err
	}
	return &server, nil
}

// ListMCPServers lists the MCP servers registered for the agent's
// organization.
func (c *Client) ListMCPServers(ctx context.Context, limit, offset int) ([]MCPServer, error) {
	if limit <= 0 {
		limit = 50
	}

	endpoint := fmt.Sprintf("/api/v1/sdk-api/agents/%s/mcp-servers?limit=%d&offset=%d",
		c.agentID, limit, offset)
	status, body, err := c.do(ctx, http.MethodGet, endpoint, nil,
		asOperation("list_mcp_servers"))
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, verificationErrorf("Request failed: HTTP %d: %s", status, truncate(body, 200))
	}

	// The endpoint has answered both a bare array and a wrapper object
	// across backend versions.
	var servers []MCPServer
	if err := json.Unmarshal(body, &servers); err == nil {
		return servers, nil
	}
	var wrapper struct {
		Servers []MCPServer `json:"servers"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, verificationErrorf("decode response: %v", err)
	}
	return wrapper.Servers, nil
}

// GetMCPServer fetches one MCP server's details.
func (c *Client) GetMCPServer(ctx context.Context, serverID string) (*MCPServer, error) {
	if serverID == "" {
		return nil, configErrorf("server_id cannot be empty")
	}

	status, body, err := c.do(ctx, http.MethodGet, mcpServersEndpoint+"/"+serverID, nil,
		asOperation("get_mcp_server"))
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, verificationErrorf("MCP server with ID '%s' not found", serverID)
	}
	if status < 200 || status >= 300 {
		return nil, verificationErrorf("Request failed: HTTP %d: %s", status, truncate(body, 200))
	}

	var server MCPServer
	if err := json.Unmarshal(body, &server); err != nil {
		return nil, verificationErrorf("decode response: %v", err)
	}
	return &server, nil
}

// DeleteMCPServer removes an MCP server registration.
func (c *Client) DeleteMCPServer(ctx context.Context, serverID string) error {
	if serverID == "" {
		return configErrorf("server_id cannot be empty")
	}

	status, body, err := c.do(ctx, http.MethodDelete, mcpServersEndpoint+"/"+serverID, nil,
		asOperation("delete_mcp_server"))
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return verificationErrorf("MCP server with ID '%s' not found", serverID)
	}
	if status < 200 || status >= 300 {
		return verificationErrorf("Request failed: HTTP %d: %s", status, truncate(body, 200))
	}
	return nil
}

// TrackMCPCall records a runtime MCP tool invocation in the local
// tracker. Call it before invoking an MCP tool; the aggregated calls
// surface as detections on the next ReportDetections run. It makes no
// network request.
func (c *Client) TrackMCPCall(server, tool string) {
	detect.TrackMCPCall(server, tool)
}

// MCPConnection records that this agent used an MCP server tool.
type MCPConnection struct {
	Success        bool   `json:"success"`
	ConnectionID   string `json:"connection_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	MCPServerID    string `json:"mcp_server_id,omitempty"`
	ConnectionType string `json:"connection_type,omitempty"`
}

// RecordMCPUsage creates or refreshes the agent's connection record for
// an MCP server tool call. mcpURL and mcpName may be empty after the
// first connection.
func (c *Client) RecordMCPUsage(ctx context.Context, serverID, toolName, mcpURL, mcpName string) (*MCPConnection, error) {
	if serverID == "" {
		return nil, configErrorf("server_id cannot be empty")
	}
	if toolName == "" {
		return nil, configErrorf("tool_name cannot be empty")
	}

	payload := map[string]any{
		"mcp_server_id":   serverID,
		"tool_name":       toolName,
		"mcp_url":         mcpURL,
		"mcp_name":        mcpName,
		"connection_type": "attested",
	}
	var conn MCPConnection
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/api/v1/sdk-api/agents/%s/mcp-connections", c.agentID),
		payload, &conn, asOperation("record_mcp_usage"))
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

// MCPAttestation is what an agent vouches for after probing an MCP
// server.
type MCPAttestation struct {
	MCPURL               string
	MCPName              string
	CapabilitiesFound    []string
	ConnectionSuccessful bool
	HealthCheckPassed    bool
	ConnectionLatencyMS  float64
}

// AttestationResult is the control plane's response to an attestation.
type AttestationResult struct {
	Success            bool    `json:"success"`
	AttestationID      string  `json:"attestation_id,omitempty"`
	MCPConfidenceScore float64 `json:"mcp_confidence_score,omitempty"`
	AttestationCount   int     `json:"attestation_count,omitempty"`
}

// AttestMCPServer submits a signed attestation of an MCP server's
// reachability and capabilities. The attestation body is signed over
// its compact canonical form so the control plane can verify it
// independently of the enclosing request.
func (c *Client) AttestMCPServer(ctx context.Context, serverID string, att MCPAttestation) (*AttestationResult, error) {
	if serverID == "" {
		return nil, configErrorf("server_id cannot be empty")
	}
	if c.keypair == nil {
		return nil, configErrorf("an Ed25519 signing key is required for attestations")
	}

	capabilities := att.CapabilitiesFound
	if capabilities == nil {
		capabilities = []string{}
	}
	attestation := map[string]any{
		"agent_id":              c.agentID,
		"mcp_url":               att.MCPURL,
		"mcp_name":              att.MCPName,
		"capabilities_found":    capabilities,
		"connection_successful": att.ConnectionSuccessful,
		"health_check_passed":   att.HealthCheckPassed,
		"connection_latency_ms": att.ConnectionLatencyMS,
		"timestamp":             time.Now().UTC().Format(resultTimestampLayout),
		"sdk_version":           Version,
	}

	sig, err := signing.SignCompact(c.keypair.Private, attestation)
	if err != nil {
		return nil, fmt.Errorf("sign attestation: %w", err)
	}

	payload := map[string]any{
		"attestation": attestation,
		"signature":   sig,
	}
	var result AttestationResult
	err = c.doJSON(ctx, http.MethodPost, mcpServersEndpoint+"/"+serverID+"/attest",
		payload, &result, asOperation("attest_mcp_server"))
	if err != nil {
		return nil, err
	}
	return &result, nil
}
