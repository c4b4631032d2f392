package aim

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/opena2a/aim-go-sdk/pkg/signing"
)

const agentsEndpoint = "/api/v1/agents"

// Agent is the control plane's record of a registered agent.
type Agent struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	DisplayName      string   `json:"display_name,omitempty"`
	Description      string   `json:"description,omitempty"`
	AgentType        string   `json:"agent_type,omitempty"`
	Status           string   `json:"status,omitempty"`
	TrustScore       float64  `json:"trust_score,omitempty"`
	PublicKey        string   `json:"public_key,omitempty"`
	Capabilities     []string `json:"capabilities,omitempty"`
	TalksTo          []string `json:"talks_to,omitempty"`
	OrganizationID   string   `json:"organization_id,omitempty"`
	Version          string   `json:"version,omitempty"`
	RepositoryURL    string   `json:"repository_url,omitempty"`
	DocumentationURL string   `json:"documentation_url,omitempty"`
	CreatedAt        string   `json:"created_at,omitempty"`
	UpdatedAt        string   `json:"updated_at,omitempty"`
}

// CreateAgentRequest describes a new agent to provision.
type CreateAgentRequest struct {
	Name             string
	DisplayName      string
	Description      string
	AgentType        string
	Version          string
	RepositoryURL    string
	DocumentationURL string
	Capabilities     []string
	TalksTo          []string
}

// CreatedAgent is a freshly provisioned agent together with the private
// key generated for it. The key exists only here; store it securely.
type CreatedAgent struct {
	Agent
	PrivateKey string `json:"private_key"`
}

// CreateAgent provisions a new agent in the caller's organization. The
// new agent's Ed25519 keypair is generated locally and only the public
// key is sent; the control plane's echo of it is adopted as the stored
// key of record.
func (c *Client) CreateAgent(ctx context.Context, req CreateAgentRequest) (*CreatedAgent, error) {
	if req.Name == "" {
		return nil, configErrorf("name is required and must be a non-empty string")
	}

	kp, err := signing.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Name
	}
	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Agent %s created via AIM SDK", req.Name)
	}
	agentType := req.AgentType
	if agentType == "" {
		agentType = "ai_agent"
	}

	payload := map[string]any{
		"name":        req.Name,
		"displayName": displayName,
		"description": description,
		"agentType":   agentType,
		"publicKey":   kp.PublicBase64(),
	}
	if req.Version != "" {
		payload["version"] = req.Version
	}
	if req.RepositoryURL != "" {
		payload["repositoryUrl"] = req.RepositoryURL
	}
	if req.DocumentationURL != "" {
		payload["documentationUrl"] = req.DocumentationURL
	}
	if len(req.Capabilities) > 0 {
		payload["capabilities"] = req.Capabilities
	}
	if len(req.TalksTo) > 0 {
		payload["talksTo"] = req.TalksTo
	}

	var created CreatedAgent
	err = c.doJSON(ctx, http.MethodPost, agentsEndpoint, payload, &created,
		asOperation("create_agent"))
	if err != nil {
		return nil, err
	}
	if created.Agent.ID == "" {
		return nil, verificationErrorf("Agent creation failed: response carried no agent id")
	}
	created.PrivateKey = kp.PrivateBase64()
	if created.Agent.PublicKey == "" {
		created.Agent.PublicKey = kp.PublicBase64()
	}
	return &created, nil
}

// GetAgent fetches an agent's details. An empty id means the client's
// own agent. Results are cached when the client was built with
// WithCacheTTL.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	if agentID == "" {
		agentID = c.agentID
	}
	if c.cache != nil {
		if agent, ok := c.cache.get(agentID); ok {
			return agent, nil
		}
	}

	var agent Agent
	err := c.doJSON(ctx, http.MethodGet, agentsEndpoint+"/"+agentID, nil, &agent,
		asOperation("get_agent"))
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.set(agentID, &agent)
	}
	return &agent, nil
}

// ListAgentsOptions filter and paginate ListAgents.
type ListAgentsOptions struct {
	Limit     int
	Offset    int
	Status    string
	AgentType string
}

// AgentList is one page of agents.
type AgentList struct {
	Agents []Agent `json:"agents"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// ListAgents lists the organization's agents. The page size defaults to
// 50 and is capped at 100.
func (c *Client) ListAgents(ctx context.Context, opts ListAgentsOptions) (*AgentList, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(opts.Offset))
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.AgentType != "" {
		params.Set("agent_type", opts.AgentType)
	}

	var list AgentList
	err := c.doJSON(ctx, http.MethodGet, agentsEndpoint+"?"+params.Encode(), nil, &list,
		asOperation("list_agents"))
	if err != nil {
		return nil, err
	}
	return &list, nil
}

// AgentUpdate is a partial update; nil fields are left unchanged.
type AgentUpdate struct {
	DisplayName      *string
	Description      *string
	Version          *string
	RepositoryURL    *string
	DocumentationURL *string
}

// String returns a pointer for AgentUpdate fields.
func String(s string) *string { return &s }

// UpdateAgent updates an agent's mutable fields. An empty id means the
// client's own agent; at least one field must be set.
func (c *Client) UpdateAgent(ctx context.Context, agentID string, upd AgentUpdate) (*Agent, error) {
	if agentID == "" {
		agentID = c.agentID
	}

	payload := map[string]any{}
	if upd.DisplayName != nil {
		payload["display_name"] = *upd.DisplayName
	}
	if upd.Description != nil {
		payload["description"] = *upd.Description
	}
	if upd.Version != nil {
		payload["version"] = *upd.Version
	}
	if upd.RepositoryURL != nil {
		payload["repository_url"] = *upd.RepositoryURL
	}
	if upd.DocumentationURL != nil {
		payload["documentation_url"] = *upd.DocumentationURL
	}
	if len(payload) == 0 {
		return nil, configErrorf("At least one field must be provided for update")
	}

	var agent Agent
	err := c.doJSON(ctx, http.MethodPut, agentsEndpoint+"/"+agentID, payload, &agent,
		asOperation("update_agent"))
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.invalidate(agentID)
	}
	return &agent, nil
}

// DeleteResult reports the outcome of a deletion.
type DeleteResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DeleteAgent soft-deletes an agent. Deleting the currently
// authenticated agent is refused.
func (c *Client) DeleteAgent(ctx context.Context, agentID string) (*DeleteResult, error) {
	if agentID == "" || agentID == c.agentID {
		return nil, configErrorf("Cannot delete the currently authenticated agent")
	}

	status, body, err := c.do(ctx, http.MethodDelete, agentsEndpoint+"/"+agentID, nil,
		asOperation("delete_agent"))
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, verificationErrorf("Request failed: HTTP %d: %s", status, truncate(body, 200))
	}
	if c.cache != nil {
		c.cache.invalidate(agentID)
	}

	result := DeleteResult{Success: true, Message: "Agent deleted successfully"}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, verificationErrorf("decode response: %v", err)
		}
	}
	return &result, nil
}
