package emulator

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opena2a/aim-go-sdk/pkg/signing"
)

// handleAgentMCPServers handles POST /api/v1/sdk-api/agents/:id/mcp-servers.
//
// The route serves two request shapes: attaching existing servers to the
// agent's talks_to list (body carries mcp_server_ids) and registering a
// new server (body carries name and public_key).
func (s *Server) handleAgentMCPServers(c *gin.Context) {
	agentID := c.Param("id")
	if _, ok := s.store.GetAgent(agentID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}
	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	if _, ok := probe["mcp_server_ids"]; ok {
		s.attachMCPServers(c, agentID, raw)
		return
	}
	s.registerMCPServer(c, agentID, raw)
}

type attachMCPRequest struct {
	MCPServerIDs   []string       `json:"mcp_server_ids"`
	DetectedMethod string         `json:"detected_method"`
	Confidence     float64        `json:"confidence"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) attachMCPServers(c *gin.Context, agentID string, raw []byte) {
	var req attachMCPRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if len(req.MCPServerIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mcp_server_ids cannot be empty"})
		return
	}

	var attached []string
	var names []string
	for _, id := range req.MCPServerIDs {
		server, ok := s.store.GetMCPServer(id)
		if !ok {
			continue
		}
		attached = append(attached, id)
		names = append(names, server.Name)
	}
	s.store.AttachTalksTo(agentID, names)

	s.appendAudit(agentID, "mcp.attached", callerOrSystem(c), map[string]any{
		"mcp_server_ids": attached,
		"method":         req.DetectedMethod,
	})
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"message":        "MCP servers attached",
		"added":          len(attached),
		"agent_id":       agentID,
		"mcp_server_ids": attached,
	})
}

type registerMCPRequest struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	URL             string   `json:"url"`
	Version         string   `json:"version"`
	PublicKey       string   `json:"public_key"`
	Capabilities    []string `json:"capabilities"`
	VerificationURL string   `json:"verification_url"`
}

func (s *Server) registerMCPServer(c *gin.Context, agentID string, raw []byte) {
	var req registerMCPRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name cannot be empty"})
		return
	}
	if len(req.PublicKey) < 32 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "public_key must be a valid Ed25519 public key"})
		return
	}
	if len(req.Capabilities) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "capabilities list cannot be empty"})
		return
	}

	// Re-registering a known name updates it instead of duplicating.
	if existing, ok := s.store.GetMCPServerByName(req.Name); ok {
		updated, _ := s.store.UpdateMCPServer(existing.ID, func(m *MCPServerRecord) {
			m.Description = req.Description
			m.URL = req.URL
			m.Version = req.Version
			m.PublicKey = req.PublicKey
			m.Capabilities = req.Capabilities
			m.Status = "verified"
		})
		s.store.AttachTalksTo(agentID, []string{updated.Name})
		c.JSON(http.StatusOK, mcpServerJSON(updated))
		return
	}

	rec := s.store.CreateMCPServer(&MCPServerRecord{
		Name:         req.Name,
		Description:  req.Description,
		URL:          req.URL,
		Version:      req.Version,
		PublicKey:    req.PublicKey,
		Capabilities: req.Capabilities,
		Status:       "verified",
		TrustScore:   newAgentTrustScore,
	})
	s.store.AttachTalksTo(agentID, []string{rec.Name})

	s.appendAudit(agentID, "mcp.registered", callerOrSystem(c), map[string]any{
		"mcp_server_id": rec.ID,
		"name":          rec.Name,
	})
	s.logger.Info("mcp server registered",
		zap.String("mcp_server_id", rec.ID),
		zap.String("name", rec.Name),
		zap.String("agent_id", agentID))
	c.JSON(http.StatusCreated, mcpServerJSON(rec))
}

// handleListAgentMCPServers handles GET /api/v1/sdk-api/agents/:id/mcp-servers.
func (s *Server) handleListAgentMCPServers(c *gin.Context) {
	if _, ok := s.store.GetAgent(c.Param("id")); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	page := s.store.ListMCPServers(limit, offset)
	servers := make([]gin.H, 0, len(page))
	for _, rec := range page {
		servers = append(servers, mcpServerJSON(rec))
	}
	c.JSON(http.StatusOK, gin.H{"servers": servers})
}

// handleGetMCPServer handles GET /api/v1/mcp-servers/:id.
func (s *Server) handleGetMCPServer(c *gin.Context) {
	rec, ok := s.store.GetMCPServer(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "MCP server not found"})
		return
	}
	c.JSON(http.StatusOK, mcpServerJSON(rec))
}

// handleDeleteMCPServer handles DELETE /api/v1/mcp-servers/:id.
func (s *Server) handleDeleteMCPServer(c *gin.Context) {
	id := c.Param("id")
	if !s.store.DeleteMCPServer(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "MCP server not found"})
		return
	}
	s.appendAudit("", "mcp.deleted", callerOrSystem(c), map[string]any{
		"mcp_server_id": id,
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "MCP server deleted"})
}

type mcpConnectionRequest struct {
	MCPServerID    string `json:"mcp_server_id" binding:"required"`
	ToolName       string `json:"tool_name" binding:"required"`
	MCPURL         string `json:"mcp_url"`
	MCPName        string `json:"mcp_name"`
	ConnectionType string `json:"connection_type"`
}

// handleMCPConnection handles POST /api/v1/sdk-api/agents/:id/mcp-connections —
// usage tracking for MCP tool calls. A first call naming an unknown
// server creates it as detected.
func (s *Server) handleMCPConnection(c *gin.Context) {
	agentID := c.Param("id")
	if _, ok := s.store.GetAgent(agentID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	var req mcpConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	serverID := req.MCPServerID
	if _, ok := s.store.GetMCPServer(serverID); !ok {
		if req.MCPName == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "MCP server not found"})
			return
		}
		created := s.store.CreateMCPServer(&MCPServerRecord{
			Name:   req.MCPName,
			URL:    req.MCPURL,
			Status: "detected",
		})
		serverID = created.ID
	}

	connType := req.ConnectionType
	if connType == "" {
		connType = "attested"
	}
	conn := s.store.UpsertConnection(agentID, serverID, req.ToolName, req.MCPURL, req.MCPName, connType)

	c.JSON(http.StatusCreated, gin.H{
		"success":         true,
		"connection_id":   conn.ID,
		"agent_id":        agentID,
		"mcp_server_id":   serverID,
		"connection_type": conn.ConnectionType,
	})
}

// handleAttestMCPServer handles POST /api/v1/mcp-servers/:id/attest.
//
// The route is open; identity is the Ed25519 signature over the compact
// canonical attestation body, checked against the attesting agent's
// registered key.
func (s *Server) handleAttestMCPServer(c *gin.Context) {
	serverID := c.Param("id")
	server, ok := s.store.GetMCPServer(serverID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "MCP server not found"})
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body struct {
		Attestation map[string]any `json:"attestation"`
		Signature   string         `json:"signature"`
	}
	if err := dec.Decode(&body); err != nil || body.Attestation == nil || body.Signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "attestation and signature are required"})
		return
	}

	agentID, _ := body.Attestation["agent_id"].(string)
	agent, ok := s.store.GetAgent(agentID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "attesting agent not found"})
		return
	}
	pub, err := signing.ParsePublicKey(agent.PublicKey)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "agent key unavailable"})
		return
	}
	if err := signing.VerifyCompact(pub, body.Attestation, body.Signature); err != nil {
		s.logger.Warn("attestation signature rejected",
			zap.String("agent_id", agentID),
			zap.String("mcp_server_id", serverID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "attestation signature verification failed"})
		return
	}
	if ts, _ := body.Attestation["timestamp"].(string); !s.attestationFresh(ts) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "attestation timestamp outside accepted window"})
		return
	}

	connected, _ := body.Attestation["connection_successful"].(bool)
	healthy, _ := body.Attestation["health_check_passed"].(bool)
	confidence := attestationConfidence(connected, healthy)

	updated, _ := s.store.UpdateMCPServer(serverID, func(m *MCPServerRecord) {
		m.AttestationCount++
		m.TrustScore = confidence
		if connected && m.Status == "detected" {
			m.Status = "verified"
		}
	})

	attestationID := uuid.NewString()
	s.appendAudit(agentID, "mcp.attested", agentID, map[string]any{
		"mcp_server_id": serverID,
		"mcp_name":      server.Name,
		"confidence":    confidence,
	})
	s.logger.Info("mcp attestation accepted",
		zap.String("mcp_server_id", serverID),
		zap.String("agent_id", agentID),
		zap.Float64("confidence", confidence))

	c.JSON(http.StatusOK, gin.H{
		"success":              true,
		"attestation_id":       attestationID,
		"mcp_confidence_score": confidence,
		"attestation_count":    updated.AttestationCount,
	})
}

// attestationFresh checks an attestation timestamp against the skew
// window. Attestations carry offset-form timestamps.
func (s *Server) attestationFresh(ts string) bool {
	if s.cfg.SkewWindow <= 0 {
		return true
	}
	var issued time.Time
	var err error
	for _, layout := range []string{"2006-01-02T15:04:05.000000-07:00", time.RFC3339Nano} {
		if issued, err = time.Parse(layout, ts); err == nil {
			break
		}
	}
	if err != nil {
		return false
	}
	age := time.Since(issued)
	if age < 0 {
		age = -age
	}
	return age <= s.cfg.SkewWindow
}

// attestationConfidence scores an attestation: reachability and a passing
// health check each add to the floor.
func attestationConfidence(connected, healthy bool) float64 {
	score := 40.0
	if connected {
		score += 30
	}
	if healthy {
		score += 30
	}
	return score
}

// mcpServerJSON renders an MCP server record in the wire shape.
func mcpServerJSON(rec *MCPServerRecord) gin.H {
	body := gin.H{
		"id":          rec.ID,
		"name":        rec.Name,
		"status":      rec.Status,
		"trust_score": rec.TrustScore,
		"created_at":  rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.Description != "" {
		body["description"] = rec.Description
	}
	if rec.URL != "" {
		body["url"] = rec.URL
	}
	if rec.Version != "" {
		body["version"] = rec.Version
	}
	if rec.PublicKey != "" {
		body["public_key"] = rec.PublicKey
	}
	if len(rec.Capabilities) > 0 {
		body["capabilities"] = rec.Capabilities
	}
	if rec.AttestationCount > 0 {
		body["attestation_count"] = rec.AttestationCount
	}
	return body
}
