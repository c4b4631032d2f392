package emulator

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Trust posture assigned to freshly registered agents.
const (
	newAgentStatus     = "verified"
	newAgentTrustScore = 50.0
)

type registerAgentRequest struct {
	Name               string   `json:"name" binding:"required"`
	DisplayName        string   `json:"displayName"`
	Description        string   `json:"description"`
	AgentType          string   `json:"agentType"`
	PublicKey          string   `json:"publicKey" binding:"required"`
	Version            string   `json:"version"`
	RepositoryURL      string   `json:"repositoryUrl"`
	DocumentationURL   string   `json:"documentationUrl"`
	OrganizationDomain string   `json:"organizationDomain"`
	Capabilities       []string `json:"capabilities"`
	TalksTo            []string `json:"talksTo"`
}

// handlePublicRegister handles POST /api/v1/public/agents/register.
// The route is open; it authenticates itself with the bootstrap API key
// sent in X-AIM-API-Key.
func (s *Server) handlePublicRegister(c *gin.Context) {
	key := c.GetHeader("X-AIM-API-Key")
	if key == "" || bcrypt.CompareHashAndPassword(s.apiKeyHash, []byte(key)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
		return
	}
	s.registerAgent(c, "api-key")
}

// handleCreateAgent handles POST /api/v1/agents for authenticated callers.
func (s *Server) handleCreateAgent(c *gin.Context) {
	actor := callerAgentID(c)
	if actor == "" {
		actor = "api-key"
	}
	s.registerAgent(c, actor)
}

func (s *Server) registerAgent(c *gin.Context, actor string) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agentType := req.AgentType
	if agentType == "" {
		agentType = "ai_agent"
	}
	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Name
	}

	rec := s.store.CreateAgent(&AgentRecord{
		Name:               req.Name,
		DisplayName:        displayName,
		Description:        req.Description,
		AgentType:          agentType,
		Status:             newAgentStatus,
		PublicKey:          req.PublicKey,
		TrustScore:         newAgentTrustScore,
		Capabilities:       req.Capabilities,
		TalksTo:            req.TalksTo,
		Version:            req.Version,
		RepositoryURL:      req.RepositoryURL,
		DocumentationURL:   req.DocumentationURL,
		OrganizationDomain: req.OrganizationDomain,
	})

	s.appendAudit(rec.ID, "agent.registered", actor, map[string]any{
		"name":       rec.Name,
		"agent_type": rec.AgentType,
	})
	s.refreshAgentGauges()
	s.logger.Info("agent registered",
		zap.String("agent_id", rec.ID),
		zap.String("name", rec.Name),
		zap.String("agent_type", rec.AgentType))

	body := agentJSON(rec)
	body["agent_id"] = rec.ID
	c.JSON(http.StatusCreated, body)
}

// handleGetAgent handles GET /api/v1/agents/:id.
func (s *Server) handleGetAgent(c *gin.Context) {
	rec, ok := s.store.GetAgent(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, agentJSON(rec))
}

// handleListAgents handles GET /api/v1/agents.
func (s *Server) handleListAgents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	page, total := s.store.ListAgents(limit, offset, c.Query("status"), c.Query("agent_type"))
	agents := make([]gin.H, 0, len(page))
	for _, rec := range page {
		agents = append(agents, agentJSON(rec))
	}
	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

type updateAgentRequest struct {
	DisplayName      *string `json:"display_name"`
	Description      *string `json:"description"`
	Version          *string `json:"version"`
	RepositoryURL    *string `json:"repository_url"`
	DocumentationURL *string `json:"documentation_url"`
}

// handleUpdateAgent handles PUT /api/v1/agents/:id — a partial update of
// the mutable fields.
func (s *Server) handleUpdateAgent(c *gin.Context) {
	var req updateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.DisplayName == nil && req.Description == nil && req.Version == nil &&
		req.RepositoryURL == nil && req.DocumentationURL == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no updatable fields provided"})
		return
	}

	rec, ok := s.store.UpdateAgent(c.Param("id"), func(a *AgentRecord) {
		if req.DisplayName != nil {
			a.DisplayName = *req.DisplayName
		}
		if req.Description != nil {
			a.Description = *req.Description
		}
		if req.Version != nil {
			a.Version = *req.Version
		}
		if req.RepositoryURL != nil {
			a.RepositoryURL = *req.RepositoryURL
		}
		if req.DocumentationURL != nil {
			a.DocumentationURL = *req.DocumentationURL
		}
	})
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	s.appendAudit(rec.ID, "agent.updated", callerOrSystem(c), nil)
	c.JSON(http.StatusOK, agentJSON(rec))
}

// handleDeleteAgent handles DELETE /api/v1/agents/:id — a soft delete
// that flips the status; the record stays for audit continuity.
func (s *Server) handleDeleteAgent(c *gin.Context) {
	id := c.Param("id")
	if caller := callerAgentID(c); caller != "" && caller == id {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot delete the currently authenticated agent"})
		return
	}

	rec, ok := s.store.UpdateAgent(id, func(a *AgentRecord) {
		a.Status = "deleted"
	})
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	s.appendAudit(rec.ID, "agent.deleted", callerOrSystem(c), nil)
	s.refreshAgentGauges()
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Agent deleted successfully"})
}

// agentJSON renders an agent record in the wire shape.
func agentJSON(rec *AgentRecord) gin.H {
	body := gin.H{
		"id":          rec.ID,
		"name":        rec.Name,
		"agent_type":  rec.AgentType,
		"status":      rec.Status,
		"trust_score": rec.TrustScore,
		"public_key":  rec.PublicKey,
		"created_at":  rec.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":  rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if rec.DisplayName != "" {
		body["display_name"] = rec.DisplayName
	}
	if rec.Description != "" {
		body["description"] = rec.Description
	}
	if len(rec.Capabilities) > 0 {
		body["capabilities"] = rec.Capabilities
	}
	if len(rec.TalksTo) > 0 {
		body["talks_to"] = rec.TalksTo
	}
	if rec.Version != "" {
		body["version"] = rec.Version
	}
	if rec.RepositoryURL != "" {
		body["repository_url"] = rec.RepositoryURL
	}
	if rec.DocumentationURL != "" {
		body["documentation_url"] = rec.DocumentationURL
	}
	return body
}

func callerOrSystem(c *gin.Context) string {
	if id := callerAgentID(c); id != "" {
		return id
	}
	return "api-key"
}

// refreshAgentGauges recounts agents by status for the metrics endpoint.
func (s *Server) refreshAgentGauges() {
	byStatus := map[string]int{}
	page, _ := s.store.ListAgents(10000, 0, "", "")
	for _, rec := range page {
		byStatus[rec.Status]++
	}
	for status, n := range byStatus {
		setAgentsGauge(status, float64(n))
	}
}
