package emulator

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type reportCapabilityRequest struct {
	CapabilityType string         `json:"capabilityType" binding:"required"`
	Scope          map[string]any `json:"scope"`
}

// handleReportCapability handles POST /api/v1/sdk-api/agents/:id/capabilities.
// Grants are one per call; a repeated grant surfaces as the backend's
// database constraint violation, which clients treat as already granted.
func (s *Server) handleReportCapability(c *gin.Context) {
	agentID := c.Param("id")
	if _, ok := s.store.GetAgent(agentID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	var req reportCapabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	grant, err := s.store.GrantCapability(agentID, req.CapabilityType, req.Scope)
	if err != nil {
		if errors.Is(err, errDuplicateCapability) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to grant capability"})
		return
	}

	s.appendAudit(agentID, "capability.granted", callerOrSystem(c), map[string]any{
		"capability_type": grant.Type,
	})
	c.JSON(http.StatusCreated, gin.H{
		"agent_id":        grant.AgentID,
		"capability_type": grant.Type,
		"granted_at":      grant.GrantedAt.UTC().Format(time.RFC3339),
	})
}

type capabilityRequestBody struct {
	CapabilityType string `json:"capability_type" binding:"required"`
	Reason         string `json:"reason" binding:"required"`
}

// handleRequestCapability handles POST /api/v1/sdk-api/agents/:id/capability-requests.
// Requests land in the approval queue as pending; nothing is granted here.
func (s *Server) handleRequestCapability(c *gin.Context) {
	agentID := c.Param("id")
	if _, ok := s.store.GetAgent(agentID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	var req capabilityRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Reason) < 10 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason must be at least 10 characters"})
		return
	}

	rec := s.store.AddCapabilityRequest(agentID, req.CapabilityType, req.Reason)
	s.appendAudit(agentID, "capability.requested", callerOrSystem(c), map[string]any{
		"capability_type": rec.Type,
	})
	c.JSON(http.StatusCreated, gin.H{
		"id":              rec.ID,
		"agent_id":        rec.AgentID,
		"capability_type": rec.Type,
		"status":          rec.Status,
		"requested_at":    rec.RequestedAt.UTC().Format(time.RFC3339),
	})
}

type detectionEvent struct {
	MCPServer       string         `json:"mcpServer" binding:"required"`
	DetectionMethod string         `json:"detectionMethod"`
	Confidence      float64        `json:"confidence"`
	Details         map[string]any `json:"details"`
	SDKVersion      string         `json:"sdkVersion"`
	Timestamp       string         `json:"timestamp"`
}

type detectionBatch struct {
	Detections []detectionEvent `json:"detections" binding:"required"`
}

// handleDetectionReport serves both detection ingestion routes:
// POST /api/v1/detection/agents/:id/report and
// POST /api/v1/sdk-api/agents/:id/detection/report.
//
// Reported servers unknown to the registry are created with "detected"
// status; known ones just have the sighting recorded.
func (s *Server) handleDetectionReport(c *gin.Context) {
	agentID := c.Param("id")
	if _, ok := s.store.GetAgent(agentID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	var batch detectionBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var newMCPs, existingMCPs []string
	for _, d := range batch.Detections {
		s.store.AppendDetection(&DetectionRecord{
			AgentID:    agentID,
			MCPServer:  d.MCPServer,
			Method:     d.DetectionMethod,
			Confidence: d.Confidence,
			Details:    d.Details,
			SDKVersion: d.SDKVersion,
			ReportedAt: time.Now().UTC(),
		})

		if _, ok := s.store.GetMCPServerByName(d.MCPServer); ok {
			existingMCPs = append(existingMCPs, d.MCPServer)
			continue
		}
		s.store.CreateMCPServer(&MCPServerRecord{
			Name:       d.MCPServer,
			Status:     "detected",
			TrustScore: d.Confidence,
		})
		newMCPs = append(newMCPs, d.MCPServer)
	}

	s.appendAudit(agentID, "detection.reported", callerOrSystem(c), map[string]any{
		"count": len(batch.Detections),
	})
	s.logger.Info("detections reported",
		zap.String("agent_id", agentID),
		zap.Int("count", len(batch.Detections)),
		zap.Int("new", len(newMCPs)))

	c.JSON(http.StatusOK, gin.H{
		"success":             true,
		"detectionsProcessed": len(batch.Detections),
		"newMCPs":             newMCPs,
		"existingMCPs":        existingMCPs,
		"message":             "detections processed",
	})
}
