package emulator

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opena2a/aim-go-sdk/pkg/signing"
)

const (
	// signedTimestampLayout is the format agents use inside signed
	// action payloads.
	signedTimestampLayout = "2006-01-02T15:04:05.000000Z"

	// approvalTTL is how long an approval stays valid.
	approvalTTL = 5 * time.Minute

	policyApprover = "aim-policy-engine"
)

// handleSubmitVerification handles POST /api/v1/sdk-api/verifications.
//
// The route is open: the caller's identity is the Ed25519 signature over
// the canonical payload, checked against the agent's registered public
// key. The body is decoded with numbers kept verbatim so the canonical
// bytes reproduced here match the ones the agent signed.
func (s *Server) handleSubmitVerification(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	sig, _ := payload["signature"].(string)
	sentKey, _ := payload["public_key"].(string)
	agentID, _ := payload["agent_id"].(string)
	actionType, _ := payload["action_type"].(string)
	if sig == "" || agentID == "" || actionType == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing signature or agent identity"})
		return
	}

	agent, ok := s.store.GetAgent(agentID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if sentKey != "" && sentKey != agent.PublicKey {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "public key does not match registered key"})
		return
	}
	pub, err := signing.ParsePublicKey(agent.PublicKey)
	if err != nil {
		s.logger.Error("stored public key unparseable", zap.String("agent_id", agentID), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "agent key unavailable"})
		return
	}

	// The signature covers everything except itself and the key echo.
	signed := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "signature" || k == "public_key" {
			continue
		}
		signed[k] = v
	}
	if err := signing.VerifyPayload(pub, signed, sig); err != nil {
		s.logger.Warn("action signature rejected",
			zap.String("agent_id", agentID),
			zap.String("action_type", actionType))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	ts, _ := payload["timestamp"].(string)
	if !s.timestampFresh(ts) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature timestamp outside accepted window"})
		return
	}

	resource, _ := payload["resource"].(string)
	actionCtx, _ := payload["context"].(map[string]any)

	ruling := s.policy.Decide(actionType, resource, actionCtx)
	rec := &VerificationRecord{
		AgentID:    agentID,
		ActionType: actionType,
		Resource:   resource,
		Context:    actionCtx,
		Status:     ruling.Status,
		Ruling:     ruling,
	}
	switch ruling.Status {
	case "approved":
		rec.ApprovedBy = policyApprover
		rec.ExpiresAt = time.Now().UTC().Add(approvalTTL)
	case "denied":
		rec.DenialReason = ruling.Reason
	}
	rec = s.store.PutVerification(rec)

	recordDecision(rec.Status)
	s.appendAudit(agentID, "verification."+rec.Status, policyApprover, map[string]any{
		"verification_id": rec.ID,
		"action_type":     actionType,
		"risk_score":      ruling.Score,
	})
	s.logger.Info("verification decided",
		zap.String("verification_id", rec.ID),
		zap.String("agent_id", agentID),
		zap.String("action_type", actionType),
		zap.String("status", rec.Status),
		zap.Int("risk_score", ruling.Score))

	c.JSON(http.StatusCreated, verificationJSON(rec))
}

// timestampFresh checks a signed payload timestamp against the skew
// window. A zero window disables the check.
func (s *Server) timestampFresh(ts string) bool {
	if s.cfg.SkewWindow <= 0 {
		return true
	}
	issued, err := time.Parse(signedTimestampLayout, ts)
	if err != nil {
		return false
	}
	age := time.Since(issued)
	if age < 0 {
		age = -age
	}
	return age <= s.cfg.SkewWindow
}

// handleGetVerification handles GET /api/v1/sdk-api/verifications/:id —
// the approval poll. Pending verifications older than the configured
// auto-approval delay are approved on read.
func (s *Server) handleGetVerification(c *gin.Context) {
	id := c.Param("id")
	rec, ok := s.store.GetVerification(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "verification not found"})
		return
	}

	if rec.Status == "pending" && s.cfg.AutoApproveAfter > 0 &&
		time.Since(rec.CreatedAt) >= s.cfg.AutoApproveAfter {
		rec, _ = s.store.UpdateVerification(id, func(v *VerificationRecord) {
			v.Status = "approved"
			v.ApprovedBy = "auto-approval"
			v.ExpiresAt = time.Now().UTC().Add(approvalTTL)
		})
		recordDecision("approved")
		s.appendAudit(rec.AgentID, "verification.approved", "auto-approval", map[string]any{
			"verification_id": rec.ID,
		})
	}

	c.JSON(http.StatusOK, verificationJSON(rec))
}

type decisionRequest struct {
	Status       string `json:"status" binding:"required,oneof=approved denied"`
	ApprovedBy   string `json:"approved_by"`
	DenialReason string `json:"denial_reason"`
}

// handleDecideVerification handles POST /internal/verifications/:id/decision,
// the operator hook for resolving pending verifications.
func (s *Server) handleDecideVerification(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	current, ok := s.store.GetVerification(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "verification not found"})
		return
	}
	if current.Status != "pending" {
		c.JSON(http.StatusConflict, gin.H{"error": "verification already decided"})
		return
	}

	approver := req.ApprovedBy
	if approver == "" {
		approver = "operator"
	}
	rec, _ := s.store.UpdateVerification(id, func(v *VerificationRecord) {
		v.Status = req.Status
		if req.Status == "approved" {
			v.ApprovedBy = approver
			v.ExpiresAt = time.Now().UTC().Add(approvalTTL)
		} else {
			v.DenialReason = req.DenialReason
			if v.DenialReason == "" {
				v.DenialReason = "denied by operator"
			}
		}
	})

	recordDecision(rec.Status)
	s.appendAudit(rec.AgentID, "verification."+rec.Status, approver, map[string]any{
		"verification_id": rec.ID,
	})
	c.JSON(http.StatusOK, verificationJSON(rec))
}

type actionResultRequest struct {
	Result        string  `json:"result" binding:"required"`
	ResultSummary *string `json:"result_summary"`
	ErrorMessage  *string `json:"error_message"`
	Timestamp     string  `json:"timestamp"`
}

// handleVerificationResult handles POST /api/v1/sdk-api/verifications/:id/result —
// the agent's report of how the verified action actually went.
func (s *Server) handleVerificationResult(c *gin.Context) {
	var req actionResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Result != "success" && req.Result != "failure" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "result must be \"success\" or \"failure\""})
		return
	}

	id := c.Param("id")
	rec, ok := s.store.UpdateVerification(id, func(v *VerificationRecord) {
		v.Result = req.Result
		if req.ResultSummary != nil {
			v.ResultSummary = *req.ResultSummary
		}
		if req.ErrorMessage != nil {
			v.ErrorMessage = *req.ErrorMessage
		}
		v.ResultAt = parseResultTimestamp(req.Timestamp)
	})
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "verification not found"})
		return
	}

	s.appendAudit(rec.AgentID, "verification.result", "agent", map[string]any{
		"verification_id": rec.ID,
		"result":          req.Result,
	})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func parseResultTimestamp(ts string) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05.000000-07:00", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// verificationJSON renders a verification record in the wire shape.
func verificationJSON(rec *VerificationRecord) gin.H {
	body := gin.H{
		"id":          rec.ID,
		"agent_id":    rec.AgentID,
		"action_type": rec.ActionType,
		"status":      rec.Status,
		"created_at":  rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.Resource != "" {
		body["resource"] = rec.Resource
	}
	if rec.ApprovedBy != "" {
		body["approved_by"] = rec.ApprovedBy
	}
	if !rec.ExpiresAt.IsZero() {
		body["expires_at"] = rec.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if rec.DenialReason != "" {
		body["denial_reason"] = rec.DenialReason
	}
	if rec.Ruling != nil {
		body["risk_score"] = rec.Ruling.Score
		if rec.Ruling.Severity != "" {
			body["risk_severity"] = rec.Ruling.Severity
		}
	}
	if rec.Result != "" {
		body["result"] = rec.Result
	}
	return body
}
