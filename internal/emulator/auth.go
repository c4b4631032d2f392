package emulator

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/opena2a/aim-go-sdk/pkg/signing"
)

// ctxAgentID is the Gin context key under which authentication stores the
// caller's agent id. API-key callers carry no agent identity.
const ctxAgentID = "agent_id"

// callerAgentID returns the authenticated agent id, or "".
func callerAgentID(c *gin.Context) string {
	return c.GetString(ctxAgentID)
}

// authenticate accepts any one of the three SDK credential schemes:
// an Ed25519 request envelope, the bootstrap API key, or a bearer access
// token. Envelope signatures are checked against the agent's stored
// public key, never the one sent on the wire.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(signing.HeaderSignature) != "" {
			s.authenticateEnvelope(c)
			return
		}

		if key := c.GetHeader("X-API-Key"); key != "" {
			if bcrypt.CompareHashAndPassword(s.apiKeyHash, []byte(key)) != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
				return
			}
			c.Next()
			return
		}

		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			agentID, err := s.tokens.VerifyAccess(strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired access token"})
				return
			}
			c.Set(ctxAgentID, agentID)
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
	}
}

func (s *Server) authenticateEnvelope(c *gin.Context) {
	agentID := c.GetHeader(signing.HeaderAgentID)
	ts := c.GetHeader(signing.HeaderTimestamp)
	if agentID == "" || ts == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "incomplete signature envelope"})
		return
	}

	agent, ok := s.store.GetAgent(agentID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown agent"})
		return
	}

	pub, err := signing.ParsePublicKey(agent.PublicKey)
	if err != nil {
		s.logger.Error("stored public key unparseable", zap.String("agent_id", agentID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "agent key unavailable"})
		return
	}

	// The signature covers the raw body bytes; read them and put them
	// back so handlers can bind the request as usual.
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	sig := c.GetHeader(signing.HeaderSignature)
	endpoint := c.Request.URL.RequestURI()
	if err := signing.VerifyEnvelope(pub, c.Request.Method, endpoint, ts, body, sig, s.cfg.SkewWindow); err != nil {
		s.logger.Warn("envelope verification failed",
			zap.String("agent_id", agentID),
			zap.String("endpoint", endpoint),
			zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	c.Set(ctxAgentID, agentID)
	c.Next()
}

// ─── Token endpoints ─────────────────────────────────────────────────────────

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type recoverRequest struct {
	OldRefreshToken string `json:"old_refresh_token" binding:"required"`
}

// handleTokenRefresh handles POST /api/v1/auth/refresh — rotates the
// refresh token and returns a fresh pair. A rotated-out token is refused
// with a "revoked" message so clients know to try recovery.
func (s *Server) handleTokenRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token is required"})
		return
	}

	access, refresh, err := s.tokens.Refresh(req.RefreshToken)
	if err != nil {
		recordTokenOp("refresh_rejected")
		if errors.Is(err, errTokenRevoked) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token has been revoked"})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}

	recordTokenOp("refresh")
	s.appendAudit(agentIDClaim(refresh), "token.refreshed", "agent", nil)
	s.tokenPair(c, access, refresh)
}

// handleTokenRecover handles POST /api/v1/auth/sdk/recover — redeems the
// most recently rotated-out refresh token, once.
func (s *Server) handleTokenRecover(c *gin.Context) {
	var req recoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "old_refresh_token is required"})
		return
	}

	access, refresh, err := s.tokens.Recover(req.OldRefreshToken)
	if err != nil {
		recordTokenOp("recover_rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token is not eligible for recovery"})
		return
	}

	recordTokenOp("recover")
	s.appendAudit(agentIDClaim(refresh), "token.recovered", "agent", nil)
	s.tokenPair(c, access, refresh)
}

// handleTokenRevoke handles POST /api/v1/auth/revoke — kills the chain;
// nothing survives for recovery afterwards.
func (s *Server) handleTokenRevoke(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token is required"})
		return
	}

	agentID := agentIDClaim(req.RefreshToken)
	if err := s.tokens.Revoke(req.RefreshToken); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}

	recordTokenOp("revoke")
	s.appendAudit(agentID, "token.revoked", "agent", nil)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "refresh token revoked"})
}

func (s *Server) tokenPair(c *gin.Context, access, refresh string) {
	c.JSON(http.StatusOK, gin.H{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"expires_in":    int(s.tokens.accessTTL.Seconds()),
	})
}

// agentIDClaim reads the agent_id claim of an emulator-issued JWT without
// verifying it. Only used to label audit entries after the token service
// has already accepted the token.
func agentIDClaim(raw string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}
	if id, ok := claims["agent_id"].(string); ok {
		return id
	}
	return ""
}
