// Package emulator is an in-memory AIM control plane for local
// development and tests.
//
// It speaks the same wire protocol as the hosted platform: agent
// registration, signed action verification, token rotation with
// grace-period recovery, capability grants, MCP detection reports,
// attestations, and connection tracking. State lives in process memory
// and every security-relevant event lands in a hash-chained audit log.
package emulator

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/opena2a/aim-go-sdk/pkg/aim"
	"github.com/opena2a/aim-go-sdk/pkg/signing"
)

// Config tunes the emulator. The zero value works; an API key is
// generated when none is given.
type Config struct {
	// APIKey is the bootstrap credential accepted for registration and
	// API-key authentication. Only its bcrypt hash is retained.
	APIKey string

	// TokenSecret signs the emulator's JWTs. Random when empty.
	TokenSecret string

	// Issuer is the iss claim on issued tokens.
	Issuer string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// SkewWindow bounds how old a signed timestamp may be, for request
	// envelopes, action payloads, and attestations alike.
	SkewWindow time.Duration

	// AutoApproveAfter approves pending verifications on poll once they
	// are older than this. Zero leaves them pending until an operator
	// decides.
	AutoApproveAfter time.Duration

	// RateLimitRPS enables per-IP rate limiting when positive.
	RateLimitRPS int

	CORSOrigins []string
}

func (cfg *Config) fill() error {
	if cfg.APIKey == "" {
		key, err := randomToken("aim_", 24)
		if err != nil {
			return err
		}
		cfg.APIKey = key
	}
	if cfg.TokenSecret == "" {
		secret, err := randomToken("", 32)
		if err != nil {
			return err
		}
		cfg.TokenSecret = secret
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "aim-emulator"
	}
	if cfg.SkewWindow == 0 {
		cfg.SkewWindow = 300 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	return nil
}

func randomToken(prefix string, bytes int) (string, error) {
	raw := make([]byte, bytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(raw), nil
}

// Server is the emulator instance. Create it with New, mount Handler on
// an http.Server or httptest.Server, and point SDK clients at it.
type Server struct {
	cfg        Config
	store      *Store
	tokens     *tokenService
	policy     *Policy
	audit      *AuditLog
	logger     *zap.Logger
	apiKeyHash []byte
	engine     *gin.Engine
}

// New builds an emulator server.
func New(cfg Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.fill(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.APIKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		store:      NewStore(),
		tokens:     newTokenService([]byte(cfg.TokenSecret), cfg.Issuer, cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
		policy:     NewPolicy(),
		audit:      NewAuditLog(),
		logger:     logger,
		apiKeyHash: hash,
	}
	s.engine = s.router()
	return s, nil
}

// APIKey returns the bootstrap API key in the clear, for handing to the
// operator at startup. It is never logged.
func (s *Server) APIKey() string { return s.cfg.APIKey }

// Handler returns the HTTP handler serving the emulator API.
func (s *Server) Handler() http.Handler { return s.engine }

// Audit exposes the audit log for inspection.
func (s *Server) Audit() *AuditLog { return s.audit }

// Store exposes the in-memory state, mainly for tests.
func (s *Server) Store() *Store { return s.store }

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Authorization", "Accept",
			"X-API-Key", "X-AIM-API-Key", "X-SDK-Token",
			signing.HeaderAgentID, signing.HeaderSignature,
			signing.HeaderTimestamp, signing.HeaderPublicKey,
		},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(s.cfg.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if s.cfg.RateLimitRPS > 0 {
		rl := newIPRateLimiter(float64(s.cfg.RateLimitRPS), s.cfg.RateLimitRPS*2)
		router.Use(rl.middleware())
	}

	router.Use(prometheusMiddleware())
	router.Use(s.requestLogger())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", metricsHandler())

	// Operator-facing hooks, not part of the SDK wire protocol.
	internal := router.Group("/internal")
	{
		internal.GET("/audit", s.handleAuditLog)
		internal.POST("/verifications/:id/decision", s.handleDecideVerification)
	}

	v1 := router.Group("/api/v1")

	// Open routes: these authenticate through their payloads (signatures,
	// refresh tokens, the bootstrap API key) rather than session
	// credentials. The verification poll is reachable by its unguessable
	// id because keypair-only agents hold no session credential to poll
	// with.
	v1.POST("/auth/refresh", s.handleTokenRefresh)
	v1.POST("/auth/sdk/recover", s.handleTokenRecover)
	v1.POST("/auth/revoke", s.handleTokenRevoke)
	v1.POST("/public/agents/register", s.handlePublicRegister)
	v1.POST("/sdk-api/verifications", s.handleSubmitVerification)
	v1.GET("/sdk-api/verifications/:id", s.handleGetVerification)
	v1.POST("/sdk-api/verifications/:id/result", s.handleVerificationResult)
	v1.POST("/mcp-servers/:id/attest", s.handleAttestMCPServer)

	// Authenticated routes.
	authed := v1.Group("")
	authed.Use(s.authenticate())
	{
		authed.POST("/agents", s.handleCreateAgent)
		authed.GET("/agents", s.handleListAgents)
		authed.GET("/agents/:id", s.handleGetAgent)
		authed.PUT("/agents/:id", s.handleUpdateAgent)
		authed.DELETE("/agents/:id", s.handleDeleteAgent)

		authed.GET("/mcp-servers/:id", s.handleGetMCPServer)
		authed.DELETE("/mcp-servers/:id", s.handleDeleteMCPServer)

		sdk := authed.Group("/sdk-api/agents/:id")
		{
			sdk.POST("/capabilities", s.handleReportCapability)
			sdk.POST("/capability-requests", s.handleRequestCapability)
			sdk.POST("/detection/report", s.handleDetectionReport)
			sdk.POST("/mcp-servers", s.handleAgentMCPServers)
			sdk.GET("/mcp-servers", s.handleListAgentMCPServers)
			sdk.POST("/mcp-connections", s.handleMCPConnection)
		}

		authed.POST("/detection/agents/:id/report", s.handleDetectionReport)
	}

	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	agents, verifications, mcpServers, detections := s.store.Counts()
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"service":       "aim-emulator",
		"version":       aim.Version,
		"agents":        agents,
		"verifications": verifications,
		"mcp_servers":   mcpServers,
		"detections":    detections,
		"audit_entries": s.audit.Len(),
	})
}

// handleAuditLog handles GET /internal/audit — the full chain plus a
// self-check so operators can spot tampering at a glance.
func (s *Server) handleAuditLog(c *gin.Context) {
	err := s.audit.Verify()
	c.JSON(http.StatusOK, gin.H{
		"entries": s.audit.Entries(),
		"length":  s.audit.Len(),
		"root":    s.audit.Root(),
		"valid":   err == nil,
	})
}

func (s *Server) appendAudit(agentID, event, actor string, payload any) {
	if _, err := s.audit.Append(agentID, event, actor, payload); err != nil {
		s.logger.Warn("audit append failed", zap.String("event", event), zap.Error(err))
		return
	}
	recordAuditAppend()
}

// SeededAgent is the credential bundle for an agent provisioned through
// Seed. The private key appears only here.
type SeededAgent struct {
	AgentID      string `json:"agent_id"`
	Name         string `json:"name"`
	PublicKey    string `json:"public_key"`
	PrivateKey   string `json:"private_key"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	APIKey       string `json:"api_key"`
}

// Seed provisions a demo agent with a fresh keypair and token chain so a
// local environment is usable immediately after boot.
func (s *Server) Seed(name string) (*SeededAgent, error) {
	kp, err := signing.GenerateKeypair()
	if err != nil {
		return nil, err
	}

	rec := s.store.CreateAgent(&AgentRecord{
		Name:        name,
		DisplayName: name,
		Description: "Demo agent seeded at startup",
		AgentType:   "ai_agent",
		Status:      newAgentStatus,
		PublicKey:   kp.PublicBase64(),
		TrustScore:  newAgentTrustScore,
	})

	access, refresh, err := s.tokens.Issue(rec.ID)
	if err != nil {
		return nil, err
	}

	s.appendAudit(rec.ID, "agent.registered", "seed", map[string]any{"name": name})
	s.refreshAgentGauges()
	s.logger.Info("demo agent seeded",
		zap.String("agent_id", rec.ID),
		zap.String("name", name))

	return &SeededAgent{
		AgentID:      rec.ID,
		Name:         name,
		PublicKey:    kp.PublicBase64(),
		PrivateKey:   kp.PrivateBase64(),
		AccessToken:  access,
		RefreshToken: refresh,
		APIKey:       s.cfg.APIKey,
	}, nil
}

// IssueTokens starts a token chain for an existing agent, for tests that
// need bearer credentials without going through Seed.
func (s *Server) IssueTokens(agentID string) (access, refresh string, err error) {
	return s.tokens.Issue(agentID)
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
