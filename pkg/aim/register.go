package aim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/opena2a/aim-go-sdk/internal/detect"
	"github.com/opena2a/aim-go-sdk/pkg/credstore"
	"github.com/opena2a/aim-go-sdk/pkg/signing"
)

const (
	registerOAuthEndpoint  = "/api/v1/agents"
	registerPublicEndpoint = "/api/v1/public/agents/register"
)

type registerConfig struct {
	url                string
	apiKey             string
	displayName        string
	description        string
	agentType          string
	version            string
	repositoryURL      string
	documentationURL   string
	organizationDomain string
	capabilities       []string
	talksTo            []string
	autoDetect         bool
	forceNew           bool
	forceAPIKey        bool
	sdkTokenID         string
	detectDir          string
	store              *credstore.Store
	log                *zap.Logger
	hc                 *http.Client
	clientOpts         []Option
}

// RegisterOption configures Register and FromStored.
type RegisterOption func(*registerConfig)

// RegisterURL sets the control-plane URL. Optional in OAuth mode, where
// it defaults to the URL stored in the SDK credentials.
func RegisterURL(url string) RegisterOption {
	return func(cfg *registerConfig) { cfg.url = strings.TrimRight(url, "/") }
}

// RegisterAPIKey registers through the public endpoint with an API key.
func RegisterAPIKey(key string) RegisterOption {
	return func(cfg *registerConfig) { cfg.apiKey = key }
}

// RegisterDisplayName sets the human-readable name (defaults to the
// agent name).
func RegisterDisplayName(s string) RegisterOption {
	return func(cfg *registerConfig) { cfg.displayName = s }
}

// RegisterDescription sets the agent description.
func RegisterDescription(s string) RegisterOption {
	return func(cfg *registerConfig) { cfg.description = s }
}

// RegisterAgentType sets the agent type, "ai_agent" or "mcp_server"
// (default "ai_agent").
func RegisterAgentType(s string) RegisterOption {
	return func(cfg *registerConfig) { cfg.agentType = s }
}

// RegisterVersion sets the agent version string.
func RegisterVersion(s string) RegisterOption {
	return func(cfg *registerConfig) { cfg.version = s }
}

// RegisterRepositoryURL sets the source repository URL.
func RegisterRepositoryURL(s string) RegisterOption {
	return func(cfg *registerConfig) { cfg.repositoryURL = s }
}

// RegisterDocumentationURL sets the documentation URL.
func RegisterDocumentationURL(s string) RegisterOption {
	return func(cfg *registerConfig) { cfg.documentationURL = s }
}

// RegisterOrganizationDomain sets the organization domain used for
// auto-approval policies.
func RegisterOrganizationDomain(s string) RegisterOption {
	return func(cfg *registerConfig) { cfg.organizationDomain = s }
}

// RegisterCapabilities declares capabilities explicitly, skipping
// auto-detection for them.
func RegisterCapabilities(caps ...string) RegisterOption {
	return func(cfg *registerConfig) { cfg.capabilities = caps }
}

// RegisterTalksTo declares the MCP servers the agent talks to,
// skipping auto-detection for them.
func RegisterTalksTo(servers ...string) RegisterOption {
	return func(cfg *registerConfig) { cfg.talksTo = servers }
}

// RegisterWithoutDetection disables capability and MCP auto-detection.
func RegisterWithoutDetection() RegisterOption {
	return func(cfg *registerConfig) { cfg.autoDetect = false }
}

// RegisterForceNew registers a fresh identity even when credentials for
// the name already exist.
func RegisterForceNew() RegisterOption {
	return func(cfg *registerConfig) { cfg.forceNew = true }
}

// RegisterForceAPIKey skips stored SDK credentials and uses the API key
// even when an OAuth bundle is present.
func RegisterForceAPIKey() RegisterOption {
	return func(cfg *registerConfig) { cfg.forceAPIKey = true }
}

// RegisterSDKToken sets the usage-tracking token id.
func RegisterSDKToken(id string) RegisterOption {
	return func(cfg *registerConfig) { cfg.sdkTokenID = id }
}

// RegisterDetectDir sets the directory scanned by auto-detection
// (default: current directory).
func RegisterDetectDir(dir string) RegisterOption {
	return func(cfg *registerConfig) { cfg.detectDir = dir }
}

// RegisterStore sets the credential store (default: discovered
// ~/.aim/credentials.json).
func RegisterStore(store *credstore.Store) RegisterOption {
	return func(cfg *registerConfig) { cfg.store = store }
}

// RegisterLogger sets the logger for the registration flow and the
// resulting client.
func RegisterLogger(log *zap.Logger) RegisterOption {
	return func(cfg *registerConfig) { cfg.log = log }
}

// RegisterHTTPClient sets the HTTP client for the registration flow and
// the resulting client.
func RegisterHTTPClient(hc *http.Client) RegisterOption {
	return func(cfg *registerConfig) { cfg.hc = hc }
}

// RegisterClientOptions appends options applied to the resulting
// Client.
func RegisterClientOptions(opts ...Option) RegisterOption {
	return func(cfg *registerConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

func newRegisterConfig(opts []RegisterOption) *registerConfig {
	cfg := &registerConfig{
		agentType:  "ai_agent",
		autoDetect: true,
		detectDir:  ".",
		log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

func (cfg *registerConfig) credentialStore() (*credstore.Store, error) {
	if cfg.store != nil {
		return cfg.store, nil
	}
	store, err := credstore.New(
		credstore.WithPath(credstore.DiscoverPath(cfg.log)),
		credstore.WithLogger(cfg.log),
	)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	cfg.store = store
	return store, nil
}

// Register registers an agent with the control plane and returns a
// ready client. The Ed25519 keypair is generated locally; the private
// key never leaves this machine.
//
// With stored SDK credentials (the bundle downloaded from the
// dashboard) no configuration is needed:
//
//	client, err := aim.Register(ctx, "my-agent")
//
// Without them, provide the control-plane URL and an API key:
//
//	client, err := aim.Register(ctx, "my-agent",
//	    aim.RegisterURL("https://aim.example.com"),
//	    aim.RegisterAPIKey(os.Getenv("AIM_API_KEY")),
//	)
//
// If credentials for the name already exist, they are reused instead of
// registering again; RegisterForceNew overrides that. Unless disabled,
// capabilities and MCP servers are auto-detected from the working
// directory and included in the registration.
func Register(ctx context.Context, name string, opts ...RegisterOption) (*Client, error) {
	if name == "" {
		return nil, configErrorf("agent name is required")
	}
	cfg := newRegisterConfig(opts)
	store, err := cfg.credentialStore()
	if err != nil {
		return nil, err
	}

	if !cfg.forceNew {
		existing, err := store.LoadAgent(name)
		switch {
		case err == nil:
			cfg.log.Info("found existing credentials, reusing them",
				zap.String("name", name),
				zap.String("agent_id", existing.AgentID),
				zap.String("status", existing.Status))
			return clientFromStored(name, existing, cfg, store)
		case !errors.Is(err, credstore.ErrNotFound):
			return nil, translateStoreError(err)
		}
	}

	tm, mode, err := resolveAuthMode(cfg, store)
	if err != nil {
		return nil, err
	}

	detections := cfg.runDetection()

	kp, err := signing.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	payload := cfg.registrationPayload(name, kp.PublicBase64())

	var (
		status int
		body   []byte
	)
	switch mode {
	case authModeOAuth:
		token, err := tm.AccessToken(ctx)
		if err != nil {
			return nil, configErrorf("Failed to obtain OAuth access token: %v", err)
		}
		headers := map[string]string{"Authorization": "Bearer " + token}
		if cfg.sdkTokenID != "" {
			headers["X-SDK-Token"] = cfg.sdkTokenID
		}
		status, body, err = cfg.post(ctx, cfg.url+registerOAuthEndpoint, headers, payload)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK && status != http.StatusCreated {
			return nil, configErrorf("Registration failed: %s", errorMessage(body))
		}
	case authModeAPIKey:
		headers := map[string]string{"X-AIM-API-Key": cfg.apiKey}
		if cfg.sdkTokenID != "" {
			headers["X-SDK-Token"] = cfg.sdkTokenID
		}
		status, body, err = cfg.post(ctx, cfg.url+registerPublicEndpoint, headers, payload)
		if err != nil {
			return nil, err
		}
		if status != http.StatusCreated {
			return nil, configErrorf("Registration failed: %s", errorMessage(body))
		}
	}

	var reg struct {
		ID             string  `json:"id"`
		AgentID        string  `json:"agent_id"`
		PublicKey      string  `json:"public_key"`
		PublicKeyCamel string  `json:"publicKey"`
		Status         string  `json:"status"`
		TrustScore     float64 `json:"trust_score"`
	}
	if err := json.Unmarshal(body, &reg); err != nil {
		return nil, configErrorf("Registration failed: invalid response: %v", err)
	}
	agentID := reg.AgentID
	if agentID == "" {
		agentID = reg.ID
	}
	if agentID == "" {
		return nil, configErrorf("Registration failed: response carried no agent id")
	}

	// The key registered server-side must be the one generated here;
	// anything else means the identity is not ours to sign for.
	serverKey := reg.PublicKey
	if serverKey == "" {
		serverKey = reg.PublicKeyCamel
	}
	if serverKey != "" && serverKey != kp.PublicBase64() {
		return nil, configErrorf("control plane registered a different public key than the one submitted")
	}

	creds := &credstore.Credentials{
		AgentID:    agentID,
		PublicKey:  kp.PublicBase64(),
		PrivateKey: kp.PrivateBase64(),
		AIMURL:     cfg.url,
		Status:     reg.Status,
		TrustScore: reg.TrustScore,
	}
	if creds.Status == "" {
		creds.Status = "unknown"
	}
	if mode == authModeOAuth {
		tm.mu.Lock()
		creds.RefreshToken = tm.creds.RefreshToken
		creds.SDKTokenID = tm.creds.SDKTokenID
		tm.mu.Unlock()
	}
	if err := store.SaveAgent(name, creds); err != nil {
		return nil, fmt.Errorf("save credentials: %w", err)
	}

	clientOpts := []Option{WithKeypair(kp), WithLogger(cfg.log)}
	if cfg.hc != nil {
		clientOpts = append(clientOpts, WithHTTPClient(cfg.hc))
	}
	if cfg.apiKey != "" {
		clientOpts = append(clientOpts, WithAPIKey(cfg.apiKey))
	}
	if mode == authModeOAuth {
		clientOpts = append(clientOpts, WithTokenManager(tm))
	}
	if cfg.sdkTokenID != "" {
		clientOpts = append(clientOpts, WithSDKToken(cfg.sdkTokenID))
	}
	clientOpts = append(clientOpts, cfg.clientOpts...)

	client, err := New(agentID, cfg.url, clientOpts...)
	if err != nil {
		return nil, err
	}

	if len(detections) > 0 {
		if _, err := client.ReportDetections(ctx, detections); err != nil {
			cfg.log.Warn("failed to report MCP detections", zap.Error(err))
		}
	}

	cfg.log.Info("agent registered",
		zap.String("name", name),
		zap.String("agent_id", agentID),
		zap.String("status", creds.Status),
		zap.Int("capabilities", len(cfg.capabilities)),
		zap.Int("mcp_servers", len(cfg.talksTo)))
	return client, nil
}

// FromStored builds a client from previously saved credentials without
// touching the network.
func FromStored(name string, opts ...RegisterOption) (*Client, error) {
	cfg := newRegisterConfig(opts)
	store, err := cfg.credentialStore()
	if err != nil {
		return nil, err
	}
	creds, err := store.LoadAgent(name)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, configErrorf("no stored credentials for agent %q, register it first", name)
		}
		return nil, translateStoreError(err)
	}
	return clientFromStored(name, creds, cfg, store)
}

func clientFromStored(name string, creds *credstore.Credentials, cfg *registerConfig, store *credstore.Store) (*Client, error) {
	clientOpts := []Option{WithLogger(cfg.log)}
	if creds.PublicKey != "" && creds.PrivateKey != "" {
		clientOpts = append(clientOpts, WithKeys(creds.PublicKey, creds.PrivateKey))
	}
	if cfg.hc != nil {
		clientOpts = append(clientOpts, WithHTTPClient(cfg.hc))
	}
	if cfg.apiKey != "" {
		clientOpts = append(clientOpts, WithAPIKey(cfg.apiKey))
	}
	if creds.RefreshToken != "" {
		tm, err := NewAgentTokenManager(store, name, TokenManagerLogger(cfg.log))
		if err != nil {
			cfg.log.Warn("stored tokens unusable, continuing without them", zap.Error(err))
		} else {
			clientOpts = append(clientOpts, WithTokenManager(tm))
		}
	}
	switch {
	case cfg.sdkTokenID != "":
		clientOpts = append(clientOpts, WithSDKToken(cfg.sdkTokenID))
	case creds.SDKTokenID != "":
		clientOpts = append(clientOpts, WithSDKToken(creds.SDKTokenID))
	}
	clientOpts = append(clientOpts, cfg.clientOpts...)

	url := cfg.url
	if url == "" {
		url = creds.AIMURL
	}
	return New(creds.AgentID, url, clientOpts...)
}

type registerAuthMode int

const (
	authModeOAuth registerAuthMode = iota
	authModeAPIKey
)

// resolveAuthMode picks OAuth when an SDK credential bundle is stored,
// API key otherwise.
func resolveAuthMode(cfg *registerConfig, store *credstore.Store) (*TokenManager, registerAuthMode, error) {
	if cfg.forceAPIKey && cfg.apiKey != "" {
		if cfg.url == "" {
			return nil, 0, configErrorf("aim_url is required when using API key mode")
		}
		return nil, authModeAPIKey, nil
	}

	tmOpts := []TokenManagerOption{TokenManagerLogger(cfg.log)}
	if cfg.url != "" {
		tmOpts = append(tmOpts, TokenManagerBaseURL(cfg.url))
	}
	if cfg.hc != nil {
		tmOpts = append(tmOpts, TokenManagerHTTPClient(cfg.hc))
	}
	tm, err := NewTokenManager(store, tmOpts...)
	switch {
	case err == nil:
		if cfg.url == "" {
			if u := tm.CredentialURL(); u != "" {
				cfg.url = strings.TrimRight(u, "/")
			} else {
				return nil, 0, configErrorf("aim_url not found in SDK credentials")
			}
		}
		if cfg.sdkTokenID == "" {
			cfg.sdkTokenID = tm.SDKTokenID()
		}
		return tm, authModeOAuth, nil
	case errors.Is(err, credstore.ErrNotFound) && cfg.apiKey != "":
		if cfg.url == "" {
			return nil, 0, configErrorf("aim_url is required when using API key mode")
		}
		return nil, authModeAPIKey, nil
	case errors.Is(err, credstore.ErrNotFound):
		return nil, 0, configErrorf("No authentication credentials found. Either download the SDK bundle from the AIM dashboard (OAuth mode) or provide an API key (manual mode)")
	default:
		return nil, 0, err
	}
}

// runDetection fills in capabilities and talksTo that were not given
// explicitly and returns the MCP detections for reporting.
func (cfg *registerConfig) runDetection() []MCPDetection {
	if !cfg.autoDetect {
		return nil
	}
	if len(cfg.capabilities) == 0 {
		cfg.capabilities = detect.Capabilities(cfg.detectDir)
		if len(cfg.capabilities) > 0 {
			cfg.log.Info("auto-detected capabilities",
				zap.Int("count", len(cfg.capabilities)),
				zap.Strings("capabilities", cfg.capabilities))
		}
	}

	found := detect.MCPServers(cfg.detectDir)
	if len(cfg.talksTo) == 0 && len(found) > 0 {
		names := make([]string, 0, len(found))
		for _, d := range found {
			names = append(names, d.Server)
		}
		cfg.talksTo = names
		cfg.log.Info("auto-detected MCP servers", zap.Strings("servers", names))
	}
	if len(cfg.talksTo) == 0 {
		return nil
	}

	detections := make([]MCPDetection, 0, len(found))
	for _, d := range found {
		detections = append(detections, MCPDetection{
			MCPServer:       d.Server,
			DetectionMethod: d.Method,
			Confidence:      d.Confidence,
			Details:         d.Details,
		})
	}
	return detections
}

func (cfg *registerConfig) registrationPayload(name, publicKey string) map[string]any {
	displayName := cfg.displayName
	if displayName == "" {
		displayName = name
	}
	description := cfg.description
	if description == "" {
		description = fmt.Sprintf("Agent %s registered via AIM SDK", name)
	}
	payload := map[string]any{
		"name":        name,
		"displayName": displayName,
		"description": description,
		"agentType":   cfg.agentType,
		"publicKey":   publicKey,
	}
	if cfg.version != "" {
		payload["version"] = cfg.version
	}
	if cfg.repositoryURL != "" {
		payload["repositoryUrl"] = cfg.repositoryURL
	}
	if cfg.documentationURL != "" {
		payload["documentationUrl"] = cfg.documentationURL
	}
	if cfg.organizationDomain != "" {
		payload["organizationDomain"] = cfg.organizationDomain
	}
	if len(cfg.talksTo) > 0 {
		payload["talksTo"] = cfg.talksTo
	}
	if len(cfg.capabilities) > 0 {
		payload["capabilities"] = cfg.capabilities
	}
	return payload
}

func (cfg *registerConfig) post(ctx context.Context, url string, headers map[string]string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode registration request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	hc := cfg.hc
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, nil, configErrorf("Failed to connect to AIM server: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read registration response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}
