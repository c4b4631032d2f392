package aim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/opena2a/aim-go-sdk/pkg/credstore"
)

const (
	refreshEndpoint = "/api/v1/auth/refresh"
	recoverEndpoint = "/api/v1/auth/sdk/recover"
	revokeEndpoint  = "/api/v1/auth/revoke"

	// expiryBuffer is how long before expiry a cached access token is
	// considered stale.
	expiryBuffer = 60 * time.Second

	fallbackTokenTTL = time.Hour
)

// TokenManager exchanges the long-lived SDK refresh token for short-lived
// access tokens, handling rotation and automatic recovery.
//
// The control plane rotates the refresh token on every refresh; the new
// token is persisted to the credential store before the old one is
// discarded. A refresh rejected as revoked or invalid triggers one
// recovery attempt against the grace-period endpoint.
type TokenManager struct {
	store   *credstore.Store
	hc      *http.Client
	log     *zap.Logger
	baseURL string
	persist func(refreshToken, tokenID string) error

	mu          sync.Mutex
	creds       *credstore.SDKCredentials
	accessToken string
	expiry      time.Time
}

// TokenManagerOption configures a TokenManager.
type TokenManagerOption func(*TokenManager)

// TokenManagerHTTPClient sets the HTTP client used for token endpoints.
func TokenManagerHTTPClient(hc *http.Client) TokenManagerOption {
	return func(tm *TokenManager) { tm.hc = hc }
}

// TokenManagerLogger sets the logger.
func TokenManagerLogger(log *zap.Logger) TokenManagerOption {
	return func(tm *TokenManager) { tm.log = log }
}

// TokenManagerBaseURL overrides the control-plane URL recorded in the
// stored credentials.
func TokenManagerBaseURL(url string) TokenManagerOption {
	return func(tm *TokenManager) { tm.baseURL = strings.TrimRight(url, "/") }
}

// NewTokenManager loads the flat SDK credential bundle from the store
// and returns a manager for it. Rotated refresh tokens are persisted
// back to the bundle.
func NewTokenManager(store *credstore.Store, opts ...TokenManagerOption) (*TokenManager, error) {
	creds, err := store.LoadSDK()
	if err != nil {
		return nil, translateStoreError(err)
	}
	tm := newTokenManager(store, creds, opts...)
	tm.persist = store.SetRefreshToken
	return tm, nil
}

// NewAgentTokenManager manages the tokens stored under a named agent's
// credentials instead of the flat SDK bundle. Rotation updates that
// agent's entry.
func NewAgentTokenManager(store *credstore.Store, name string, opts ...TokenManagerOption) (*TokenManager, error) {
	agent, err := store.LoadAgent(name)
	if err != nil {
		return nil, translateStoreError(err)
	}
	if agent.RefreshToken == "" {
		return nil, translateStoreError(credstore.ErrNotFound)
	}
	creds := &credstore.SDKCredentials{
		AIMURL:       agent.AIMURL,
		RefreshToken: agent.RefreshToken,
		SDKTokenID:   agent.SDKTokenID,
		AgentID:      agent.AgentID,
	}
	tm := newTokenManager(store, creds, opts...)
	tm.persist = func(refreshToken, tokenID string) error {
		current, err := store.LoadAgent(name)
		if err != nil {
			return err
		}
		current.RefreshToken = refreshToken
		if tokenID != "" {
			current.SDKTokenID = tokenID
		}
		return store.SaveAgent(name, current)
	}
	return tm, nil
}

func newTokenManager(store *credstore.Store, creds *credstore.SDKCredentials, opts ...TokenManagerOption) *TokenManager {
	tm := &TokenManager{
		store: store,
		hc:    &http.Client{Timeout: 10 * time.Second},
		log:   zap.NewNop(),
		creds: creds,
	}
	for _, o := range opts {
		o(tm)
	}
	if tm.baseURL == "" {
		tm.baseURL = strings.TrimRight(creds.AIMURL, "/")
	}
	if tm.baseURL == "" {
		tm.baseURL = "http://localhost:8080"
	}
	return tm
}

// AgentID returns the agent id embedded in the SDK credentials, if any.
func (tm *TokenManager) AgentID() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.creds.AgentID
}

// SDKTokenID returns the current refresh token's id for usage tracking.
func (tm *TokenManager) SDKTokenID() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.creds.SDKTokenID
}

// BaseURL returns the control-plane URL the manager talks to.
func (tm *TokenManager) BaseURL() string { return tm.baseURL }

// CredentialURL returns the control-plane URL recorded in the stored
// credentials, which may differ from the manager's effective base URL.
func (tm *TokenManager) CredentialURL() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.creds.AIMURL
}

// AccessToken returns a valid access token, refreshing when the cached
// one is absent or within a minute of expiry.
func (tm *TokenManager) AccessToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.accessToken != "" && time.Now().Before(tm.expiry.Add(-expiryBuffer)) {
		return tm.accessToken, nil
	}
	return tm.refreshLocked(ctx)
}

// TokenSource adapts the manager to the oauth2 interface, so standard
// oauth2-aware HTTP stacks can consume AIM tokens.
func (tm *TokenManager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &managerTokenSource{ctx: ctx, tm: tm})
}

type managerTokenSource struct {
	ctx context.Context
	tm  *TokenManager
}

func (s *managerTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.tm.AccessToken(s.ctx)
	if err != nil {
		return nil, err
	}
	s.tm.mu.Lock()
	expiry := s.tm.expiry
	s.tm.mu.Unlock()
	return &oauth2.Token{AccessToken: token, Expiry: expiry}, nil
}

// Revoke invalidates the refresh token server-side and deletes the local
// credentials. Local deletion happens even when the server call fails.
func (tm *TokenManager) Revoke(ctx context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.creds.RefreshToken != "" {
		status, body, err := tm.post(ctx, revokeEndpoint, map[string]string{"refresh_token": tm.creds.RefreshToken})
		switch {
		case err != nil:
			tm.log.Warn("token revocation request failed", zap.Error(err))
		case status != http.StatusOK:
			tm.log.Warn("token revocation rejected",
				zap.Int("status", status),
				zap.String("error", errorMessage(body)))
		}
	}

	tm.accessToken = ""
	tm.expiry = time.Time{}
	if err := tm.store.DeleteAll(); err != nil {
		return fmt.Errorf("delete stored credentials: %w", err)
	}
	tm.log.Info("token revoked and local credentials deleted")
	return nil
}

func (tm *TokenManager) refreshLocked(ctx context.Context) (string, error) {
	refreshToken := tm.creds.RefreshToken
	if refreshToken == "" {
		recordTokenRefresh("failed")
		return "", authErrorf("no refresh token available")
	}

	status, body, err := tm.post(ctx, refreshEndpoint, map[string]string{"refresh_token": refreshToken})
	if err != nil {
		recordTokenRefresh("error")
		return "", fmt.Errorf("token refresh: %w", err)
	}

	if status != http.StatusOK {
		msg := errorMessage(body)
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "revoked") || strings.Contains(lower, "invalid") {
			tm.log.Info("refresh token rejected, attempting automatic recovery")
			token, rerr := tm.recoverLocked(ctx, refreshToken)
			if rerr == nil {
				recordTokenRefresh("recovered")
				return token, nil
			}
			tm.log.Warn("token recovery failed, re-register the agent or download fresh credentials from the AIM dashboard",
				zap.Error(rerr))
			recordTokenRefresh("failed")
			return "", authErrorf("refresh token expired or revoked")
		}
		recordTokenRefresh("failed")
		return "", authErrorf("token refresh failed with status %d: %s", status, msg)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		recordTokenRefresh("error")
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if payload.AccessToken == "" {
		recordTokenRefresh("failed")
		return "", authErrorf("refresh response carried no access token")
	}

	if payload.RefreshToken != "" && payload.RefreshToken != refreshToken {
		tm.persistRotationLocked(payload.RefreshToken)
	}
	tm.adoptAccessTokenLocked(payload.AccessToken)
	recordTokenRefresh("success")
	return tm.accessToken, nil
}

// recoverLocked asks the grace-period endpoint to reissue tokens after
// the refresh token was rotated away underneath us.
func (tm *TokenManager) recoverLocked(ctx context.Context, oldRefreshToken string) (string, error) {
	status, body, err := tm.post(ctx, recoverEndpoint, map[string]string{"old_refresh_token": oldRefreshToken})
	if err != nil {
		return "", fmt.Errorf("token recovery: %w", err)
	}
	if status != http.StatusOK {
		return "", authErrorf("token recovery failed with status %d: %s", status, errorMessage(body))
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode recovery response: %w", err)
	}
	if payload.AccessToken == "" || payload.RefreshToken == "" {
		return "", authErrorf("recovery response missing tokens")
	}

	tm.persistRotationLocked(payload.RefreshToken)
	tm.adoptAccessTokenLocked(payload.AccessToken)
	tm.log.Info("token recovered automatically, stored credentials updated")
	return tm.accessToken, nil
}

// persistRotationLocked stores a rotated refresh token. A persistence
// failure is logged but does not fail the refresh; the in-memory token
// still works until the process exits.
func (tm *TokenManager) persistRotationLocked(newRefreshToken string) {
	tokenID := jtiClaim(newRefreshToken)
	if err := tm.persist(newRefreshToken, tokenID); err != nil {
		tm.log.Warn("failed to persist rotated refresh token", zap.Error(err))
	} else {
		tm.log.Info("refresh token rotated")
	}
	tm.creds.RefreshToken = newRefreshToken
	if tokenID != "" {
		tm.creds.SDKTokenID = tokenID
	}
}

func (tm *TokenManager) adoptAccessTokenLocked(token string) {
	tm.accessToken = token
	if exp := expClaim(token); !exp.IsZero() {
		tm.expiry = exp
	} else {
		tm.expiry = time.Now().Add(fallbackTokenTTL)
	}
}

func (tm *TokenManager) post(ctx context.Context, endpoint string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := tm.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// errorMessage extracts the server's error field, falling back to the
// raw body.
func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}

// jtiClaim returns the jti claim of a JWT without verifying it, or "".
func jtiClaim(raw string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}
	if jti, ok := claims["jti"].(string); ok {
		return jti
	}
	return ""
}

// expClaim returns the exp claim of a JWT without verifying it, or the
// zero time.
func expClaim(raw string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
