package aim_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/opena2a/aim-go-sdk/pkg/aim"
	"github.com/opena2a/aim-go-sdk/pkg/credstore"
)

// newTestStore opens a credential store backed by a temp dir and an
// in-memory keyring, so tests never touch the OS keychain.
func newTestStore(t *testing.T) *credstore.Store {
	t.Helper()
	store, err := credstore.New(
		credstore.WithPath(filepath.Join(t.TempDir(), "credentials.json")),
		credstore.WithKeyring(credstore.NewMemoryKeyring()),
	)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func newSDKStore(t *testing.T, url, refreshToken string) *credstore.Store {
	t.Helper()
	store := newTestStore(t)
	err := store.SaveSDK(&credstore.SDKCredentials{
		AIMURL:       url,
		RefreshToken: refreshToken,
		SDKTokenID:   "tok_1",
		AgentID:      "agent-1",
	})
	if err != nil {
		t.Fatalf("save SDK credentials: %v", err)
	}
	return store
}

// signedJWT mints an HS256 token; the manager only reads claims, it never
// verifies the signature.
func signedJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign test JWT: %v", err)
	}
	return token
}

func TestTokenManager_refreshesAndCaches(t *testing.T) {
	access := signedJWT(t, jwt.MapClaims{
		"sub": "agent-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	rotated := signedJWT(t, jwt.MapClaims{
		"jti": "jti_2",
		"exp": time.Now().Add(30 * 24 * time.Hour).Unix(),
	})

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/refresh" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		calls++
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["refresh_token"] != "rt_original" {
			t.Errorf("unexpected refresh token: %q", payload["refresh_token"])
		}
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  access,
			"refresh_token": rotated,
		})
	}))
	defer srv.Close()

	store := newSDKStore(t, srv.URL, "rt_original")
	tm, err := aim.NewTokenManager(store)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	token, err := tm.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if token != access {
		t.Error("unexpected access token")
	}

	// Second call within the expiry window hits the cache.
	if _, err := tm.AccessToken(context.Background()); err != nil {
		t.Fatalf("cached AccessToken: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 refresh call, got %d", calls)
	}

	// Rotation is persisted before the old token is discarded.
	stored, err := store.LoadSDK()
	if err != nil {
		t.Fatalf("LoadSDK: %v", err)
	}
	if stored.RefreshToken != rotated {
		t.Error("rotated refresh token was not persisted")
	}
	if stored.SDKTokenID != "jti_2" {
		t.Errorf("token id should follow the jti claim, got %q", stored.SDKTokenID)
	}
	if tm.SDKTokenID() != "jti_2" {
		t.Errorf("manager token id not updated, got %q", tm.SDKTokenID())
	}
}

func TestTokenManager_recoversAfterRotationLoss(t *testing.T) {
	access := signedJWT(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	recovered := signedJWT(t, jwt.MapClaims{"jti": "jti_r"})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "refresh token has been revoked"})
	})
	recoveries := 0
	mux.HandleFunc("/api/v1/auth/sdk/recover", func(w http.ResponseWriter, r *http.Request) {
		recoveries++
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["old_refresh_token"] != "rt_lost" {
			t.Errorf("recovery should present the old token, got %q", payload["old_refresh_token"])
		}
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  access,
			"refresh_token": recovered,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newSDKStore(t, srv.URL, "rt_lost")
	tm, err := aim.NewTokenManager(store)
	if err != nil {
		t.Fatal(err)
	}

	token, err := tm.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken should recover: %v", err)
	}
	if token != access {
		t.Error("unexpected access token after recovery")
	}
	if recoveries != 1 {
		t.Errorf("expected 1 recovery call, got %d", recoveries)
	}

	stored, _ := store.LoadSDK()
	if stored.RefreshToken != recovered {
		t.Error("recovered refresh token was not persisted")
	}
}

func TestTokenManager_recoveryFailureIsAuthError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid refresh token"})
	})
	mux.HandleFunc("/api/v1/auth/sdk/recover", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"error": "grace period elapsed"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newSDKStore(t, srv.URL, "rt_dead")
	tm, _ := aim.NewTokenManager(store)

	_, err := tm.AccessToken(context.Background())
	var authErr *aim.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), "refresh token expired or revoked") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestTokenManager_serverErrorDoesNotTriggerRecovery(t *testing.T) {
	recoveries := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "database down"})
	})
	mux.HandleFunc("/api/v1/auth/sdk/recover", func(w http.ResponseWriter, r *http.Request) {
		recoveries++
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newSDKStore(t, srv.URL, "rt_1")
	tm, _ := aim.NewTokenManager(store)

	_, err := tm.AccessToken(context.Background())
	if err == nil {
		t.Fatal("expected error for failing refresh")
	}
	if !strings.Contains(err.Error(), "token refresh failed with status 500") {
		t.Errorf("unexpected message: %v", err)
	}
	if recoveries != 0 {
		t.Errorf("recovery is only for revoked or invalid tokens, got %d calls", recoveries)
	}
}

func TestTokenManager_revokeDeletesLocalCredentials(t *testing.T) {
	var revokedToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/revoke" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		revokedToken = payload["refresh_token"]
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	}))
	defer srv.Close()

	store := newSDKStore(t, srv.URL, "rt_1")
	tm, _ := aim.NewTokenManager(store)

	if err := tm.Revoke(context.Background()); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if revokedToken != "rt_1" {
		t.Errorf("server should see the refresh token, got %q", revokedToken)
	}
	if store.Exists() {
		t.Error("local credentials should be deleted after revocation")
	}
}

func TestTokenManager_revokeDeletesLocallyEvenWhenServerFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newSDKStore(t, srv.URL, "rt_1")
	tm, _ := aim.NewTokenManager(store)

	if err := tm.Revoke(context.Background()); err != nil {
		t.Fatalf("Revoke should succeed locally: %v", err)
	}
	if store.Exists() {
		t.Error("local credentials should be deleted regardless of the server")
	}
}

func TestTokenManager_tokenSource(t *testing.T) {
	access := signedJWT(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]string{"access_token": access})
	}))
	defer srv.Close()

	store := newSDKStore(t, srv.URL, "rt_1")
	tm, _ := aim.NewTokenManager(store)

	ts := tm.TokenSource(context.Background())
	token, err := ts.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token.AccessToken != access {
		t.Error("unexpected access token")
	}
	if !token.Valid() {
		t.Error("token should be valid until its exp claim")
	}
	if _, err := ts.Token(); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("expected 1 refresh across reuse, got %d", calls)
	}
}

func TestNewAgentTokenManager_rotationUpdatesAgentEntry(t *testing.T) {
	access := signedJWT(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	rotated := signedJWT(t, jwt.MapClaims{"jti": "jti_agent"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  access,
			"refresh_token": rotated,
		})
	}))
	defer srv.Close()

	store := newTestStore(t)
	err := store.SaveAgent("worker", &credstore.Credentials{
		AgentID:      "agent-9",
		PublicKey:    "pub",
		PrivateKey:   "priv",
		AIMURL:       srv.URL,
		RefreshToken: "rt_agent",
		SDKTokenID:   "tok_a",
	})
	if err != nil {
		t.Fatal(err)
	}

	tm, err := aim.NewAgentTokenManager(store, "worker")
	if err != nil {
		t.Fatalf("NewAgentTokenManager: %v", err)
	}
	if tm.AgentID() != "agent-9" {
		t.Errorf("unexpected agent id: %s", tm.AgentID())
	}
	if _, err := tm.AccessToken(context.Background()); err != nil {
		t.Fatalf("AccessToken: %v", err)
	}

	entry, err := store.LoadAgent("worker")
	if err != nil {
		t.Fatal(err)
	}
	if entry.RefreshToken != rotated {
		t.Error("rotation should update the agent's stored entry")
	}
	if entry.SDKTokenID != "jti_agent" {
		t.Errorf("unexpected token id: %s", entry.SDKTokenID)
	}
	if entry.PrivateKey != "priv" {
		t.Error("rotation must not disturb the stored keypair")
	}
}

func TestNewAgentTokenManager_requiresStoredTokens(t *testing.T) {
	store := newTestStore(t)
	err := store.SaveAgent("keyless", &credstore.Credentials{
		AgentID:    "agent-9",
		PublicKey:  "pub",
		PrivateKey: "priv",
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := aim.NewAgentTokenManager(store, "keyless"); err == nil {
		t.Error("expected error for agent entry without a refresh token")
	}
}

func TestHeaders_bearerFallback(t *testing.T) {
	access := signedJWT(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": access})
	})
	var got http.Header
	mux.HandleFunc("/api/v1/agents/agent-1", func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		json.NewEncoder(w).Encode(agentJSON("agent-1"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newSDKStore(t, srv.URL, "rt_1")
	tm, _ := aim.NewTokenManager(store)

	// No keypair and no API key: requests fall back to the Bearer token.
	c, err := aim.New("agent-1", srv.URL, aim.WithTokenManager(tm), aim.WithoutRetry())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetAgent(context.Background(), ""); err != nil {
		t.Fatalf("GetAgent: %v", err)
	}

	if got.Get("Authorization") != "Bearer "+access {
		t.Errorf("unexpected Authorization header: %q", got.Get("Authorization"))
	}
	if got.Get("X-SDK-Token") != "tok_1" {
		t.Errorf("client should adopt the manager's token id, got %q", got.Get("X-SDK-Token"))
	}
}
