package emulator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Rejection reasons surfaced to SDK clients. The refresh error must
// contain "revoked" so clients know to attempt recovery.
var (
	errTokenInvalid = errors.New("invalid refresh token")
	errTokenRevoked = errors.New("refresh token has been revoked")
	errNoRecovery   = errors.New("token is not eligible for recovery")
)

// sdkClaims are the JWT claims on emulator-issued SDK tokens.
type sdkClaims struct {
	jwt.RegisteredClaims
	AgentID   string `json:"agent_id"`
	TokenType string `json:"token_type"`
}

// tokenSession tracks the refresh-token chain for one agent. currentJTI
// is the only token accepted by refresh; graceJTI is the one most
// recently rotated out, redeemable through recovery exactly once.
type tokenSession struct {
	currentJTI string
	graceJTI   string
}

// tokenService issues and rotates HS256 SDK tokens.
//
// Every refresh rotates: the presented token's jti moves to the grace
// slot and a fresh refresh token becomes current. A client that lost the
// rotated token (crashed before persisting it) can recover with the old
// one once; after that the chain is gone and the agent must re-register.
type tokenService struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration

	mu       sync.Mutex
	sessions map[string]*tokenSession
}

func newTokenService(secret []byte, issuer string, accessTTL, refreshTTL time.Duration) *tokenService {
	if accessTTL == 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL == 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	return &tokenService{
		secret:     secret,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		sessions:   make(map[string]*tokenSession),
	}
}

// Issue starts a fresh token chain for an agent and returns the initial
// access/refresh pair. Any existing chain for the agent is replaced.
func (t *tokenService) Issue(agentID string) (access, refresh string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.issueLocked(agentID)
}

func (t *tokenService) issueLocked(agentID string) (string, string, error) {
	jti := uuid.NewString()
	refresh, err := t.sign(agentID, "refresh", jti, t.refreshTTL)
	if err != nil {
		return "", "", err
	}
	access, err := t.sign(agentID, "access", uuid.NewString(), t.accessTTL)
	if err != nil {
		return "", "", err
	}
	t.sessions[agentID] = &tokenSession{currentJTI: jti}
	return access, refresh, nil
}

// Refresh exchanges the current refresh token for a new access/refresh
// pair, rotating the chain. A rotated-out token is rejected with
// errTokenRevoked.
func (t *tokenService) Refresh(refreshToken string) (access, refresh string, err error) {
	claims, err := t.parse(refreshToken, "refresh")
	if err != nil {
		return "", "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[claims.AgentID]
	if !ok {
		return "", "", errTokenRevoked
	}
	if claims.ID != sess.currentJTI {
		return "", "", errTokenRevoked
	}
	return t.rotateLocked(claims.AgentID, sess)
}

// Recover redeems the most recently rotated-out refresh token. It works
// exactly once per rotation; success starts a new chain.
func (t *tokenService) Recover(oldRefreshToken string) (access, refresh string, err error) {
	claims, err := t.parse(oldRefreshToken, "refresh")
	if err != nil {
		return "", "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[claims.AgentID]
	if !ok || sess.graceJTI == "" || claims.ID != sess.graceJTI {
		return "", "", errNoRecovery
	}
	sess.graceJTI = ""
	return t.rotateLocked(claims.AgentID, sess)
}

// Revoke invalidates a refresh-token chain. The grace slot is cleared
// too; revocation leaves nothing to recover.
func (t *tokenService) Revoke(refreshToken string) error {
	claims, err := t.parse(refreshToken, "refresh")
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[claims.AgentID]
	if !ok || claims.ID != sess.currentJTI {
		return errTokenInvalid
	}
	delete(t.sessions, claims.AgentID)
	return nil
}

// VerifyAccess validates an access token and returns its agent id.
func (t *tokenService) VerifyAccess(token string) (string, error) {
	claims, err := t.parse(token, "access")
	if err != nil {
		return "", err
	}
	return claims.AgentID, nil
}

// rotateLocked issues a new pair and moves the current jti to the grace
// slot.
func (t *tokenService) rotateLocked(agentID string, sess *tokenSession) (string, string, error) {
	jti := uuid.NewString()
	refresh, err := t.sign(agentID, "refresh", jti, t.refreshTTL)
	if err != nil {
		return "", "", err
	}
	access, err := t.sign(agentID, "access", uuid.NewString(), t.accessTTL)
	if err != nil {
		return "", "", err
	}
	sess.graceJTI = sess.currentJTI
	sess.currentJTI = jti
	return access, refresh, nil
}

func (t *tokenService) sign(agentID, tokenType, jti string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := sdkClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
		AgentID:   agentID,
		TokenType: tokenType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (t *tokenService) parse(tokenStr, wantType string) (*sdkClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&sdkClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, errTokenInvalid
	}
	claims, ok := token.Claims.(*sdkClaims)
	if !ok || !token.Valid || claims.TokenType != wantType {
		return nil, errTokenInvalid
	}
	return claims, nil
}
