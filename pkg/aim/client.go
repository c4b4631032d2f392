// Package aim provides the AIM Go SDK: verifiable identity and runtime
// action verification for AI agents against an AIM control plane.
//
// A typical agent does one of two things. It registers itself once:
//
//	client, err := aim.Register(ctx, "billing-bot",
//	    aim.RegisterURL("https://aim.example.com"),
//	    aim.RegisterAPIKey(os.Getenv("AIM_API_KEY")),
//	)
//
// or it reconnects with stored credentials and wraps risky work:
//
//	result := client.TrackAction(ctx, "send_email", func(ctx context.Context) (any, error) {
//	    return mailer.Send(ctx, msg)
//	}, aim.WithRisk(aim.RiskMedium))
//
// Every verified action is signed with the agent's Ed25519 key; the
// control plane decides approve, deny, or hold-for-approval.
package aim

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/opena2a/aim-go-sdk/internal/detect"
	"github.com/opena2a/aim-go-sdk/pkg/signing"
)

// Version is the SDK release version reported to the control plane.
const Version = "1.0.0"

const (
	defaultUserAgent  = "AIM-Go-SDK/" + Version
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	maxResponseBytes  = 1 << 20
)

// Client talks to one AIM control plane on behalf of one agent.
type Client struct {
	agentID   string
	baseURL   string
	hc        *http.Client
	log       *zap.Logger
	userAgent string

	// identity: exactly one of keypair or apiKey drives request auth;
	// tokens supplies Bearer fallback for OAuth-registered agents.
	keypair  *signing.Keypair
	apiKey   string
	tokens   *TokenManager
	sdkToken string

	maxRetries int
	autoRetry  bool
	failClosed bool
	limiter    *rate.Limiter
	cache      *agentCache

	protocol     string
	protocolOnce sync.Once
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithKeys sets the agent's base64 Ed25519 keys. The private key accepts
// both the 64-byte and the seed-only form; the public key must match the
// one derived from it.
func WithKeys(publicB64, privateB64 string) Option {
	return func(c *Client) error {
		kp, err := signing.ParseKeypair(publicB64, privateB64)
		if err != nil {
			return configErrorf("invalid keypair: %v", err)
		}
		c.keypair = kp
		return nil
	}
}

// WithKeypair sets an already-parsed keypair.
func WithKeypair(kp *signing.Keypair) Option {
	return func(c *Client) error {
		c.keypair = kp
		return nil
	}
}

// WithAPIKey authenticates requests with an AIM API key instead of (or in
// addition to) a keypair. With both present the keypair wins.
func WithAPIKey(key string) Option {
	return func(c *Client) error {
		c.apiKey = key
		return nil
	}
}

// WithTokenManager attaches an OAuth token manager. Its access token is
// the Bearer fallback when neither keypair nor API key applies, and the
// manager's SDK token id is adopted when none is set.
func WithTokenManager(tm *TokenManager) Option {
	return func(c *Client) error {
		c.tokens = tm
		if c.sdkToken == "" && tm != nil {
			c.sdkToken = tm.SDKTokenID()
		}
		return nil
	}
}

// WithSDKToken sets the X-SDK-Token usage-tracking header value.
func WithSDKToken(id string) Option {
	return func(c *Client) error {
		c.sdkToken = id
		return nil
	}
}

// WithHTTPClient sets a custom http.Client, overriding any TLS options.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.hc = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.hc.Timeout = d
		return nil
	}
}

// WithMaxRetries sets how many times transient failures are retried
// (default 3).
func WithMaxRetries(n int) Option {
	return func(c *Client) error {
		if n < 0 {
			return configErrorf("max retries must be >= 0, got %d", n)
		}
		c.maxRetries = n
		return nil
	}
}

// WithoutRetry disables automatic retries entirely.
func WithoutRetry() Option {
	return func(c *Client) error {
		c.autoRetry = false
		return nil
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) error {
		c.log = log
		return nil
	}
}

// WithRateLimit caps outbound request rate client-side.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) error {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

// WithCacheTTL enables in-memory caching of agent detail lookups.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.cache = newAgentCache(ttl)
		return nil
	}
}

// WithFailClosed turns unreachable-control-plane verification results
// into errors instead of synthetic pending decisions.
func WithFailClosed() Option {
	return func(c *Client) error {
		c.failClosed = true
		return nil
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		c.userAgent = ua
		return nil
	}
}

// WithProtocol declares the agent's communication protocol explicitly,
// bypassing auto-detection. Known protocols: mcp, a2a, oauth, saml,
// did, acp.
func WithProtocol(protocol string) Option {
	return func(c *Client) error {
		c.protocol = strings.ToLower(protocol)
		return nil
	}
}

// WithTLSConfig sets the TLS configuration of the default HTTP client.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) error {
		c.hc.Transport = &http.Transport{TLSClientConfig: cfg}
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification. Only use
// this in development against a local control plane.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.hc.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		}
		return nil
	}
}

// New creates a Client for an already-registered agent.
//
//	c, err := aim.New("agent-7f3b...", "https://aim.example.com",
//	    aim.WithKeys(publicKey, privateKey),
//	)
//
// The client needs at least one way to authenticate: a keypair, an API
// key, or a token manager.
func New(agentID, baseURL string, opts ...Option) (*Client, error) {
	if agentID == "" {
		return nil, configErrorf("agent_id is required")
	}
	if baseURL == "" {
		return nil, configErrorf("aim_url is required")
	}

	c := &Client{
		agentID:    agentID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		hc:         &http.Client{Timeout: defaultTimeout},
		log:        zap.NewNop(),
		userAgent:  defaultUserAgent,
		maxRetries: defaultMaxRetries,
		autoRetry:  true,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}

	if c.keypair == nil && c.apiKey == "" && c.tokens == nil {
		return nil, configErrorf("either an API key, a keypair, or a token manager must be provided")
	}
	return c, nil
}

// AgentID returns the agent this client acts as.
func (c *Client) AgentID() string { return c.agentID }

// BaseURL returns the control-plane URL.
func (c *Client) BaseURL() string { return c.baseURL }

// PublicKey returns the agent's base64 public key, or "" without a
// keypair.
func (c *Client) PublicKey() string {
	if c.keypair == nil {
		return ""
	}
	return c.keypair.PublicBase64()
}

// Protocol returns the agent's communication protocol: the declared one,
// or the protocol auto-detected from the environment and the working
// directory's dependencies. Detection runs once, on first call.
func (c *Client) Protocol() string {
	c.protocolOnce.Do(func() {
		if c.protocol == "" {
			c.protocol = detect.Protocol(".", "")
		}
	})
	return c.protocol
}

// Close releases idle transport connections.
func (c *Client) Close() {
	c.hc.CloseIdleConnections()
}

// ── request engine ──

type authMode int

const (
	// authAuto picks the strongest available scheme: envelope signature,
	// then API key, then Bearer.
	authAuto authMode = iota
	// authNone sends no credentials. Verification submission uses this;
	// identity travels in the signed body.
	authNone
	// authTokenOnly skips envelope signing: API key, then Bearer. Used
	// where the server authenticates the session, not the payload.
	authTokenOnly
)

type requestOptions struct {
	auth      authMode
	noRetry   bool
	operation string
}

type requestOption func(*requestOptions)

func withAuthMode(m authMode) requestOption {
	return func(o *requestOptions) { o.auth = m }
}

func withoutRetry() requestOption {
	return func(o *requestOptions) { o.noRetry = true }
}

func asOperation(name string) requestOption {
	return func(o *requestOptions) { o.operation = name }
}

type httpResult struct {
	status int
	body   []byte
}

// serverError carries a 5xx response through the retry loop so that the
// final status and body survive retry exhaustion.
type serverError struct {
	status int
	body   []byte
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server error %d", e.status)
}

// do executes one control-plane request and returns the response status
// and body. The shared error contract applies: 401 and 403 surface as
// AuthError, transport failures and HTTP 5xx retry with exponential
// backoff before surfacing, and every other status is returned to the
// caller to interpret.
func (c *Client) do(ctx context.Context, method, endpoint string, data any, opts ...requestOption) (int, []byte, error) {
	var ro requestOptions
	for _, o := range opts {
		o(&ro)
	}
	if ro.operation == "" {
		ro.operation = method + " " + endpoint
	}

	var body []byte
	var err error
	if data != nil {
		if c.signsRequests(ro.auth) {
			// Signed bytes and wire bytes must be identical, so the
			// canonical form is produced once and reused.
			body, err = signing.Canonical(data)
		} else {
			body, err = json.Marshal(data)
		}
		if err != nil {
			return 0, nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	start := time.Now()
	status, respBody, err := c.execute(ctx, method, endpoint, body, &ro)
	label := "error"
	if err == nil {
		label = fmt.Sprintf("%d", status)
	}
	recordRequest(ro.operation, label, time.Since(start).Seconds())
	return status, respBody, err
}

// doJSON wraps do, requiring a 2xx status and decoding the response into
// out when non-nil.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, data, out any, opts ...requestOption) error {
	status, body, err := c.do(ctx, method, endpoint, data, opts...)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return verificationErrorf("Request failed: HTTP %d: %s", status, truncate(body, 200))
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return verificationErrorf("decode response: %v", err)
		}
	}
	return nil
}

func (c *Client) execute(ctx context.Context, method, endpoint string, body []byte, ro *requestOptions) (int, []byte, error) {
	operation := func() (httpResult, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return httpResult{}, backoff.Permanent(err)
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
		if err != nil {
			return httpResult{}, backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		c.setHeaders(ctx, req, method, endpoint, body, ro.auth)

		resp, err := c.hc.Do(req)
		if err != nil {
			return httpResult{}, err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return httpResult{}, fmt.Errorf("read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return httpResult{}, backoff.Permanent(authErrorf("Authentication failed - invalid agent credentials"))
		case resp.StatusCode == http.StatusForbidden:
			return httpResult{}, backoff.Permanent(authErrorf("Forbidden - insufficient permissions"))
		case resp.StatusCode >= 500:
			return httpResult{}, &serverError{status: resp.StatusCode, body: respBody}
		}
		return httpResult{status: resp.StatusCode, body: respBody}, nil
	}

	tries := uint(c.maxRetries + 1)
	if !c.autoRetry || ro.noRetry {
		tries = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.log.Debug("retrying control-plane request",
				zap.String("endpoint", endpoint),
				zap.Duration("backoff", wait),
				zap.Error(err))
		}),
	)
	if err != nil {
		var se *serverError
		if errors.As(err, &se) {
			return se.status, se.body, nil
		}
		var ae *AuthError
		if errors.As(err, &ae) {
			return 0, nil, ae
		}
		if isTimeout(err) {
			return 0, nil, wrapVerificationError("Request timeout", err)
		}
		if errors.Is(err, context.Canceled) {
			return 0, nil, err
		}
		return 0, nil, wrapVerificationError("Connection failed", err)
	}
	return res.status, res.body, nil
}

// sendOnce performs a single request attempt with no retry and no status
// interpretation. The verification flow uses it because its status
// handling differs from the shared contract.
func (c *Client) sendOnce(ctx context.Context, method, endpoint string, body []byte, mode authMode) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, err
		}
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(ctx, req, method, endpoint, body, mode)

	resp, err := c.hc.Do(req)
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

// setHeaders attaches identity and content headers. Envelope signatures
// are computed per attempt so retried requests carry fresh timestamps.
func (c *Client) setHeaders(ctx context.Context, req *http.Request, method, endpoint string, body []byte, mode authMode) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sdkToken != "" {
		req.Header.Set("X-SDK-Token", c.sdkToken)
	}

	switch mode {
	case authNone:
		return
	case authAuto:
		if c.keypair != nil {
			ts := signing.UnixTimestamp(time.Now())
			sig := signing.SignEnvelope(c.keypair.Private, method, endpoint, ts, body)
			req.Header.Set(signing.HeaderAgentID, c.agentID)
			req.Header.Set(signing.HeaderSignature, sig)
			req.Header.Set(signing.HeaderTimestamp, ts)
			req.Header.Set(signing.HeaderPublicKey, c.keypair.PublicBase64())
			return
		}
		fallthrough
	case authTokenOnly:
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
			return
		}
		if c.tokens != nil {
			token, err := c.tokens.AccessToken(ctx)
			if err != nil {
				// Requests proceed unauthenticated; the server's 401
				// tells the caller what happened.
				c.log.Debug("no access token available", zap.Error(err))
				return
			}
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}
	}
}

func (c *Client) signsRequests(mode authMode) bool {
	return mode == authAuto && c.keypair != nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return os.IsTimeout(err)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// ── agent detail cache ──

type agentCacheEntry struct {
	agent     *Agent
	expiresAt time.Time
}

type agentCache struct {
	mu      sync.RWMutex
	entries map[string]*agentCacheEntry
	ttl     time.Duration
}

func newAgentCache(ttl time.Duration) *agentCache {
	return &agentCache{entries: make(map[string]*agentCacheEntry), ttl: ttl}
}

func (ac *agentCache) get(id string) (*Agent, bool) {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	e, ok := ac.entries[id]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.agent, true
}

func (ac *agentCache) set(id string, agent *Agent) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.entries[id] = &agentCacheEntry{agent: agent, expiresAt: time.Now().Add(ac.ttl)}
}

func (ac *agentCache) invalidate(id string) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	delete(ac.entries, id)
}
