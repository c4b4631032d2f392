package aim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/opena2a/aim-go-sdk/pkg/signing"
)

const (
	verificationsEndpoint = "/api/v1/sdk-api/verifications"

	// defaultVerifyTimeout bounds how long a pending verification is
	// polled before giving up.
	defaultVerifyTimeout = 300 * time.Second

	// resultTimestampLayout matches RFC 3339 with microseconds and a
	// numeric zone offset.
	resultTimestampLayout = "2006-01-02T15:04:05.000000-07:00"
)

// Decision is the outcome of a verification request.
//
// Status "pending" with a non-empty Err means the control plane could
// not be consulted and the SDK degraded to fail-open: the action was
// neither approved nor denied.
type Decision struct {
	Verified       bool   `json:"verified"`
	VerificationID string `json:"verification_id,omitempty"`
	Status         string `json:"status"`
	ApprovedBy     string `json:"approved_by,omitempty"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	Err            string `json:"error,omitempty"`
}

// errStillPending keeps the approval poll loop going.
var errStillPending = errors.New("verification still pending")

// VerifyAction submits an action for verification and waits for the
// control plane's decision.
//
// The request is signed with the agent's private key; identity travels
// in the signed body, so no session credentials are attached. resource
// may be empty when the action has no target. timeout bounds the
// approval wait for actions that land in pending state; zero means five
// minutes.
//
// Approved actions return a Decision with Verified set. Denials return
// *ActionDeniedError. When the control plane is unreachable or answers
// with an unexpected status, the default is a fail-open pending Decision
// recording what went wrong; WithFailClosed turns those into errors.
func (c *Client) VerifyAction(ctx context.Context, actionType, resource string, actionCtx map[string]any, timeout time.Duration) (*Decision, error) {
	if c.keypair == nil {
		return nil, configErrorf("action verification requires an Ed25519 keypair")
	}
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	if actionCtx == nil {
		actionCtx = map[string]any{}
	}

	timestamp := signing.Timestamp(time.Now())
	payload := map[string]any{
		"action_type": actionType,
		"agent_id":    c.agentID,
		"context":     actionCtx,
		"resource":    nullableString(resource),
		"timestamp":   timestamp,
	}
	sig, err := signing.SignPayload(c.keypair.Private, payload)
	if err != nil {
		return nil, fmt.Errorf("sign verification payload: %w", err)
	}
	payload["signature"] = sig
	payload["public_key"] = c.keypair.PublicBase64()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode verification request: %w", err)
	}

	status, respBody, err := c.sendOnce(ctx, http.MethodPost, verificationsEndpoint, body, authNone)
	if err != nil {
		return c.degrade(fmt.Sprintf("Network error: %v", err), err)
	}

	switch {
	case status == http.StatusUnauthorized:
		return nil, authErrorf("Authentication failed - invalid agent credentials: %s", errorDetail(respBody))
	case status == http.StatusForbidden:
		return nil, authErrorf("Forbidden - insufficient permissions")
	case status == http.StatusNotFound:
		return c.degrade("Endpoint not found - server may not be available", nil)
	case status >= 400:
		return c.degrade(fmt.Sprintf("HTTP %d error: %s", status, errorMessage(respBody)), nil)
	}

	var result struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		ApprovedBy   string `json:"approved_by"`
		ExpiresAt    string `json:"expires_at"`
		DenialReason string `json:"denial_reason"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return c.degrade(fmt.Sprintf("JSON decode error: %v", err), err)
	}

	switch result.Status {
	case "approved":
		recordVerification("approved")
		return &Decision{
			Verified:       true,
			VerificationID: result.ID,
			Status:         "approved",
			ApprovedBy:     result.ApprovedBy,
			ExpiresAt:      result.ExpiresAt,
		}, nil
	case "denied":
		recordVerification("denied")
		reason := result.DenialReason
		if reason == "" {
			reason = "Action denied by policy"
		}
		return nil, &ActionDeniedError{Reason: reason}
	case "pending":
		return c.pollApproval(ctx, result.ID, timeout)
	default:
		return nil, verificationErrorf("Unexpected verification status: %q", result.Status)
	}
}

// degrade produces the fail-open pending Decision, or an error when the
// client is configured fail-closed.
func (c *Client) degrade(reason string, cause error) (*Decision, error) {
	recordVerification("unreachable")
	if c.failClosed {
		if cause != nil {
			return nil, wrapVerificationError(reason, cause)
		}
		return nil, verificationErrorf("%s", reason)
	}
	c.log.Warn("verification could not be completed, treating action as pending",
		zap.String("reason", reason))
	return &Decision{Status: "pending", Err: reason}, nil
}

// pollApproval polls a pending verification until it is approved,
// denied, or the timeout elapses. Transient poll failures keep the loop
// alive; only auth failures, a missing endpoint, and denial stop it.
func (c *Client) pollApproval(ctx context.Context, verificationID string, timeout time.Duration) (*Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := verificationsEndpoint + "/" + verificationID

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.Multiplier = 1.5
	bo.MaxInterval = 10 * time.Second
	bo.RandomizationFactor = 0

	operation := func() (*Decision, error) {
		status, body, err := c.sendOnce(ctx, http.MethodGet, endpoint, nil, authTokenOnly)
		if err != nil {
			c.log.Warn("network error while polling verification", zap.Error(err))
			return nil, err
		}

		switch {
		case status == http.StatusUnauthorized:
			return nil, backoff.Permanent(authErrorf("Authentication failed - invalid agent credentials"))
		case status == http.StatusForbidden:
			return nil, backoff.Permanent(authErrorf("Forbidden - insufficient permissions"))
		case status == http.StatusNotFound:
			return nil, backoff.Permanent(verificationErrorf("Verification endpoint not available - cannot complete approval process"))
		case status >= 400:
			c.log.Warn("error polling verification status",
				zap.Int("status", status),
				zap.String("error", errorMessage(body)))
			return nil, fmt.Errorf("poll failed with status %d", status)
		}

		var result struct {
			Status       string `json:"status"`
			ApprovedBy   string `json:"approved_by"`
			ExpiresAt    string `json:"expires_at"`
			DenialReason string `json:"denial_reason"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			c.log.Warn("invalid JSON while polling verification", zap.Error(err))
			return nil, err
		}

		switch result.Status {
		case "approved":
			return &Decision{
				Verified:       true,
				VerificationID: verificationID,
				Status:         "approved",
				ApprovedBy:     result.ApprovedBy,
				ExpiresAt:      result.ExpiresAt,
			}, nil
		case "denied":
			reason := result.DenialReason
			if reason == "" {
				reason = "Action denied"
			}
			return nil, backoff.Permanent(&ActionDeniedError{Reason: reason})
		default:
			return nil, errStillPending
		}
	}

	decision, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo))
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return nil, authErr
		}
		var denied *ActionDeniedError
		if errors.As(err, &denied) {
			recordVerification("denied")
			return nil, denied
		}
		var failed *VerificationFailedError
		if errors.As(err, &failed) {
			return nil, failed
		}
		if ctx.Err() != nil {
			recordVerification("timeout")
			return nil, verificationErrorf("Verification timeout after %d seconds", int(timeout.Seconds()))
		}
		return nil, wrapVerificationError("verification polling failed", err)
	}

	recordVerification("approved")
	return decision, nil
}

// LogActionResult reports how a verified action went. Failures are
// logged and swallowed; result reporting never breaks the action.
func (c *Client) LogActionResult(ctx context.Context, verificationID string, success bool, resultSummary, errMessage string) {
	result := "failure"
	if success {
		result = "success"
	}
	payload := map[string]any{
		"result":         result,
		"result_summary": nullableString(resultSummary),
		"error_message":  nullableString(errMessage),
		"timestamp":      time.Now().UTC().Format(resultTimestampLayout),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		c.log.Debug("encode action result", zap.Error(err))
		return
	}

	endpoint := verificationsEndpoint + "/" + verificationID + "/result"
	status, _, err := c.sendOnce(ctx, http.MethodPost, endpoint, body, authTokenOnly)
	if err != nil {
		c.log.Debug("failed to report action result", zap.Error(err))
		return
	}
	if status >= 300 {
		c.log.Debug("action result rejected", zap.Int("status", status))
	}
}

// nullableString maps "" to JSON null, matching the wire format the
// control plane expects for optional fields.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// errorDetail extracts the error field from a JSON body, "unknown
// error" when the field is absent, or the raw body when it is not JSON.
func errorDetail(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return string(body)
	}
	if msg, ok := payload["error"].(string); ok {
		return msg
	}
	return "unknown error"
}
