package aim

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RiskLevel classifies how dangerous an action is. Low and medium risk
// actions are typically auto-approved by policy; high and critical ones
// require human approval.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

const defaultApprovalTimeout = time.Hour

// ActionFunc is the unit of work guarded by TrackAction and
// RequireApproval.
type ActionFunc func(ctx context.Context) (any, error)

// ActionResult records how a guarded action went. It is a record, not
// an error: wrapped actions never panic the caller, they report.
type ActionResult struct {
	Action         string `json:"action"`
	Status         string `json:"status"`
	Value          any    `json:"value,omitempty"`
	Err            bool   `json:"error"`
	ErrorType      string `json:"error_type,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	VerificationID string `json:"verification_id,omitempty"`
}

// Action result statuses.
const (
	StatusCompleted          = "completed"
	StatusVerificationFailed = "verification_failed"
	StatusDenied             = "denied"
	StatusExecutionFailed    = "execution_failed"
)

// Completed reports whether the action ran and succeeded.
func (r *ActionResult) Completed() bool { return r.Status == StatusCompleted }

type trackConfig struct {
	risk     RiskLevel
	resource string
	timeout  time.Duration
	details  map[string]any
}

// TrackOption configures TrackAction and RequireApproval.
type TrackOption func(*trackConfig)

// WithRisk sets the action's risk level.
func WithRisk(r RiskLevel) TrackOption {
	return func(cfg *trackConfig) { cfg.risk = r }
}

// WithResource names the resource the action touches.
func WithResource(resource string) TrackOption {
	return func(cfg *trackConfig) { cfg.resource = resource }
}

// WithApprovalTimeout bounds how long to wait for a decision.
func WithApprovalTimeout(d time.Duration) TrackOption {
	return func(cfg *trackConfig) { cfg.timeout = d }
}

// WithDetail adds an entry to the verification context for the audit
// trail.
func WithDetail(key string, value any) TrackOption {
	return func(cfg *trackConfig) {
		if cfg.details == nil {
			cfg.details = map[string]any{}
		}
		cfg.details[key] = value
	}
}

// TrackAction verifies an action, runs it if verified, and reports the
// result back. The returned record never carries a Go error across the
// boundary: verification failures, denials, and execution failures all
// land in the record's status.
//
// Unlike VerifyAction, the wrapper is strict about degraded results: an
// action whose verification could not be completed does not run.
//
//	res := client.TrackAction(ctx, "send_email", func(ctx context.Context) (any, error) {
//	    return mailer.Send(ctx, msg)
//	}, aim.WithRisk(aim.RiskMedium), aim.WithResource("billing@example.com"))
//	if !res.Completed() {
//	    log.Printf("blocked: %s", res.ErrorMessage)
//	}
func (c *Client) TrackAction(ctx context.Context, action string, fn ActionFunc, opts ...TrackOption) *ActionResult {
	cfg := trackConfig{risk: RiskLow, timeout: defaultVerifyTimeout}
	for _, o := range opts {
		o(&cfg)
	}
	return c.runGuarded(ctx, action, fn, &cfg, false)
}

// RequireApproval is TrackAction for actions that must pause until a
// human approves them in the AIM dashboard. Only high and critical risk
// levels are accepted; the default wait is an hour.
func (c *Client) RequireApproval(ctx context.Context, action string, fn ActionFunc, opts ...TrackOption) *ActionResult {
	cfg := trackConfig{risk: RiskHigh, timeout: defaultApprovalTimeout}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.risk != RiskHigh && cfg.risk != RiskCritical {
		return &ActionResult{
			Action:    action,
			Status:    StatusVerificationFailed,
			Err:       true,
			ErrorType: "ConfigError",
			ErrorMessage: fmt.Sprintf(
				"RequireApproval only supports %q or %q risk levels, got %q; use TrackAction for lower risk levels",
				RiskHigh, RiskCritical, cfg.risk),
		}
	}
	c.log.Info("waiting for approval",
		zap.String("action", action),
		zap.String("risk_level", string(cfg.risk)),
		zap.Duration("timeout", cfg.timeout))
	return c.runGuarded(ctx, action, fn, &cfg, true)
}

func (c *Client) runGuarded(ctx context.Context, action string, fn ActionFunc, cfg *trackConfig, needsApproval bool) *ActionResult {
	fnName, fnModule := functionName(fn)
	actionCtx := map[string]any{
		"risk_level":    string(cfg.risk),
		"function_name": fnName,
		"module":        fnModule,
	}
	if needsApproval {
		actionCtx["requires_approval"] = true
		actionCtx["warning"] = "CRITICAL: This action requires human approval!"
	}
	for k, v := range cfg.details {
		actionCtx[k] = v
	}

	decision, err := c.VerifyAction(ctx, action, cfg.resource, actionCtx, cfg.timeout)
	if err != nil {
		var denied *ActionDeniedError
		if errors.As(err, &denied) {
			msg := fmt.Sprintf("Action '%s' denied: %s", action, denied.Reason)
			if needsApproval {
				msg = fmt.Sprintf("Action '%s' DENIED: %s", action, denied.Reason)
			}
			c.log.Warn("action denied",
				zap.String("action", action),
				zap.String("reason", denied.Reason))
			return &ActionResult{
				Action:       action,
				Status:       StatusDenied,
				Err:          true,
				ErrorType:    errorTypeName(err),
				ErrorMessage: msg,
			}
		}
		c.log.Warn("action blocked, verification failed",
			zap.String("action", action),
			zap.Error(err))
		return &ActionResult{
			Action:       action,
			Status:       StatusVerificationFailed,
			Err:          true,
			ErrorType:    errorTypeName(err),
			ErrorMessage: err.Error(),
		}
	}
	if decision.Err != "" || !decision.Verified {
		reason := decision.Err
		if reason == "" {
			reason = "verification did not approve the action"
		}
		c.log.Warn("action blocked, verification degraded",
			zap.String("action", action),
			zap.String("error", reason))
		return &ActionResult{
			Action:       action,
			Status:       StatusVerificationFailed,
			Err:          true,
			ErrorType:    "VerificationError",
			ErrorMessage: reason,
		}
	}

	if needsApproval {
		c.log.Info("action approved",
			zap.String("action", action),
			zap.String("approved_by", decision.ApprovedBy))
	}

	value, err := fn(ctx)
	if err != nil {
		c.LogActionResult(ctx, decision.VerificationID, false, "", err.Error())
		c.log.Warn("action execution failed",
			zap.String("action", action),
			zap.Error(err))
		return &ActionResult{
			Action:         action,
			Status:         StatusExecutionFailed,
			Err:            true,
			ErrorType:      errorTypeName(err),
			ErrorMessage:   err.Error(),
			VerificationID: decision.VerificationID,
		}
	}

	c.LogActionResult(ctx, decision.VerificationID, true,
		fmt.Sprintf("Action '%s' completed successfully", action), "")
	return &ActionResult{
		Action:         action,
		Status:         StatusCompleted,
		Value:          value,
		VerificationID: decision.VerificationID,
	}
}

// PerformAction is the error-propagating variant of TrackAction: verify,
// execute, report, and return the value or the failure to the caller.
// The function runs whenever verification did not error, which includes
// fail-open pending decisions; set WithFailClosed on the client to make
// those fail instead.
func (c *Client) PerformAction(ctx context.Context, actionType, resource string, actionCtx map[string]any, timeout time.Duration, fn ActionFunc) (any, error) {
	decision, err := c.VerifyAction(ctx, actionType, resource, actionCtx, timeout)
	if err != nil {
		return nil, err
	}

	value, err := fn(ctx)
	if decision.VerificationID != "" {
		if err != nil {
			c.LogActionResult(ctx, decision.VerificationID, false, "", err.Error())
		} else {
			c.LogActionResult(ctx, decision.VerificationID, true,
				fmt.Sprintf("Action '%s' completed successfully", actionType), "")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("execute action %q: %w", actionType, err)
	}
	return value, nil
}

// functionName resolves the wrapped function's name and package for the
// audit context.
func functionName(fn ActionFunc) (name, module string) {
	if fn == nil {
		return "unknown", "unknown"
	}
	rf := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if rf == nil {
		return "unknown", "unknown"
	}
	full := rf.Name()
	slash := strings.LastIndex(full, "/")
	dot := strings.Index(full[slash+1:], ".")
	if dot < 0 {
		return full, ""
	}
	return full[slash+1+dot+1:], full[:slash+1+dot]
}
