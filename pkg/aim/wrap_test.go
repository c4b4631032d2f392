package aim_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/opena2a/aim-go-sdk/pkg/aim"
)

// resultLog collects action result reports posted back to the control
// plane.
type resultLog struct {
	mu      sync.Mutex
	reports []map[string]any
}

func (l *resultLog) add(p map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports = append(l.reports, p)
}

func (l *resultLog) all() []map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]map[string]any(nil), l.reports...)
}

// approvingServer is a control plane that approves every action as
// "ver_w" and records result reports. onVerify sees each submitted
// payload.
func approvingServer(t *testing.T, results *resultLog, onVerify func(payload map[string]any)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sdk-api/verifications", func(w http.ResponseWriter, r *http.Request) {
		payload := decodeSignedAction(t, r)
		if onVerify != nil {
			onVerify(payload)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "ver_w", "status": "approved"})
	})
	mux.HandleFunc("/api/v1/sdk-api/verifications/ver_w/result", func(w http.ResponseWriter, r *http.Request) {
		var p map[string]any
		json.NewDecoder(r.Body).Decode(&p)
		results.add(p)
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func TestTrackAction_completed(t *testing.T) {
	var results resultLog
	var captured map[string]any
	srv := approvingServer(t, &results, func(p map[string]any) { captured = p })
	defer srv.Close()

	c, _ := aim.New("agent-1", srv.URL, aim.WithKeypair(testKeypair(t)), aim.WithoutRetry())

	runs := 0
	res := c.TrackAction(context.Background(), "send_email", func(ctx context.Context) (any, error) {
		runs++
		return "sent", nil
	}, aim.WithRisk(aim.RiskMedium), aim.WithResource("billing@example.com"), aim.WithDetail("message_id", "m-1"))

	if !res.Completed() || res.Status != aim.StatusCompleted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Value != "sent" {
		t.Errorf("unexpected value: %v", res.Value)
	}
	if res.VerificationID != "ver_w" {
		t.Errorf("unexpected verification id: %s", res.VerificationID)
	}
	if runs != 1 {
		t.Errorf("expected 1 execution, got %d", runs)
	}

	actionCtx, _ := captured["context"].(map[string]any)
	if actionCtx["risk_level"] != "medium" {
		t.Errorf("unexpected risk level: %v", actionCtx["risk_level"])
	}
	if actionCtx["message_id"] != "m-1" {
		t.Errorf("detail missing from context: %v", actionCtx)
	}
	if name, _ := actionCtx["function_name"].(string); name == "" {
		t.Error("context missing function_name")
	}
	if captured["resource"] != "billing@example.com" {
		t.Errorf("unexpected resource: %v", captured["resource"])
	}

	reports := results.all()
	if len(reports) != 1 {
		t.Fatalf("expected 1 result report, got %d", len(reports))
	}
	if reports[0]["result"] != "success" {
		t.Errorf("unexpected result: %v", reports[0]["result"])
	}
	if summary, _ := reports[0]["result_summary"].(string); !strings.Contains(summary, "send_email") {
		t.Errorf("summary should name the action: %v", reports[0]["result_summary"])
	}
}

func TestTrackAction_deniedSkipsExecution(t *testing.T) {
	var results resultLog
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sdk-api/verifications", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":            "ver_d",
			"status":        "denied",
			"denial_reason": "production writes are frozen",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, _ := aim.New("agent-1", srv.URL, aim.WithKeypair(testKeypair(t)), aim.WithoutRetry())

	runs := 0
	res := c.TrackAction(context.Background(), "drop_table", func(ctx context.Context) (any, error) {
		runs++
		return nil, nil
	})

	if runs != 0 {
		t.Fatal("denied action must not execute")
	}
	if res.Status != aim.StatusDenied || !res.Err {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.ErrorType != "ActionDeniedError" {
		t.Errorf("unexpected error type: %s", res.ErrorType)
	}
	if !strings.Contains(res.ErrorMessage, "production writes are frozen") {
		t.Errorf("message should carry the denial reason: %s", res.ErrorMessage)
	}
	if len(results.all()) != 0 {
		t.Error("denied actions have no result to report")
	}
}

func TestTrackAction_executionFailureReported(t *testing.T) {
	var results resultLog
	srv := approvingServer(t, &results, nil)
	defer srv.Close()

	c, _ := aim.New("agent-1", srv.URL, aim.WithKeypair(testKeypair(t)), aim.WithoutRetry())

	res := c.TrackAction(context.Background(), "write_report", func(ctx context.Context) (any, error) {
		return nil, errors.New("disk full")
	})

	if res.Status != aim.StatusExecutionFailed || !res.Err {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.ErrorMessage != "disk full" {
		t.Errorf("unexpected message: %s", res.ErrorMessage)
	}
	if res.VerificationID != "ver_w" {
		t.Error("execution failures still reference the verification")
	}

	reports := results.all()
	if len(reports) != 1 {
		t.Fatalf("expected 1 result report, got %d", len(reports))
	}
	if reports[0]["result"] != "failure" {
		t.Errorf("unexpected result: %v", reports[0]["result"])
	}
	if reports[0]["error_message"] != "disk full" {
		t.Errorf("unexpected error message: %v", reports[0]["error_message"])
	}
}

func TestTrackAction_degradedDoesNotRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // control plane unreachable

	c, _ := aim.New("agent-1", srv.URL, aim.WithKeypair(testKeypair(t)), aim.WithoutRetry())

	runs := 0
	res := c.TrackAction(context.Background(), "read_file", func(ctx context.Context) (any, error) {
		runs++
		return nil, nil
	})

	// The wrapper is strict: a fail-open pending decision still blocks
	// execution.
	if runs != 0 {
		t.Fatal("degraded verification must not execute the action")
	}
	if res.Status != aim.StatusVerificationFailed {
		t.Errorf("unexpected status: %s", res.Status)
	}
	if res.ErrorType != "VerificationError" {
		t.Errorf("unexpected error type: %s", res.ErrorType)
	}
}

func TestRequireApproval_rejectsLowRisk(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	c, _ := aim.New("agent-1", srv.URL, aim.WithKeypair(testKeypair(t)), aim.WithoutRetry())

	res := c.RequireApproval(context.Background(), "delete_backups", func(ctx context.Context) (any, error) {
		return nil, nil
	}, aim.WithRisk(aim.RiskLow))

	if res.ErrorType != "ConfigError" {
		t.Errorf("unexpected error type: %s", res.ErrorType)
	}
	if !strings.Contains(res.ErrorMessage, "TrackAction") {
		t.Errorf("message should point at TrackAction: %s", res.ErrorMessage)
	}
	if calls != 0 {
		t.Error("invalid risk level should fail before any network call")
	}
}

func TestRequireApproval_submitsApprovalContext(t *testing.T) {
	var results resultLog
	var captured map[string]any
	srv := approvingServer(t, &results, func(p map[string]any) { captured = p })
	defer srv.Close()

	c, _ := aim.New("agent-1", srv.URL, aim.WithKeypair(testKeypair(t)), aim.WithoutRetry())

	res := c.RequireApproval(context.Background(), "wire_transfer", func(ctx context.Context) (any, error) {
		return "done", nil
	}, aim.WithRisk(aim.RiskCritical))

	if !res.Completed() {
		t.Fatalf("unexpected result: %+v", res)
	}

	actionCtx, _ := captured["context"].(map[string]any)
	if actionCtx["requires_approval"] != true {
		t.Error("context missing requires_approval flag")
	}
	if actionCtx["risk_level"] != "critical" {
		t.Errorf("unexpected risk level: %v", actionCtx["risk_level"])
	}
	if warning, _ := actionCtx["warning"].(string); !strings.Contains(warning, "approval") {
		t.Errorf("unexpected warning: %v", actionCtx["warning"])
	}
}

func TestPerformAction_propagatesValue(t *testing.T) {
	var results resultLog
	srv := approvingServer(t, &results, nil)
	defer srv.Close()

	c, _ := aim.New("agent-1", srv.URL, aim.WithKeypair(testKeypair(t)), aim.WithoutRetry())

	value, err := c.PerformAction(context.Background(), "fetch_invoice", "inv-1", nil, 0,
		func(ctx context.Context) (any, error) { return 42, nil })
	if err != nil {
		t.Fatalf("PerformAction: %v", err)
	}
	if value != 42 {
		t.Errorf("unexpected value: %v", value)
	}
	if len(results.all()) != 1 {
		t.Error("expected a success report")
	}
}

func TestPerformAction_wrapsExecutionError(t *testing.T) {
	var results resultLog
	srv := approvingServer(t, &results, nil)
	defer srv.Close()

	c, _ := aim.New("agent-1", srv.URL, aim.WithKeypair(testKeypair(t)), aim.WithoutRetry())

	sentinel := errors.New("downstream unavailable")
	_, err := c.PerformAction(context.Background(), "sync_crm", "", nil, 0,
		func(ctx context.Context) (any, error) { return nil, sentinel })
	if err == nil {
		t.Fatal("expected execution error")
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("wrapped error should unwrap to the cause: %v", err)
	}
	if !strings.Contains(err.Error(), `execute action "sync_crm"`) {
		t.Errorf("unexpected message: %v", err)
	}

	reports := results.all()
	if len(reports) != 1 || reports[0]["result"] != "failure" {
		t.Errorf("expected a failure report, got %v", reports)
	}
}

func TestPerformAction_propagatesDenial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":            "ver_d",
			"status":        "denied",
			"denial_reason": "out of hours",
		})
	}))
	defer srv.Close()

	c, _ := aim.New("agent-1", srv.URL, aim.WithKeypair(testKeypair(t)), aim.WithoutRetry())

	runs := 0
	_, err := c.PerformAction(context.Background(), "deploy", "", nil, 0,
		func(ctx context.Context) (any, error) { runs++; return nil, nil })
	var denied *aim.ActionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected ActionDeniedError, got %T: %v", err, err)
	}
	if runs != 0 {
		t.Error("denied action must not execute")
	}
}
