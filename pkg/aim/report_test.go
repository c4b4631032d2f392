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

// ── capability requests ──────────────────────────────────────────────────

func TestRequestCapability_validatesReason(t *testing.T) {
	client, err := aim.New("agent-1", "https://aim.example.com", aim.WithAPIKey("k"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := client.RequestCapability(context.Background(), "", "a long enough reason"); err == nil {
		t.Error("expected error for empty capability type")
	}
	_, err = client.RequestCapability(context.Background(), "send_email", "too short")
	var cfgErr *aim.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigError for short reason, got %T: %v", err, err)
	}
}

func TestRequestCapability_submitted(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sdk-api/agents/agent-1/capability-requests" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"id":              "req-1",
			"agent_id":        "agent-1",
			"capability_type": "send_email",
			"status":          "pending",
		})
	}))
	defer srv.Close()

	client, err := aim.New("agent-1", srv.URL, aim.WithAPIKey("k"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	req, err := client.RequestCapability(context.Background(), "send_email", "nightly digest notifications")
	if err != nil {
		t.Fatalf("request capability: %v", err)
	}
	if req.ID != "req-1" || req.Status != "pending" {
		t.Errorf("request = %+v", req)
	}
	if captured["capability_type"] != "send_email" {
		t.Errorf("payload capability_type = %v", captured["capability_type"])
	}
}

// ── capability reporting ─────────────────────────────────────────────────

func TestReportCapabilities_requiresAPIKeyMode(t *testing.T) {
	kp := testKeypair(t)
	client, err := aim.New("agent-1", "https://aim.example.com",
		aim.WithKeys(kp.PublicBase64(), kp.PrivateBase64()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.ReportCapabilities(context.Background(), []string{"send_email"}, nil)
	var cfgErr *aim.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigError, got %T: %v", err, err)
	}
}

func TestReportCapabilities_countsDuplicatesAsGranted(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		capability, _ := payload["capabilityType"].(string)
		mu.Lock()
		seen = append(seen, capability)
		mu.Unlock()

		switch capability {
		case "send_email":
			w.WriteHeader(http.StatusCreated)
		case "access_database":
			// The backend answers 500 for duplicate key violations.
			http.Error(w, `{"error":"duplicate key value violates unique constraint"}`, http.StatusInternalServerError)
		default:
			http.Error(w, `{"error":"capability type not allowed"}`, http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	client, err := aim.New("agent-1", srv.URL, aim.WithAPIKey("k"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	grant, err := client.ReportCapabilities(context.Background(),
		[]string{"send_email", "access_database", "execute_code"}, nil)
	if err != nil {
		t.Fatalf("report capabilities: %v", err)
	}
	if grant.Total != 3 {
		t.Errorf("total = %d, want 3", grant.Total)
	}
	if grant.Granted != 2 {
		t.Errorf("granted = %d, want 2 (created + duplicate)", grant.Granted)
	}
	if len(seen) != 3 {
		t.Errorf("server saw %d reports, want one per capability", len(seen))
	}
}

// ── detection reporting ──────────────────────────────────────────────────

func TestReportDetections_stampsVersionAndTimestamp(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/detection/agents/agent-1/report" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success":             true,
			"detectionsProcessed": 1,
			"newMCPs":             []string{"filesystem"},
		})
	}))
	defer srv.Close()

	client, err := aim.New("agent-1", srv.URL, aim.WithAPIKey("k"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	report, err := client.ReportDetections(context.Background(), []aim.MCPDetection{
		{MCPServer: "filesystem", DetectionMethod: "claude_config", Confidence: 100},
	})
	if err != nil {
		t.Fatalf("report detections: %v", err)
	}
	if report.DetectionsProcessed != 1 || len(report.NewMCPs) != 1 {
		t.Errorf("report = %+v", report)
	}

	detections, _ := captured["detections"].([]any)
	if len(detections) != 1 {
		t.Fatalf("payload detections = %v", captured["detections"])
	}
	sent, _ := detections[0].(map[string]any)
	version, _ := sent["sdkVersion"].(string)
	if !strings.HasPrefix(version, "aim-sdk-go@") {
		t.Errorf("sdkVersion = %q, want aim-sdk-go@ prefix", version)
	}
	if ts, _ := sent["timestamp"].(string); ts == "" {
		t.Error("timestamp was not stamped")
	}
}

func TestReportSDKIntegration_synthesizesEvent(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sdk-api/agents/agent-1/detection/report" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "detectionsProcessed": 1})
	}))
	defer srv.Close()

	client, err := aim.New("agent-1", srv.URL, aim.WithAPIKey("k"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := client.ReportSDKIntegration(context.Background(), "", "", []string{"send_email"}); err != nil {
		t.Fatalf("report sdk integration: %v", err)
	}

	detections, _ := captured["detections"].([]any)
	if len(detections) != 1 {
		t.Fatalf("payload detections = %v", captured["detections"])
	}
	event, _ := detections[0].(map[string]any)
	if event["mcpServer"] != "aim-sdk-integration" {
		t.Errorf("mcpServer = %v", event["mcpServer"])
	}
	if event["detectionMethod"] != "sdk_integration" {
		t.Errorf("detectionMethod = %v", event["detectionMethod"])
	}
	details, _ := event["details"].(map[string]any)
	if details["platform"] != "go" {
		t.Errorf("platform = %v, want go default", details["platform"])
	}
	if integrated, _ := details["integrated"].(bool); !integrated {
		t.Error("integrated flag missing")
	}
}
