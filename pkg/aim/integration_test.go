package aim_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/opena2a/aim-go-sdk/internal/emulator"
	"github.com/opena2a/aim-go-sdk/pkg/aim"
)

// These tests drive the SDK against the in-process control-plane
// emulator over real HTTP: signatures are verified server-side, the
// policy engine decides, and state lands in the emulator store.

func startEmulator(t *testing.T, cfg emulator.Config) (*emulator.Server, *httptest.Server) {
	t.Helper()
	srv, err := emulator.New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new emulator: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

// seedClient provisions an agent in the emulator and returns a client
// signing with its keypair.
func seedClient(t *testing.T, srv *emulator.Server, baseURL, name string) *aim.Client {
	t.Helper()
	seeded, err := srv.Seed(name)
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	c, err := aim.New(seeded.AgentID, baseURL,
		aim.WithKeys(seeded.PublicKey, seeded.PrivateKey))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestEmulatorIntegration_registerAndVerify(t *testing.T) {
	srv, ts := startEmulator(t, emulator.Config{})
	store := newTestStore(t)

	client, err := aim.Register(context.Background(), "billing-agent",
		aim.RegisterURL(ts.URL),
		aim.RegisterAPIKey(srv.APIKey()),
		aim.RegisterStore(store),
		aim.RegisterWithoutDetection(),
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	creds, err := store.LoadAgent("billing-agent")
	if err != nil {
		t.Fatalf("load credentials: %v", err)
	}
	if creds.AgentID != client.AgentID() {
		t.Errorf("stored agent id %q, client has %q", creds.AgentID, client.AgentID())
	}
	if creds.PublicKey != client.PublicKey() {
		t.Error("stored public key does not match the client's")
	}

	rec, ok := srv.Store().GetAgent(client.AgentID())
	if !ok {
		t.Fatal("agent missing from emulator store")
	}
	if rec.PublicKey != client.PublicKey() {
		t.Error("emulator recorded a different public key")
	}
	if rec.Status != "verified" {
		t.Errorf("unexpected agent status: %s", rec.Status)
	}

	d, err := client.VerifyAction(context.Background(), "read_files", "/tmp/report.csv", nil, time.Minute)
	if err != nil {
		t.Fatalf("verify action: %v", err)
	}
	if !d.Verified || d.Status != "approved" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d.ApprovedBy != "aim-policy-engine" {
		t.Errorf("unexpected approver: %s", d.ApprovedBy)
	}
	if d.VerificationID == "" {
		t.Fatal("decision carried no verification id")
	}

	client.LogActionResult(context.Background(), d.VerificationID, true, "read 42 rows", "")

	ver, ok := srv.Store().GetVerification(d.VerificationID)
	if !ok {
		t.Fatal("verification missing from emulator store")
	}
	if ver.Status != "approved" {
		t.Errorf("unexpected stored status: %s", ver.Status)
	}
	if ver.Result != "success" || ver.ResultSummary != "read 42 rows" {
		t.Errorf("result not recorded: %+v", ver)
	}
}

func TestEmulatorIntegration_deniedActions(t *testing.T) {
	srv, ts := startEmulator(t, emulator.Config{})
	client := seedClient(t, srv, ts.URL, "risky-agent")

	_, err := client.VerifyAction(context.Background(), "drop_database_backup", "", nil, time.Minute)
	var denied *aim.ActionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected ActionDeniedError, got %v", err)
	}
	if !strings.Contains(denied.Reason, "drop_database") {
		t.Errorf("denial should name the keyword: %q", denied.Reason)
	}

	_, err = client.VerifyAction(context.Background(), "read_files", "/home/user/.ssh/id_rsa", nil, time.Minute)
	if !errors.As(err, &denied) {
		t.Fatalf("expected ActionDeniedError for sensitive resource, got %v", err)
	}
	if !strings.Contains(denied.Reason, "sensitive path") {
		t.Errorf("unexpected denial reason: %q", denied.Reason)
	}
}

func TestEmulatorIntegration_trackActionLifecycle(t *testing.T) {
	srv, err := emulator.New(emulator.Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("new emulator: %v", err)
	}

	// Count result reports on the wire: completed and failed actions
	// post exactly one each, denied actions post none.
	var resultPosts atomic.Int32
	handler := srv.Handler()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/result") {
			resultPosts.Add(1)
		}
		handler.ServeHTTP(w, r)
	}))
	defer ts.Close()

	client := seedClient(t, srv, ts.URL, "worker-agent")

	runs := 0
	res := client.TrackAction(context.Background(), "send_invoice", func(ctx context.Context) (any, error) {
		runs++
		return "invoice-91", nil
	}, aim.WithResource("acct-7"))
	if !res.Completed() {
		t.Fatalf("expected completed action, got %+v", res)
	}
	if res.Value != "invoice-91" || runs != 1 {
		t.Errorf("unexpected execution: value=%v runs=%d", res.Value, runs)
	}
	if n := resultPosts.Load(); n != 1 {
		t.Fatalf("expected 1 result report, got %d", n)
	}
	ver, ok := srv.Store().GetVerification(res.VerificationID)
	if !ok {
		t.Fatal("verification missing from emulator store")
	}
	if ver.Result != "success" {
		t.Errorf("unexpected stored result: %q", ver.Result)
	}
	if !strings.Contains(ver.ResultSummary, "send_invoice") {
		t.Errorf("summary should name the action: %q", ver.ResultSummary)
	}

	ran := false
	res = client.TrackAction(context.Background(), "mass_delete_customers", func(ctx context.Context) (any, error) {
		ran = true
		return nil, nil
	})
	if ran {
		t.Error("denied action must not execute")
	}
	if res.Status != aim.StatusDenied || !res.Err {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.ErrorType != "ActionDeniedError" {
		t.Errorf("unexpected error type: %s", res.ErrorType)
	}
	if res.VerificationID != "" {
		t.Errorf("denied result should carry no verification id: %q", res.VerificationID)
	}
	if n := resultPosts.Load(); n != 1 {
		t.Errorf("denied action posted a result report: %d", n)
	}

	res = client.TrackAction(context.Background(), "send_invoice", func(ctx context.Context) (any, error) {
		return nil, errors.New("smtp connection refused")
	})
	if res.Status != aim.StatusExecutionFailed {
		t.Fatalf("expected execution failure, got %+v", res)
	}
	if n := resultPosts.Load(); n != 2 {
		t.Errorf("expected 2 result reports, got %d", n)
	}
	ver, ok = srv.Store().GetVerification(res.VerificationID)
	if !ok {
		t.Fatal("failed verification missing from emulator store")
	}
	if ver.Result != "failure" || !strings.Contains(ver.ErrorMessage, "smtp") {
		t.Errorf("failure not recorded: %+v", ver)
	}
}

func TestEmulatorIntegration_pendingAutoApproval(t *testing.T) {
	srv, ts := startEmulator(t, emulator.Config{AutoApproveAfter: 50 * time.Millisecond})
	client := seedClient(t, srv, ts.URL, "deploy-agent")

	d, err := client.VerifyAction(context.Background(), "deploy_release", "prod",
		map[string]any{"requires_approval": true}, 30*time.Second)
	if err != nil {
		t.Fatalf("verify action: %v", err)
	}
	if !d.Verified || d.Status != "approved" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d.ApprovedBy != "auto-approval" {
		t.Errorf("unexpected approver: %s", d.ApprovedBy)
	}

	ver, ok := srv.Store().GetVerification(d.VerificationID)
	if !ok {
		t.Fatal("verification missing from emulator store")
	}
	if ver.Status != "approved" || ver.ApprovedBy != "auto-approval" {
		t.Errorf("unexpected stored record: %+v", ver)
	}
}

func TestEmulatorIntegration_tokenRotationRecovery(t *testing.T) {
	srv, ts := startEmulator(t, emulator.Config{})
	seeded, err := srv.Seed("rotating-agent")
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	// First holder rotates the chain; the seeded token is now stale.
	storeA := newSDKStore(t, ts.URL, seeded.RefreshToken)
	tmA, err := aim.NewTokenManager(storeA)
	if err != nil {
		t.Fatalf("manager A: %v", err)
	}
	if _, err := tmA.AccessToken(context.Background()); err != nil {
		t.Fatalf("initial refresh: %v", err)
	}
	sdkA, err := storeA.LoadSDK()
	if err != nil {
		t.Fatalf("load rotated credentials: %v", err)
	}
	if sdkA.RefreshToken == seeded.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}

	// A second holder still on the stale token recovers through the
	// grace slot and gets a fresh chain.
	storeB := newSDKStore(t, ts.URL, seeded.RefreshToken)
	tmB, err := aim.NewTokenManager(storeB)
	if err != nil {
		t.Fatalf("manager B: %v", err)
	}
	if _, err := tmB.AccessToken(context.Background()); err != nil {
		t.Fatalf("recovery refresh: %v", err)
	}
	sdkB, err := storeB.LoadSDK()
	if err != nil {
		t.Fatalf("load recovered credentials: %v", err)
	}
	if sdkB.RefreshToken == seeded.RefreshToken {
		t.Fatal("recovery did not rotate the refresh token")
	}

	// Recovery is one-shot: a third holder of the same stale token is
	// locked out.
	storeC := newSDKStore(t, ts.URL, seeded.RefreshToken)
	tmC, err := aim.NewTokenManager(storeC)
	if err != nil {
		t.Fatalf("manager C: %v", err)
	}
	_, err = tmC.AccessToken(context.Background())
	var authErr *aim.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if !strings.Contains(err.Error(), "expired or revoked") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEmulatorIntegration_mcpLifecycle(t *testing.T) {
	srv, ts := startEmulator(t, emulator.Config{})
	client := seedClient(t, srv, ts.URL, "fs-agent")
	serverKey := testKeypair(t)

	reg, err := client.RegisterMCPServer(context.Background(), aim.MCPServerRegistration{
		Name:         "filesystem-mcp",
		URL:          "http://localhost:3210/mcp",
		PublicKey:    serverKey.PublicBase64(),
		Capabilities: []string{"read_file", "write_file"},
	})
	if err != nil {
		t.Fatalf("register mcp server: %v", err)
	}
	if reg.ID == "" || reg.Status != "verified" {
		t.Fatalf("unexpected registration: %+v", reg)
	}

	agent, _ := srv.Store().GetAgent(client.AgentID())
	if len(agent.TalksTo) != 1 || agent.TalksTo[0] != "filesystem-mcp" {
		t.Errorf("talks_to not updated: %v", agent.TalksTo)
	}

	servers, err := client.ListMCPServers(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("list mcp servers: %v", err)
	}
	if len(servers) != 1 || servers[0].Name != "filesystem-mcp" {
		t.Errorf("unexpected server list: %+v", servers)
	}

	got, err := client.GetMCPServer(context.Background(), reg.ID)
	if err != nil {
		t.Fatalf("get mcp server: %v", err)
	}
	if got.URL != "http://localhost:3210/mcp" {
		t.Errorf("unexpected server url: %s", got.URL)
	}

	att, err := client.AttestMCPServer(context.Background(), reg.ID, aim.MCPAttestation{
		MCPURL:               "http://localhost:3210/mcp",
		MCPName:              "filesystem-mcp",
		CapabilitiesFound:    []string{"read_file"},
		ConnectionSuccessful: true,
		HealthCheckPassed:    true,
		ConnectionLatencyMS:  12.5,
	})
	if err != nil {
		t.Fatalf("attest mcp server: %v", err)
	}
	if !att.Success || att.AttestationID == "" {
		t.Fatalf("unexpected attestation result: %+v", att)
	}
	if att.MCPConfidenceScore != 100 {
		t.Errorf("unexpected confidence: %v", att.MCPConfidenceScore)
	}
	if att.AttestationCount != 1 {
		t.Errorf("unexpected attestation count: %d", att.AttestationCount)
	}
	mcpRec, _ := srv.Store().GetMCPServer(reg.ID)
	if mcpRec.TrustScore != 100 || mcpRec.AttestationCount != 1 {
		t.Errorf("attestation not recorded: %+v", mcpRec)
	}

	conn, err := client.RecordMCPUsage(context.Background(), reg.ID, "read_file", "", "")
	if err != nil {
		t.Fatalf("record mcp usage: %v", err)
	}
	if !conn.Success || conn.ConnectionType != "attested" {
		t.Errorf("unexpected connection: %+v", conn)
	}

	created := srv.Store().CreateMCPServer(&emulator.MCPServerRecord{
		Name:   "github-mcp",
		Status: "verified",
	})
	attach, err := client.AttachMCPServers(context.Background(), []string{created.ID}, "sbom", 85, nil)
	if err != nil {
		t.Fatalf("attach mcp servers: %v", err)
	}
	if !attach.Success || attach.Added != 1 {
		t.Errorf("unexpected attach result: %+v", attach)
	}
	agent, _ = srv.Store().GetAgent(client.AgentID())
	if len(agent.TalksTo) != 2 {
		t.Errorf("talks_to should have both servers: %v", agent.TalksTo)
	}

	if err := client.DeleteMCPServer(context.Background(), created.ID); err != nil {
		t.Fatalf("delete mcp server: %v", err)
	}
	_, err = client.GetMCPServer(context.Background(), created.ID)
	var failed *aim.VerificationFailedError
	if !errors.As(err, &failed) || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestEmulatorIntegration_capabilityReporting(t *testing.T) {
	srv, ts := startEmulator(t, emulator.Config{})

	client, err := aim.Register(context.Background(), "cap-agent",
		aim.RegisterURL(ts.URL),
		aim.RegisterAPIKey(srv.APIKey()),
		aim.RegisterStore(newTestStore(t)),
		aim.RegisterWithoutDetection(),
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	grant, err := client.ReportCapabilities(context.Background(),
		[]string{"send_email", "query_database"}, nil)
	if err != nil {
		t.Fatalf("report capabilities: %v", err)
	}
	if grant.Granted != 2 || grant.Total != 2 {
		t.Errorf("unexpected grant: %+v", grant)
	}

	// Re-reporting hits the duplicate-key path; grants stay idempotent.
	grant, err = client.ReportCapabilities(context.Background(),
		[]string{"send_email", "query_database"}, nil)
	if err != nil {
		t.Fatalf("re-report capabilities: %v", err)
	}
	if grant.Granted != 2 {
		t.Errorf("duplicates should count as granted: %+v", grant)
	}
	caps := srv.Store().AgentCapabilities(client.AgentID())
	if len(caps) != 2 || caps[0] != "query_database" || caps[1] != "send_email" {
		t.Errorf("unexpected stored capabilities: %v", caps)
	}

	req, err := client.RequestCapability(context.Background(), "delete_records",
		"cleanup job needs bulk removal")
	if err != nil {
		t.Fatalf("request capability: %v", err)
	}
	if req.Status != "pending" || req.ID == "" {
		t.Errorf("unexpected capability request: %+v", req)
	}

	rep, err := client.ReportDetections(context.Background(), []aim.MCPDetection{
		{MCPServer: "slack-mcp", DetectionMethod: "config_file", Confidence: 90},
	})
	if err != nil {
		t.Fatalf("report detections: %v", err)
	}
	if rep.DetectionsProcessed != 1 || len(rep.NewMCPs) != 1 || rep.NewMCPs[0] != "slack-mcp" {
		t.Errorf("unexpected detection report: %+v", rep)
	}

	rep, err = client.ReportDetections(context.Background(), []aim.MCPDetection{
		{MCPServer: "slack-mcp", DetectionMethod: "sbom", Confidence: 95},
	})
	if err != nil {
		t.Fatalf("re-report detections: %v", err)
	}
	if len(rep.ExistingMCPs) != 1 || rep.ExistingMCPs[0] != "slack-mcp" {
		t.Errorf("repeat sighting should be existing: %+v", rep)
	}

	rep, err = client.ReportSDKIntegration(context.Background(), "", "", nil)
	if err != nil {
		t.Fatalf("report sdk integration: %v", err)
	}
	if !rep.Success {
		t.Errorf("unexpected integration report: %+v", rep)
	}
	if _, ok := srv.Store().GetMCPServerByName("aim-sdk-integration"); !ok {
		t.Error("integration marker not recorded")
	}
}

func TestEmulatorIntegration_auditChain(t *testing.T) {
	srv, ts := startEmulator(t, emulator.Config{})
	client := seedClient(t, srv, ts.URL, "audited-agent")
	serverKey := testKeypair(t)

	d, err := client.VerifyAction(context.Background(), "generate_report", "", nil, time.Minute)
	if err != nil {
		t.Fatalf("verify action: %v", err)
	}
	client.LogActionResult(context.Background(), d.VerificationID, true, "report ready", "")

	var denied *aim.ActionDeniedError
	if _, err := client.VerifyAction(context.Background(), "wipe_logs", "", nil, time.Minute); !errors.As(err, &denied) {
		t.Fatalf("expected denial, got %v", err)
	}

	if _, err := client.RequestCapability(context.Background(), "export_data",
		"monthly compliance export"); err != nil {
		t.Fatalf("request capability: %v", err)
	}
	if _, err := client.ReportDetections(context.Background(), []aim.MCPDetection{
		{MCPServer: "notion-mcp", DetectionMethod: "env", Confidence: 70},
	}); err != nil {
		t.Fatalf("report detections: %v", err)
	}
	reg, err := client.RegisterMCPServer(context.Background(), aim.MCPServerRegistration{
		Name:         "audit-mcp",
		PublicKey:    serverKey.PublicBase64(),
		Capabilities: []string{"query"},
	})
	if err != nil {
		t.Fatalf("register mcp server: %v", err)
	}
	if _, err := client.AttestMCPServer(context.Background(), reg.ID, aim.MCPAttestation{
		MCPName:              "audit-mcp",
		ConnectionSuccessful: true,
	}); err != nil {
		t.Fatalf("attest mcp server: %v", err)
	}

	audit := srv.Audit()
	if err := audit.Verify(); err != nil {
		t.Fatalf("audit chain broken: %v", err)
	}
	entries := audit.Entries()
	if entries[0].Event != "genesis" {
		t.Errorf("chain should start at genesis, got %q", entries[0].Event)
	}

	seen := map[string]bool{}
	for _, e := range entries {
		seen[e.Event] = true
	}
	for _, want := range []string{
		"agent.registered",
		"verification.approved",
		"verification.result",
		"verification.denied",
		"capability.requested",
		"detection.reported",
		"mcp.registered",
		"mcp.attested",
	} {
		if !seen[want] {
			t.Errorf("audit chain missing event %q", want)
		}
	}
	if audit.Root() == "" {
		t.Error("audit root should not be empty")
	}
}
