package mcpprobe_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/opena2a/aim-go-sdk/internal/mcpprobe"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// startMCPServer serves a real MCP server over streamable HTTP and
// returns the URL to probe.
func startMCPServer(t *testing.T, name, version string, toolNames ...string) string {
	t.Helper()
	mcpServer := server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(false),
	)
	for _, toolName := range toolNames {
		tool := mcp.NewTool(toolName, mcp.WithDescription("test tool"))
		mcpServer.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("ok"), nil
		})
	}
	streamable := server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))
	httpServer := httptest.NewServer(streamable)
	t.Cleanup(httpServer.Close)
	return httpServer.URL + "/mcp"
}

func TestParseTransport(t *testing.T) {
	cases := map[string]mcpprobe.Transport{
		"":                mcpprobe.TransportStreamableHTTP,
		"http":            mcpprobe.TransportStreamableHTTP,
		"streamable-http": mcpprobe.TransportStreamableHTTP,
		"streamable_http": mcpprobe.TransportStreamableHTTP,
		"sse":             mcpprobe.TransportSSE,
	}
	for input, want := range cases {
		got, err := mcpprobe.ParseTransport(input)
		if err != nil {
			t.Fatalf("ParseTransport(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseTransport(%q) = %q, want %q", input, got, want)
		}
	}

	if _, err := mcpprobe.ParseTransport("websocket"); err == nil {
		t.Fatal("expected error for unsupported transport")
	}
}

func TestProbe_invalidInput(t *testing.T) {
	prober := mcpprobe.New()

	if _, err := prober.Probe(testContext(t), "", mcpprobe.TransportStreamableHTTP); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := prober.Probe(testContext(t), "http://127.0.0.1:9/mcp", mcpprobe.Transport("carrier-pigeon")); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestProbe_streamableHTTPHandshake(t *testing.T) {
	url := startMCPServer(t, "probe-target", "0.9.1", "read_file", "write_file")

	prober := mcpprobe.New(mcpprobe.WithClientInfo("aim-go-sdk", "1.0.0"))
	res, err := prober.Probe(testContext(t), url, mcpprobe.TransportStreamableHTTP)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}

	if !res.Connected {
		t.Fatal("expected Connected=true for a live MCP server")
	}
	if res.ServerName != "probe-target" {
		t.Fatalf("server name = %q, want probe-target", res.ServerName)
	}
	if res.ServerVersion != "0.9.1" {
		t.Fatalf("server version = %q, want 0.9.1", res.ServerVersion)
	}
	if res.LatencyMS <= 0 {
		t.Fatalf("latency = %v, want > 0", res.LatencyMS)
	}
	found := map[string]bool{}
	for _, name := range res.Capabilities {
		found[name] = true
	}
	if !found["read_file"] || !found["write_file"] {
		t.Fatalf("capabilities = %v, want read_file and write_file", res.Capabilities)
	}
}

func TestProbe_healthWithoutHandshake(t *testing.T) {
	// Answers plain HTTP but is not an MCP server: the MCP handshake
	// POST gets a 404 while HEAD/GET succeed.
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			gotAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	prober := mcpprobe.New(mcpprobe.WithHeaders(map[string]string{"Authorization": "Bearer probe-token"}))
	res, err := prober.Probe(testContext(t), srv.URL, mcpprobe.TransportStreamableHTTP)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}

	if !res.HealthPassed {
		t.Fatal("expected HealthPassed=true for a 200 endpoint")
	}
	if res.Connected {
		t.Fatal("expected Connected=false for a non-MCP endpoint")
	}
	if gotAuth != "Bearer probe-token" {
		t.Fatalf("authorization header = %q, want Bearer probe-token", gotAuth)
	}
}

func TestProbe_healthFallsBackToGET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusMethodNotAllowed)
		case http.MethodGet:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	res, err := mcpprobe.New().Probe(testContext(t), srv.URL, mcpprobe.TransportStreamableHTTP)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !res.HealthPassed {
		t.Fatal("expected HealthPassed=true when GET succeeds after HEAD fails")
	}
}

func TestProbe_unreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	prober := mcpprobe.New(mcpprobe.WithHTTPClient(&http.Client{Timeout: 2 * time.Second}))
	res, err := prober.Probe(testContext(t), url, mcpprobe.TransportStreamableHTTP)
	if err != nil {
		t.Fatalf("unreachable server should be a finding, not an error: %v", err)
	}

	if res.Connected {
		t.Fatal("expected Connected=false for a closed port")
	}
	if res.HealthPassed {
		t.Fatal("expected HealthPassed=false for a closed port")
	}
	if len(res.Capabilities) != 0 {
		t.Fatalf("capabilities = %v, want none", res.Capabilities)
	}
}

func TestProbe_sseUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	prober := mcpprobe.New(mcpprobe.WithHTTPClient(&http.Client{Timeout: 2 * time.Second}))
	res, err := prober.Probe(testContext(t), url, mcpprobe.TransportSSE)
	if err != nil {
		t.Fatalf("unreachable server should be a finding, not an error: %v", err)
	}
	if res.Connected {
		t.Fatal("expected Connected=false for a closed port")
	}
}
