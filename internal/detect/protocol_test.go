package detect

import (
	"path/filepath"
	"testing"
)

func TestProtocol_explicitWins(t *testing.T) {
	t.Setenv("MCP_SERVER_MODE", "1")
	if got := Protocol(t.TempDir(), "A2A"); got != "a2a" {
		t.Errorf("Protocol = %q, want a2a", got)
	}
}

func TestProtocol_fromEnvironment(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"MCP_SERVER_MODE", "mcp"},
		{"A2A_AGENT_MODE", "a2a"},
		{"OAUTH_CLIENT_ID", "oauth"},
		{"SAML_IDP_URL", "saml"},
		{"DID_METHOD", "did"},
		{"ACP_AGENT_ID", "acp"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.want, func(t *testing.T) {
			t.Setenv(tc.env, "set")
			if got := Protocol(t.TempDir(), ""); got != tc.want {
				t.Errorf("Protocol with %s = %q, want %q", tc.env, got, tc.want)
			}
		})
	}
}

func TestProtocol_fromDependencies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"), `module example.com/agent

go 1.25.0

require github.com/mark3labs/mcp-go v0.43.2
`)
	if got := Protocol(dir, ""); got != "mcp" {
		t.Errorf("Protocol = %q, want mcp", got)
	}
}

func TestProtocol_defaultsToMCP(t *testing.T) {
	if got := Protocol(t.TempDir(), ""); got != "mcp" {
		t.Errorf("Protocol = %q, want mcp", got)
	}
}

func TestProtocolConfidence(t *testing.T) {
	dir := t.TempDir()

	// Default with no signals.
	if got := ProtocolConfidence(dir, "mcp"); got != 50 {
		t.Errorf("baseline confidence = %v, want 50", got)
	}

	// One environment match.
	t.Setenv("MCP_SERVER_MODE", "1")
	if got := ProtocolConfidence(dir, "mcp"); got != 90 {
		t.Errorf("one env match = %v, want 90", got)
	}

	// Two environment matches add a bonus.
	t.Setenv("MCP_TRANSPORT", "stdio")
	if got := ProtocolConfidence(dir, "mcp"); got != 92 {
		t.Errorf("two env matches = %v, want 92", got)
	}
}

func TestProtocolConfidence_dependencyMatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"), `module example.com/agent

go 1.25.0

require github.com/mark3labs/mcp-go v0.43.2
`)
	if got := ProtocolConfidence(dir, "mcp"); got != 60 {
		t.Errorf("one dependency match = %v, want 60", got)
	}
}

func TestProtocolDetails(t *testing.T) {
	t.Setenv("MCP_SERVER_NAME", "my-server")
	report := ProtocolDetails(t.TempDir(), "mcp")
	if report.Protocol != "mcp" {
		t.Errorf("Protocol = %q", report.Protocol)
	}
	if report.Confidence != 90 {
		t.Errorf("Confidence = %v, want 90", report.Confidence)
	}
	if len(report.Indicators) != 1 {
		t.Fatalf("Indicators = %v, want one", report.Indicators)
	}
	ind := report.Indicators[0]
	if ind.Type != "environment" || ind.Indicator != "MCP_SERVER_NAME" || ind.Value != "my-server" {
		t.Errorf("unexpected indicator: %+v", ind)
	}
	if report.DetectedAt == "" {
		t.Error("DetectedAt is empty")
	}
}

func TestProtocol_oauthNeedsEnvConfirmation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"), `module example.com/agent

go 1.25.0

require golang.org/x/oauth2 v0.21.0
`)

	// An oauth2 dependency alone is not an OAuth agent.
	if got := Protocol(dir, ""); got != "mcp" {
		t.Errorf("Protocol without env = %q, want mcp", got)
	}

	t.Setenv("OAUTH_CLIENT_ID", "client")
	// The env variable now wins outright via the environment scan.
	if got := Protocol(dir, ""); got != "oauth" {
		t.Errorf("Protocol with env = %q, want oauth", got)
	}
}
