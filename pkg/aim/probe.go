package aim

import (
	"context"

	"github.com/opena2a/aim-go-sdk/internal/mcpprobe"
)

// MCPProbeReport summarizes what a live probe observed about an MCP
// server: whether the initialize handshake succeeded, which tools the
// server advertises, and how the endpoint answered a plain HTTP health
// check.
type MCPProbeReport struct {
	Connected     bool     `json:"connected"`
	HealthPassed  bool     `json:"health_passed"`
	LatencyMS     float64  `json:"latency_ms"`
	Capabilities  []string `json:"capabilities"`
	ServerName    string   `json:"server_name,omitempty"`
	ServerVersion string   `json:"server_version,omitempty"`
}

// ProbeMCPServer connects to a live MCP server, runs the protocol
// handshake, and lists its tools. transport accepts "streamable-http"
// (the default when empty) or "sse". An unreachable server is reported
// in the result, not as an error. The probe carries no AIM credentials;
// nothing from this client's identity is sent to the target.
func (c *Client) ProbeMCPServer(ctx context.Context, mcpURL, transport string) (*MCPProbeReport, error) {
	tr, err := mcpprobe.ParseTransport(transport)
	if err != nil {
		return nil, configErrorf("%s", err)
	}
	prober := mcpprobe.New(
		mcpprobe.WithHTTPClient(c.hc),
		mcpprobe.WithLogger(c.log),
		mcpprobe.WithClientInfo("aim-go-sdk", Version),
	)
	res, err := prober.Probe(ctx, mcpURL, tr)
	if err != nil {
		return nil, configErrorf("%s", err)
	}
	return &MCPProbeReport{
		Connected:     res.Connected,
		HealthPassed:  res.HealthPassed,
		LatencyMS:     res.LatencyMS,
		Capabilities:  res.Capabilities,
		ServerName:    res.ServerName,
		ServerVersion: res.ServerVersion,
	}, nil
}

// ProbeAndAttest probes mcpURL and submits the findings as a signed
// attestation for the registered MCP server serverID. When mcpName is
// empty it falls back to the name the server announced during the
// handshake. The probe report is returned alongside the control
// plane's response so callers can show what was attested.
func (c *Client) ProbeAndAttest(ctx context.Context, serverID, mcpURL, mcpName, transport string) (*AttestationResult, *MCPProbeReport, error) {
	report, err := c.ProbeMCPServer(ctx, mcpURL, transport)
	if err != nil {
		return nil, nil, err
	}
	name := mcpName
	if name == "" {
		name = report.ServerName
	}
	result, err := c.AttestMCPServer(ctx, serverID, MCPAttestation{
		MCPURL:               mcpURL,
		MCPName:              name,
		CapabilitiesFound:    report.Capabilities,
		ConnectionSuccessful: report.Connected,
		HealthCheckPassed:    report.HealthPassed,
		ConnectionLatencyMS:  report.LatencyMS,
	})
	if err != nil {
		return nil, report, err
	}
	return result, report, nil
}
