// Package mcpprobe connects to live MCP servers and reports what it
// finds: whether the protocol handshake succeeds, which tools the
// server advertises, how long the handshake takes, and whether the
// endpoint answers a plain HTTP health probe. Probe results are the
// raw material for signed MCP attestations.
package mcpprobe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// Transport selects how the prober speaks to an MCP server.
type Transport string

const (
	// TransportStreamableHTTP is the streamable HTTP transport, the
	// default for remotely hosted MCP servers.
	TransportStreamableHTTP Transport = "streamable-http"
	// TransportSSE is the legacy Server-Sent Events transport.
	TransportSSE Transport = "sse"
)

// protocolVersion is the MCP protocol revision the prober negotiates.
const protocolVersion = "2024-11-05"

// ParseTransport maps user-supplied transport names, including common
// aliases, onto a Transport.
func ParseTransport(s string) (Transport, error) {
	switch s {
	case "", "streamable-http", "streamable_http", "http":
		return TransportStreamableHTTP, nil
	case "sse":
		return TransportSSE, nil
	}
	return "", fmt.Errorf("unsupported MCP transport %q (want streamable-http or sse)", s)
}

// Result is what a probe observed about one MCP server.
type Result struct {
	// Connected reports whether the MCP initialize handshake succeeded.
	Connected bool
	// HealthPassed reports whether the endpoint answered a plain HTTP
	// probe with a 2xx, independent of the MCP handshake.
	HealthPassed bool
	// LatencyMS is the time spent on the MCP handshake and tool
	// listing, in milliseconds.
	LatencyMS float64
	// Capabilities holds the names of the tools the server advertises.
	Capabilities []string
	// ServerName and ServerVersion come from the server's initialize
	// response when the handshake succeeds.
	ServerName    string
	ServerVersion string
}

// Prober dials MCP servers. The zero value is not usable; construct
// with New.
type Prober struct {
	hc            *http.Client
	log           *zap.Logger
	headers       map[string]string
	clientName    string
	clientVersion string
}

// Option configures a Prober.
type Option func(*Prober)

// WithHTTPClient sets the HTTP client used for health probes. Its
// timeout bounds each probe request.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Prober) {
		if hc != nil {
			p.hc = hc
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(p *Prober) {
		if log != nil {
			p.log = log
		}
	}
}

// WithHeaders adds headers to every MCP request, typically an
// Authorization header for servers that require one.
func WithHeaders(headers map[string]string) Option {
	return func(p *Prober) {
		p.headers = headers
	}
}

// WithClientInfo sets the name and version the prober announces during
// the MCP initialize handshake.
func WithClientInfo(name, version string) Option {
	return func(p *Prober) {
		if name != "" {
			p.clientName = name
		}
		if version != "" {
			p.clientVersion = version
		}
	}
}

// New creates a Prober with a 10-second default probe timeout.
func New(opts ...Option) *Prober {
	p := &Prober{
		hc:            &http.Client{Timeout: 10 * time.Second},
		log:           zap.NewNop(),
		clientName:    "aim-probe",
		clientVersion: "dev",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe checks serverURL over the given transport. An unreachable or
// misbehaving server is a finding, not an error: the returned Result
// reports Connected=false and the error stays nil. Probe returns an
// error only for unusable input.
func (p *Prober) Probe(ctx context.Context, serverURL string, tr Transport) (*Result, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("mcp server url cannot be empty")
	}
	switch tr {
	case TransportStreamableHTTP, TransportSSE:
	default:
		return nil, fmt.Errorf("unsupported MCP transport %q (want streamable-http or sse)", tr)
	}

	res := &Result{HealthPassed: p.healthCheck(ctx, serverURL)}

	start := time.Now()
	defer func() {
		res.LatencyMS = float64(time.Since(start).Microseconds()) / 1000.0
	}()

	mc, err := p.connect(ctx, serverURL, tr)
	if err != nil {
		p.log.Debug("mcp probe: connect failed",
			zap.String("url", serverURL),
			zap.String("transport", string(tr)),
			zap.Error(err),
		)
		return res, nil
	}
	defer mc.Close()

	initResult, err := mc.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    p.clientName,
				Version: p.clientVersion,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		p.log.Debug("mcp probe: initialize failed",
			zap.String("url", serverURL),
			zap.Error(err),
		)
		return res, nil
	}
	res.Connected = true
	res.ServerName = initResult.ServerInfo.Name
	res.ServerVersion = initResult.ServerInfo.Version

	tools, err := mc.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		// The handshake succeeded, so the server counts as connected
		// even when it refuses to enumerate tools.
		p.log.Debug("mcp probe: list tools failed",
			zap.String("url", serverURL),
			zap.Error(err),
		)
		return res, nil
	}
	for _, tool := range tools.Tools {
		res.Capabilities = append(res.Capabilities, tool.Name)
	}

	p.log.Debug("mcp probe: completed",
		zap.String("url", serverURL),
		zap.String("server", res.ServerName),
		zap.Int("tools", len(res.Capabilities)),
	)
	return res, nil
}

// connect builds the transport-specific MCP client. SSE transports need
// an explicit Start before the handshake; streamable HTTP does not.
func (p *Prober) connect(ctx context.Context, serverURL string, tr Transport) (*client.Client, error) {
	if tr == TransportSSE {
		var opts []transport.ClientOption
		if len(p.headers) > 0 {
			opts = append(opts, transport.WithHeaders(p.headers))
		}
		mc, err := client.NewSSEMCPClient(serverURL, opts...)
		if err != nil {
			return nil, fmt.Errorf("create sse client: %w", err)
		}
		if err := mc.Start(ctx); err != nil {
			mc.Close()
			return nil, fmt.Errorf("start sse transport: %w", err)
		}
		return mc, nil
	}

	var opts []transport.StreamableHTTPCOption
	if len(p.headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(p.headers))
	}
	mc, err := client.NewStreamableHttpClient(serverURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create streamable http client: %w", err)
	}
	return mc, nil
}

// healthCheck attempts HEAD then GET, returning true on any 2xx.
func (p *Prober) healthCheck(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := p.hc.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err = p.hc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
