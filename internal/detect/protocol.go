package detect

import (
	"os"
	"strings"
	"time"
)

// protocolIndicators maps each protocol to the environment variables and
// dependency name fragments that signal it.
var protocolIndicators = map[string][]string{
	"mcp": {
		"MCP_SERVER_MODE",
		"MCP_SERVER_NAME",
		"MCP_TRANSPORT",
		"@modelcontextprotocol",
		"mcp-go",
	},
	"a2a": {
		"A2A_AGENT_MODE",
		"AGENT_TO_AGENT",
		"A2A_ENDPOINT",
		"opena2a",
	},
	"oauth": {
		"OAUTH_CLIENT_ID",
		"OAUTH_CLIENT_SECRET",
		"OAUTH_TOKEN_URL",
		"OAUTH_PROVIDER",
	},
	"saml": {
		"SAML_IDP_URL",
		"SAML_ENTITY_ID",
		"SAML_CERT",
		"SAML_SSO_URL",
	},
	"did": {
		"DID_METHOD",
		"DID_RESOLVER",
		"DECENTRALIZED_ID",
	},
	"acp": {
		"ACP_AGENT_ID",
		"ACP_PROTOCOL_VERSION",
	},
}

// protocolOrder fixes the scan order so detection is deterministic.
var protocolOrder = []string{"mcp", "a2a", "oauth", "saml", "did", "acp"}

// ProtocolIndicator is one signal that contributed to a protocol
// detection.
type ProtocolIndicator struct {
	Type      string `json:"type"`
	Indicator string `json:"indicator"`
	Value     string `json:"value,omitempty"`
}

// ProtocolReport describes a detected protocol and the evidence for it.
type ProtocolReport struct {
	Protocol   string              `json:"protocol"`
	Confidence float64             `json:"confidence"`
	Indicators []ProtocolIndicator `json:"indicators_found"`
	DetectedAt string              `json:"detected_at"`
}

// Protocol determines the communication protocol the agent at dir uses.
//
// Precedence: an explicit declaration wins, then environment variables,
// then dependency scanning, and finally the "mcp" default, the most
// common protocol for AI agents.
func Protocol(dir, explicit string) string {
	if explicit != "" {
		return strings.ToLower(explicit)
	}
	if p := protocolFromEnv(); p != "" {
		return p
	}
	if p := protocolFromDependencies(dir); p != "" {
		return p
	}
	return "mcp"
}

// ProtocolConfidence scores a detected protocol from 0 to 100: 90 plus 2
// per extra environment match, 60 plus 5 per extra dependency match, 50
// baseline for the default.
func ProtocolConfidence(dir, protocol string) float64 {
	confidence := 50.0

	if n := envMatches(protocol); n > 0 {
		confidence = 90 + float64(n-1)*2
	}
	if confidence < 70 {
		if n := dependencyMatches(dir, protocol); n > 0 {
			confidence = 60 + float64(n-1)*5
		}
	}
	if confidence > 100 {
		confidence = 100
	}
	return confidence
}

// ProtocolDetails reports the protocol with its confidence and every
// indicator found.
func ProtocolDetails(dir, protocol string) *ProtocolReport {
	var indicators []ProtocolIndicator
	deps := dependencyNames(dir)

	for _, indicator := range protocolIndicators[protocol] {
		if value, ok := os.LookupEnv(indicator); ok {
			if len(value) > 50 {
				value = value[:50]
			}
			indicators = append(indicators, ProtocolIndicator{
				Type:      "environment",
				Indicator: indicator,
				Value:     value,
			})
		}
	}
	for _, indicator := range protocolIndicators[protocol] {
		lower := strings.ToLower(indicator)
		for _, dep := range deps {
			if strings.Contains(strings.ToLower(dep), lower) {
				indicators = append(indicators, ProtocolIndicator{
					Type:      "dependency",
					Indicator: indicator,
					Value:     dep,
				})
				break
			}
		}
	}
	if indicators == nil {
		indicators = []ProtocolIndicator{}
	}

	return &ProtocolReport{
		Protocol:   protocol,
		Confidence: ProtocolConfidence(dir, protocol),
		Indicators: indicators,
		DetectedAt: time.Now().UTC().Format(timestampLayout),
	}
}

func protocolFromEnv() string {
	for _, protocol := range protocolOrder {
		for _, indicator := range protocolIndicators[protocol] {
			if _, ok := os.LookupEnv(indicator); ok {
				return protocol
			}
		}
	}
	return ""
}

// protocolFromDependencies infers the protocol from dependency names.
// OAuth libraries alone are not enough; they only count when OAUTH_
// environment variables confirm the agent actually authenticates with
// them.
func protocolFromDependencies(dir string) string {
	deps := dependencyNames(dir)
	contains := func(fragments ...string) bool {
		for _, dep := range deps {
			lower := strings.ToLower(dep)
			for _, fragment := range fragments {
				if strings.Contains(lower, fragment) {
					return true
				}
			}
		}
		return false
	}

	if contains("mark3labs/mcp-go", "metoro-io/mcp-golang", "modelcontextprotocol", "mcp-server") {
		return "mcp"
	}
	if contains("opena2a") {
		return "a2a"
	}
	if contains("golang.org/x/oauth2", "oauthlib") && hasOAuthEnv() {
		return "oauth"
	}
	return ""
}

func hasOAuthEnv() bool {
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "OAUTH_") {
			return true
		}
	}
	return false
}

func envMatches(protocol string) int {
	n := 0
	for _, indicator := range protocolIndicators[protocol] {
		if _, ok := os.LookupEnv(indicator); ok {
			n++
		}
	}
	return n
}

func dependencyMatches(dir, protocol string) int {
	deps := dependencyNames(dir)
	n := 0
	for _, indicator := range protocolIndicators[protocol] {
		lower := strings.ToLower(indicator)
		for _, dep := range deps {
			if strings.Contains(strings.ToLower(dep), lower) {
				n++
				break
			}
		}
	}
	return n
}

// dependencyNames is the union of go.mod requirements, Go imports, and
// package.json dependencies under dir.
func dependencyNames(dir string) []string {
	var names []string
	names = append(names, goModRequires(dir)...)
	names = append(names, goImports(dir)...)
	names = append(names, nodeDependencies(dir)...)
	return names
}
