package aim

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MCPDetection is one observed MCP server, however it was found.
type MCPDetection struct {
	MCPServer       string         `json:"mcpServer"`
	DetectionMethod string         `json:"detectionMethod"`
	Confidence      float64        `json:"confidence"`
	Details         map[string]any `json:"details,omitempty"`
	SDKVersion      string         `json:"sdkVersion,omitempty"`
	Timestamp       string         `json:"timestamp,omitempty"`
}

// DetectionReport is the control plane's answer to a detection batch.
type DetectionReport struct {
	Success             bool     `json:"success"`
	DetectionsProcessed int      `json:"detectionsProcessed"`
	NewMCPs             []string `json:"newMCPs,omitempty"`
	ExistingMCPs        []string `json:"existingMCPs,omitempty"`
	Message             string   `json:"message,omitempty"`
}

// CapabilityRequest is a pending ask for an additional capability.
type CapabilityRequest struct {
	ID             string `json:"id"`
	AgentID        string `json:"agent_id"`
	CapabilityType string `json:"capability_type"`
	Status         string `json:"status"`
	RequestedAt    string `json:"requested_at"`
}

// CapabilityGrant summarizes a capability reporting run.
type CapabilityGrant struct {
	Granted int `json:"granted"`
	Total   int `json:"total"`
}

// RequestCapability asks the control plane for an additional capability.
// The request lands in the admin approval queue; reason is the business
// justification shown there and must carry at least 10 characters.
func (c *Client) RequestCapability(ctx context.Context, capabilityType, reason string) (*CapabilityRequest, error) {
	if capabilityType == "" {
		return nil, configErrorf("capability_type must be a non-empty string")
	}
	if len(reason) < 10 {
		return nil, configErrorf("reason must be at least 10 characters")
	}

	payload := map[string]any{
		"capability_type": capabilityType,
		"reason":          reason,
	}
	var req CapabilityRequest
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/api/v1/sdk-api/agents/%s/capability-requests", c.agentID),
		payload, &req, asOperation("request_capability"))
	if err != nil {
		return nil, wrapVerificationError("Capability request failed", err)
	}
	return &req, nil
}

// ReportCapabilities grants detected capabilities to the agent, one at a
// time. Only available in API key mode. Capabilities the control plane
// already knows about count as granted; individual failures do not stop
// the run.
func (c *Client) ReportCapabilities(ctx context.Context, capabilities []string, scope map[string]any) (*CapabilityGrant, error) {
	if c.apiKey == "" {
		return nil, configErrorf("ReportCapabilities requires API key authentication mode")
	}
	if scope == nil {
		scope = map[string]any{
			"source":     "go_sdk_auto_detection",
			"detectedAt": time.Now().UTC().Format(resultTimestampLayout),
		}
	}

	endpoint := fmt.Sprintf("/api/v1/sdk-api/agents/%s/capabilities", c.agentID)
	grant := &CapabilityGrant{Total: len(capabilities)}
	for _, capability := range capabilities {
		payload := map[string]any{
			"capabilityType": capability,
			"scope":          scope,
		}
		// Duplicates come back as errors; retrying them would only slow
		// the loop down.
		status, body, err := c.do(ctx, http.MethodPost, endpoint, payload,
			withoutRetry(), asOperation("report_capability"))
		switch {
		case err != nil:
			if isDuplicateCapability(err.Error()) {
				grant.Granted++
			} else {
				c.log.Debug("capability report failed",
					zap.String("capability", capability),
					zap.Error(err))
			}
		case status >= 200 && status < 300:
			grant.Granted++
		case status == http.StatusInternalServerError || isDuplicateCapability(string(body)):
			// The backend answers 500 for duplicate key violations.
			grant.Granted++
		default:
			c.log.Debug("capability report rejected",
				zap.String("capability", capability),
				zap.Int("status", status))
		}
	}
	return grant, nil
}

func isDuplicateCapability(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "duplicate") ||
		strings.Contains(lower, "already exists") ||
		strings.Contains(lower, "unique constraint")
}

// ReportDetections reports discovered MCP servers to the control plane.
// Detections missing a version or timestamp are stamped before sending.
func (c *Client) ReportDetections(ctx context.Context, detections []MCPDetection) (*DetectionReport, error) {
	now := time.Now().UTC().Format(resultTimestampLayout)
	stamped := make([]MCPDetection, len(detections))
	for i, d := range detections {
		if d.SDKVersion == "" {
			d.SDKVersion = "aim-sdk-go@" + Version
		}
		if d.Timestamp == "" {
			d.Timestamp = now
		}
		stamped[i] = d
	}

	var report DetectionReport
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/api/v1/detection/agents/%s/report", c.agentID),
		map[string]any{"detections": stamped}, &report,
		asOperation("report_detections"))
	if err != nil {
		return nil, err
	}
	recordDetectionEvents(len(detections))
	return &report, nil
}

// ReportSDKIntegration marks the agent as SDK-integrated on the
// dashboard's detection tab. sdkVersion defaults to this SDK's version
// string and platform to "go".
func (c *Client) ReportSDKIntegration(ctx context.Context, sdkVersion, platform string, capabilities []string) (*DetectionReport, error) {
	if sdkVersion == "" {
		sdkVersion = "aim-sdk-go@" + Version
	}
	if platform == "" {
		platform = "go"
	}
	if capabilities == nil {
		capabilities = []string{}
	}

	event := map[string]any{
		"mcpServer":       "aim-sdk-integration",
		"detectionMethod": "sdk_integration",
		"confidence":      100.0,
		"details": map[string]any{
			"platform":     platform,
			"protocol":     c.Protocol(),
			"capabilities": capabilities,
			"integrated":   true,
		},
		"sdkVersion": sdkVersion,
		"timestamp":  time.Now().UTC().Format(resultTimestampLayout),
	}

	var report DetectionReport
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/api/v1/sdk-api/agents/%s/detection/report", c.agentID),
		map[string]any{"detections": []any{event}}, &report,
		asOperation("report_sdk_integration"))
	if err != nil {
		return nil, err
	}
	recordDetectionEvents(1)
	return &report, nil
}
