// aim-mcp exposes Agent Identity Management as MCP tools, letting Claude
// Desktop and any MCP-compatible AI host verify actions against an AIM
// control plane before performing them.
//
// Add to Claude Desktop (~/.claude/claude_desktop_config.json):
//
//	{
//	  "mcpServers": {
//	    "aim": {
//	      "command": "/path/to/aim-mcp",
//	      "args": ["--name", "my-agent"]
//	    }
//	  }
//	}
//
// The agent must be registered first ('aim register'). With --gate, every
// tool call the host makes is submitted for verification and blocked until
// the control plane approves it.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opena2a/aim-go-sdk/internal/mcpbridge"
	"github.com/opena2a/aim-go-sdk/pkg/aim"
)

var (
	serverURL   string
	agentName   string
	apiKey      string
	gateEnabled bool
	gateTimeout time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aim-mcp",
	Short: "MCP bridge for Agent Identity Management",
	Long: `aim-mcp is a stdio MCP server that exposes four AIM tools to any
MCP-compatible AI host (Claude Desktop, Claude API, etc.):

  verify_action   — submit an action for verification and wait for the decision
  report_result   — log the outcome of a verified action
  agent_status    — show this agent's identity and trust score
  track_mcp_call  — record an MCP tool invocation for detection reporting

The bridge runs in stdio mode (the MCP standard for local servers).
All logging goes to stderr so it does not interfere with the protocol.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&agentName, "name", "", "Registered agent name (stored credentials)")
	rootCmd.Flags().StringVar(&serverURL, "server", "", "AIM control-plane URL (overrides stored)")
	rootCmd.Flags().StringVar(&apiKey, "api-key", "", "AIM API key (overrides stored)")
	rootCmd.Flags().BoolVar(&gateEnabled, "gate", false, "Verify every incoming tool call before executing it")
	rootCmd.Flags().DurationVar(&gateTimeout, "gate-timeout", 60*time.Second, "Approval wait per gated call")
	_ = rootCmd.MarkFlagRequired("name")
}

func run(cmd *cobra.Command, _ []string) error {
	logger := log.New(os.Stderr, "[aim-mcp] ", log.LstdFlags)

	opts := []aim.RegisterOption{}
	if serverURL != "" {
		opts = append(opts, aim.RegisterURL(serverURL))
	}
	if apiKey != "" {
		opts = append(opts, aim.RegisterAPIKey(apiKey))
	}

	c, err := aim.FromStored(agentName, opts...)
	if err != nil {
		return fmt.Errorf("load agent %q: %w", agentName, err)
	}
	defer c.Close()

	gate := mcpbridge.GatePolicy{Enabled: gateEnabled, Timeout: gateTimeout}
	if gateEnabled {
		logger.Printf("gating enabled: tool calls wait for verification (timeout %s)", gateTimeout)
	}

	tools := mcpbridge.NewToolRegistry(c, gate)
	server := mcpbridge.NewServer(os.Stdout, tools, logger)

	logger.Printf("AIM MCP bridge ready — agent: %s (%s)", agentName, c.AgentID())
	logger.Printf("tools: verify_action, report_result, agent_status, track_mcp_call")

	return server.Serve(cmd.Context(), os.Stdin)
}
