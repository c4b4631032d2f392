package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opena2a/aim-go-sdk/internal/detect"
	"github.com/opena2a/aim-go-sdk/pkg/aim"
	"github.com/opena2a/aim-go-sdk/pkg/credstore"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL    string
	agentName    string
	apiKey       string
	outputFormat string
	cfgFile      string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aim",
	Short: "Agent Identity Management CLI",
	Long: `aim is the command-line interface for Agent Identity Management.

It registers agents with an AIM control plane, verifies actions against
its policies, and manages capabilities, MCP servers, and SDK tokens.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()

		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.aim")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("AIM")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if agentName == "" {
			agentName = viper.GetString("name")
		}
		if apiKey == "" {
			apiKey = viper.GetString("api_key")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.aim/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "AIM control-plane URL")
	rootCmd.PersistentFlags().StringVar(&agentName, "name", "", "agent name (selects stored credentials)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "AIM API key")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "output format: text or json")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(capabilitiesCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(reportSDKCmd)
	rootCmd.AddCommand(versionCmd)
}

// requireName fails early when no agent name is configured.
func requireName() error {
	if agentName == "" {
		return fmt.Errorf("agent name is required: pass --name, set AIM_NAME, or put 'name' in ~/.aim/config.yaml")
	}
	return nil
}

// storedClient builds a client from the saved credentials for --name.
func storedClient() (*aim.Client, error) {
	if err := requireName(); err != nil {
		return nil, err
	}
	var opts []aim.RegisterOption
	if serverURL != "" {
		opts = append(opts, aim.RegisterURL(serverURL))
	}
	if apiKey != "" {
		opts = append(opts, aim.RegisterAPIKey(apiKey))
	}
	return aim.FromStored(agentName, opts...)
}

// loadCredentials reads the stored credential record for --name without
// building a client.
func loadCredentials() (*credstore.Credentials, error) {
	if err := requireName(); err != nil {
		return nil, err
	}
	store, err := credstore.New(credstore.WithPath(credstore.DiscoverPath(nil)))
	if err != nil {
		return nil, err
	}
	creds, err := store.LoadAgent(agentName)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, fmt.Errorf("no stored credentials for agent %q, run 'aim register' first", agentName)
		}
		return nil, err
	}
	return creds, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	return strings.ToLower(strings.TrimSpace(answer)) == "y"
}

// ── register ─────────────────────────────────────────────────────────────────

var (
	regDisplayName string
	regDescription string
	regAgentType   string
	regVersion     string
	regRepository  string
	regDocs        string
	regOrgDomain   string
	regCaps        []string
	regTalksTo     []string
	regNoDetect    bool
	regForceNew    bool
	regForceAPIKey bool
	regDetectDir   string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this agent with the AIM control plane",
	Long: `Register creates an agent identity and stores its credentials locally.

The Ed25519 keypair is generated on this machine; the private key never
leaves it. With SDK credentials already stored (the bundle downloaded
from the dashboard), only --name is needed. Otherwise pass --server and
--api-key.

Capabilities and MCP servers are auto-detected from the working
directory unless --no-detect is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireName(); err != nil {
			return err
		}

		opts := []aim.RegisterOption{}
		if serverURL != "" {
			opts = append(opts, aim.RegisterURL(serverURL))
		}
		if apiKey != "" {
			opts = append(opts, aim.RegisterAPIKey(apiKey))
		}
		if regDisplayName != "" {
			opts = append(opts, aim.RegisterDisplayName(regDisplayName))
		}
		if regDescription != "" {
			opts = append(opts, aim.RegisterDescription(regDescription))
		}
		if regAgentType != "" {
			opts = append(opts, aim.RegisterAgentType(regAgentType))
		}
		if regVersion != "" {
			opts = append(opts, aim.RegisterVersion(regVersion))
		}
		if regRepository != "" {
			opts = append(opts, aim.RegisterRepositoryURL(regRepository))
		}
		if regDocs != "" {
			opts = append(opts, aim.RegisterDocumentationURL(regDocs))
		}
		if regOrgDomain != "" {
			opts = append(opts, aim.RegisterOrganizationDomain(regOrgDomain))
		}
		if len(regCaps) > 0 {
			opts = append(opts, aim.RegisterCapabilities(regCaps...))
		}
		if len(regTalksTo) > 0 {
			opts = append(opts, aim.RegisterTalksTo(regTalksTo...))
		}
		if regNoDetect {
			opts = append(opts, aim.RegisterWithoutDetection())
		}
		if regForceNew {
			opts = append(opts, aim.RegisterForceNew())
		}
		if regForceAPIKey {
			opts = append(opts, aim.RegisterForceAPIKey())
		}
		if regDetectDir != "" {
			opts = append(opts, aim.RegisterDetectDir(regDetectDir))
		}

		client, err := aim.Register(context.Background(), agentName, opts...)
		if err != nil {
			return err
		}
		defer client.Close()

		if outputFormat == "json" {
			return printJSON(map[string]string{
				"agent_id":   client.AgentID(),
				"name":       agentName,
				"server":     client.BaseURL(),
				"public_key": client.PublicKey(),
			})
		}

		fmt.Printf("✓ Agent registered\n\n")
		fmt.Printf("  Name:   %s\n", agentName)
		fmt.Printf("  ID:     %s\n", client.AgentID())
		fmt.Printf("  Server: %s\n\n", client.BaseURL())
		fmt.Println("Next: aim status to inspect the agent, aim verify <action> to test verification")
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVar(&regDisplayName, "display-name", "", "Human-readable display name (defaults to the agent name)")
	registerCmd.Flags().StringVar(&regDescription, "description", "", "Agent description")
	registerCmd.Flags().StringVar(&regAgentType, "type", "", "Agent type: ai_agent or mcp_server (default ai_agent)")
	registerCmd.Flags().StringVar(&regVersion, "agent-version", "", "Agent version string")
	registerCmd.Flags().StringVar(&regRepository, "repository", "", "Source repository URL")
	registerCmd.Flags().StringVar(&regDocs, "docs", "", "Documentation URL")
	registerCmd.Flags().StringVar(&regOrgDomain, "domain", "", "Organization domain for auto-approval policies")
	registerCmd.Flags().StringSliceVar(&regCaps, "capability", nil, "Declare a capability explicitly (repeatable)")
	registerCmd.Flags().StringSliceVar(&regTalksTo, "talks-to", nil, "Declare an MCP server the agent talks to (repeatable)")
	registerCmd.Flags().BoolVar(&regNoDetect, "no-detect", false, "Skip capability and MCP auto-detection")
	registerCmd.Flags().BoolVar(&regForceNew, "force", false, "Register a fresh identity even when credentials exist")
	registerCmd.Flags().BoolVar(&regForceAPIKey, "force-api-key", false, "Use the API key even when SDK credentials are stored")
	registerCmd.Flags().StringVar(&regDetectDir, "detect-dir", "", "Directory scanned by auto-detection (default .)")
}

// ── status ───────────────────────────────────────────────────────────────────

var statusLocalOnly bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show this agent's identity and its live control-plane record",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := loadCredentials()
		if err != nil {
			return err
		}

		var agent *aim.Agent
		if !statusLocalOnly {
			client, err := storedClient()
			if err != nil {
				return err
			}
			defer client.Close()
			agent, err = client.GetAgent(context.Background(), creds.AgentID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: control plane unreachable: %v\n", err)
			}
		}

		if outputFormat == "json" {
			out := map[string]any{
				"name":       agentName,
				"agent_id":   creds.AgentID,
				"server":     creds.AIMURL,
				"status":     creds.Status,
				"public_key": creds.PublicKey,
			}
			if agent != nil {
				out["live"] = agent
			}
			return printJSON(out)
		}

		fmt.Printf("Name:       %s\n", agentName)
		fmt.Printf("Agent ID:   %s\n", creds.AgentID)
		fmt.Printf("Server:     %s\n", creds.AIMURL)
		fmt.Printf("Public Key: %s\n", creds.PublicKey)
		mode := "api_key"
		if creds.RefreshToken != "" {
			mode = "oauth"
		}
		fmt.Printf("Auth Mode:  %s\n", mode)
		if agent != nil {
			fmt.Printf("\nControl plane:\n")
			fmt.Printf("  Status:       %s\n", agent.Status)
			fmt.Printf("  Trust Score:  %.1f\n", agent.TrustScore)
			if len(agent.Capabilities) > 0 {
				fmt.Printf("  Capabilities: %s\n", strings.Join(agent.Capabilities, ", "))
			}
			if len(agent.TalksTo) > 0 {
				fmt.Printf("  Talks To:     %s\n", strings.Join(agent.TalksTo, ", "))
			}
		} else if creds.Status != "" {
			fmt.Printf("Status:     %s (stored)\n", creds.Status)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusLocalOnly, "local", false, "Show stored credentials only, without contacting the control plane")
}

// ── agents ───────────────────────────────────────────────────────────────────

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage the organization's registered agents",
}

var (
	listLimit  int
	listOffset int
	listStatus string
	listType   string
)

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := storedClient()
		if err != nil {
			return err
		}
		defer client.Close()

		list, err := client.ListAgents(context.Background(), aim.ListAgentsOptions{
			Limit:     listLimit,
			Offset:    listOffset,
			Status:    listStatus,
			AgentType: listType,
		})
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(list)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tTRUST")
		for _, a := range list.Agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\n",
				a.ID, a.Name, a.AgentType, a.Status, a.TrustScore)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%d of %d agent(s)\n", len(list.Agents), list.Total)
		return nil
	},
}

var agentsGetCmd = &cobra.Command{
	Use:   "get <agent-id>",
	Short: "Show one agent's full record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := storedClient()
		if err != nil {
			return err
		}
		defer client.Close()

		agent, err := client.GetAgent(context.Background(), args[0])
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(agent)
		}
		printAgent(agent)
		return nil
	},
}

var (
	updDisplayName string
	updDescription string
	updVersion     string
	updRepository  string
	updDocs        string
)

var agentsUpdateCmd = &cobra.Command{
	Use:   "update <agent-id>",
	Short: "Update an agent's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := storedClient()
		if err != nil {
			return err
		}
		defer client.Close()

		upd := aim.AgentUpdate{}
		if cmd.Flags().Changed("display-name") {
			upd.DisplayName = aim.String(updDisplayName)
		}
		if cmd.Flags().Changed("description") {
			upd.Description = aim.String(updDescription)
		}
		if cmd.Flags().Changed("agent-version") {
			upd.Version = aim.String(updVersion)
		}
		if cmd.Flags().Changed("repository") {
			upd.RepositoryURL = aim.String(updRepository)
		}
		if cmd.Flags().Changed("docs") {
			upd.DocumentationURL = aim.String(updDocs)
		}

		agent, err := client.UpdateAgent(context.Background(), args[0], upd)
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(agent)
		}
		fmt.Printf("✓ Agent updated\n\n")
		printAgent(agent)
		return nil
	},
}

var deleteForce bool

var agentsDeleteCmd = &cobra.Command{
	Use:   "delete <agent-id>",
	Short: "Delete an agent registration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := storedClient()
		if err != nil {
			return err
		}
		defer client.Close()

		if !deleteForce && !confirm(fmt.Sprintf("Delete agent %s? This cannot be undone.", args[0])) {
			fmt.Println("Aborted.")
			return nil
		}

		result, err := client.DeleteAgent(context.Background(), args[0])
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(result)
		}
		fmt.Printf("✓ Agent deleted: %s\n", args[0])
		return nil
	},
}

func init() {
	agentsListCmd.Flags().IntVar(&listLimit, "limit", 50, "Page size (max 100)")
	agentsListCmd.Flags().IntVar(&listOffset, "offset", 0, "Page offset")
	agentsListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	agentsListCmd.Flags().StringVar(&listType, "type", "", "Filter by agent type")

	agentsUpdateCmd.Flags().StringVar(&updDisplayName, "display-name", "", "New display name")
	agentsUpdateCmd.Flags().StringVar(&updDescription, "description", "", "New description")
	agentsUpdateCmd.Flags().StringVar(&updVersion, "agent-version", "", "New version string")
	agentsUpdateCmd.Flags().StringVar(&updRepository, "repository", "", "New repository URL")
	agentsUpdateCmd.Flags().StringVar(&updDocs, "docs", "", "New documentation URL")

	agentsDeleteCmd.Flags().BoolVar(&deleteForce, "force", false, "Skip confirmation prompt")

	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsGetCmd)
	agentsCmd.AddCommand(agentsUpdateCmd)
	agentsCmd.AddCommand(agentsDeleteCmd)
}

func printAgent(a *aim.Agent) {
	fmt.Printf("ID:          %s\n", a.ID)
	fmt.Printf("Name:        %s\n", a.Name)
	if a.DisplayName != "" && a.DisplayName != a.Name {
		fmt.Printf("Display:     %s\n", a.DisplayName)
	}
	if a.Description != "" {
		fmt.Printf("Description: %s\n", a.Description)
	}
	fmt.Printf("Type:        %s\n", a.AgentType)
	fmt.Printf("Status:      %s\n", a.Status)
	fmt.Printf("Trust Score: %.1f\n", a.TrustScore)
	if len(a.Capabilities) > 0 {
		fmt.Printf("Capabilities: %s\n", strings.Join(a.Capabilities, ", "))
	}
	if len(a.TalksTo) > 0 {
		fmt.Printf("Talks To:    %s\n", strings.Join(a.TalksTo, ", "))
	}
	if a.CreatedAt != "" {
		fmt.Printf("Created:     %s\n", a.CreatedAt)
	}
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyResource string
	verifyContext  string
	verifyTimeout  time.Duration
)

var verifyCmd = &cobra.Command{
	Use:   "verify <action>",
	Short: "Submit an action for verification and wait for the decision",
	Long: `Verify signs an action request with this agent's private key and
submits it to the control plane.

Approved actions print the approval; denied actions exit non-zero with
the denial reason. Actions that need human approval are polled until
decided or until --timeout elapses:

  aim verify read_database --resource users --context '{"rows": 400}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := storedClient()
		if err != nil {
			return err
		}
		defer client.Close()

		var actionCtx map[string]any
		if verifyContext != "" {
			if err := json.Unmarshal([]byte(verifyContext), &actionCtx); err != nil {
				return fmt.Errorf("invalid --context JSON: %w", err)
			}
		}

		decision, err := client.VerifyAction(context.Background(), args[0], verifyResource, actionCtx, verifyTimeout)
		if err != nil {
			var denied *aim.ActionDeniedError
			if errors.As(err, &denied) {
				if outputFormat == "json" {
					_ = printJSON(map[string]any{"verified": false, "status": "denied", "reason": denied.Reason})
					os.Exit(1)
				}
				fmt.Printf("✗ Action denied: %s\n", denied.Reason)
				os.Exit(1)
			}
			return err
		}

		if outputFormat == "json" {
			return printJSON(decision)
		}

		if decision.Verified {
			fmt.Printf("✓ Action approved\n\n")
			fmt.Printf("  Verification: %s\n", decision.VerificationID)
			if decision.ApprovedBy != "" {
				fmt.Printf("  Approved by:  %s\n", decision.ApprovedBy)
			}
			if decision.ExpiresAt != "" {
				fmt.Printf("  Expires:      %s\n", decision.ExpiresAt)
			}
		} else {
			fmt.Printf("Status: %s\n", decision.Status)
			if decision.Err != "" {
				fmt.Printf("Note:   %s\n", decision.Err)
			}
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyResource, "resource", "", "Resource the action targets")
	verifyCmd.Flags().StringVar(&verifyContext, "context", "", "Extra context as a JSON object")
	verifyCmd.Flags().DurationVar(&verifyTimeout, "timeout", 0, "Approval wait timeout (default 5m)")
}

// ── capabilities ─────────────────────────────────────────────────────────────

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Detect, report, and request agent capabilities",
}

var capDetectSave bool

var capDetectCmd = &cobra.Command{
	Use:   "detect [dir]",
	Short: "Detect capabilities from source code and configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}

		caps := detect.Capabilities(dir)

		if capDetectSave {
			if err := detect.SaveCapabilitiesConfig(caps); err != nil {
				return fmt.Errorf("save capabilities config: %w", err)
			}
		}

		if outputFormat == "json" {
			return printJSON(map[string]any{"capabilities": caps})
		}
		if len(caps) == 0 {
			fmt.Println("No capabilities detected.")
			return nil
		}
		for _, c := range caps {
			fmt.Printf("  %s\n", c)
		}
		if capDetectSave {
			fmt.Println("\n✓ Saved to ~/.aim/capabilities.json")
		}
		return nil
	},
}

var capReportDir string

var capReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report detected capabilities to the control plane",
	Long: `Report grants this agent the capabilities detected from its source
tree. Requires API key authentication.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := storedClient()
		if err != nil {
			return err
		}
		defer client.Close()

		caps := detect.Capabilities(capReportDir)
		if len(caps) == 0 {
			fmt.Println("No capabilities detected, nothing to report.")
			return nil
		}

		grant, err := client.ReportCapabilities(context.Background(), caps, nil)
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(grant)
		}
		fmt.Printf("✓ %d of %d capabilities granted\n", grant.Granted, grant.Total)
		return nil
	},
}

var capRequestReason string

var capRequestCmd = &cobra.Command{
	Use:   "request <capability>",
	Short: "Request an additional capability",
	Long: `Request asks the control plane for a capability this agent does not
hold. The request lands in the admin approval queue; --reason is the
business justification shown there.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := storedClient()
		if err != nil {
			return err
		}
		defer client.Close()

		req, err := client.RequestCapability(context.Background(), args[0], capRequestReason)
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(req)
		}
		fmt.Printf("✓ Capability requested\n\n")
		fmt.Printf("  Request ID: %s\n", req.ID)
		fmt.Printf("  Capability: %s\n", req.CapabilityType)
		fmt.Printf("  Status:     %s\n", req.Status)
		return nil
	},
}

func init() {
	capDetectCmd.Flags().BoolVar(&capDetectSave, "save", false, "Save the detected list to ~/.aim/capabilities.json")
	capReportCmd.Flags().StringVar(&capReportDir, "dir", ".", "Directory to scan")
	capRequestCmd.Flags().StringVar(&capRequestReason, "reason", "", "Business justification (min 10 characters)")
	_ = capRequestCmd.MarkFlagRequired("reason")

	capabilitiesCmd.AddCommand(capDetectCmd)
	capabilitiesCmd.AddCommand(capReportCmd)
	capabilitiesCmd.AddCommand(capRequestCmd)
}

// ── mcp ──────────────────────────────────────────────────────────────────────

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Detect, attest, and register MCP servers",
}

var mcpDetectReport bool

var mcpDetectCmd = &cobra.Command{
	Use:   "detect [dir]",
	Short: "Detect the MCP servers this agent talks to",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}

		detections := detect.MCPServers(dir)

		if mcpDetectReport && len(detections) > 0 {
			client, err := storedClient()
			if err != nil {
				return err
			}
			defer client.Close()

			batch := make([]aim.MCPDetection, len(detections))
			for i, d := range detections {
				batch[i] = aim.MCPDetection{
					MCPServer:       d.Server,
					DetectionMethod: d.Method,
					Confidence:      d.Confidence,
					Details:         d.Details,
				}
			}
			report, err := client.ReportDetections(context.Background(), batch)
			if err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(report)
			}
			fmt.Printf("✓ %d detection(s) reported, %d new\n", report.DetectionsProcessed, len(report.NewMCPs))
			return nil
		}

		if outputFormat == "json" {
			return printJSON(detections)
		}
		if len(detections) == 0 {
			fmt.Println("No MCP servers detected.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SERVER\tMETHOD\tCONFIDENCE")
		for _, d := range detections {
			fmt.Fprintf(w, "%s\t%s\t%.0f\n", d.Server, d.Method, d.Confidence)
		}
		return w.Flush()
	},
}

var (
	attestURL       string
	attestName      string
	attestTransport string
)

var mcpAttestCmd = &cobra.Command{
	Use:   "attest <server-id>",
	Short: "Probe a live MCP server and submit a signed attestation",
	Long: `Attest connects to the MCP server at --url, runs the protocol
handshake, lists its tools, and submits the findings as an attestation
signed with this agent's private key:

  aim mcp attest 3f2a... --url https://mcp.example.com/mcp`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := storedClient()
		if err != nil {
			return err
		}
		defer client.Close()

		result, report, err := client.ProbeAndAttest(context.Background(), args[0], attestURL, attestName, attestTransport)
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(map[string]any{"attestation": result, "probe": report})
		}

		if report.Connected {
			fmt.Printf("✓ MCP handshake succeeded (%.1f ms, %d tool(s))\n", report.LatencyMS, len(report.Capabilities))
		} else {
			fmt.Printf("✗ MCP handshake failed (health check passed: %v)\n", report.HealthPassed)
		}
		fmt.Printf("✓ Attestation submitted\n\n")
		fmt.Printf("  Attestation ID: %s\n", result.AttestationID)
		fmt.Printf("  Confidence:     %.1f\n", result.MCPConfidenceScore)
		fmt.Printf("  Attestations:   %d\n", result.AttestationCount)
		return nil
	},
}

var (
	mcpRegName        string
	mcpRegURL         string
	mcpRegDescription string
	mcpRegVersion     string
	mcpRegPublicKey   string
	mcpRegCaps        []string
)

var mcpRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an MCP server with the control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := storedClient()
		if err != nil {
			return err
		}
		defer client.Close()

		server, err := client.RegisterMCPServer(context.Background(), aim.MCPServerRegistration{
			Name:         mcpRegName,
			URL:          mcpRegURL,
			Description:  mcpRegDescription,
			Version:      mcpRegVersion,
			PublicKey:    mcpRegPublicKey,
			Capabilities: mcpRegCaps,
		})
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(server)
		}
		fmt.Printf("✓ MCP server registered\n\n")
		fmt.Printf("  ID:   %s\n", server.ID)
		fmt.Printf("  Name: %s\n", server.Name)
		return nil
	},
}

func init() {
	mcpDetectCmd.Flags().BoolVar(&mcpDetectReport, "report", false, "Report the detections to the control plane")

	mcpAttestCmd.Flags().StringVar(&attestURL, "url", "", "MCP server URL to probe")
	mcpAttestCmd.Flags().StringVar(&attestName, "mcp-name", "", "Display name (defaults to the server's announced name)")
	mcpAttestCmd.Flags().StringVar(&attestTransport, "transport", "", "MCP transport: streamable-http (default) or sse")
	_ = mcpAttestCmd.MarkFlagRequired("url")

	mcpRegisterCmd.Flags().StringVar(&mcpRegName, "mcp-name", "", "MCP server name")
	mcpRegisterCmd.Flags().StringVar(&mcpRegURL, "url", "", "MCP server URL")
	mcpRegisterCmd.Flags().StringVar(&mcpRegDescription, "description", "", "Server description")
	mcpRegisterCmd.Flags().StringVar(&mcpRegVersion, "mcp-version", "", "Server version (default 1.0.0)")
	mcpRegisterCmd.Flags().StringVar(&mcpRegPublicKey, "public-key", "", "Server's base64 Ed25519 public key")
	mcpRegisterCmd.Flags().StringSliceVar(&mcpRegCaps, "capability", nil, "Server capability (repeatable)")
	_ = mcpRegisterCmd.MarkFlagRequired("mcp-name")
	_ = mcpRegisterCmd.MarkFlagRequired("public-key")
	_ = mcpRegisterCmd.MarkFlagRequired("capability")

	mcpCmd.AddCommand(mcpDetectCmd)
	mcpCmd.AddCommand(mcpAttestCmd)
	mcpCmd.AddCommand(mcpRegisterCmd)
}

// ── token ────────────────────────────────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect and rotate the stored SDK token",
}

var tokenShowSecret bool

var tokenShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored token bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := loadCredentials()
		if err != nil {
			return err
		}
		if creds.RefreshToken == "" {
			return fmt.Errorf("agent %q has no refresh token; it is registered in API key mode", agentName)
		}

		redacted := "(stored; pass --show-secret to print)"
		if tokenShowSecret {
			redacted = creds.RefreshToken
		}

		if outputFormat == "json" {
			out := map[string]any{
				"agent_id":     creds.AgentID,
				"sdk_token_id": creds.SDKTokenID,
				"server":       creds.AIMURL,
			}
			if tokenShowSecret {
				out["refresh_token"] = creds.RefreshToken
			}
			return printJSON(out)
		}

		fmt.Printf("Agent ID:      %s\n", creds.AgentID)
		fmt.Printf("SDK Token ID:  %s\n", creds.SDKTokenID)
		fmt.Printf("Server:        %s\n", creds.AIMURL)
		fmt.Printf("Refresh Token: %s\n", redacted)
		return nil
	},
}

var tokenRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rotate the refresh token and fetch a new access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireName(); err != nil {
			return err
		}
		store, err := credstore.New(credstore.WithPath(credstore.DiscoverPath(nil)))
		if err != nil {
			return err
		}
		tm, err := aim.NewAgentTokenManager(store, agentName)
		if err != nil {
			return err
		}

		token, err := tm.AccessToken(context.Background())
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(map[string]string{
				"agent_id":     tm.AgentID(),
				"access_token": token,
			})
		}
		fmt.Printf("✓ Token refreshed for agent %s\n", tm.AgentID())
		return nil
	},
}

func init() {
	tokenShowCmd.Flags().BoolVar(&tokenShowSecret, "show-secret", false, "Print the refresh token in the clear")

	tokenCmd.AddCommand(tokenShowCmd)
	tokenCmd.AddCommand(tokenRefreshCmd)
}

// ── revoke ───────────────────────────────────────────────────────────────────

var revokeForce bool

var revokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke this agent's SDK token and delete local credentials",
	Long: `Revoke invalidates the agent's refresh token chain on the control
plane and deletes all credentials stored on this machine. Local deletion
happens even when the server cannot be reached.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireName(); err != nil {
			return err
		}
		if !revokeForce && !confirm(fmt.Sprintf("Revoke agent %q and delete local credentials?", agentName)) {
			fmt.Println("Aborted.")
			return nil
		}

		store, err := credstore.New(credstore.WithPath(credstore.DiscoverPath(nil)))
		if err != nil {
			return err
		}
		tm, err := aim.NewAgentTokenManager(store, agentName)
		if err != nil {
			// API-key agents have no token chain; just delete local state.
			if delErr := store.DeleteAll(); delErr != nil {
				return delErr
			}
			fmt.Println("✓ Local credentials deleted (no token chain to revoke)")
			return nil
		}

		if err := tm.Revoke(context.Background()); err != nil {
			return err
		}
		fmt.Println("✓ Token revoked and local credentials deleted")
		return nil
	},
}

func init() {
	revokeCmd.Flags().BoolVar(&revokeForce, "force", false, "Skip confirmation prompt")
}

// ── report-sdk ───────────────────────────────────────────────────────────────

var reportSDKDir string

var reportSDKCmd = &cobra.Command{
	Use:   "report-sdk",
	Short: "Mark this agent as SDK-integrated on the dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := storedClient()
		if err != nil {
			return err
		}
		defer client.Close()

		caps := detect.Capabilities(reportSDKDir)
		report, err := client.ReportSDKIntegration(context.Background(), "", "", caps)
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(report)
		}
		fmt.Printf("✓ SDK integration reported (%d capability(ies))\n", len(caps))
		return nil
	},
}

func init() {
	reportSDKCmd.Flags().StringVar(&reportSDKDir, "dir", ".", "Directory to scan for capabilities")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the aim CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("aim %s (SDK %s)\n", version, aim.Version)
	},
}
