package detect

import (
	"path/filepath"
	"testing"
)

func TestMCPServers_fromClaudeConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeFile(t, filepath.Join(home, ".claude", "claude_desktop_config.json"), `{
		"mcpServers": {
			"filesystem": {
				"command": "npx",
				"args": ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
			},
			"github": {
				"command": "npx",
				"args": ["-y", "@modelcontextprotocol/server-github"]
			}
		}
	}`)

	detections := MCPServers(t.TempDir())
	if len(detections) != 2 {
		t.Fatalf("got %d detections, want 2: %v", len(detections), detections)
	}

	// Sorted by server name: filesystem before github.
	first := detections[0]
	if first.Server != "filesystem" {
		t.Errorf("Server = %q, want filesystem", first.Server)
	}
	if first.Method != "claude_config" {
		t.Errorf("Method = %q, want claude_config", first.Method)
	}
	if first.Confidence != 100 {
		t.Errorf("Confidence = %v, want 100", first.Confidence)
	}
	if first.Details["command"] != "npx" {
		t.Errorf("Details[command] = %v, want npx", first.Details["command"])
	}
}

func TestMCPServers_fromGoMod(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"), `module example.com/agent

go 1.25.0

require github.com/mark3labs/mcp-go v0.43.2
`)

	detections := MCPServers(dir)
	if len(detections) != 1 {
		t.Fatalf("got %d detections, want 1: %v", len(detections), detections)
	}
	d := detections[0]
	if d.Server != "github.com/mark3labs/mcp-go" {
		t.Errorf("Server = %q", d.Server)
	}
	if d.Method != "sdk_import" {
		t.Errorf("Method = %q, want sdk_import", d.Method)
	}
	if d.Confidence != 90 {
		t.Errorf("Confidence = %v, want 90", d.Confidence)
	}
	if d.Details["detectionSource"] != "import_scan" {
		t.Errorf("Details[detectionSource] = %v", d.Details["detectionSource"])
	}
}

func TestMCPServers_fromPackageJSON(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "package.json"), `{
		"dependencies": {
			"@modelcontextprotocol/server-memory": "^0.1.0",
			"express": "^4.0.0"
		},
		"devDependencies": {
			"mcp-server-fetch": "^1.0.0"
		}
	}`)

	detections := MCPServers(dir)
	if len(detections) != 2 {
		t.Fatalf("got %d detections, want 2: %v", len(detections), detections)
	}
	for _, d := range detections {
		if d.Server == "express" {
			t.Errorf("express should not be detected as an MCP package")
		}
	}
}

func TestMCPServers_runtimeTracking(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	ResetRuntimeTracking()
	t.Cleanup(ResetRuntimeTracking)

	TrackMCPCall("filesystem", "read_file")
	TrackMCPCall("filesystem", "write_file")
	TrackMCPCall("filesystem", "read_file")

	detections := RuntimeDetections()
	if len(detections) != 1 {
		t.Fatalf("got %d detections, want 1", len(detections))
	}
	d := detections[0]
	if d.Method != "sdk_runtime" || d.Confidence != 100 {
		t.Errorf("Method = %q Confidence = %v, want sdk_runtime 100", d.Method, d.Confidence)
	}
	if d.Details["call_count"] != 3 {
		t.Errorf("call_count = %v, want 3", d.Details["call_count"])
	}
	tools, ok := d.Details["tools_used"].([]string)
	if !ok || len(tools) != 2 {
		t.Errorf("tools_used = %v, want [read_file write_file]", d.Details["tools_used"])
	}
}

func TestMCPServers_higherConfidenceWins(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	ResetRuntimeTracking()
	t.Cleanup(ResetRuntimeTracking)

	// Same server seen in the Claude config (100) and tracked at
	// runtime (100); the dependency scan (90) must not demote it.
	writeFile(t, filepath.Join(home, ".claude", "claude_desktop_config.json"), `{
		"mcpServers": {"mcp-server-fetch": {"command": "uvx", "args": []}}
	}`)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "package.json"),
		`{"dependencies": {"mcp-server-fetch": "^1.0.0"}}`)

	detections := MCPServers(dir)
	if len(detections) != 1 {
		t.Fatalf("got %d detections, want 1: %v", len(detections), detections)
	}
	if detections[0].Confidence != 100 {
		t.Errorf("Confidence = %v, want 100", detections[0].Confidence)
	}
}

func TestTrackMCPCall_ignoresEmptyServer(t *testing.T) {
	ResetRuntimeTracking()
	t.Cleanup(ResetRuntimeTracking)

	TrackMCPCall("", "tool")
	if ds := RuntimeDetections(); len(ds) != 0 {
		t.Errorf("got %d detections, want 0", len(ds))
	}
}
