package detect

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// mcpPackagePatterns are naming conventions that identify a dependency
// as an MCP server or client package, whatever the ecosystem.
var mcpPackagePatterns = []string{
	"mcp-server-",
	"mcp_server_",
	"@modelcontextprotocol/",
	"modelcontextprotocol-",
	"mark3labs/mcp-go",
	"metoro-io/mcp-golang",
}

// mcpFromClaudeConfig reads the Claude desktop configuration and treats
// every configured server as a definitive detection.
func mcpFromClaudeConfig() []Detection {
	path := claudeConfigPath()
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var cfg struct {
		MCPServers map[string]struct {
			Command string   `json:"command"`
			Args    []string `json:"args"`
		} `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil
	}

	names := make([]string, 0, len(cfg.MCPServers))
	for name := range cfg.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	detections := make([]Detection, 0, len(names))
	for _, name := range names {
		server := cfg.MCPServers[name]
		args := server.Args
		if args == nil {
			args = []string{}
		}
		detections = append(detections, Detection{
			Server:     name,
			Method:     "claude_config",
			Confidence: 100,
			Details: map[string]any{
				"configPath": path,
				"command":    server.Command,
				"args":       args,
			},
		})
	}
	return detections
}

// claudeConfigPath locates the Claude desktop config file, or returns ""
// when none exists.
func claudeConfigPath() string {
	home, err := os.UserHomeDir()
	if err == nil {
		path := filepath.Join(home, ".claude", "claude_desktop_config.json")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	if runtime.GOOS == "windows" {
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			path := filepath.Join(appdata, "Claude", "claude_desktop_config.json")
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// mcpFromDependencies scans dependency declarations under dir for MCP
// packages: go.mod requirements, Go imports, and package.json
// dependencies for mixed-language repositories.
func mcpFromDependencies(dir string) []Detection {
	seen := map[string]bool{}
	var names []string
	record := func(pkg string) {
		if isMCPPackage(pkg) && !seen[pkg] {
			seen[pkg] = true
			names = append(names, pkg)
		}
	}
	for _, mod := range goModRequires(dir) {
		record(mod)
	}
	for _, imp := range goImports(dir) {
		record(imp)
	}
	for _, dep := range nodeDependencies(dir) {
		record(dep)
	}
	sort.Strings(names)

	detections := make([]Detection, 0, len(names))
	for _, name := range names {
		detections = append(detections, Detection{
			Server:     name,
			Method:     "sdk_import",
			Confidence: 90,
			Details: map[string]any{
				"packageName":     name,
				"detectionSource": "import_scan",
			},
		})
	}
	return detections
}

func isMCPPackage(pkg string) bool {
	lower := strings.ToLower(pkg)
	for _, pattern := range mcpPackagePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// nodeDependencies returns the dependency names declared in dir's
// package.json, if it has one.
func nodeDependencies(dir string) []string {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil
	}
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil
	}
	deps := make([]string, 0, len(pkg.Dependencies)+len(pkg.DevDependencies))
	for name := range pkg.Dependencies {
		deps = append(deps, name)
	}
	for name := range pkg.DevDependencies {
		deps = append(deps, name)
	}
	return deps
}
