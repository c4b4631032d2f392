// Package detect discovers what an agent can do and which MCP servers
// it talks to, without running it.
//
// Three sources feed the results:
//
//   - source scanning: Go imports, go.mod requirements, and tracking
//     wrapper call sites map to known capabilities and MCP server
//     packages
//   - configuration: explicit declarations in ~/.aim/capabilities.json
//     and MCP servers configured in the Claude desktop config
//   - runtime tracking: MCP calls recorded through TrackMCPCall
//
// Detection is best effort: every source swallows its own errors so a
// broken config file or unreadable directory never stops an agent from
// registering.
package detect

import "sort"

// Detection is one discovered MCP server and how it was found.
type Detection struct {
	Server     string
	Method     string
	Confidence float64
	Details    map[string]any
}

// Capabilities returns the capabilities detected for the module rooted
// at dir, combining source scanning, wrapper call sites, and the user's
// declared list. The result is sorted and de-duplicated.
func Capabilities(dir string) []string {
	seen := map[string]bool{}
	for _, c := range capabilitiesFromSource(dir) {
		seen[c] = true
	}
	for _, c := range capabilitiesFromCallSites(dir) {
		seen[c] = true
	}
	for _, c := range capabilitiesFromConfig() {
		seen[c] = true
	}

	caps := make([]string, 0, len(seen))
	for c := range seen {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// MCPServers returns the MCP servers detected for the module rooted at
// dir: Claude desktop configuration, dependency declarations, and any
// servers tracked at runtime. One detection per server name; a higher
// confidence source replaces a lower one.
func MCPServers(dir string) []Detection {
	byName := map[string]Detection{}
	add := func(ds []Detection) {
		for _, d := range ds {
			if prev, ok := byName[d.Server]; ok && prev.Confidence >= d.Confidence {
				continue
			}
			byName[d.Server] = d
		}
	}
	add(mcpFromClaudeConfig())
	add(mcpFromDependencies(dir))
	add(RuntimeDetections())

	out := make([]Detection, 0, len(byName))
	for _, d := range byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })
	return out
}
