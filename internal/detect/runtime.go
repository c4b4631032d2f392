package detect

import (
	"sort"
	"sync"
	"time"
)

// timestampLayout matches the ISO-8601 microsecond form used in
// detection events.
const timestampLayout = "2006-01-02T15:04:05.000000-07:00"

type callStats struct {
	firstCall time.Time
	lastCall  time.Time
	count     int
	tools     map[string]bool
}

var (
	trackerMu sync.Mutex
	tracker   = map[string]*callStats{}
)

// TrackMCPCall records a runtime MCP tool invocation. Call it before
// invoking an MCP tool; RuntimeDetections aggregates the calls into
// detections for reporting.
func TrackMCPCall(server, tool string) {
	if server == "" {
		return
	}
	now := time.Now().UTC()

	trackerMu.Lock()
	defer trackerMu.Unlock()
	stats, ok := tracker[server]
	if !ok {
		stats = &callStats{firstCall: now, tools: map[string]bool{}}
		tracker[server] = stats
	}
	stats.count++
	stats.lastCall = now
	if tool != "" {
		stats.tools[tool] = true
	}
}

// RuntimeDetections returns the MCP servers observed through
// TrackMCPCall since the process started.
func RuntimeDetections() []Detection {
	trackerMu.Lock()
	defer trackerMu.Unlock()

	servers := make([]string, 0, len(tracker))
	for server := range tracker {
		servers = append(servers, server)
	}
	sort.Strings(servers)

	detections := make([]Detection, 0, len(servers))
	for _, server := range servers {
		stats := tracker[server]
		tools := make([]string, 0, len(stats.tools))
		for tool := range stats.tools {
			tools = append(tools, tool)
		}
		sort.Strings(tools)

		detections = append(detections, Detection{
			Server:     server,
			Method:     "sdk_runtime",
			Confidence: 100,
			Details: map[string]any{
				"call_count": stats.count,
				"first_call": stats.firstCall.Format(timestampLayout),
				"last_call":  stats.lastCall.Format(timestampLayout),
				"tools_used": tools,
			},
		})
	}
	return detections
}

// ResetRuntimeTracking clears the call tracker.
func ResetRuntimeTracking() {
	trackerMu.Lock()
	defer trackerMu.Unlock()
	tracker = map[string]*callStats{}
}
