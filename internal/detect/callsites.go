package detect

import (
	"encoding/json"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// actionCapabilities maps the action types agents pass to the tracking
// wrappers onto the shared capability vocabulary. Actions without an
// entry become capabilities verbatim.
var actionCapabilities = map[string]string{
	"read_database":   "access_database",
	"write_database":  "access_database",
	"query_database":  "access_database",
	"send_email":      "send_email",
	"read_email":      "read_email",
	"read_file":       "read_files",
	"write_file":      "write_files",
	"delete_file":     "write_files",
	"execute_command": "execute_code",
	"run_code":        "execute_code",
	"make_request":    "make_api_calls",
	"call_api":        "make_api_calls",
	"web_search":      "web_scraping",
	"browse_web":      "web_automation",
}

// wrapperMethods are the client methods whose call sites declare an
// action. Each takes the action type as its second argument, after the
// context.
var wrapperMethods = map[string]bool{
	"TrackAction":     true,
	"RequireApproval": true,
	"PerformAction":   true,
	"VerifyAction":    true,
}

// capabilitiesFromCallSites scans Go sources under dir for calls to the
// tracking wrappers and maps their literal action arguments to
// capabilities. Actions built at runtime are invisible to this pass,
// which is fine: the import scan usually catches the underlying
// capability anyway.
func capabilitiesFromCallSites(dir string) []string {
	seen := map[string]bool{}
	fset := token.NewFileSet()

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path == dir {
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") ||
				name == "vendor" || name == "testdata" || name == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		f, err := parser.ParseFile(fset, path, nil, 0)
		if err != nil {
			return nil
		}
		for _, action := range wrapperActions(f) {
			if c, ok := actionCapabilities[action]; ok {
				seen[c] = true
			} else {
				seen[action] = true
			}
		}
		return nil
	})

	caps := make([]string, 0, len(seen))
	for c := range seen {
		caps = append(caps, c)
	}
	return caps
}

// wrapperActions returns the literal action arguments of wrapper calls
// in one parsed file.
func wrapperActions(f *ast.File) []string {
	var actions []string
	ast.Inspect(f, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok || !wrapperMethods[sel.Sel.Name] {
			return true
		}
		if len(call.Args) < 2 {
			return true
		}
		lit, ok := call.Args[1].(*ast.BasicLit)
		if !ok || lit.Kind != token.STRING {
			return true
		}
		action, err := strconv.Unquote(lit.Value)
		if err != nil || action == "" {
			return true
		}
		actions = append(actions, action)
		return true
	})
	return actions
}

// SaveCapabilitiesConfig writes an explicit capability list to
// ~/.aim/capabilities.json, where capabilitiesFromConfig will pick it
// up on the next detection run. Use it to declare capabilities the
// scanners cannot see.
func SaveCapabilitiesConfig(capabilities []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	dir := filepath.Join(home, ".aim")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	cfg := struct {
		Capabilities []string `json:"capabilities"`
		LastUpdated  string   `json:"last_updated"`
		Version      string   `json:"version"`
	}{
		Capabilities: capabilities,
		LastUpdated:  time.Now().UTC().Format(time.RFC3339),
		Version:      "1.0.0",
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(dir, "capabilities.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}
