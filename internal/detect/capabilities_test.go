package detect

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCapabilities_fromImports(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.go"), `package main

import (
	"database/sql"
	"net/http"
	"os/exec"
)

var _ = sql.Drivers
var _ = http.Get
var _ = exec.Command
`)

	caps := Capabilities(dir)
	want := map[string]bool{
		"access_database": true,
		"execute_code":    true,
		"make_api_calls":  true,
	}
	for _, c := range caps {
		delete(want, c)
	}
	if len(want) > 0 {
		t.Errorf("Capabilities(%q) = %v, missing %v", dir, caps, want)
	}
}

func TestCapabilities_fromGoMod(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"), `module example.com/agent

go 1.25.0

require (
	github.com/aws/aws-sdk-go-v2 v1.30.0
	github.com/sashabaranov/go-openai v1.26.0
)
`)

	caps := Capabilities(dir)
	found := map[string]bool{}
	for _, c := range caps {
		found[c] = true
	}
	if !found["access_cloud_services"] {
		t.Errorf("expected access_cloud_services in %v", caps)
	}
	if !found["ai_model_access"] {
		t.Errorf("expected ai_model_access in %v", caps)
	}
}

func TestCapabilities_configOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeFile(t, filepath.Join(home, ".aim", "capabilities.json"),
		`{"capabilities": ["send_email", "custom_capability"]}`)

	caps := Capabilities(t.TempDir())
	found := map[string]bool{}
	for _, c := range caps {
		found[c] = true
	}
	if !found["send_email"] || !found["custom_capability"] {
		t.Errorf("expected configured capabilities, got %v", caps)
	}
}

func TestCapabilities_sortedAndDeduplicated(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.go"), `package main

import "net/http"

var _ = http.Get
`)
	writeFile(t, filepath.Join(dir, "b.go"), `package main

import "net/http"

var _ = http.Post
`)

	caps := Capabilities(dir)
	if len(caps) != 1 || caps[0] != "make_api_calls" {
		t.Errorf("Capabilities = %v, want [make_api_calls]", caps)
	}
}

func TestCapabilities_skipsTestFilesAndVendor(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main_test.go"), `package main

import "os/exec"

var _ = exec.Command
`)
	writeFile(t, filepath.Join(dir, "vendor", "dep", "dep.go"), `package dep

import "net/smtp"

var _ = smtp.Dial
`)

	if caps := Capabilities(dir); len(caps) != 0 {
		t.Errorf("Capabilities = %v, want none", caps)
	}
}

func TestCapabilityFor_subpackageMatch(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"github.com/aws/aws-sdk-go-v2/service/s3", "access_cloud_services"},
		{"cloud.google.com/go/storage", "access_cloud_services"},
		{"os/exec", "execute_code"},
		{"os", "read_files"},
		{"fmt", ""},
	}
	for _, tc := range tests {
		tc := tc
		if got := capabilityFor(tc.path); got != tc.want {
			t.Errorf("capabilityFor(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestCapabilities_missingDirectory(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	if caps := Capabilities(filepath.Join(t.TempDir(), "nope")); len(caps) != 0 {
		t.Errorf("Capabilities on missing dir = %v, want none", caps)
	}
}
