package detect

import (
	"encoding/json"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/mod/modfile"
)

// importCapabilities maps import paths to the capability vocabulary the
// control plane shares across SDKs. Exact paths win; third-party entries
// also match any subpackage.
var importCapabilities = map[string]string{
	// file system
	"os":            "read_files",
	"io/ioutil":     "read_files",
	"path/filepath": "read_files",
	"encoding/csv":  "read_files",

	// email
	"net/smtp":                    "send_email",
	"net/mail":                    "send_email",
	"gopkg.in/gomail.v2":          "send_email",
	"github.com/emersion/go-imap": "read_email",

	// database
	"database/sql":                      "access_database",
	"github.com/lib/pq":                 "access_database",
	"github.com/jackc/pgx":              "access_database",
	"github.com/jackc/pgx/v5":           "access_database",
	"github.com/go-sql-driver/mysql":    "access_database",
	"github.com/mattn/go-sqlite3":       "access_database",
	"modernc.org/sqlite":                "access_database",
	"go.mongodb.org/mongo-driver":       "access_database",
	"github.com/redis/go-redis/v9":      "access_database",
	"gorm.io/gorm":                      "access_database",
	"github.com/jmoiron/sqlx":           "access_database",
	"entgo.io/ent":                      "access_database",
	"github.com/golang-migrate/migrate": "access_database",

	// HTTP and APIs
	"net/http":                     "make_api_calls",
	"github.com/go-resty/resty/v2": "make_api_calls",
	"google.golang.org/grpc":       "make_api_calls",

	// code execution
	"os/exec": "execute_code",
	"plugin":  "execute_code",

	// cloud services
	"github.com/aws/aws-sdk-go":         "access_cloud_services",
	"github.com/aws/aws-sdk-go-v2":      "access_cloud_services",
	"cloud.google.com/go":               "access_cloud_services",
	"github.com/Azure/azure-sdk-for-go": "access_cloud_services",

	// web scraping and automation
	"github.com/PuerkitoBio/goquery":                "web_scraping",
	"github.com/gocolly/colly":                      "web_scraping",
	"github.com/gocolly/colly/v2":                   "web_scraping",
	"github.com/chromedp/chromedp":                  "web_automation",
	"github.com/playwright-community/playwright-go": "web_automation",

	// data processing
	"gonum.org/v1/gonum":      "data_processing",
	"github.com/apache/arrow": "data_processing",

	// AI models and frameworks
	"github.com/sashabaranov/go-openai":      "ai_model_access",
	"github.com/anthropics/anthropic-sdk-go": "ai_model_access",
	"github.com/tmc/langchaingo":             "ai_agent_framework",
}

// capabilitiesFromSource scans Go source imports and go.mod requirements
// under dir.
func capabilitiesFromSource(dir string) []string {
	seen := map[string]bool{}
	for _, imp := range goImports(dir) {
		if c := capabilityFor(imp); c != "" {
			seen[c] = true
		}
	}
	for _, mod := range goModRequires(dir) {
		if c := capabilityFor(mod); c != "" {
			seen[c] = true
		}
	}
	caps := make([]string, 0, len(seen))
	for c := range seen {
		caps = append(caps, c)
	}
	return caps
}

// capabilitiesFromConfig reads the user's explicit capability list from
// ~/.aim/capabilities.json. The file lives in the home directory only,
// never the project tree, so it cannot end up in version control.
func capabilitiesFromConfig() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(home, ".aim", "capabilities.json"))
	if err != nil {
		return nil
	}
	var cfg struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil
	}
	return cfg.Capabilities
}

func capabilityFor(importPath string) string {
	if c, ok := importCapabilities[importPath]; ok {
		return c
	}
	// Subpackage of a known module, e.g. aws-sdk-go-v2/service/s3.
	for prefix, c := range importCapabilities {
		if strings.Contains(prefix, ".") && strings.HasPrefix(importPath, prefix+"/") {
			return c
		}
	}
	return ""
}

// goImports collects the unique import paths of all non-test Go files
// under dir, skipping vendor trees and hidden directories.
func goImports(dir string) []string {
	var imports []string
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

		f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return nil
		}
		for _, imp := range f.Imports {
			p, err := strconv.Unquote(imp.Path.Value)
			if err != nil {
				continue
			}
			if !seen[p] {
				seen[p] = true
				imports = append(imports, p)
			}
		}
		return nil
	})
	return imports
}

// goModRequires returns the module paths required by dir's go.mod.
func goModRequires(dir string) []string {
	data, err := os.ReadFile(filepath.Join(dir, "go.mod"))
	if err != nil {
		return nil
	}
	f, err := modfile.Parse("go.mod", data, nil)
	if err != nil {
		return nil
	}
	mods := make([]string, 0, len(f.Require))
	for _, r := range f.Require {
		mods = append(mods, r.Mod.Path)
	}
	return mods
}
