// Package credstore persists AIM agent identities on the local machine.
//
// Credentials live in a Fernet-sealed file (default
// ~/.aim/credentials.encrypted) whose sealing key sits in the OS keyring
// under the aim-sdk service. Plaintext credential files from older SDK
// builds are migrated to the sealed form on first read. The file holds
// either a map of agent name to credentials, or the flat single-agent
// shape shipped inside SDK download bundles; both are handled here.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when no stored credentials match the request.
var ErrNotFound = errors.New("credentials not found")

// Credentials is one agent's stored identity.
type Credentials struct {
	AgentID      string  `json:"agent_id"`
	PublicKey    string  `json:"public_key"`
	PrivateKey   string  `json:"private_key"`
	AIMURL       string  `json:"aim_url,omitempty"`
	RefreshToken string  `json:"refresh_token,omitempty"`
	AccessToken  string  `json:"access_token,omitempty"`
	SDKTokenID   string  `json:"sdk_token_id,omitempty"`
	Status       string  `json:"status,omitempty"`
	TrustScore   float64 `json:"trust_score,omitempty"`
	RegisteredAt string  `json:"registered_at,omitempty"`

	// Extra keeps fields this SDK version does not model, so that a
	// round-trip through the store never drops server-added data.
	Extra map[string]any `json:"-"`
}

var knownCredentialFields = []string{
	"agent_id", "public_key", "private_key", "aim_url", "refresh_token",
	"access_token", "sdk_token_id", "status", "trust_score", "registered_at",
}

func (c *Credentials) UnmarshalJSON(data []byte) error {
	type plain Credentials
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownCredentialFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		p.Extra = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			p.Extra[k] = val
		}
	}
	*c = Credentials(p)
	return nil
}

func (c Credentials) MarshalJSON() ([]byte, error) {
	type plain Credentials
	base, err := json.Marshal(plain(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// SDKCredentials is the flat credential shape included with SDK downloads
// from the AIM dashboard. It bootstraps OAuth without an API key.
type SDKCredentials struct {
	AIMURL       string `json:"aim_url"`
	RefreshToken string `json:"refresh_token"`
	SDKTokenID   string `json:"sdk_token_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	Email        string `json:"email,omitempty"`
}

// Store reads and writes the sealed credential file.
type Store struct {
	path  string // plaintext (legacy) path; sealed path derives from it
	kr    Keyring
	log   *zap.Logger
	crypt *sealer
}

// Option configures a Store.
type Option func(*storeConfig)

type storeConfig struct {
	path string
	kr   Keyring
	log  *zap.Logger
}

// WithPath overrides the credential file location.
func WithPath(path string) Option {
	return func(c *storeConfig) { c.path = path }
}

// WithKeyring overrides the keyring backend.
func WithKeyring(kr Keyring) Option {
	return func(c *storeConfig) { c.kr = kr }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *storeConfig) { c.log = log }
}

// New opens a credential store. The sealing key is fetched or created
// immediately; an unreachable keyring fails here rather than at first use.
func New(opts ...Option) (*Store, error) {
	cfg := storeConfig{
		path: DefaultPath(),
		kr:   SystemKeyring{},
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	crypt, err := newSealer(cfg.kr, cfg.log)
	if err != nil {
		return nil, err
	}
	return &Store{path: cfg.path, kr: cfg.kr, log: cfg.log, crypt: crypt}, nil
}

// DefaultPath returns ~/.aim/credentials.json. The sealed sibling replaces
// the extension with .encrypted.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".aim", "credentials.json")
	}
	return filepath.Join(home, ".aim", "credentials.json")
}

// DiscoverPath finds SDK credentials the way download bundles lay them
// out: the home location wins, then a .aim directory beside the running
// executable (copied home when found), then the working directory.
func DiscoverPath(log *zap.Logger) string {
	if log == nil {
		log = zap.NewNop()
	}
	homePath := DefaultPath()
	if fileExists(homePath) || fileExists(sealedPathFor(homePath)) {
		return homePath
	}

	if exe, err := os.Executable(); err == nil {
		exePath := filepath.Join(filepath.Dir(exe), ".aim", "credentials.json")
		if fileExists(exePath) {
			if err := installHome(exePath, homePath); err != nil {
				log.Warn("could not install bundled credentials", zap.Error(err))
				return exePath
			}
			log.Info("installed bundled SDK credentials", zap.String("path", homePath))
			return homePath
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		cwdPath := filepath.Join(cwd, ".aim", "credentials.json")
		if fileExists(cwdPath) {
			return cwdPath
		}
	}
	return homePath
}

func installHome(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Path returns the plaintext (legacy) file location.
func (s *Store) Path() string { return s.path }

// SealedPath returns the encrypted file location.
func (s *Store) SealedPath() string { return sealedPathFor(s.path) }

func sealedPathFor(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".encrypted"
}

// Exists reports whether any credential file, sealed or plaintext, is
// present.
func (s *Store) Exists() bool {
	return fileExists(s.SealedPath()) || fileExists(s.path)
}

// SaveAgent writes one agent's credentials into the stored map.
func (s *Store) SaveAgent(name string, creds *Credentials) error {
	all, err := s.loadMap()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if all == nil {
		all = make(map[string]json.RawMessage)
	}

	if creds.RegisteredAt == "" {
		creds.RegisteredAt = time.Now().UTC().Format(time.RFC3339)
	}
	entry, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	all[name] = entry
	return s.saveMap(all)
}

// LoadAgent reads one agent's credentials. ErrNotFound when the agent has
// never been registered on this machine.
func (s *Store) LoadAgent(name string) (*Credentials, error) {
	all, err := s.loadMap()
	if err != nil {
		return nil, err
	}
	raw, ok := all[name]
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials for %q: %w", name, err)
	}
	return &creds, nil
}

// DeleteAgent removes one agent from the stored map. Removing the last
// agent deletes the file.
func (s *Store) DeleteAgent(name string) error {
	all, err := s.loadMap()
	if err != nil {
		return err
	}
	if _, ok := all[name]; !ok {
		return fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	delete(all, name)
	if len(all) == 0 {
		return s.DeleteAll()
	}
	return s.saveMap(all)
}

// LoadSDK reads the flat SDK-download credential shape.
func (s *Store) LoadSDK() (*SDKCredentials, error) {
	data, err := s.readFile()
	if err != nil {
		return nil, err
	}
	var creds SDKCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("decode SDK credentials: %w", err)
	}
	if creds.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token in credential file: %w", ErrNotFound)
	}
	return &creds, nil
}

// SaveSDK writes the flat SDK credential shape.
func (s *Store) SaveSDK(creds *SDKCredentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode SDK credentials: %w", err)
	}
	return s.writeSealed(data)
}

// SetRefreshToken replaces the rotated refresh token and its token id in
// place, preserving every other field in the file.
func (s *Store) SetRefreshToken(token, tokenID string) error {
	data, err := s.readFile()
	if err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode credential file: %w", err)
	}
	raw["refresh_token"] = token
	if tokenID != "" {
		raw["sdk_token_id"] = tokenID
	}
	updated, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential file: %w", err)
	}
	return s.writeSealed(updated)
}

// DeleteAll removes both the sealed and plaintext credential files. The
// sealing key stays in the keyring.
func (s *Store) DeleteAll() error {
	var errs []error
	for _, p := range []string{s.SealedPath(), s.path} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ── file plumbing ──

func (s *Store) loadMap() (map[string]json.RawMessage, error) {
	data, err := s.readFile()
	if err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("decode credential file: %w", err)
	}
	return all, nil
}

func (s *Store) saveMap(all map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential file: %w", err)
	}
	return s.writeSealed(data)
}

// readFile returns the decrypted credential bytes. A plaintext-only file
// is migrated to sealed form; the plaintext copy is removed only after the
// sealed write succeeds.
func (s *Store) readFile() ([]byte, error) {
	sealed := s.SealedPath()
	if fileExists(sealed) {
		token, err := os.ReadFile(sealed)
		if err != nil {
			return nil, fmt.Errorf("read sealed credentials: %w", err)
		}
		return s.crypt.Open(token)
	}

	if fileExists(s.path) {
		data, err := os.ReadFile(s.path)
		if err != nil {
			return nil, fmt.Errorf("read credentials: %w", err)
		}
		if err := s.writeSealed(data); err != nil {
			s.log.Warn("plaintext credential migration failed", zap.Error(err))
			return data, nil
		}
		s.log.Info("migrated plaintext credentials to sealed storage",
			zap.String("path", sealed))
		return data, nil
	}
	return nil, ErrNotFound
}

// writeSealed encrypts and writes the credential file via a same-directory
// temp file and rename, then removes any plaintext sibling.
func (s *Store) writeSealed(plaintext []byte) error {
	token, err := s.crypt.Seal(plaintext)
	if err != nil {
		return err
	}

	sealed := s.SealedPath()
	if err := os.MkdirAll(filepath.Dir(sealed), 0o700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(sealed), ".credentials-*")
	if err != nil {
		return fmt.Errorf("create temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(token); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close credential file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod credential file: %w", err)
	}
	if err := os.Rename(tmpName, sealed); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace credential file: %w", err)
	}

	if fileExists(s.path) {
		if err := os.Remove(s.path); err != nil {
			s.log.Warn("could not remove plaintext credentials", zap.Error(err))
		} else {
			s.log.Info("removed plaintext credential file", zap.String("path", s.path))
		}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
