package credstore

import (
	"errors"
	"fmt"
	"sync"

	zkeyring "github.com/zalando/go-keyring"
)

// Keyring service and account under which the sealing key is stored. These
// are shared across AIM SDKs so that one machine keeps one key.
const (
	ServiceName = "aim-sdk"
	KeyName     = "encryption-key"
)

// ErrKeyNotFound is returned when the requested keyring entry is absent.
var ErrKeyNotFound = errors.New("keyring entry not found")

// Keyring abstracts the OS credential manager holding the sealing key.
type Keyring interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
	Delete(service, account string) error
}

// SystemKeyring talks to the platform credential manager (macOS Keychain,
// Windows Credential Manager, the Secret Service on Linux).
type SystemKeyring struct{}

func (SystemKeyring) Get(service, account string) (string, error) {
	v, err := zkeyring.Get(service, account)
	if errors.Is(err, zkeyring.ErrNotFound) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keyring get: %w", err)
	}
	return v, nil
}

func (SystemKeyring) Set(service, account, value string) error {
	if err := zkeyring.Set(service, account, value); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

func (SystemKeyring) Delete(service, account string) error {
	err := zkeyring.Delete(service, account)
	if errors.Is(err, zkeyring.ErrNotFound) {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("keyring delete: %w", err)
	}
	return nil
}

// Available probes the credential manager with a throwaway entry. Headless
// hosts without a secret service fail the probe.
func (k SystemKeyring) Available() bool {
	const probe = "availability-probe"
	if err := k.Set(ServiceName, probe, "ok"); err != nil {
		return false
	}
	_ = k.Delete(ServiceName, probe)
	return true
}

// MemoryKeyring is an in-process Keyring for tests.
type MemoryKeyring struct {
	mu      sync.Mutex
	entries map[string]string
}

func NewMemoryKeyring() *MemoryKeyring {
	return &MemoryKeyring{entries: make(map[string]string)}
}

func (m *MemoryKeyring) Get(service, account string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[service+"/"+account]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (m *MemoryKeyring) Set(service, account, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[service+"/"+account] = value
	return nil
}

func (m *MemoryKeyring) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := service + "/" + account
	if _, ok := m.entries[key]; !ok {
		return ErrKeyNotFound
	}
	delete(m.entries, key)
	return nil
}
