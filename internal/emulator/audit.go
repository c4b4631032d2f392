package emulator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// genesisHash anchors the audit chain; all subsequent entry hashes chain
// from this constant rather than from a computed value.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditEntry is a single hash-chained audit record.
type AuditEntry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id"`
	Event     string    `json:"event"`
	Actor     string    `json:"actor"`
	DataHash  string    `json:"data_hash"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// hashAuditEntry computes a deterministic SHA-256 hash over an entry's
// fields. Never called on the genesis entry (index 0).
func hashAuditEntry(e *AuditEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.Format(time.RFC3339Nano),
		e.AgentID, e.Event, e.Actor, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// AuditLog is an in-memory, thread-safe hash chain of lifecycle events.
// Any tampering with a recorded entry is detectable via Verify.
type AuditLog struct {
	mu      sync.RWMutex
	entries []*AuditEntry
}

// NewAuditLog creates an AuditLog initialised with the genesis entry.
func NewAuditLog() *AuditLog {
	l := &AuditLog{}
	genesis := &AuditEntry{
		Index:     0,
		Timestamp: time.Now().UTC(),
		Event:     "genesis",
		Actor:     "aim-emulator",
		DataHash:  genesisHash,
		PrevHash:  genesisHash,
		Hash:      genesisHash,
	}
	l.entries = append(l.entries, genesis)
	return l
}

// Append records an event, hashing the payload into the chain.
func (l *AuditLog) Append(agentID, event, actor string, payload any) (*AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	sum := sha256.Sum256(payloadJSON)
	prev := l.entries[len(l.entries)-1]

	entry := &AuditEntry{
		Index:     len(l.entries),
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		Event:     event,
		Actor:     actor,
		DataHash:  hex.EncodeToString(sum[:]),
		PrevHash:  prev.Hash,
	}
	entry.Hash = hashAuditEntry(entry)
	l.entries = append(l.entries, entry)
	return entry, nil
}

// Entries returns a copy of the chain.
func (l *AuditLog) Entries() []*AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*AuditEntry, len(l.entries))
	for i, e := range l.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}

// Len returns the chain length including the genesis entry.
func (l *AuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify walks the chain and checks that all hashes are consistent. The
// genesis entry is validated against the well-known constant.
func (l *AuditLog) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, curr := range l.entries {
		if i == 0 {
			if curr.Hash != genesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			continue
		}
		prev := l.entries[i-1]
		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashAuditEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
	}
	return nil
}

// Root returns the hash of the newest entry.
func (l *AuditLog) Root() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash
}
