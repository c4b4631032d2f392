package emulator

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AgentRecord is the emulator's registry entry for one agent.
type AgentRecord struct {
	ID                 string
	Name               string
	DisplayName        string
	Description        string
	AgentType          string
	Status             string
	PublicKey          string
	TrustScore         float64
	Capabilities       []string
	TalksTo            []string
	Version            string
	RepositoryURL      string
	DocumentationURL   string
	OrganizationDomain string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// VerificationRecord tracks one submitted action verification through its
// lifecycle: pending/approved/denied at submission, optionally flipped by a
// later decision, and finally annotated with the reported execution result.
type VerificationRecord struct {
	ID           string
	AgentID      string
	ActionType   string
	Resource     string
	Context      map[string]any
	Status       string
	ApprovedBy   string
	DenialReason string
	Ruling       *Ruling
	CreatedAt    time.Time
	ExpiresAt    time.Time

	Result        string
	ResultSummary string
	ErrorMessage  string
	ResultAt      time.Time
}

// MCPServerRecord is a registered or detected MCP server.
type MCPServerRecord struct {
	ID               string
	Name             string
	Description      string
	URL              string
	Version          string
	PublicKey        string
	Capabilities     []string
	Status           string
	TrustScore       float64
	AttestationCount int
	CreatedAt        time.Time
}

// ConnectionRecord is an agent's usage record for one MCP server tool.
type ConnectionRecord struct {
	ID             string
	AgentID        string
	MCPServerID    string
	ToolName       string
	MCPURL         string
	MCPName        string
	ConnectionType string
	CallCount      int
	FirstCall      time.Time
	LastCall       time.Time
}

// CapabilityRecord is a capability granted to an agent.
type CapabilityRecord struct {
	AgentID   string
	Type      string
	Scope     map[string]any
	GrantedAt time.Time
}

// CapabilityRequestRecord is a pending ask for an additional capability.
type CapabilityRequestRecord struct {
	ID          string
	AgentID     string
	Type        string
	Reason      string
	Status      string
	RequestedAt time.Time
}

// DetectionRecord is one reported MCP detection event.
type DetectionRecord struct {
	AgentID    string
	MCPServer  string
	Method     string
	Confidence float64
	Details    map[string]any
	SDKVersion string
	ReportedAt time.Time
}

// errDuplicateCapability mirrors the production backend, which surfaces
// repeated grants as a database constraint violation.
var errDuplicateCapability = fmt.Errorf("duplicate key value violates unique constraint")

// Store is the emulator's in-memory state. All access goes through its
// methods; getters return copies so handlers never observe concurrent
// mutation.
type Store struct {
	mu            sync.RWMutex
	agents        map[string]*AgentRecord
	agentOrder    []string
	verifications map[string]*VerificationRecord
	mcpServers    map[string]*MCPServerRecord
	mcpOrder      []string
	mcpByName     map[string]string
	connections   map[string]*ConnectionRecord
	capabilities  map[string]map[string]*CapabilityRecord
	capRequests   map[string]*CapabilityRequestRecord
	detections    []*DetectionRecord
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		agents:        make(map[string]*AgentRecord),
		verifications: make(map[string]*VerificationRecord),
		mcpServers:    make(map[string]*MCPServerRecord),
		mcpByName:     make(map[string]string),
		connections:   make(map[string]*ConnectionRecord),
		capabilities:  make(map[string]map[string]*CapabilityRecord),
		capRequests:   make(map[string]*CapabilityRequestRecord),
	}
}

// ── agents ──

// CreateAgent assigns an id and stores the record.
func (s *Store) CreateAgent(rec *AgentRecord) *AgentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.agents[rec.ID] = rec
	s.agentOrder = append(s.agentOrder, rec.ID)
	cp := *rec
	return &cp
}

// GetAgent returns a copy of the agent, or false.
func (s *Store) GetAgent(id string) (*AgentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.agents[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// GetAgentByName returns the first agent with the given name.
func (s *Store) GetAgentByName(name string) (*AgentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.agentOrder {
		if rec := s.agents[id]; rec.Name == name {
			cp := *rec
			return &cp, true
		}
	}
	return nil, false
}

// ListAgents returns one page of agents in registration order, with the
// total count after filtering.
func (s *Store) ListAgents(limit, offset int, status, agentType string) ([]*AgentRecord, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*AgentRecord
	for _, id := range s.agentOrder {
		rec := s.agents[id]
		if status != "" && rec.Status != status {
			continue
		}
		if agentType != "" && rec.AgentType != agentType {
			continue
		}
		filtered = append(filtered, rec)
	}

	total := len(filtered)
	if offset >= total {
		return nil, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]*AgentRecord, 0, end-offset)
	for _, rec := range filtered[offset:end] {
		cp := *rec
		page = append(page, &cp)
	}
	return page, total
}

// UpdateAgent applies fn to the stored record under the lock and returns
// the updated copy.
func (s *Store) UpdateAgent(id string, fn func(*AgentRecord)) (*AgentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[id]
	if !ok {
		return nil, false
	}
	fn(rec)
	rec.UpdatedAt = time.Now().UTC()
	cp := *rec
	return &cp, true
}

// AttachTalksTo appends server names to the agent's talks_to list,
// skipping duplicates.
func (s *Store) AttachTalksTo(id string, names []string) bool {
	_, ok := s.UpdateAgent(id, func(rec *AgentRecord) {
		for _, name := range names {
			found := false
			for _, existing := range rec.TalksTo {
				if existing == name {
					found = true
					break
				}
			}
			if !found {
				rec.TalksTo = append(rec.TalksTo, name)
			}
		}
	})
	return ok
}

// ── verifications ──

// PutVerification stores a verification record, assigning an id and
// creation time when absent.
func (s *Store) PutVerification(rec *VerificationRecord) *VerificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.verifications[rec.ID] = rec
	cp := *rec
	return &cp
}

// GetVerification returns a copy of the verification, or false.
func (s *Store) GetVerification(id string) (*VerificationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.verifications[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// UpdateVerification applies fn to the stored record under the lock.
func (s *Store) UpdateVerification(id string, fn func(*VerificationRecord)) (*VerificationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.verifications[id]
	if !ok {
		return nil, false
	}
	fn(rec)
	cp := *rec
	return &cp, true
}

// ── MCP servers ──

// CreateMCPServer assigns an id and stores the record, indexing it by
// name for detection matching.
func (s *Store) CreateMCPServer(rec *MCPServerRecord) *MCPServerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()
	s.mcpServers[rec.ID] = rec
	s.mcpOrder = append(s.mcpOrder, rec.ID)
	if rec.Name != "" {
		s.mcpByName[strings.ToLower(rec.Name)] = rec.ID
	}
	cp := *rec
	return &cp
}

// GetMCPServer returns a copy of the server, or false.
func (s *Store) GetMCPServer(id string) (*MCPServerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.mcpServers[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// GetMCPServerByName looks a server up by case-insensitive name.
func (s *Store) GetMCPServerByName(name string) (*MCPServerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.mcpByName[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	cp := *s.mcpServers[id]
	return &cp, true
}

// ListMCPServers returns one page of servers in registration order.
func (s *Store) ListMCPServers(limit, offset int) []*MCPServerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if offset >= len(s.mcpOrder) {
		return nil
	}
	end := offset + limit
	if end > len(s.mcpOrder) {
		end = len(s.mcpOrder)
	}
	page := make([]*MCPServerRecord, 0, end-offset)
	for _, id := range s.mcpOrder[offset:end] {
		cp := *s.mcpServers[id]
		page = append(page, &cp)
	}
	return page
}

// DeleteMCPServer removes a server and its name index entry.
func (s *Store) DeleteMCPServer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.mcpServers[id]
	if !ok {
		return false
	}
	delete(s.mcpServers, id)
	delete(s.mcpByName, strings.ToLower(rec.Name))
	for i, existing := range s.mcpOrder {
		if existing == id {
			s.mcpOrder = append(s.mcpOrder[:i], s.mcpOrder[i+1:]...)
			break
		}
	}
	return true
}

// UpdateMCPServer applies fn to the stored record under the lock.
func (s *Store) UpdateMCPServer(id string, fn func(*MCPServerRecord)) (*MCPServerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.mcpServers[id]
	if !ok {
		return nil, false
	}
	fn(rec)
	cp := *rec
	return &cp, true
}

// ── connections ──

// UpsertConnection records an MCP tool call, creating the connection on
// first use and bumping the call counter afterward.
func (s *Store) UpsertConnection(agentID, serverID, tool, mcpURL, mcpName, connType string) *ConnectionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := agentID + "|" + serverID + "|" + tool
	now := time.Now().UTC()
	rec, ok := s.connections[key]
	if !ok {
		rec = &ConnectionRecord{
			ID:             uuid.NewString(),
			AgentID:        agentID,
			MCPServerID:    serverID,
			ToolName:       tool,
			MCPURL:         mcpURL,
			MCPName:        mcpName,
			ConnectionType: connType,
			FirstCall:      now,
		}
		s.connections[key] = rec
	}
	rec.CallCount++
	rec.LastCall = now
	if mcpURL != "" {
		rec.MCPURL = mcpURL
	}
	if mcpName != "" {
		rec.MCPName = mcpName
	}
	cp := *rec
	return &cp
}

// ── capabilities ──

// GrantCapability stores a capability grant. Granting the same type twice
// returns errDuplicateCapability.
func (s *Store) GrantCapability(agentID, capType string, scope map[string]any) (*CapabilityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grants, ok := s.capabilities[agentID]
	if !ok {
		grants = make(map[string]*CapabilityRecord)
		s.capabilities[agentID] = grants
	}
	if _, exists := grants[capType]; exists {
		return nil, errDuplicateCapability
	}
	rec := &CapabilityRecord{
		AgentID:   agentID,
		Type:      capType,
		Scope:     scope,
		GrantedAt: time.Now().UTC(),
	}
	grants[capType] = rec

	if agent, ok := s.agents[agentID]; ok {
		agent.Capabilities = append(agent.Capabilities, capType)
		sort.Strings(agent.Capabilities)
	}
	cp := *rec
	return &cp, nil
}

// AgentCapabilities returns the sorted capability types granted to an
// agent.
func (s *Store) AgentCapabilities(agentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	grants := s.capabilities[agentID]
	types := make([]string, 0, len(grants))
	for t := range grants {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// AddCapabilityRequest stores a pending capability request.
func (s *Store) AddCapabilityRequest(agentID, capType, reason string) *CapabilityRequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &CapabilityRequestRecord{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Type:        capType,
		Reason:      reason,
		Status:      "pending",
		RequestedAt: time.Now().UTC(),
	}
	s.capRequests[rec.ID] = rec
	cp := *rec
	return &cp
}

// ── detections ──

// AppendDetection stores one reported detection event.
func (s *Store) AppendDetection(rec *DetectionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ReportedAt = time.Now().UTC()
	s.detections = append(s.detections, rec)
}

// Counts returns the store's record counts for the health endpoint.
func (s *Store) Counts() (agents, verifications, mcpServers, detections int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents), len(s.verifications), len(s.mcpServers), len(s.detections)
}
