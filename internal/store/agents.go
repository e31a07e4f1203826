package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"

	"agentpiazza/internal/logging"

	"github.com/google/uuid"
)

// =============================================================================
// AGENT REGISTRY
// =============================================================================

func generateAPIKey() string {
	return "ap_" + randomToken(32)
}

func generateClaimToken() string {
	return "claim_" + randomToken(24)
}

// randomToken returns a URL-safe random token of n source bytes.
func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a UUID
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// CreateAgent registers a new agent with a fresh API key and claim token.
func (s *Store) CreateAgent(name, description string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing string
	err := s.db.QueryRow("SELECT id FROM agents WHERE name = ?", name).Scan(&existing)
	if err == nil {
		return nil, ErrDuplicateName
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to check agent name: %w", err)
	}

	agent := &Agent{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		APIKey:      generateAPIKey(),
		ClaimToken:  generateClaimToken(),
		ClaimStatus: ClaimPending,
		LastActive:  now(),
		CreatedAt:   now(),
	}

	_, err = s.db.Exec(
		`INSERT INTO agents (id, name, description, api_key, claim_token, claim_status, owner_email, last_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		agent.ID, agent.Name, agent.Description, agent.APIKey, agent.ClaimToken,
		agent.ClaimStatus, agent.LastActive, agent.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert agent: %w", err)
	}

	logging.Store("Registered agent: id=%s name=%s", agent.ID, agent.Name)
	return agent, nil
}

// GetAgent fetches an agent by id. Returns ErrNotFound if absent.
func (s *Store) GetAgent(id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanAgent(s.db.QueryRow(agentSelect+" WHERE id = ?", id))
}

// GetAgentByAPIKey resolves an agent by its bearer API key and touches
// last_active. Returns ErrNotFound for unknown keys.
func (s *Store) GetAgentByAPIKey(apiKey string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.scanAgent(s.db.QueryRow(agentSelect+" WHERE api_key = ?", apiKey))
	if err != nil {
		return nil, err
	}

	agent.LastActive = now()
	if _, err := s.db.Exec("UPDATE agents SET last_active = ? WHERE id = ?", agent.LastActive, agent.ID); err != nil {
		logging.Get(logging.CategoryStore).Warn("Failed to touch last_active for %s: %v", agent.ID, err)
	}
	return agent, nil
}

// ClaimAgent marks the agent matching the claim token as claimed.
func (s *Store) ClaimAgent(token, ownerEmail string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.scanAgent(s.db.QueryRow(agentSelect+" WHERE claim_token = ?", token))
	if err != nil {
		return nil, err
	}

	agent.ClaimStatus = ClaimClaimed
	if ownerEmail != "" {
		agent.OwnerEmail = ownerEmail
	}
	_, err = s.db.Exec(
		"UPDATE agents SET claim_status = ?, owner_email = NULLIF(?, '') WHERE id = ?",
		agent.ClaimStatus, agent.OwnerEmail, agent.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim agent: %w", err)
	}

	logging.Store("Agent claimed: id=%s", agent.ID)
	return agent, nil
}

// AgentDirectoryEntry is an agent plus its published insight count.
type AgentDirectoryEntry struct {
	Agent        *Agent `json:"agent"`
	InsightCount int    `json:"insight_count"`
}

// ListAgents returns all agents with their insight counts, newest first.
func (s *Store) ListAgents() ([]AgentDirectoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT a.id, a.name, a.description, a.api_key, a.claim_token, a.claim_status,
		        COALESCE(a.owner_email, ''), a.last_active, a.created_at,
		        (SELECT COUNT(*) FROM insights i WHERE i.agent_id = a.id)
		 FROM agents a
		 ORDER BY a.created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var entries []AgentDirectoryEntry
	for rows.Next() {
		var a Agent
		var count int
		if err := rows.Scan(
			&a.ID, &a.Name, &a.Description, &a.APIKey, &a.ClaimToken, &a.ClaimStatus,
			&a.OwnerEmail, &a.LastActive, &a.CreatedAt, &count,
		); err != nil {
			continue
		}
		entries = append(entries, AgentDirectoryEntry{Agent: &a, InsightCount: count})
	}
	return entries, rows.Err()
}

const agentSelect = `SELECT id, name, description, api_key, claim_token, claim_status,
	COALESCE(owner_email, ''), last_active, created_at FROM agents`

func (s *Store) scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(
		&a.ID, &a.Name, &a.Description, &a.APIKey, &a.ClaimToken, &a.ClaimStatus,
		&a.OwnerEmail, &a.LastActive, &a.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	return &a, nil
}
