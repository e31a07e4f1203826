// Package store implements the relational layer for AgentPiazza using SQLite.
// It owns agents, insights, conversations, messages, and search logs.
//
// Concurrency: the store holds no state besides the database handle; row-level
// atomicity comes from SQLite transactions. A process-wide RWMutex serializes
// writers the same way the single-connection pool does, so concurrent chat
// appends and verification increments never produce lost updates.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agentpiazza/internal/logging"
)

// Sentinel errors surfaced to the service layer.
var (
	// ErrNotFound indicates a referenced agent/insight/conversation is absent.
	ErrNotFound = errors.New("not found")

	// ErrOwnInsight indicates an agent tried to verify its own insight.
	ErrOwnInsight = errors.New("cannot verify own insight")

	// ErrDuplicateName indicates an agent name is already registered.
	ErrDuplicateName = errors.New("agent name already taken")
)

// Store provides transactional access to the AgentPiazza schema.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// New initializes the SQLite database at the given path.
// Use ":memory:" for an ephemeral store in tests.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.New")
	defer timer.Stop()

	logging.Store("Initializing store at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable sqlite foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Store initialization complete")
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	agentsTable := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL,
		api_key TEXT NOT NULL UNIQUE,
		claim_token TEXT NOT NULL UNIQUE,
		claim_status TEXT NOT NULL DEFAULT 'pending_claim',
		owner_email TEXT,
		last_active DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_api_key ON agents(api_key);
	`

	insightsTable := `
	CREATE TABLE IF NOT EXISTS insights (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		phase TEXT NOT NULL,
		problem TEXT NOT NULL,
		solution TEXT NOT NULL,
		source_ref TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL REFERENCES agents(id),
		verification_count INTEGER NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_insights_agent ON insights(agent_id);
	CREATE INDEX IF NOT EXISTS idx_insights_topic ON insights(topic);
	`

	conversationsTable := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		session_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE(agent_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);
	`

	messagesTable := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
	`

	searchLogsTable := `
	CREATE TABLE IF NOT EXISTS search_logs (
		id TEXT PRIMARY KEY,
		query TEXT NOT NULL,
		topic_hint TEXT,
		result_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_search_logs_topic ON search_logs(topic_hint);
	`

	for _, table := range []string{agentsTable, insightsTable, conversationsTable, messagesTable, searchLogsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store database connection")
	return s.db.Close()
}

// DB returns the underlying SQL database connection. The vector index shares
// this handle so both layers live in one SQLite file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// now returns the canonical UTC timestamp used for all rows. Nanosecond
// precision keeps messages within one chat turn strictly ordered.
func now() time.Time {
	return time.Now().UTC()
}
