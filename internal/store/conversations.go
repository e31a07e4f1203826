package store

import (
	"database/sql"
	"fmt"

	"agentpiazza/internal/logging"

	"github.com/google/uuid"
)

// =============================================================================
// CONVERSATIONS & MESSAGES
// =============================================================================

// GetOrCreateConversation loads the conversation for (agentID, sessionID) or
// creates it lazily. An empty sessionID gets a server-generated token.
// The lookup-then-insert runs under the write lock so two first messages for
// the same session cannot race into duplicate rows.
func (s *Store) GetOrCreateConversation(agentID, sessionID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID != "" {
		conv, err := s.scanConversation(s.db.QueryRow(
			conversationSelect+" WHERE agent_id = ? AND session_id = ?", agentID, sessionID,
		))
		if err == nil {
			return conv, nil
		}
		if err != ErrNotFound {
			return nil, err
		}
	}

	conv := &Conversation{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		SessionID: sessionID,
		CreatedAt: now(),
	}
	if conv.SessionID == "" {
		conv.SessionID = randomToken(16)
	}

	_, err := s.db.Exec(
		"INSERT INTO conversations (id, agent_id, session_id, created_at) VALUES (?, ?, ?, ?)",
		conv.ID, conv.AgentID, conv.SessionID, conv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	logging.StoreDebug("Created conversation: id=%s agent=%s session=%s", conv.ID, conv.AgentID, conv.SessionID)
	return conv, nil
}

// GetConversation loads an existing conversation, ErrNotFound if absent.
func (s *Store) GetConversation(agentID, sessionID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanConversation(s.db.QueryRow(
		conversationSelect+" WHERE agent_id = ? AND session_id = ?", agentID, sessionID,
	))
}

// AppendMessage appends one message to a conversation's log.
func (s *Store) AppendMessage(conversationID, role, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now(),
	}
	_, err := s.db.Exec(
		"INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)",
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

// ListMessages returns all messages of a conversation in creation order.
// The implicit rowid breaks ties between messages written in one turn.
func (s *Store) ListMessages(conversationID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, conversation_id, role, content, created_at
		 FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at, rowid`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			continue
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// DeleteConversation removes a conversation and all its messages in one
// transaction. Returns ErrNotFound when the (agent, session) pair is unknown.
func (s *Store) DeleteConversation(agentID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var convID string
	err = tx.QueryRow(
		"SELECT id FROM conversations WHERE agent_id = ? AND session_id = ?", agentID, sessionID,
	).Scan(&convID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up conversation: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", convID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM conversations WHERE id = ?", convID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	logging.Store("Cleared conversation: agent=%s session=%s", agentID, sessionID)
	return nil
}

const conversationSelect = `SELECT id, agent_id, session_id, created_at FROM conversations`

func (s *Store) scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.AgentID, &c.SessionID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	return &c, nil
}
