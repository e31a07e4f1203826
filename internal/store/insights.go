package store

import (
	"database/sql"
	"fmt"
	"strings"

	"agentpiazza/internal/logging"

	"github.com/google/uuid"
)

// =============================================================================
// INSIGHTS
// =============================================================================

// InsertInsight persists a new insight, assigning its id and creation time.
// Scope enforcement happens in the insight service before this call; the
// store itself accepts anything referentially valid.
func (s *Store) InsertInsight(in *Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in.ID = uuid.NewString()
	in.CreatedAt = now()
	if in.Tags == nil {
		in.Tags = []string{}
	}

	_, err := s.db.Exec(
		`INSERT INTO insights (id, topic, phase, problem, solution, source_ref, agent_id, verification_count, tags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		in.ID, in.Topic, in.Phase, in.Problem, in.Solution, in.SourceRef,
		in.AgentID, marshalTags(in.Tags), in.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert insight: %w", err)
	}

	logging.Store("Inserted insight: id=%s topic=%s agent=%s", in.ID, in.Topic, in.AgentID)
	return nil
}

// GetInsight fetches an insight by id. Returns ErrNotFound if absent.
func (s *Store) GetInsight(id string) (*Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanInsight(s.db.QueryRow(insightSelect+" WHERE id = ?", id))
}

// GetInsightsByIDs fetches insights for a batch of ids in one query.
// Missing ids are simply absent from the returned map.
func (s *Store) GetInsightsByIDs(ids []string) (map[string]*Insight, error) {
	result := make(map[string]*Insight, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.Query(insightSelect+" WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch fetch insights: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		in, err := scanInsightRows(rows)
		if err != nil {
			continue
		}
		result[in.ID] = in
	}
	return result, rows.Err()
}

// ListInsights returns recent insights with optional case-insensitive
// topic/phase substring filters.
func (s *Store) ListInsights(limit, offset int, topic, phase string) ([]*Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	query := insightSelect + " WHERE 1=1"
	var args []interface{}
	if topic != "" {
		query += " AND topic LIKE ? COLLATE NOCASE"
		args = append(args, "%"+topic+"%")
	}
	if phase != "" {
		query += " AND phase LIKE ? COLLATE NOCASE"
		args = append(args, "%"+phase+"%")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list insights: %w", err)
	}
	defer rows.Close()

	var insights []*Insight
	for rows.Next() {
		in, err := scanInsightRows(rows)
		if err != nil {
			continue
		}
		insights = append(insights, in)
	}
	return insights, rows.Err()
}

// TopInsightsByAgent returns the agent's insights ranked by verification
// count then recency, used to ground the chat assistant's system prompt.
func (s *Store) TopInsightsByAgent(agentID string, limit int) ([]*Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 15
	}

	rows, err := s.db.Query(
		insightSelect+` WHERE agent_id = ?
		 ORDER BY verification_count DESC, created_at DESC
		 LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent insights: %w", err)
	}
	defer rows.Close()

	var insights []*Insight
	for rows.Next() {
		in, err := scanInsightRows(rows)
		if err != nil {
			continue
		}
		insights = append(insights, in)
	}
	return insights, rows.Err()
}

// AllInsights streams every insight, used by the reindex command.
func (s *Store) AllInsights() ([]*Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(insightSelect + " ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to query insights: %w", err)
	}
	defer rows.Close()

	var insights []*Insight
	for rows.Next() {
		in, err := scanInsightRows(rows)
		if err != nil {
			continue
		}
		insights = append(insights, in)
	}
	return insights, rows.Err()
}

// VerifyInsight increments the verification count on behalf of callerID.
// The read-then-write runs inside one transaction so concurrent verifies
// never lose an increment. Returns the updated insight.
// Fails with ErrOwnInsight when the caller owns the insight.
func (s *Store) VerifyInsight(insightID, callerID string) (*Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	in, err := scanInsight(tx.QueryRow(insightSelect+" WHERE id = ?", insightID))
	if err != nil {
		return nil, err
	}
	if in.AgentID == callerID {
		return nil, ErrOwnInsight
	}

	in.VerificationCount++
	if _, err := tx.Exec(
		"UPDATE insights SET verification_count = ? WHERE id = ?",
		in.VerificationCount, in.ID,
	); err != nil {
		return nil, fmt.Errorf("failed to update verification count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit verification: %w", err)
	}

	logging.Store("Insight verified: id=%s count=%d verifier=%s", in.ID, in.VerificationCount, callerID)
	return in, nil
}

// VerifiedCountsByTopic counts insights with at least one verification,
// grouped by topic, restricted to the given topics.
func (s *Store) VerifiedCountsByTopic(topics []string) (map[string]int, error) {
	result := make(map[string]int, len(topics))
	if len(topics) == 0 {
		return result, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(topics)), ",")
	args := make([]interface{}, len(topics))
	for i, t := range topics {
		args[i] = t
	}

	rows, err := s.db.Query(
		`SELECT topic, COUNT(*) FROM insights
		 WHERE topic IN (`+placeholders+`) AND verification_count > 0
		 GROUP BY topic`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count verified insights: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var topic string
		var count int
		if err := rows.Scan(&topic, &count); err != nil {
			continue
		}
		result[topic] = count
	}
	return result, rows.Err()
}

// UnverifiedTopicCounts groups zero-verification insights by topic, busiest
// first. Feeds the cold-start blocker fallback.
func (s *Store) UnverifiedTopicCounts(limit int) ([]TopicCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.Query(
		`SELECT topic, COUNT(*) AS n FROM insights
		 WHERE verification_count = 0
		 GROUP BY topic
		 ORDER BY n DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count unverified topics: %w", err)
	}
	defer rows.Close()

	var counts []TopicCount
	for rows.Next() {
		var tc TopicCount
		if err := rows.Scan(&tc.Topic, &tc.Count); err != nil {
			continue
		}
		counts = append(counts, tc)
	}
	return counts, rows.Err()
}

const insightSelect = `SELECT id, topic, phase, problem, solution, source_ref,
	agent_id, verification_count, tags, created_at FROM insights`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInsightFrom(scanner rowScanner) (*Insight, error) {
	var in Insight
	var tagsJSON string
	err := scanner.Scan(
		&in.ID, &in.Topic, &in.Phase, &in.Problem, &in.Solution, &in.SourceRef,
		&in.AgentID, &in.VerificationCount, &tagsJSON, &in.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	in.Tags = unmarshalTags(tagsJSON)
	return &in, nil
}

func scanInsight(row *sql.Row) (*Insight, error) {
	in, err := scanInsightFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan insight: %w", err)
	}
	return in, nil
}

func scanInsightRows(rows *sql.Rows) (*Insight, error) {
	return scanInsightFrom(rows)
}
