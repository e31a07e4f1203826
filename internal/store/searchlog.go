package store

import (
	"fmt"

	"agentpiazza/internal/logging"

	"github.com/google/uuid"
)

// =============================================================================
// SEARCH LOG (blocker telemetry)
// =============================================================================

// InsertSearchLog appends one search telemetry row. topicHint may be empty,
// stored as NULL so blocker aggregation can skip hint-less searches.
func (s *Store) InsertSearchLog(query, topicHint string, resultCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO search_logs (id, query, topic_hint, result_count, created_at)
		 VALUES (?, ?, NULLIF(?, ''), ?, ?)`,
		uuid.NewString(), query, topicHint, resultCount, now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert search log: %w", err)
	}

	logging.SearchDebug("Logged search: query_len=%d topic_hint=%q results=%d", len(query), topicHint, resultCount)
	return nil
}

// TopicQueryCounts aggregates search logs by topic hint, busiest topics
// first, capped at maxTopics. Rows without a hint are excluded.
func (s *Store) TopicQueryCounts(maxTopics int) ([]TopicCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if maxTopics <= 0 {
		maxTopics = 50
	}

	rows, err := s.db.Query(
		`SELECT topic_hint, COUNT(*) AS n FROM search_logs
		 WHERE topic_hint IS NOT NULL
		 GROUP BY topic_hint
		 ORDER BY n DESC
		 LIMIT ?`,
		maxTopics,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate search logs: %w", err)
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

// RecentSearchLogs returns the latest telemetry rows, newest first.
func (s *Store) RecentSearchLogs(limit int) ([]*SearchLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, query, COALESCE(topic_hint, ''), result_count, created_at
		 FROM search_logs
		 ORDER BY created_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list search logs: %w", err)
	}
	defer rows.Close()

	var logs []*SearchLog
	for rows.Next() {
		var l SearchLog
		if err := rows.Scan(&l.ID, &l.Query, &l.TopicHint, &l.ResultCount, &l.CreatedAt); err != nil {
			continue
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
