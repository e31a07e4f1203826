// Package search executes semantic queries over the vector index and
// derives blocker scores from the search log.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"

	"agentpiazza/internal/embedding"
	"agentpiazza/internal/logging"
	"agentpiazza/internal/store"
	"agentpiazza/internal/vecindex"
)

// Result pairs a hydrated insight with its similarity score.
type Result struct {
	Insight *store.Insight `json:"insight"`
	Score   float64        `json:"score"`
}

// Blocker is a topic that is searched often but thin on verified
// knowledge. BlockerScore is a ratio in the normal case and a plain
// insight count in the cold-start fallback, so callers must not assume
// it is always a ratio.
type Blocker struct {
	Topic                string  `json:"topic"`
	QueryCount           int     `json:"query_count"`
	VerifiedInsightCount int     `json:"verified_insight_count"`
	BlockerScore         float64 `json:"blocker_score"`
}

// Ranker wires the embedding port, the vector index and the relational
// store.
type Ranker struct {
	store         *store.Store
	engine        embedding.Engine
	index         vecindex.Index
	blockerWindow int
}

// NewRanker builds a ranker. blockerWindow bounds how many of the
// busiest topics the blocker aggregation considers; non-positive means
// the default of 50.
func NewRanker(st *store.Store, engine embedding.Engine, index vecindex.Index, blockerWindow int) *Ranker {
	if blockerWindow <= 0 {
		blockerWindow = 50
	}
	return &Ranker{store: st, engine: engine, index: index, blockerWindow: blockerWindow}
}

// SemanticSearch embeds the query, asks the index for the nearest
// insights, and hydrates full rows from the store preserving the
// index's ranking. Ids the index knows but the store no longer holds
// are silently dropped. Every call appends one SearchLog row.
func (r *Ranker) SemanticSearch(ctx context.Context, query string, topK int) ([]Result, error) {
	vec, err := r.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	matches, err := r.index.Query(ctx, embedding.Normalize(vec), topK)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ID)
	}
	rows, err := r.store.GetInsightsByIDs(ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate results: %w", err)
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		in, ok := rows[m.ID]
		if !ok {
			// Stale index entry; the store is the source of truth.
			logging.SearchDebug("dropping stale index id %s", m.ID)
			continue
		}
		results = append(results, Result{Insight: in, Score: m.Score})
	}

	topicHint := ""
	if len(results) > 0 {
		topicHint = results[0].Insight.Topic
	}
	if err := r.store.InsertSearchLog(query, topicHint, len(results)); err != nil {
		return nil, fmt.Errorf("log search: %w", err)
	}
	logging.Search("query %q returned %d results", query, len(results))
	return results, nil
}

// Blockers aggregates the search log against verified-insight counts.
// Score is query_count / (verified_insight_count + 1) rounded to two
// decimals; with an empty search log it falls back to counting topics
// whose insights have zero verifications.
func (r *Ranker) Blockers(limit int) ([]Blocker, error) {
	if limit <= 0 {
		limit = 10
	}

	queryCounts, err := r.store.TopicQueryCounts(r.blockerWindow)
	if err != nil {
		return nil, err
	}

	if len(queryCounts) == 0 {
		unverified, err := r.store.UnverifiedTopicCounts(limit)
		if err != nil {
			return nil, err
		}
		blockers := make([]Blocker, 0, len(unverified))
		for _, tc := range unverified {
			blockers = append(blockers, Blocker{
				Topic:        tc.Topic,
				BlockerScore: float64(tc.Count),
			})
		}
		return blockers, nil
	}

	topics := make([]string, 0, len(queryCounts))
	for _, tc := range queryCounts {
		topics = append(topics, tc.Topic)
	}
	verified, err := r.store.VerifiedCountsByTopic(topics)
	if err != nil {
		return nil, err
	}

	blockers := make([]Blocker, 0, len(queryCounts))
	for _, tc := range queryCounts {
		vCount := verified[tc.Topic]
		score := float64(tc.Count) / float64(vCount+1)
		blockers = append(blockers, Blocker{
			Topic:                tc.Topic,
			QueryCount:           tc.Count,
			VerifiedInsightCount: vCount,
			BlockerScore:         math.Round(score*100) / 100,
		})
	}

	sort.SliceStable(blockers, func(i, j int) bool {
		return blockers[i].BlockerScore > blockers[j].BlockerScore
	})
	if len(blockers) > limit {
		blockers = blockers[:limit]
	}
	return blockers, nil
}
