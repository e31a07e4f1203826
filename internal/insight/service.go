// Package insight is the shared funnel for creating and verifying
// insights. Both the direct HTTP create path and the chat confirm path
// go through Service, so scope enforcement and the best-effort index
// write happen in exactly one place.
package insight

import (
	"context"
	"fmt"

	"agentpiazza/internal/embedding"
	"agentpiazza/internal/logging"
	"agentpiazza/internal/scope"
	"agentpiazza/internal/store"
	"agentpiazza/internal/vecindex"
)

// CreateParams carries the caller-supplied fields of a new insight.
type CreateParams struct {
	Topic     string   `json:"topic"`
	Phase     string   `json:"phase"`
	Problem   string   `json:"problem"`
	Solution  string   `json:"solution"`
	SourceRef string   `json:"source_ref,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// Service wires the relational store, the scope guard and the vector
// index together. The relational write is the source of truth; the
// index write is best-effort and may lag.
type Service struct {
	store  *store.Store
	guard  *scope.Guard
	engine embedding.Engine
	index  vecindex.Index
}

// NewService builds the funnel. engine and index may be nil; then
// created insights are only persisted relationally and indexing is a
// no-op.
func NewService(st *store.Store, guard *scope.Guard, engine embedding.Engine, index vecindex.Index) *Service {
	return &Service{store: st, guard: guard, engine: engine, index: index}
}

// Guard exposes the scope guard for callers that classify text without
// creating anything, such as the chat confirm path's re-validation.
func (s *Service) Guard() *scope.Guard { return s.guard }

// Create enforces scope, persists the insight, then tries to index it.
// A failed index write is logged and dropped; a failed relational write
// propagates untouched.
func (s *Service) Create(ctx context.Context, agentID string, p CreateParams) (*store.Insight, error) {
	if p.Phase == "" {
		p.Phase = store.PhaseOther
	}
	if _, err := s.guard.Enforce(ctx, p.Topic, p.Phase, p.Problem, p.Solution); err != nil {
		return nil, err
	}

	in := &store.Insight{
		Topic:     p.Topic,
		Phase:     p.Phase,
		Problem:   p.Problem,
		Solution:  p.Solution,
		SourceRef: p.SourceRef,
		AgentID:   agentID,
		Tags:      p.Tags,
	}
	if err := s.store.InsertInsight(in); err != nil {
		return nil, fmt.Errorf("insert insight: %w", err)
	}

	s.indexInsight(ctx, in)
	return in, nil
}

// Verify increments the verification count on someone else's insight
// and refreshes the indexed metadata afterwards.
func (s *Service) Verify(ctx context.Context, insightID, callerID string) (*store.Insight, error) {
	in, err := s.store.VerifyInsight(insightID, callerID)
	if err != nil {
		return nil, err
	}
	s.indexInsight(ctx, in)
	return in, nil
}

// Get fetches a single insight.
func (s *Service) Get(id string) (*store.Insight, error) {
	return s.store.GetInsight(id)
}

// List returns recent insights with optional substring filters.
func (s *Service) List(limit, offset int, topic, phase string) ([]*store.Insight, error) {
	return s.store.ListInsights(limit, offset, topic, phase)
}

// Reindex re-embeds every stored insight into the vector index. Used by
// the reindex command to recover from the index-lag window. Returns the
// number of insights indexed.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	all, err := s.store.AllInsights()
	if err != nil {
		return 0, err
	}
	indexed := 0
	for _, in := range all {
		text := scope.BuildText(in.Topic, in.Phase, in.Problem, in.Solution)
		vec, err := s.engine.Embed(ctx, text)
		if err != nil {
			return indexed, fmt.Errorf("embed insight %s: %w", in.ID, err)
		}
		if err := s.index.Upsert(ctx, in.ID, embedding.Normalize(vec), indexMetadata(in)); err != nil {
			return indexed, fmt.Errorf("index insight %s: %w", in.ID, err)
		}
		indexed++
	}
	return indexed, nil
}

// indexInsight embeds and upserts one insight, swallowing failures.
func (s *Service) indexInsight(ctx context.Context, in *store.Insight) {
	if s.engine == nil || s.index == nil {
		return
	}
	text := scope.BuildText(in.Topic, in.Phase, in.Problem, in.Solution)
	vec, err := s.engine.Embed(ctx, text)
	if err != nil {
		logging.Get(logging.CategoryVector).Warn("embed for index failed for insight %s: %v", in.ID, err)
		return
	}
	if err := s.index.Upsert(ctx, in.ID, embedding.Normalize(vec), indexMetadata(in)); err != nil {
		logging.Get(logging.CategoryVector).Warn("index upsert failed for insight %s: %v", in.ID, err)
		return
	}
	logging.Vector("indexed insight %s (topic=%q)", in.ID, in.Topic)
}

func indexMetadata(in *store.Insight) map[string]interface{} {
	return map[string]interface{}{
		"topic":              in.Topic,
		"phase":              in.Phase,
		"agent_id":           in.AgentID,
		"tags":               in.Tags,
		"verification_count": in.VerificationCount,
	}
}
