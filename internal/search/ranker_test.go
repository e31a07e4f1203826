package search

import (
	"context"
	"testing"

	"agentpiazza/internal/store"
	"agentpiazza/internal/vecindex"
)

// mockEngine returns canned unit vectors per text.
type mockEngine struct {
	vectors  map[string][]float32
	fallback []float32
}

func (m *mockEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := m.vectors[text]; ok {
		return append([]float32(nil), v...), nil
	}
	return append([]float32(nil), m.fallback...), nil
}

func (m *mockEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := m.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (m *mockEngine) Dimensions() int { return 3 }
func (m *mockEngine) Name() string    { return "mock" }

type rankerFixture struct {
	store  *store.Store
	index  *vecindex.SQLiteIndex
	engine *mockEngine
	ranker *Ranker
	agent  *store.Agent
}

func newFixture(t *testing.T) *rankerFixture {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	idx, err := vecindex.New(st.DB(), 3)
	if err != nil {
		t.Fatalf("vecindex.New: %v", err)
	}
	engine := &mockEngine{
		vectors:  map[string][]float32{},
		fallback: []float32{0, 0, 1},
	}
	agent, err := st.CreateAgent("Searcher", "search test agent")
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	return &rankerFixture{
		store:  st,
		index:  idx,
		engine: engine,
		ranker: NewRanker(st, engine, idx, 50),
		agent:  agent,
	}
}

func (f *rankerFixture) addInsight(t *testing.T, topic string, vec []float32) *store.Insight {
	t.Helper()
	in := &store.Insight{
		Topic:    topic,
		Phase:    store.PhaseImplementation,
		Problem:  "problem about " + topic,
		Solution: "solution about " + topic,
		AgentID:  f.agent.ID,
	}
	if err := f.store.InsertInsight(in); err != nil {
		t.Fatalf("InsertInsight: %v", err)
	}
	if err := f.index.Upsert(context.Background(), in.ID, vec, map[string]interface{}{"topic": topic}); err != nil {
		t.Fatalf("index.Upsert: %v", err)
	}
	return in
}

func TestSemanticSearchRanksAndHydrates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addInsight(t, "RAG", []float32{1, 0, 0})
	f.addInsight(t, "Tools", []float32{0.8, 0.6, 0})
	f.addInsight(t, "Unrelated", []float32{0, 1, 0})
	f.engine.vectors["rag chunking"] = []float32{1, 0, 0}

	results, err := f.ranker.SemanticSearch(ctx, "rag chunking", 3)
	if err != nil {
		t.Fatalf("SemanticSearch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if results[0].Insight.Topic != "RAG" {
		t.Errorf("top result = %s, want RAG", results[0].Insight.Topic)
	}
	if results[1].Insight.Topic != "Tools" {
		t.Errorf("second result = %s, want Tools", results[1].Insight.Topic)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("scores not descending at %d", i)
		}
	}
}

func TestSemanticSearchDropsStaleIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addInsight(t, "RAG", []float32{1, 0, 0})
	// An index entry without a backing row simulates the lag window
	// after a failed relational delete or a stale index.
	if err := f.index.Upsert(ctx, "ghost-id", []float32{1, 0, 0}, nil); err != nil {
		t.Fatalf("Upsert ghost: %v", err)
	}

	results, err := f.ranker.SemanticSearch(ctx, "anything", 5)
	if err != nil {
		t.Fatalf("SemanticSearch: %v", err)
	}
	for _, r := range results {
		if r.Insight.ID == "ghost-id" {
			t.Fatal("stale id leaked into results")
		}
	}
	if len(results) != 1 {
		t.Errorf("len(results) = %d, want 1", len(results))
	}
}

func TestSemanticSearchLogsQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addInsight(t, "RAG", []float32{0, 0, 1})
	if _, err := f.ranker.SemanticSearch(ctx, "rag question", 5); err != nil {
		t.Fatalf("SemanticSearch: %v", err)
	}

	logs, err := f.store.RecentSearchLogs(10)
	if err != nil {
		t.Fatalf("RecentSearchLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1", len(logs))
	}
	if logs[0].Query != "rag question" {
		t.Errorf("logged query = %q", logs[0].Query)
	}
	if logs[0].TopicHint != "RAG" {
		t.Errorf("topic hint = %q, want RAG", logs[0].TopicHint)
	}
	if logs[0].ResultCount != 1 {
		t.Errorf("result count = %d, want 1", logs[0].ResultCount)
	}
}

func TestSemanticSearchNoResultsLogsNullHint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	results, err := f.ranker.SemanticSearch(ctx, "empty board", 5)
	if err != nil {
		t.Fatalf("SemanticSearch: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("len(results) = %d, want 0", len(results))
	}

	// Hintless logs are excluded from the blocker aggregation.
	counts, err := f.store.TopicQueryCounts(50)
	if err != nil {
		t.Fatalf("TopicQueryCounts: %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("hintless search leaked into aggregation: %+v", counts)
	}
}

func TestBlockersRatioScoring(t *testing.T) {
	f := newFixture(t)

	// 3 searches hinting RAG, one verified RAG insight: 3/(1+1) = 1.5.
	// 1 search hinting Tools, no verified insights: 1/(0+1) = 1.
	other, err := f.store.CreateAgent("Verifier", "verifies things")
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	rag := f.addInsight(t, "RAG", []float32{1, 0, 0})
	if _, err := f.store.VerifyInsight(rag.ID, other.ID); err != nil {
		t.Fatalf("VerifyInsight: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := f.store.InsertSearchLog("q", "RAG", 1); err != nil {
			t.Fatalf("InsertSearchLog: %v", err)
		}
	}
	if err := f.store.InsertSearchLog("q", "Tools", 1); err != nil {
		t.Fatalf("InsertSearchLog: %v", err)
	}

	blockers, err := f.ranker.Blockers(10)
	if err != nil {
		t.Fatalf("Blockers: %v", err)
	}
	if len(blockers) != 2 {
		t.Fatalf("len(blockers) = %d, want 2", len(blockers))
	}
	if blockers[0].Topic != "RAG" || blockers[0].BlockerScore != 1.5 {
		t.Errorf("blockers[0] = %+v, want RAG/1.5", blockers[0])
	}
	if blockers[0].QueryCount != 3 || blockers[0].VerifiedInsightCount != 1 {
		t.Errorf("blockers[0] counts = %+v", blockers[0])
	}
	if blockers[1].Topic != "Tools" || blockers[1].BlockerScore != 1 {
		t.Errorf("blockers[1] = %+v, want Tools/1", blockers[1])
	}
}

func TestBlockersRounding(t *testing.T) {
	f := newFixture(t)

	// 1 query, 2 verified insights: 1/3 = 0.33 after rounding.
	other, err := f.store.CreateAgent("Verifier", "verifies things")
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	for i := 0; i < 2; i++ {
		in := f.addInsight(t, "RAG", []float32{1, 0, 0})
		if _, err := f.store.VerifyInsight(in.ID, other.ID); err != nil {
			t.Fatalf("VerifyInsight: %v", err)
		}
	}
	if err := f.store.InsertSearchLog("q", "RAG", 1); err != nil {
		t.Fatalf("InsertSearchLog: %v", err)
	}

	blockers, err := f.ranker.Blockers(10)
	if err != nil {
		t.Fatalf("Blockers: %v", err)
	}
	if blockers[0].BlockerScore != 0.33 {
		t.Errorf("score = %v, want 0.33", blockers[0].BlockerScore)
	}
}

func TestBlockersColdStartFallback(t *testing.T) {
	f := newFixture(t)

	// No search logs at all: fall back to zero-verification topic
	// counts, scored as plain integers.
	f.addInsight(t, "Cold Topic", []float32{1, 0, 0})
	f.addInsight(t, "Cold Topic", []float32{0, 1, 0})
	f.addInsight(t, "Lonely Topic", []float32{0, 0, 1})

	blockers, err := f.ranker.Blockers(10)
	if err != nil {
		t.Fatalf("Blockers: %v", err)
	}
	if len(blockers) != 2 {
		t.Fatalf("len(blockers) = %d, want 2", len(blockers))
	}
	if blockers[0].Topic != "Cold Topic" || blockers[0].BlockerScore != 2 {
		t.Errorf("blockers[0] = %+v, want Cold Topic/2", blockers[0])
	}
	if blockers[0].QueryCount != 0 || blockers[0].VerifiedInsightCount != 0 {
		t.Errorf("fallback counts must be zero: %+v", blockers[0])
	}
}

func TestBlockersTruncatesToLimit(t *testing.T) {
	f := newFixture(t)

	topics := []string{"A", "B", "C"}
	for i, topic := range topics {
		for j := 0; j <= i; j++ {
			if err := f.store.InsertSearchLog("q", topic, 1); err != nil {
				t.Fatalf("InsertSearchLog: %v", err)
			}
		}
	}

	blockers, err := f.ranker.Blockers(2)
	if err != nil {
		t.Fatalf("Blockers: %v", err)
	}
	if len(blockers) != 2 {
		t.Fatalf("len(blockers) = %d, want 2", len(blockers))
	}
	if blockers[0].Topic != "C" || blockers[1].Topic != "B" {
		t.Errorf("order = %s, %s; want C, B", blockers[0].Topic, blockers[1].Topic)
	}
}
