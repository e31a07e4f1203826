package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentpiazza/internal/completion"
	"agentpiazza/internal/conversation"
	"agentpiazza/internal/insight"
	"agentpiazza/internal/scope"
	"agentpiazza/internal/search"
	"agentpiazza/internal/store"
	"agentpiazza/internal/vecindex"
)

// keywordEngine maps marker words to fixed unit vectors so both the
// scope guard and the vector index behave deterministically. Text
// without a marker (including the scope description itself) embeds to
// the reference axis, so ordinary content passes the guard.
type keywordEngine struct{}

func (keywordEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "cooking"):
		return []float32{0, 1, 0}, nil
	case strings.Contains(lower, "alpha"):
		return []float32{0.70710678, 0.70710678, 0}, nil
	case strings.Contains(lower, "beta"):
		return []float32{0.70710678, 0, 0.70710678}, nil
	}
	return []float32{1, 0, 0}, nil
}

func (e keywordEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (keywordEngine) Dimensions() int { return 3 }
func (keywordEngine) Name() string    { return "mock" }

type scriptedCompletion struct {
	ChatFunc func(ctx context.Context, history []completion.Message, systemPrompt string) (string, error)
}

func (m *scriptedCompletion) Chat(ctx context.Context, history []completion.Message, systemPrompt string) (string, error) {
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, history, systemPrompt)
	}
	return "hello from the assistant", nil
}

type testAPI struct {
	handler http.Handler
	store   *store.Store
	llm     *scriptedCompletion
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine := keywordEngine{}
	idx, err := vecindex.New(st.DB(), engine.Dimensions())
	require.NoError(t, err)

	guard := scope.NewGuard(engine, "", 0.3)
	svc := insight.NewService(st, guard, engine, idx)
	ranker := search.NewRanker(st, engine, idx, 50)
	llm := &scriptedCompletion{}
	chat := conversation.NewEngine(st, llm, svc, conversation.Options{BaseURL: "http://localhost:8000"})

	srv := New(st, svc, ranker, chat, "http://localhost:8000")
	return &testAPI{handler: srv.Handler(), store: st, llm: llm}
}

func (a *testAPI) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

// register creates an agent through the API and returns its id and key.
func (a *testAPI) register(t *testing.T, name string) (id, apiKey string) {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/agents/register", "", map[string]string{
		"name":        name,
		"description": "an agent used in handler tests",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp map[string]interface{}
	decode(t, rec, &resp)
	return resp["id"].(string), resp["api_key"].(string)
}

func (a *testAPI) createInsight(t *testing.T, apiKey, topic, problem, solution string) string {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/insights", apiKey, map[string]interface{}{
		"topic": topic,
		"phase": "Implementation",
		"content": map[string]string{
			"problem":  problem,
			"solution": solution,
		},
		"tags": []string{"test"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp map[string]interface{}
	decode(t, rec, &resp)
	return resp["id"].(string)
}

func TestRegisterAgent(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/agents/register", "", map[string]string{
		"name":        "Scout",
		"description": "researches crawling strategies",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]interface{}
	decode(t, rec, &resp)
	assert.Equal(t, "Scout", resp["name"])
	assert.True(t, strings.HasPrefix(resp["api_key"].(string), "ap_"), "api key prefix")
	assert.True(t, strings.HasPrefix(resp["claim_token"].(string), "claim_"), "claim token prefix")
	assert.Equal(t, store.ClaimPending, resp["claim_status"])
	assert.Equal(t, "http://localhost:8000/claim/"+resp["claim_token"].(string), resp["claim_url"])
}

func TestRegisterValidation(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/agents/register", "", map[string]string{
		"name": "X", "description": "long enough description",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/agents/register", "", map[string]string{
		"name": "Valid Name", "description": "hi",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterDuplicateName(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "Scout")

	rec := api.do(t, http.MethodPost, "/api/agents/register", "", map[string]string{
		"name": "Scout", "description": "a second agent with the same name",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp map[string]string
	decode(t, rec, &resp)
	assert.Equal(t, "Agent name already taken", resp["error"])
}

func TestAuthRequired(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/agents/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp map[string]string
	decode(t, rec, &resp)
	assert.Equal(t, "Missing Bearer token", resp["error"])

	rec = api.do(t, http.MethodGet, "/api/agents/me", "ap_bogus", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	decode(t, rec, &resp)
	assert.Equal(t, "Invalid API key", resp["error"])
}

func TestMe(t *testing.T) {
	api := newTestAPI(t)
	id, key := api.register(t, "Scout")

	rec := api.do(t, http.MethodGet, "/api/agents/me", key, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	decode(t, rec, &resp)
	assert.Equal(t, id, resp["id"])
	assert.Equal(t, "http://localhost:8000/api/chat/"+id, resp["chat_url"])
}

func TestClaim(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/agents/register", "", map[string]string{
		"name": "Scout", "description": "researches crawling strategies",
	})
	var reg map[string]interface{}
	decode(t, rec, &reg)
	token := reg["claim_token"].(string)

	rec = api.do(t, http.MethodPost, "/api/agents/claim/"+token, "", map[string]string{
		"owner_email": "owner@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	decode(t, rec, &resp)
	assert.Equal(t, "claimed", resp["claim_status"])
	assert.Equal(t, "owner@example.com", resp["owner_email"])

	rec = api.do(t, http.MethodPost, "/api/agents/claim/claim_nonsense", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDirectory(t *testing.T) {
	api := newTestAPI(t)
	id, key := api.register(t, "Scout")
	api.createInsight(t, key, "Alpha Topic", "alpha problem", "alpha solution")

	for _, path := range []string{"/api/agents", "/api/agents/directory"} {
		rec := api.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, rec.Code, path)

		var resp struct {
			Agents []map[string]interface{} `json:"agents"`
			Total  int                      `json:"total"`
		}
		decode(t, rec, &resp)
		require.Equal(t, 1, resp.Total, path)
		assert.Equal(t, id, resp.Agents[0]["id"])
		assert.Equal(t, float64(1), resp.Agents[0]["insight_count"])
	}
}

func TestCreateInsight(t *testing.T) {
	api := newTestAPI(t)
	id, key := api.register(t, "Scout")

	rec := api.do(t, http.MethodPost, "/api/insights", key, map[string]interface{}{
		"topic": "Alpha Topic",
		"phase": "Debug",
		"content": map[string]string{
			"problem":    "alpha pages rate limit",
			"solution":   "alpha backoff",
			"source_ref": "https://example.com",
		},
		"tags": []string{"http", "crawling"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		ID      string `json:"id"`
		Topic   string `json:"topic"`
		Phase   string `json:"phase"`
		Content struct {
			Problem   string `json:"problem"`
			Solution  string `json:"solution"`
			SourceRef string `json:"source_ref"`
		} `json:"content"`
		Metadata struct {
			AgentID           string   `json:"agent_id"`
			VerificationCount int      `json:"verification_count"`
			Tags              []string `json:"tags"`
		} `json:"metadata"`
	}
	decode(t, rec, &resp)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "Alpha Topic", resp.Topic)
	assert.Equal(t, "Debug", resp.Phase)
	assert.Equal(t, "alpha backoff", resp.Content.Solution)
	assert.Equal(t, "https://example.com", resp.Content.SourceRef)
	assert.Equal(t, id, resp.Metadata.AgentID)
	assert.Equal(t, 0, resp.Metadata.VerificationCount)
	assert.Equal(t, []string{"http", "crawling"}, resp.Metadata.Tags)
}

func TestCreateInsightValidation(t *testing.T) {
	api := newTestAPI(t)
	_, key := api.register(t, "Scout")

	rec := api.do(t, http.MethodPost, "/api/insights", key, map[string]interface{}{
		"topic":   "Alpha Topic",
		"content": map[string]string{"problem": "only a problem"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]string
	decode(t, rec, &resp)
	assert.Equal(t, "Missing required fields", resp["error"])
}

func TestCreateInsightOutOfScope(t *testing.T) {
	api := newTestAPI(t)
	_, key := api.register(t, "Scout")

	rec := api.do(t, http.MethodPost, "/api/insights", key, map[string]interface{}{
		"topic": "Cooking",
		"content": map[string]string{
			"problem":  "cooking pasta is slow",
			"solution": "cooking with a pressure cooker",
		},
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	var resp map[string]string
	decode(t, rec, &resp)
	assert.Equal(t, "Content outside project scope", resp["error"])
	assert.Contains(t, resp["hint"], "below the threshold")
}

func TestGetAndListInsights(t *testing.T) {
	api := newTestAPI(t)
	_, key := api.register(t, "Scout")
	id := api.createInsight(t, key, "Alpha Topic", "alpha problem", "alpha solution")
	api.createInsight(t, key, "Beta Topic", "beta problem", "beta solution")

	rec := api.do(t, http.MethodGet, "/api/insights/"+id, key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var one map[string]interface{}
	decode(t, rec, &one)
	assert.Equal(t, "Alpha Topic", one["topic"])

	rec = api.do(t, http.MethodGet, "/api/insights/nonexistent", key, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/insights?topic=beta", key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]interface{}
	decode(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "Beta Topic", list[0]["topic"])
}

func TestVerifyInsight(t *testing.T) {
	api := newTestAPI(t)
	_, authorKey := api.register(t, "Author")
	_, verifierKey := api.register(t, "Verifier")
	id := api.createInsight(t, authorKey, "Alpha Topic", "alpha problem", "alpha solution")

	// Self-verification is rejected.
	rec := api.do(t, http.MethodPost, "/api/insights/"+id+"/verify", authorKey, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp map[string]string
	decode(t, rec, &errResp)
	assert.Equal(t, "Cannot verify your own insight", errResp["error"])

	rec = api.do(t, http.MethodPost, "/api/insights/"+id+"/verify", verifierKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	decode(t, rec, &resp)
	assert.Equal(t, float64(1), resp["verification_count"])
	assert.Equal(t, "Insight verified. Total verifications: 1", resp["message"])
}

func TestSemanticSearch(t *testing.T) {
	api := newTestAPI(t)
	_, key := api.register(t, "Scout")
	alphaID := api.createInsight(t, key, "Alpha Topic", "alpha problem", "alpha solution")
	api.createInsight(t, key, "Beta Topic", "beta problem", "beta solution")

	rec := api.do(t, http.MethodGet, "/api/search/semantic?q=alpha+ranking&top_k=5", key, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Query   string `json:"query"`
		Total   int    `json:"total"`
		Results []struct {
			ID    string  `json:"id"`
			Topic string  `json:"topic"`
			Score float64 `json:"score"`
		} `json:"results"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, "alpha ranking", resp.Query)
	require.Equal(t, 2, resp.Total)
	assert.Equal(t, alphaID, resp.Results[0].ID)
	assert.Greater(t, resp.Results[0].Score, resp.Results[1].Score)
}

func TestSemanticSearchQueryTooShort(t *testing.T) {
	api := newTestAPI(t)
	_, key := api.register(t, "Scout")

	rec := api.do(t, http.MethodGet, "/api/search/semantic?q=ab", key, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBlockers(t *testing.T) {
	api := newTestAPI(t)
	_, key := api.register(t, "Scout")
	api.createInsight(t, key, "Alpha Topic", "alpha problem", "alpha solution")

	// Searches feed the blocker telemetry.
	rec := api.do(t, http.MethodGet, "/api/search/semantic?q=alpha+questions", key, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/status/blockers", key, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Blockers []struct {
			Topic        string  `json:"topic"`
			QueryCount   int     `json:"query_count"`
			BlockerScore float64 `json:"blocker_score"`
		} `json:"blockers"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Blockers, 1)
	assert.Equal(t, "Alpha Topic", resp.Blockers[0].Topic)
	assert.Equal(t, 1, resp.Blockers[0].QueryCount)
	assert.Equal(t, float64(1), resp.Blockers[0].BlockerScore)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/status/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	decode(t, rec, &resp)
	assert.Equal(t, "ok", resp["status"])
}

func TestChatMessage(t *testing.T) {
	api := newTestAPI(t)
	id, _ := api.register(t, "Scout")

	rec := api.do(t, http.MethodPost, "/api/chat/"+id, "", map[string]string{
		"message": "what have you learned lately?",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Reply     string `json:"reply"`
		SessionID string `json:"session_id"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, "hello from the assistant", resp.Reply)
	assert.NotEmpty(t, resp.SessionID)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "user", resp.Messages[0].Role)
	assert.Equal(t, "assistant", resp.Messages[1].Role)
}

func TestChatMessageValidation(t *testing.T) {
	api := newTestAPI(t)
	id, _ := api.register(t, "Scout")

	rec := api.do(t, http.MethodPost, "/api/chat/"+id, "", map[string]string{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/chat/unknown-agent", "", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatConfirmPublishesInsight(t *testing.T) {
	api := newTestAPI(t)
	id, key := api.register(t, "Scout")

	rec := api.do(t, http.MethodPost, "/api/chat/"+id+"/confirm", "", map[string]interface{}{
		"session_id": "s1",
		"pending_post": map[string]interface{}{
			"content_type": "insight",
			"topic":        "Alpha Topic",
			"phase":        "Debug",
			"problem":      "alpha rate limits",
			"solution":     "alpha backoff",
			"tags":         []string{"http"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Reply string `json:"reply"`
	}
	decode(t, rec, &resp)
	assert.Contains(t, resp.Reply, "Insight posted successfully!")

	list := api.do(t, http.MethodGet, "/api/insights", key, nil)
	require.Equal(t, http.StatusOK, list.Code)
	var rows []map[string]interface{}
	decode(t, list, &rows)
	require.Len(t, rows, 1)
	assert.Equal(t, "Alpha Topic", rows[0]["topic"])
}

func TestChatConfirmScopeRejection(t *testing.T) {
	api := newTestAPI(t)
	id, key := api.register(t, "Scout")

	rec := api.do(t, http.MethodPost, "/api/chat/"+id+"/confirm", "", map[string]interface{}{
		"session_id": "s1",
		"pending_post": map[string]interface{}{
			"content_type": "insight",
			"topic":        "Cooking",
			"problem":      "cooking pasta",
			"solution":     "cooking faster",
		},
	})
	// A scope rejection is a conversational outcome, not an API error.
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Reply string `json:"reply"`
	}
	decode(t, rec, &resp)
	assert.Contains(t, resp.Reply, "rejected by the scope guard")

	list := api.do(t, http.MethodGet, "/api/insights", key, nil)
	var rows []map[string]interface{}
	decode(t, list, &rows)
	assert.Empty(t, rows)
}

func TestChatHistoryLifecycle(t *testing.T) {
	api := newTestAPI(t)
	id, _ := api.register(t, "Scout")

	rec := api.do(t, http.MethodPost, "/api/chat/"+id, "", map[string]string{
		"message":    "remember this session",
		"session_id": "s1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/chat/"+id+"/history?session_id=s1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		SessionID string                   `json:"session_id"`
		Messages  []map[string]interface{} `json:"messages"`
	}
	decode(t, rec, &hist)
	assert.Equal(t, "s1", hist.SessionID)
	assert.Len(t, hist.Messages, 2)

	rec = api.do(t, http.MethodGet, "/api/chat/"+id+"/history", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodDelete, "/api/chat/"+id+"/history?session_id=s1", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/chat/"+id+"/history?session_id=s1", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
