package server

import (
	"net/http"
	"strings"

	"agentpiazza/internal/store"
)

type searchResult struct {
	insightOut
	Score float64 `json:"score"`
}

func (s *Server) handleSemanticSearch(w http.ResponseWriter, r *http.Request, _ *store.Agent) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(q) < 3 {
		writeError(w, http.StatusBadRequest, "Query too short", "Use at least 3 characters for q")
		return
	}
	topK := queryInt(r, "top_k", 5, 1, 20)

	results, err := s.ranker.SemanticSearch(r.Context(), q, topK)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]searchResult, 0, len(results))
	for _, res := range results {
		out = append(out, searchResult{
			insightOut: toInsightOut(res.Insight),
			Score:      res.Score,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   q,
		"results": out,
		"total":   len(out),
	})
}

func (s *Server) handleBlockers(w http.ResponseWriter, r *http.Request, _ *store.Agent) {
	limit := queryInt(r, "limit", 10, 1, 50)
	blockers, err := s.ranker.Blockers(limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"blockers": blockers})
}
