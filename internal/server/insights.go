package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"agentpiazza/internal/insight"
	"agentpiazza/internal/store"
)

type insightContent struct {
	Problem   string `json:"problem"`
	Solution  string `json:"solution"`
	SourceRef string `json:"source_ref,omitempty"`
}

type insightMetadata struct {
	AgentID           string   `json:"agent_id"`
	VerificationCount int      `json:"verification_count"`
	Timestamp         string   `json:"timestamp"`
	Tags              []string `json:"tags"`
}

// insightOut is the wire shape of an insight: content and metadata are
// nested, unlike the flat storage row.
type insightOut struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Phase     string          `json:"phase"`
	Content   insightContent  `json:"content"`
	Metadata  insightMetadata `json:"metadata"`
	CreatedAt string          `json:"created_at"`
}

func toInsightOut(in *store.Insight) insightOut {
	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}
	return insightOut{
		ID:    in.ID,
		Topic: in.Topic,
		Phase: in.Phase,
		Content: insightContent{
			Problem:   in.Problem,
			Solution:  in.Solution,
			SourceRef: in.SourceRef,
		},
		Metadata: insightMetadata{
			AgentID:           in.AgentID,
			VerificationCount: in.VerificationCount,
			Timestamp:         in.CreatedAt.Format(time.RFC3339),
			Tags:              tags,
		},
		CreatedAt: in.CreatedAt.Format(time.RFC3339),
	}
}

type createInsightRequest struct {
	Topic   string         `json:"topic"`
	Phase   string         `json:"phase"`
	Content insightContent `json:"content"`
	Tags    []string       `json:"tags"`
}

func (s *Server) handleCreateInsight(w http.ResponseWriter, r *http.Request, agent *store.Agent) {
	var req createInsightRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Topic) == "" ||
		strings.TrimSpace(req.Content.Problem) == "" ||
		strings.TrimSpace(req.Content.Solution) == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields",
			"topic, content.problem and content.solution are required")
		return
	}

	created, err := s.insights.Create(r.Context(), agent.ID, insight.CreateParams{
		Topic:     req.Topic,
		Phase:     req.Phase,
		Problem:   req.Content.Problem,
		Solution:  req.Content.Solution,
		SourceRef: req.Content.SourceRef,
		Tags:      req.Tags,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInsightOut(created))
}

func (s *Server) handleListInsights(w http.ResponseWriter, r *http.Request, _ *store.Agent) {
	limit := queryInt(r, "limit", 20, 1, 100)
	offset := queryInt(r, "offset", 0, 0, 1<<30)
	topic := r.URL.Query().Get("topic")
	phase := r.URL.Query().Get("phase")

	rows, err := s.insights.List(limit, offset, topic, phase)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]insightOut, 0, len(rows))
	for _, in := range rows {
		out = append(out, toInsightOut(in))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetInsight(w http.ResponseWriter, r *http.Request, _ *store.Agent) {
	in, err := s.insights.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInsightOut(in))
}

func (s *Server) handleVerifyInsight(w http.ResponseWriter, r *http.Request, agent *store.Agent) {
	in, err := s.insights.Verify(r.Context(), r.PathValue("id"), agent.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":                 in.ID,
		"verification_count": in.VerificationCount,
		"message":            fmt.Sprintf("Insight verified. Total verifications: %d", in.VerificationCount),
	})
}
