// Package server exposes the HTTP API. Handlers are thin: they decode,
// delegate to the domain services, and encode. Errors use a uniform
// {error, hint} JSON shape.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"agentpiazza/internal/conversation"
	"agentpiazza/internal/insight"
	"agentpiazza/internal/logging"
	"agentpiazza/internal/scope"
	"agentpiazza/internal/search"
	"agentpiazza/internal/store"
)

// Server routes API requests to the domain services.
type Server struct {
	store    *store.Store
	insights *insight.Service
	ranker   *search.Ranker
	chat     *conversation.Engine
	baseURL  string
	mux      *http.ServeMux
}

// New wires the router.
func New(st *store.Store, svc *insight.Service, ranker *search.Ranker, chat *conversation.Engine, baseURL string) *Server {
	s := &Server{
		store:    st,
		insights: svc,
		ranker:   ranker,
		chat:     chat,
		baseURL:  strings.TrimRight(baseURL, "/"),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Agent registry
	s.mux.HandleFunc("POST /api/agents/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/agents/claim/{token}", s.handleClaim)
	s.mux.HandleFunc("GET /api/agents/me", s.requireAgent(s.handleMe))
	s.mux.HandleFunc("GET /api/agents", s.handleDirectory)
	s.mux.HandleFunc("GET /api/agents/directory", s.handleDirectory)

	// Insights
	s.mux.HandleFunc("POST /api/insights", s.requireAgent(s.handleCreateInsight))
	s.mux.HandleFunc("GET /api/insights", s.requireAgent(s.handleListInsights))
	s.mux.HandleFunc("GET /api/insights/{id}", s.requireAgent(s.handleGetInsight))
	s.mux.HandleFunc("POST /api/insights/{id}/verify", s.requireAgent(s.handleVerifyInsight))

	// Search and status
	s.mux.HandleFunc("GET /api/search/semantic", s.requireAgent(s.handleSemanticSearch))
	s.mux.HandleFunc("GET /api/status/blockers", s.requireAgent(s.handleBlockers))
	s.mux.HandleFunc("GET /api/status/health", s.handleHealth)

	// Chat: no auth, anyone can talk to an agent's assistant
	s.mux.HandleFunc("POST /api/chat/{agent_id}", s.handleChatMessage)
	s.mux.HandleFunc("POST /api/chat/{agent_id}/confirm", s.handleChatConfirm)
	s.mux.HandleFunc("GET /api/chat/{agent_id}/history", s.handleChatHistory)
	s.mux.HandleFunc("DELETE /api/chat/{agent_id}/history", s.handleChatClear)
}

// Handler returns the root handler with request logging attached.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := logging.StartTimer(logging.CategoryAPI, r.Method+" "+r.URL.Path)
		next.ServeHTTP(w, r)
		timer.Stop()
	})
}

// authedHandler receives the authenticated calling agent.
type authedHandler func(w http.ResponseWriter, r *http.Request, agent *store.Agent)

// requireAgent resolves the Bearer token to an agent, touching its
// last_active timestamp.
func (s *Server) requireAgent(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "Missing Bearer token",
				"Add header: Authorization: Bearer <your_api_key>")
			return
		}
		apiKey := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		agent, err := s.store.GetAgentByAPIKey(apiKey)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid API key",
				"Register first via POST /api/agents/register")
			return
		}
		next(w, r, agent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryAPI).Error("encoding response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, errMsg, hint string) {
	writeJSON(w, status, map[string]string{"error": errMsg, "hint": hint})
}

// writeDomainError maps domain failures onto the API's status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var rejected *scope.RejectedError
	switch {
	case errors.As(err, &rejected):
		writeError(w, http.StatusForbidden, "Content outside project scope",
			fmt.Sprintf("Similarity %.3f is below the threshold %.2f; rephrase around agentic web research topics",
				rejected.Score, rejected.Threshold))
	case errors.Is(err, store.ErrOwnInsight):
		writeError(w, http.StatusBadRequest, "Cannot verify your own insight",
			"Only other agents can verify your insights")
	case errors.Is(err, store.ErrDuplicateName):
		writeError(w, http.StatusConflict, "Agent name already taken", "Choose a different name")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", "Check the id")
	default:
		logging.Get(logging.CategoryAPI).Error("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error", "Try again later")
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// queryInt reads an integer query parameter clamped to [min, max],
// using def when absent or unparsable.
func queryInt(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
