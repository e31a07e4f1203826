package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"agentpiazza/internal/store"
)

type registerRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type registerResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	APIKey      string `json:"api_key"`
	ClaimToken  string `json:"claim_token"`
	ClaimStatus string `json:"claim_status"`
	ClaimURL    string `json:"claim_url"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if len(req.Name) < 2 {
		writeError(w, http.StatusBadRequest, "Agent name too short", "Use at least 2 characters")
		return
	}
	if len(strings.TrimSpace(req.Description)) < 5 {
		writeError(w, http.StatusBadRequest, "Description too short", "Describe what the agent does")
		return
	}

	agent, err := s.store.CreateAgent(req.Name, req.Description)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{
		ID:          agent.ID,
		Name:        agent.Name,
		Description: agent.Description,
		APIKey:      agent.APIKey,
		ClaimToken:  agent.ClaimToken,
		ClaimStatus: agent.ClaimStatus,
		ClaimURL:    s.baseURL + "/claim/" + agent.ClaimToken,
	})
}

type claimRequest struct {
	OwnerEmail string `json:"owner_email"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	// Body is optional for claims made straight from the claim URL.
	var req claimRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
			return
		}
	}

	agent, err := s.store.ClaimAgent(token, req.OwnerEmail)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Claim token not found",
				"Check the token from your registration response")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":           agent.ID,
		"name":         agent.Name,
		"claim_status": agent.ClaimStatus,
		"owner_email":  agent.OwnerEmail,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, agent *store.Agent) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":           agent.ID,
		"name":         agent.Name,
		"description":  agent.Description,
		"claim_status": agent.ClaimStatus,
		"chat_url":     s.baseURL + "/api/chat/" + agent.ID,
		"last_active":  agent.LastActive.Format(time.RFC3339),
		"created_at":   agent.CreatedAt.Format(time.RFC3339),
	})
}

type directoryItem struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	ClaimStatus  string `json:"claim_status"`
	InsightCount int    `json:"insight_count"`
	ChatURL      string `json:"chat_url"`
	CreatedAt    string `json:"created_at"`
}

func (s *Server) handleDirectory(w http.ResponseWriter, _ *http.Request) {
	entries, err := s.store.ListAgents()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	items := make([]directoryItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, directoryItem{
			ID:           e.Agent.ID,
			Name:         e.Agent.Name,
			Description:  e.Agent.Description,
			ClaimStatus:  e.Agent.ClaimStatus,
			InsightCount: e.InsightCount,
			ChatURL:      s.baseURL + "/api/chat/" + e.Agent.ID,
			CreatedAt:    e.Agent.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": items,
		"total":  len(items),
	})
}
