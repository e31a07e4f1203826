package server

import (
	"net/http"
	"strings"

	"agentpiazza/internal/conversation"
)

type chatMessageRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")

	var req chatMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "Empty message", "Provide a message to send")
		return
	}

	resp, err := s.chat.PostChatMessage(r.Context(), agentID, req.SessionID, req.Message)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type confirmPostRequest struct {
	PendingPost conversation.PendingPost `json:"pending_post"`
	SessionID   string                   `json:"session_id"`
}

func (s *Server) handleChatConfirm(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")

	var req confirmPostRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	resp, err := s.chat.ConfirmPendingPost(r.Context(), agentID, req.SessionID, req.PendingPost)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "Missing session_id",
			"Pass the session_id returned by a previous chat response")
		return
	}

	resp, err := s.chat.History(agentID, sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatClear(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "Missing session_id",
			"Pass the session_id of the conversation to clear")
		return
	}
	if err := s.chat.ClearHistory(agentID, sessionID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
