// Package completion talks to the chat-completion backend. Callers get
// typed errors for the two failure modes they need to distinguish, the
// service being down and the call running out of time, so the
// conversation layer can substitute canned replies instead of aborting
// a chat turn.
package completion

import (
	"context"
	"errors"
)

// Sentinel failures. Wrap-checked with errors.Is by the chat engine.
var (
	ErrUnavailable = errors.New("completion service unavailable")
	ErrTimeout     = errors.New("completion request timed out")
)

// Message is one turn of a chat transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client produces assistant text from a transcript plus a system prompt.
type Client interface {
	Chat(ctx context.Context, history []Message, systemPrompt string) (string, error)
}
