// Package conversation runs the per-agent chat assistant and the
// two-phase posting protocol. A chat turn that looks like a post
// request produces a PendingPost preview; nothing is written until the
// caller confirms, echoing the preview back, and the confirm path
// re-validates scope before touching the database. The server holds no
// pending state between the two calls.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"agentpiazza/internal/completion"
	"agentpiazza/internal/insight"
	"agentpiazza/internal/logging"
	"agentpiazza/internal/scope"
	"agentpiazza/internal/store"
)

// Step statuses surfaced to the UI.
const (
	StepDone   = "done"
	StepActive = "active"
	StepFailed = "failed"
)

// Step is one entry of the progress trace returned with a chat turn.
type Step struct {
	Label  string `json:"label"`
	Status string `json:"status"`
}

// PendingPost is the transient preview of a post-in-progress. It lives
// only in the response of a chat turn and the request of its
// confirmation; it is never stored.
type PendingPost struct {
	ContentType string   `json:"content_type"`
	Topic       string   `json:"topic"`
	Phase       string   `json:"phase"`
	Problem     string   `json:"problem"`
	Solution    string   `json:"solution"`
	SourceRef   string   `json:"source_ref"`
	Tags        []string `json:"tags"`
}

// ChatResponse is the result of one chat or confirm turn.
type ChatResponse struct {
	Reply          string           `json:"reply"`
	ConversationID string           `json:"conversation_id"`
	SessionID      string           `json:"session_id"`
	Messages       []*store.Message `json:"messages"`
	Steps          []Step           `json:"steps"`
	PendingPost    *PendingPost     `json:"pending_post,omitempty"`
}

// HistoryResponse is the full transcript of one session.
type HistoryResponse struct {
	ConversationID string           `json:"conversation_id"`
	SessionID      string           `json:"session_id"`
	AgentID        string           `json:"agent_id"`
	Messages       []*store.Message `json:"messages"`
}

// Options tune the engine. Zero values fall back to defaults.
type Options struct {
	// BaseURL appears in the system prompt's endpoint listing.
	BaseURL string
	// Model is only used in user-facing fallback text.
	Model string
	// GroundedTopN caps how many of the agent's insights ground the
	// system prompt.
	GroundedTopN int
}

// Engine owns conversation and message lifecycle for all agents.
type Engine struct {
	store    *store.Store
	llm      completion.Client
	insights *insight.Service
	baseURL  string
	model    string
	topN     int
}

// NewEngine wires the chat engine.
func NewEngine(st *store.Store, llm completion.Client, svc *insight.Service, opts Options) *Engine {
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:8000"
	}
	if opts.Model == "" {
		opts.Model = "llama3.2"
	}
	if opts.GroundedTopN <= 0 {
		opts.GroundedTopN = 15
	}
	return &Engine{
		store:    st,
		llm:      llm,
		insights: svc,
		baseURL:  opts.BaseURL,
		model:    opts.Model,
		topN:     opts.GroundedTopN,
	}
}

// PostChatMessage handles one user turn. Exactly one user and one
// assistant message are appended before it returns, whatever branch is
// taken; completion failures degrade to canned reply text and never
// fail the turn.
func (e *Engine) PostChatMessage(ctx context.Context, agentID, sessionID, message string) (*ChatResponse, error) {
	agent, err := e.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	conv, err := e.store.GetOrCreateConversation(agentID, sessionID)
	if err != nil {
		return nil, err
	}
	prior, err := e.store.ListMessages(conv.ID)
	if err != nil {
		return nil, err
	}

	userMsg, err := e.store.AppendMessage(conv.ID, store.RoleUser, message)
	if err != nil {
		return nil, err
	}

	history := make([]completion.Message, 0, len(prior)+1)
	for _, m := range prior {
		history = append(history, completion.Message{Role: m.Role, Content: m.Content})
	}
	history = append(history, completion.Message{Role: store.RoleUser, Content: message})

	var (
		reply   string
		steps   []Step
		pending *PendingPost
	)

	if hasPostIntent(message) {
		logging.Chat("post intent detected for agent %s", agentID)
		reply, pending, steps = e.proposePost(ctx, history)
	} else {
		reply, steps = e.groundedReply(ctx, agent, history)
	}

	assistantMsg, err := e.store.AppendMessage(conv.ID, store.RoleAssistant, reply)
	if err != nil {
		return nil, err
	}

	messages := append(append(prior, userMsg), assistantMsg)
	return &ChatResponse{
		Reply:          reply,
		ConversationID: conv.ID,
		SessionID:      conv.SessionID,
		Messages:       messages,
		Steps:          steps,
		PendingPost:    pending,
	}, nil
}

// proposePost runs field extraction and builds the preview. No write
// happens here.
func (e *Engine) proposePost(ctx context.Context, history []completion.Message) (string, *PendingPost, []Step) {
	steps := []Step{
		{Label: "Reading your message", Status: StepDone},
		{Label: "Identifying post intent", Status: StepDone},
	}

	raw, err := e.llm.Chat(ctx, history, extractPrompt)
	var fields *extractedFields
	if err != nil {
		logging.Get(logging.CategoryChat).Warn("extraction call failed: %v", err)
	} else {
		fields = parseExtraction(raw)
	}
	if fields == nil {
		steps = append(steps, Step{Label: "Could not extract fields", Status: StepFailed})
		return needsDetailReply, nil, steps
	}

	steps = append(steps,
		Step{Label: "Extracting content fields", Status: StepDone},
		Step{Label: "Awaiting your approval", Status: StepActive},
	)

	contentType := fields.ContentType
	if contentType == "" {
		contentType = "insight"
	}
	phase := fields.Phase
	if phase == "" {
		phase = store.PhaseOther
	}
	tags := fields.Tags
	if tags == nil {
		tags = []string{}
	}
	pending := &PendingPost{
		ContentType: contentType,
		Topic:       fields.Topic,
		Phase:       phase,
		Problem:     fields.Problem,
		Solution:    fields.Solution,
		SourceRef:   fields.SourceRef,
		Tags:        tags,
	}

	typeLabel := contentType
	switch contentType {
	case "insight", "summary", "idea":
	default:
		typeLabel = "post"
	}
	reply := fmt.Sprintf("I've prepared the following %s for posting. "+
		"Please review the preview below and click **Confirm & Post** to publish it, "+
		"or **Cancel** to discard.", typeLabel)
	return reply, pending, steps
}

// groundedReply forwards the transcript to the completion backend with
// a system prompt built from the agent's own insights.
func (e *Engine) groundedReply(ctx context.Context, agent *store.Agent, history []completion.Message) (string, []Step) {
	steps := []Step{
		{Label: "Reading your message", Status: StepDone},
		{Label: "Generating response", Status: StepDone},
	}

	top, err := e.store.TopInsightsByAgent(agent.ID, e.topN)
	if err != nil {
		logging.Get(logging.CategoryChat).Warn("loading grounding insights failed: %v", err)
		top = nil
	}
	systemPrompt := buildSystemPrompt(agent, top, e.baseURL)

	reply, err := e.llm.Chat(ctx, history, systemPrompt)
	if err != nil {
		switch {
		case errors.Is(err, completion.ErrTimeout):
			reply = timeoutReply
		default:
			reply = fmt.Sprintf(unavailableReplyTemplate, e.model)
		}
		logging.Get(logging.CategoryChat).Warn("completion failed, using fallback reply: %v", err)
	}
	return reply, steps
}

// ConfirmPendingPost finalizes a previously previewed post. The echoed
// content is re-validated against scope before anything is written; a
// rejection produces an explanatory assistant message, not an API
// error.
func (e *Engine) ConfirmPendingPost(ctx context.Context, agentID, sessionID string, p PendingPost) (*ChatResponse, error) {
	if _, err := e.store.GetAgent(agentID); err != nil {
		return nil, err
	}
	conv, err := e.store.GetOrCreateConversation(agentID, sessionID)
	if err != nil {
		return nil, err
	}

	steps := []Step{{Label: "Checking content scope", Status: StepDone}}

	created, err := e.insights.Create(ctx, agentID, insight.CreateParams{
		Topic:     p.Topic,
		Phase:     p.Phase,
		Problem:   p.Problem,
		Solution:  p.Solution,
		SourceRef: p.SourceRef,
		Tags:      p.Tags,
	})
	if err != nil {
		var rejected *scope.RejectedError
		if !errors.As(err, &rejected) {
			return nil, err
		}
		steps = append(steps, Step{Label: "Scope check failed", Status: StepFailed})
		reply := fmt.Sprintf("The post was rejected by the scope guard: %s. "+
			"Content must relate to agentic web research (similarity %.3f, need %.2f).",
			rejected.Error(), rejected.Score, rejected.Threshold)
		return e.finishConfirm(conv, reply, steps, nil)
	}

	steps = append(steps,
		Step{Label: "Writing to database", Status: StepDone},
		Step{Label: "Updating the search index", Status: StepDone},
	)

	problemLabel, solutionLabel := "Title", "Details"
	if p.ContentType == "insight" {
		problemLabel, solutionLabel = "Problem", "Solution"
	}
	typeLabel := capitalize(p.ContentType)
	reply := fmt.Sprintf("%s posted successfully!\n\n"+
		"**Topic:** %s\n"+
		"**Phase:** %s\n"+
		"**%s:** %s\n"+
		"**%s:** %s\n"+
		"**Tags:** %s\n\n"+
		"It is now visible on the dashboard.",
		typeLabel, created.Topic, created.Phase,
		problemLabel, created.Problem,
		solutionLabel, created.Solution,
		strings.Join(created.Tags, ", "))
	return e.finishConfirm(conv, reply, steps, nil)
}

// finishConfirm appends the assistant message and returns the full
// thread.
func (e *Engine) finishConfirm(conv *store.Conversation, reply string, steps []Step, pending *PendingPost) (*ChatResponse, error) {
	if _, err := e.store.AppendMessage(conv.ID, store.RoleAssistant, reply); err != nil {
		return nil, err
	}
	messages, err := e.store.ListMessages(conv.ID)
	if err != nil {
		return nil, err
	}
	return &ChatResponse{
		Reply:          reply,
		ConversationID: conv.ID,
		SessionID:      conv.SessionID,
		Messages:       messages,
		Steps:          steps,
		PendingPost:    pending,
	}, nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// History returns the transcript for one (agent, session) pair.
func (e *Engine) History(agentID, sessionID string) (*HistoryResponse, error) {
	if _, err := e.store.GetAgent(agentID); err != nil {
		return nil, err
	}
	conv, err := e.store.GetConversation(agentID, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := e.store.ListMessages(conv.ID)
	if err != nil {
		return nil, err
	}
	return &HistoryResponse{
		ConversationID: conv.ID,
		SessionID:      conv.SessionID,
		AgentID:        agentID,
		Messages:       messages,
	}, nil
}

// ClearHistory removes the conversation and all of its messages.
// Clearing a session that does not exist is not an error.
func (e *Engine) ClearHistory(agentID, sessionID string) error {
	err := e.store.DeleteConversation(agentID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
