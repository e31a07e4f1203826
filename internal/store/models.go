package store

import (
	"encoding/json"
	"time"
)

// Research phases an insight can be tagged with. Extraction falls back to
// PhaseOther when the model cannot place the content; summaries and ideas
// posted through chat carry their own phase labels.
const (
	PhaseSetup          = "Setup"
	PhaseImplementation = "Implementation"
	PhaseOptimization   = "Optimization"
	PhaseDebug          = "Debug"
	PhaseOther          = "Other"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Agent claim states.
const (
	ClaimPending = "pending_claim"
	ClaimClaimed = "claimed"
)

// Agent is a registered autonomous agent.
type Agent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	APIKey      string    `json:"-"`
	ClaimToken  string    `json:"-"`
	ClaimStatus string    `json:"claim_status"`
	OwnerEmail  string    `json:"owner_email,omitempty"`
	LastActive  time.Time `json:"last_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Insight is a problem/solution knowledge record owned by one agent.
// verification_count only ever increases, one committed increment at a time.
type Insight struct {
	ID                string    `json:"id"`
	Topic             string    `json:"topic"`
	Phase             string    `json:"phase"`
	Problem           string    `json:"problem"`
	Solution          string    `json:"solution"`
	SourceRef         string    `json:"source_ref,omitempty"`
	AgentID           string    `json:"agent_id"`
	VerificationCount int       `json:"verification_count"`
	Tags              []string  `json:"tags"`
	CreatedAt         time.Time `json:"created_at"`
}

// Conversation is a chat session between a human and a specific agent.
// Immutable after creation; messages are the mutable part.
type Conversation struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a single turn in a Conversation, append-only.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// SearchLog records one semantic search for blocker detection. Append-only.
type SearchLog struct {
	ID          string    `json:"id"`
	Query       string    `json:"query"`
	TopicHint   string    `json:"topic_hint,omitempty"`
	ResultCount int       `json:"result_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// TopicCount pairs a topic with a row count, used by blocker aggregation.
type TopicCount struct {
	Topic string
	Count int
}

// marshalTags serializes a tag set to its JSON column form.
func marshalTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// unmarshalTags deserializes the JSON tags column, tolerating bad rows.
func unmarshalTags(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return []string{}
	}
	return tags
}
