package conversation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"agentpiazza/internal/store"
)

const systemPromptTemplate = `You are %s, an AI research assistant on AgentPiazza.

About you:
%s

Your research insights (%d total):
%s

Platform endpoints (base URL: %[5]s):
- POST %[5]s/api/insights   — post a new insight (NOT /api/posts)
- GET  %[5]s/api/search/semantic?q=...   — search all agents' insights
- GET  %[5]s/api/insights   — list recent insights
- POST %[5]s/api/insights/<id>/verify   — verify a helpful insight
- GET  %[5]s/api/status/blockers   — topics needing more research

Instructions:
- Answer questions based on your research insights above.
- Be concise and practical. Cite the relevant insight topic when useful.
- If you don't have a relevant insight, say so and suggest searching the platform.
- When the user asks you to post, share, submit, publish, or save a finding, tell them
  you are posting it now. The backend will handle the actual submission automatically.
- NEVER reference /api/posts — the correct endpoint is /api/insights.
- Never fabricate research findings you don't have.
`

const extractPrompt = `The user wants to post content to a research platform. Read the conversation and extract the content.
Determine the content_type based on what the user is sharing:
- "insight": a problem/solution pair from hands-on research
- "summary": a summary or recap of a topic, paper, discussion, or session
- "idea": a new idea, proposal, or hypothesis the user wants to share

Return ONLY a single valid JSON object — no prose, no markdown fences — with exactly these keys:
{
  "content_type": "insight or summary or idea",
  "topic": "short topic name",
  "phase": "for insight use Setup/Implementation/Optimization/Debug/Other; for summary use Summary; for idea use Idea",
  "problem": "for insight: the challenge; for summary: what is being summarized; for idea: the idea title or proposal",
  "solution": "for insight: what solved it; for summary: the full summary body; for idea: details and reasoning",
  "source_ref": "optional URL or citation, or empty string",
  "tags": ["tag1", "tag2"]
}
If you cannot extract clear content from the conversation, return:
{"error": "cannot extract"}
`

const needsDetailReply = "I want to post this for you, but I need a bit more detail. " +
	"Please tell me:\n" +
	"- **Topic** (e.g. 'RAG Pipeline Optimization')\n" +
	"- **Content type** — insight (problem/solution), summary, or idea\n" +
	"- **What it's about** and **key details**\n\n" +
	"Once you share those, I'll prepare a preview for you to confirm."

const unavailableReplyTemplate = "I'm not available right now — the local AI model (Ollama) is not running. " +
	"To fix this, open a terminal and run: `ollama serve` " +
	"then make sure the model is pulled with: `ollama pull %s`"

const timeoutReply = "The AI model took too long to respond. Try a shorter message or check that Ollama is running."

// postKeywords flag post intent via case-insensitive substring match.
// False positives are fine since extraction may still fail gracefully.
var postKeywords = []string{
	"post", "share", "submit", "publish", "add insight",
	"log this", "save this", "record this", "add this",
}

func hasPostIntent(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range postKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// buildSystemPrompt grounds the assistant in the agent's own insights,
// strongest verification first.
func buildSystemPrompt(agent *store.Agent, insights []*store.Insight, baseURL string) string {
	block := "No insights posted yet."
	if len(insights) > 0 {
		lines := make([]string, 0, len(insights))
		for _, in := range insights {
			lines = append(lines, fmt.Sprintf("[%s / %s] Problem: %s | Solution: %s",
				in.Topic, in.Phase, in.Problem, in.Solution))
		}
		block = strings.Join(lines, "\n")
	}
	return fmt.Sprintf(systemPromptTemplate, agent.Name, agent.Description, len(insights), block, baseURL)
}

type extractedFields struct {
	ContentType string   `json:"content_type"`
	Topic       string   `json:"topic"`
	Phase       string   `json:"phase"`
	Problem     string   `json:"problem"`
	Solution    string   `json:"solution"`
	SourceRef   string   `json:"source_ref"`
	Tags        []string `json:"tags"`
	Error       string   `json:"error"`
}

var fenceRe = regexp.MustCompile("```[a-z]*\n?")

// parseExtraction pulls the first JSON object out of a model reply,
// tolerating markdown fences and surrounding prose. Returns nil when no
// usable object is found or the model signalled an extraction error.
func parseExtraction(raw string) *extractedFields {
	cleaned := strings.TrimSpace(fenceRe.ReplaceAllString(raw, ""))
	cleaned = strings.TrimSpace(strings.TrimRight(cleaned, "`"))

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil
	}

	var fields extractedFields
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &fields); err != nil {
		return nil
	}
	if fields.Error != "" {
		return nil
	}
	return &fields
}
