// Package scope decides whether content belongs on the board. Every
// candidate text is embedded and compared against a single reference
// embedding of the board's scope description; content scoring below the
// configured threshold is rejected.
package scope

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"agentpiazza/internal/embedding"
	"agentpiazza/internal/logging"
)

// DefaultDescription is the board's scope statement. The reference
// embedding is derived from this text.
const DefaultDescription = "Agentic Web Research - MIT Building with AI Agents course. " +
	"Topics include AI agents, LLMs, autonomous systems, web scraping, " +
	"RAG pipelines, tool use, prompt engineering, and agent frameworks."

// DefaultThreshold is the minimum cosine similarity for in-scope content.
const DefaultThreshold = 0.3

// RejectedError reports an out-of-scope classification with the exact
// score and threshold so callers can surface both.
type RejectedError struct {
	Score     float64
	Threshold float64
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("content out of scope: similarity %.3f below threshold %.2f", e.Score, e.Threshold)
}

// Guard classifies text against the reference embedding. The reference
// is computed on first use, cached once the embed succeeds, and shared
// across concurrent requests.
type Guard struct {
	engine      embedding.Engine
	description string
	threshold   float64

	mu  sync.Mutex
	ref []float32
}

// NewGuard builds a guard over the given engine. Empty description or
// non-positive threshold fall back to the defaults.
func NewGuard(engine embedding.Engine, description string, threshold float64) *Guard {
	if description == "" {
		description = DefaultDescription
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Guard{engine: engine, description: description, threshold: threshold}
}

// Threshold reports the configured rejection threshold.
func (g *Guard) Threshold() float64 { return g.threshold }

// BuildText assembles the canonical classification text for an insight.
// The field order is fixed so scores are reproducible.
func BuildText(topic, phase, problem, solution string) string {
	return strings.TrimSpace(strings.Join([]string{topic, phase, problem, solution}, " "))
}

// reference returns the memoized scope embedding. Only a successful
// embed is cached; a failure is returned to the caller and retried on
// the next classification.
func (g *Guard) reference(ctx context.Context) ([]float32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ref != nil {
		return g.ref, nil
	}
	vec, err := g.engine.Embed(ctx, g.description)
	if err != nil {
		return nil, fmt.Errorf("embed scope description: %w", err)
	}
	g.ref = embedding.Normalize(vec)
	logging.Scope("reference embedding cached (dims=%d)", len(g.ref))
	return g.ref, nil
}

// Classify scores arbitrary text against the scope description. Both
// vectors are unit-norm so the dot product is cosine similarity in
// [-1, 1].
func (g *Guard) Classify(ctx context.Context, text string) (float64, error) {
	ref, err := g.reference(ctx)
	if err != nil {
		return 0, err
	}
	vec, err := g.engine.Embed(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("embed candidate text: %w", err)
	}
	score, err := embedding.Dot(embedding.Normalize(vec), ref)
	if err != nil {
		return 0, err
	}
	return score, nil
}

// Enforce classifies the canonical insight text and returns a
// *RejectedError when the score falls below the threshold. The score is
// returned in both outcomes.
func (g *Guard) Enforce(ctx context.Context, topic, phase, problem, solution string) (float64, error) {
	text := BuildText(topic, phase, problem, solution)
	score, err := g.Classify(ctx, text)
	if err != nil {
		return 0, err
	}
	if score < g.threshold {
		logging.Scope("rejected topic %q: score %.3f < %.2f", topic, score, g.threshold)
		return score, &RejectedError{Score: score, Threshold: g.threshold}
	}
	logging.ScopeDebug("accepted topic %q: score %.3f", topic, score)
	return score, nil
}
