// Package dialogue maintains per-session rolling state: turn/token counters,
// a bounded recent-turns buffer, and LLM-generated summaries.
package dialogue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cortexgate/internal/domain"
	"cortexgate/internal/knowledge"
	"cortexgate/internal/llm"
)

const (
	maxRecentTurns  = 10
	maxSummaryChars = 250
)

// Service implements per-session dialogue-state mutation and summarization.
// Mutation is serialized per (tenantId, sessionId) via an in-process mutex,
// matching the single-node deployment model.
type Service struct {
	Store    knowledge.Store
	Provider llm.Provider
	Model    string

	locks sync.Map // key -> *sync.Mutex
}

func New(store knowledge.Store, provider llm.Provider, model string) *Service {
	return &Service{Store: store, Provider: provider, Model: model}
}

func (s *Service) lockFor(tenantID, sessionID string) *sync.Mutex {
	key := tenantID + "/" + sessionID
	m, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// RecordTurn increments counters, appends to the bounded recent-turns
// buffer, and persists the updated state.
func (s *Service) RecordTurn(ctx context.Context, tenantID, sessionID, userID string, turn domain.TurnRef, promptTokens, completionTokens, knowledgeTokens int) (domain.DialogueState, error) {
	mu := s.lockFor(tenantID, sessionID)
	mu.Lock()
	defer mu.Unlock()

	state, err := s.Store.GetOrCreateDialogueState(ctx, tenantID, sessionID, userID)
	if err != nil {
		return domain.DialogueState{}, fmt.Errorf("load dialogue state: %w", err)
	}

	state.TurnCount += 2
	tokens := promptTokens + completionTokens + knowledgeTokens
	state.CumulativeTokens += tokens
	state.TurnsSinceSummary += 2
	state.TokensSinceSummary += tokens
	state.LastUpdatedAt = turn.At

	state.RecentTurns = append(state.RecentTurns, turn)
	if len(state.RecentTurns) > maxRecentTurns {
		state.RecentTurns = state.RecentTurns[len(state.RecentTurns)-maxRecentTurns:]
	}

	if err := s.Store.SaveDialogueState(ctx, state); err != nil {
		return domain.DialogueState{}, fmt.Errorf("save dialogue state: %w", err)
	}
	return state, nil
}

// NeedsSummary reports whether the conditional summarization trigger has
// fired for the given state against the supplied thresholds.
func NeedsSummary(state domain.DialogueState, turnThreshold, tokenThreshold int) bool {
	return state.TurnsSinceSummary >= turnThreshold || state.TokensSinceSummary >= tokenThreshold
}

type summaryReply struct {
	ShortSummary  string   `json:"short_summary"`
	BulletSummary []string `json:"bullet_summary"`
	Topics        []string `json:"topics"`
}

// Summarize asks the upstream LLM for a session summary from the recent
// turns' text, resets the per-summary counters, and persists the result.
// Parse failures fall back to a truncated first-line heuristic rather than
// failing the caller.
func (s *Service) Summarize(ctx context.Context, tenantID, sessionID string, recentText []string) (domain.DialogueState, error) {
	mu := s.lockFor(tenantID, sessionID)
	mu.Lock()
	defer mu.Unlock()

	state, err := s.Store.GetOrCreateDialogueState(ctx, tenantID, sessionID, "")
	if err != nil {
		return domain.DialogueState{}, fmt.Errorf("load dialogue state: %w", err)
	}

	short, bullets, topics := s.summarizeText(ctx, strings.Join(recentText, "\n"))

	state.SummaryShort = short
	state.SummaryBullets = bullets
	state.Topics = topics
	state.TurnsSinceSummary = 0
	state.TokensSinceSummary = 0

	if err := s.Store.SaveDialogueState(ctx, state); err != nil {
		return domain.DialogueState{}, fmt.Errorf("save dialogue state: %w", err)
	}
	return state, nil
}

func (s *Service) summarizeText(ctx context.Context, text string) (short string, bullets, topics []string) {
	msgs := []llm.Message{
		{Role: "system", Content: `Summarize the conversation below. Respond with only a JSON object: {"short_summary": string, "bullet_summary": [string], "topics": [string]}.`},
		{Role: "user", Content: text},
	}

	reply, _, err := s.Provider.Chat(ctx, msgs, s.Model, llm.ChatOptions{Temperature: 0.2, MaxTokens: 512})
	if err == nil {
		var parsed summaryReply
		if jsonErr := json.Unmarshal([]byte(strings.TrimSpace(reply.Content)), &parsed); jsonErr == nil && parsed.ShortSummary != "" {
			return capLength(parsed.ShortSummary, maxSummaryChars), parsed.BulletSummary, parsed.Topics
		}
	}

	return capLength(firstLine(text), maxSummaryChars), nil, nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func capLength(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
