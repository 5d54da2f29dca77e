// Package extraction turns a completed turn into structured facts, entities,
// and tasks via the upstream LLM, with balanced-JSON parsing and a
// never-fatal fallback.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cortexgate/internal/llm"
)

// Fact, Entity, and Task mirror the documented extraction schema.
type Fact struct {
	Content    string   `json:"content"`
	Source     string   `json:"source"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags"`
}

type Entity struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Confidence  float64        `json:"confidence"`
	Attributes  map[string]any `json:"attributes"`
}

type Task struct {
	Description string  `json:"description"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority,omitempty"`
	Assignee    string  `json:"assignee,omitempty"`
	DueDate     string  `json:"dueDate,omitempty"`
}

// MemoryExtraction is the Extract return value.
type MemoryExtraction struct {
	Facts      []Fact         `json:"facts"`
	Entities   []Entity       `json:"entities"`
	Tasks      []Task         `json:"tasks"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata"`
}

// Extractor invokes the upstream LLM to extract structured memory from a turn.
type Extractor struct {
	Provider llm.Provider
	Model    string
}

func New(provider llm.Provider, model string) *Extractor {
	return &Extractor{Provider: provider, Model: model}
}

const extractionPrompt = `Extract structured memory from the following conversation turn. Respond with a single JSON object and nothing else, matching this shape:
{
  "facts": [{"content": string, "source": string, "confidence": number 0-1, "tags": [string]}],
  "entities": [{"name": string, "type": string, "description": string, "confidence": number 0-1, "attributes": object}],
  "tasks": [{"description": string, "status": string, "priority": string, "assignee": string, "dueDate": string}],
  "confidence": number 0-1
}
Omit fields you have no information for. Use an empty array when there is nothing to report in a category.`

// Extract calls the upstream LLM with a low temperature and parses its reply.
// Parse failures or schema violations never propagate as an error: they
// produce a minimal fallback record instead, per the non-fatal contract.
func (e *Extractor) Extract(ctx context.Context, userMessage, assistantMessage, extraContext string) MemoryExtraction {
	prompt := fmt.Sprintf("%s\n\nUser: %s\nAssistant: %s", extractionPrompt, userMessage, assistantMessage)
	if extraContext != "" {
		prompt += "\n\nAdditional context:\n" + extraContext
	}

	msgs := []llm.Message{
		{Role: "system", Content: "You extract structured memory from conversations. Always respond with valid JSON only."},
		{Role: "user", Content: prompt},
	}

	reply, _, err := e.Provider.Chat(ctx, msgs, e.Model, llm.ChatOptions{Temperature: 0.1, MaxTokens: 1024})
	if err != nil {
		return fallbackExtraction(userMessage, assistantMessage, fmt.Sprintf("upstream call failed: %v", err))
	}

	raw := extractJSONObject(reply.Content)
	if raw == "" {
		return fallbackExtraction(userMessage, assistantMessage, "no JSON object found in reply")
	}

	var parsed MemoryExtraction
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return fallbackExtraction(userMessage, assistantMessage, fmt.Sprintf("json parse failed: %v", err))
	}

	parsed.Facts = validateAndDedupeFacts(parsed.Facts)
	if parsed.Metadata == nil {
		parsed.Metadata = map[string]any{}
	}
	parsed.Metadata["extraction_method"] = "llm"
	return parsed
}

func fallbackExtraction(userMessage, assistantMessage, reason string) MemoryExtraction {
	content := strings.TrimSpace(userMessage)
	if content == "" {
		content = strings.TrimSpace(assistantMessage)
	}
	var facts []Fact
	if content != "" {
		facts = []Fact{{Content: truncate(content, 500), Source: "fallback", Confidence: 0.2}}
	}
	return MemoryExtraction{
		Facts:      facts,
		Confidence: 0.2,
		Metadata: map[string]any{
			"extraction_method": "fallback",
			"reason":            reason,
		},
	}
}

// validateAndDedupeFacts drops invalid facts, normalizes content, and
// coalesces duplicates keeping the higher confidence.
func validateAndDedupeFacts(facts []Fact) []Fact {
	seen := map[string]int{} // normalized content -> index in out
	out := make([]Fact, 0, len(facts))
	for _, f := range facts {
		normalized := normalizeContent(f.Content)
		if normalized == "" {
			continue
		}
		if f.Confidence < 0 || f.Confidence > 1 {
			continue
		}
		f.Content = normalized
		if idx, ok := seen[normalized]; ok {
			if f.Confidence > out[idx].Confidence {
				out[idx] = f
			}
			continue
		}
		seen[normalized] = len(out)
		out = append(out, f)
	}
	return out
}

func normalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// extractJSONObject returns the first balanced {...} object found in s, or
// "" if none is found.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
