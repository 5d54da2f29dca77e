// Package llm wraps the single upstream OpenAI-compatible chat completions
// endpoint (embeddings are served by package embedding), plus the observability
// instrumentation (token metrics, redacted request/response logging,
// tracing) every call site shares.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/shared"
)

// Message is a single chat turn. The system never needs tool calls, image
// payloads, or provider-specific echo state: the upstream contract is a
// plain OpenAI-compatible chat completion.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// Usage mirrors the usage object returned alongside a completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatOptions carries the per-request tunables a caller may set.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
}

// Provider is the upstream chat client. Streaming is accepted at
// the HTTP surface but never forwarded here: every call is a single
// non-streaming round trip.
type Provider interface {
	Chat(ctx context.Context, msgs []Message, model string, opts ChatOptions) (Message, Usage, error)
}

type openAIProvider struct {
	client openai.Client
}

// NewProvider builds a Provider for an OpenAI-compatible endpoint. baseURL
// may be empty to use the official OpenAI API.
func NewProvider(baseURL, apiKey string) Provider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openAIProvider{client: openai.NewClient(opts...)}
}

func (p *openAIProvider) Chat(ctx context.Context, msgs []Message, model string, opts ChatOptions) (Message, Usage, error) {
	ctx, span := StartRequestSpan(ctx, "chat.completions", model, 0, len(msgs))
	defer span.End()
	LogRedactedPrompt(ctx, msgs)

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: toSDKMessages(msgs),
	}
	if opts.Temperature > 0 {
		params.Temperature = param.NewOpt(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		if isThinkingModel(model) {
			params.MaxCompletionTokens = param.NewOpt(int64(opts.MaxTokens))
		} else {
			params.MaxTokens = param.NewOpt(int64(opts.MaxTokens))
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Message{}, Usage{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Message{}, Usage{}, fmt.Errorf("chat completion: no choices returned")
	}

	out := Message{Role: "assistant", Content: resp.Choices[0].Message.Content}
	usage := Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	LogRedactedResponse(ctx, resp)
	RecordTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	RecordTokenMetrics(model, usage.PromptTokens, usage.CompletionTokens)
	return out, usage, nil
}

func toSDKMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// isThinkingModel matches the "o<int>-*" reasoning-model naming convention,
// which requires MaxCompletionTokens instead of MaxTokens.
func isThinkingModel(model string) bool {
	model = strings.ToLower(model)
	if !strings.HasPrefix(model, "o") {
		return false
	}
	rest := model[1:]
	i := 0
	for ; i < len(rest) && rest[i] >= '0' && rest[i] <= '9'; i++ {
	}
	return i > 0 && i < len(rest) && rest[i] == '-'
}
