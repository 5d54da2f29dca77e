package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"cortexgate/internal/contextbuilder"
	"cortexgate/internal/llm"
	"cortexgate/internal/tenancy"
	"cortexgate/internal/tokenutil"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type knowledgeContextRequest struct {
	IncludeRecent       bool    `json:"includeRecent"`
	IncludeRelated      bool    `json:"includeRelated"`
	MaxContextObjects   int     `json:"maxContextObjects"`
	SimilarityThreshold float64 `json:"similarityThreshold"`
	Diversity           float64 `json:"diversity"`
}

type chatCompletionRequest struct {
	Model            string                    `json:"model"`
	Messages         []chatMessage             `json:"messages"`
	Temperature      float64                   `json:"temperature"`
	MaxTokens        int                       `json:"max_tokens"`
	Stream           bool                      `json:"stream"`
	KnowledgeContext *knowledgeContextRequest  `json:"knowledgeContext"`
	SessionID        string                    `json:"sessionId"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type usedObjectPayload struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Title     string  `json:"title"`
	Relevance float64 `json:"relevance"`
}

type knowledgeContextPayload struct {
	ObjectsUsed []usedObjectPayload `json:"objectsUsed"`
	TotalObjects int                `json:"totalObjects"`
}

type chatCompletionResponse struct {
	ID               string                   `json:"id"`
	Object           string                   `json:"object"`
	Created          int64                    `json:"created"`
	Model            string                   `json:"model"`
	Choices          []chatChoice             `json:"choices"`
	Usage            usagePayload             `json:"usage"`
	KnowledgeContext *knowledgeContextPayload `json:"knowledgeContext,omitempty"`
}

// handleChatCompletions implements the request pipeline's Authenticated ->
// Admitted -> Contextualized -> Dispatched -> Responded path. Only
// authentication, admission, and dispatch gate the client response; ingestion
// and dialogue-state recording run post-response on the ingest queue.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, _ := tenancy.FromContext(ctx)
	requestID := uuid.NewString()

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		respondError(w, http.StatusBadRequest, "model and messages are required")
		return
	}

	// Admitted.
	decision := s.RateLimit.Admit(ctx, key.TenantID)
	if !decision.Allow {
		respondErrorWithRetry(w, http.StatusTooManyRequests, "rate_limited", 60)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = requestID
	}
	userMessage := lastUserMessage(req.Messages)

	// Contextualized: a failure here proceeds without context rather than
	// failing the request.
	var ctxResult contextbuilder.Result
	if s.Context != nil && userMessage != "" {
		opts := resolveKnowledgeOptions(req.KnowledgeContext)
		ctxResult = s.Context.BuildContext(ctx, key.TenantID, sessionID, userMessage, opts)
	}

	msgs := toProviderMessages(req.Messages, ctxResult.ContextText)

	// Dispatched.
	reply, usage, err := s.Provider.Chat(ctx, msgs, req.Model, llm.ChatOptions{Temperature: req.Temperature, MaxTokens: req.MaxTokens})
	if err != nil {
		// The request was admitted, so the admission counter reflects it even
		// though no tokens were produced.
		s.RateLimit.RecordChatCompletion(ctx, key.TenantID, "", sessionID, requestID, req.Model, 0, 0, 0)
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			respondError(w, http.StatusGatewayTimeout, "upstream timeout")
			return
		}
		respondError(w, http.StatusBadGateway, "upstream failure")
		return
	}

	knowledgeTokens := tokenutil.EstimateTokens(ctxResult.ContextText)

	resp := chatCompletionResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{Index: 0, Message: chatMessage{Role: reply.Role, Content: reply.Content}, FinishReason: "stop"}},
		Usage:   usagePayload{PromptTokens: usage.PromptTokens, CompletionTokens: usage.CompletionTokens, TotalTokens: usage.TotalTokens},
	}
	if len(ctxResult.UsedObjects) > 0 {
		payload := &knowledgeContextPayload{TotalObjects: len(ctxResult.UsedObjects)}
		for _, obj := range ctxResult.UsedObjects {
			payload.ObjectsUsed = append(payload.ObjectsUsed, usedObjectPayload{ID: obj.ID, Type: string(obj.Type), Relevance: obj.Score})
		}
		resp.KnowledgeContext = payload
	}

	// Responded: gates the client response. Everything below is async.
	respondJSON(w, http.StatusOK, resp)

	s.RateLimit.RecordChatCompletion(ctx, key.TenantID, "", sessionID, requestID, req.Model, usage.PromptTokens, usage.CompletionTokens, knowledgeTokens)

	if s.Pipeline != nil && userMessage != "" {
		bg := context.WithoutCancel(ctx)
		if _, err := s.Pipeline.ProcessTurn(bg, key.TenantID, sessionID, "", userMessage, reply.Content, usage.PromptTokens, usage.CompletionTokens, knowledgeTokens); err != nil {
			log.Ctx(bg).Warn().Err(err).Str("tenant_id", key.TenantID).Str("request_id", requestID).Msg("httpapi: post-response turn persistence failed")
		}
	}
}

func resolveKnowledgeOptions(req *knowledgeContextRequest) contextbuilder.Options {
	opts := contextbuilder.DefaultOptions()
	if req == nil {
		return opts
	}
	opts.IncludeRecent = req.IncludeRecent
	opts.IncludeRelated = req.IncludeRelated
	if req.MaxContextObjects > 0 {
		opts.MaxContextObjects = req.MaxContextObjects
	}
	if req.SimilarityThreshold > 0 {
		opts.SimilarityThreshold = req.SimilarityThreshold
	}
	if req.Diversity > 0 {
		opts.Diversity = req.Diversity
	}
	return opts
}

func lastUserMessage(msgs []chatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

func toProviderMessages(msgs []chatMessage, contextText string) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	if contextText != "" {
		out = append(out, llm.Message{Role: "system", Content: contextText})
	}
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

