package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"cortexgate/internal/tenancy"
	"cortexgate/internal/tokenutil"
)

type embeddingsRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

type embeddingDatum struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingsResponse struct {
	Object string           `json:"object"`
	Data   []embeddingDatum `json:"data"`
	Model  string           `json:"model"`
	Usage  usagePayload     `json:"usage"`
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, _ := tenancy.FromContext(ctx)

	var req embeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	inputs, err := decodeEmbeddingsInput(req.Input)
	if err != nil || len(inputs) == 0 {
		respondError(w, http.StatusBadRequest, "input must be a string or an array of strings")
		return
	}

	decision := s.RateLimit.Admit(ctx, key.TenantID)
	if !decision.Allow {
		respondErrorWithRetry(w, http.StatusTooManyRequests, "rate_limited", 60)
		return
	}

	vectors, err := s.Embedder.EmbedBatch(ctx, inputs)
	if err != nil {
		// The request was admitted, so the admission counter reflects it even
		// though no embeddings were produced.
		s.RateLimit.RecordEmbedding(ctx, key.TenantID, "", "", uuid.NewString(), req.Model, 0)
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			respondError(w, http.StatusGatewayTimeout, "upstream timeout")
			return
		}
		respondError(w, http.StatusBadGateway, "upstream failure")
		return
	}

	data := make([]embeddingDatum, 0, len(vectors))
	tokens := 0
	for i, v := range vectors {
		data = append(data, embeddingDatum{Index: i, Embedding: v})
		tokens += tokenutil.EstimateTokens(inputs[i])
	}

	respondJSON(w, http.StatusOK, embeddingsResponse{
		Object: "list",
		Data:   data,
		Model:  req.Model,
		Usage:  usagePayload{PromptTokens: tokens, TotalTokens: tokens},
	})

	s.RateLimit.RecordEmbedding(ctx, key.TenantID, "", "", uuid.NewString(), req.Model, tokens)
}

func decodeEmbeddingsInput(raw json.RawMessage) ([]string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, err
	}
	return many, nil
}
