package httpapi

import "net/http"

type modelPayload struct {
	ID             string `json:"id"`
	Object         string `json:"object"`
	OwnedBy        string `json:"owned_by"`
	MaxTokens      int    `json:"maxTokens"`
	KnowledgeAware bool   `json:"knowledgeAware"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := make([]modelPayload, 0, len(s.Models))
	for _, m := range s.Models {
		models = append(models, modelPayload{ID: m.ID, Object: "model", OwnedBy: m.OwnedBy, MaxTokens: m.MaxTokens, KnowledgeAware: m.KnowledgeAware})
	}
	respondJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}
