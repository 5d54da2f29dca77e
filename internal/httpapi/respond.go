package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, kind string) {
	respondJSON(w, status, map[string]any{"error": kind})
}

func respondErrorWithRetry(w http.ResponseWriter, status int, kind string, retryAfterSeconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	respondJSON(w, status, map[string]any{"error": kind, "retry_after": retryAfterSeconds})
}
