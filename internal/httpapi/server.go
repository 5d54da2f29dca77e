// Package httpapi exposes the OpenAI-compatible chat/embeddings surface,
// the models/jobs/usage endpoints, and the bearer-authenticated request
// pipeline (Received -> Authenticated -> Admitted -> Contextualized ->
// Dispatched -> Responded) that fronts them.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"cortexgate/internal/contextbuilder"
	"cortexgate/internal/embedding"
	"cortexgate/internal/ingestion"
	"cortexgate/internal/ingestqueue"
	"cortexgate/internal/llm"
	"cortexgate/internal/ratelimit"
	"cortexgate/internal/tenancy"
)

// ModelInfo describes one entry in the /v1/models catalog.
type ModelInfo struct {
	ID             string
	OwnedBy        string
	MaxTokens      int
	KnowledgeAware bool
}

// HealthChecker reports the liveness signals the jobs health endpoint needs.
type HealthChecker interface {
	PingRedis(ctx context.Context) error
	PingPostgres(ctx context.Context) error
}

// Server wires the request pipeline components to their HTTP handlers.
type Server struct {
	Auth         tenancy.Verifier
	RateLimit    *ratelimit.Engine
	Context      *contextbuilder.Builder
	Provider     llm.Provider
	Embedder     embedding.Embedder
	Pipeline     *ingestion.Pipeline
	Queue        ingestqueue.Queue
	Health       HealthChecker
	Models       []ModelInfo
	DefaultModel string
	RequestTimeout time.Duration

	mux *http.ServeMux
}

// NewServer builds the HTTP server and registers routes. The caller is
// responsible for starting s.Queue.Start separately, since queue lifecycle
// spans more than one Server instance in tests.
func NewServer(s *Server) *Server {
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = 60 * time.Second
	}
	s.mux = http.NewServeMux()
	s.registerRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	authed := tenancy.Middleware(s.Auth, func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusUnauthorized, "unauthorized")
	})

	s.mux.Handle("POST /v1/chat/completions", s.withTimeout(authed(http.HandlerFunc(s.handleChatCompletions))))
	s.mux.Handle("POST /v1/embeddings", s.withTimeout(authed(http.HandlerFunc(s.handleEmbeddings))))
	s.mux.Handle("GET /v1/models", authed(http.HandlerFunc(s.handleListModels)))
	s.mux.Handle("GET /v1/usage", authed(http.HandlerFunc(s.handleUsage)))

	s.mux.HandleFunc("POST /jobs/session-summarize", s.handleSessionSummarizeJob)
	s.mux.HandleFunc("GET /jobs/health", s.handleJobsHealth)
}

func (s *Server) withTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
