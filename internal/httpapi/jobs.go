package httpapi

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
)

// handleSessionSummarizeJob triggers batch summarization for sessions whose
// dialogue state has crossed the conditional-summarization thresholds. This
// is an operational endpoint (scheduler-triggered), not part of the
// tenant-facing /v1 surface, so it carries no bearer auth.
func (s *Server) handleSessionSummarizeJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchSize, err := strconv.Atoi(r.URL.Query().Get("batch_size"))
	if err != nil || batchSize <= 0 {
		batchSize = 50
	}

	if s.Pipeline == nil || s.Pipeline.Dialogue == nil {
		respondError(w, http.StatusServiceUnavailable, "summarization not configured")
		return
	}

	candidates, err := s.Pipeline.Store.ListDialogueStatesNeedingSummary(ctx, s.summarizeTurnThreshold(), s.summarizeTokenThreshold(), batchSize)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list candidate sessions")
		return
	}

	summarized := 0
	for _, state := range candidates {
		if _, err := s.Pipeline.Dialogue.Summarize(ctx, state.TenantID, state.SessionID, nil); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("tenant_id", state.TenantID).Str("session_id", state.SessionID).
				Msg("httpapi: session-summarize job failed for one session")
			continue
		}
		summarized++
	}

	respondJSON(w, http.StatusOK, map[string]any{"summarized": summarized, "candidates": len(candidates)})
}

func (s *Server) summarizeTurnThreshold() int {
	if s.Pipeline != nil {
		return s.Pipeline.Summarize.TurnCountThreshold
	}
	return 20
}

func (s *Server) summarizeTokenThreshold() int {
	if s.Pipeline != nil {
		return s.Pipeline.Summarize.TokenThreshold
	}
	return 6000
}

type healthPayload struct {
	Status         string `json:"status"`
	RedisOK        bool   `json:"redisOk"`
	PostgresOK     bool   `json:"postgresOk"`
	QueueConfigured bool  `json:"queueConfigured"`
}

func (s *Server) handleJobsHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payload := healthPayload{Status: "ok", RedisOK: true, PostgresOK: true, QueueConfigured: s.Queue != nil}

	if s.Health != nil {
		payload.RedisOK = s.Health.PingRedis(ctx) == nil
		payload.PostgresOK = s.Health.PingPostgres(ctx) == nil
	}
	if !payload.RedisOK || !payload.PostgresOK {
		payload.Status = "degraded"
		respondJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}
