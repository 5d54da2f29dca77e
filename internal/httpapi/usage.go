package httpapi

import (
	"net/http"
	"time"

	"cortexgate/internal/tenancy"
)

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, _ := tenancy.FromContext(ctx)

	from, err := parseTimeParam(r.URL.Query().Get("from"), time.Now().AddDate(0, 0, -30))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid from timestamp")
		return
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"), time.Now())
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid to timestamp")
		return
	}

	stats, err := s.RateLimit.Stats(ctx, key.TenantID, from, to)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "usage lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func parseTimeParam(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, v)
}
