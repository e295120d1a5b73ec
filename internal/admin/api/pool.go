package api

import (
	"net/http"

	"github.com/goodtune/pricefleet/internal/pool"
	"github.com/goodtune/pricefleet/internal/session"
	"github.com/rs/zerolog"
)

// PoolSource is the read side of the session pool.
type PoolSource interface {
	Metrics() pool.PoolMetrics
	Sessions() []session.Info
}

// PoolHandler handles pool API requests.
type PoolHandler struct {
	pool   PoolSource
	logger zerolog.Logger
}

// NewPoolHandler creates a new pool handler.
func NewPoolHandler(p PoolSource, logger zerolog.Logger) *PoolHandler {
	return &PoolHandler{
		pool:   p,
		logger: logger.With().Str("handler", "pool").Logger(),
	}
}

// Metrics returns pool counts, overall and per platform.
func (h *PoolHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Metrics())
}

// Sessions lists pooled sessions, optionally filtered by ?platform= and
// ?status=.
func (h *PoolHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	status := session.Status(r.URL.Query().Get("status"))

	all := h.pool.Sessions()
	sessions := make([]session.Info, 0, len(all))
	for _, info := range all {
		if platform != "" && info.Platform != platform {
			continue
		}
		if status != "" && info.Status != status {
			continue
		}
		sessions = append(sessions, info)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}
