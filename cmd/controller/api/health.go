package api

import (
	"net/http"

	"github.com/buildmesh/controller/lib/httperr"
	"github.com/buildmesh/controller/lib/logger"
)

// Health handles GET /health (anonymous).
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	stats, err := h.Catalog.Stats(r.Context())
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"queue": map[string]int{
			"pending": stats.PendingCount,
			"active":  stats.ActiveCount,
		},
		"storage": map[string]any{
			"max_source_bytes": h.MaxSourceBytes,
			"max_certs_bytes":  h.MaxCertsBytes,
			"max_result_bytes": h.MaxResultBytes,
		},
	})
}

// Stats handles GET /api/stats (anonymous).
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	stats, err := h.Catalog.Stats(r.Context())
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]any{
		"pending":   stats.PendingCount,
		"active":    stats.ActiveCount,
		"completed": stats.CompletedCount,
		"failed":    stats.FailedCount,
	})
}
