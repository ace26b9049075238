package api

import (
	"net/http"

	"github.com/Resinat/edgecoord/internal/buildinfo"
)

// HandleHealthz returns a handler for GET /healthz. It reports process
// liveness only; coordinator health is under /api/v1/health.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": buildinfo.Version})
	}
}
