package api

import (
	"net/http"

	"github.com/Resinat/edgecoord/internal/buildinfo"
	"github.com/Resinat/edgecoord/internal/config"
	"github.com/Resinat/edgecoord/internal/service"
)

// HandleSystemInfo returns a handler for GET /api/v1/system/info.
func HandleSystemInfo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, buildinfo.Get())
	}
}

// HandleSystemEnvConfig returns a handler for GET /api/v1/system/config/env.
// Secrets are redacted.
func HandleSystemEnvConfig(cfg *config.EnvConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg == nil {
			WriteJSON(w, http.StatusOK, config.Default())
			return
		}
		cp := *cfg
		if cp.AdminToken != "" {
			cp.AdminToken = "REDACTED"
		}
		if cp.RedisPassword != "" {
			cp.RedisPassword = "REDACTED"
		}
		WriteJSON(w, http.StatusOK, cp)
	}
}

// HandleHealth returns a handler for GET /api/v1/health. An unhealthy
// coordinator answers 503 with the same body.
func HandleHealth(svc *service.EdgeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := svc.GetHealthStatus()
		status := http.StatusOK
		if h.Status == service.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		WriteJSON(w, status, h)
	}
}

// HandlePerformanceMetrics returns a handler for GET /api/v1/metrics/performance.
func HandlePerformanceMetrics(svc *service.EdgeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := svc.GetEdgePerformanceMetrics(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}

// HandleSync returns a handler for POST /api/v1/sync.
func HandleSync(svc *service.EdgeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.SynchronizeWithCloud(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// HandleClear returns a handler for POST /api/v1/admin/clear.
func HandleClear(svc *service.EdgeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.ClearMetrics(r.Context()); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
