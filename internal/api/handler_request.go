package api

import (
	"net"
	"net/http"

	"github.com/Resinat/edgecoord/internal/routing"
	"github.com/Resinat/edgecoord/internal/service"
)

// HandleProcessRequest returns a handler for POST /api/v1/requests.
// Without an explicit client location or IP the caller's address is used
// for geographic routing.
func HandleProcessRequest(svc *service.EdgeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req routing.EdgeRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.ClientLocation == nil && req.ClientIP == "" {
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				req.ClientIP = host
			}
		}
		resp, err := svc.ProcessOptimizationRequest(r.Context(), &req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
