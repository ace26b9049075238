package api

import (
	"net/http"

	"github.com/Resinat/edgecoord/internal/service"
	"github.com/Resinat/edgecoord/internal/workload"
)

// HandleCoordinateWorkload returns a handler for POST /api/v1/workloads.
func HandleCoordinateWorkload(svc *service.EdgeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var wl workload.Workload
		if err := DecodeBody(r, &wl); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		res, err := svc.CoordinateDistributedWorkload(r.Context(), &wl)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, res)
	}
}

// HandleListWorkloads returns a handler for GET /api/v1/workloads.
func HandleListWorkloads(svc *service.EdgeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, err := ParsePagination(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, paginate(svc.ListWorkloads(), pg))
	}
}

// HandleGetWorkload returns a handler for GET /api/v1/workloads/{id}.
func HandleGetWorkload(svc *service.EdgeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wl, err := svc.GetWorkload(PathParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, wl)
	}
}

type statusUpdateRequest struct {
	Status   string   `json:"status"`
	Progress *float64 `json:"progress"`
}

// HandleUpdateWorkloadStatus returns a handler for
// PATCH /api/v1/workloads/{id}/status.
func HandleUpdateWorkloadStatus(svc *service.EdgeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req statusUpdateRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		progress := -1.0
		if req.Progress != nil {
			if *req.Progress < 0 || *req.Progress > 1 {
				writeInvalidArgument(w, "progress: must be within [0, 1]")
				return
			}
			progress = *req.Progress
		}
		wl, err := svc.UpdateWorkloadStatus(PathParam(r, "id"), req.Status, progress)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, wl)
	}
}
