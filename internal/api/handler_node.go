package api

import (
	"cmp"
	"net/http"
	"slices"
	"strings"

	"github.com/Resinat/edgecoord/internal/node"
	"github.com/Resinat/edgecoord/internal/service"
)

var nodeSortFields = []string{"id", "region", "health_score", "registered_at"}

func sortNodes(nodes []*node.EdgeNode, s Sorting) {
	slices.SortStableFunc(nodes, func(a, b *node.EdgeNode) int {
		var c int
		switch s.Field {
		case "region":
			c = strings.Compare(a.Location.Region, b.Location.Region)
		case "health_score":
			c = cmp.Compare(a.Status.HealthScore, b.Status.HealthScore)
		case "registered_at":
			c = a.RegisteredAt.Compare(b.RegisteredAt)
		}
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		return s.order(c)
	})
}

// HandleRegisterNode returns a handler for POST /api/v1/nodes.
func HandleRegisterNode(svc *service.EdgeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var n node.EdgeNode
		if err := DecodeBody(r, &n); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		res, err := svc.RegisterEdgeNode(&n)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, res)
	}
}

// HandleListNodes returns a handler for GET /api/v1/nodes.
// Query: online=true restricts the list to online nodes.
func HandleListNodes(svc *service.EdgeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, err := ParsePagination(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		sorting, err := ParseSorting(r, nodeSortFields, "id")
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		online, err := ParseBoolQuery(r, "online")
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}

		var nodes []*node.EdgeNode
		if online != nil && *online {
			nodes = svc.ListOnlineNodes()
		} else {
			nodes = svc.ListNodes()
		}
		sortNodes(nodes, sorting)
		WriteJSON(w, http.StatusOK, paginate(nodes, pg))
	}
}

// HandleGetNode returns a handler for GET /api/v1/nodes/{id}.
func HandleGetNode(svc *service.EdgeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, ok := svc.GetNodeByID(PathParam(r, "id"))
		if !ok {
			writeNotFound(w, "node not found")
			return
		}
		WriteJSON(w, http.StatusOK, n)
	}
}

// HandleRemoveNode returns a handler for DELETE /api/v1/nodes/{id}.
func HandleRemoveNode(svc *service.EdgeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !svc.RemoveNode(PathParam(r, "id")) {
			writeNotFound(w, "node not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type failureRequest struct {
	FailureType string `json:"failure_type"`
}

// HandleNodeFailure returns a handler for POST /api/v1/nodes/{id}/failure.
func HandleNodeFailure(svc *service.EdgeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req failureRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.FailureType == "" {
			writeInvalidArgument(w, "failure_type: is required")
			return
		}
		out, err := svc.HandleNodeFailure(PathParam(r, "id"), req.FailureType)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

// HandleRecoverNode returns a handler for POST /api/v1/nodes/{id}/recover.
func HandleRecoverNode(svc *service.EdgeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.RecoverNode(PathParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, n)
	}
}
