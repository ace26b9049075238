package service

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/Resinat/edgecoord/internal/clustersync"
	"github.com/Resinat/edgecoord/internal/failover"
	"github.com/Resinat/edgecoord/internal/metrics"
	"github.com/Resinat/edgecoord/internal/node"
	"github.com/Resinat/edgecoord/internal/routing"
	"github.com/Resinat/edgecoord/internal/strategy"
	"github.com/Resinat/edgecoord/internal/workload"
)

// ------------------------------------------------------------------
// Requests
// ------------------------------------------------------------------

// ProcessOptimizationRequest routes req to an edge node, the response
// cache or the cloud fallback.
func (s *EdgeService) ProcessOptimizationRequest(ctx context.Context, req *routing.EdgeRequest) (*routing.EdgeResponse, error) {
	if req == nil {
		return nil, invalidArg("request is required")
	}
	resp, err := s.Router.Route(ctx, req)
	if err != nil {
		return nil, wrap(err)
	}
	return resp, nil
}

// ------------------------------------------------------------------
// Workloads
// ------------------------------------------------------------------

// CoordinateDistributedWorkload places w across the online nodes. On
// failure nothing is stored and no node is touched.
func (s *EdgeService) CoordinateDistributedWorkload(ctx context.Context, w *workload.Workload) (workload.CoordinationResult, error) {
	if w == nil {
		return workload.CoordinationResult{}, invalidArg("workload is required")
	}
	res, err := s.Workloads.Coordinate(ctx, w)
	if err != nil {
		return workload.CoordinationResult{}, wrap(err)
	}
	return res, nil
}

// GetWorkload returns a copy of workload id.
func (s *EdgeService) GetWorkload(id string) (*workload.Workload, error) {
	w, ok := s.Workloads.Get(id)
	if !ok {
		return nil, notFound("workload not found")
	}
	return w, nil
}

// ListWorkloads returns every tracked workload.
func (s *EdgeService) ListWorkloads() []*workload.Workload {
	return s.Workloads.List()
}

// UpdateWorkloadStatus moves workload id to status. A negative progress
// leaves progress unchanged.
func (s *EdgeService) UpdateWorkloadStatus(id, status string, progress float64) (*workload.Workload, error) {
	st := workload.Status(strings.ToLower(strings.TrimSpace(status)))
	if !st.IsValid() {
		return nil, invalidArg("invalid workload status: " + status)
	}
	w, err := s.Workloads.UpdateStatus(id, st, progress)
	if err != nil {
		return nil, wrap(err)
	}
	return w, nil
}

// ------------------------------------------------------------------
// Failover and sync
// ------------------------------------------------------------------

// HandleNodeFailure takes nodeID offline and migrates its workloads. A
// failover that finds no replacement still succeeds; only an unknown
// failure type or node is an error.
func (s *EdgeService) HandleNodeFailure(nodeID, failureType string) (failover.Outcome, error) {
	ft, err := failover.ParseFailureType(strings.ToLower(strings.TrimSpace(failureType)))
	if err != nil {
		return failover.Outcome{}, wrap(err)
	}
	out, err := s.Failover.HandleFailure(nodeID, ft)
	if err != nil {
		return failover.Outcome{}, wrap(err)
	}
	return out, nil
}

// SynchronizeWithCloud runs one reconciliation pass. Per-node failures are
// reported in the result, not as an error.
func (s *EdgeService) SynchronizeWithCloud(ctx context.Context) (clustersync.Result, error) {
	res, err := s.Sync.Sync(ctx)
	if err != nil {
		return clustersync.Result{}, wrap(err)
	}
	return res, nil
}

// ------------------------------------------------------------------
// Metrics and health
// ------------------------------------------------------------------

// GetEdgePerformanceMetrics aggregates recent telemetry.
func (s *EdgeService) GetEdgePerformanceMetrics(ctx context.Context) (*metrics.Snapshot, error) {
	snap, err := s.Metrics.Snapshot(ctx)
	if err != nil {
		return nil, wrap(err)
	}
	return snap, nil
}

// Health status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// healthyAverageScore is the mean health score at or above which a
// coordinator with online nodes reports healthy.
const healthyAverageScore = 50

// HealthStatus summarizes the coordinator for probes and dashboards.
type HealthStatus struct {
	Status             string     `json:"status"`
	OnlineNodes        int        `json:"online_nodes"`
	DegradedNodes      int        `json:"degraded_nodes"`
	OfflineNodes       int        `json:"offline_nodes"`
	TotalNodes         int        `json:"total_nodes"`
	AverageHealthScore float64    `json:"average_health_score"`
	InFlightRequests   int64      `json:"in_flight_requests"`
	QueuedRequests     int64      `json:"queued_requests"`
	DroppedEvents      int64      `json:"dropped_events"`
	LastSync           *time.Time `json:"last_sync,omitempty"`
}

// GetHealthStatus reports node counts and load. The average health score
// is taken over online nodes.
func (s *EdgeService) GetHealthStatus() HealthStatus {
	h := HealthStatus{
		InFlightRequests: s.Router.InFlight(),
		QueuedRequests:   s.Router.Queued(),
		DroppedEvents:    s.Emitter.Dropped(),
	}
	var healthSum float64
	for _, n := range s.Registry.List() {
		h.TotalNodes++
		switch n.Status.State {
		case node.StateOffline:
			h.OfflineNodes++
		case node.StateDegraded:
			h.DegradedNodes++
		}
		if n.Status.Online {
			h.OnlineNodes++
			healthSum += n.Status.HealthScore
		}
	}
	if h.OnlineNodes > 0 {
		h.AverageHealthScore = roundTo2(healthSum / float64(h.OnlineNodes))
	}
	if last, ok := s.Sync.LastSync(); ok {
		at := last.StartedAt
		h.LastSync = &at
	}

	switch {
	case h.OnlineNodes > 0 && h.AverageHealthScore >= healthyAverageScore:
		h.Status = StatusHealthy
	case h.OnlineNodes > 0:
		h.Status = StatusDegraded
	default:
		h.Status = StatusUnhealthy
	}
	return h
}

// ClearMetrics resets the coordinator to an empty state: nodes, workloads,
// cached responses, recorded events and learned routing statistics.
func (s *EdgeService) ClearMetrics(ctx context.Context) error {
	for _, n := range s.Registry.List() {
		s.forgetNode(n.ID)
	}
	s.Registry.Clear()
	s.Workloads.Clear()
	s.Router.Reset()
	if r, ok := s.selector.(strategy.Resetter); ok {
		r.Reset()
	}
	s.Breakers.Reset()
	s.Sync.Reset()
	if s.localCloud != nil {
		s.localCloud.Reset()
	}
	s.Cache.Clear(ctx)

	fctx, cancel := flushCtx(ctx)
	defer cancel()
	if err := s.Emitter.Flush(fctx); err != nil {
		s.log.WithError(err).Warn("flush before clear failed")
	}
	if err := s.Emitter.Store().Clear(ctx); err != nil {
		return wrap(err)
	}
	s.Emitter.ResetDropped()
	s.Metrics.Reset()
	s.log.Info("coordinator state cleared")
	return nil
}

func roundTo2(v float64) float64 {
	return math.Round(v*100) / 100
}
