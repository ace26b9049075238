package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resinat/edgecoord/internal/config"
	"github.com/Resinat/edgecoord/internal/eventlog"
	"github.com/Resinat/edgecoord/internal/node"
	"github.com/Resinat/edgecoord/internal/routing"
	"github.com/Resinat/edgecoord/internal/workload"
)

func newTestService(t *testing.T) *EdgeService {
	t.Helper()
	cfg := config.Default()
	cfg.SyncSchedule = ""
	cfg.GeoIPReloadSchedule = ""
	cfg.ExecutorTimeScale = 0.2
	cfg.CacheCapacityMB = 4

	s, err := New(cfg, Deps{})
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func edgeNode(id, region string, lat, lon float64) *node.EdgeNode {
	return &node.EdgeNode{
		ID:       id,
		Location: node.Location{Region: region, Latitude: lat, Longitude: lon},
		Capabilities: node.Capabilities{
			node.CapPromptOptimization: true,
			node.CapCaching:            true,
			node.CapVectorSearch:       false,
		},
		Resources: node.Resources{CPUCores: 4, MemoryGB: 8, StorageGB: 100, NetworkMbps: 100},
	}
}

func register(t *testing.T, s *EdgeService, nodes ...*node.EdgeNode) {
	t.Helper()
	for _, n := range nodes {
		_, err := s.RegisterEdgeNode(n)
		require.NoError(t, err)
	}
}

func optimizeRequest() *routing.EdgeRequest {
	return &routing.EdgeRequest{
		Type:    routing.TypeOptimize,
		Payload: map[string]any{"prompt": "rewrite this paragraph"},
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var se *ServiceError
	require.True(t, errors.As(err, &se), "want *ServiceError, got %T", err)
	assert.Equal(t, code, se.Code)
}

func TestRegisterEdgeNode_Scenario(t *testing.T) {
	s := newTestService(t)

	res, err := s.RegisterEdgeNode(edgeNode("edge-1", "us-east", 40.7, -74.0))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.AssignedWorkloads, node.CapPromptOptimization)
	assert.NotContains(t, res.AssignedWorkloads, node.CapVectorSearch)
	assert.Greater(t, res.InitialHealthScore, 0.0)

	n, ok := s.GetNodeByID("edge-1")
	require.True(t, ok)
	assert.True(t, n.Status.Online)
	assert.Len(t, s.ListOnlineNodes(), 1)
}

func TestRegisterEdgeNode_Rejections(t *testing.T) {
	s := newTestService(t)
	register(t, s, edgeNode("edge-1", "us-east", 40.7, -74.0))

	_, err := s.RegisterEdgeNode(edgeNode("edge-1", "us-east", 40.7, -74.0))
	requireCode(t, err, CodeConflict)

	low := edgeNode("edge-2", "us-east", 40.7, -74.0)
	low.Resources.MemoryGB = 2
	_, err = s.RegisterEdgeNode(low)
	requireCode(t, err, CodeInvalidArgument)

	noCache := edgeNode("edge-3", "us-east", 40.7, -74.0)
	noCache.Capabilities[node.CapCaching] = false
	_, err = s.RegisterEdgeNode(noCache)
	requireCode(t, err, CodeInvalidArgument)

	_, err = s.RegisterEdgeNode(nil)
	requireCode(t, err, CodeInvalidArgument)

	assert.Len(t, s.ListNodes(), 1)
}

func TestRegisterEdgeNode_Concurrent(t *testing.T) {
	s := newTestService(t)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RegisterEdgeNode(edgeNode(fmt.Sprintf("edge-%02d", i), "us-east", 40.7, -74.0))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, s.ListNodes(), 50)
}

func TestProcessOptimizationRequest_CacheHit(t *testing.T) {
	s := newTestService(t)
	register(t, s, edgeNode("edge-1", "us-east", 40.7, -74.0))

	req := optimizeRequest()
	req.CachePolicy = routing.CachePolicy{Enabled: true, TTLSeconds: 60}

	first, err := s.ProcessOptimizationRequest(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Metadata.CacheHit)

	second, err := s.ProcessOptimizationRequest(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Metadata.CacheHit)
	assert.Less(t, second.Performance.TotalLatencyMs, first.Performance.TotalLatencyMs)
}

func TestProcessOptimizationRequest_CloudFallback(t *testing.T) {
	s := newTestService(t)

	resp, err := s.ProcessOptimizationRequest(context.Background(), optimizeRequest())
	require.NoError(t, err)
	assert.Equal(t, routing.CloudFallbackID, resp.Metadata.NodeID)
	assert.True(t, resp.RoutingInfo.FailoverUsed)
	assert.Greater(t, resp.Performance.TotalLatencyMs, 100.0)
}

func TestProcessOptimizationRequest_PrefersClientRegion(t *testing.T) {
	s := newTestService(t)
	register(t, s,
		edgeNode("edge-us", "us-east", 40.7, -74.0),
		edgeNode("edge-eu", "eu-west", 51.5, -0.1),
	)

	req := optimizeRequest()
	req.ClientLocation = &node.Location{Region: "eu-west", Latitude: 48.9, Longitude: 2.35}
	resp, err := s.ProcessOptimizationRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "edge-eu", resp.Metadata.NodeID)
}

func TestProcessOptimizationRequest_InvalidType(t *testing.T) {
	s := newTestService(t)

	_, err := s.ProcessOptimizationRequest(context.Background(), &routing.EdgeRequest{Type: "teleport"})
	requireCode(t, err, CodeInvalidArgument)

	_, err = s.ProcessOptimizationRequest(context.Background(), nil)
	requireCode(t, err, CodeInvalidArgument)
}

func TestHandleNodeFailure_CountsOnce(t *testing.T) {
	s := newTestService(t)
	register(t, s, edgeNode("edge-1", "us-east", 40.7, -74.0))
	before, _ := s.GetNodeByID("edge-1")

	out, err := s.HandleNodeFailure("edge-1", "network")
	require.NoError(t, err)
	assert.True(t, out.FailoverCompleted)

	after, ok := s.GetNodeByID("edge-1")
	require.True(t, ok)
	assert.False(t, after.Status.Online)
	assert.Equal(t, node.StateOffline, after.Status.State)
	assert.Equal(t, before.Status.FailoverCount+1, after.Status.FailoverCount)
	assert.Empty(t, s.ListOnlineNodes())
}

func TestHandleNodeFailure_Errors(t *testing.T) {
	s := newTestService(t)
	register(t, s, edgeNode("edge-1", "us-east", 40.7, -74.0))

	_, err := s.HandleNodeFailure("edge-1", "cosmic_rays")
	requireCode(t, err, CodeInvalidArgument)

	_, err = s.HandleNodeFailure("ghost", "network")
	requireCode(t, err, CodeNotFound)

	n, _ := s.GetNodeByID("edge-1")
	assert.True(t, n.Status.Online)
}

func TestDegradedRouting_AvoidsFailedNode(t *testing.T) {
	s := newTestService(t)
	register(t, s,
		edgeNode("edge-a", "us-east", 40.7, -74.0),
		edgeNode("edge-b", "us-east", 40.7, -74.0),
	)
	_, err := s.HandleNodeFailure("edge-a", "hardware")
	require.NoError(t, err)

	for range 10 {
		resp, err := s.ProcessOptimizationRequest(context.Background(), optimizeRequest())
		require.NoError(t, err)
		assert.NotEqual(t, "edge-a", resp.Metadata.NodeID)
	}
}

func TestRecoverNode(t *testing.T) {
	s := newTestService(t)
	register(t, s, edgeNode("edge-1", "us-east", 40.7, -74.0))
	_, err := s.HandleNodeFailure("edge-1", "software")
	require.NoError(t, err)

	n, err := s.RecoverNode("edge-1")
	require.NoError(t, err)
	assert.True(t, n.Status.Online)
	assert.Equal(t, node.StateOnline, n.Status.State)

	_, err = s.RecoverNode("ghost")
	requireCode(t, err, CodeNotFound)
}

func TestRecoverNode_Degraded(t *testing.T) {
	s := newTestService(t)
	register(t, s, edgeNode("edge-1", "us-east", 40.7, -74.0))
	_, err := s.Failover.MarkDegraded("edge-1")
	require.NoError(t, err)

	n, err := s.RecoverNode("edge-1")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, node.StateOnline, n.Status.State)

	require.True(t, s.RemoveNode("edge-1"))
	_, err = s.RecoverNode("edge-1")
	requireCode(t, err, CodeNotFound)
}

type closeTrackingStore struct {
	*eventlog.MemoryStore
	closed bool
}

func (s *closeTrackingStore) Close() error {
	s.closed = true
	return s.MemoryStore.Close()
}

func TestNew_ReleasesStoresOnError(t *testing.T) {
	cfg := config.Default()
	cfg.GeoIPReloadSchedule = ""
	cfg.SyncSchedule = "every tuesday"

	store := &closeTrackingStore{MemoryStore: eventlog.NewMemoryStore(0)}
	_, err := New(cfg, Deps{Store: store})
	require.Error(t, err)
	assert.True(t, store.closed)
}

func TestCoordinateDistributedWorkload(t *testing.T) {
	s := newTestService(t)
	register(t, s,
		edgeNode("edge-a", "us-east", 40.7, -74.0),
		edgeNode("edge-b", "us-east", 40.7, -74.0),
	)

	res, err := s.CoordinateDistributedWorkload(context.Background(), &workload.Workload{
		Type:                 "optimize",
		Priority:             5,
		EstimatedDurationMs:  1000,
		ResourceRequirements: node.Resources{CPUCores: 2, MemoryGB: 4},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.WorkloadID)
	assert.NotEmpty(t, res.AssignedNodes)

	w, err := s.GetWorkload(res.WorkloadID)
	require.NoError(t, err)
	assert.Equal(t, workload.StatusAssigned, w.Status)

	w, err = s.UpdateWorkloadStatus(res.WorkloadID, "running", 0.5)
	require.NoError(t, err)
	assert.Equal(t, workload.StatusRunning, w.Status)

	_, err = s.UpdateWorkloadStatus(res.WorkloadID, "exploded", -1)
	requireCode(t, err, CodeInvalidArgument)

	_, err = s.GetWorkload("missing")
	requireCode(t, err, CodeNotFound)
}

func TestCoordinateDistributedWorkload_Infeasible(t *testing.T) {
	s := newTestService(t)
	register(t, s, edgeNode("edge-a", "us-east", 40.7, -74.0))
	before, _ := s.GetNodeByID("edge-a")

	_, err := s.CoordinateDistributedWorkload(context.Background(), &workload.Workload{
		Type:                 "optimize",
		EstimatedDurationMs:  1000,
		ResourceRequirements: node.Resources{CPUCores: 64, MemoryGB: 512},
	})
	require.ErrorIs(t, err, workload.ErrNoSuitableNodes)
	requireCode(t, err, CodeUnavailable)

	assert.Empty(t, s.ListWorkloads())
	after, _ := s.GetNodeByID("edge-a")
	assert.Equal(t, before.Status, after.Status)
}

func TestRemoveNode_RequeuesWorkloads(t *testing.T) {
	s := newTestService(t)
	register(t, s, edgeNode("edge-a", "us-east", 40.7, -74.0))
	res, err := s.CoordinateDistributedWorkload(context.Background(), &workload.Workload{
		Type:                 "optimize",
		EstimatedDurationMs:  1000,
		ResourceRequirements: node.Resources{CPUCores: 1, MemoryGB: 1},
	})
	require.NoError(t, err)

	assert.True(t, s.RemoveNode("edge-a"))
	assert.False(t, s.RemoveNode("edge-a"))

	w, err := s.GetWorkload(res.WorkloadID)
	require.NoError(t, err)
	assert.Equal(t, workload.StatusPending, w.Status)
	assert.Empty(t, w.AssignedNodes)
}

func TestSynchronizeWithCloud(t *testing.T) {
	s := newTestService(t)
	register(t, s,
		edgeNode("edge-a", "us-east", 40.7, -74.0),
		edgeNode("edge-b", "eu-west", 51.5, -0.1),
	)

	res, err := s.SynchronizeWithCloud(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"edge-a", "edge-b"}, res.SynchronizedNodes)
	assert.Empty(t, res.FailedNodes)

	h := s.GetHealthStatus()
	require.NotNil(t, h.LastSync)
	assert.Equal(t, res.StartedAt, *h.LastSync)
}

func TestGetHealthStatus(t *testing.T) {
	s := newTestService(t)
	assert.Equal(t, StatusUnhealthy, s.GetHealthStatus().Status)

	register(t, s,
		edgeNode("edge-a", "us-east", 40.7, -74.0),
		edgeNode("edge-b", "us-east", 40.7, -74.0),
	)
	h := s.GetHealthStatus()
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, 2, h.TotalNodes)
	assert.Equal(t, 2, h.OnlineNodes)
	assert.Greater(t, h.AverageHealthScore, 50.0)
	assert.Nil(t, h.LastSync)

	_, err := s.HandleNodeFailure("edge-a", "network")
	require.NoError(t, err)
	h = s.GetHealthStatus()
	assert.Equal(t, 1, h.OnlineNodes)
	assert.Equal(t, 1, h.OfflineNodes)
}

func TestGetEdgePerformanceMetrics(t *testing.T) {
	s := newTestService(t)
	register(t, s, edgeNode("edge-a", "us-east", 40.7, -74.0))

	for range 3 {
		_, err := s.ProcessOptimizationRequest(context.Background(), optimizeRequest())
		require.NoError(t, err)
	}
	_, err := s.HandleNodeFailure("edge-a", "network")
	require.NoError(t, err)

	snap, err := s.GetEdgePerformanceMetrics(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, snap.GlobalMetrics.TotalRequests)
	assert.EqualValues(t, 1, snap.GlobalMetrics.Failovers)
	assert.Contains(t, snap.NodeMetrics, "edge-a")
	assert.Contains(t, snap.RegionalPerformance, "us-east")
}

func TestClearMetrics(t *testing.T) {
	s := newTestService(t)
	register(t, s, edgeNode("edge-a", "us-east", 40.7, -74.0))
	req := optimizeRequest()
	req.CachePolicy.Enabled = true
	_, err := s.ProcessOptimizationRequest(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, s.ClearMetrics(context.Background()))
	assert.Empty(t, s.ListNodes())
	assert.Empty(t, s.ListWorkloads())

	snap, err := s.GetEdgePerformanceMetrics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.GlobalMetrics.TotalRequests)

	// Cached responses are gone too: the same request now falls back to cloud.
	resp, err := s.ProcessOptimizationRequest(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.Metadata.CacheHit)
	assert.Equal(t, routing.CloudFallbackID, resp.Metadata.NodeID)
}

func TestSubscribeFailovers(t *testing.T) {
	s := newTestService(t)
	register(t, s, edgeNode("edge-a", "us-east", 40.7, -74.0))
	sub := s.SubscribeFailovers()
	defer sub.Close()

	_, err := s.HandleNodeFailure("edge-a", "overload")
	require.NoError(t, err)

	out := <-sub.C()
	assert.Equal(t, "edge-a", out.NodeID)
}
