package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resinat/edgecoord/internal/eventlog"
	"github.com/Resinat/edgecoord/internal/node"
	"github.com/Resinat/edgecoord/internal/registry"
)

func fixture(t *testing.T) (*registry.Registry, *eventlog.MemoryStore, *Aggregator) {
	t.Helper()
	reg := registry.New(registry.Config{})
	for _, n := range []struct{ id, region string }{{"edge-a", "us-east"}, {"edge-b", "us-east"}, {"edge-c", "eu-west"}} {
		_, err := reg.Register(&node.EdgeNode{
			ID:       n.id,
			Location: node.Location{Region: n.region},
			Capabilities: node.Capabilities{
				node.CapPromptOptimization: true,
				node.CapCaching:            true,
			},
			Resources: node.Resources{CPUCores: 4, MemoryGB: 8, StorageGB: 100, NetworkMbps: 100},
		})
		require.NoError(t, err)
	}
	store := eventlog.NewMemoryStore(1024)
	return reg, store, NewAggregator(Config{Store: store, Nodes: reg})
}

func record(t *testing.T, store eventlog.Store, events ...eventlog.Event) {
	t.Helper()
	now := time.Now()
	for i := range events {
		events[i].Kind = eventlog.KindRequest
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
	}
	_, err := store.RecordBatch(context.Background(), events)
	require.NoError(t, err)
}

func TestSnapshot_FoldsRequests(t *testing.T) {
	_, store, agg := fixture(t)
	record(t, store,
		eventlog.Event{NodeID: "edge-a", Region: "us-east", Success: true, LatencyMs: 10, Cost: 0.001},
		eventlog.Event{NodeID: "edge-a", Region: "us-east", Success: true, LatencyMs: 30, Cost: 0.002},
		eventlog.Event{NodeID: "edge-a", Region: "us-east", Success: true, CacheHit: true, LatencyMs: 1},
		eventlog.Event{NodeID: "edge-b", Success: false, Detail: eventlog.DetailAttemptFailed},
		eventlog.Event{NodeID: "cloud-fallback", Region: "cloud", Success: true, Fallback: true, LatencyMs: 150, Cost: 0.0075},
		eventlog.Event{Success: false, Detail: eventlog.DetailRequestFailed},
	)

	snap, err := agg.Snapshot(context.Background())
	require.NoError(t, err)

	g := snap.GlobalMetrics
	assert.EqualValues(t, 5, g.TotalRequests)
	assert.EqualValues(t, 4, g.SuccessfulRequests)
	assert.EqualValues(t, 1, g.FailedRequests)
	assert.InDelta(t, 0.8, g.SuccessRate, 1e-9)
	assert.EqualValues(t, 1, g.CacheHits)
	assert.EqualValues(t, 1, g.CloudFallbacks)
	assert.InDelta(t, 0.25, g.FallbackRate, 1e-9)
	assert.InDelta(t, 0.0105, g.TotalCost, 1e-9)
	assert.Equal(t, 10.0, g.P50LatencyMs)
	assert.Equal(t, 150.0, g.P95LatencyMs)
	assert.Equal(t, 3, g.TotalNodes)
	assert.Equal(t, 3, g.OnlineNodes)

	a := snap.NodeMetrics["edge-a"]
	assert.EqualValues(t, 3, a.Requests)
	assert.EqualValues(t, 1, a.CacheHits)
	assert.InDelta(t, 41.0/3, a.AverageLatencyMs, 1e-9)
	assert.EqualValues(t, 1, snap.NodeMetrics["edge-b"].FailedAttempts)
	_, hasCloud := snap.NodeMetrics["cloud-fallback"]
	assert.False(t, hasCloud)

	east := snap.RegionalPerformance["us-east"]
	assert.Equal(t, 2, east.Nodes)
	assert.EqualValues(t, 3, east.Requests)
	assert.Contains(t, snap.RegionalPerformance, "eu-west")

	assert.NotEmpty(t, snap.OptimizationInsights.Recommendations, "fallback share above threshold")
}

func TestSnapshot_Insights(t *testing.T) {
	reg, store, agg := fixture(t)
	_, err := reg.Update("edge-a", func(n *node.EdgeNode) error {
		n.Status.CurrentLoad = 0.95
		n.Status.ErrorRate = 0.2
		n.Status.ResponseTimeP95 = 800
		return nil
	})
	require.NoError(t, err)
	_, _, err = reg.Transition("edge-c", node.StateOffline, node.TransitionAutomatic)
	require.NoError(t, err)

	var evs []eventlog.Event
	for range 12 {
		evs = append(evs, eventlog.Event{NodeID: "edge-b", Region: "us-east", Success: true, LatencyMs: 5})
	}
	for range MinLoadSamples {
		evs = append(evs, eventlog.Event{NodeID: "edge-a", Region: "us-east", Success: true, LatencyMs: 5, NodeLoad: 0.9})
	}
	record(t, store, evs...)

	snap, err := agg.Snapshot(context.Background())
	require.NoError(t, err)
	in := snap.OptimizationInsights

	require.Len(t, in.Recommendations, 1)
	assert.Contains(t, in.Recommendations[0], "edge-a")
	assert.Contains(t, in.Recommendations[0], "us-east")
	assert.Len(t, in.Bottlenecks, 3)
	assert.Contains(t, in.Bottlenecks[2], "eu-west")
	require.Len(t, in.CostOptimizationOpportunities, 1)
	assert.Contains(t, in.CostOptimizationOpportunities[0], "cache hit rate")
}

func TestSnapshot_HighLoadNeedsWindowHistory(t *testing.T) {
	cases := []struct {
		name    string
		loads   []float64
		wantRec bool
	}{
		{name: "instant spike only", loads: nil},
		{name: "too few samples", loads: []float64{0.95, 0.95}},
		{name: "mostly idle", loads: []float64{0.95, 0.2, 0.3, 0.1}},
		{name: "sustained", loads: []float64{0.85, 0.9, 0.95}, wantRec: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg, store, agg := fixture(t)
			_, err := reg.Update("edge-a", func(n *node.EdgeNode) error {
				n.Status.CurrentLoad = 0.95
				return nil
			})
			require.NoError(t, err)
			var evs []eventlog.Event
			for _, l := range tc.loads {
				evs = append(evs, eventlog.Event{NodeID: "edge-a", Region: "us-east", Success: true, LatencyMs: 5, NodeLoad: l})
			}
			if len(evs) > 0 {
				record(t, store, evs...)
			}

			snap, err := agg.Snapshot(context.Background())
			require.NoError(t, err)
			nm := snap.NodeMetrics["edge-a"]
			assert.Equal(t, len(tc.loads), nm.LoadSamples)
			if tc.wantRec {
				require.Len(t, snap.OptimizationInsights.Recommendations, 1)
				assert.Contains(t, snap.OptimizationInsights.Recommendations[0], "consistently above 80% load")
				assert.InDelta(t, 0.9, nm.WindowAverageLoad, 1e-9)
			} else {
				assert.Empty(t, snap.OptimizationInsights.Recommendations)
			}
		})
	}
}

func TestSnapshot_ResetAndWindow(t *testing.T) {
	_, store, agg := fixture(t)
	record(t, store,
		eventlog.Event{NodeID: "edge-a", Success: true, Timestamp: time.Now().Add(-2 * time.Hour)},
		eventlog.Event{NodeID: "edge-a", Success: true},
	)

	snap, err := agg.Snapshot(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.GlobalMetrics.TotalRequests)

	agg.Reset()
	snap, err = agg.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.GlobalMetrics.TotalRequests)
	assert.Empty(t, snap.OptimizationInsights.Recommendations)
}

func TestSnapshot_CountsFailovers(t *testing.T) {
	_, store, agg := fixture(t)
	now := time.Now()
	_, err := store.RecordBatch(context.Background(), []eventlog.Event{
		{Kind: eventlog.KindFailover, NodeID: "edge-a", Timestamp: now, Detail: "hardware/hardware_replacement replacements="},
		{Kind: eventlog.KindFailover, NodeID: "edge-a", Timestamp: now, Detail: "recovered", Success: true},
	})
	require.NoError(t, err)

	snap, err := agg.Snapshot(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.GlobalMetrics.Failovers)
}

func TestPercentile(t *testing.T) {
	assert.Zero(t, percentile(nil, 0.5))
	assert.Equal(t, 3.0, percentile([]float64{1, 2, 3, 4}, 0.5))
	assert.Equal(t, 4.0, percentile([]float64{1, 2, 3, 4}, 0.95))
	assert.Equal(t, 1.0, percentile([]float64{1, 2, 3, 4}, 0))
}
