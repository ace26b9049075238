package failover

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resinat/edgecoord/internal/node"
	"github.com/Resinat/edgecoord/internal/registry"
	"github.com/Resinat/edgecoord/internal/workload"
)

func addNode(t *testing.T, reg *registry.Registry, id, region string, lat, lon float64) {
	t.Helper()
	_, err := reg.Register(&node.EdgeNode{
		ID:       id,
		Location: node.Location{Region: region, Latitude: lat, Longitude: lon},
		Capabilities: node.Capabilities{
			node.CapPromptOptimization: true,
			node.CapCaching:            true,
		},
		Resources: node.Resources{CPUCores: 4, MemoryGB: 8, StorageGB: 100, NetworkMbps: 100},
	})
	require.NoError(t, err)
}

func TestHandleFailure_TakesNodeOffline(t *testing.T) {
	for _, ft := range []FailureType{FailureNetwork, FailureHardware, FailureSoftware, FailureOverload} {
		t.Run(string(ft), func(t *testing.T) {
			reg := registry.New(registry.Config{})
			addNode(t, reg, "edge-1", "us-east", 40.7, -74.0)
			before, _ := reg.Get("edge-1")
			m := New(Config{Nodes: reg})

			out, err := m.HandleFailure("edge-1", ft)
			require.NoError(t, err)
			assert.True(t, out.FailoverCompleted)
			assert.Equal(t, node.StateOnline, out.PreviousState)
			assert.NotEmpty(t, out.FailoverID)
			assert.Empty(t, out.ReplacementNodes)
			assert.NotNil(t, out.ReplacementNodes)

			after, ok := reg.Get("edge-1")
			require.True(t, ok)
			assert.False(t, after.Status.Online)
			assert.Equal(t, node.StateOffline, after.Status.State)
			assert.Equal(t, before.Status.FailoverCount+1, after.Status.FailoverCount)
			assert.Equal(t, after.Status.FailoverCount, out.FailoverCount)
		})
	}
}

func TestClassify_IsExhaustive(t *testing.T) {
	want := map[FailureType]Strategy{
		FailureNetwork:  StrategyNetworkRecovery,
		FailureHardware: StrategyHardwareReplacement,
		FailureSoftware: StrategySoftwareRestart,
		FailureOverload: StrategyLoadBalancing,
	}
	for ft, strategy := range want {
		got, severity, err := classify(ft)
		require.NoError(t, err)
		assert.Equal(t, strategy, got)
		assert.NotEmpty(t, severity)
	}
	_, _, err := classify("cosmic_rays")
	assert.ErrorIs(t, err, ErrUnknownFailureType)
}

func TestParseFailureType(t *testing.T) {
	ft, err := ParseFailureType("hardware")
	require.NoError(t, err)
	assert.Equal(t, FailureHardware, ft)

	_, err = ParseFailureType("Hardware")
	assert.ErrorIs(t, err, ErrUnknownFailureType)
}

func TestHandleFailure_UnknownNode(t *testing.T) {
	m := New(Config{Nodes: registry.New(registry.Config{})})
	_, err := m.HandleFailure("ghost", FailureNetwork)
	assert.ErrorIs(t, err, registry.ErrNodeNotFound)

	_, err = m.HandleFailure("ghost", "flood")
	assert.ErrorIs(t, err, ErrUnknownFailureType)
}

func TestHandleFailure_PrefersSameRegion(t *testing.T) {
	reg := registry.New(registry.Config{})
	addNode(t, reg, "edge-failed", "us-east", 40.7, -74.0)
	addNode(t, reg, "edge-eu", "eu-west", 51.5, -0.1)
	addNode(t, reg, "edge-east", "us-east", 39.0, -77.5)
	addNode(t, reg, "edge-west", "us-west", 37.4, -122.1)
	m := New(Config{Nodes: reg, ReplacementCount: 2})

	out, err := m.HandleFailure("edge-failed", FailureHardware)
	require.NoError(t, err)
	assert.Equal(t, []string{"edge-east", "edge-west"}, out.ReplacementNodes)
}

func TestHandleFailure_OverloadPrefersIdleNodes(t *testing.T) {
	reg := registry.New(registry.Config{})
	addNode(t, reg, "edge-failed", "us-east", 40.7, -74.0)
	addNode(t, reg, "edge-busy", "us-east", 40.7, -74.0)
	addNode(t, reg, "edge-idle", "eu-west", 51.5, -0.1)
	_, err := reg.Update("edge-busy", func(n *node.EdgeNode) error {
		n.Status.CurrentLoad = 0.9
		return nil
	})
	require.NoError(t, err)
	m := New(Config{Nodes: reg, ReplacementCount: 1})

	out, err := m.HandleFailure("edge-failed", FailureOverload)
	require.NoError(t, err)
	assert.Equal(t, []string{"edge-idle"}, out.ReplacementNodes)
	assert.Equal(t, SeverityCapacity, out.Severity)
}

func TestHandleFailure_MigratesWorkloads(t *testing.T) {
	reg := registry.New(registry.Config{})
	addNode(t, reg, "edge-a", "us-east", 40.7, -74.0)
	coord := workload.New(workload.Config{Nodes: reg})
	_, err := coord.Coordinate(context.Background(), &workload.Workload{
		ID:                   "wl-1",
		Type:                 "optimize",
		ResourceRequirements: node.Resources{CPUCores: 1},
	})
	require.NoError(t, err)
	_, err = coord.UpdateStatus("wl-1", workload.StatusRunning, 0.6)
	require.NoError(t, err)
	addNode(t, reg, "edge-b", "us-east", 40.7, -74.0)

	m := New(Config{Nodes: reg, Workloads: coord})
	out, err := m.HandleFailure("edge-a", FailureHardware)
	require.NoError(t, err)
	assert.Equal(t, []string{"edge-b"}, out.ReplacementNodes)
	assert.Equal(t, []string{"wl-1"}, out.MigratedWorkloads)
	assert.True(t, out.DataLossPrevented)

	w, ok := coord.Get("wl-1")
	require.True(t, ok)
	assert.Equal(t, []string{"edge-b"}, w.AssignedNodes)
	assert.Equal(t, 0.6, w.Progress)
	assert.Equal(t, workload.StatusRunning, w.Status)
}

func TestHandleFailure_NoReplacementRequeues(t *testing.T) {
	reg := registry.New(registry.Config{})
	addNode(t, reg, "edge-a", "us-east", 40.7, -74.0)
	coord := workload.New(workload.Config{Nodes: reg})
	_, err := coord.Coordinate(context.Background(), &workload.Workload{ID: "wl-1"})
	require.NoError(t, err)

	m := New(Config{Nodes: reg, Workloads: coord})
	out, err := m.HandleFailure("edge-a", FailureNetwork)
	require.NoError(t, err)
	assert.True(t, out.FailoverCompleted)
	assert.Empty(t, out.ReplacementNodes)
	assert.Equal(t, []string{"wl-1"}, out.RequeuedWorkloads)
	assert.False(t, out.DataLossPrevented)

	w, _ := coord.Get("wl-1")
	assert.Equal(t, workload.StatusPending, w.Status)
}

type gatedWorkloads struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedWorkloads) Affected(string) []*workload.Workload {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return nil
}

func (g *gatedWorkloads) Migrate(string, []string) workload.MigrationResult {
	return workload.MigrationResult{}
}

func TestHandleFailure_ConcurrentReportsShareOneRun(t *testing.T) {
	reg := registry.New(registry.Config{})
	addNode(t, reg, "edge-a", "us-east", 40.7, -74.0)
	gate := &gatedWorkloads{entered: make(chan struct{}), release: make(chan struct{})}
	m := New(Config{Nodes: reg, Workloads: gate})

	outcomes := make([]Outcome, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		outcomes[0], _ = m.HandleFailure("edge-a", FailureHardware)
	}()
	<-gate.entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		outcomes[1], _ = m.HandleFailure("edge-a", FailureHardware)
	}()
	time.Sleep(50 * time.Millisecond)
	close(gate.release)
	wg.Wait()

	n, _ := reg.Get("edge-a")
	assert.Equal(t, 1, n.Status.FailoverCount)
	assert.Equal(t, outcomes[0].FailoverID, outcomes[1].FailoverID)
}

func TestHandleFailure_SequentialReportsEachCount(t *testing.T) {
	reg := registry.New(registry.Config{})
	addNode(t, reg, "edge-a", "us-east", 40.7, -74.0)
	m := New(Config{Nodes: reg})

	for range 3 {
		_, err := m.HandleFailure("edge-a", FailureSoftware)
		require.NoError(t, err)
	}
	n, _ := reg.Get("edge-a")
	assert.Equal(t, 3, n.Status.FailoverCount)
}

func TestSubscribe_ReceivesOutcome(t *testing.T) {
	reg := registry.New(registry.Config{})
	addNode(t, reg, "edge-a", "us-east", 40.7, -74.0)
	m := New(Config{Nodes: reg})
	t.Cleanup(m.Close)
	sub := m.Subscribe()
	defer sub.Close()

	out, err := m.HandleFailure("edge-a", FailureNetwork)
	require.NoError(t, err)

	select {
	case got := <-sub.C():
		assert.Equal(t, out.FailoverID, got.FailoverID)
		assert.Equal(t, StrategyNetworkRecovery, got.Strategy)
	case <-time.After(time.Second):
		t.Fatal("no outcome published")
	}
}

func TestStateTransitions(t *testing.T) {
	reg := registry.New(registry.Config{})
	addNode(t, reg, "edge-a", "us-east", 40.7, -74.0)
	m := New(Config{Nodes: reg})

	changed, err := m.MarkDegraded("edge-a")
	require.NoError(t, err)
	assert.True(t, changed)
	n, _ := reg.Get("edge-a")
	assert.True(t, n.Status.Online)
	assert.Equal(t, node.StateDegraded, n.Status.State)

	changed, err = m.MarkRecovered("edge-a")
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = m.HandleFailure("edge-a", FailureHardware)
	require.NoError(t, err)

	changed, err = m.MarkRecovered("edge-a")
	require.NoError(t, err)
	assert.False(t, changed, "offline is only left through explicit recovery")
	_, err = m.MarkDegraded("edge-a")
	assert.Error(t, err)

	n, err = m.RecoverNode("edge-a")
	require.NoError(t, err)
	assert.True(t, n.Status.Online)
	assert.Equal(t, node.StateOnline, n.Status.State)
	assert.Equal(t, 1, n.Status.FailoverCount)

	_, err = m.RecoverNode("missing")
	assert.ErrorIs(t, err, registry.ErrNodeNotFound)
}
