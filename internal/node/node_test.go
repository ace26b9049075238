package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleNode() *EdgeNode {
	return &EdgeNode{
		ID:       "edge-1",
		Location: Location{Region: "us-east", Latitude: 40.7, Longitude: -74.0},
		Capabilities: Capabilities{
			CapPromptOptimization: true,
			CapCaching:            true,
			CapVectorSearch:       false,
		},
		Resources: Resources{CPUCores: 4, MemoryGB: 8, StorageGB: 100, NetworkMbps: 100},
		Status:    Status{Online: true, State: StateOnline, UptimePercentage: 100},
	}
}

func TestComputeHealthScore_FreshNode(t *testing.T) {
	score := ComputeHealthScore(sampleNode())
	assert.InDelta(t, 80.38, score, 0.01)
}

func TestComputeHealthScore_LoadAndErrorsLowerScore(t *testing.T) {
	fresh := ComputeHealthScore(sampleNode())

	busy := sampleNode()
	busy.Status.CurrentLoad = 0.9
	busy.Status.ErrorRate = 0.5
	busy.Status.ResponseTimeP95 = 800

	assert.Less(t, ComputeHealthScore(busy), fresh)
}

func TestComputeHealthScore_StateAdjustments(t *testing.T) {
	n := sampleNode()
	online := ComputeHealthScore(n)

	n.Status.State = StateDegraded
	assert.InDelta(t, online*0.75, ComputeHealthScore(n), 0.01)

	n.Status.State = StateOffline
	assert.Zero(t, ComputeHealthScore(n))
	assert.Zero(t, ComputeHealthScore(nil))
}

func TestComputeHealthScore_Bounded(t *testing.T) {
	n := sampleNode()
	n.Resources = Resources{CPUCores: 1000, MemoryGB: 1000, StorageGB: 1e6, NetworkMbps: 1e6}
	n.Status.CurrentLoad = -3
	n.Status.ErrorRate = -1
	n.Status.UptimePercentage = 500

	score := ComputeHealthScore(n)
	assert.LessOrEqual(t, score, 100.0)
	assert.GreaterOrEqual(t, score, 0.0)
}

func TestCapabilities(t *testing.T) {
	caps := sampleNode().Capabilities

	assert.True(t, caps.Has(CapCaching))
	assert.False(t, caps.Has(CapVectorSearch))
	assert.False(t, caps.Has(CapCompression))
	assert.True(t, caps.HasAll(RequiredCapabilities()))
	assert.Equal(t, []Capability{CapVectorSearch}, caps.Missing([]Capability{CapCaching, CapVectorSearch}))
	assert.Equal(t, []Capability{CapPromptOptimization, CapCaching}, caps.Enabled())

	assert.True(t, CapLoadBalancing.IsValid())
	assert.False(t, Capability("teleport").IsValid())
	assert.Len(t, AllCapabilities(), 7)
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		by       Transition
		ok       bool
	}{
		{StateOnline, StateDegraded, TransitionAutomatic, true},
		{StateOnline, StateOffline, TransitionAutomatic, true},
		{StateDegraded, StateOnline, TransitionAutomatic, true},
		{StateDegraded, StateOffline, TransitionAutomatic, true},
		{StateOffline, StateOnline, TransitionAutomatic, false},
		{StateOffline, StateOnline, TransitionManualRecovery, true},
		{StateOffline, StateOnline, TransitionCloudRecovery, true},
		{StateOffline, StateDegraded, TransitionManualRecovery, false},
		{StateOnline, StateOnline, TransitionAutomatic, true},
	}
	for _, tc := range cases {
		err := CanTransition(tc.from, tc.to, tc.by)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.Error(t, err, "%s -> %s", tc.from, tc.to)
		}
	}
}

func TestResources(t *testing.T) {
	a := Resources{CPUCores: 4, MemoryGB: 8, StorageGB: 100, NetworkMbps: 100}
	b := Resources{CPUCores: 6, MemoryGB: 2}

	assert.Equal(t, Resources{CPUCores: 0, MemoryGB: 6, StorageGB: 100, NetworkMbps: 100}, a.Sub(b))
	assert.Equal(t, Resources{CPUCores: 10, MemoryGB: 10, StorageGB: 100, NetworkMbps: 100}, a.Add(b))
	assert.True(t, a.Covers(Resources{CPUCores: 4, MemoryGB: 8}))
	assert.False(t, a.Covers(b))
	assert.True(t, Resources{}.IsZero())
}

func TestEdgeNode_CloneIsDeep(t *testing.T) {
	n := sampleNode()
	cp := n.Clone()
	require.NotSame(t, n, cp)

	cp.Capabilities[CapCompression] = true
	assert.False(t, n.Capabilities.Has(CapCompression))
}

func TestEdgeNode_Available(t *testing.T) {
	n := sampleNode()
	n.Status.CurrentLoad = 0.5
	assert.Equal(t, Resources{CPUCores: 2, MemoryGB: 4, StorageGB: 50, NetworkMbps: 50}, n.Available())
}
