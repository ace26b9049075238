package workload

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/Resinat/edgecoord/internal/node"
)

// Status is the lifecycle state of a workload.
//
//	pending -> assigned -> running -> completed | failed
//	assigned -> failed
//	assigned | running -> pending   (failover requeue only)
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether a workload in s holds node allocations.
func (s Status) Active() bool {
	return s == StatusAssigned || s == StatusRunning
}

// canReport validates transitions driven by execution reporting.
func canReport(from, to Status) error {
	switch {
	case from == StatusAssigned && (to == StatusRunning || to == StatusFailed):
		return nil
	case from == StatusRunning && (to == StatusRunning || to == StatusCompleted || to == StatusFailed):
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Strategy describes how a workload was spread across nodes.
type Strategy string

const (
	StrategySingleNode             Strategy = "single_node"
	StrategyDistributed            Strategy = "distributed"
	StrategyDistributedCrossRegion Strategy = "distributed_cross_region"
)

// Constraints restrict where a workload may be placed.
type Constraints struct {
	MaxLatencyMs     float64  `json:"max_latency_ms,omitempty"`
	PreferredRegions []string `json:"preferred_regions,omitempty"`
	SecurityLevel    int      `json:"security_level,omitempty"`
}

// Workload is a batch of work placed across one or more nodes.
type Workload struct {
	ID                   string         `json:"id"`
	Type                 string         `json:"type"`
	Priority             int            `json:"priority"`
	EstimatedDurationMs  int64          `json:"estimated_duration_ms"`
	ResourceRequirements node.Resources `json:"resource_requirements"`
	Payload              map[string]any `json:"payload,omitempty"`
	Constraints          Constraints    `json:"constraints"`
	Dependencies         []string       `json:"dependencies,omitempty"`
	Status               Status         `json:"status"`
	AssignedNodes        []string       `json:"assigned_nodes"`
	Progress             float64        `json:"progress"`

	// Allocation is the share of ResourceRequirements reserved per node.
	Allocation map[string]node.Resources `json:"resource_allocation,omitempty"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// Clone returns a deep copy of w. Payload values are shared.
func (w *Workload) Clone() *Workload {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Payload = maps.Clone(w.Payload)
	cp.Constraints.PreferredRegions = slices.Clone(w.Constraints.PreferredRegions)
	cp.Dependencies = slices.Clone(w.Dependencies)
	cp.AssignedNodes = slices.Clone(w.AssignedNodes)
	cp.Allocation = maps.Clone(w.Allocation)
	return &cp
}

// HasNode reports whether id is among the assigned nodes.
func (w *Workload) HasNode(id string) bool {
	return slices.Contains(w.AssignedNodes, id)
}

// CoordinationResult is returned by Coordinate.
type CoordinationResult struct {
	WorkloadID           string                    `json:"workload_id"`
	AssignedNodes        []string                  `json:"assigned_nodes"`
	EstimatedCompletion  time.Time                 `json:"estimated_completion"`
	CoordinationStrategy Strategy                  `json:"coordination_strategy"`
	ResourceAllocation   map[string]node.Resources `json:"resource_allocation"`
}

// MigrationResult reports what Migrate did with the workloads of a node.
type MigrationResult struct {
	// Migrated workloads still have at least one live node.
	Migrated []string
	// Requeued workloads lost every node and went back to pending.
	Requeued []string
}

// Affected returns the ids of every workload touched by the migration.
func (m MigrationResult) Affected() []string {
	out := append(slices.Clone(m.Migrated), m.Requeued...)
	slices.Sort(out)
	return out
}

var typeCapabilities = map[string]node.Capability{
	"optimize":           node.CapPromptOptimization,
	"batch_optimization": node.CapPromptOptimization,
	"analyze":            node.CapSemanticAnalysis,
	"analysis":           node.CapSemanticAnalysis,
	"inference":          node.CapModelInference,
	"batch_inference":    node.CapModelInference,
	"search":             node.CapVectorSearch,
	"indexing":           node.CapVectorSearch,
	"compress":           node.CapCompression,
}

// CapabilityFor returns the node capability a workload type needs, if the
// type maps to one. Capability names are accepted as types directly.
func CapabilityFor(workloadType string) (node.Capability, bool) {
	if c := node.Capability(workloadType); c.IsValid() {
		return c, true
	}
	c, ok := typeCapabilities[workloadType]
	return c, ok
}
