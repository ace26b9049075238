// Package registry owns the authoritative set of registered edge nodes.
//
// The Registry is the only component allowed to mutate an EdgeNode. Stored
// records are copy-on-write: every mutation builds a fresh copy inside
// xsync.Map.Compute so concurrent routers never lose updates, and every read
// hands out a private clone.
package registry

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/Resinat/edgecoord/internal/node"
)

// DefaultMinMemoryGB is the admission threshold used when Config leaves it unset.
const DefaultMinMemoryGB = 4

// RegistrationResult is returned by Register.
type RegistrationResult struct {
	Success            bool              `json:"success"`
	NodeID             string            `json:"node_id"`
	InitialHealthScore float64           `json:"initial_health_score"`
	AssignedWorkloads  []node.Capability `json:"assigned_workloads"`
}

// Config configures a Registry.
type Config struct {
	MinMemoryGB float64
	Now         func() time.Time

	// Optional observers, invoked outside the map lock.
	OnNodeAdded   func(n *node.EdgeNode)
	OnNodeRemoved func(id string)
}

// Registry is a concurrency-safe node store.
type Registry struct {
	nodes         *xsync.Map[string, *node.EdgeNode]
	minMemoryGB   float64
	now           func() time.Time
	onNodeAdded   func(n *node.EdgeNode)
	onNodeRemoved func(id string)
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	if cfg.MinMemoryGB <= 0 {
		cfg.MinMemoryGB = DefaultMinMemoryGB
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		nodes:         xsync.NewMap[string, *node.EdgeNode](),
		minMemoryGB:   cfg.MinMemoryGB,
		now:           cfg.Now,
		onNodeAdded:   cfg.OnNodeAdded,
		onNodeRemoved: cfg.OnNodeRemoved,
	}
}

// MinMemoryGB returns the admission memory threshold.
func (r *Registry) MinMemoryGB() float64 { return r.minMemoryGB }

// Register validates and admits n. On any validation failure nothing is
// stored and the returned error is a *ValidationError.
func (r *Registry) Register(n *node.EdgeNode) (RegistrationResult, error) {
	if n == nil {
		return RegistrationResult{}, &ValidationError{Field: "node", Reason: "nil node", Err: ErrInvalidNode}
	}
	res := RegistrationResult{NodeID: n.ID}
	if err := r.validate(n); err != nil {
		return res, err
	}

	rec := r.normalize(n)
	duplicate := false
	r.nodes.Compute(rec.ID, func(old *node.EdgeNode, loaded bool) (*node.EdgeNode, xsync.ComputeOp) {
		if loaded {
			duplicate = true
			return old, xsync.CancelOp
		}
		return rec, xsync.UpdateOp
	})
	if duplicate {
		return res, fmt.Errorf("registry: %q: %w", rec.ID, ErrDuplicateNode)
	}

	if r.onNodeAdded != nil {
		r.onNodeAdded(rec.Clone())
	}

	res.Success = true
	res.InitialHealthScore = rec.Status.HealthScore
	res.AssignedWorkloads = rec.Capabilities.Enabled()
	return res, nil
}

func (r *Registry) validate(n *node.EdgeNode) error {
	if strings.TrimSpace(n.ID) == "" {
		return &ValidationError{Field: "id", Reason: "must be non-empty", Err: ErrInvalidNode}
	}
	res := n.Resources
	for _, dim := range []struct {
		name string
		v    float64
	}{
		{"resources.cpu_cores", res.CPUCores},
		{"resources.memory_gb", res.MemoryGB},
		{"resources.storage_gb", res.StorageGB},
		{"resources.network_mbps", res.NetworkMbps},
	} {
		if math.IsNaN(dim.v) || math.IsInf(dim.v, 0) || dim.v <= 0 {
			return &ValidationError{NodeID: n.ID, Field: dim.name, Reason: "must be positive", Err: ErrInsufficientResources}
		}
	}
	if res.MemoryGB < r.minMemoryGB {
		return &ValidationError{
			NodeID: n.ID,
			Field:  "resources.memory_gb",
			Reason: fmt.Sprintf("%.2f below minimum %.2f", res.MemoryGB, r.minMemoryGB),
			Err:    ErrInsufficientResources,
		}
	}
	if missing := n.Capabilities.Missing(node.RequiredCapabilities()); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, c := range missing {
			names[i] = string(c)
		}
		return &ValidationError{
			NodeID: n.ID,
			Field:  "capabilities",
			Reason: "missing " + strings.Join(names, ", "),
			Err:    ErrMissingCapabilities,
		}
	}
	if n.SecurityLevel < 0 {
		return &ValidationError{NodeID: n.ID, Field: "security_level", Reason: "must be >= 0", Err: ErrInvalidNode}
	}
	return nil
}

func (r *Registry) normalize(in *node.EdgeNode) *node.EdgeNode {
	n := in.Clone()
	if n.Capabilities == nil {
		n.Capabilities = node.Capabilities{}
	}
	now := r.now()
	n.RegisteredAt = now
	n.Status.Online = true
	n.Status.State = node.StateOnline
	if n.Status.LastHeartbeat.IsZero() {
		n.Status.LastHeartbeat = now
	}
	if n.Status.UptimePercentage <= 0 {
		n.Status.UptimePercentage = 100
	}
	sanitizeStatus(&n.Status)
	n.Status.HealthScore = node.ComputeHealthScore(n)
	return n
}

// Remove deletes id. It reports whether the node existed.
func (r *Registry) Remove(id string) bool {
	_, existed := r.nodes.LoadAndDelete(id)
	if existed && r.onNodeRemoved != nil {
		r.onNodeRemoved(id)
	}
	return existed
}

// Get returns a copy of the node, or nil and false when unknown.
func (r *Registry) Get(id string) (*node.EdgeNode, bool) {
	n, ok := r.nodes.Load(id)
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// List returns copies of every node sorted by id.
func (r *Registry) List() []*node.EdgeNode {
	return r.collect(func(*node.EdgeNode) bool { return true })
}

// ListOnline returns copies of nodes whose status.online is true.
func (r *Registry) ListOnline() []*node.EdgeNode {
	return r.collect(func(n *node.EdgeNode) bool { return n.Status.Online })
}

func (r *Registry) collect(keep func(*node.EdgeNode) bool) []*node.EdgeNode {
	out := make([]*node.EdgeNode, 0, r.nodes.Size())
	r.nodes.Range(func(_ string, n *node.EdgeNode) bool {
		if keep(n) {
			out = append(out, n.Clone())
		}
		return true
	})
	slices.SortFunc(out, func(a, b *node.EdgeNode) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Size returns the number of registered nodes.
func (r *Registry) Size() int { return r.nodes.Size() }

// Clear drops every node.
func (r *Registry) Clear() {
	r.nodes.Clear()
}

// Update applies fn to a private copy of node id and atomically swaps it in.
// Returning an error from fn aborts the update and leaves the stored record
// untouched. fn must not block: it runs under the map's bucket lock.
//
// After fn the registry re-establishes record invariants: the id is
// immutable, failover_count never decreases, ratios stay in range, the
// online flag follows the state, and the health score is recomputed.
func (r *Registry) Update(id string, fn func(n *node.EdgeNode) error) (*node.EdgeNode, error) {
	var (
		updated *node.EdgeNode
		fnErr   error
		found   bool
	)
	r.nodes.Compute(id, func(old *node.EdgeNode, loaded bool) (*node.EdgeNode, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		found = true
		next := old.Clone()
		if err := fn(next); err != nil {
			fnErr = err
			return old, xsync.CancelOp
		}
		next.ID = old.ID
		next.RegisteredAt = old.RegisteredAt
		next.Status.FailoverCount = max(next.Status.FailoverCount, old.Status.FailoverCount)
		if !next.Status.State.IsValid() {
			next.Status.State = old.Status.State
		}
		sanitizeStatus(&next.Status)
		next.Status.HealthScore = node.ComputeHealthScore(next)
		updated = next
		return next, xsync.UpdateOp
	})
	if !found {
		return nil, fmt.Errorf("registry: %q: %w", id, ErrNodeNotFound)
	}
	if fnErr != nil {
		return nil, fnErr
	}
	return updated.Clone(), nil
}

// Transition moves node id to state to, validated by node.CanTransition.
// The returned bool reports whether the state actually changed.
func (r *Registry) Transition(id string, to node.State, by node.Transition) (*node.EdgeNode, bool, error) {
	changed := false
	n, err := r.Update(id, func(n *node.EdgeNode) error {
		if err := node.CanTransition(n.Status.State, to, by); err != nil {
			return err
		}
		changed = n.Status.State != to
		n.Status.State = to
		return nil
	})
	return n, changed, err
}

func sanitizeStatus(s *node.Status) {
	s.Online = s.State.Reachable()
	s.CurrentLoad = clamp(s.CurrentLoad, 0, 1)
	s.ErrorRate = clamp(s.ErrorRate, 0, 1)
	s.UptimePercentage = clamp(s.UptimePercentage, 0, 100)
	s.QueueDepth = max(s.QueueDepth, 0)
	s.ResponseTimeP50 = max(s.ResponseTimeP50, 0)
	s.ResponseTimeP95 = max(s.ResponseTimeP95, s.ResponseTimeP50)
	s.ResponseTimeP99 = max(s.ResponseTimeP99, s.ResponseTimeP95)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
