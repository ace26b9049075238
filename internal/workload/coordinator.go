// Package workload places distributed workloads onto edge nodes and tracks
// their lifecycle and per-node resource reservations.
package workload

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"

	"github.com/Resinat/edgecoord/internal/eventlog"
	"github.com/Resinat/edgecoord/internal/geo"
	"github.com/Resinat/edgecoord/internal/node"
)

// NodeLister is the registry view the coordinator needs.
type NodeLister interface {
	ListOnline() []*node.EdgeNode
}

// Telemetry receives best-effort events.
type Telemetry interface {
	Emit(ev eventlog.Event)
}

// Config configures a Coordinator. Nodes is required.
type Config struct {
	Nodes     NodeLister
	Scorer    *geo.Scorer
	Telemetry Telemetry
	Now       func() time.Time
}

// Coordinator places workloads. Placement and migration are serialized so
// the reservation ledger never over-commits a node; reads are lock-free.
type Coordinator struct {
	nodes     NodeLister
	scorer    *geo.Scorer
	telemetry Telemetry
	now       func() time.Time

	mu        sync.Mutex
	workloads *xsync.Map[string, *Workload]
	ledger    *ledger

	log *logrus.Entry
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Scorer == nil {
		cfg.Scorer = geo.NewScorer()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		nodes:     cfg.Nodes,
		scorer:    cfg.Scorer,
		telemetry: cfg.Telemetry,
		now:       cfg.Now,
		workloads: xsync.NewMap[string, *Workload](),
		ledger:    newLedger(),
		log:       logrus.WithField("component", "workload"),
	}
}

// Coordinate validates w, selects nodes and commits the assignment. On any
// error nothing is stored or reserved.
func (c *Coordinator) Coordinate(ctx context.Context, in *Workload) (CoordinationResult, error) {
	if in == nil {
		return CoordinationResult{}, fmt.Errorf("%w: nil workload", ErrInvalidWorkload)
	}
	w := in.Clone()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if err := validate(w); err != nil {
		return CoordinationResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return CoordinationResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.workloads.Load(w.ID); exists {
		return CoordinationResult{}, fmt.Errorf("%w: %s", ErrDuplicateWorkload, w.ID)
	}
	if err := c.checkDependencies(w); err != nil {
		return CoordinationResult{}, err
	}

	candidates, preferred := c.candidates(w)
	alloc, order, err := c.place(w, preferred)
	if errors.Is(err, ErrNoSuitableNodes) && len(candidates) > len(preferred) {
		alloc, order, err = c.place(w, candidates)
	} else {
		candidates = preferred
	}
	if err != nil {
		return CoordinationResult{}, err
	}

	now := c.now()
	w.Status = StatusAssigned
	w.AssignedNodes = order
	w.Allocation = alloc
	w.Progress = clamp01(w.Progress)
	w.CreatedAt = now
	w.UpdatedAt = now
	for id, r := range alloc {
		c.ledger.reserve(id, r)
	}
	c.workloads.Store(w.ID, w)

	res := CoordinationResult{
		WorkloadID:           w.ID,
		AssignedNodes:        slices.Clone(order),
		EstimatedCompletion:  c.estimateCompletion(now, w, candidates),
		CoordinationStrategy: strategyFor(order, candidates),
		ResourceAllocation:   maps.Clone(alloc),
	}
	c.log.WithFields(logrus.Fields{
		"workload": w.ID,
		"nodes":    order,
		"strategy": res.CoordinationStrategy,
	}).Debug("workload assigned")
	c.emit(w.ID, "", true, "assigned to "+strings.Join(order, ","))
	return res, nil
}

func validate(w *Workload) error {
	r := w.ResourceRequirements
	for _, v := range []float64{r.CPUCores, r.MemoryGB, r.StorageGB, r.NetworkMbps} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: resource requirements must be finite and non-negative", ErrInvalidWorkload)
		}
	}
	if w.EstimatedDurationMs < 0 {
		return fmt.Errorf("%w: estimated_duration_ms must be >= 0", ErrInvalidWorkload)
	}
	if w.Constraints.MaxLatencyMs < 0 {
		return fmt.Errorf("%w: max_latency_ms must be >= 0", ErrInvalidWorkload)
	}
	if w.Status != "" && w.Status != StatusPending {
		return fmt.Errorf("%w: new workloads must be pending, got %s", ErrInvalidTransition, w.Status)
	}
	if slices.Contains(w.Dependencies, w.ID) {
		return fmt.Errorf("%w: workload depends on itself", ErrInvalidWorkload)
	}
	return nil
}

func (c *Coordinator) checkDependencies(w *Workload) error {
	var pending []string
	for _, dep := range w.Dependencies {
		d, ok := c.workloads.Load(dep)
		if !ok || d.Status != StatusCompleted {
			pending = append(pending, dep)
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("%w: %s", ErrDependenciesNotMet, strings.Join(pending, ", "))
	}
	return nil
}

// eligible applies the per-node hard filters shared by placement and
// failover replacement selection.
func eligible(n *node.EdgeNode, w *Workload) bool {
	if !n.IsRoutable() || n.Status.State != node.StateOnline {
		return false
	}
	if capability, ok := CapabilityFor(w.Type); ok && !n.Capabilities.Has(capability) {
		return false
	}
	if limit := w.Constraints.MaxLatencyMs; limit > 0 && n.Status.ResponseTimeP95 > limit {
		return false
	}
	return n.SecurityLevel >= w.Constraints.SecurityLevel
}

// candidates returns every eligible node plus the subset in the preferred
// regions. The subset is the whole set when no preferred region holds an
// eligible node. Placement falls back to the whole set only when the
// preferred subset cannot cover the requirement.
func (c *Coordinator) candidates(w *Workload) (all, preferred []*node.EdgeNode) {
	for _, n := range c.nodes.ListOnline() {
		if !eligible(n, w) {
			continue
		}
		all = append(all, n)
		if slices.Contains(w.Constraints.PreferredRegions, n.Location.Region) {
			preferred = append(preferred, n)
		}
	}
	if len(preferred) == 0 {
		return all, all
	}
	return all, preferred
}

// place runs the greedy bin-packing: nodes in descending score order each
// contribute their free capacity until the requirement is covered.
func (c *Coordinator) place(w *Workload, candidates []*node.EdgeNode) (map[string]node.Resources, []string, error) {
	need := w.ResourceRequirements
	ranked := c.scorer.Rank(candidates, nil)

	alloc := make(map[string]node.Resources)
	var order []string
	var total node.Resources
	for _, s := range ranked {
		if covers(total, need) && len(order) > 0 {
			break
		}
		free := s.Node.Available().Sub(c.ledger.reserved(s.Node.ID))
		remaining := need.Sub(total)
		share := minResources(free, remaining)
		if share.IsZero() && !need.IsZero() {
			continue
		}
		alloc[s.Node.ID] = share
		order = append(order, s.Node.ID)
		total = total.Add(share)
	}
	if len(order) == 0 || !covers(total, need) {
		return nil, nil, fmt.Errorf("%w: workload %s needs %+v, %d candidate(s) offer %+v",
			ErrNoSuitableNodes, w.ID, need, len(candidates), total)
	}
	return alloc, order, nil
}

func (c *Coordinator) estimateCompletion(now time.Time, w *Workload, candidates []*node.EdgeNode) time.Time {
	slowest := 0.0
	for _, n := range candidates {
		if w.HasNode(n.ID) {
			slowest = math.Max(slowest, clamp01(n.Status.CurrentLoad))
		}
	}
	d := time.Duration(float64(w.EstimatedDurationMs)*(1+slowest)) * time.Millisecond
	return now.Add(d)
}

func strategyFor(order []string, candidates []*node.EdgeNode) Strategy {
	if len(order) <= 1 {
		return StrategySingleNode
	}
	regions := make(map[string]struct{})
	for _, n := range candidates {
		if slices.Contains(order, n.ID) {
			regions[n.Location.Region] = struct{}{}
		}
	}
	if len(regions) > 1 {
		return StrategyDistributedCrossRegion
	}
	return StrategyDistributed
}

// Get returns a copy of the workload.
func (c *Coordinator) Get(id string) (*Workload, bool) {
	w, ok := c.workloads.Load(id)
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// List returns copies of all workloads ordered by priority, then id.
func (c *Coordinator) List() []*Workload {
	out := make([]*Workload, 0, c.workloads.Size())
	c.workloads.Range(func(_ string, w *Workload) bool {
		out = append(out, w.Clone())
		return true
	})
	slices.SortFunc(out, func(a, b *Workload) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Affected returns copies of active workloads assigned to nodeID.
func (c *Coordinator) Affected(nodeID string) []*Workload {
	var out []*Workload
	for _, w := range c.List() {
		if w.Status.Active() && w.HasNode(nodeID) {
			out = append(out, w)
		}
	}
	return out
}

// Reserved returns the resources reserved on nodeID by active workloads.
func (c *Coordinator) Reserved(nodeID string) node.Resources {
	return c.ledger.reserved(nodeID)
}

// UpdateStatus records execution progress. A negative progress leaves the
// current value unchanged. Terminal states release the reservations.
func (c *Coordinator) UpdateStatus(id string, to Status, progress float64) (*Workload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.workloads.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkloadNotFound, id)
	}
	if err := canReport(cur.Status, to); err != nil {
		return nil, err
	}
	next := cur.Clone()
	next.Status = to
	if progress >= 0 {
		next.Progress = clamp01(progress)
	}
	if to == StatusCompleted {
		next.Progress = 1
	}
	if to.Terminal() {
		c.ledger.releaseAll(next.Allocation)
		next.Allocation = nil
	}
	next.UpdatedAt = c.now()
	c.workloads.Store(id, next)

	if to.Terminal() {
		c.emit(id, "", to == StatusCompleted, string(to))
	}
	return next.Clone(), nil
}

// Migrate moves every active workload off failedNode. The failed node's
// share is split evenly across replacements not already serving the
// workload. Workloads left with no node return to pending; progress is
// always preserved.
func (c *Coordinator) Migrate(failedNode string, replacements []string) MigrationResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	var affected []*Workload
	c.workloads.Range(func(_ string, w *Workload) bool {
		if w.Status.Active() && w.HasNode(failedNode) {
			affected = append(affected, w)
		}
		return true
	})

	var res MigrationResult
	now := c.now()
	for _, cur := range affected {
		id := cur.ID
		next := cur.Clone()
		share := next.Allocation[failedNode]
		c.ledger.release(failedNode, share)
		delete(next.Allocation, failedNode)
		next.AssignedNodes = slices.DeleteFunc(next.AssignedNodes, func(n string) bool { return n == failedNode })

		var fresh []string
		for _, r := range replacements {
			if r != failedNode && !next.HasNode(r) {
				fresh = append(fresh, r)
			}
		}
		if len(fresh) > 0 {
			part := share.Scale(1 / float64(len(fresh)))
			if next.Allocation == nil {
				next.Allocation = make(map[string]node.Resources, len(fresh))
			}
			for _, r := range fresh {
				next.Allocation[r] = next.Allocation[r].Add(part)
				c.ledger.reserve(r, part)
			}
			next.AssignedNodes = append(next.AssignedNodes, fresh...)
		}

		if len(next.AssignedNodes) == 0 {
			next.Status = StatusPending
			next.Allocation = nil
			res.Requeued = append(res.Requeued, id)
		} else {
			res.Migrated = append(res.Migrated, id)
		}
		next.UpdatedAt = now
		c.workloads.Store(id, next)
	}
	slices.Sort(res.Migrated)
	slices.Sort(res.Requeued)

	if n := len(res.Migrated) + len(res.Requeued); n > 0 {
		c.log.WithFields(logrus.Fields{
			"node":     failedNode,
			"migrated": len(res.Migrated),
			"requeued": len(res.Requeued),
		}).Info("workloads moved off failed node")
		c.emit("", failedNode, len(res.Requeued) == 0, fmt.Sprintf("migrated %d requeued %d", len(res.Migrated), len(res.Requeued)))
	}
	return res
}

// Clear drops every workload and reservation.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workloads.Clear()
	c.ledger.clear()
}

// Len returns the number of tracked workloads.
func (c *Coordinator) Len() int { return c.workloads.Size() }

func (c *Coordinator) emit(workloadID, nodeID string, success bool, detail string) {
	if c.telemetry == nil {
		return
	}
	c.telemetry.Emit(eventlog.Event{
		Kind:      eventlog.KindWorkload,
		RequestID: workloadID,
		NodeID:    nodeID,
		Success:   success,
		Detail:    detail,
	})
}

func minResources(a, b node.Resources) node.Resources {
	return node.Resources{
		CPUCores:    math.Min(a.CPUCores, b.CPUCores),
		MemoryGB:    math.Min(a.MemoryGB, b.MemoryGB),
		StorageGB:   math.Min(a.StorageGB, b.StorageGB),
		NetworkMbps: math.Min(a.NetworkMbps, b.NetworkMbps),
	}
}

// covers tolerates the rounding left by summing per-node shares.
func covers(total, need node.Resources) bool {
	const eps = 1e-9
	return total.Add(node.Resources{CPUCores: eps, MemoryGB: eps, StorageGB: eps, NetworkMbps: eps}).Covers(need)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
