// Package failover reacts to node failure signals: it takes the node out of
// rotation, picks replacement nodes and moves the node's workloads onto
// them. Failure handling itself never fails for a known node.
package failover

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Resinat/edgecoord/internal/eventlog"
	"github.com/Resinat/edgecoord/internal/geo"
	"github.com/Resinat/edgecoord/internal/node"
	"github.com/Resinat/edgecoord/internal/notify"
	"github.com/Resinat/edgecoord/internal/workload"
)

// DefaultReplacementCount is used when Config leaves ReplacementCount unset.
const DefaultReplacementCount = 2

// NodeStore is the registry view the manager needs.
type NodeStore interface {
	ListOnline() []*node.EdgeNode
	Update(id string, fn func(n *node.EdgeNode) error) (*node.EdgeNode, error)
}

// Workloads is the coordinator view the manager needs.
type Workloads interface {
	Affected(nodeID string) []*workload.Workload
	Migrate(failedNode string, replacements []string) workload.MigrationResult
}

// Telemetry receives best-effort events.
type Telemetry interface {
	Emit(ev eventlog.Event)
}

// Config configures a Manager. Nodes is required.
type Config struct {
	Nodes            NodeStore
	Workloads        Workloads
	Telemetry        Telemetry
	ReplacementCount int
	// SubscriberBuffer bounds each outcome subscription.
	SubscriberBuffer int
}

// Manager runs failovers. Runs for the same node are collapsed: concurrent
// reports share one outcome. Different nodes fail over in parallel.
type Manager struct {
	nodes            NodeStore
	workloads        Workloads
	telemetry        Telemetry
	replacementCount int

	flights  singleflight.Group
	outcomes *notify.Broadcaster[Outcome]
	log      *logrus.Entry
}

// New creates a Manager.
func New(cfg Config) *Manager {
	if cfg.ReplacementCount <= 0 {
		cfg.ReplacementCount = DefaultReplacementCount
	}
	return &Manager{
		nodes:            cfg.Nodes,
		workloads:        cfg.Workloads,
		telemetry:        cfg.Telemetry,
		replacementCount: cfg.ReplacementCount,
		outcomes:         notify.New[Outcome](cfg.SubscriberBuffer),
		log:              logrus.WithField("component", "failover"),
	}
}

// HandleFailure takes nodeID offline, bumps its failover_count by one and
// migrates its workloads. The only errors are an unknown failure type and
// an unknown node.
func (m *Manager) HandleFailure(nodeID string, ft FailureType) (Outcome, error) {
	strategy, severity, err := classify(ft)
	if err != nil {
		return Outcome{}, err
	}
	v, err, shared := m.flights.Do(nodeID, func() (any, error) {
		return m.run(nodeID, ft, strategy, severity)
	})
	if err != nil {
		return Outcome{}, err
	}
	out := v.(Outcome)
	if shared {
		m.log.WithField("node", nodeID).Debug("joined in-progress failover")
	}
	return cloneOutcome(out), nil
}

func (m *Manager) run(nodeID string, ft FailureType, strategy Strategy, severity Severity) (Outcome, error) {
	start := time.Now()
	var prev node.State
	failed, err := m.nodes.Update(nodeID, func(n *node.EdgeNode) error {
		prev = n.Status.State
		n.Status.State = node.StateOffline
		n.Status.FailoverCount++
		n.Status.QueueDepth = 0
		n.Status.CurrentLoad = 0
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failover: %w", err)
	}

	var affected []*workload.Workload
	if m.workloads != nil {
		affected = m.workloads.Affected(nodeID)
	}
	replacements := m.selectReplacements(failed, ft, affected)

	var mig workload.MigrationResult
	if m.workloads != nil {
		mig = m.workloads.Migrate(nodeID, replacements)
	}

	out := Outcome{
		FailoverID:        uuid.NewString(),
		NodeID:            nodeID,
		FailureType:       ft,
		Strategy:          strategy,
		Severity:          severity,
		PreviousState:     prev,
		FailoverCount:     failed.Status.FailoverCount,
		ReplacementNodes:  replacements,
		MigratedWorkloads: nonNil(mig.Migrated),
		RequeuedWorkloads: mig.Requeued,
		FailoverCompleted: true,
		DataLossPrevented: len(mig.Requeued) == 0,
		Timestamp:         start,
	}
	out.FailoverTimeMs = float64(time.Since(start)) / float64(time.Millisecond)

	entry := m.log.WithFields(logrus.Fields{
		"node":         nodeID,
		"type":         ft,
		"strategy":     strategy,
		"replacements": replacements,
		"migrated":     len(mig.Migrated),
		"requeued":     len(mig.Requeued),
	})
	if len(replacements) == 0 {
		entry.Warn("failover completed without replacement nodes")
	} else {
		entry.Info("failover completed")
	}

	if m.telemetry != nil {
		m.telemetry.Emit(eventlog.Event{
			Kind:      eventlog.KindFailover,
			RequestID: out.FailoverID,
			NodeID:    nodeID,
			Region:    failed.Location.Region,
			Success:   out.DataLossPrevented,
			LatencyMs: out.FailoverTimeMs,
			Detail:    fmt.Sprintf("%s/%s replacements=%s", ft, strategy, strings.Join(replacements, ",")),
		})
	}
	m.outcomes.Publish(cloneOutcome(out))
	return out, nil
}

// selectReplacements picks up to replacementCount online nodes able to run
// every affected workload type. Same-region nodes come first, then by
// distance; overload failures prefer the least-loaded nodes.
func (m *Manager) selectReplacements(failed *node.EdgeNode, ft FailureType, affected []*workload.Workload) []string {
	required := requiredCapabilities(affected)
	var candidates []*node.EdgeNode
	for _, n := range m.nodes.ListOnline() {
		if n.ID == failed.ID || n.Status.State != node.StateOnline {
			continue
		}
		if !n.Capabilities.HasAll(required) {
			continue
		}
		candidates = append(candidates, n)
	}

	region := failed.Location.Region
	sameRegion := func(n *node.EdgeNode) int {
		if region != "" && n.Location.Region == region {
			return 0
		}
		return 1
	}
	slices.SortFunc(candidates, func(a, b *node.EdgeNode) int {
		if ft == FailureOverload {
			if c := cmp.Compare(a.Status.CurrentLoad, b.Status.CurrentLoad); c != 0 {
				return c
			}
		}
		if c := cmp.Compare(sameRegion(a), sameRegion(b)); c != 0 {
			return c
		}
		da := geo.DistanceKm(failed.Location, a.Location)
		db := geo.DistanceKm(failed.Location, b.Location)
		if c := cmp.Compare(da, db); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	out := make([]string, 0, m.replacementCount)
	for _, n := range candidates {
		if len(out) == m.replacementCount {
			break
		}
		out = append(out, n.ID)
	}
	return out
}

func requiredCapabilities(affected []*workload.Workload) []node.Capability {
	var caps []node.Capability
	for _, w := range affected {
		if c, ok := workload.CapabilityFor(w.Type); ok && !slices.Contains(caps, c) {
			caps = append(caps, c)
		}
	}
	if len(caps) == 0 {
		return node.RequiredCapabilities()
	}
	return caps
}

// MarkDegraded moves an online node to degraded. It reports whether the
// state changed.
func (m *Manager) MarkDegraded(nodeID string) (bool, error) {
	return m.transition(nodeID, node.StateDegraded, node.TransitionAutomatic, "degraded")
}

// MarkRecovered returns a degraded node to online. Nodes in any other state
// are left alone.
func (m *Manager) MarkRecovered(nodeID string) (bool, error) {
	var changed bool
	n, err := m.nodes.Update(nodeID, func(n *node.EdgeNode) error {
		if n.Status.State != node.StateDegraded {
			return nil
		}
		changed = true
		n.Status.State = node.StateOnline
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failover: %w", err)
	}
	if changed {
		m.log.WithField("node", nodeID).Info("node no longer degraded")
		m.emitState(n, "recovered")
	}
	return changed, nil
}

// RecoverNode brings an offline node back online. This is the manual path
// out of offline; error telemetry is reset so the node competes fairly.
func (m *Manager) RecoverNode(nodeID string) (*node.EdgeNode, error) {
	return m.recover(nodeID, node.TransitionManualRecovery)
}

// RecoverFromCloud is the cloud-sync path out of offline.
func (m *Manager) RecoverFromCloud(nodeID string) (*node.EdgeNode, error) {
	return m.recover(nodeID, node.TransitionCloudRecovery)
}

func (m *Manager) recover(nodeID string, by node.Transition) (*node.EdgeNode, error) {
	n, err := m.nodes.Update(nodeID, func(n *node.EdgeNode) error {
		if err := node.CanTransition(n.Status.State, node.StateOnline, by); err != nil {
			return err
		}
		n.Status.State = node.StateOnline
		n.Status.ErrorRate = 0
		n.Status.QueueDepth = 0
		n.Status.CurrentLoad = 0
		n.Status.LastHeartbeat = time.Now()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failover: recover %s: %w", nodeID, err)
	}
	m.log.WithField("node", nodeID).Info("node recovered")
	m.emitState(n, "recovered")
	return n, nil
}

func (m *Manager) transition(nodeID string, to node.State, by node.Transition, detail string) (bool, error) {
	var changed bool
	n, err := m.nodes.Update(nodeID, func(n *node.EdgeNode) error {
		if err := node.CanTransition(n.Status.State, to, by); err != nil {
			return err
		}
		changed = n.Status.State != to
		n.Status.State = to
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failover: %w", err)
	}
	if changed {
		m.log.WithFields(logrus.Fields{"node": nodeID, "state": to}).Info("node state changed")
		m.emitState(n, detail)
	}
	return changed, nil
}

func (m *Manager) emitState(n *node.EdgeNode, detail string) {
	if m.telemetry == nil {
		return
	}
	m.telemetry.Emit(eventlog.Event{
		Kind:    eventlog.KindFailover,
		NodeID:  n.ID,
		Region:  n.Location.Region,
		Success: true,
		Detail:  detail,
	})
}

// Subscribe returns a bounded, drop-oldest feed of failover outcomes.
func (m *Manager) Subscribe() *notify.Subscription[Outcome] {
	return m.outcomes.Subscribe()
}

// Close ends every subscription.
func (m *Manager) Close() { m.outcomes.Close() }

func cloneOutcome(o Outcome) Outcome {
	o.ReplacementNodes = slices.Clone(o.ReplacementNodes)
	o.MigratedWorkloads = slices.Clone(o.MigratedWorkloads)
	o.RequeuedWorkloads = slices.Clone(o.RequeuedWorkloads)
	return o
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
