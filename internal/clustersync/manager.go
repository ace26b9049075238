// Package clustersync periodically reconciles every registered node with
// the cloud control plane. A failing node is recorded and never aborts the
// run for the others.
package clustersync

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Resinat/edgecoord/internal/eventlog"
	"github.com/Resinat/edgecoord/internal/node"
)

// NodeStore is the registry view the manager needs.
type NodeStore interface {
	List() []*node.EdgeNode
	Update(id string, fn func(n *node.EdgeNode) error) (*node.EdgeNode, error)
}

// Recoverer brings an offline node back when the cloud reports it healthy.
type Recoverer interface {
	RecoverFromCloud(nodeID string) (*node.EdgeNode, error)
}

// Telemetry receives best-effort events.
type Telemetry interface {
	Emit(ev eventlog.Event)
}

// Config configures a Manager. Nodes and Cloud are required.
type Config struct {
	Nodes     NodeStore
	Cloud     CloudClient
	Recoverer Recoverer
	Telemetry Telemetry

	// RecoverOffline lets a healthy cloud report bring an offline node back.
	RecoverOffline bool
	Concurrency    int
	RatePerSecond  float64
	NodeTimeout    time.Duration
	// Schedule is a cron expression for Start. Empty disables scheduling.
	Schedule string
}

// FailedNode records why one node could not be reconciled.
type FailedNode struct {
	NodeID string `json:"node_id"`
	Error  string `json:"error"`
}

// Result summarizes one sync run.
type Result struct {
	SynchronizedNodes       []string           `json:"synchronized_nodes"`
	FailedNodes             []FailedNode       `json:"failed_nodes"`
	RecoveredNodes          []string           `json:"recovered_nodes,omitempty"`
	SyncDurationMs          float64            `json:"sync_duration_ms"`
	DataTransferredMB       float64            `json:"data_transferred_mb"`
	PerformanceImprovements map[string]float64 `json:"performance_improvements"`
	StartedAt               time.Time          `json:"started_at"`
}

// Manager runs sync passes on demand and on a cron schedule. Passes never
// overlap.
type Manager struct {
	nodes          NodeStore
	cloud          CloudClient
	recoverer      Recoverer
	telemetry      Telemetry
	recoverOffline bool
	concurrency    int
	limiter        *rate.Limiter
	nodeTimeout    time.Duration

	runMu    sync.Mutex
	baseline *xsync.Map[string, float64] // health score at the previous sync

	lastMu sync.RWMutex
	last   *Result

	cron *cron.Cron
	log  *logrus.Entry
}

// New creates a Manager. It fails only on an invalid schedule.
func New(cfg Config) (*Manager, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 50
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = 5 * time.Second
	}
	m := &Manager{
		nodes:          cfg.Nodes,
		cloud:          cfg.Cloud,
		recoverer:      cfg.Recoverer,
		telemetry:      cfg.Telemetry,
		recoverOffline: cfg.RecoverOffline,
		concurrency:    cfg.Concurrency,
		limiter:        rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(1, int(math.Ceil(cfg.RatePerSecond)))),
		nodeTimeout:    cfg.NodeTimeout,
		baseline:       xsync.NewMap[string, float64](),
		log:            logrus.WithField("component", "clustersync"),
	}
	if cfg.Schedule != "" {
		m.cron = cron.New()
		if _, err := m.cron.AddFunc(cfg.Schedule, m.scheduled); err != nil {
			return nil, fmt.Errorf("clustersync: invalid schedule %q: %w", cfg.Schedule, err)
		}
	}
	return m, nil
}

// Start begins scheduled syncs.
func (m *Manager) Start() {
	if m.cron == nil {
		return
	}
	m.cron.Start()
	m.log.Info("sync schedule started")
}

// Stop halts the schedule and waits for a running scheduled pass.
func (m *Manager) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.log.Info("sync schedule stopped")
}

func (m *Manager) scheduled() {
	res, err := m.Sync(context.Background())
	if err != nil {
		m.log.WithError(err).Warn("scheduled sync aborted")
		return
	}
	m.log.WithFields(logrus.Fields{
		"synchronized": len(res.SynchronizedNodes),
		"failed":       len(res.FailedNodes),
	}).Debug("scheduled sync finished")
}

// Sync reconciles every node once. Per-node failures land in
// Result.FailedNodes; the error is non-nil only if ctx was already done.
func (m *Manager) Sync(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()

	start := time.Now()
	res := Result{
		SynchronizedNodes:       []string{},
		FailedNodes:             []FailedNode{},
		PerformanceImprovements: make(map[string]float64),
		StartedAt:               start,
	}
	var (
		mu    sync.Mutex
		bytes int64
	)

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for _, n := range m.nodes.List() {
		g.Go(func() error {
			moved, delta, recovered, err := m.syncNode(ctx, n)
			mu.Lock()
			defer mu.Unlock()
			bytes += moved
			if err != nil {
				res.FailedNodes = append(res.FailedNodes, FailedNode{NodeID: n.ID, Error: err.Error()})
				return nil
			}
			res.SynchronizedNodes = append(res.SynchronizedNodes, n.ID)
			res.PerformanceImprovements[n.ID] = delta
			if recovered {
				res.RecoveredNodes = append(res.RecoveredNodes, n.ID)
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(res.SynchronizedNodes)
	slices.Sort(res.RecoveredNodes)
	slices.SortFunc(res.FailedNodes, func(a, b FailedNode) int { return cmp.Compare(a.NodeID, b.NodeID) })
	res.DataTransferredMB = float64(bytes) / (1024 * 1024)
	res.SyncDurationMs = float64(time.Since(start)) / float64(time.Millisecond)

	if len(res.FailedNodes) > 0 {
		m.log.WithField("failed", len(res.FailedNodes)).Warn("sync finished with per-node failures")
	}
	m.emit(res)

	m.lastMu.Lock()
	snapshot := res
	m.last = &snapshot
	m.lastMu.Unlock()
	return res, nil
}

// syncNode returns the bytes exchanged, the non-negative health delta since
// the previous sync and whether the node was recovered from offline.
func (m *Manager) syncNode(ctx context.Context, n *node.EdgeNode) (int64, float64, bool, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return 0, 0, false, fmt.Errorf("rate limit: %w", err)
	}
	report := reportFor(n)
	moved := jsonSize(report)

	nctx, cancel := context.WithTimeout(ctx, m.nodeTimeout)
	state, err := m.cloud.Reconcile(nctx, report)
	cancel()
	if err != nil {
		return moved, 0, false, fmt.Errorf("reconcile: %w", err)
	}
	moved += jsonSize(state)

	updated, err := m.nodes.Update(n.ID, func(cur *node.EdgeNode) error {
		if state.UptimePercentage != nil {
			cur.Status.UptimePercentage = *state.UptimePercentage
		}
		if state.CacheStats != nil {
			cur.CacheStats = *state.CacheStats
		}
		return nil
	})
	if err != nil {
		return moved, 0, false, fmt.Errorf("apply: %w", err)
	}

	recovered := false
	if m.recoverOffline && state.Healthy && updated.Status.State == node.StateOffline && m.recoverer != nil {
		r, err := m.recoverer.RecoverFromCloud(n.ID)
		if err != nil {
			m.log.WithError(err).WithField("node", n.ID).Warn("cloud recovery failed")
		} else {
			updated = r
			recovered = true
		}
	}

	health := updated.Status.HealthScore
	prev, seen := m.baseline.Load(n.ID)
	m.baseline.Store(n.ID, health)
	delta := 0.0
	if seen {
		delta = math.Max(0, health-prev)
	}
	return moved, delta, recovered, nil
}

func reportFor(n *node.EdgeNode) NodeReport {
	return NodeReport{
		NodeID:          n.ID,
		Region:          n.Location.Region,
		State:           n.Status.State,
		HealthScore:     n.Status.HealthScore,
		CurrentLoad:     n.Status.CurrentLoad,
		QueueDepth:      n.Status.QueueDepth,
		ResponseTimeP95: n.Status.ResponseTimeP95,
		ErrorRate:       n.Status.ErrorRate,
		FailoverCount:   n.Status.FailoverCount,
		CacheStats:      n.CacheStats,
		ReportedAt:      time.Now(),
	}
}

func jsonSize(v any) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

func (m *Manager) emit(res Result) {
	if m.telemetry == nil {
		return
	}
	m.telemetry.Emit(eventlog.Event{
		Kind:      eventlog.KindSync,
		Success:   len(res.FailedNodes) == 0,
		LatencyMs: res.SyncDurationMs,
		Detail:    fmt.Sprintf("synchronized=%d failed=%d", len(res.SynchronizedNodes), len(res.FailedNodes)),
	})
}

// LastSync returns the most recent result, if any.
func (m *Manager) LastSync() (Result, bool) {
	m.lastMu.RLock()
	defer m.lastMu.RUnlock()
	if m.last == nil {
		return Result{}, false
	}
	return *m.last, true
}

// Forget drops the improvement baseline of nodeID.
func (m *Manager) Forget(nodeID string) { m.baseline.Delete(nodeID) }

// Reset drops every baseline and the last result.
func (m *Manager) Reset() {
	m.baseline.Clear()
	m.lastMu.Lock()
	m.last = nil
	m.lastMu.Unlock()
}
