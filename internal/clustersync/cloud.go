package clustersync

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/Resinat/edgecoord/internal/node"
	"github.com/Resinat/edgecoord/internal/probe"
)

// NodeReport is the local telemetry pushed to the control plane.
type NodeReport struct {
	NodeID          string          `json:"node_id"`
	Region          string          `json:"region"`
	State           node.State      `json:"state"`
	HealthScore     float64         `json:"health_score"`
	CurrentLoad     float64         `json:"current_load"`
	QueueDepth      int             `json:"queue_depth"`
	ResponseTimeP95 float64         `json:"response_time_p95"`
	ErrorRate       float64         `json:"error_rate"`
	FailoverCount   int             `json:"failover_count"`
	CacheStats      node.CacheStats `json:"cache_stats"`
	ReportedAt      time.Time       `json:"reported_at"`
}

// CloudState is the control plane's authoritative view of one node. Nil
// fields leave the local value untouched.
type CloudState struct {
	NodeID           string           `json:"node_id"`
	Healthy          bool             `json:"healthy"`
	UptimePercentage *float64         `json:"uptime_percentage,omitempty"`
	CacheStats       *node.CacheStats `json:"cache_stats,omitempty"`
	ObservedAt       time.Time        `json:"observed_at"`
}

// CloudClient reconciles one node with the control plane.
type CloudClient interface {
	Reconcile(ctx context.Context, report NodeReport) (CloudState, error)
}

// CloudClientFunc adapts a function to CloudClient.
type CloudClientFunc func(ctx context.Context, report NodeReport) (CloudState, error)

func (f CloudClientFunc) Reconcile(ctx context.Context, report NodeReport) (CloudState, error) {
	return f(ctx, report)
}

// LocalCloud is an in-process control plane. It judges health from the
// liveness collaborator and keeps a running uptime per node: the share of
// reconciliations in which the node was alive.
type LocalCloud struct {
	liveness probe.Liveness
	samples  *xsync.Map[string, uptime]
}

type uptime struct {
	alive, total int64
}

// NewLocalCloud creates a LocalCloud. A nil liveness treats every node as
// alive.
func NewLocalCloud(liveness probe.Liveness) *LocalCloud {
	if liveness == nil {
		liveness = probe.AlwaysAlive{}
	}
	return &LocalCloud{liveness: liveness, samples: xsync.NewMap[string, uptime]()}
}

func (c *LocalCloud) Reconcile(ctx context.Context, r NodeReport) (CloudState, error) {
	if err := ctx.Err(); err != nil {
		return CloudState{}, err
	}
	alive := c.liveness.Alive(r.NodeID)
	u, _ := c.samples.Compute(r.NodeID, func(old uptime, _ bool) (uptime, xsync.ComputeOp) {
		old.total++
		if alive {
			old.alive++
		}
		return old, xsync.UpdateOp
	})
	pct := 100 * float64(u.alive) / float64(u.total)

	stats := r.CacheStats
	if stats.MaxSizeMB > 0 && stats.SizeMB > stats.MaxSizeMB {
		stats.SizeMB = stats.MaxSizeMB
	}
	return CloudState{
		NodeID:           r.NodeID,
		Healthy:          alive && r.ErrorRate < 0.5,
		UptimePercentage: &pct,
		CacheStats:       &stats,
		ObservedAt:       time.Now(),
	}, nil
}

// Forget drops the uptime history of nodeID.
func (c *LocalCloud) Forget(nodeID string) { c.samples.Delete(nodeID) }

// Reset drops every uptime history.
func (c *LocalCloud) Reset() { c.samples.Clear() }
