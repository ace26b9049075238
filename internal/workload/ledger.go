package workload

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/Resinat/edgecoord/internal/node"
)

// ledger tracks resources reserved on each node by active workloads.
type ledger struct {
	byNode *xsync.Map[string, node.Resources]
}

func newLedger() *ledger {
	return &ledger{byNode: xsync.NewMap[string, node.Resources]()}
}

func (l *ledger) reserved(nodeID string) node.Resources {
	r, _ := l.byNode.Load(nodeID)
	return r
}

func (l *ledger) reserve(nodeID string, r node.Resources) {
	l.byNode.Compute(nodeID, func(old node.Resources, _ bool) (node.Resources, xsync.ComputeOp) {
		return old.Add(r), xsync.UpdateOp
	})
}

func (l *ledger) release(nodeID string, r node.Resources) {
	l.byNode.Compute(nodeID, func(old node.Resources, loaded bool) (node.Resources, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		left := old.Sub(r)
		if left.IsZero() {
			return left, xsync.DeleteOp
		}
		return left, xsync.UpdateOp
	})
}

func (l *ledger) releaseAll(alloc map[string]node.Resources) {
	for id, r := range alloc {
		l.release(id, r)
	}
}

func (l *ledger) clear() { l.byNode.Clear() }
