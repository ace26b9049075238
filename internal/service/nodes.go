package service

import (
	"strings"

	"github.com/Resinat/edgecoord/internal/node"
	"github.com/Resinat/edgecoord/internal/registry"
)

// RegisterEdgeNode admits n. Validation failures leave the registry
// untouched.
func (s *EdgeService) RegisterEdgeNode(n *node.EdgeNode) (registry.RegistrationResult, error) {
	if n == nil {
		return registry.RegistrationResult{}, invalidArg("node is required")
	}
	res, err := s.Registry.Register(n)
	if err != nil {
		return registry.RegistrationResult{NodeID: n.ID}, wrap(err)
	}
	s.log.WithField("node", res.NodeID).WithField("region", n.Location.Region).Info("edge node registered")
	return res, nil
}

// RemoveNode deletes id and reports whether it existed. Workloads left
// without any node go back to pending.
func (s *EdgeService) RemoveNode(id string) bool {
	if !s.Registry.Remove(id) {
		return false
	}
	s.forgetNode(id)
	if mig := s.Workloads.Migrate(id, nil); len(mig.Affected()) > 0 {
		s.log.WithField("node", id).WithField("requeued", mig.Requeued).Info("removed node released its workloads")
	}
	s.log.WithField("node", id).Info("edge node removed")
	return true
}

// ListNodes returns every registered node ordered by id.
func (s *EdgeService) ListNodes() []*node.EdgeNode {
	return s.Registry.List()
}

// ListOnlineNodes returns the online nodes ordered by id.
func (s *EdgeService) ListOnlineNodes() []*node.EdgeNode {
	return s.Registry.ListOnline()
}

// GetNodeByID returns a copy of node id.
func (s *EdgeService) GetNodeByID(id string) (*node.EdgeNode, bool) {
	return s.Registry.Get(id)
}

// RecoverNode brings an offline or degraded node back online.
func (s *EdgeService) RecoverNode(id string) (*node.EdgeNode, error) {
	if strings.TrimSpace(id) == "" {
		return nil, invalidArg("node id is required")
	}
	n, ok := s.Registry.Get(id)
	if !ok {
		return nil, notFound("node not found")
	}
	if n.Status.State == node.StateDegraded {
		if _, err := s.Failover.MarkRecovered(id); err != nil {
			return nil, wrap(err)
		}
		if n, ok = s.Registry.Get(id); !ok {
			return nil, notFound("node not found")
		}
		return n, nil
	}
	n, err := s.Failover.RecoverNode(id)
	if err != nil {
		return nil, wrap(err)
	}
	s.Breakers.Forget(id)
	return n, nil
}
