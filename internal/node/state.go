package node

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned by CanTransition.
var ErrIllegalTransition = errors.New("node: illegal state transition")

// State is the failover lifecycle state of a node.
//
//	online  -> degraded -> offline
//	degraded -> online            (liveness recovered)
//	offline  -> online            (manual or cloud-sync recovery only)
type State string

const (
	StateOnline   State = "online"
	StateDegraded State = "degraded"
	StateOffline  State = "offline"
)

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	switch s {
	case StateOnline, StateDegraded, StateOffline:
		return true
	}
	return false
}

// Reachable reports whether a node in state s is considered online.
func (s State) Reachable() bool {
	return s == StateOnline || s == StateDegraded
}

// Transition names who is asking for a state change. Recovery out of
// offline is only allowed for explicit recoveries.
type Transition int

const (
	TransitionAutomatic Transition = iota
	TransitionManualRecovery
	TransitionCloudRecovery
)

// CanTransition validates a state change.
func CanTransition(from, to State, by Transition) error {
	if from == to {
		return nil
	}
	switch from {
	case StateOnline:
		if to == StateDegraded || to == StateOffline {
			return nil
		}
	case StateDegraded:
		if to == StateOnline || to == StateOffline {
			return nil
		}
	case StateOffline:
		if to == StateOnline && by != TransitionAutomatic {
			return nil
		}
	}
	return fmt.Errorf("%w %s -> %s", ErrIllegalTransition, from, to)
}
