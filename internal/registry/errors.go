package registry

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientResources = errors.New("insufficient resources")
	ErrMissingCapabilities   = errors.New("missing required capabilities")
	ErrInvalidNode           = errors.New("invalid node")
	ErrDuplicateNode         = errors.New("node already registered")
	ErrNodeNotFound          = errors.New("node not found")
)

// ValidationError reports why a node was refused admission. It unwraps to
// one of ErrInsufficientResources, ErrMissingCapabilities or ErrInvalidNode.
type ValidationError struct {
	NodeID string
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("registry: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("registry: node %q: %s: %s", e.NodeID, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }
