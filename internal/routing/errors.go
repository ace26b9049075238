package routing

import (
	"errors"
	"fmt"
)

var (
	ErrBackpressure           = errors.New("routing: too many requests in flight")
	ErrRoutingTimeout         = errors.New("routing: request timed out")
	ErrUnsupportedRequestType = errors.New("routing: unsupported request type")
	ErrInvalidRequest         = errors.New("routing: invalid request")
)

// TimeoutError is returned when a request exhausted its retries on
// timeouts. It unwraps to ErrRoutingTimeout.
type TimeoutError struct {
	RequestID string
	Attempts  int
	TimeoutMs int
	NodeIDs   []string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("routing: request %s timed out after %d attempt(s) of %dms (nodes %v)",
		e.RequestID, e.Attempts, e.TimeoutMs, e.NodeIDs)
}

func (e *TimeoutError) Unwrap() error { return ErrRoutingTimeout }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
