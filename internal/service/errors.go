package service

import (
	"context"
	"errors"

	"github.com/Resinat/edgecoord/internal/failover"
	"github.com/Resinat/edgecoord/internal/node"
	"github.com/Resinat/edgecoord/internal/registry"
	"github.com/Resinat/edgecoord/internal/routing"
	"github.com/Resinat/edgecoord/internal/workload"
)

// Error codes carried by ServiceError.
const (
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeNotFound          = "NOT_FOUND"
	CodeConflict          = "CONFLICT"
	CodeUnavailable       = "UNAVAILABLE"
	CodeTimeout           = "TIMEOUT"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeInternal          = "INTERNAL"
)

// ServiceError wraps an error with a code for API response mapping.
type ServiceError struct {
	Code    string
	Message string
	Err     error
}

func (e *ServiceError) Error() string { return e.Message }
func (e *ServiceError) Unwrap() error { return e.Err }

func invalidArg(msg string) *ServiceError {
	return &ServiceError{Code: CodeInvalidArgument, Message: msg}
}

func notFound(msg string) *ServiceError {
	return &ServiceError{Code: CodeNotFound, Message: msg}
}

// wrap classifies a component error. Errors that are already ServiceErrors
// pass through unchanged.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return &ServiceError{Code: codeFor(err), Message: err.Error(), Err: err}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, registry.ErrInsufficientResources),
		errors.Is(err, registry.ErrMissingCapabilities),
		errors.Is(err, registry.ErrInvalidNode),
		errors.Is(err, routing.ErrInvalidRequest),
		errors.Is(err, routing.ErrUnsupportedRequestType),
		errors.Is(err, workload.ErrInvalidWorkload),
		errors.Is(err, failover.ErrUnknownFailureType):
		return CodeInvalidArgument
	case errors.Is(err, registry.ErrNodeNotFound),
		errors.Is(err, workload.ErrWorkloadNotFound):
		return CodeNotFound
	case errors.Is(err, registry.ErrDuplicateNode),
		errors.Is(err, workload.ErrDuplicateWorkload),
		errors.Is(err, workload.ErrDependenciesNotMet),
		errors.Is(err, workload.ErrInvalidTransition),
		errors.Is(err, node.ErrIllegalTransition):
		return CodeConflict
	case errors.Is(err, routing.ErrBackpressure):
		return CodeResourceExhausted
	case errors.Is(err, routing.ErrRoutingTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, workload.ErrNoSuitableNodes),
		errors.Is(err, context.Canceled):
		return CodeUnavailable
	}
	return CodeInternal
}
