package workload

import "errors"

var (
	ErrNoSuitableNodes    = errors.New("workload: no suitable nodes")
	ErrDependenciesNotMet = errors.New("workload: dependencies not completed")
	ErrWorkloadNotFound   = errors.New("workload: not found")
	ErrInvalidTransition  = errors.New("workload: invalid status transition")
	ErrDuplicateWorkload  = errors.New("workload: duplicate id")
	ErrInvalidWorkload    = errors.New("workload: invalid workload")
)
