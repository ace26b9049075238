package failover

import (
	"errors"
	"fmt"
	"time"

	"github.com/Resinat/edgecoord/internal/node"
)

// ErrUnknownFailureType is returned by ParseFailureType.
var ErrUnknownFailureType = errors.New("failover: unknown failure type")

// FailureType classifies a failure signal.
type FailureType string

const (
	FailureNetwork  FailureType = "network"
	FailureHardware FailureType = "hardware"
	FailureSoftware FailureType = "software"
	FailureOverload FailureType = "overload"
)

// ParseFailureType validates s.
func ParseFailureType(s string) (FailureType, error) {
	switch ft := FailureType(s); ft {
	case FailureNetwork, FailureHardware, FailureSoftware, FailureOverload:
		return ft, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFailureType, s)
}

// Strategy is the recovery strategy chosen for a failure type.
type Strategy string

const (
	StrategyNetworkRecovery     Strategy = "network_recovery"
	StrategyHardwareReplacement Strategy = "hardware_replacement"
	StrategySoftwareRestart     Strategy = "software_restart"
	StrategyLoadBalancing       Strategy = "load_balancing"
)

// Severity grades a failure.
type Severity string

const (
	SeverityTransient   Severity = "transient"
	SeverityCritical    Severity = "critical"
	SeverityRecoverable Severity = "recoverable"
	SeverityCapacity    Severity = "capacity"
)

// classify is the single dispatch point from failure type to policy.
func classify(ft FailureType) (Strategy, Severity, error) {
	switch ft {
	case FailureNetwork:
		return StrategyNetworkRecovery, SeverityTransient, nil
	case FailureHardware:
		return StrategyHardwareReplacement, SeverityCritical, nil
	case FailureSoftware:
		return StrategySoftwareRestart, SeverityRecoverable, nil
	case FailureOverload:
		return StrategyLoadBalancing, SeverityCapacity, nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrUnknownFailureType, string(ft))
}

// Outcome is the result of one failover run.
type Outcome struct {
	FailoverID        string      `json:"failover_id"`
	NodeID            string      `json:"node_id"`
	FailureType       FailureType `json:"failure_type"`
	Strategy          Strategy    `json:"recovery_strategy"`
	Severity          Severity    `json:"severity"`
	PreviousState     node.State  `json:"previous_state"`
	FailoverCount     int         `json:"failover_count"`
	ReplacementNodes  []string    `json:"replacement_nodes"`
	MigratedWorkloads []string    `json:"migrated_workloads"`
	RequeuedWorkloads []string    `json:"requeued_workloads,omitempty"`
	FailoverTimeMs    float64     `json:"failover_time_ms"`
	FailoverCompleted bool        `json:"failover_completed"`
	DataLossPrevented bool        `json:"data_loss_prevented"`
	Timestamp         time.Time   `json:"timestamp"`
}
