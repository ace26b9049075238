// Package eventlog records routing, failover, workload and sync telemetry.
//
// Producers call Emitter.Emit, which never blocks and never fails; a
// background loop batches events into a Store. The metrics aggregator reads
// them back through Store.Query.
package eventlog

import (
	"context"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	KindRequest  Kind = "request"
	KindFailover Kind = "failover"
	KindWorkload Kind = "workload"
	KindSync     Kind = "sync"
)

// Request events with Success=false carry one of these details.
const (
	// DetailAttemptFailed marks one failed attempt on NodeID; the request
	// may still have succeeded elsewhere.
	DetailAttemptFailed = "attempt_failed"
	// DetailRequestFailed marks a request that surfaced an error.
	DetailRequestFailed = "request_failed"
)

// Event is one telemetry record. Fields not meaningful for a kind are left
// zero.
type Event struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        Kind      `json:"kind"`
	RequestID   string    `json:"request_id,omitempty"`
	RequestType string    `json:"request_type,omitempty"`
	NodeID      string    `json:"node_id,omitempty"`
	Region      string    `json:"region,omitempty"`
	Success     bool      `json:"success"`
	CacheHit    bool      `json:"cache_hit,omitempty"`
	Fallback    bool      `json:"fallback,omitempty"`
	LatencyMs   float64   `json:"latency_ms,omitempty"`
	Cost        float64   `json:"cost,omitempty"`
	NodeLoad    float64   `json:"node_load,omitempty"`
	Error       string    `json:"error,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// Filter selects events in Query. Zero fields match everything; Limit <= 0
// means no limit. Results are ordered oldest first.
type Filter struct {
	Kind   Kind
	NodeID string
	Since  time.Time
	Until  time.Time
	Limit  int
}

func (f Filter) match(e *Event) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.NodeID != "" && e.NodeID != f.NodeID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// Store persists events.
type Store interface {
	Record(ctx context.Context, e Event) error
	RecordBatch(ctx context.Context, events []Event) (int, error)
	Query(ctx context.Context, f Filter) ([]Event, error)
	Clear(ctx context.Context) error
	Close() error
}
