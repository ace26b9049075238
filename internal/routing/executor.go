package routing

import (
	"context"
	"slices"
	"time"

	"github.com/Resinat/edgecoord/internal/node"
	"github.com/Resinat/edgecoord/internal/strategy"
)

// ExecResult is the output of one execution attempt.
type ExecResult struct {
	Output       map[string]any
	ProcessingMs float64
}

// Executor runs a request on a node. Implementations must honour ctx
// cancellation. For cloud fallback the node is a synthetic record whose id
// is CloudFallbackID.
type Executor interface {
	Execute(ctx context.Context, n *node.EdgeNode, req *EdgeRequest, params *strategy.Parameters) (ExecResult, error)
}

// SimulatedExecutor models execution latency from node telemetry:
//
//	latency = max(p50, BaseLatency) * (1 + load)
//
// It sleeps latency*TimeScale (so tests can run fast) and reports the
// unscaled latency as processing time.
type SimulatedExecutor struct {
	BaseLatency time.Duration
	TimeScale   float64
}

func (s SimulatedExecutor) Execute(ctx context.Context, n *node.EdgeNode, req *EdgeRequest, params *strategy.Parameters) (ExecResult, error) {
	base := s.BaseLatency
	if base <= 0 {
		base = 20 * time.Millisecond
	}
	ms := max(n.Status.ResponseTimeP50, float64(base)/float64(time.Millisecond))
	ms *= 1 + n.Status.CurrentLoad

	if err := sleepScaled(ctx, ms, s.TimeScale); err != nil {
		return ExecResult{}, err
	}
	return ExecResult{Output: simulatedOutput(n.ID, req, params), ProcessingMs: ms}, nil
}

// SimulatedCloud models the remote cloud with a fixed latency floor.
type SimulatedCloud struct {
	Latency   time.Duration
	TimeScale float64
}

func (s SimulatedCloud) Execute(ctx context.Context, _ *node.EdgeNode, req *EdgeRequest, params *strategy.Parameters) (ExecResult, error) {
	lat := s.Latency
	if lat <= 0 {
		lat = 150 * time.Millisecond
	}
	ms := float64(lat) / float64(time.Millisecond)
	if err := sleepScaled(ctx, ms, s.TimeScale); err != nil {
		return ExecResult{}, err
	}
	return ExecResult{Output: simulatedOutput(CloudFallbackID, req, params), ProcessingMs: ms}, nil
}

func sleepScaled(ctx context.Context, ms, scale float64) error {
	if scale < 0 {
		scale = 0
	}
	d := time.Duration(ms * scale * float64(time.Millisecond))
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func simulatedOutput(nodeID string, req *EdgeRequest, params *strategy.Parameters) map[string]any {
	keys := make([]string, 0, len(req.Payload))
	for k := range req.Payload {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := map[string]any{
		"type":       string(req.Type),
		"served_by":  nodeID,
		"input_keys": keys,
		"status":     "ok",
	}
	if params != nil {
		out["parameters"] = params.Name
	}
	return out
}
