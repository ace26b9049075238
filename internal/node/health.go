package node

import "math"

// Reference capacities at which a resource dimension saturates its share of
// the health score.
const (
	refCPUCores    = 16
	refMemoryGB    = 32
	refStorageGB   = 500
	refNetworkMbps = 1000

	// latencyHalfScoreMs is the p95 at which the latency factor drops to 0.5.
	latencyHalfScoreMs = 200
)

// ComputeHealthScore derives the 0-100 health score from declared resources
// and live status. Offline nodes score 0; degraded nodes are discounted.
//
//	resource = 35% cpu + 35% memory + 10% storage + 20% network  (saturating)
//	status   = 30% idle + 30% success + 20% uptime + 20% latency
//	health   = 25% resource + 75% status
func ComputeHealthScore(n *EdgeNode) float64 {
	if n == nil {
		return 0
	}
	if n.Status.State == StateOffline {
		return 0
	}

	r := n.Resources
	resource := 0.35*saturate(r.CPUCores, refCPUCores) +
		0.35*saturate(r.MemoryGB, refMemoryGB) +
		0.10*saturate(r.StorageGB, refStorageGB) +
		0.20*saturate(r.NetworkMbps, refNetworkMbps)

	s := n.Status
	status := 0.30*(1-clamp01(s.CurrentLoad)) +
		0.30*(1-clamp01(s.ErrorRate)) +
		0.20*clamp01(s.UptimePercentage/100) +
		0.20*LatencyFactor(s.ResponseTimeP95)

	score := 100 * (0.25*resource + 0.75*status)
	if s.State == StateDegraded {
		score *= 0.75
	}
	return roundTo(clampRange(score, 0, 100), 2)
}

// LatencyFactor maps a latency in ms onto (0,1], 1 meaning instantaneous.
func LatencyFactor(ms float64) float64 {
	if ms <= 0 {
		return 1
	}
	return 1 / (1 + ms/latencyHalfScoreMs)
}

func saturate(v, ref float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Min(v/ref, 1)
}

func clampRange(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
