// Package metrics folds request telemetry into global, per-node and
// per-region views, derives rule-based optimization insights and exports
// Prometheus series.
package metrics

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Resinat/edgecoord/internal/eventlog"
	"github.com/Resinat/edgecoord/internal/node"
)

// Insight thresholds.
const (
	HighLoadThreshold      = 0.8
	HighErrorRateThreshold = 0.1
	HighLatencyP95Ms       = 500
	LowCacheHitRate        = 0.3
	MinRequestsForCacheTip = 10
	HighFallbackShare      = 0.2
)

// MinLoadSamples is the number of edge-served requests in the window needed
// before a node counts as consistently loaded.
const MinLoadSamples = 3

// NodeLister is the registry view the aggregator needs.
type NodeLister interface {
	List() []*node.EdgeNode
}

// Flusher forces buffered events into the store before a read.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Config configures an Aggregator. Store and Nodes are required.
type Config struct {
	Store   eventlog.Store
	Flusher Flusher
	Nodes   NodeLister
	// Window bounds how far back events are read.
	Window    time.Duration
	MaxEvents int
	Now       func() time.Time
}

// GlobalMetrics summarizes every request in the window.
type GlobalMetrics struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	SuccessRate        float64 `json:"success_rate"`
	CacheHits          int64   `json:"cache_hits"`
	CacheHitRate       float64 `json:"cache_hit_rate"`
	CloudFallbacks     int64   `json:"cloud_fallbacks"`
	FallbackRate       float64 `json:"fallback_rate"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
	P50LatencyMs       float64 `json:"p50_latency_ms"`
	P95LatencyMs       float64 `json:"p95_latency_ms"`
	TotalCost          float64 `json:"total_cost"`
	Failovers          int64   `json:"failovers"`
	TotalNodes         int     `json:"total_nodes"`
	OnlineNodes        int     `json:"online_nodes"`
	AverageHealthScore float64 `json:"average_health_score"`
}

// NodeMetrics combines a node's live status with its event history.
// WindowAverageLoad is the mean load the node reported while serving the
// LoadSamples edge requests inside the window.
type NodeMetrics struct {
	NodeID            string     `json:"node_id"`
	Region            string     `json:"region"`
	Online            bool       `json:"online"`
	State             node.State `json:"state"`
	HealthScore       float64    `json:"health_score"`
	CurrentLoad       float64    `json:"current_load"`
	ErrorRate         float64    `json:"error_rate"`
	ResponseTimeP95   float64    `json:"response_time_p95"`
	FailoverCount     int        `json:"failover_count"`
	Requests          int64      `json:"requests"`
	FailedAttempts    int64      `json:"failed_attempts"`
	CacheHits         int64      `json:"cache_hits"`
	AverageLatencyMs  float64    `json:"average_latency_ms"`
	TotalCost         float64    `json:"total_cost"`
	WindowAverageLoad float64    `json:"window_average_load"`
	LoadSamples       int        `json:"load_samples"`
}

// RegionMetrics aggregates the nodes of one region.
type RegionMetrics struct {
	Region             string  `json:"region"`
	Nodes              int     `json:"nodes"`
	OnlineNodes        int     `json:"online_nodes"`
	Requests           int64   `json:"requests"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
	AverageLoad        float64 `json:"average_load"`
	AverageHealthScore float64 `json:"average_health_score"`
}

// Insights are rule-based optimization hints.
type Insights struct {
	Recommendations               []string `json:"recommendations"`
	Bottlenecks                   []string `json:"bottlenecks"`
	CostOptimizationOpportunities []string `json:"cost_optimization_opportunities"`
}

// Snapshot is the result of one aggregation.
type Snapshot struct {
	GlobalMetrics        GlobalMetrics            `json:"global_metrics"`
	NodeMetrics          map[string]NodeMetrics   `json:"node_metrics"`
	RegionalPerformance  map[string]RegionMetrics `json:"regional_performance"`
	OptimizationInsights Insights                 `json:"optimization_insights"`
	WindowStart          time.Time                `json:"window_start"`
	GeneratedAt          time.Time                `json:"generated_at"`
}

// Aggregator builds Snapshots on demand.
type Aggregator struct {
	store     eventlog.Store
	flusher   Flusher
	nodes     NodeLister
	window    time.Duration
	maxEvents int
	now       func() time.Time

	mu       sync.Mutex
	baseline time.Time // events before this are ignored

	log *logrus.Entry
}

// NewAggregator creates an Aggregator.
func NewAggregator(cfg Config) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 50000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{
		store:     cfg.Store,
		flusher:   cfg.Flusher,
		nodes:     cfg.Nodes,
		window:    cfg.Window,
		maxEvents: cfg.MaxEvents,
		now:       cfg.Now,
		log:       logrus.WithField("component", "metrics"),
	}
}

// Reset ignores every event recorded before now.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.baseline = a.now()
	a.mu.Unlock()
}

// Snapshot reads the window's events and folds them with current node
// status. A failed flush is logged and the read proceeds.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	if a.flusher != nil {
		if err := a.flusher.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.log.WithError(err).Warn("flush before aggregation failed")
		}
	}
	now := a.now()
	since := now.Add(-a.window)
	a.mu.Lock()
	if a.baseline.After(since) {
		since = a.baseline
	}
	a.mu.Unlock()

	events, err := a.store.Query(ctx, eventlog.Filter{Since: since, Limit: a.maxEvents})
	if err != nil {
		return nil, fmt.Errorf("metrics: query events: %w", err)
	}
	nodes := a.nodes.List()

	snap := &Snapshot{
		NodeMetrics:         make(map[string]NodeMetrics, len(nodes)),
		RegionalPerformance: make(map[string]RegionMetrics),
		WindowStart:         since,
		GeneratedAt:         now,
	}
	f := fold(events)
	snap.GlobalMetrics = f.global
	a.foldNodes(snap, nodes, f)
	snap.OptimizationInsights = deriveInsights(snap)
	return snap, nil
}

type nodeAcc struct {
	requests, failed, cacheHits int64
	latencySum, cost            float64
	loadSum                     float64
	loadSamples                 int
}

type folded struct {
	global GlobalMetrics
	byNode map[string]*nodeAcc
}

func fold(events []eventlog.Event) folded {
	f := folded{byNode: make(map[string]*nodeAcc)}
	acc := func(id string) *nodeAcc {
		a, ok := f.byNode[id]
		if !ok {
			a = &nodeAcc{}
			f.byNode[id] = a
		}
		return a
	}

	g := &f.global
	var latencies []float64
	for _, ev := range events {
		switch ev.Kind {
		case eventlog.KindFailover:
			if ev.Detail != "degraded" && ev.Detail != "recovered" {
				g.Failovers++
			}
			continue
		case eventlog.KindRequest:
		default:
			continue
		}

		if !ev.Success {
			switch ev.Detail {
			case eventlog.DetailRequestFailed:
				g.FailedRequests++
			case eventlog.DetailAttemptFailed:
				if ev.NodeID != "" {
					acc(ev.NodeID).failed++
				}
			}
			continue
		}

		g.SuccessfulRequests++
		latencies = append(latencies, ev.LatencyMs)
		g.TotalCost += ev.Cost
		if ev.CacheHit {
			g.CacheHits++
		}
		if ev.Fallback {
			g.CloudFallbacks++
		}
		if ev.NodeID != "" {
			a := acc(ev.NodeID)
			a.requests++
			a.latencySum += ev.LatencyMs
			a.cost += ev.Cost
			if ev.CacheHit {
				a.cacheHits++
			} else if !ev.Fallback {
				a.loadSum += ev.NodeLoad
				a.loadSamples++
			}
		}
	}

	g.TotalRequests = g.SuccessfulRequests + g.FailedRequests
	if g.TotalRequests > 0 {
		g.SuccessRate = float64(g.SuccessfulRequests) / float64(g.TotalRequests)
	}
	if g.SuccessfulRequests > 0 {
		g.CacheHitRate = float64(g.CacheHits) / float64(g.SuccessfulRequests)
		g.FallbackRate = float64(g.CloudFallbacks) / float64(g.SuccessfulRequests)
	}
	if len(latencies) > 0 {
		slices.Sort(latencies)
		sum := 0.0
		for _, l := range latencies {
			sum += l
		}
		g.AverageLatencyMs = sum / float64(len(latencies))
		g.P50LatencyMs = percentile(latencies, 0.50)
		g.P95LatencyMs = percentile(latencies, 0.95)
	}
	return f
}

func (a *Aggregator) foldNodes(snap *Snapshot, nodes []*node.EdgeNode, f folded) {
	type regionAcc struct {
		nodes, online    int
		requests         int64
		latencySum       float64
		loadSum, healthS float64
	}
	regions := make(map[string]*regionAcc)

	g := &snap.GlobalMetrics
	g.TotalNodes = len(nodes)
	healthSum := 0.0
	for _, n := range nodes {
		nm := NodeMetrics{
			NodeID:          n.ID,
			Region:          n.Location.Region,
			Online:          n.Status.Online,
			State:           n.Status.State,
			HealthScore:     n.Status.HealthScore,
			CurrentLoad:     n.Status.CurrentLoad,
			ErrorRate:       n.Status.ErrorRate,
			ResponseTimeP95: n.Status.ResponseTimeP95,
			FailoverCount:   n.Status.FailoverCount,
		}
		if acc, ok := f.byNode[n.ID]; ok {
			nm.Requests = acc.requests
			nm.FailedAttempts = acc.failed
			nm.CacheHits = acc.cacheHits
			nm.TotalCost = acc.cost
			if acc.requests > 0 {
				nm.AverageLatencyMs = acc.latencySum / float64(acc.requests)
			}
			nm.LoadSamples = acc.loadSamples
			if acc.loadSamples > 0 {
				nm.WindowAverageLoad = acc.loadSum / float64(acc.loadSamples)
			}
		}
		snap.NodeMetrics[n.ID] = nm

		healthSum += n.Status.HealthScore
		if n.Status.Online {
			g.OnlineNodes++
		}

		r, ok := regions[n.Location.Region]
		if !ok {
			r = &regionAcc{}
			regions[n.Location.Region] = r
		}
		r.nodes++
		if n.Status.Online {
			r.online++
		}
		r.requests += nm.Requests
		r.latencySum += nm.AverageLatencyMs * float64(nm.Requests)
		r.loadSum += n.Status.CurrentLoad
		r.healthS += n.Status.HealthScore
	}
	if len(nodes) > 0 {
		g.AverageHealthScore = round2(healthSum / float64(len(nodes)))
	}

	for name, r := range regions {
		rm := RegionMetrics{
			Region:             name,
			Nodes:              r.nodes,
			OnlineNodes:        r.online,
			Requests:           r.requests,
			AverageLoad:        r.loadSum / float64(r.nodes),
			AverageHealthScore: round2(r.healthS / float64(r.nodes)),
		}
		if r.requests > 0 {
			rm.AverageLatencyMs = r.latencySum / float64(r.requests)
		}
		snap.RegionalPerformance[name] = rm
	}
}

func deriveInsights(s *Snapshot) Insights {
	in := Insights{
		Recommendations:               []string{},
		Bottlenecks:                   []string{},
		CostOptimizationOpportunities: []string{},
	}

	nodes := make([]NodeMetrics, 0, len(s.NodeMetrics))
	for _, nm := range s.NodeMetrics {
		nodes = append(nodes, nm)
	}
	slices.SortFunc(nodes, func(a, b NodeMetrics) int { return cmp.Compare(a.NodeID, b.NodeID) })

	for _, nm := range nodes {
		if !nm.Online {
			continue
		}
		if nm.LoadSamples >= MinLoadSamples && nm.WindowAverageLoad > HighLoadThreshold {
			in.Recommendations = append(in.Recommendations, fmt.Sprintf(
				"node %s consistently above %.0f%% load (%.0f%% average over %d requests); consider scaling region %s",
				nm.NodeID, HighLoadThreshold*100, nm.WindowAverageLoad*100, nm.LoadSamples, nm.Region))
		}
		if nm.ErrorRate > HighErrorRateThreshold {
			in.Bottlenecks = append(in.Bottlenecks, fmt.Sprintf(
				"node %s error rate %.1f%% exceeds %.0f%%", nm.NodeID, nm.ErrorRate*100, HighErrorRateThreshold*100))
		}
		if nm.ResponseTimeP95 > HighLatencyP95Ms {
			in.Bottlenecks = append(in.Bottlenecks, fmt.Sprintf(
				"node %s p95 latency %.0fms exceeds %dms", nm.NodeID, nm.ResponseTimeP95, HighLatencyP95Ms))
		}
	}

	regions := make([]string, 0, len(s.RegionalPerformance))
	for name := range s.RegionalPerformance {
		regions = append(regions, name)
	}
	slices.Sort(regions)
	for _, name := range regions {
		if rm := s.RegionalPerformance[name]; rm.OnlineNodes == 0 {
			in.Bottlenecks = append(in.Bottlenecks, fmt.Sprintf("region %s has no online nodes", name))
		}
	}

	g := s.GlobalMetrics
	if g.SuccessfulRequests >= MinRequestsForCacheTip && g.CacheHitRate < LowCacheHitRate {
		in.CostOptimizationOpportunities = append(in.CostOptimizationOpportunities, fmt.Sprintf(
			"cache hit rate %.0f%% over %d requests; enable caching for repeatable requests or lengthen TTLs",
			g.CacheHitRate*100, g.SuccessfulRequests))
	}
	if g.SuccessfulRequests > 0 && g.FallbackRate > HighFallbackShare {
		in.Recommendations = append(in.Recommendations, fmt.Sprintf(
			"%.0f%% of requests fell back to the cloud; add edge capacity", g.FallbackRate*100))
		in.CostOptimizationOpportunities = append(in.CostOptimizationOpportunities,
			"cloud fallback costs more per request than edge execution")
	}
	return in
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
