// Package routing selects an edge node (or the cloud fallback) for each
// request, consults the response cache, executes the request and feeds the
// outcome back into node telemetry.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Resinat/edgecoord/internal/cache"
	"github.com/Resinat/edgecoord/internal/eventlog"
	"github.com/Resinat/edgecoord/internal/geo"
	"github.com/Resinat/edgecoord/internal/node"
	"github.com/Resinat/edgecoord/internal/probe"
	"github.com/Resinat/edgecoord/internal/strategy"
)

const (
	edgeCostPerMs  = 0.00001
	cloudCostPerMs = 0.00005

	// EWMA factors for node telemetry.
	p50Alpha       = 0.2
	tailUpAlpha    = 0.3
	tailDownAlpha  = 0.05
	errorRateAlpha = 0.1
)

// NodeStore is the registry view the router needs.
type NodeStore interface {
	ListOnline() []*node.EdgeNode
	Update(id string, fn func(n *node.EdgeNode) error) (*node.EdgeNode, error)
}

// Telemetry receives best-effort events. Emit must not block.
type Telemetry interface {
	Emit(ev eventlog.Event)
}

// Locator resolves a client IP to a location.
type Locator interface {
	LookupString(ip string) (node.Location, bool)
}

// Config configures a Router. Nodes and Scorer are required.
type Config struct {
	Nodes     NodeStore
	Scorer    *geo.Scorer
	Cache     cache.Cache
	Selector  strategy.Selector
	Liveness  probe.Liveness
	Telemetry Telemetry
	Locator   Locator
	Executor  Executor
	Cloud     Executor

	MaxInFlight int
	// QueueLimit bounds requests waiting for an in-flight slot. Zero means
	// 1024; negative disables waiting entirely.
	QueueLimit        int
	MinRoutableHealth float64
	CloudLatencyFloor time.Duration
	DefaultTimeout    time.Duration
	DefaultCacheTTL   time.Duration
	VolatileKeys      []string
	LatencyDecay      time.Duration
	// SlotsPerCore converts cpu_cores into concurrent request capacity when
	// deriving current_load from queue depth.
	SlotsPerCore float64
}

// Router routes EdgeRequests. It is safe for concurrent use.
type Router struct {
	nodes     NodeStore
	scorer    *geo.Scorer
	cache     cache.Cache
	selector  strategy.Selector
	liveness  probe.Liveness
	telemetry Telemetry
	locator   Locator
	exec      Executor
	cloud     Executor

	admission      *admission
	latency        *node.LatencyTable
	minHealth      float64
	cloudFloorMs   float64
	defaultTimeout time.Duration
	defaultTTL     time.Duration
	volatileKeys   []string
	latencyDecay   time.Duration
	slotsPerCore   float64

	log *logrus.Entry
}

// New creates a Router.
func New(cfg Config) *Router {
	if cfg.Liveness == nil {
		cfg.Liveness = probe.AlwaysAlive{}
	}
	if cfg.Executor == nil {
		cfg.Executor = SimulatedExecutor{TimeScale: 1}
	}
	if cfg.CloudLatencyFloor <= 0 {
		cfg.CloudLatencyFloor = 150 * time.Millisecond
	}
	if cfg.Cloud == nil {
		cfg.Cloud = SimulatedCloud{Latency: cfg.CloudLatencyFloor, TimeScale: 1}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	if cfg.DefaultCacheTTL <= 0 {
		cfg.DefaultCacheTTL = 5 * time.Minute
	}
	if cfg.VolatileKeys == nil {
		cfg.VolatileKeys = cache.DefaultVolatileKeys
	}
	if cfg.LatencyDecay <= 0 {
		cfg.LatencyDecay = 30 * time.Second
	}
	if cfg.SlotsPerCore <= 0 {
		cfg.SlotsPerCore = 4
	}
	if cfg.QueueLimit == 0 {
		cfg.QueueLimit = 1024
	}
	return &Router{
		nodes:          cfg.Nodes,
		scorer:         cfg.Scorer,
		cache:          cfg.Cache,
		selector:       cfg.Selector,
		liveness:       cfg.Liveness,
		telemetry:      cfg.Telemetry,
		locator:        cfg.Locator,
		exec:           cfg.Executor,
		cloud:          cfg.Cloud,
		admission:      newAdmission(cfg.MaxInFlight, cfg.QueueLimit),
		latency:        node.NewLatencyTable(4096),
		minHealth:      cfg.MinRoutableHealth,
		cloudFloorMs:   float64(cfg.CloudLatencyFloor) / float64(time.Millisecond),
		defaultTimeout: cfg.DefaultTimeout,
		defaultTTL:     cfg.DefaultCacheTTL,
		volatileKeys:   cfg.VolatileKeys,
		latencyDecay:   cfg.LatencyDecay,
		slotsPerCore:   cfg.SlotsPerCore,
		log:            logrus.WithField("component", "router"),
	}
}

// InFlight returns the number of admitted, unfinished requests.
func (r *Router) InFlight() int64 { return r.admission.inFlight.Load() }

// Queued returns the number of requests waiting for admission.
func (r *Router) Queued() int64 { return r.admission.waiting.Load() }

// Reset forgets per-request-type latency observations.
func (r *Router) Reset() { r.latency.Clear() }

// Close releases background resources.
func (r *Router) Close() { r.latency.Close() }

type cachedResponse struct {
	Result     map[string]any       `json:"result"`
	NodeID     string               `json:"node_id"`
	Region     string               `json:"region,omitempty"`
	Parameters *strategy.Parameters `json:"parameters,omitempty"`
}

// plan carries per-request routing state through the attempt loop.
type plan struct {
	req        *EdgeRequest
	loc        *node.Location
	capability node.Capability
	timeout    time.Duration
	start      time.Time
	queueWait  time.Duration
	cacheKey   string
	params     *strategy.Parameters
	attempts   int
	candidates int
}

// Route serves req. Errors are *TimeoutError, ErrBackpressure,
// ErrInvalidRequest/ErrUnsupportedRequestType, or the context's error.
// Node failures are absorbed by re-routing and cloud fallback.
func (r *Router) Route(ctx context.Context, in *EdgeRequest) (*EdgeResponse, error) {
	start := time.Now()
	req, err := r.normalize(in)
	if err != nil {
		return nil, err
	}
	capability, err := req.Type.RequiredCapability()
	if err != nil {
		return nil, err
	}
	p := &plan{
		req:        req,
		loc:        r.resolveLocation(req),
		capability: capability,
		timeout:    time.Duration(req.TimeoutMs) * time.Millisecond,
		start:      start,
	}

	if req.CachePolicy.Enabled && r.cache != nil {
		p.cacheKey = cache.Key(string(req.Type), req.Payload, r.ttl(req), r.volatileKeys)
		if p.cacheKey == "" {
			r.log.WithField("request_id", req.ID).Debug("payload not cacheable")
		} else if resp, ok := r.fromCache(ctx, p); ok {
			return resp, nil
		}
	}

	release, waited, err := r.admission.acquire(ctx, p.timeout)
	if err != nil {
		r.log.WithError(err).WithField("request", req.ID).Debug("admission refused")
		return nil, r.fail(p, err)
	}
	defer release()
	p.queueWait = waited

	candidates := r.candidates(capability)
	p.candidates = len(candidates)
	if len(candidates) == 0 {
		return r.viaCloud(ctx, p)
	}

	ranked := r.scorer.RankFunc(candidates, func(n *node.EdgeNode) float64 {
		return r.scorer.ScoreWithLatency(n, p.loc, r.observedLatency(n, req.Type))
	})
	if err := r.selectParameters(ctx, p, ranked[0].Node); err != nil {
		return nil, r.fail(p, err)
	}
	return r.attemptAll(ctx, p, ranked)
}

func (r *Router) attemptAll(ctx context.Context, p *plan, ranked []geo.Scored) (*EdgeResponse, error) {
	var (
		timeouts, hardErrors int
		timedOutOn           []string
	)
	for _, cand := range ranked {
		n := cand.Node
		p.attempts++
		res, err := r.attempt(ctx, p, n)
		if err == nil {
			return r.succeed(ctx, p, n, res), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, r.fail(p, ctxErr)
		}

		entry := r.log.WithFields(logrus.Fields{"request": p.req.ID, "node": n.ID})
		if errors.Is(err, context.DeadlineExceeded) {
			timeouts++
			timedOutOn = append(timedOutOn, n.ID)
			entry.Debug("attempt timed out")
			if timeouts > p.req.RetryCount {
				return nil, r.fail(p, &TimeoutError{RequestID: p.req.ID, Attempts: p.attempts, TimeoutMs: p.req.TimeoutMs, NodeIDs: timedOutOn})
			}
			continue
		}

		hardErrors++
		entry.WithError(err).Debug("attempt failed")
		if hardErrors > 1 {
			break
		}
	}
	if timeouts > 0 && hardErrors == 0 {
		return nil, r.fail(p, &TimeoutError{RequestID: p.req.ID, Attempts: p.attempts, TimeoutMs: p.req.TimeoutMs, NodeIDs: timedOutOn})
	}
	return r.viaCloud(ctx, p)
}

// attempt executes once on n under the per-attempt timeout. Node telemetry
// is updated whatever the outcome, including cancellation.
func (r *Router) attempt(ctx context.Context, p *plan, n *node.EdgeNode) (ExecResult, error) {
	actx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	r.beginAttempt(n.ID)
	t0 := time.Now()
	res, err := r.exec.Execute(actx, n, p.req, p.params)
	elapsedMs := msSince(t0)

	observed := res.ProcessingMs
	if err != nil || observed <= 0 {
		observed = elapsedMs
	}
	r.endAttempt(n.ID, p.req.Type, observed, err != nil)

	if err != nil {
		r.emit(p, eventlog.Event{
			NodeID:    n.ID,
			Region:    n.Location.Region,
			LatencyMs: elapsedMs,
			Error:     err.Error(),
			Detail:    eventlog.DetailAttemptFailed,
		})
		if obs, ok := r.selector.(strategy.Observer); ok && p.params != nil {
			obs.Observe(r.strategyContext(p, n), *p.params, 0)
		}
	}
	return res, err
}

func (r *Router) succeed(ctx context.Context, p *plan, n *node.EdgeNode, res ExecResult) *EdgeResponse {
	total := msSince(p.start)
	cost := res.ProcessingMs * edgeCostPerMs * (1 + n.Status.CurrentLoad)
	resp := &EdgeResponse{
		RequestID: p.req.ID,
		Result:    res.Output,
		Metadata: ResponseMetadata{
			NodeID:           n.ID,
			Region:           n.Location.Region,
			ProcessingTimeMs: res.ProcessingMs,
			Attempts:         p.attempts,
			Parameters:       p.params,
		},
		Performance: Performance{TotalLatencyMs: total, QueueWaitMs: ms(p.queueWait)},
		CostMetrics: CostMetrics{TotalCost: cost},
		RoutingInfo: RoutingInfo{FailoverUsed: p.attempts > 1, CandidatesConsidered: p.candidates},
	}
	if p.loc != nil {
		d := geo.DistanceKm(*p.loc, n.Location)
		resp.RoutingInfo.GeographicDistanceKm = &d
	}
	if obs, ok := r.selector.(strategy.Observer); ok && p.params != nil {
		obs.Observe(r.strategyContext(p, n), *p.params, node.LatencyFactor(res.ProcessingMs))
	}
	r.store(ctx, p, resp)
	r.emit(p, eventlog.Event{
		NodeID:    n.ID,
		Region:    n.Location.Region,
		Success:   true,
		LatencyMs: total,
		Cost:      cost,
		NodeLoad:  n.Status.CurrentLoad,
	})
	return resp
}

func (r *Router) viaCloud(ctx context.Context, p *plan) (*EdgeResponse, error) {
	cloudNode := &node.EdgeNode{ID: CloudFallbackID, Location: node.Location{Region: "cloud"}}
	if p.params == nil {
		if err := r.selectParameters(ctx, p, cloudNode); err != nil {
			return nil, r.fail(p, err)
		}
	}
	p.attempts++
	actx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	res, err := r.cloud.Execute(actx, cloudNode, p.req, p.params)
	if err != nil {
		r.emit(p, eventlog.Event{NodeID: CloudFallbackID, Region: "cloud", Fallback: true, LatencyMs: msSince(p.start), Error: err.Error(), Detail: eventlog.DetailAttemptFailed})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, r.fail(p, ctxErr)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, r.fail(p, &TimeoutError{RequestID: p.req.ID, Attempts: p.attempts, TimeoutMs: p.req.TimeoutMs, NodeIDs: []string{CloudFallbackID}})
		}
		return nil, r.fail(p, fmt.Errorf("routing: cloud fallback: %w", err))
	}

	processing := math.Max(res.ProcessingMs, r.cloudFloorMs)
	total := math.Max(msSince(p.start), r.cloudFloorMs)
	cost := processing * cloudCostPerMs
	resp := &EdgeResponse{
		RequestID: p.req.ID,
		Result:    res.Output,
		Metadata: ResponseMetadata{
			NodeID:           CloudFallbackID,
			Region:           "cloud",
			ProcessingTimeMs: processing,
			Attempts:         p.attempts,
			Parameters:       p.params,
		},
		Performance: Performance{TotalLatencyMs: total, QueueWaitMs: ms(p.queueWait)},
		CostMetrics: CostMetrics{TotalCost: cost},
		RoutingInfo: RoutingInfo{FailoverUsed: true, CandidatesConsidered: p.candidates},
	}
	r.log.WithFields(logrus.Fields{"request": p.req.ID, "candidates": p.candidates}).Debug("served by cloud fallback")
	r.store(ctx, p, resp)
	r.emit(p, eventlog.Event{
		NodeID:    CloudFallbackID,
		Region:    "cloud",
		Success:   true,
		Fallback:  true,
		LatencyMs: total,
		Cost:      cost,
	})
	return resp, nil
}

func (r *Router) fromCache(ctx context.Context, p *plan) (*EdgeResponse, bool) {
	raw, ok := r.cache.Get(ctx, p.cacheKey)
	if !ok {
		return nil, false
	}
	var cached cachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		r.log.WithError(err).Warn("discarding undecodable cache entry")
		r.cache.Delete(ctx, p.cacheKey)
		return nil, false
	}
	total := msSince(p.start)
	resp := &EdgeResponse{
		RequestID: p.req.ID,
		Result:    cached.Result,
		Metadata: ResponseMetadata{
			NodeID:     cached.NodeID,
			Region:     cached.Region,
			CacheHit:   true,
			Parameters: cached.Parameters,
		},
		Performance: Performance{TotalLatencyMs: total},
	}
	r.emit(p, eventlog.Event{
		NodeID:    cached.NodeID,
		Region:    cached.Region,
		Success:   true,
		CacheHit:  true,
		LatencyMs: total,
	})
	return resp, true
}

func (r *Router) store(ctx context.Context, p *plan, resp *EdgeResponse) {
	if p.cacheKey == "" {
		return
	}
	raw, err := json.Marshal(cachedResponse{
		Result:     resp.Result,
		NodeID:     resp.Metadata.NodeID,
		Region:     resp.Metadata.Region,
		Parameters: resp.Metadata.Parameters,
	})
	if err != nil {
		r.log.WithError(err).Warn("response not cacheable")
		return
	}
	r.cache.Set(ctx, p.cacheKey, raw, r.ttl(p.req))
}

func (r *Router) candidates(capability node.Capability) []*node.EdgeNode {
	online := r.nodes.ListOnline()
	out := online[:0]
	for _, n := range online {
		if !n.IsRoutable() || !n.Capabilities.Has(capability) {
			continue
		}
		if !r.liveness.Alive(n.ID) || n.Status.HealthScore < r.minHealth {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (r *Router) selectParameters(ctx context.Context, p *plan, n *node.EdgeNode) error {
	if r.selector == nil || !p.req.Type.NeedsParameters() {
		return nil
	}
	params, err := r.selector.Select(ctx, r.strategyContext(p, n))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		r.log.WithError(err).WithField("request", p.req.ID).Warn("parameter selection failed, continuing without")
		return nil
	}
	p.params = &params
	return nil
}

func (r *Router) strategyContext(p *plan, n *node.EdgeNode) strategy.Context {
	return strategy.Context{
		RequestType: string(p.req.Type),
		Priority:    string(p.req.Priority),
		NodeID:      n.ID,
		Region:      n.Location.Region,
		PayloadSize: len(p.req.Payload),
	}
}

func (r *Router) observedLatency(n *node.EdgeNode, t RequestType) float64 {
	if st, ok := r.latency.Get(latencyKey(n.ID, t)); ok {
		return ms(st.Ewma)
	}
	return n.Status.ResponseTimeP95
}

func (r *Router) beginAttempt(id string) {
	_, err := r.nodes.Update(id, func(n *node.EdgeNode) error {
		n.Status.QueueDepth++
		r.applyLoad(n)
		return nil
	})
	if err != nil {
		r.log.WithError(err).WithField("node", id).Debug("begin attempt: node gone")
	}
}

func (r *Router) endAttempt(id string, t RequestType, latencyMs float64, failed bool) {
	r.latency.Update(latencyKey(id, t), time.Duration(latencyMs*float64(time.Millisecond)), r.latencyDecay)
	_, err := r.nodes.Update(id, func(n *node.EdgeNode) error {
		s := &n.Status
		s.QueueDepth = max(s.QueueDepth-1, 0)
		r.applyLoad(n)

		if s.ResponseTimeP50 <= 0 {
			s.ResponseTimeP50 = latencyMs
		} else {
			s.ResponseTimeP50 += p50Alpha * (latencyMs - s.ResponseTimeP50)
		}
		s.ResponseTimeP95 = tailUpdate(s.ResponseTimeP95, latencyMs)
		s.ResponseTimeP99 = tailUpdate(s.ResponseTimeP99, latencyMs)

		failure := 0.0
		if failed {
			failure = 1
		}
		s.ErrorRate += errorRateAlpha * (failure - s.ErrorRate)
		if !failed {
			s.LastHeartbeat = time.Now()
		}
		return nil
	})
	if err != nil {
		r.log.WithError(err).WithField("node", id).Debug("end attempt: node gone")
	}
}

func (r *Router) applyLoad(n *node.EdgeNode) {
	slots := math.Max(1, n.Resources.CPUCores*r.slotsPerCore)
	load := math.Min(1, float64(n.Status.QueueDepth)/slots)
	n.Status.CurrentLoad = load
	n.PerformanceMetrics.ConcurrentConnections = n.Status.QueueDepth
	n.PerformanceMetrics.CPUUtilization = load
}

func tailUpdate(cur, sample float64) float64 {
	if cur <= 0 {
		return sample
	}
	if sample > cur {
		return cur + tailUpAlpha*(sample-cur)
	}
	return cur + tailDownAlpha*(sample-cur)
}

// fail records a request-level failure and returns err.
func (r *Router) fail(p *plan, err error) error {
	r.emit(p, eventlog.Event{
		LatencyMs: msSince(p.start),
		Error:     err.Error(),
		Detail:    eventlog.DetailRequestFailed,
	})
	return err
}

func (r *Router) emit(p *plan, ev eventlog.Event) {
	if r.telemetry == nil {
		return
	}
	ev.Kind = eventlog.KindRequest
	ev.RequestID = p.req.ID
	ev.RequestType = string(p.req.Type)
	r.telemetry.Emit(ev)
}

func (r *Router) normalize(in *EdgeRequest) (*EdgeRequest, error) {
	if in == nil {
		return nil, invalid("nil request")
	}
	req := *in
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Type == "" {
		return nil, invalid("type is required")
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if !req.Priority.valid() {
		return nil, invalid("unknown priority %q", req.Priority)
	}
	if req.TimeoutMs < 0 {
		return nil, invalid("timeout_ms must be positive")
	}
	if req.TimeoutMs == 0 {
		req.TimeoutMs = int(r.defaultTimeout / time.Millisecond)
	}
	if req.RetryCount < 0 {
		return nil, invalid("retry_count must be >= 0")
	}
	if req.CachePolicy.TTLSeconds < 0 {
		return nil, invalid("cache_policy.ttl must be >= 0")
	}
	if l := req.ClientLocation; l != nil {
		if math.Abs(l.Latitude) > 90 || math.Abs(l.Longitude) > 180 {
			return nil, invalid("client_location out of range")
		}
	}
	return &req, nil
}

func (r *Router) resolveLocation(req *EdgeRequest) *node.Location {
	if req.ClientLocation != nil {
		return req.ClientLocation
	}
	if req.ClientIP == "" || r.locator == nil {
		return nil
	}
	loc, ok := r.locator.LookupString(req.ClientIP)
	if !ok {
		return nil
	}
	return &loc
}

func (r *Router) ttl(req *EdgeRequest) time.Duration {
	if req.CachePolicy.TTLSeconds > 0 {
		return time.Duration(req.CachePolicy.TTLSeconds) * time.Second
	}
	return r.defaultTTL
}

func latencyKey(nodeID string, t RequestType) string {
	return nodeID + "/" + string(t)
}

func msSince(t time.Time) float64 { return ms(time.Since(t)) }

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
