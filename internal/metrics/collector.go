package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Resinat/edgecoord/internal/eventlog"
)

const namespace = "edgecoord"

// Telemetry is the event sink interface shared by every producer.
type Telemetry interface {
	Emit(ev eventlog.Event)
}

// Collector mirrors telemetry events into Prometheus series on a private
// registry and forwards every event to the next sink unchanged.
type Collector struct {
	next     Telemetry
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	cacheHits prometheus.Counter
	fallbacks prometheus.Counter
	failovers *prometheus.CounterVec
	workloads *prometheus.CounterVec
	syncs     *prometheus.CounterVec
	cost      prometheus.Counter
}

// GaugeSource supplies point-in-time gauges evaluated at scrape time.
type GaugeSource struct {
	OnlineNodes   func() float64
	InFlight      func() float64
	DroppedEvents func() float64
}

// NewCollector creates a Collector. next may be nil.
func NewCollector(next Telemetry, gauges GaugeSource) *Collector {
	c := &Collector{
		next:     next,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Routed requests by serving node and outcome.",
		}, []string{"node", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_ms",
			Help:      "End-to-end request latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 150, 250, 500, 1000, 2500, 5000},
		}, []string{"region"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Requests answered from the response cache.",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cloud_fallbacks_total",
			Help:      "Requests served by the cloud fallback.",
		}),
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_events_total",
			Help:      "Failover and node state events by outcome.",
		}, []string{"outcome"}),
		workloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workload_events_total",
			Help:      "Workload lifecycle events by outcome.",
		}, []string{"outcome"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Cloud sync passes by outcome.",
		}, []string{"outcome"}),
		cost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_cost_total",
			Help:      "Accumulated estimated request cost.",
		}),
	}
	c.registry.MustRegister(c.requests, c.latency, c.cacheHits, c.fallbacks, c.failovers, c.workloads, c.syncs, c.cost)
	gauge := func(name, help string, fn func() float64) {
		if fn == nil {
			return
		}
		c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, fn))
	}
	gauge("online_nodes", "Registered nodes currently online.", gauges.OnlineNodes)
	gauge("in_flight_requests", "Requests admitted and not yet finished.", gauges.InFlight)
	gauge("dropped_events", "Telemetry events dropped by the event queue.", gauges.DroppedEvents)
	return c
}

// Emit records ev and forwards it.
func (c *Collector) Emit(ev eventlog.Event) {
	switch ev.Kind {
	case eventlog.KindRequest:
		c.observeRequest(ev)
	case eventlog.KindFailover:
		c.failovers.WithLabelValues(outcome(ev.Success)).Inc()
	case eventlog.KindWorkload:
		c.workloads.WithLabelValues(outcome(ev.Success)).Inc()
	case eventlog.KindSync:
		c.syncs.WithLabelValues(outcome(ev.Success)).Inc()
	}
	if c.next != nil {
		c.next.Emit(ev)
	}
}

func (c *Collector) observeRequest(ev eventlog.Event) {
	switch {
	case ev.CacheHit:
		c.cacheHits.Inc()
		c.requests.WithLabelValues(ev.NodeID, "cache_hit").Inc()
	case !ev.Success:
		c.requests.WithLabelValues(ev.NodeID, "error").Inc()
		return
	default:
		c.requests.WithLabelValues(ev.NodeID, "success").Inc()
	}
	if ev.Fallback {
		c.fallbacks.Inc()
	}
	c.latency.WithLabelValues(ev.Region).Observe(ev.LatencyMs)
	c.cost.Add(ev.Cost)
}

// Registry exposes the private registry for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
