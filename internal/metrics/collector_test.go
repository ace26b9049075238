package metrics

import (
	"io"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resinat/edgecoord/internal/eventlog"
)

type sink struct {
	mu     sync.Mutex
	events []eventlog.Event
}

func (s *sink) Emit(ev eventlog.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollector_ForwardsEvents(t *testing.T) {
	next := &sink{}
	c := NewCollector(next, GaugeSource{})
	c.Emit(eventlog.Event{Kind: eventlog.KindRequest, NodeID: "edge-a", Success: true})
	c.Emit(eventlog.Event{Kind: eventlog.KindSync, Success: true})
	assert.Len(t, next.events, 2)

	// A nil next sink is allowed.
	NewCollector(nil, GaugeSource{}).Emit(eventlog.Event{Kind: eventlog.KindRequest})
}

func TestCollector_RequestSeries(t *testing.T) {
	c := NewCollector(nil, GaugeSource{})
	c.Emit(eventlog.Event{Kind: eventlog.KindRequest, NodeID: "edge-a", Region: "us-east", Success: true, LatencyMs: 12, Cost: 0.5})
	c.Emit(eventlog.Event{Kind: eventlog.KindRequest, NodeID: "edge-a", Region: "us-east", Success: true, CacheHit: true, LatencyMs: 1})
	c.Emit(eventlog.Event{Kind: eventlog.KindRequest, NodeID: "cloud-fallback", Region: "cloud", Success: true, Fallback: true, LatencyMs: 150, Cost: 1})
	c.Emit(eventlog.Event{Kind: eventlog.KindRequest, NodeID: "edge-b", Success: false, Detail: eventlog.DetailAttemptFailed})
	c.Emit(eventlog.Event{Kind: eventlog.KindFailover, NodeID: "edge-b", Success: true})

	out := scrape(t, c)
	assert.Contains(t, out, `edgecoord_requests_total{node="edge-a",outcome="success"} 1`)
	assert.Contains(t, out, `edgecoord_requests_total{node="edge-a",outcome="cache_hit"} 1`)
	assert.Contains(t, out, `edgecoord_requests_total{node="edge-b",outcome="error"} 1`)
	assert.Contains(t, out, "edgecoord_cache_hits_total 1")
	assert.Contains(t, out, "edgecoord_cloud_fallbacks_total 1")
	assert.Contains(t, out, "edgecoord_request_cost_total 1.5")
	assert.Contains(t, out, `edgecoord_request_latency_ms_count{region="us-east"} 2`)
	assert.Contains(t, out, `edgecoord_failover_events_total{outcome="success"} 1`)
}

func TestCollector_Gauges(t *testing.T) {
	c := NewCollector(nil, GaugeSource{
		OnlineNodes: func() float64 { return 3 },
		InFlight:    func() float64 { return 7 },
	})
	out := scrape(t, c)
	assert.Contains(t, out, "edgecoord_online_nodes 3")
	assert.Contains(t, out, "edgecoord_in_flight_requests 7")
	assert.NotContains(t, out, "edgecoord_dropped_events")
}
