package routing

import (
	"fmt"

	"github.com/Resinat/edgecoord/internal/node"
	"github.com/Resinat/edgecoord/internal/strategy"
)

// CloudFallbackID is the node id reported when no edge node could serve a
// request.
const CloudFallbackID = "cloud-fallback"

// RequestType is the closed set of routable request kinds.
type RequestType string

const (
	TypeOptimize  RequestType = "optimize"
	TypeAnalyze   RequestType = "analyze"
	TypeInference RequestType = "inference"
	TypeSearch    RequestType = "search"
	TypeCompress  RequestType = "compress"
)

// RequiredCapability returns the node capability that serves t.
func (t RequestType) RequiredCapability() (node.Capability, error) {
	switch t {
	case TypeOptimize:
		return node.CapPromptOptimization, nil
	case TypeAnalyze:
		return node.CapSemanticAnalysis, nil
	case TypeInference:
		return node.CapModelInference, nil
	case TypeSearch:
		return node.CapVectorSearch, nil
	case TypeCompress:
		return node.CapCompression, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedRequestType, string(t))
}

// NeedsParameters reports whether t runs the parameter-selection strategy.
func (t RequestType) NeedsParameters() bool {
	return t == TypeOptimize || t == TypeInference
}

// Priority of an EdgeRequest.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// CachePolicy controls response caching for one request.
type CachePolicy struct {
	Enabled    bool `json:"enabled"`
	TTLSeconds int  `json:"ttl"`
}

// EdgeRequest is a unit of routable work.
type EdgeRequest struct {
	ID             string         `json:"id"`
	Type           RequestType    `json:"type"`
	Payload        map[string]any `json:"payload"`
	Priority       Priority       `json:"priority"`
	TimeoutMs      int            `json:"timeout_ms"`
	RetryCount     int            `json:"retry_count"`
	CachePolicy    CachePolicy    `json:"cache_policy"`
	ClientLocation *node.Location `json:"client_location,omitempty"`
	ClientIP       string         `json:"client_ip,omitempty"`
}

// ResponseMetadata describes where and how a request was served.
type ResponseMetadata struct {
	NodeID           string               `json:"node_id"`
	Region           string               `json:"region,omitempty"`
	ProcessingTimeMs float64              `json:"processing_time_ms"`
	CacheHit         bool                 `json:"cache_hit"`
	Attempts         int                  `json:"attempts"`
	Parameters       *strategy.Parameters `json:"parameters,omitempty"`
}

// Performance carries end-to-end timing.
type Performance struct {
	TotalLatencyMs float64 `json:"total_latency_ms"`
	QueueWaitMs    float64 `json:"queue_wait_ms"`
}

// CostMetrics carries the estimated cost of serving the request.
type CostMetrics struct {
	TotalCost float64 `json:"total_cost"`
}

// RoutingInfo explains the routing decision.
type RoutingInfo struct {
	GeographicDistanceKm *float64 `json:"geographic_distance_km,omitempty"`
	FailoverUsed         bool     `json:"failover_used"`
	CandidatesConsidered int      `json:"candidates_considered"`
}

// EdgeResponse is the result of routing one EdgeRequest.
type EdgeResponse struct {
	RequestID   string           `json:"request_id"`
	Result      map[string]any   `json:"result"`
	Metadata    ResponseMetadata `json:"metadata"`
	Performance Performance      `json:"performance"`
	CostMetrics CostMetrics      `json:"cost_metrics"`
	RoutingInfo RoutingInfo      `json:"routing_info"`
}
