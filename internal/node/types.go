// Package node defines the edge node data model: identity, location,
// capabilities, declared resources and live status telemetry.
package node

import (
	"maps"
	"time"
)

// Location is the geographic placement of a node or client.
type Location struct {
	Region    string  `json:"region" yaml:"region"`
	City      string  `json:"city,omitempty" yaml:"city"`
	Country   string  `json:"country,omitempty" yaml:"country"`
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	Timezone  string  `json:"timezone,omitempty" yaml:"timezone"`
}

// Resources are the declared capacities of a node, or the requirements of a
// workload when used in that position.
type Resources struct {
	CPUCores    float64 `json:"cpu_cores"`
	MemoryGB    float64 `json:"memory_gb"`
	StorageGB   float64 `json:"storage_gb"`
	NetworkMbps float64 `json:"network_mbps"`
}

// Add returns the per-dimension sum of r and o.
func (r Resources) Add(o Resources) Resources {
	return Resources{
		CPUCores:    r.CPUCores + o.CPUCores,
		MemoryGB:    r.MemoryGB + o.MemoryGB,
		StorageGB:   r.StorageGB + o.StorageGB,
		NetworkMbps: r.NetworkMbps + o.NetworkMbps,
	}
}

// Sub returns r minus o, floored at zero per dimension.
func (r Resources) Sub(o Resources) Resources {
	return Resources{
		CPUCores:    max(r.CPUCores-o.CPUCores, 0),
		MemoryGB:    max(r.MemoryGB-o.MemoryGB, 0),
		StorageGB:   max(r.StorageGB-o.StorageGB, 0),
		NetworkMbps: max(r.NetworkMbps-o.NetworkMbps, 0),
	}
}

// Scale multiplies every dimension by f.
func (r Resources) Scale(f float64) Resources {
	return Resources{
		CPUCores:    r.CPUCores * f,
		MemoryGB:    r.MemoryGB * f,
		StorageGB:   r.StorageGB * f,
		NetworkMbps: r.NetworkMbps * f,
	}
}

// Covers reports whether r meets or exceeds need in every dimension.
func (r Resources) Covers(need Resources) bool {
	return r.CPUCores >= need.CPUCores &&
		r.MemoryGB >= need.MemoryGB &&
		r.StorageGB >= need.StorageGB &&
		r.NetworkMbps >= need.NetworkMbps
}

// IsZero reports whether no dimension is set.
func (r Resources) IsZero() bool {
	return r == Resources{}
}

// Status is the live telemetry of a node.
type Status struct {
	Online           bool      `json:"online"`
	State            State     `json:"state"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	CurrentLoad      float64   `json:"current_load"`
	QueueDepth       int       `json:"queue_depth"`
	ResponseTimeP50  float64   `json:"response_time_p50"`
	ResponseTimeP95  float64   `json:"response_time_p95"`
	ResponseTimeP99  float64   `json:"response_time_p99"`
	ErrorRate        float64   `json:"error_rate"`
	UptimePercentage float64   `json:"uptime_percentage"`
	HealthScore      float64   `json:"health_score"`
	FailoverCount    int       `json:"failover_count"`
}

// CacheStats describes the node-local response cache.
type CacheStats struct {
	HitRate       float64 `json:"hit_rate"`
	SizeMB        float64 `json:"size_mb"`
	MaxSizeMB     float64 `json:"max_size_mb"`
	EvictionCount int64   `json:"eviction_count"`
}

// PerformanceMetrics are utilisation gauges reported by the node.
type PerformanceMetrics struct {
	RequestsPerSecond     float64 `json:"requests_per_second"`
	ConcurrentConnections int     `json:"concurrent_connections"`
	BandwidthUtilization  float64 `json:"bandwidth_utilization"`
	MemoryUtilization     float64 `json:"memory_utilization"`
	CPUUtilization        float64 `json:"cpu_utilization"`
}

// EdgeNode is a registered compute unit.
//
// Values handed out by the registry are private copies; mutate a node only
// through registry.Update.
type EdgeNode struct {
	ID                 string             `json:"id"`
	Endpoint           string             `json:"endpoint,omitempty"`
	Location           Location           `json:"location"`
	Capabilities       Capabilities       `json:"capabilities"`
	Resources          Resources          `json:"resources"`
	Status             Status             `json:"status"`
	CacheStats         CacheStats         `json:"cache_stats"`
	PerformanceMetrics PerformanceMetrics `json:"performance_metrics"`
	SecurityLevel      int                `json:"security_level,omitempty"`
	RegisteredAt       time.Time          `json:"registered_at"`
}

// Clone returns a deep copy of n.
func (n *EdgeNode) Clone() *EdgeNode {
	if n == nil {
		return nil
	}
	cp := *n
	cp.Capabilities = maps.Clone(n.Capabilities)
	return &cp
}

// IsRoutable reports whether the node accepts traffic at all.
func (n *EdgeNode) IsRoutable() bool {
	return n.Status.Online && n.Status.State != StateOffline
}

// Available returns the capacity not consumed by the node's current load.
func (n *EdgeNode) Available() Resources {
	free := 1 - clamp01(n.Status.CurrentLoad)
	return n.Resources.Scale(free)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
