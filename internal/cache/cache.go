// Package cache provides the content-addressable response cache used by the
// request router: an in-process otter backend and a shared Redis backend.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque response bytes by key with a per-entry TTL.
//
// Backends never surface transport failures to callers: a failed read is a
// miss and a failed write is dropped.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Clear(ctx context.Context)
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRatio  float64 `json:"hit_ratio"`
	Entries   int     `json:"entries"`
}

// StatsReporter is implemented by backends that can report Stats.
type StatsReporter interface {
	Stats() Stats
}

func ratio(hits, misses uint64) float64 {
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}
