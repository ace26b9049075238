package node

import (
	"math"
	"sync"
	"time"

	"github.com/maypok86/otter"
)

// LatencyStats holds the TD-EWMA latency of one request type on one node.
type LatencyStats struct {
	Ewma        time.Duration
	Samples     int64
	LastUpdated time.Time
}

// LatencyTable is a bounded, thread-safe per-request-type latency table
// backed by an otter cache.
type LatencyTable struct {
	mu    sync.Mutex
	cache otter.Cache[string, LatencyStats]
}

// NewLatencyTable creates a LatencyTable bounded to maxEntries keys.
func NewLatencyTable(maxEntries int) *LatencyTable {
	if maxEntries <= 0 {
		maxEntries = 16
	}
	cache, err := otter.MustBuilder[string, LatencyStats](maxEntries).
		Cost(func(_ string, _ LatencyStats) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("node: failed to create latency table: " + err.Error())
	}
	return &LatencyTable{cache: cache}
}

// Update folds one observation into the EWMA for key.
//
//	weight = exp(-dt / decayWindow)
//	ewma   = old * weight + latency * (1 - weight)
//
// The first observation for a key is stored as-is.
func (t *LatencyTable) Update(key string, latency, decayWindow time.Duration) LatencyStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	old, found := t.cache.Get(key)
	if !found {
		st := LatencyStats{Ewma: latency, Samples: 1, LastUpdated: now}
		t.cache.Set(key, st)
		return st
	}

	decay := decayWindow.Seconds()
	if decay <= 0 {
		decay = 1
	}
	weight := math.Exp(-now.Sub(old.LastUpdated).Seconds() / decay)
	st := LatencyStats{
		Ewma:        time.Duration(float64(old.Ewma)*weight + float64(latency)*(1-weight)),
		Samples:     old.Samples + 1,
		LastUpdated: now,
	}
	t.cache.Set(key, st)
	return st
}

// Get returns the stats for key, if present.
func (t *LatencyTable) Get(key string) (LatencyStats, bool) {
	return t.cache.Get(key)
}

// Size returns the number of tracked keys.
func (t *LatencyTable) Size() int {
	return t.cache.Size()
}

// Range iterates all entries. Returning false stops iteration.
func (t *LatencyTable) Range(fn func(key string, stats LatencyStats) bool) {
	t.cache.Range(fn)
}

// Clear drops every entry.
func (t *LatencyTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Clear()
}

// Close releases resources held by the underlying cache.
func (t *LatencyTable) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Close()
}
