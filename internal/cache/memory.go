package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter"
)

// costUnit quantizes entry cost: every started KiB counts as one unit.
const costUnit = 1024

// MemoryCache is an in-process Cache backed by otter with per-entry TTL and
// size-weighted eviction.
type MemoryCache struct {
	cache      otter.CacheWithVariableTTL[string, []byte]
	defaultTTL time.Duration
}

// NewMemoryCache creates a cache bounded to capacityMB megabytes of values.
// A non-positive ttl passed to Set falls back to defaultTTL.
func NewMemoryCache(capacityMB int, defaultTTL time.Duration) (*MemoryCache, error) {
	if capacityMB <= 0 {
		return nil, fmt.Errorf("cache: capacity must be positive, got %d MB", capacityMB)
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	c, err := otter.MustBuilder[string, []byte](capacityMB * 1024).
		CollectStats().
		Cost(func(_ string, v []byte) uint32 { return entryCost(len(v)) }).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, fmt.Errorf("cache: build otter cache: %w", err)
	}
	return &MemoryCache{cache: c, defaultTTL: defaultTTL}, nil
}

func entryCost(n int) uint32 {
	units := (n + costUnit - 1) / costUnit
	return uint32(max(units, 1))
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	m.cache.Set(key, append([]byte(nil), value...), ttl)
}

func (m *MemoryCache) Delete(_ context.Context, key string) {
	m.cache.Delete(key)
}

func (m *MemoryCache) Clear(context.Context) {
	m.cache.Clear()
}

// Stats reports otter's hit/miss/eviction counters.
func (m *MemoryCache) Stats() Stats {
	s := m.cache.Stats()
	hits, misses := uint64(s.Hits()), uint64(s.Misses())
	return Stats{
		Hits:      hits,
		Misses:    misses,
		Evictions: uint64(s.EvictedCount()),
		HitRatio:  ratio(hits, misses),
		Entries:   m.cache.Size(),
	}
}

// Close releases otter's background resources.
func (m *MemoryCache) Close() {
	m.cache.Close()
}
