package eventlog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(100),
		"sqlite": sq,
	}
}

func TestStore_RecordQueryClear(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Record(ctx, Event{ID: "1", Kind: KindRequest, NodeID: "a", Timestamp: base, Success: true, LatencyMs: 12.5, NodeLoad: 0.42}))
			n, err := s.RecordBatch(ctx, []Event{
				{ID: "2", Kind: KindRequest, NodeID: "b", Timestamp: base.Add(time.Second), CacheHit: true},
				{ID: "3", Kind: KindFailover, NodeID: "a", Timestamp: base.Add(2 * time.Second), Detail: `{"type":"hardware"}`},
			})
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			all, err := s.Query(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "1", all[0].ID)
			assert.Equal(t, "3", all[2].ID)
			assert.True(t, all[0].Success)
			assert.Equal(t, 12.5, all[0].LatencyMs)
			assert.Equal(t, 0.42, all[0].NodeLoad)
			assert.True(t, all[1].CacheHit)
			assert.True(t, all[0].Timestamp.Equal(base))

			reqs, err := s.Query(ctx, Filter{Kind: KindRequest})
			require.NoError(t, err)
			assert.Len(t, reqs, 2)

			onA, err := s.Query(ctx, Filter{NodeID: "a"})
			require.NoError(t, err)
			assert.Len(t, onA, 2)

			recent, err := s.Query(ctx, Filter{Since: base.Add(time.Second)})
			require.NoError(t, err)
			assert.Len(t, recent, 2)

			last, err := s.Query(ctx, Filter{Limit: 1})
			require.NoError(t, err)
			require.Len(t, last, 1)
			assert.Equal(t, "3", last[0].ID)

			require.NoError(t, s.Clear(ctx))
			all, err = s.Query(ctx, Filter{})
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestMemoryStore_RingOverwritesOldest(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, s.Record(ctx, Event{ID: fmt.Sprint(i)}))
	}
	got, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "2", got[0].ID)
	assert.Equal(t, "4", got[2].ID)
	assert.Equal(t, 3, s.Len())
}

func TestSQLiteStore_ReopenKeepsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, Event{ID: "x", Kind: KindSync, Timestamp: time.Now()}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	got, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestEmitter_FlushWritesQueuedEvents(t *testing.T) {
	store := NewMemoryStore(100)
	em := NewEmitter(EmitterConfig{Store: store, FlushInterval: time.Hour})
	em.Start()
	t.Cleanup(em.Stop)

	for range 10 {
		em.Emit(Event{Kind: KindRequest})
	}
	require.NoError(t, em.Flush(context.Background()))

	got, err := store.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestEmitter_FlushWithoutStart(t *testing.T) {
	store := NewMemoryStore(100)
	em := NewEmitter(EmitterConfig{Store: store})

	em.Emit(Event{Kind: KindRequest})
	require.NoError(t, em.Flush(context.Background()))
	assert.Equal(t, 1, store.Len())
}

func TestEmitter_DropsOnOverflow(t *testing.T) {
	store := NewMemoryStore(100)
	em := NewEmitter(EmitterConfig{Store: store, QueueSize: 2})

	for range 5 {
		em.Emit(Event{Kind: KindRequest})
	}
	assert.EqualValues(t, 3, em.Dropped())
	assert.Equal(t, 2, em.Pending())

	em.ResetDropped()
	assert.Zero(t, em.Dropped())
}

func TestEmitter_StopDrains(t *testing.T) {
	store := NewMemoryStore(100)
	em := NewEmitter(EmitterConfig{Store: store, FlushInterval: time.Hour, FlushBatch: 1000})
	em.Start()
	for range 7 {
		em.Emit(Event{Kind: KindWorkload})
	}
	em.Stop()
	em.Stop()
	assert.Equal(t, 7, store.Len())
}

func TestEmitter_FlushRacingStop(t *testing.T) {
	for i := range 50 {
		store := NewMemoryStore(100)
		em := NewEmitter(EmitterConfig{Store: store, FlushInterval: time.Hour})
		em.Start()
		for range 3 {
			em.Emit(Event{Kind: KindRequest})
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			em.Stop()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := em.Flush(ctx)
		cancel()
		wg.Wait()

		require.NoError(t, err, "iteration %d", i)
		assert.Equal(t, 3, store.Len(), "iteration %d", i)
	}
}
