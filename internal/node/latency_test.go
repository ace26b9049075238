package node

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyTable_FirstRecordStoredAsIs(t *testing.T) {
	lt := NewLatencyTable(16)
	t.Cleanup(lt.Close)

	st := lt.Update("optimize", 100*time.Millisecond, 30*time.Second)
	assert.Equal(t, 100*time.Millisecond, st.Ewma)
	assert.EqualValues(t, 1, st.Samples)

	got, ok := lt.Get("optimize")
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, got.Ewma)
}

func TestLatencyTable_EwmaMovesTowardNewSample(t *testing.T) {
	lt := NewLatencyTable(16)
	t.Cleanup(lt.Close)

	lt.Update("search", 100*time.Millisecond, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	st := lt.Update("search", 500*time.Millisecond, time.Hour)

	assert.EqualValues(t, 2, st.Samples)
	assert.Greater(t, st.Ewma, 100*time.Millisecond)
	assert.Less(t, st.Ewma, 500*time.Millisecond)
}

func TestLatencyTable_KeysAreIndependent(t *testing.T) {
	lt := NewLatencyTable(16)
	t.Cleanup(lt.Close)

	lt.Update("a", 10*time.Millisecond, time.Second)
	lt.Update("b", 20*time.Millisecond, time.Second)

	seen := map[string]time.Duration{}
	lt.Range(func(key string, stats LatencyStats) bool {
		seen[key] = stats.Ewma
		return true
	})
	assert.Equal(t, map[string]time.Duration{"a": 10 * time.Millisecond, "b": 20 * time.Millisecond}, seen)
}

func TestLatencyTable_Bounded(t *testing.T) {
	capacity := 4
	lt := NewLatencyTable(capacity)
	t.Cleanup(lt.Close)

	for i := range capacity + 10 {
		lt.Update(fmt.Sprintf("type-%d", i), time.Millisecond, time.Second)
	}
	// otter evicts asynchronously; allow a small margin.
	assert.LessOrEqual(t, lt.Size(), capacity+2)
}
