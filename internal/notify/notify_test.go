package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_FanOut(t *testing.T) {
	b := New[int](4)
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(1)
	b.Publish(2)

	for _, s := range []*Subscription[int]{s1, s2} {
		assert.Equal(t, 1, <-s.C())
		assert.Equal(t, 2, <-s.C())
	}
}

func TestBroadcaster_DropOldest(t *testing.T) {
	b := New[int](2)
	s := b.Subscribe()

	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}
	assert.Equal(t, 4, <-s.C())
	assert.Equal(t, 5, <-s.C())
	assert.EqualValues(t, 3, s.Dropped())
}

func TestBroadcaster_CloseAndUnsubscribe(t *testing.T) {
	b := New[string](1)
	s := b.Subscribe()
	require.Equal(t, 1, b.Len())

	s.Close()
	s.Close()
	assert.Zero(t, b.Len())
	_, ok := <-s.C()
	assert.False(t, ok)

	s2 := b.Subscribe()
	b.Close()
	b.Close()
	_, ok = <-s2.C()
	assert.False(t, ok)

	b.Publish("ignored")
	s3 := b.Subscribe()
	_, ok = <-s3.C()
	assert.False(t, ok)
	s3.Close()
}
