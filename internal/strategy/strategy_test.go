package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	want := Parameters{Name: "fixed", Temperature: 0.1}
	got, err := Static{Params: want}.Select(context.Background(), Context{})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Static{Params: want}.Select(ctx, Context{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEpsilonGreedy_TriesEveryArmThenExploits(t *testing.T) {
	arms := DefaultArms()
	g, err := NewEpsilonGreedy(arms, 0, 0.5, 1)
	require.NoError(t, err)
	ctx := context.Background()
	c := Context{RequestType: "optimize"}

	seen := map[string]bool{}
	for range arms {
		p, err := g.Select(ctx, c)
		require.NoError(t, err)
		seen[p.Name] = true
		reward := 0.1
		if p.Name == "precise" {
			reward = 0.9
		}
		g.Observe(c, p, reward)
	}
	assert.Len(t, seen, len(arms))

	for range 10 {
		p, err := g.Select(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, "precise", p.Name)
	}
}

func TestEpsilonGreedy_PerRequestTypeStats(t *testing.T) {
	g, err := NewEpsilonGreedy(DefaultArms(), 0, 1, 7)
	require.NoError(t, err)
	ctx := context.Background()

	for _, a := range DefaultArms() {
		g.Observe(Context{RequestType: "optimize"}, a, 0.5)
	}
	p, err := g.Select(ctx, Context{RequestType: "inference"})
	require.NoError(t, err)
	assert.Equal(t, "balanced", p.Name, "inference has unplayed arms; first arm is tried first")

	g.Reset()
	p, err = g.Select(ctx, Context{RequestType: "optimize"})
	require.NoError(t, err)
	assert.Equal(t, "balanced", p.Name)
}

func TestNewEpsilonGreedy_Validation(t *testing.T) {
	_, err := NewEpsilonGreedy(nil, 0.1, 0.1, 0)
	assert.ErrorIs(t, err, ErrNoArms)
	_, err = NewEpsilonGreedy(DefaultArms(), 1.5, 0.1, 0)
	assert.Error(t, err)
	_, err = NewEpsilonGreedy(DefaultArms(), 0.1, 0, 0)
	assert.Error(t, err)
}
