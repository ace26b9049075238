// Package strategy selects optimization parameters for requests that need
// them (prompt optimization and model inference).
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
)

// ErrNoArms is returned when an EpsilonGreedy selector has no candidates.
var ErrNoArms = errors.New("strategy: no candidate parameter sets")

// Context describes the request a selection is made for.
type Context struct {
	RequestType string
	Priority    string
	NodeID      string
	Region      string
	PayloadSize int
}

// Parameters is a named optimization parameter set.
type Parameters struct {
	Name             string  `json:"name"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// Selector picks parameters for a request.
type Selector interface {
	Select(ctx context.Context, c Context) (Parameters, error)
}

// Observer receives the reward of a selection. Rewards are in [0,1].
type Observer interface {
	Observe(c Context, p Parameters, reward float64)
}

// Resetter is implemented by selectors that learn and can forget.
type Resetter interface {
	Reset()
}

// Static always returns the same parameters.
type Static struct {
	Params Parameters
}

func (s Static) Select(ctx context.Context, _ Context) (Parameters, error) {
	if err := ctx.Err(); err != nil {
		return Parameters{}, err
	}
	return s.Params, nil
}

// DefaultArms is the built-in candidate set.
func DefaultArms() []Parameters {
	return []Parameters{
		{Name: "balanced", Temperature: 0.7, MaxTokens: 1024, CompressionRatio: 0.8},
		{Name: "precise", Temperature: 0.2, MaxTokens: 2048, CompressionRatio: 0.9},
		{Name: "compact", Temperature: 0.5, MaxTokens: 512, CompressionRatio: 0.6},
	}
}

// EpsilonGreedy explores a random arm with probability epsilon and otherwise
// exploits the arm with the best reward EMA for the request type. Unplayed
// arms are tried first.
type EpsilonGreedy struct {
	arms    []Parameters
	epsilon float64
	alpha   float64

	mu      sync.Mutex
	rng     *rand.Rand
	rewards map[string][]armStat // request type -> per-arm stats
}

type armStat struct {
	ema   float64
	plays int
}

// NewEpsilonGreedy creates a selector. alpha is the EMA smoothing factor.
func NewEpsilonGreedy(arms []Parameters, epsilon, alpha float64, seed uint64) (*EpsilonGreedy, error) {
	if len(arms) == 0 {
		return nil, ErrNoArms
	}
	if epsilon < 0 || epsilon > 1 || math.IsNaN(epsilon) {
		return nil, fmt.Errorf("strategy: epsilon must be in [0,1], got %v", epsilon)
	}
	if alpha <= 0 || alpha > 1 || math.IsNaN(alpha) {
		return nil, fmt.Errorf("strategy: alpha must be in (0,1], got %v", alpha)
	}
	return &EpsilonGreedy{
		arms:    append([]Parameters(nil), arms...),
		epsilon: epsilon,
		alpha:   alpha,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		rewards: make(map[string][]armStat),
	}, nil
}

func (g *EpsilonGreedy) Select(ctx context.Context, c Context) (Parameters, error) {
	if err := ctx.Err(); err != nil {
		return Parameters{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := g.statsFor(c.RequestType)
	for i, s := range stats {
		if s.plays == 0 {
			return g.arms[i], nil
		}
	}
	if g.rng.Float64() < g.epsilon {
		return g.arms[g.rng.IntN(len(g.arms))], nil
	}
	best := 0
	for i := 1; i < len(stats); i++ {
		if stats[i].ema > stats[best].ema {
			best = i
		}
	}
	return g.arms[best], nil
}

// Observe folds reward into the EMA of the arm named p.Name.
func (g *EpsilonGreedy) Observe(c Context, p Parameters, reward float64) {
	if math.IsNaN(reward) {
		return
	}
	reward = math.Max(0, math.Min(1, reward))
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := g.statsFor(c.RequestType)
	for i, arm := range g.arms {
		if arm.Name != p.Name {
			continue
		}
		s := &stats[i]
		if s.plays == 0 {
			s.ema = reward
		} else {
			s.ema = g.alpha*reward + (1-g.alpha)*s.ema
		}
		s.plays++
		return
	}
}

// Reset forgets all observations.
func (g *EpsilonGreedy) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.rewards)
}

func (g *EpsilonGreedy) statsFor(requestType string) []armStat {
	s, ok := g.rewards[requestType]
	if !ok {
		s = make([]armStat, len(g.arms))
		g.rewards[requestType] = s
	}
	return s
}
