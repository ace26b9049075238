// Package geo scores and ranks edge nodes by health, load, latency and
// great-circle distance to the client.
package geo

import (
	"cmp"
	"math"
	"slices"

	"github.com/Resinat/edgecoord/internal/node"
)

// EarthRadiusKm is the IUGG mean earth radius.
const EarthRadiusKm = 6371.0088

// DistanceKm returns the haversine distance between a and b.
func DistanceKm(a, b node.Location) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := lat2 - lat1
	dLon := radians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// DistanceFactor maps a distance onto (0,1], 1 meaning co-located.
func DistanceFactor(km float64) float64 {
	if km <= 0 {
		return 1
	}
	return 1 / (1 + km/1000)
}

// Weights are the composite-score weights. They need not sum to 1; Score
// normalises by their sum.
type Weights struct {
	Health  float64
	Load    float64
	Latency float64
}

// DefaultWeights: health 0.4, load 0.3, latency 0.3.
var DefaultWeights = Weights{Health: 0.4, Load: 0.3, Latency: 0.3}

// Scorer computes composite node scores in [0,1]. The zero value is not
// usable; construct with NewScorer.
type Scorer struct {
	weights        Weights
	distanceWeight float64
	degradedFactor float64
}

// Option customises a Scorer.
type Option func(*Scorer)

// WithWeights overrides the composite weights.
func WithWeights(w Weights) Option {
	return func(s *Scorer) {
		if w.Health+w.Load+w.Latency > 0 {
			s.weights = w
		}
	}
}

// WithDistanceWeight sets how much the distance factor contributes when a
// client location is known (0 disables distance, 1 ranks by distance only).
func WithDistanceWeight(w float64) Option {
	return func(s *Scorer) { s.distanceWeight = math.Min(1, math.Max(0, w)) }
}

// NewScorer returns a Scorer with default weights, distance weight 0.25 and
// a 0.5 multiplier for degraded nodes.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		weights:        DefaultWeights,
		distanceWeight: 0.25,
		degradedFactor: 0.5,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Score returns the composite score of n for a client at loc (nil when
// unknown). Higher is better.
func (s *Scorer) Score(n *node.EdgeNode, loc *node.Location) float64 {
	return s.ScoreWithLatency(n, loc, n.Status.ResponseTimeP95)
}

// ScoreWithLatency scores n using latencyMs in place of the node's p95,
// letting callers substitute a per-request-type observation.
func (s *Scorer) ScoreWithLatency(n *node.EdgeNode, loc *node.Location, latencyMs float64) float64 {
	if n == nil || n.Status.State == node.StateOffline {
		return 0
	}
	w := s.weights
	total := w.Health + w.Load + w.Latency
	base := (w.Health*clamp01(n.Status.HealthScore/100) +
		w.Load*(1-clamp01(n.Status.CurrentLoad)) +
		w.Latency*node.LatencyFactor(latencyMs)) / total

	if loc != nil && s.distanceWeight > 0 {
		df := DistanceFactor(DistanceKm(*loc, n.Location))
		base = (1-s.distanceWeight)*base + s.distanceWeight*df
	}
	if n.Status.State == node.StateDegraded {
		base *= s.degradedFactor
	}
	return base
}

// Scored pairs a node with its score.
type Scored struct {
	Node  *node.EdgeNode
	Score float64
}

// Rank scores nodes and sorts them by score descending, ties broken by id.
func (s *Scorer) Rank(nodes []*node.EdgeNode, loc *node.Location) []Scored {
	return s.RankFunc(nodes, func(n *node.EdgeNode) float64 { return s.Score(n, loc) })
}

// RankFunc is Rank with a caller-supplied scoring function.
func (s *Scorer) RankFunc(nodes []*node.EdgeNode, score func(*node.EdgeNode) float64) []Scored {
	out := make([]Scored, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Scored{Node: n, Score: score(n)})
	}
	slices.SortStableFunc(out, func(a, b Scored) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Node.ID, b.Node.ID)
	})
	return out
}

// Nearest returns nodes ordered by distance from from, ties broken by id.
func Nearest(from node.Location, nodes []*node.EdgeNode) []*node.EdgeNode {
	out := slices.Clone(nodes)
	slices.SortStableFunc(out, func(a, b *node.EdgeNode) int {
		if c := cmp.Compare(DistanceKm(from, a.Location), DistanceKm(from, b.Location)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
