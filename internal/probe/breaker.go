// Package probe implements the node liveness collaborator: per-node circuit
// breakers fed by active probes, and a periodic monitor that reports
// degraded, recovered and failed nodes.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/Resinat/edgecoord/internal/node"
)

// Liveness answers whether a node may receive traffic.
type Liveness interface {
	Alive(nodeID string) bool
	// Score is 1 for healthy, 0.5 while recovering and 0 when tripped.
	Score(nodeID string) float64
}

// Prober performs one active health check against a node.
type Prober interface {
	Probe(ctx context.Context, n *node.EdgeNode) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, n *node.EdgeNode) error

func (f ProberFunc) Probe(ctx context.Context, n *node.EdgeNode) error { return f(ctx, n) }

// ErrStaleHeartbeat is returned when a node has not reported within the
// staleness window.
var ErrStaleHeartbeat = errors.New("probe: heartbeat stale")

// HTTPProber GETs <endpoint>/healthz for nodes that declare an endpoint and
// falls back to heartbeat age for those that do not.
type HTTPProber struct {
	Client *http.Client
	// MaxStaleness bounds heartbeat age for endpoint-less nodes; zero
	// disables the check.
	MaxStaleness time.Duration
	Now          func() time.Time
}

func (p *HTTPProber) Probe(ctx context.Context, n *node.EdgeNode) error {
	if n.Endpoint == "" {
		return p.checkHeartbeat(n)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := strings.TrimRight(n.Endpoint, "/") + "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("probe %s: %w", n.ID, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", n.ID, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("probe %s: status %d", n.ID, resp.StatusCode)
	}
	return nil
}

func (p *HTTPProber) checkHeartbeat(n *node.EdgeNode) error {
	if p.MaxStaleness <= 0 {
		return nil
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	if age := now().Sub(n.Status.LastHeartbeat); age > p.MaxStaleness {
		return fmt.Errorf("%w: %s last seen %s ago", ErrStaleHeartbeat, n.ID, age.Round(time.Second))
	}
	return nil
}

// BreakerConfig configures a BreakerSet.
type BreakerConfig struct {
	Prober Prober
	// ConsecutiveFailures trips a breaker. Default 3.
	ConsecutiveFailures uint32
	// OpenTimeout is how long a tripped breaker stays open before letting a
	// trial probe through. Default 30s.
	OpenTimeout time.Duration
	// OnStateChange is invoked after a breaker changes state.
	OnStateChange func(nodeID string, from, to gobreaker.State)
}

// BreakerSet keeps one gobreaker per node and implements Liveness.
type BreakerSet struct {
	prober   Prober
	settings BreakerConfig
	breakers *xsync.Map[string, *gobreaker.CircuitBreaker]
	log      *logrus.Entry
}

// NewBreakerSet creates an empty set.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.Prober == nil {
		cfg.Prober = &HTTPProber{}
	}
	return &BreakerSet{
		prober:   cfg.Prober,
		settings: cfg,
		breakers: xsync.NewMap[string, *gobreaker.CircuitBreaker](),
		log:      logrus.WithField("component", "probe"),
	}
}

func (b *BreakerSet) breaker(nodeID string) *gobreaker.CircuitBreaker {
	cb, _ := b.breakers.LoadOrCompute(nodeID, func() (*gobreaker.CircuitBreaker, bool) {
		threshold := b.settings.ConsecutiveFailures
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        nodeID,
			MaxRequests: 1,
			Timeout:     b.settings.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				b.log.WithFields(logrus.Fields{"node": name, "from": from.String(), "to": to.String()}).
					Info("breaker state changed")
				if b.settings.OnStateChange != nil {
					b.settings.OnStateChange(name, from, to)
				}
			},
		}), false
	})
	return cb
}

// Probe runs the prober for n through its breaker. While the breaker is
// open the call fails fast with gobreaker.ErrOpenState.
func (b *BreakerSet) Probe(ctx context.Context, n *node.EdgeNode) error {
	_, err := b.breaker(n.ID).Execute(func() (any, error) {
		return nil, b.prober.Probe(ctx, n)
	})
	return err
}

// State returns the breaker state of nodeID; unknown nodes are closed.
func (b *BreakerSet) State(nodeID string) gobreaker.State {
	cb, ok := b.breakers.Load(nodeID)
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func (b *BreakerSet) Alive(nodeID string) bool {
	return b.State(nodeID) != gobreaker.StateOpen
}

func (b *BreakerSet) Score(nodeID string) float64 {
	switch b.State(nodeID) {
	case gobreaker.StateOpen:
		return 0
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 1
	}
}

// Forget drops the breaker of nodeID, e.g. after removal or manual recovery.
func (b *BreakerSet) Forget(nodeID string) {
	b.breakers.Delete(nodeID)
}

// Reset drops every breaker.
func (b *BreakerSet) Reset() {
	b.breakers.Clear()
}

// AlwaysAlive is a Liveness that reports every node healthy.
type AlwaysAlive struct{}

func (AlwaysAlive) Alive(string) bool { return true }
func (AlwaysAlive) Score(string) float64 { return 1 }
