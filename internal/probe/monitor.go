package probe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/Resinat/edgecoord/internal/node"
	"github.com/Resinat/edgecoord/internal/scanloop"
)

// NodeLister supplies the nodes to probe.
type NodeLister interface {
	List() []*node.EdgeNode
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Nodes       NodeLister
	Breakers    *BreakerSet
	Concurrency int // max concurrent probes
	Interval    time.Duration
	Jitter      time.Duration
	Timeout     time.Duration // per probe

	// OnDegraded is called for an online node whose probe failed.
	OnDegraded func(nodeID string)
	// OnRecovered is called for a degraded node whose probe succeeded.
	OnRecovered func(nodeID string)
	// OnFailure is called for a reachable node whose breaker is open.
	OnFailure func(nodeID string)
}

// Monitor periodically probes every reachable node through the BreakerSet
// and reports state changes through its callbacks.
type Monitor struct {
	nodes    NodeLister
	breakers *BreakerSet
	sem      chan struct{}
	interval time.Duration
	jitter   time.Duration
	timeout  time.Duration

	onDegraded  func(string)
	onRecovered func(string)
	onFailure   func(string)

	log    *logrus.Entry
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor. Call Start to begin scanning.
func NewMonitor(cfg MonitorConfig) *Monitor {
	conc := cfg.Concurrency
	if conc <= 0 {
		conc = 8
	}
	if cfg.Interval <= 0 {
		cfg.Interval = scanloop.DefaultMinInterval
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Monitor{
		nodes:       cfg.Nodes,
		breakers:    cfg.Breakers,
		sem:         make(chan struct{}, conc),
		interval:    cfg.Interval,
		jitter:      cfg.Jitter,
		timeout:     cfg.Timeout,
		onDegraded:  cfg.OnDegraded,
		onRecovered: cfg.OnRecovered,
		onFailure:   cfg.OnFailure,
		log:         logrus.WithField("component", "probe"),
	}
}

// Start launches the background scan loop.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		scanloop.Run(ctx, m.interval, m.jitter, m.Scan)
	}()
	m.log.WithField("interval", m.interval).Info("liveness monitor started")
}

// Stop cancels the loop and waits for in-flight probes.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.cancel = nil
}

// Scan probes every reachable node once, at most Concurrency at a time, and
// returns when all probes have finished.
func (m *Monitor) Scan(ctx context.Context) {
	var wg sync.WaitGroup
	for _, n := range m.nodes.List() {
		if !n.Status.State.Reachable() {
			continue
		}
		select {
		case m.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-m.sem }()
			m.probeOne(ctx, n)
		}()
	}
	wg.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, n *node.EdgeNode) {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.breakers.Probe(pctx, n)
	if ctx.Err() != nil {
		return
	}

	entry := m.log.WithField("node", n.ID)
	switch {
	case m.breakers.State(n.ID) == gobreaker.StateOpen:
		if !errors.Is(err, gobreaker.ErrOpenState) {
			entry.WithError(err).Warn("breaker tripped")
		}
		if m.onFailure != nil {
			m.onFailure(n.ID)
		}
	case err != nil:
		entry.WithError(err).Debug("probe failed")
		if n.Status.State == node.StateOnline && m.onDegraded != nil {
			m.onDegraded(n.ID)
		}
	case n.Status.State == node.StateDegraded:
		if m.onRecovered != nil {
			m.onRecovered(n.ID)
		}
	}
}
