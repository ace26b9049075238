// Package service wires the coordinator components together and exposes the
// operations that the API and embedding callers use. Handlers call its
// methods; business logic lives in the component packages.
package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Resinat/edgecoord/internal/cache"
	"github.com/Resinat/edgecoord/internal/clustersync"
	"github.com/Resinat/edgecoord/internal/config"
	"github.com/Resinat/edgecoord/internal/eventlog"
	"github.com/Resinat/edgecoord/internal/failover"
	"github.com/Resinat/edgecoord/internal/geo"
	"github.com/Resinat/edgecoord/internal/geoip"
	"github.com/Resinat/edgecoord/internal/metrics"
	"github.com/Resinat/edgecoord/internal/notify"
	"github.com/Resinat/edgecoord/internal/probe"
	"github.com/Resinat/edgecoord/internal/registry"
	"github.com/Resinat/edgecoord/internal/routing"
	"github.com/Resinat/edgecoord/internal/strategy"
	"github.com/Resinat/edgecoord/internal/workload"
)

// Deps overrides collaborators that New would otherwise build from config.
// Every field is optional.
type Deps struct {
	Store    eventlog.Store
	Cache    cache.Cache
	Executor routing.Executor
	Cloud    routing.Executor
	Prober   probe.Prober
	// CloudClient replaces the in-process LocalCloud used by cloud sync.
	CloudClient clustersync.CloudClient
	Selector    strategy.Selector
	Now         func() time.Time
}

// EdgeService owns every component of one coordinator instance.
type EdgeService struct {
	cfg *config.EnvConfig

	Registry  *registry.Registry
	Router    *routing.Router
	Workloads *workload.Coordinator
	Failover  *failover.Manager
	Sync      *clustersync.Manager
	Metrics   *metrics.Aggregator
	Collector *metrics.Collector
	Emitter   *eventlog.Emitter
	Cache     cache.Cache
	Breakers  *probe.BreakerSet
	Monitor   *probe.Monitor
	GeoIP     *geoip.Service

	localCloud *clustersync.LocalCloud
	selector   strategy.Selector
	log        *logrus.Entry
}

// New builds an EdgeService from cfg. Nothing runs in the background until
// Start is called.
func New(cfg *config.EnvConfig, deps Deps) (*EdgeService, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &EdgeService{cfg: cfg, log: logrus.WithField("component", "service")}

	store := deps.Store
	if store == nil {
		var err error
		if store, err = openStore(cfg); err != nil {
			return nil, err
		}
	}
	s.Emitter = eventlog.NewEmitter(eventlog.EmitterConfig{
		Store:         store,
		QueueSize:     cfg.EventQueueSize,
		FlushBatch:    cfg.EventFlushBatch,
		FlushInterval: cfg.EventFlushInterval.Std(),
	})

	s.Cache = deps.Cache
	if s.Cache == nil {
		c, err := openCache(cfg)
		if err != nil {
			store.Close()
			return nil, err
		}
		s.Cache = c
	}

	s.Registry = registry.New(registry.Config{MinMemoryGB: cfg.MinMemoryGB, Now: deps.Now})
	s.Collector = metrics.NewCollector(s.Emitter, metrics.GaugeSource{
		OnlineNodes:   func() float64 { return float64(len(s.Registry.ListOnline())) },
		InFlight:      func() float64 { return float64(s.Router.InFlight()) },
		DroppedEvents: func() float64 { return float64(s.Emitter.Dropped()) },
	})

	s.Breakers = probe.NewBreakerSet(probe.BreakerConfig{
		Prober:              deps.Prober,
		ConsecutiveFailures: uint32(cfg.BreakerFailures),
		OpenTimeout:         cfg.BreakerOpenTimeout.Std(),
	})

	s.selector = deps.Selector
	if s.selector == nil {
		bandit, err := strategy.NewEpsilonGreedy(strategy.DefaultArms(), cfg.StrategyEpsilon, 0.2, uint64(time.Now().UnixNano()))
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("service: strategy: %w", err)
		}
		s.selector = bandit
	}

	geoSvc, err := geoip.NewService(geoip.ServiceConfig{
		DBPath:         cfg.GeoIPDBPath,
		ReloadSchedule: cfg.GeoIPReloadSchedule,
	})
	if err != nil {
		s.closeStores()
		return nil, err
	}
	s.GeoIP = geoSvc

	scorer := geo.NewScorer(geo.WithDistanceWeight(cfg.DistanceWeight))
	executor := deps.Executor
	if executor == nil {
		executor = routing.SimulatedExecutor{TimeScale: cfg.ExecutorTimeScale}
	}
	cloud := deps.Cloud
	if cloud == nil {
		cloud = routing.SimulatedCloud{Latency: cfg.CloudLatencyFloor.Std(), TimeScale: cfg.ExecutorTimeScale}
	}
	routerCfg := routing.Config{
		Nodes:             s.Registry,
		Scorer:            scorer,
		Cache:             s.Cache,
		Selector:          s.selector,
		Liveness:          s.Breakers,
		Telemetry:         s.Collector,
		Executor:          executor,
		Cloud:             cloud,
		MaxInFlight:       cfg.MaxInFlight,
		QueueLimit:        cfg.QueueLimit,
		MinRoutableHealth: cfg.MinRoutableHealth,
		CloudLatencyFloor: cfg.CloudLatencyFloor.Std(),
		DefaultTimeout:    cfg.DefaultTimeout.Std(),
		DefaultCacheTTL:   cfg.CacheDefaultTTL.Std(),
		VolatileKeys:      cfg.VolatileKeys,
	}
	if cfg.GeoIPDBPath != "" {
		routerCfg.Locator = s.GeoIP
	}
	s.Router = routing.New(routerCfg)

	s.Workloads = workload.New(workload.Config{
		Nodes:     s.Registry,
		Scorer:    scorer,
		Telemetry: s.Collector,
		Now:       deps.Now,
	})
	s.Failover = failover.New(failover.Config{
		Nodes:            s.Registry,
		Workloads:        s.Workloads,
		Telemetry:        s.Collector,
		ReplacementCount: cfg.ReplacementCount,
	})

	cloudClient := deps.CloudClient
	if cloudClient == nil {
		s.localCloud = clustersync.NewLocalCloud(s.Breakers)
		cloudClient = s.localCloud
	}
	s.Sync, err = clustersync.New(clustersync.Config{
		Nodes:          s.Registry,
		Cloud:          cloudClient,
		Recoverer:      s.Failover,
		Telemetry:      s.Collector,
		RecoverOffline: cfg.SyncRecoverOffline,
		Concurrency:    cfg.SyncConcurrency,
		RatePerSecond:  cfg.SyncRatePerSecond,
		NodeTimeout:    cfg.SyncNodeTimeout.Std(),
		Schedule:       cfg.SyncSchedule,
	})
	if err != nil {
		s.closeStores()
		return nil, err
	}

	s.Metrics = metrics.NewAggregator(metrics.Config{
		Store:   store,
		Flusher: s.Emitter,
		Nodes:   s.Registry,
		Window:  cfg.MetricsWindow.Std(),
		Now:     deps.Now,
	})

	s.Monitor = probe.NewMonitor(probe.MonitorConfig{
		Nodes:       s.Registry,
		Breakers:    s.Breakers,
		Concurrency: cfg.ProbeConcurrency,
		Interval:    cfg.ProbeInterval.Std(),
		Jitter:      cfg.ProbeJitter.Std(),
		Timeout:     cfg.ProbeTimeout.Std(),
		OnDegraded:  s.onDegraded,
		OnRecovered: s.onRecovered,
		OnFailure:   s.onProbeFailure,
	})
	return s, nil
}

func openStore(cfg *config.EnvConfig) (eventlog.Store, error) {
	if cfg.EventStore == config.BackendSQLite {
		st, err := eventlog.OpenSQLite(cfg.EventDBPath)
		if err != nil {
			return nil, fmt.Errorf("service: open event store: %w", err)
		}
		return st, nil
	}
	return eventlog.NewMemoryStore(0), nil
}

func openCache(cfg *config.EnvConfig) (cache.Cache, error) {
	if cfg.CacheBackend == config.BackendRedis {
		return cache.NewRedisCache(cache.RedisConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			DefaultTTL: cfg.CacheDefaultTTL.Std(),
		}), nil
	}
	c, err := cache.NewMemoryCache(cfg.CacheCapacityMB, cfg.CacheDefaultTTL.Std())
	if err != nil {
		return nil, fmt.Errorf("service: open cache: %w", err)
	}
	return c, nil
}

// Start launches the background loops: event flushing, GeoIP reloads,
// liveness probing and scheduled cloud sync.
func (s *EdgeService) Start() error {
	s.Emitter.Start()
	if err := s.GeoIP.Start(); err != nil {
		s.Emitter.Stop()
		return err
	}
	s.Monitor.Start()
	s.Sync.Start()
	s.log.WithField("online_nodes", len(s.Registry.ListOnline())).Info("edge service started")
	return nil
}

// Stop halts the background loops, flushes pending events and releases
// the stores.
func (s *EdgeService) Stop() {
	s.Sync.Stop()
	s.Monitor.Stop()
	s.GeoIP.Stop()
	s.Emitter.Stop()
	s.Failover.Close()
	s.Router.Close()
	s.closeStores()
	s.log.Info("edge service stopped")
}

// closeStores releases the event store and the cache.
func (s *EdgeService) closeStores() {
	if err := s.Emitter.Store().Close(); err != nil {
		s.log.WithError(err).Warn("close event store")
	}
	switch c := s.Cache.(type) {
	case *cache.MemoryCache:
		c.Close()
	case *cache.RedisCache:
		if err := c.Close(); err != nil {
			s.log.WithError(err).Warn("close cache")
		}
	}
}

// MetricsHandler serves the Prometheus exposition.
func (s *EdgeService) MetricsHandler() http.Handler { return s.Collector.Handler() }

// SubscribeFailovers returns a bounded, drop-oldest feed of failover
// outcomes. Close the subscription when done.
func (s *EdgeService) SubscribeFailovers() *notify.Subscription[failover.Outcome] {
	return s.Failover.Subscribe()
}

func (s *EdgeService) onDegraded(nodeID string) {
	if _, err := s.Failover.MarkDegraded(nodeID); err != nil {
		s.log.WithError(err).WithField("node", nodeID).Debug("mark degraded")
	}
}

func (s *EdgeService) onRecovered(nodeID string) {
	if _, err := s.Failover.MarkRecovered(nodeID); err != nil {
		s.log.WithError(err).WithField("node", nodeID).Debug("mark recovered")
	}
}

// onProbeFailure fails a node over once its breaker opens.
func (s *EdgeService) onProbeFailure(nodeID string) {
	out, err := s.Failover.HandleFailure(nodeID, failover.FailureNetwork)
	if err != nil {
		s.log.WithError(err).WithField("node", nodeID).Warn("automatic failover failed")
		return
	}
	s.log.WithFields(logrus.Fields{
		"node":         nodeID,
		"replacements": out.ReplacementNodes,
	}).Warn("node failed liveness probes; failed over")
}

func (s *EdgeService) forgetNode(id string) {
	s.Breakers.Forget(id)
	s.Sync.Forget(id)
	if s.localCloud != nil {
		s.localCloud.Forget(id)
	}
}

func flushCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 5*time.Second)
}
