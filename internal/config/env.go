// Package config handles environment-based configuration loading with an
// optional YAML overlay.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Cache and event store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// EnvConfig holds all process settings. Values come from built-in defaults,
// then the YAML file named by EDGE_CONFIG_FILE, then EDGE_* variables.
type EnvConfig struct {
	// Network
	ListenAddress   string `yaml:"listen_address"`
	Port            int    `yaml:"port"`
	APIMaxBodyBytes int    `yaml:"api_max_body_bytes"`
	APIMaxConns     int    `yaml:"api_max_conns"`

	// Auth
	AdminToken string `yaml:"admin_token"`

	// Logging
	LogLevel string `yaml:"log_level"`

	// Registry and routing
	MinMemoryGB       float64  `yaml:"min_memory_gb"`
	MinRoutableHealth float64  `yaml:"min_routable_health"`
	MaxInFlight       int      `yaml:"max_in_flight"`
	QueueLimit        int      `yaml:"queue_limit"`
	DefaultTimeout    Duration `yaml:"default_timeout"`
	CloudLatencyFloor Duration `yaml:"cloud_latency_floor"`
	DistanceWeight    float64  `yaml:"distance_weight"`
	ExecutorTimeScale float64  `yaml:"executor_time_scale"`
	StrategyEpsilon   float64  `yaml:"strategy_epsilon"`
	VolatileKeys      []string `yaml:"volatile_keys"`

	// Cache
	CacheBackend    string   `yaml:"cache_backend"`
	CacheCapacityMB int      `yaml:"cache_capacity_mb"`
	CacheDefaultTTL Duration `yaml:"cache_default_ttl"`
	RedisAddr       string   `yaml:"redis_addr"`
	RedisPassword   string   `yaml:"redis_password"`
	RedisDB         int      `yaml:"redis_db"`

	// Event store
	EventStore         string   `yaml:"event_store"`
	EventDBPath        string   `yaml:"event_db_path"`
	EventQueueSize     int      `yaml:"event_queue_size"`
	EventFlushBatch    int      `yaml:"event_flush_batch"`
	EventFlushInterval Duration `yaml:"event_flush_interval"`
	MetricsWindow      Duration `yaml:"metrics_window"`

	// Cloud sync
	SyncSchedule       string   `yaml:"sync_schedule"`
	SyncConcurrency    int      `yaml:"sync_concurrency"`
	SyncRatePerSecond  float64  `yaml:"sync_rate_per_second"`
	SyncNodeTimeout    Duration `yaml:"sync_node_timeout"`
	SyncRecoverOffline bool     `yaml:"sync_recover_offline"`

	// Liveness
	ProbeInterval      Duration `yaml:"probe_interval"`
	ProbeJitter        Duration `yaml:"probe_jitter"`
	ProbeTimeout       Duration `yaml:"probe_timeout"`
	ProbeConcurrency   int      `yaml:"probe_concurrency"`
	BreakerFailures    int      `yaml:"breaker_failures"`
	BreakerOpenTimeout Duration `yaml:"breaker_open_timeout"`

	// Failover
	ReplacementCount int `yaml:"replacement_count"`

	// GeoIP
	GeoIPDBPath         string `yaml:"geoip_db_path"`
	GeoIPReloadSchedule string `yaml:"geoip_reload_schedule"`
}

// Default returns the built-in configuration.
func Default() *EnvConfig {
	return &EnvConfig{
		ListenAddress:   "0.0.0.0",
		Port:            2270,
		APIMaxBodyBytes: 1 << 20,
		APIMaxConns:     1024,
		LogLevel:        "info",

		MinMemoryGB:       4,
		MinRoutableHealth: 20,
		MaxInFlight:       256,
		QueueLimit:        1024,
		DefaultTimeout:    Duration(5 * time.Second),
		CloudLatencyFloor: Duration(150 * time.Millisecond),
		DistanceWeight:    0.25,
		ExecutorTimeScale: 1,
		StrategyEpsilon:   0.1,
		VolatileKeys:      []string{"timestamp", "request_id", "nonce", "ts"},

		CacheBackend:    BackendMemory,
		CacheCapacityMB: 64,
		CacheDefaultTTL: Duration(5 * time.Minute),
		RedisAddr:       "127.0.0.1:6379",

		EventStore:         BackendMemory,
		EventDBPath:        "/var/lib/edgecoord/events.db",
		EventQueueSize:     8192,
		EventFlushBatch:    512,
		EventFlushInterval: Duration(time.Second),
		MetricsWindow:      Duration(time.Hour),

		SyncSchedule:      "@every 5m",
		SyncConcurrency:   16,
		SyncRatePerSecond: 50,
		SyncNodeTimeout:   Duration(5 * time.Second),

		ProbeInterval:      Duration(15 * time.Second),
		ProbeJitter:        Duration(4 * time.Second),
		ProbeTimeout:       Duration(2 * time.Second),
		ProbeConcurrency:   8,
		BreakerFailures:    3,
		BreakerOpenTimeout: Duration(30 * time.Second),

		ReplacementCount: 2,

		GeoIPReloadSchedule: "0 7 * * *",
	}
}

// LoadEnvConfig reads the optional YAML overlay and EDGE_* environment
// variables and returns a validated EnvConfig. All problems are reported
// together in one error.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := Default()
	var errs []string

	if path := strings.TrimSpace(os.Getenv("EDGE_CONFIG_FILE")); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			errs = append(errs, fmt.Sprintf("EDGE_CONFIG_FILE: %v", err))
		}
	}

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("EDGE_LISTEN_ADDRESS", cfg.ListenAddress))
	cfg.Port = envInt("EDGE_PORT", cfg.Port, &errs)
	cfg.APIMaxBodyBytes = envInt("EDGE_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	cfg.APIMaxConns = envInt("EDGE_API_MAX_CONNS", cfg.APIMaxConns, &errs)

	// --- Auth (empty means auth disabled) ---
	cfg.AdminToken = envStr("EDGE_ADMIN_TOKEN", cfg.AdminToken)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(envStr("EDGE_LOG_LEVEL", cfg.LogLevel)))

	// --- Registry and routing ---
	cfg.MinMemoryGB = envFloat("EDGE_MIN_MEMORY_GB", cfg.MinMemoryGB, &errs)
	cfg.MinRoutableHealth = envFloat("EDGE_MIN_ROUTABLE_HEALTH", cfg.MinRoutableHealth, &errs)
	cfg.MaxInFlight = envInt("EDGE_MAX_IN_FLIGHT", cfg.MaxInFlight, &errs)
	cfg.QueueLimit = envInt("EDGE_QUEUE_LIMIT", cfg.QueueLimit, &errs)
	cfg.DefaultTimeout = envDuration("EDGE_DEFAULT_TIMEOUT", cfg.DefaultTimeout, &errs)
	cfg.CloudLatencyFloor = envDuration("EDGE_CLOUD_LATENCY_FLOOR", cfg.CloudLatencyFloor, &errs)
	cfg.DistanceWeight = envFloat("EDGE_DISTANCE_WEIGHT", cfg.DistanceWeight, &errs)
	cfg.ExecutorTimeScale = envFloat("EDGE_EXECUTOR_TIME_SCALE", cfg.ExecutorTimeScale, &errs)
	cfg.StrategyEpsilon = envFloat("EDGE_STRATEGY_EPSILON", cfg.StrategyEpsilon, &errs)
	cfg.VolatileKeys = envStringSlice("EDGE_VOLATILE_KEYS", cfg.VolatileKeys, &errs)

	// --- Cache ---
	cfg.CacheBackend = strings.ToLower(envStr("EDGE_CACHE_BACKEND", cfg.CacheBackend))
	cfg.CacheCapacityMB = envInt("EDGE_CACHE_CAPACITY_MB", cfg.CacheCapacityMB, &errs)
	cfg.CacheDefaultTTL = envDuration("EDGE_CACHE_DEFAULT_TTL", cfg.CacheDefaultTTL, &errs)
	cfg.RedisAddr = envStr("EDGE_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envStr("EDGE_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = envInt("EDGE_REDIS_DB", cfg.RedisDB, &errs)

	// --- Event store ---
	cfg.EventStore = strings.ToLower(envStr("EDGE_EVENT_STORE", cfg.EventStore))
	cfg.EventDBPath = envStr("EDGE_EVENT_DB_PATH", cfg.EventDBPath)
	cfg.EventQueueSize = envInt("EDGE_EVENT_QUEUE_SIZE", cfg.EventQueueSize, &errs)
	cfg.EventFlushBatch = envInt("EDGE_EVENT_FLUSH_BATCH", cfg.EventFlushBatch, &errs)
	cfg.EventFlushInterval = envDuration("EDGE_EVENT_FLUSH_INTERVAL", cfg.EventFlushInterval, &errs)
	cfg.MetricsWindow = envDuration("EDGE_METRICS_WINDOW", cfg.MetricsWindow, &errs)

	// --- Cloud sync ---
	cfg.SyncSchedule = strings.TrimSpace(envStr("EDGE_SYNC_SCHEDULE", cfg.SyncSchedule))
	cfg.SyncConcurrency = envInt("EDGE_SYNC_CONCURRENCY", cfg.SyncConcurrency, &errs)
	cfg.SyncRatePerSecond = envFloat("EDGE_SYNC_RATE_PER_SECOND", cfg.SyncRatePerSecond, &errs)
	cfg.SyncNodeTimeout = envDuration("EDGE_SYNC_NODE_TIMEOUT", cfg.SyncNodeTimeout, &errs)
	cfg.SyncRecoverOffline = envBool("EDGE_SYNC_RECOVER_OFFLINE", cfg.SyncRecoverOffline, &errs)

	// --- Liveness ---
	cfg.ProbeInterval = envDuration("EDGE_PROBE_INTERVAL", cfg.ProbeInterval, &errs)
	cfg.ProbeJitter = envDuration("EDGE_PROBE_JITTER", cfg.ProbeJitter, &errs)
	cfg.ProbeTimeout = envDuration("EDGE_PROBE_TIMEOUT", cfg.ProbeTimeout, &errs)
	cfg.ProbeConcurrency = envInt("EDGE_PROBE_CONCURRENCY", cfg.ProbeConcurrency, &errs)
	cfg.BreakerFailures = envInt("EDGE_BREAKER_FAILURES", cfg.BreakerFailures, &errs)
	cfg.BreakerOpenTimeout = envDuration("EDGE_BREAKER_OPEN_TIMEOUT", cfg.BreakerOpenTimeout, &errs)

	// --- Failover ---
	cfg.ReplacementCount = envInt("EDGE_REPLACEMENT_COUNT", cfg.ReplacementCount, &errs)

	// --- GeoIP ---
	cfg.GeoIPDBPath = envStr("EDGE_GEOIP_DB_PATH", cfg.GeoIPDBPath)
	cfg.GeoIPReloadSchedule = strings.TrimSpace(envStr("EDGE_GEOIP_RELOAD_SCHEDULE", cfg.GeoIPReloadSchedule))

	cfg.validate(&errs)
	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	if IsWeakToken(cfg.AdminToken) {
		logrus.WithField("component", "config").WithField("score", TokenScore(cfg.AdminToken)).
			Warn("EDGE_ADMIN_TOKEN is weak; use a longer random token")
	}
	return cfg, nil
}

func (cfg *EnvConfig) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (cfg *EnvConfig) validate(errs *[]string) {
	if cfg.ListenAddress == "" {
		*errs = append(*errs, "EDGE_LISTEN_ADDRESS must not be empty")
	}
	validatePort("EDGE_PORT", cfg.Port, errs)
	validatePositive("EDGE_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, errs)
	validatePositive("EDGE_API_MAX_CONNS", cfg.APIMaxConns, errs)
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		*errs = append(*errs, fmt.Sprintf("EDGE_LOG_LEVEL: invalid level %q", cfg.LogLevel))
	}

	validatePositiveFloat("EDGE_MIN_MEMORY_GB", cfg.MinMemoryGB, errs)
	if !finite(cfg.MinRoutableHealth) || cfg.MinRoutableHealth < 0 || cfg.MinRoutableHealth > 100 {
		*errs = append(*errs, fmt.Sprintf("EDGE_MIN_ROUTABLE_HEALTH: must be within 0-100, got %v", cfg.MinRoutableHealth))
	}
	validatePositive("EDGE_MAX_IN_FLIGHT", cfg.MaxInFlight, errs)
	if cfg.QueueLimit < 0 {
		*errs = append(*errs, fmt.Sprintf("EDGE_QUEUE_LIMIT: must not be negative, got %d", cfg.QueueLimit))
	}
	validatePositiveDuration("EDGE_DEFAULT_TIMEOUT", cfg.DefaultTimeout, errs)
	validatePositiveDuration("EDGE_CLOUD_LATENCY_FLOOR", cfg.CloudLatencyFloor, errs)
	if !finite(cfg.DistanceWeight) || cfg.DistanceWeight < 0 || cfg.DistanceWeight > 1 {
		*errs = append(*errs, fmt.Sprintf("EDGE_DISTANCE_WEIGHT: must be within 0-1, got %v", cfg.DistanceWeight))
	}
	if !finite(cfg.ExecutorTimeScale) || cfg.ExecutorTimeScale < 0 {
		*errs = append(*errs, fmt.Sprintf("EDGE_EXECUTOR_TIME_SCALE: must be non-negative, got %v", cfg.ExecutorTimeScale))
	}
	if !finite(cfg.StrategyEpsilon) || cfg.StrategyEpsilon < 0 || cfg.StrategyEpsilon > 1 {
		*errs = append(*errs, fmt.Sprintf("EDGE_STRATEGY_EPSILON: must be within 0-1, got %v", cfg.StrategyEpsilon))
	}

	switch cfg.CacheBackend {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			*errs = append(*errs, "EDGE_REDIS_ADDR: required when EDGE_CACHE_BACKEND is redis")
		}
	default:
		*errs = append(*errs, fmt.Sprintf("EDGE_CACHE_BACKEND: invalid value %q (allowed: %s, %s)",
			cfg.CacheBackend, BackendMemory, BackendRedis))
	}
	validatePositive("EDGE_CACHE_CAPACITY_MB", cfg.CacheCapacityMB, errs)
	validatePositiveDuration("EDGE_CACHE_DEFAULT_TTL", cfg.CacheDefaultTTL, errs)

	switch cfg.EventStore {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(cfg.EventDBPath) == "" {
			*errs = append(*errs, "EDGE_EVENT_DB_PATH: required when EDGE_EVENT_STORE is sqlite")
		}
	default:
		*errs = append(*errs, fmt.Sprintf("EDGE_EVENT_STORE: invalid value %q (allowed: %s, %s)",
			cfg.EventStore, BackendMemory, BackendSQLite))
	}
	validatePositive("EDGE_EVENT_QUEUE_SIZE", cfg.EventQueueSize, errs)
	validatePositive("EDGE_EVENT_FLUSH_BATCH", cfg.EventFlushBatch, errs)
	validatePositiveDuration("EDGE_EVENT_FLUSH_INTERVAL", cfg.EventFlushInterval, errs)
	validatePositiveDuration("EDGE_METRICS_WINDOW", cfg.MetricsWindow, errs)
	if cfg.EventQueueSize < 2*cfg.EventFlushBatch {
		*errs = append(*errs, "EDGE_EVENT_QUEUE_SIZE must be at least 2x EDGE_EVENT_FLUSH_BATCH")
	}

	validateSchedule("EDGE_SYNC_SCHEDULE", cfg.SyncSchedule, errs)
	validatePositive("EDGE_SYNC_CONCURRENCY", cfg.SyncConcurrency, errs)
	validatePositiveFloat("EDGE_SYNC_RATE_PER_SECOND", cfg.SyncRatePerSecond, errs)
	validatePositiveDuration("EDGE_SYNC_NODE_TIMEOUT", cfg.SyncNodeTimeout, errs)

	validatePositiveDuration("EDGE_PROBE_INTERVAL", cfg.ProbeInterval, errs)
	if cfg.ProbeJitter < 0 {
		*errs = append(*errs, "EDGE_PROBE_JITTER must not be negative")
	}
	validatePositiveDuration("EDGE_PROBE_TIMEOUT", cfg.ProbeTimeout, errs)
	validatePositive("EDGE_PROBE_CONCURRENCY", cfg.ProbeConcurrency, errs)
	validatePositive("EDGE_BREAKER_FAILURES", cfg.BreakerFailures, errs)
	validatePositiveDuration("EDGE_BREAKER_OPEN_TIMEOUT", cfg.BreakerOpenTimeout, errs)

	validatePositive("EDGE_REPLACEMENT_COUNT", cfg.ReplacementCount, errs)

	validateSchedule("EDGE_GEOIP_RELOAD_SCHEDULE", cfg.GeoIPReloadSchedule, errs)
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal Duration, errs *[]string) Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return Duration(d)
}

func envStringSlice(key string, defaultVal []string, errs *[]string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON string array %q", key, v))
		return defaultVal
	}
	if out == nil {
		return []string{}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveFloat(name string, value float64, errs *[]string) {
	if !finite(value) || value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %v", name, value))
	}
}

func validatePositiveDuration(name string, value Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be positive", name))
	}
}

// validateSchedule accepts an empty schedule (disabled), a standard 5-field
// cron expression or a descriptor such as "@every 5m".
func validateSchedule(name, expr string, errs *[]string) {
	if expr == "" {
		return
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid cron expression %q: %v", name, expr, err))
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
