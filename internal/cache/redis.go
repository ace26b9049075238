package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisConfig configures a RedisCache.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	DefaultTTL  time.Duration
	DialTimeout time.Duration
	OpTimeout   time.Duration
}

// RedisCache is a shared Cache backed by Redis. Transport errors are logged
// and reported as misses.
type RedisCache struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
	opTimeout  time.Duration
	log        *logrus.Entry

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewRedisCache creates a client. It does not require the server to be
// reachable; use Ping to check.
func NewRedisCache(cfg RedisConfig) *RedisCache {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "edgecoord:cache:"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 500 * time.Millisecond
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
		MaxRetries:   1,
	})
	return &RedisCache{
		client:     client,
		prefix:     cfg.KeyPrefix,
		defaultTTL: cfg.DefaultTTL,
		opTimeout:  cfg.OpTimeout,
		log:        logrus.WithField("component", "cache.redis"),
	}
}

// Ping checks connectivity.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	v, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.WithError(err).Debug("get failed, treating as miss")
		}
		r.misses.Add(1)
		return nil, false
	}
	r.hits.Add(1)
	return v, true
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		r.log.WithError(err).Debug("set failed")
	}
}

func (r *RedisCache) Delete(ctx context.Context, key string) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		r.log.WithError(err).Debug("delete failed")
	}
}

// Clear removes every key under the configured prefix.
func (r *RedisCache) Clear(ctx context.Context) {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			r.log.WithError(err).Warn("clear: scan failed")
			return
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				r.log.WithError(err).Warn("clear: delete failed")
				return
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	r.hits.Store(0)
	r.misses.Store(0)
}

// Stats reports client-side hit/miss counters.
func (r *RedisCache) Stats() Stats {
	h, m := r.hits.Load(), r.misses.Load()
	return Stats{Hits: h, Misses: m, HitRatio: ratio(h, m)}
}

// Close closes the client connection pool.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
