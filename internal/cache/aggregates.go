// Package cache holds the aggregate cache sitting in front of the dashboard
// and portfolio read paths. Entries are dropped by the writers that change
// their inputs; the TTL only bounds how long an entry survives a missed
// invalidation.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trogers1052/opportunity-metrics/internal/config"
	"github.com/trogers1052/opportunity-metrics/internal/telemetry"
)

// DashboardKey caches the GET /metrics payload
const DashboardKey = "metrics:dashboard"

// PortfolioKey caches one user's portfolio view
func PortfolioKey(userID string) string {
	return "portfolio:" + userID
}

// Stats is the payload of GET /admin/cache/stats
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hitRate"`
	Backend string  `json:"backend"`
}

// Aggregates stores JSON-encoded aggregates. Backend errors are logged and
// treated as misses.
type Aggregates struct {
	store   Store
	backend string
	ttl     time.Duration
	logger  *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

func NewAggregates(store Store, backend string, ttl time.Duration, logger *zap.Logger) *Aggregates {
	if store == nil {
		store, backend = NoopStore{}, BackendNone
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregates{store: store, backend: backend, ttl: ttl, logger: logger}
}

// Open builds the Store selected by cfg
func Open(ctx context.Context, cfg config.CacheConfig) (Store, string, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendNone
		if cfg.RedisAddr != "" {
			backend = BackendRedis
		}
	}

	switch backend {
	case BackendRedis:
		s := NewRedisStore(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, "", fmt.Errorf("failed to connect to redis: %w", err)
		}
		return s, BackendRedis, nil
	case BackendMemory:
		return NewMemoryStore(), BackendMemory, nil
	case BackendNone:
		return NoopStore{}, BackendNone, nil
	default:
		return nil, "", fmt.Errorf("unknown cache backend %q", backend)
	}
}

// Generation returns a token to take before computing a value for Put. When
// the counter cannot be read the token is 0, which Put only honors while no
// invalidation has happened.
func (a *Aggregates) Generation(ctx context.Context) uint64 {
	gen, err := a.store.Generation(ctx)
	if err != nil {
		a.logger.Warn("cache generation unavailable", zap.Error(err))
		return 0
	}
	return gen
}

// Get decodes the entry at key into dst and reports whether it was found
func (a *Aggregates) Get(ctx context.Context, key string, dst interface{}) bool {
	b, found, err := a.store.Get(ctx, key)
	if err != nil {
		a.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		found = false
	}
	if found {
		if err := json.Unmarshal(b, dst); err != nil {
			a.logger.Warn("cache entry unreadable", zap.String("key", key), zap.Error(err))
			found = false
		}
	}

	if found {
		a.hits.Add(1)
	} else {
		a.misses.Add(1)
	}
	telemetry.CacheLookup(family(key), found)
	return found
}

// Put stores v at key unless an invalidation from any instance sharing the
// store happened after gen was taken
func (a *Aggregates) Put(ctx context.Context, key string, gen uint64, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		a.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	stored, err := a.store.SetIfGeneration(ctx, key, gen, b, a.ttl)
	if err != nil {
		a.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return
	}
	if !stored {
		a.logger.Debug("cache put skipped after invalidation", zap.String("key", key))
	}
}

// Invalidate drops keys. Values computed before the call are never stored.
func (a *Aggregates) Invalidate(ctx context.Context, keys ...string) {
	if err := a.store.Invalidate(ctx, keys...); err != nil {
		a.logger.Error("cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// Stats returns lookup counters since startup
func (a *Aggregates) Stats() Stats {
	hits, misses := a.hits.Load(), a.misses.Load()
	s := Stats{Hits: hits, Misses: misses, Backend: a.backend}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

func family(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
