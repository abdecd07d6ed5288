package cache

import (
	"context"
	"time"
)

// Store is a byte-oriented key/value cache backend. It also owns the
// invalidation generation so every process sharing the backend sees the
// same counter.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// Generation returns the current invalidation counter
	Generation(ctx context.Context) (uint64, error)
	// Invalidate advances the counter and drops keys
	Invalidate(ctx context.Context, keys ...string) error
	// SetIfGeneration writes value only while the counter still equals gen.
	// The check and the write are atomic.
	SetIfGeneration(ctx context.Context, key string, gen uint64, value []byte, ttl time.Duration) (bool, error)
}

// Backend names
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendNone   = "none"
)

// NoopStore never stores anything. Every lookup misses.
type NoopStore struct{}

func (NoopStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}

func (NoopStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}

func (NoopStore) Delete(ctx context.Context, keys ...string) error {
	return nil
}

func (NoopStore) Generation(ctx context.Context) (uint64, error) {
	return 0, nil
}

func (NoopStore) Invalidate(ctx context.Context, keys ...string) error {
	return nil
}

func (NoopStore) SetIfGeneration(ctx context.Context, key string, gen uint64, value []byte, ttl time.Duration) (bool, error) {
	return false, nil
}
