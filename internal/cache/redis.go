package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// generationKey holds the invalidation counter shared by every instance
const generationKey = "cache:generation"

// setIfGenerationScript writes KEYS[2] only while KEYS[1] equals ARGV[1].
// A missing counter reads as 0.
const setIfGenerationScript = `
local current = redis.call('GET', KEYS[1]) or '0'
if current ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[2], ARGV[2])
end
return 1
`

// RedisStore keeps cache entries in Redis
type RedisStore struct {
	Client *redis.Client
}

func NewRedisStore(opt *redis.Options) *RedisStore {
	return &RedisStore{Client: redis.NewClient(opt)}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.Client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.Client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.Client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Generation(ctx context.Context) (uint64, error) {
	gen, err := s.Client.Get(ctx, generationKey).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	return gen, err
}

func (s *RedisStore) Invalidate(ctx context.Context, keys ...string) error {
	_, err := s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey)
		if len(keys) > 0 {
			pipe.Del(ctx, keys...)
		}
		return nil
	})
	return err
}

func (s *RedisStore) SetIfGeneration(ctx context.Context, key string, gen uint64, value []byte, ttl time.Duration) (bool, error) {
	n, err := s.Client.Eval(ctx, setIfGenerationScript, []string{generationKey, key},
		strconv.FormatUint(gen, 10), value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis eval failed: %w", err)
	}
	return n == 1, nil
}

// Ping checks connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

// Close releases the client's connections
func (s *RedisStore) Close() error {
	return s.Client.Close()
}
