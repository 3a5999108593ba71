package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"postmesh/internal/constants"
	"postmesh/pkg/errors"
)

type RedisStore struct {
	client    redis.UniversalClient
	scanCount int64
}

func NewRedisStore(client redis.UniversalClient, scanCount int64) *RedisStore {
	if scanCount <= 0 {
		scanCount = constants.DefaultScanCount
	}
	return &RedisStore{client: client, scanCount: scanCount}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.ErrTransport.WithCause(fmt.Errorf("redis GET %s failed: %w", key, err))
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.ErrTransport.WithCause(fmt.Errorf("redis SET %s failed: %w", key, err))
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, errors.ErrTransport.WithCause(fmt.Errorf("redis DEL failed: %w", err))
	}
	return n, nil
}

// DeletePattern walks the keyspace with SCAN rather than KEYS so a large
// namespace never blocks the server, deleting each batch as it is returned.
func (s *RedisStore) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor  uint64
		deleted int64
	)

	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, s.scanCount).Result()
		if err != nil {
			return deleted, errors.ErrTransport.WithCause(fmt.Errorf("redis SCAN %s failed: %w", pattern, err))
		}

		if len(keys) > 0 {
			n, err := s.Delete(ctx, keys...)
			deleted += n
			if err != nil {
				return deleted, err
			}
		}

		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.ErrTransport.WithCause(fmt.Errorf("redis PING failed: %w", err))
	}
	return nil
}
