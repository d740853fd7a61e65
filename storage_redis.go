package dmsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStorage stores the cache record in Redis so several client processes
// of the same user share one cache. Writes are last-writer-wins.
type RedisStorage struct {
	cli *redis.Client
}

// NewRedisStorage connects and pings the server at url (redis://...).
func NewRedisStorage(ctx context.Context, url string) (*RedisStorage, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStorage{cli: cli}, nil
}

func (s *RedisStorage) Load(ctx context.Context, key string) ([]byte, error) {
	val, err := s.cli.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

func (s *RedisStorage) Save(ctx context.Context, key string, data []byte) error {
	if err := s.cli.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStorage) Close() error {
	return s.cli.Close()
}
