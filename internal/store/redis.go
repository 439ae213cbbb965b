package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps each document under <prefix><name> as a plain string key.
type RedisBackend struct {
	client redis.Cmdable
	prefix string
}

func NewRedisBackend(client redis.Cmdable, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "chatpoints:doc:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) Load(ctx context.Context, name string) ([]byte, error) {
	payload, err := b.client.Get(ctx, b.prefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", name, err)
	}
	return payload, nil
}

func (b *RedisBackend) Save(ctx context.Context, name string, payload []byte) error {
	if err := b.client.Set(ctx, b.prefix+name, payload, 0).Err(); err != nil {
		return fmt.Errorf("set document %s: %w", name, err)
	}
	return nil
}
