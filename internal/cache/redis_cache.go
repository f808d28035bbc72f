package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tillsync/backend/internal/domain"
)

type RedisAuthorizationCache struct {
	client *redis.Client
}

func NewRedisAuthorizationCache(addr string, password string, db int) *RedisAuthorizationCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisAuthorizationCache{client: client}
}

func (c *RedisAuthorizationCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisAuthorizationCache) Close() error {
	return c.client.Close()
}

func (c *RedisAuthorizationCache) Get(ctx context.Context, key string) (*domain.AuthorizationResult, bool, error) {
	val, err := c.client.Get(ctx, "auth:"+key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var result domain.AuthorizationResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, false, err
	}
	return &result, true, nil
}

func (c *RedisAuthorizationCache) Set(ctx context.Context, key string, value *domain.AuthorizationResult, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, "auth:"+key, payload, ttl).Err()
}
