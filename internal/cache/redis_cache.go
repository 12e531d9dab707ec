package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirinaja/register/internal/domain"
)

type RedisCatalogCache struct {
	client *redis.Client
}

func NewRedisCatalogCache(client *redis.Client) *RedisCatalogCache {
	return &RedisCatalogCache{client: client}
}

func (c *RedisCatalogCache) Get(ctx context.Context, key string) ([]domain.Product, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var products []domain.Product
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, fmt.Errorf("unmarshal products failed: %w", err)
	}
	return products, nil
}

func (c *RedisCatalogCache) Set(ctx context.Context, key string, products []domain.Product, ttl time.Duration) error {
	payload, err := json.Marshal(products)
	if err != nil {
		return fmt.Errorf("marshal products failed: %w", err)
	}
	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}
