package cache

import (
	"context"
	"errors"
	"iter"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/store"
)

// CachedCatalog decorates a catalog with a read-through cache. Concurrent
// misses for the same search share one upstream call.
type CachedCatalog struct {
	inner  store.CatalogLookup
	cache  CatalogCache
	ttl    time.Duration
	logger *zap.Logger
	sfg    singleflight.Group
}

func NewCachedCatalog(inner store.CatalogLookup, cache CatalogCache, ttl time.Duration, logger *zap.Logger) *CachedCatalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedCatalog{inner: inner, cache: cache, ttl: ttl, logger: logger}
}

func (c *CachedCatalog) SearchProducts(ctx context.Context, lc domain.LookupContext, query string) iter.Seq2[domain.Product, error] {
	return func(yield func(domain.Product, error) bool) {
		products, err := c.load(ctx, lc, query)
		if err != nil {
			yield(domain.Product{}, err)
			return
		}
		for _, p := range products {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func (c *CachedCatalog) load(ctx context.Context, lc domain.LookupContext, query string) ([]domain.Product, error) {
	key := searchKey(lc, query)
	ch := c.sfg.DoChan(key, func() (any, error) {
		// the shared call outlives any single caller's cancellation
		shared := context.WithoutCancel(ctx)

		products, err := c.cache.Get(shared, key)
		if err == nil {
			return products, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("catalog cache get failed", zap.String("key", key), zap.Error(err))
		}

		products, err = store.Collect(c.inner.SearchProducts(shared, lc, query))
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(shared, key, products, c.ttl); err != nil {
			c.logger.Warn("catalog cache set failed", zap.String("key", key), zap.Error(err))
		}
		return products, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		products := res.Val.([]domain.Product)
		return append([]domain.Product(nil), products...), nil
	}
}
