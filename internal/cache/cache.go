// Package cache keeps catalog search results close to the register. The
// catalog changes rarely compared with how often terminals search it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kasirinaja/register/internal/domain"
)

var ErrCacheMiss = errors.New("cache miss")

type CatalogCache interface {
	Get(ctx context.Context, key string) ([]domain.Product, error)
	Set(ctx context.Context, key string, products []domain.Product, ttl time.Duration) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) Get(_ context.Context, _ string) ([]domain.Product, error) {
	return nil, ErrCacheMiss
}

func (NoopCatalogCache) Set(_ context.Context, _ string, _ []domain.Product, _ time.Duration) error {
	return nil
}

func searchKey(lc domain.LookupContext, query string) string {
	return fmt.Sprintf("catalog:%s:%s:%s", lc.TenantID, lc.BranchID, strings.ToLower(strings.TrimSpace(query)))
}
