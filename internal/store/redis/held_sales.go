// Package redis keeps held sales in Redis so that a parked cart survives a
// register restart. Each operator has a hash of held sales keyed by id and a
// sorted set ordering them by the time they were parked.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/store"
)

type HeldSaleStore struct {
	client *goredis.Client
}

func NewHeldSaleStore(client *goredis.Client) *HeldSaleStore {
	return &HeldSaleStore{client: client}
}

func (s *HeldSaleStore) SaveHeldSale(ctx context.Context, scope domain.Scope, held domain.HeldSale) error {
	payload, err := json.Marshal(held)
	if err != nil {
		return fmt.Errorf("marshal held sale failed: %w", err)
	}
	var added *goredis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		added = pipe.HSetNX(ctx, hashKey(scope), held.ID, payload)
		pipe.ZAddNX(ctx, orderKey(scope), goredis.Z{Score: orderScore(held.CreatedAt), Member: held.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save held sale failed: %w", err)
	}
	if !added.Val() {
		return store.ErrConflict
	}
	return nil
}

func (s *HeldSaleStore) GetHeldSale(ctx context.Context, scope domain.Scope, id string) (*domain.HeldSale, error) {
	data, err := s.client.HGet(ctx, hashKey(scope), id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get held sale failed: %w", err)
	}
	var held domain.HeldSale
	if err := json.Unmarshal(data, &held); err != nil {
		return nil, fmt.Errorf("unmarshal held sale failed: %w", err)
	}
	return &held, nil
}

func (s *HeldSaleStore) DeleteHeldSale(ctx context.Context, scope domain.Scope, id string) error {
	var removed *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		removed = pipe.HDel(ctx, hashKey(scope), id)
		pipe.ZRem(ctx, orderKey(scope), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete held sale failed: %w", err)
	}
	if removed.Val() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *HeldSaleStore) ListHeldSales(ctx context.Context, scope domain.Scope) ([]domain.HeldSale, error) {
	ids, err := s.client.ZRange(ctx, orderKey(scope), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list held sales failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	values, err := s.client.HMGet(ctx, hashKey(scope), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list held sales failed: %w", err)
	}

	result := make([]domain.HeldSale, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// order entry without a payload; a concurrent delete got there first
			continue
		}
		var held domain.HeldSale
		if err := json.Unmarshal([]byte(raw), &held); err != nil {
			return nil, fmt.Errorf("unmarshal held sale %s failed: %w", ids[i], err)
		}
		result = append(result, held)
	}
	return result, nil
}

// orderScore is in microseconds, which a float64 score holds exactly.
func orderScore(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func hashKey(scope domain.Scope) string {
	return fmt.Sprintf("held:%s:%s", scope.TenantID, scope.OperatorID)
}

func orderKey(scope domain.Scope) string {
	return hashKey(scope) + ":order"
}
