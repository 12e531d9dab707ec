package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/register/internal/cart"
	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/heldsale"
	"kasirinaja/register/internal/money"
	"kasirinaja/register/internal/store"
)

var scope = domain.Scope{TenantID: "t1", OperatorID: "op1"}

func setupTestRedis(t *testing.T) (*HeldSaleStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewHeldSaleStore(client), mr
}

func held(id string, at time.Time) domain.HeldSale {
	return domain.HeldSale{
		ID: id, TenantID: scope.TenantID, OperatorID: scope.OperatorID, CreatedAt: at,
		Cart: domain.CartSnapshot{Lines: []domain.CartLine{{ProductID: "p", Name: "P", UnitPrice: 1000, Quantity: 2, DiscountPercent: decimal.NewFromInt(5)}}},
	}
}

func TestSaveGetDelete(t *testing.T) {
	ctx := context.Background()
	s, mr := setupTestRedis(t)
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveHeldSale(ctx, scope, held("h1", at)))
	assert.True(t, mr.Exists("held:t1:op1"))
	assert.True(t, mr.Exists("held:t1:op1:order"))

	got, err := s.GetHeldSale(ctx, scope, "h1")
	require.NoError(t, err)
	assert.Equal(t, "h1", got.ID)
	assert.True(t, got.Cart.Lines[0].DiscountPercent.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, money.MustParse("19.00"), got.Cart.Total())

	require.NoError(t, s.DeleteHeldSale(ctx, scope, "h1"))
	assert.ErrorIs(t, s.DeleteHeldSale(ctx, scope, "h1"), store.ErrNotFound)
	_, err = s.GetHeldSale(ctx, scope, "h1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListOrderedByCreation(t *testing.T) {
	ctx := context.Background()
	s, _ := setupTestRedis(t)
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveHeldSale(ctx, scope, held("late", at.Add(time.Minute))))
	require.NoError(t, s.SaveHeldSale(ctx, scope, held("early", at)))
	require.NoError(t, s.SaveHeldSale(ctx, domain.Scope{TenantID: "t1", OperatorID: "op2"}, held("other", at)))

	list, err := s.ListHeldSales(ctx, scope)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "early", list[0].ID)
	assert.Equal(t, "late", list[1].ID)
}

func TestListOrdersParksMicrosecondsApart(t *testing.T) {
	ctx := context.Background()
	s, _ := setupTestRedis(t)
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	// ids sort opposite to park order
	require.NoError(t, s.SaveHeldSale(ctx, scope, held("z-first", at)))
	require.NoError(t, s.SaveHeldSale(ctx, scope, held("a-second", at.Add(time.Microsecond))))

	list, err := s.ListHeldSales(ctx, scope)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "z-first", list[0].ID)
	assert.Equal(t, "a-second", list[1].ID)
}

func TestSaveRejectsExistingID(t *testing.T) {
	ctx := context.Background()
	s, _ := setupTestRedis(t)
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveHeldSale(ctx, scope, held("h1", at)))
	changed := held("h1", at.Add(time.Hour))
	changed.CustomerLabel = "rewritten"
	assert.ErrorIs(t, s.SaveHeldSale(ctx, scope, changed), store.ErrConflict)

	got, err := s.GetHeldSale(ctx, scope, "h1")
	require.NoError(t, err)
	assert.Empty(t, got.CustomerLabel)
	list, err := s.ListHeldSales(ctx, scope)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].CreatedAt.Equal(at))
}

func TestHeldSaleSurvivesNewClient(t *testing.T) {
	ctx := context.Background()
	s, mr := setupTestRedis(t)

	q := heldsale.NewQueue(s)
	c := cart.New()
	require.NoError(t, c.AddOrMergeLine(cart.ProductRef{ProductID: "a", Name: "A"}, 1, money.MustParse("10.00"), decimal.Zero))
	require.NoError(t, c.AddOrMergeLine(cart.ProductRef{ProductID: "b", Name: "B"}, 3, money.MustParse("5.00"), decimal.NewFromInt(10)))
	id, err := q.Park(ctx, scope, c, "Table 2")
	require.NoError(t, err)

	// a restarted register connects afresh
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	restarted := heldsale.NewQueue(NewHeldSaleStore(client))

	resumed, err := restarted.Resume(ctx, scope, id)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("23.50"), resumed.Total)
	restored := cart.FromSnapshot(resumed.Cart).Lines()
	require.Len(t, restored, 2)
	for i, line := range c.Lines() {
		assert.Equal(t, line.Key(), restored[i].Key())
		assert.Equal(t, line.Quantity, restored[i].Quantity)
		assert.Equal(t, line.UnitPrice, restored[i].UnitPrice)
		assert.True(t, line.DiscountPercent.Equal(restored[i].DiscountPercent))
	}
}
