package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/register/internal/cart"
	"kasirinaja/register/internal/cashsession"
	"kasirinaja/register/internal/checkout"
	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/heldsale"
	"kasirinaja/register/internal/money"
	"kasirinaja/register/internal/store/memory"
)

func newTestService() *Service {
	repo := memory.NewSeeded("t1")
	clock := func() time.Time { return time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC) }
	sessions := cashsession.NewManager(repo, repo, cashsession.WithClock(clock))
	held := heldsale.NewQueue(repo, heldsale.WithClock(clock))
	finalizer := checkout.NewFinalizer(sessions, repo, held, checkout.WithClock(clock))
	return New(sessions, held, finalizer, repo, repo)
}

func actorCtx(operator string) context.Context {
	return WithActor(context.Background(), Actor{TenantID: "t1", OperatorID: operator, Name: "Kasir " + operator})
}

func addSearched(t *testing.T, svc *Service, ctx context.Context, query string, productID string, qty int) CartView {
	t.Helper()
	if _, _, err := svc.SearchProducts(ctx, query); err != nil {
		t.Fatalf("search %q failed: %v", query, err)
	}
	view, err := svc.AddItem(ctx, AddItemRequest{ProductID: productID, Quantity: qty})
	if err != nil {
		t.Fatalf("add %s failed: %v", productID, err)
	}
	return view
}

func TestCommandsRequireActor(t *testing.T) {
	svc := newTestService()
	if _, err := svc.Cart(context.Background()); !errors.Is(err, ErrNoActor) {
		t.Fatalf("expected ErrNoActor, got %v", err)
	}
	ctx := WithActor(context.Background(), Actor{TenantID: "t1"})
	if _, err := svc.Cart(ctx); !errors.Is(err, domain.ErrInvalidScope) {
		t.Fatalf("expected ErrInvalidScope, got %v", err)
	}
	if _, ok := ScopeFromContext(actorCtx("op1")); !ok {
		t.Fatalf("expected scope in context")
	}
}

func TestCheckoutRequiresOpenSession(t *testing.T) {
	svc := newTestService()
	ctx := actorCtx("op1")
	addSearched(t, svc, ctx, "mie", "prd-mie", 2)

	_, err := svc.Checkout(ctx, domain.PaymentOutcome{Method: domain.MethodCash, Tendered: 10000})
	if !errors.Is(err, domain.ErrRegisterClosed) {
		t.Fatalf("expected ErrRegisterClosed, got %v", err)
	}
	view, _ := svc.Cart(ctx)
	if len(view.Lines) != 1 || view.Total != 7000 {
		t.Fatalf("cart must be untouched, got %+v", view)
	}
}

func TestSaleAndCloseRoundTrip(t *testing.T) {
	svc := newTestService()
	ctx := actorCtx("op1")

	session, err := svc.OpenSession(ctx, 10000)
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}
	if session.OpenedBy != "Kasir op1" {
		t.Fatalf("expected actor name as opener, got %q", session.OpenedBy)
	}

	view := addSearched(t, svc, ctx, "mie", "prd-mie", 10)
	if view.Lines[0].UnitPrice != 3200 {
		t.Fatalf("expected tier price 3200, got %d", view.Lines[0].UnitPrice)
	}
	if view.Total != 32000 {
		t.Fatalf("expected total 32000, got %d", view.Total)
	}

	sale, err := svc.Checkout(ctx, domain.PaymentOutcome{Method: domain.MethodCash, Tendered: 50000})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if sale.ChangeGiven == nil || *sale.ChangeGiven != 18000 {
		t.Fatalf("expected change 18000, got %v", sale.ChangeGiven)
	}
	if view, _ := svc.Cart(ctx); len(view.Lines) != 0 {
		t.Fatalf("expected cleared cart after checkout")
	}

	if _, err := svc.RecordOperation(ctx, domain.OperationWithdrawal, 2000, " bank deposit "); err != nil {
		t.Fatalf("record operation failed: %v", err)
	}
	ops, err := svc.Operations(ctx)
	if err != nil || len(ops) != 1 || ops[0].Description != "bank deposit" {
		t.Fatalf("unexpected operations %+v err=%v", ops, err)
	}

	closed, err := svc.CloseSession(ctx, map[domain.PaymentMethod]money.Amount{domain.MethodCash: 40000}, "")
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if closed.TotalDifference == nil || *closed.TotalDifference != 0 {
		t.Fatalf("expected balanced close, got %v", closed.TotalDifference)
	}
	status, err := svc.SessionStatus(ctx)
	if err != nil || status.State != domain.StateClosed {
		t.Fatalf("expected closed state, got %+v err=%v", status, err)
	}
}

func TestParkResumeAndFinalizeRemovesHeldSale(t *testing.T) {
	svc := newTestService()
	ctx := actorCtx("op1")
	if _, err := svc.OpenSession(ctx, 0); err != nil {
		t.Fatalf("open session failed: %v", err)
	}

	addSearched(t, svc, ctx, "roti", "prd-roti", 1)
	if _, err := svc.AddItem(ctx, AddItemRequest{ProductID: "prd-air", VariantID: "1500ml", Quantity: 2}); err == nil {
		t.Fatalf("expected error for product outside current results")
	}
	addSearched(t, svc, ctx, "air", "prd-air", 1)
	if _, err := svc.SetCustomer(ctx, "cst-budi", "Budi Santoso"); err != nil {
		t.Fatalf("set customer failed: %v", err)
	}

	id, err := svc.ParkSale(ctx, "")
	if err != nil {
		t.Fatalf("park failed: %v", err)
	}
	if view, _ := svc.Cart(ctx); len(view.Lines) != 0 {
		t.Fatalf("expected empty cart after park")
	}
	held, err := svc.HeldSales(ctx)
	if err != nil || len(held) != 1 {
		t.Fatalf("expected one held sale, got %d err=%v", len(held), err)
	}
	if held[0].Total != 21700 || held[0].CustomerLabel != "Budi Santoso" {
		t.Fatalf("unexpected held sale %+v", held[0])
	}

	other := actorCtx("op2")
	if held, _ := svc.HeldSales(other); len(held) != 0 {
		t.Fatalf("held sales leaked to another operator")
	}

	addSearched(t, svc, ctx, "teh", "prd-teh", 1)
	if _, err := svc.ResumeSale(ctx, id); !errors.Is(err, ErrCartInUse) {
		t.Fatalf("expected ErrCartInUse, got %v", err)
	}
	if _, err := svc.ClearCart(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	view, err := svc.ResumeSale(ctx, id)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if view.HeldSaleID != id || view.Total != 21700 || view.CustomerID != "cst-budi" {
		t.Fatalf("unexpected resumed cart %+v", view)
	}

	if _, err := svc.Checkout(ctx, domain.PaymentOutcome{Method: domain.MethodQRIS, Reference: "QR-1"}); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if held, _ := svc.HeldSales(ctx); len(held) != 0 {
		t.Fatalf("held sale must be removed after finalize, got %d", len(held))
	}
}

func TestReparkReplacesPreviousHeldSale(t *testing.T) {
	svc := newTestService()
	ctx := actorCtx("op1")
	addSearched(t, svc, ctx, "gula", "prd-gula", 1)
	first, err := svc.ParkSale(ctx, "meja 1")
	if err != nil {
		t.Fatalf("park failed: %v", err)
	}
	if _, err := svc.ResumeSale(ctx, first); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	qty := 3
	if _, err := svc.UpdateItem(ctx, domain.LineKey{ProductID: "prd-gula"}, cart.LinePatch{Quantity: &qty}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	second, err := svc.ParkSale(ctx, "meja 1")
	if err != nil {
		t.Fatalf("re-park failed: %v", err)
	}

	held, _ := svc.HeldSales(ctx)
	if len(held) != 1 || held[0].ID != second || held[0].Total != 52200 {
		t.Fatalf("expected only the re-parked sale, got %+v", held)
	}
	if err := svc.DiscardHeldSale(ctx, first); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for replaced sale, got %v", err)
	}
}

func TestManualItemAndDiscount(t *testing.T) {
	svc := newTestService()
	ctx := actorCtx("op1")
	price := money.Amount(10000)
	view, err := svc.AddItem(ctx, AddItemRequest{
		ProductID: "custom-1", Name: "Jasa Antar", Quantity: 1, UnitPrice: &price,
		DiscountPercent: decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("add manual item failed: %v", err)
	}
	if view.Total != 9000 || view.Discount != 1000 {
		t.Fatalf("unexpected totals %+v", view)
	}
	view, err = svc.RemoveItem(ctx, domain.LineKey{ProductID: "custom-1"})
	if err != nil || len(view.Lines) != 0 {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := svc.RemoveItem(ctx, domain.LineKey{ProductID: "custom-1"}); !errors.Is(err, domain.ErrLineNotFound) {
		t.Fatalf("expected ErrLineNotFound, got %v", err)
	}
}

func TestSwitchBranchAndCustomers(t *testing.T) {
	svc := newTestService()
	ctx := actorCtx("op1")
	lc, err := svc.SwitchBranch(ctx, " B2 ")
	if err != nil || lc.BranchID != "B2" || lc.TenantID != "t1" {
		t.Fatalf("unexpected context %+v err=%v", lc, err)
	}
	if got, _ := svc.LookupContext(ctx); got != lc {
		t.Fatalf("lookup context not switched: %+v", got)
	}

	id, err := svc.CreateCustomer(ctx, domain.CustomerFields{Name: "Dewi"})
	if err != nil {
		t.Fatalf("create customer failed: %v", err)
	}
	_, customers, err := svc.SearchCustomers(ctx, "dewi")
	if err != nil || len(customers) != 1 || customers[0].ID != id {
		t.Fatalf("unexpected customers %+v err=%v", customers, err)
	}
}

func TestMergedAddReachesQuantityTier(t *testing.T) {
	svc := newTestService()
	ctx := actorCtx("op1")

	view := addSearched(t, svc, ctx, "mie", "prd-mie", 5)
	if view.Lines[0].UnitPrice != 3500 {
		t.Fatalf("expected base price 3500, got %d", view.Lines[0].UnitPrice)
	}
	view, err := svc.AddItem(ctx, AddItemRequest{ProductID: "prd-mie", Quantity: 5})
	if err != nil {
		t.Fatalf("second add failed: %v", err)
	}
	if len(view.Lines) != 1 || view.Lines[0].Quantity != 10 {
		t.Fatalf("expected one merged line of 10, got %+v", view.Lines)
	}
	if view.Lines[0].UnitPrice != 3200 || view.Total != 32000 {
		t.Fatalf("expected tier price 3200 and total 32000, got %d / %d", view.Lines[0].UnitPrice, view.Total)
	}

	if _, err := svc.AddItem(ctx, AddItemRequest{ProductID: "prd-mie", Quantity: cart.MaxQuantity}); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity past the line cap, got %v", err)
	}
	view, _ = svc.Cart(ctx)
	if view.Lines[0].Quantity != 10 || view.Total != 32000 {
		t.Fatalf("rejected add must leave the line alone, got %+v", view.Lines[0])
	}
}
