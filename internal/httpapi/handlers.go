package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"kasirinaja/register/internal/cart"
	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/money"
	"kasirinaja/register/internal/service"
)

func lineKey(r *http.Request) domain.LineKey {
	return domain.LineKey{
		ProductID: strings.TrimSpace(chi.URLParam(r, "productID")),
		VariantID: strings.TrimSpace(r.URL.Query().Get("variant")),
	}
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.Cart(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleClearCart(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.ClearCart(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleSetCustomer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID string `json:"customer_id"`
		Label      string `json:"label"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SetCustomer(r.Context(), req.CustomerID, req.Label)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleAddLine(w http.ResponseWriter, r *http.Request) {
	var req service.AddItemRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.AddItem(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleUpdateLine(w http.ResponseWriter, r *http.Request) {
	var patch cart.LinePatch
	if err := decodeJSON(r, &patch); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.UpdateItem(r.Context(), lineKey(r), patch)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.RemoveItem(r.Context(), lineKey(r))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleListHeld(w http.ResponseWriter, r *http.Request) {
	held, err := a.service.HeldSales(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"held_sales": held})
}

func (a *API) handlePark(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	id, err := a.service.ParkSale(r.Context(), req.Label)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.ResumeSale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleDiscardHeld(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DiscardHeldSale(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.SessionStatus(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OpeningAmount money.Amount `json:"opening_amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := a.service.OpenSession(r.Context(), req.OpeningAmount)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (a *API) handleListOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := a.service.Operations(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (a *API) handleRecordOperation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type        domain.OperationType `json:"type"`
		Amount      money.Amount         `json:"amount"`
		Description string               `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	op, err := a.service.RecordOperation(r.Context(), req.Type, req.Amount, req.Description)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

func (a *API) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Counted map[domain.PaymentMethod]money.Amount `json:"counted"`
		Reason  string                                `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := a.service.CloseSession(r.Context(), req.Counted, req.Reason)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type checkoutRequest struct {
	Method    string                `json:"method"`
	Tendered  money.Amount          `json:"tendered"`
	Reference string                `json:"reference"`
	Splits    []domain.PaymentSplit `json:"splits"`
	Pending   bool                  `json:"pending"`
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	sale, err := a.service.Checkout(r.Context(), domain.PaymentOutcome{
		Method:    domain.ParsePaymentMethod(req.Method),
		Tendered:  req.Tendered,
		Reference: strings.TrimSpace(req.Reference),
		Splits:    req.Splits,
		Pending:   req.Pending,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sale)
}

func (a *API) handleLookupContext(w http.ResponseWriter, r *http.Request) {
	lc, err := a.service.LookupContext(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lc)
}

func (a *API) handleSwitchContext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BranchID string `json:"branch_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	lc, err := a.service.SwitchBranch(r.Context(), req.BranchID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lc)
}

// Search handlers answer 200 even when the search lost to a newer one; the
// body then carries the newer results and outcome "stale".
func (a *API) handleSearchProducts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	outcome, products, err := a.service.SearchProducts(r.Context(), query)
	if err != nil {
		a.searchFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome":  outcome.String(),
		"query":    strings.TrimSpace(query),
		"products": products,
	})
}

func (a *API) handleSearchCustomers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	outcome, customers, err := a.service.SearchCustomers(r.Context(), query)
	if err != nil {
		a.searchFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome":   outcome.String(),
		"query":     strings.TrimSpace(query),
		"customers": customers,
	})
}

func (a *API) searchFailed(w http.ResponseWriter, err error) {
	if status := statusFor(err); status != http.StatusInternalServerError {
		a.writeError(w, status, err)
		return
	}
	a.writeError(w, http.StatusServiceUnavailable, err)
}

func (a *API) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var fields domain.CustomerFields
	if err := decodeJSON(r, &fields); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := a.service.CreateCustomer(r.Context(), fields)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}
