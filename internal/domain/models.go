package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/register/internal/money"
)

// DateLayout is the layout of a business date.
const DateLayout = "2006-01-02"

type PaymentMethod string

const (
	MethodCash     PaymentMethod = "cash"
	MethodCard     PaymentMethod = "card"
	MethodQRIS     PaymentMethod = "qris"
	MethodEWallet  PaymentMethod = "ewallet"
	MethodTransfer PaymentMethod = "transfer"
	// MethodSplit is recorded on a sale paid with more than one tender.
	MethodSplit PaymentMethod = "split"
)

// Tender reports whether m can settle money on its own (split cannot).
func (m PaymentMethod) Tender() bool {
	switch m {
	case MethodCash, MethodCard, MethodQRIS, MethodEWallet, MethodTransfer:
		return true
	}
	return false
}

func ParsePaymentMethod(raw string) PaymentMethod {
	return PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
}

type Scope struct {
	TenantID   string `json:"tenant_id"`
	OperatorID string `json:"operator_id"`
}

func (s Scope) Validate() error {
	if strings.TrimSpace(s.TenantID) == "" || strings.TrimSpace(s.OperatorID) == "" {
		return ErrInvalidScope
	}
	return nil
}

func (s Scope) String() string {
	return s.TenantID + "/" + s.OperatorID
}

// LookupContext selects the tenant and branch that catalog and customer
// searches run against.
type LookupContext struct {
	TenantID string `json:"tenant_id"`
	BranchID string `json:"branch_id"`
}

type LineKey struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
}

func (k LineKey) String() string {
	variant := k.VariantID
	if variant == "" {
		variant = "none"
	}
	return k.ProductID + ":" + variant
}

type CartLine struct {
	ProductID       string          `json:"product_id"`
	VariantID       string          `json:"variant_id,omitempty"`
	Name            string          `json:"name"`
	UnitPrice       money.Amount    `json:"unit_price"`
	Quantity        int             `json:"quantity"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
}

func (l CartLine) Key() LineKey {
	return LineKey{ProductID: l.ProductID, VariantID: l.VariantID}
}

// Subtotal is unit price times quantity.
func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Times(l.Quantity)
}

// Net is the subtotal after the line discount. It is not rounded.
func (l CartLine) Net() decimal.Decimal {
	return money.ApplyDiscount(l.Subtotal(), l.DiscountPercent)
}

type CartSnapshot struct {
	Lines         []CartLine `json:"lines"`
	CustomerID    string     `json:"customer_id,omitempty"`
	CustomerLabel string     `json:"customer_label,omitempty"`
}

func (s CartSnapshot) Clone() CartSnapshot {
	out := s
	out.Lines = append([]CartLine(nil), s.Lines...)
	return out
}

// Total sums the net of every line and rounds once.
func (s CartSnapshot) Total() money.Amount {
	sum := decimal.Zero
	for _, line := range s.Lines {
		sum = sum.Add(line.Net())
	}
	return money.FromDecimal(sum)
}

type HeldSale struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenant_id"`
	OperatorID    string       `json:"operator_id"`
	Cart          CartSnapshot `json:"cart"`
	CustomerID    string       `json:"customer_id,omitempty"`
	CustomerLabel string       `json:"customer_label"`
	Total         money.Amount `json:"total"`
	LineCount     int          `json:"line_count"`
	CreatedAt     time.Time    `json:"created_at"`
}

type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

// State is the register state seen by an operator for the current business date.
type State string

const (
	StateNoSession State = "no_session"
	StateOpen      State = "open"
	StateClosed    State = "closed"
	// StateClosing is reported while a close is reconciling the session.
	StateClosing State = "closing"
)

type CashSession struct {
	ID              string                         `json:"id"`
	TenantID        string                         `json:"tenant_id"`
	OperatorID      string                         `json:"operator_id"`
	BusinessDate    string                         `json:"business_date"`
	OpenedAt        time.Time                      `json:"opened_at"`
	OpenedBy        string                         `json:"opened_by"`
	OpeningAmount   money.Amount                   `json:"opening_amount"`
	Status          SessionStatus                  `json:"status"`
	ClosedAt        *time.Time                     `json:"closed_at,omitempty"`
	ClosingAmounts  map[PaymentMethod]money.Amount `json:"closing_amounts,omitempty"`
	ExpectedAmounts map[PaymentMethod]money.Amount `json:"expected_amounts,omitempty"`
	Differences     map[PaymentMethod]money.Amount `json:"differences,omitempty"`
	TotalDifference *money.Amount                  `json:"total_difference,omitempty"`
	Notes           string                         `json:"notes,omitempty"`
}

func (s CashSession) Scope() Scope {
	return Scope{TenantID: s.TenantID, OperatorID: s.OperatorID}
}

func (s CashSession) Clone() CashSession {
	out := s
	out.ClosingAmounts = cloneAmounts(s.ClosingAmounts)
	out.ExpectedAmounts = cloneAmounts(s.ExpectedAmounts)
	out.Differences = cloneAmounts(s.Differences)
	if s.ClosedAt != nil {
		at := *s.ClosedAt
		out.ClosedAt = &at
	}
	if s.TotalDifference != nil {
		diff := *s.TotalDifference
		out.TotalDifference = &diff
	}
	return out
}

func cloneAmounts(in map[PaymentMethod]money.Amount) map[PaymentMethod]money.Amount {
	if in == nil {
		return nil
	}
	out := make(map[PaymentMethod]money.Amount, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type OperationType string

const (
	OperationSupply     OperationType = "supply"
	OperationWithdrawal OperationType = "withdrawal"
)

func (t OperationType) Valid() bool {
	return t == OperationSupply || t == OperationWithdrawal
}

type CashOperation struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Type        OperationType `json:"type"`
	Amount      money.Amount  `json:"amount"`
	Description string        `json:"description"`
	Operator    string        `json:"operator"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Signed returns the effect of the operation on the cash drawer.
func (o CashOperation) Signed() money.Amount {
	if o.Type == OperationWithdrawal {
		return -o.Amount
	}
	return o.Amount
}

type SaleStatus string

const (
	SalePaid    SaleStatus = "paid"
	SalePending SaleStatus = "pending"
	SaleVoid    SaleStatus = "void"
)

type PaymentSplit struct {
	Method    PaymentMethod `json:"method"`
	Amount    money.Amount  `json:"amount"`
	Reference string        `json:"reference,omitempty"`
}

// PaymentOutcome is what the payment step reports back to the finalizer.
type PaymentOutcome struct {
	Method    PaymentMethod  `json:"method"`
	Tendered  money.Amount   `json:"tendered"`
	Change    money.Amount   `json:"change"`
	Reference string         `json:"reference,omitempty"`
	Splits    []PaymentSplit `json:"splits,omitempty"`
	Pending   bool           `json:"pending"`
}

type Sale struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	OperatorID       string         `json:"operator_id"`
	SessionID        string         `json:"session_id"`
	HeldSaleID       string         `json:"held_sale_id,omitempty"`
	Lines            []CartLine     `json:"lines"`
	CustomerID       string         `json:"customer_id,omitempty"`
	CustomerLabel    string         `json:"customer_label,omitempty"`
	Subtotal         money.Amount   `json:"subtotal"`
	DiscountTotal    money.Amount   `json:"discount_total"`
	Total            money.Amount   `json:"total"`
	PaymentMethod    PaymentMethod  `json:"payment_method"`
	PaymentReference string         `json:"payment_reference,omitempty"`
	Splits           []PaymentSplit `json:"splits,omitempty"`
	AmountTendered   *money.Amount  `json:"amount_tendered,omitempty"`
	ChangeGiven      *money.Amount  `json:"change_given,omitempty"`
	Status           SaleStatus     `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
}

// AmountsByMethod attributes the sale total to payment methods. A split sale
// contributes each split to its own method.
func (s Sale) AmountsByMethod() map[PaymentMethod]money.Amount {
	out := map[PaymentMethod]money.Amount{}
	if s.PaymentMethod == MethodSplit {
		for _, split := range s.Splits {
			out[split.Method] += split.Amount
		}
		return out
	}
	out[s.PaymentMethod] += s.Total
	return out
}

// Reconciliation compares expected and counted amounts per payment method.
type Reconciliation struct {
	Methods         []PaymentMethod                `json:"methods"`
	Expected        map[PaymentMethod]money.Amount `json:"expected"`
	Counted         map[PaymentMethod]money.Amount `json:"counted"`
	Differences     map[PaymentMethod]money.Amount `json:"differences"`
	TotalDifference money.Amount                   `json:"total_difference"`
}

// SortMethods orders methods with cash first and the rest alphabetically.
func SortMethods(methods []PaymentMethod) {
	sort.Slice(methods, func(i, j int) bool {
		if methods[i] == MethodCash || methods[j] == MethodCash {
			return methods[i] == MethodCash && methods[j] != MethodCash
		}
		return methods[i] < methods[j]
	})
}

type Variant struct {
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	Price money.Amount `json:"price"`
}

type TieredPrice struct {
	MinQuantity int          `json:"min_quantity"`
	Price       money.Amount `json:"price"`
}

type Product struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenant_id"`
	BranchID     string        `json:"branch_id,omitempty"`
	Name         string        `json:"name"`
	Code         string        `json:"code"`
	Price        money.Amount  `json:"price"`
	Variants     []Variant     `json:"variants,omitempty"`
	TieredPrices []TieredPrice `json:"tiered_prices,omitempty"`
}

// PriceFor resolves the unit price for a variant and quantity. A variant price
// replaces the base price; the tier with the highest minimum quantity that the
// quantity reaches applies to the base price only.
func (p Product) PriceFor(variantID string, quantity int) (money.Amount, bool) {
	if variantID != "" {
		for _, v := range p.Variants {
			if v.ID == variantID {
				return v.Price, true
			}
		}
		return 0, false
	}
	price := p.Price
	best := 0
	for _, tier := range p.TieredPrices {
		if quantity >= tier.MinQuantity && tier.MinQuantity > best {
			best = tier.MinQuantity
			price = tier.Price
		}
	}
	return price, true
}

func (p Product) VariantName(variantID string) string {
	for _, v := range p.Variants {
		if v.ID == variantID {
			return p.Name + " - " + v.Name
		}
	}
	return p.Name
}

type Customer struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
	Document string `json:"document,omitempty"`
	Address  string `json:"address,omitempty"`
}

type CustomerFields struct {
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
	Document string `json:"document,omitempty"`
	Address  string `json:"address,omitempty"`
}
