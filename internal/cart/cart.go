// Package cart is the in-progress sale of a single terminal. A Cart has one
// writer; callers that share a cart across goroutines serialize access.
package cart

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/money"
)

// MaxQuantity bounds the quantity of a single line.
const MaxQuantity = 100_000

type ProductRef struct {
	ProductID string
	VariantID string
	Name      string
}

// LinePatch changes selected fields of a line. Nil fields are left alone.
type LinePatch struct {
	Quantity        *int             `json:"quantity,omitempty"`
	UnitPrice       *money.Amount    `json:"unit_price,omitempty"`
	DiscountPercent *decimal.Decimal `json:"discount_percent,omitempty"`
}

type Cart struct {
	lines         []domain.CartLine
	customerID    string
	customerLabel string
}

func New() *Cart {
	return &Cart{}
}

func FromSnapshot(snapshot domain.CartSnapshot) *Cart {
	s := snapshot.Clone()
	return &Cart{lines: s.Lines, customerID: s.CustomerID, customerLabel: s.CustomerLabel}
}

// AddOrMergeLine appends a line, or when a line with the same product and
// variant exists, adds quantity to it and overwrites its discount. The
// existing line keeps its name and unit price.
func (c *Cart) AddOrMergeLine(ref ProductRef, quantity int, unitPrice money.Amount, discount decimal.Decimal) error {
	if strings.TrimSpace(ref.ProductID) == "" {
		return domain.ErrInvalidProduct
	}
	if quantity <= 0 {
		return domain.ErrInvalidQuantity
	}
	if quantity > MaxQuantity {
		return fmt.Errorf("%w: quantity %d exceeds %d", domain.ErrInvalidQuantity, quantity, MaxQuantity)
	}
	if err := checkPrice(unitPrice); err != nil {
		return err
	}
	if !money.ValidPercent(discount) {
		return domain.ErrInvalidDiscount
	}

	lines := c.Lines()
	key := domain.LineKey{ProductID: ref.ProductID, VariantID: ref.VariantID}
	if idx := c.indexOf(key); idx >= 0 {
		lines[idx].Quantity += quantity
		lines[idx].DiscountPercent = discount
		return c.commit(lines)
	}

	name := ref.Name
	if name == "" {
		name = ref.ProductID
	}
	lines = append(lines, domain.CartLine{
		ProductID:       ref.ProductID,
		VariantID:       ref.VariantID,
		Name:            name,
		UnitPrice:       unitPrice,
		Quantity:        quantity,
		DiscountPercent: discount,
	})
	return c.commit(lines)
}

// UpdateLine applies patch to the line at key. A resulting quantity of zero
// or less removes the line.
func (c *Cart) UpdateLine(key domain.LineKey, patch LinePatch) error {
	idx := c.indexOf(key)
	if idx < 0 {
		return domain.ErrLineNotFound
	}
	if patch.UnitPrice != nil {
		if err := checkPrice(*patch.UnitPrice); err != nil {
			return err
		}
	}
	if patch.DiscountPercent != nil && !money.ValidPercent(*patch.DiscountPercent) {
		return domain.ErrInvalidDiscount
	}
	if patch.Quantity != nil && *patch.Quantity > MaxQuantity {
		return fmt.Errorf("%w: quantity %d exceeds %d", domain.ErrInvalidQuantity, *patch.Quantity, MaxQuantity)
	}
	if patch.Quantity != nil && *patch.Quantity <= 0 {
		c.removeAt(idx)
		return nil
	}

	lines := c.Lines()
	line := &lines[idx]
	if patch.Quantity != nil {
		line.Quantity = *patch.Quantity
	}
	if patch.UnitPrice != nil {
		line.UnitPrice = *patch.UnitPrice
	}
	if patch.DiscountPercent != nil {
		line.DiscountPercent = *patch.DiscountPercent
	}
	return c.commit(lines)
}

func (c *Cart) RemoveLine(key domain.LineKey) error {
	idx := c.indexOf(key)
	if idx < 0 {
		return domain.ErrLineNotFound
	}
	c.removeAt(idx)
	return nil
}

// Clear drops every line and the customer.
func (c *Cart) Clear() {
	c.lines = nil
	c.customerID = ""
	c.customerLabel = ""
}

func (c *Cart) SetCustomer(id string, label string) {
	c.customerID = strings.TrimSpace(id)
	c.customerLabel = strings.TrimSpace(label)
}

func (c *Cart) CustomerID() string    { return c.customerID }
func (c *Cart) CustomerLabel() string { return c.customerLabel }

// Total is the sum of line nets, rounded once.
func (c *Cart) Total() money.Amount {
	sum := decimal.Zero
	for _, line := range c.lines {
		sum = sum.Add(line.Net())
	}
	return money.FromDecimal(sum)
}

// Subtotal is the total before line discounts.
func (c *Cart) Subtotal() money.Amount {
	sum := decimal.Zero
	for _, line := range c.lines {
		sum = sum.Add(line.Subtotal())
	}
	return money.FromDecimal(sum)
}

func (c *Cart) Lines() []domain.CartLine {
	return append([]domain.CartLine(nil), c.lines...)
}

func (c *Cart) Line(key domain.LineKey) (domain.CartLine, bool) {
	idx := c.indexOf(key)
	if idx < 0 {
		return domain.CartLine{}, false
	}
	return c.lines[idx], true
}

func (c *Cart) Len() int { return len(c.lines) }

func (c *Cart) IsEmpty() bool { return len(c.lines) == 0 }

func (c *Cart) Snapshot() domain.CartSnapshot {
	return domain.CartSnapshot{
		Lines:         c.Lines(),
		CustomerID:    c.customerID,
		CustomerLabel: c.customerLabel,
	}
}

func checkPrice(price money.Amount) error {
	if price < 0 || price > money.MaxAmount {
		return fmt.Errorf("%w: unit price %s", domain.ErrInvalidAmount, price)
	}
	return nil
}

// commit replaces the lines when every quantity and the subtotal stay within
// bounds. Otherwise the cart is left unchanged.
func (c *Cart) commit(lines []domain.CartLine) error {
	sum := decimal.Zero
	for _, line := range lines {
		if line.Quantity > MaxQuantity {
			return fmt.Errorf("%w: %s quantity %d exceeds %d", domain.ErrInvalidQuantity, line.ProductID, line.Quantity, MaxQuantity)
		}
		sum = sum.Add(line.Subtotal())
	}
	if !money.InRange(sum) {
		return fmt.Errorf("%w: cart subtotal exceeds %s", domain.ErrInvalidAmount, money.MaxAmount)
	}
	c.lines = lines
	return nil
}

func (c *Cart) indexOf(key domain.LineKey) int {
	for i, line := range c.lines {
		if line.Key() == key {
			return i
		}
	}
	return -1
}

func (c *Cart) removeAt(idx int) {
	c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
}
