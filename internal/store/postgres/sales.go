package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/money"
	"kasirinaja/register/internal/store"
)

// InsertSale writes the sale and its lines in one transaction.
func (s *Store) InsertSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	splits, err := json.Marshal(sale.Splits)
	if err != nil {
		return nil, fmt.Errorf("marshal splits failed: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, tenant_id, operator_id, session_id, held_sale_id, customer_id, customer_label,
			subtotal, discount_total, total, payment_method, payment_reference, splits,
			amount_tendered, change_given, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		sale.ID, sale.TenantID, sale.OperatorID, sale.SessionID,
		nullIfEmpty(sale.HeldSaleID), nullIfEmpty(sale.CustomerID), sale.CustomerLabel,
		int64(sale.Subtotal), int64(sale.DiscountTotal), int64(sale.Total),
		string(sale.PaymentMethod), nullIfEmpty(sale.PaymentReference), splits,
		nullAmount(sale.AmountTendered), nullAmount(sale.ChangeGiven),
		string(sale.Status), sale.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	for i, line := range sale.Lines {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, line_no, product_id, variant_id, name, unit_price, quantity, discount_percent)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, sale.ID, i+1, line.ProductID, line.VariantID, line.Name,
			int64(line.UnitPrice), line.Quantity, line.DiscountPercent.String()); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	out := sale
	out.Lines = append([]domain.CartLine(nil), sale.Lines...)
	return &out, nil
}

// ListSalesByWindow runs the query when the sequence is ranged over. Lines
// are loaded for the whole page before the first sale is yielded.
func (s *Store) ListSalesByWindow(ctx context.Context, filter store.SaleFilter) iter.Seq2[domain.Sale, error] {
	return func(yield func(domain.Sale, error) bool) {
		sales, err := s.querySales(ctx, filter)
		if err != nil {
			yield(domain.Sale{}, err)
			return
		}
		for _, sale := range sales {
			if !yield(sale, nil) {
				return
			}
		}
	}
}

func (s *Store) querySales(ctx context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, operator_id, session_id, COALESCE(held_sale_id, ''), COALESCE(customer_id, ''),
			customer_label, subtotal, discount_total, total, payment_method, COALESCE(payment_reference, ''),
			splits, amount_tendered, change_given, status, created_at
		FROM sales
		WHERE ($1 = '' OR tenant_id = $1)
			AND ($2 = '' OR operator_id = $2)
			AND ($3 = '' OR status = $3)
			AND ($4::timestamptz IS NULL OR created_at >= $4)
			AND ($5::timestamptz IS NULL OR created_at <= $5)
		ORDER BY created_at, id
	`, filter.TenantID, filter.OperatorID, string(filter.Status), zeroAsNull(filter.Start), zeroAsNull(filter.End))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 32)
	index := map[string]int{}
	for rows.Next() {
		var (
			sale                      domain.Sale
			method, status            string
			subtotal, discount, total int64
			splits                    []byte
			tendered, change          sql.NullInt64
		)
		if err := rows.Scan(
			&sale.ID, &sale.TenantID, &sale.OperatorID, &sale.SessionID, &sale.HeldSaleID, &sale.CustomerID,
			&sale.CustomerLabel, &subtotal, &discount, &total, &method, &sale.PaymentReference,
			&splits, &tendered, &change, &status, &sale.CreatedAt,
		); err != nil {
			return nil, err
		}
		sale.Subtotal = money.Amount(subtotal)
		sale.DiscountTotal = money.Amount(discount)
		sale.Total = money.Amount(total)
		sale.PaymentMethod = domain.PaymentMethod(method)
		sale.Status = domain.SaleStatus(status)
		sale.AmountTendered = amountPtr(tendered)
		sale.ChangeGiven = amountPtr(change)
		if len(splits) > 0 {
			if err := json.Unmarshal(splits, &sale.Splits); err != nil {
				return nil, fmt.Errorf("decode splits failed: %w", err)
			}
		}
		index[sale.ID] = len(sales)
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return sales, nil
	}

	ids := make([]string, 0, len(sales))
	for _, sale := range sales {
		ids = append(ids, sale.ID)
	}
	lineRows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, product_id, variant_id, name, unit_price, quantity, discount_percent::text
		FROM sale_lines
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, line_no
	`, ids)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()

	for lineRows.Next() {
		var (
			saleID, discount string
			unitPrice        int64
			line             domain.CartLine
		)
		if err := lineRows.Scan(&saleID, &line.ProductID, &line.VariantID, &line.Name, &unitPrice, &line.Quantity, &discount); err != nil {
			return nil, err
		}
		line.UnitPrice = money.Amount(unitPrice)
		if line.DiscountPercent, err = decimal.NewFromString(discount); err != nil {
			return nil, fmt.Errorf("decode discount failed: %w", err)
		}
		if i, ok := index[saleID]; ok {
			sales[i].Lines = append(sales[i].Lines, line)
		}
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func zeroAsNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func amountPtr(v sql.NullInt64) *money.Amount {
	if !v.Valid {
		return nil
	}
	amount := money.Amount(v.Int64)
	return &amount
}
