package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/money"
	"kasirinaja/register/internal/store"
)

func (s *Store) SaveHeldSale(ctx context.Context, scope domain.Scope, held domain.HeldSale) error {
	cart, err := json.Marshal(held.Cart)
	if err != nil {
		return fmt.Errorf("marshal held cart failed: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO held_sales (id, tenant_id, operator_id, customer_id, customer_label, total, line_count, cart, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, held.ID, scope.TenantID, scope.OperatorID, nullIfEmpty(held.CustomerID), held.CustomerLabel,
		int64(held.Total), held.LineCount, cart, held.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) GetHeldSale(ctx context.Context, scope domain.Scope, id string) (*domain.HeldSale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, operator_id, COALESCE(customer_id, ''), customer_label, total, line_count, cart, created_at
		FROM held_sales
		WHERE tenant_id = $1 AND operator_id = $2 AND id = $3
	`, scope.TenantID, scope.OperatorID, id)
	held, err := scanHeldSale(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return held, err
}

func (s *Store) DeleteHeldSale(ctx context.Context, scope domain.Scope, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM held_sales WHERE tenant_id = $1 AND operator_id = $2 AND id = $3
	`, scope.TenantID, scope.OperatorID, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListHeldSales(ctx context.Context, scope domain.Scope) ([]domain.HeldSale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, operator_id, COALESCE(customer_id, ''), customer_label, total, line_count, cart, created_at
		FROM held_sales
		WHERE tenant_id = $1 AND operator_id = $2
		ORDER BY created_at, id
	`, scope.TenantID, scope.OperatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	held := make([]domain.HeldSale, 0, 8)
	for rows.Next() {
		item, err := scanHeldSale(rows)
		if err != nil {
			return nil, err
		}
		held = append(held, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return held, nil
}

func scanHeldSale(row rowScanner) (*domain.HeldSale, error) {
	var (
		held  domain.HeldSale
		total int64
		cart  []byte
	)
	if err := row.Scan(&held.ID, &held.TenantID, &held.OperatorID, &held.CustomerID, &held.CustomerLabel,
		&total, &held.LineCount, &cart, &held.CreatedAt); err != nil {
		return nil, err
	}
	held.Total = money.Amount(total)
	if err := json.Unmarshal(cart, &held.Cart); err != nil {
		return nil, fmt.Errorf("decode held cart failed: %w", err)
	}
	return &held, nil
}
