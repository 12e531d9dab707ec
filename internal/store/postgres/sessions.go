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

const sessionColumns = `
	id, tenant_id, operator_id, to_char(business_date, 'YYYY-MM-DD'), opened_at, opened_by,
	opening_amount, status, closed_at, closing_amounts, expected_amounts, differences,
	total_difference, COALESCE(notes, '')`

func (s *Store) FindOpenForOperator(ctx context.Context, scope domain.Scope, day string) (*domain.CashSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_sessions
		WHERE tenant_id = $1 AND operator_id = $2 AND status = 'open' AND business_date <= $3::date
		ORDER BY business_date DESC
		LIMIT 1
	`, scope.TenantID, scope.OperatorID, day)
	return scanSessionRow(row)
}

func (s *Store) FindForOperatorDay(ctx context.Context, scope domain.Scope, day string) (*domain.CashSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_sessions
		WHERE tenant_id = $1 AND operator_id = $2 AND business_date = $3::date
	`, scope.TenantID, scope.OperatorID, day)
	return scanSessionRow(row)
}

func (s *Store) PersistSession(ctx context.Context, session domain.CashSession) error {
	switch session.Status {
	case domain.SessionOpen:
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cash_sessions (id, tenant_id, operator_id, business_date, opened_at, opened_by, opening_amount, status)
			VALUES ($1, $2, $3, $4::date, $5, $6, $7, 'open')
		`, session.ID, session.TenantID, session.OperatorID, session.BusinessDate,
			session.OpenedAt, session.OpenedBy, int64(session.OpeningAmount))
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrConflict
			}
			return err
		}
		return nil
	case domain.SessionClosed:
		closing, err := json.Marshal(session.ClosingAmounts)
		if err != nil {
			return fmt.Errorf("marshal closing amounts failed: %w", err)
		}
		expected, err := json.Marshal(session.ExpectedAmounts)
		if err != nil {
			return fmt.Errorf("marshal expected amounts failed: %w", err)
		}
		differences, err := json.Marshal(session.Differences)
		if err != nil {
			return fmt.Errorf("marshal differences failed: %w", err)
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE cash_sessions
			SET status = 'closed', closed_at = $2, closing_amounts = $3, expected_amounts = $4,
				differences = $5, total_difference = $6, notes = $7
			WHERE id = $1 AND status = 'open'
		`, session.ID, nullTime(session.ClosedAt), closing, expected, differences,
			nullAmount(session.TotalDifference), nullIfEmpty(session.Notes))
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrConflict
		}
		return nil
	}
	return fmt.Errorf("unknown session status %q", session.Status)
}

// AppendOperation locks the session row for share, so a concurrent close
// waits for the insert or sees the operation.
func (s *Store) AppendOperation(ctx context.Context, op domain.CashOperation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM cash_sessions WHERE id = $1 FOR SHARE
	`, op.SessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != string(domain.SessionOpen) {
		return store.ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cash_operations (id, session_id, type, amount, description, operator, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, op.ID, op.SessionID, string(op.Type), int64(op.Amount), op.Description, op.Operator, op.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) ListOperations(ctx context.Context, sessionID string) ([]domain.CashOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, amount, description, operator, created_at
		FROM cash_operations
		WHERE session_id = $1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := make([]domain.CashOperation, 0, 8)
	for rows.Next() {
		var (
			op     domain.CashOperation
			opType string
			amount int64
		)
		if err := rows.Scan(&op.ID, &op.SessionID, &opType, &amount, &op.Description, &op.Operator, &op.CreatedAt); err != nil {
			return nil, err
		}
		op.Type = domain.OperationType(opType)
		op.Amount = money.Amount(amount)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}

func (s *Store) ListStaleOpenSessions(ctx context.Context, beforeDay string) ([]domain.CashSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_sessions
		WHERE status = 'open' AND business_date < $1::date
		ORDER BY business_date, tenant_id, operator_id
	`, beforeDay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.CashSession, 0, 4)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func scanSessionRow(row *sql.Row) (*domain.CashSession, error) {
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return session, err
}

func scanSession(row rowScanner) (*domain.CashSession, error) {
	var (
		session                        domain.CashSession
		status                         string
		opening                        int64
		closedAt                       sql.NullTime
		closing, expected, differences []byte
		totalDifference                sql.NullInt64
	)
	if err := row.Scan(
		&session.ID, &session.TenantID, &session.OperatorID, &session.BusinessDate,
		&session.OpenedAt, &session.OpenedBy, &opening, &status, &closedAt,
		&closing, &expected, &differences, &totalDifference, &session.Notes,
	); err != nil {
		return nil, err
	}
	session.Status = domain.SessionStatus(status)
	session.OpeningAmount = money.Amount(opening)
	if closedAt.Valid {
		at := closedAt.Time
		session.ClosedAt = &at
	}
	if totalDifference.Valid {
		diff := money.Amount(totalDifference.Int64)
		session.TotalDifference = &diff
	}
	var err error
	if session.ClosingAmounts, err = decodeAmounts(closing); err != nil {
		return nil, err
	}
	if session.ExpectedAmounts, err = decodeAmounts(expected); err != nil {
		return nil, err
	}
	if session.Differences, err = decodeAmounts(differences); err != nil {
		return nil, err
	}
	return &session, nil
}

func decodeAmounts(raw []byte) (map[domain.PaymentMethod]money.Amount, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[domain.PaymentMethod]money.Amount
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode amounts failed: %w", err)
	}
	return out, nil
}
