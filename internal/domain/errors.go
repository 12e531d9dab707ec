package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidQuantity    = errors.New("quantity must be greater than zero")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidDiscount    = errors.New("discount percent must be between 0 and 100")
	ErrInvalidProduct     = errors.New("product id is required")
	ErrInvalidOperation   = errors.New("unknown cash operation type")
	ErrInvalidPayment     = errors.New("invalid payment")
	ErrInvalidScope       = errors.New("tenant and operator are required")
	ErrInvalidCustomer    = errors.New("customer name is required")
	ErrLineNotFound       = errors.New("cart line not found")
	ErrEmptyCart          = errors.New("cart is empty")
	ErrNotFound           = errors.New("held sale not found")
	ErrSessionAlreadyOpen = errors.New("cash session already open")
	ErrInvalidState       = errors.New("invalid cash session state")
	ErrRegisterClosed     = errors.New("register is closed")
	ErrStoreFailure       = errors.New("store failure")
)

// SessionConflictError is returned when an operator already has an open
// session. Existing is the session that blocks the open.
type SessionConflictError struct {
	Existing CashSession
}

func (e *SessionConflictError) Error() string {
	return fmt.Sprintf("cash session already open since %s by %s",
		e.Existing.OpenedAt.Format(time.DateTime), e.Existing.OpenedBy)
}

func (e *SessionConflictError) Is(target error) bool {
	return target == ErrSessionAlreadyOpen
}

type StateError struct {
	State  State
	Action string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s: cash session is %s", e.Action, e.State)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}

// StoreError wraps a persistence failure. The operation that failed left no
// partial state behind and may be retried.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreFailure
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
