package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrValidation indicates malformed or missing input.
	ErrValidation = errors.New("ledger: validation failed")
	// ErrNotFound indicates a referenced order, farmer or bag entry is absent.
	ErrNotFound = errors.New("ledger: not found")
	// ErrInsufficientStock indicates a withdrawal larger than the available quantity.
	ErrInsufficientStock = errors.New("ledger: insufficient stock")
	// ErrDuplicateVoucher indicates a voucher number collision.
	ErrDuplicateVoucher = errors.New("ledger: duplicate voucher")
	// ErrUnauthorized indicates the record belongs to another cold storage.
	ErrUnauthorized = errors.New("ledger: record belongs to another cold storage")
	// ErrTransactionAborted indicates a transaction was rolled back.
	ErrTransactionAborted = errors.New("ledger: transaction aborted")
)

// ValidationError reports the offending field. Line is 1-based, zero when
// the error is not tied to a list element.
type ValidationError struct {
	Field  string
	Reason string
	Line   int
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("ledger: line %d: %s %s", e.Line, e.Field, e.Reason)
	}
	return fmt.Sprintf("ledger: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ledger: %s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InsufficientStockError carries requested vs. available for display.
type InsufficientStockError struct {
	IncomingOrderID uuid.UUID
	Variety         string
	Size            string
	Location        string
	Requested       int64
	Available       int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient quantity for %s %s at %s. Requested: %d, Available: %d",
		e.Variety, e.Size, e.Location, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// DuplicateVoucherError reports the colliding voucher.
type DuplicateVoucherError struct {
	Voucher Voucher
}

func (e *DuplicateVoucherError) Error() string {
	return fmt.Sprintf("ledger: %s voucher %d already exists", e.Voucher.Type, e.Voucher.Number)
}

func (e *DuplicateVoucherError) Is(target error) bool { return target == ErrDuplicateVoucher }

// UnauthorizedError reports a cross-tenant access attempt.
type UnauthorizedError struct {
	Entity string
	ID     uuid.UUID
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("ledger: %s %s belongs to another cold storage", e.Entity, e.ID)
}

func (e *UnauthorizedError) Is(target error) bool { return target == ErrUnauthorized }

// TransactionAbortError wraps the cause of a rolled back transaction.
type TransactionAbortError struct {
	Op  string
	Err error
}

func (e *TransactionAbortError) Error() string {
	return fmt.Sprintf("ledger: %s aborted: %v", e.Op, e.Err)
}

func (e *TransactionAbortError) Unwrap() error { return e.Err }

func (e *TransactionAbortError) Is(target error) bool { return target == ErrTransactionAborted }

func abort(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransactionAbortError{Op: op, Err: err}
}
