package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidationError marks malformed input. Surfaced to the caller, never
// retried, no partial state committed.
type ValidationError struct {
	msg string
}

func (e ValidationError) Error() string { return e.msg }

func validationf(format string, args ...any) error {
	return ValidationError{msg: fmt.Sprintf(format, args...)}
}

// PermissionError marks a caller acting outside its role on the order.
type PermissionError struct {
	msg string
}

func (e PermissionError) Error() string { return e.msg }

func permissionf(format string, args ...any) error {
	return PermissionError{msg: fmt.Sprintf(format, args...)}
}

// InvalidStateError marks an operation that is not legal in the
// entity's current status. Callers re-read state before retrying.
type InvalidStateError struct {
	msg string
}

func (e InvalidStateError) Error() string { return e.msg }

func invalidStatef(format string, args ...any) error {
	return InvalidStateError{msg: fmt.Sprintf(format, args...)}
}

// InsufficientFundsError is returned by ledger withdrawals.
type InsufficientFundsError struct {
	UserID    string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e InsufficientFundsError) Error() string {
	return fmt.Sprintf("user %s has %s, needs %s", e.UserID, e.Available, e.Requested)
}

// ReconciliationError marks a settlement whose funds moved (or should
// have moved) but whose bookkeeping is out of step. It must never be
// swallowed; the milestone stays in payout "pending" until a retry
// succeeds.
type ReconciliationError struct {
	OrderID     string
	MilestoneID string
	Err         error
}

func (e ReconciliationError) Error() string {
	return fmt.Sprintf("settlement for milestone %s of order %s needs reconciliation: %v", e.MilestoneID, e.OrderID, e.Err)
}

func (e ReconciliationError) Unwrap() error { return e.Err }
