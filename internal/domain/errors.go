package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCart          = errors.New("cart is empty")
	ErrUnknownProduct     = errors.New("unknown product")
	ErrOrderNotFound      = errors.New("order not found")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrDepositNotFound    = errors.New("deposit not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrUnitConsumed       = errors.New("content unit already consumed")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrLockNotAcquired    = errors.New("advisory lock not acquired")
	ErrInvalidTransition  = errors.New("status transition not allowed")
)

// ValidationError rejects a request before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// AmountMismatchError is the conflict raised when a gateway confirmation
// carries an amount different from the total payable fixed at creation.
// It is never silently corrected.
type AmountMismatchError struct {
	GatewayOrderID string
	Stored         int64
	Confirmed      int64
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("amount mismatch for %s: stored %d, confirmed %d",
		e.GatewayOrderID, e.Stored, e.Confirmed)
}

// IsConflict reports whether err is a no-mutation conflict rejection.
func IsConflict(err error) bool {
	var mismatch *AmountMismatchError
	return errors.As(err, &mismatch) || errors.Is(err, ErrUnitConsumed)
}
