package credits

import (
	"context"
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit engine.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrBonusAlreadyGranted  = errors.New("bonus already granted")
	ErrDepositExists        = errors.New("deposit already recorded")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidEngineConfig  = errors.New("invalid engine config")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrValidation           = errors.New("validation failed")
	ErrAuthentication       = errors.New("authentication failed")
	ErrVerifierUnavailable  = errors.New("verifier unavailable")
	ErrUnsupportedChain     = errors.New("unsupported chain")
	ErrDepositNotVerified   = errors.New("deposit not verified")
	ErrDepositBelowMinimum  = errors.New("deposit amount too small for credit conversion")
	ErrIdentityBoundToOther = errors.New("identity bound to another user")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// ClassifyStoreError maps a timed-out or cancelled persistence call to
// ErrStoreUnavailable so callers never confuse an outage with being out of
// credits. Domain sentinels pass through untouched.
func ClassifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

// IsRetryable reports whether the error is a transient service failure
// rather than a domain rejection.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrVerifierUnavailable)
}
