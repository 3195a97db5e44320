package engine

import (
	"errors"
	"fmt"
)

// Error is the error type returned by every engine operation.
//
// Error categories:
//   - Validation: rejected before any storage call, never retried
//   - NotFound: the referenced resource does not exist (terminal for a session)
//   - Transport: a storage call failed; Input carries what the caller sent
//   - Subscription: push reconnection was exhausted
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op names the engine operation that failed.
	Op string

	// Message is a human-readable description.
	Message string

	// Input is the original caller input for Transport errors, so the
	// caller can retry with exactly what it sent.
	Input any

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeValidation indicates a precondition violation.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeNotFound indicates a referenced resource is absent.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeTransport indicates a storage call failed.
	ErrCodeTransport ErrorCode = "TRANSPORT"

	// ErrCodeSubscription indicates push reconnection was exhausted.
	ErrCodeSubscription ErrorCode = "SUBSCRIPTION"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsValidation returns true if err is a validation error.
// Uses errors.As to handle wrapped errors.
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsTransport returns true if err is a transport error.
func IsTransport(err error) bool { return hasCode(err, ErrCodeTransport) }

// IsSubscription returns true if err is a subscription error.
func IsSubscription(err error) bool { return hasCode(err, ErrCodeSubscription) }

// InputOf returns the original input carried by a transport error.
func InputOf(err error) (any, bool) {
	var e *Error
	if errors.As(err, &e) && e.Input != nil {
		return e.Input, true
	}
	return nil, false
}

func newValidationError(op, format string, args ...any) *Error {
	return &Error{Code: ErrCodeValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func newNotFoundError(op, format string, args ...any) *Error {
	return &Error{Code: ErrCodeNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

func newTransportError(op string, input any, err error) *Error {
	return &Error{Code: ErrCodeTransport, Op: op, Message: "storage call failed", Input: input, Err: err}
}

func newSubscriptionError(k subKey, attempts int, err error) *Error {
	return &Error{
		Code:    ErrCodeSubscription,
		Op:      "subscribe " + k.String(),
		Message: fmt.Sprintf("reconnect gave up after %d attempts", attempts),
		Err:     err,
	}
}
