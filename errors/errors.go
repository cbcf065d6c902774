// Package errors provides standardized error handling for nodecore
// subsystems. It defines the error kinds shared across the core (state
// registry, scheduler, packet fabric, RPC), an error classification
// scheme for retry decisions, and helpers for consistent wrapping.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class represents the classification of errors for handling purposes.
type Class int

const (
	// Transient errors are temporary and may be retried.
	Transient Class = iota
	// Invalid errors stem from bad input or configuration.
	Invalid
	// Fatal errors are unrecoverable and should stop processing.
	Fatal
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Invalid:
		return "invalid"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Core error kinds. Every error surfaced by the core subsystems wraps
// one of these so callers can branch with errors.Is.
var (
	// ErrNotConnected indicates an interface is down (MTU zero).
	ErrNotConnected = errors.New("not connected")
	// ErrNoData indicates no sample or packet arrived within the timeout.
	ErrNoData = errors.New("no data")
	// ErrInvalidArgument indicates an unaligned offset, malformed header,
	// out-of-range enum, or empty required field.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNoMemory indicates buffer pool exhaustion within the allowed wait.
	ErrNoMemory = errors.New("no memory")
	// ErrTryAgain indicates transient backpressure (token/slot wait expired).
	ErrTryAgain = errors.New("try again")
	// ErrTimeout indicates an expired RPC response timer or a stream gap
	// that exceeded its retry budget.
	ErrTimeout = errors.New("timeout")
	// ErrPermissionDenied indicates an auth level insufficient for a command.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotSupported indicates an unknown command or operation.
	ErrNotSupported = errors.New("not supported")
	// ErrIO indicates a downstream transport failure.
	ErrIO = errors.New("i/o error")
)

// Lifecycle errors shared by components managed by the engine.
var (
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")
)

// ClassifiedError wraps an error with its classification and origin.
type ClassifiedError struct {
	Class     Class
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is lets invalid-classified errors match the invalid-argument kind
// even when the cause chain carries a different root error, so callers
// can branch (and Code can map) without knowing how the error was built.
func (ce *ClassifiedError) Is(target error) bool {
	return ce.Class == Invalid && target == ErrInvalidArgument
}

// IsTransient reports whether an error is transient and worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == Transient
	}

	if errors.Is(err, ErrTryAgain) ||
		errors.Is(err, ErrNoData) ||
		errors.Is(err, ErrNoMemory) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection",
		"temporary",
		"unavailable",
		"busy",
		"retry",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal reports whether an error is fatal and should stop processing.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == Fatal
	}

	return errors.Is(err, ErrNotSupported) ||
		errors.Is(err, ErrPermissionDenied)
}

// IsInvalid reports whether an error is due to invalid input.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == Invalid
	}

	return errors.Is(err, ErrInvalidArgument)
}

// Classify returns the error class for an error. Unknown errors default
// to transient so callers err on the side of retrying.
func Classify(err error) Class {
	switch {
	case err == nil:
		return Transient
	case IsInvalid(err):
		return Invalid
	case IsFatal(err):
		return Fatal
	default:
		return Transient
	}
}

func newClassified(class Class, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern
// "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(Transient, wrapped, component, method, wrapped.Error())
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(Fatal, wrapped, component, method, wrapped.Error())
}

// WrapInvalid wraps an error as invalid with context.
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(Invalid, wrapped, component, method, wrapped.Error())
}

// Code maps core error kinds onto the signed 16-bit return codes carried
// in RPC responses. Zero means success; unknown errors map onto ErrIO.
func Code(err error) int16 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotConnected):
		return -1
	case errors.Is(err, ErrNoData):
		return -2
	case errors.Is(err, ErrInvalidArgument):
		return -3
	case errors.Is(err, ErrNoMemory):
		return -4
	case errors.Is(err, ErrTryAgain):
		return -5
	case errors.Is(err, ErrTimeout):
		return -6
	case errors.Is(err, ErrPermissionDenied):
		return -7
	case errors.Is(err, ErrNotSupported):
		return -8
	default:
		return -9
	}
}

// FromCode converts an RPC return code back into the matching error kind.
// Zero returns nil.
func FromCode(code int16) error {
	switch code {
	case 0:
		return nil
	case -1:
		return ErrNotConnected
	case -2:
		return ErrNoData
	case -3:
		return ErrInvalidArgument
	case -4:
		return ErrNoMemory
	case -5:
		return ErrTryAgain
	case -6:
		return ErrTimeout
	case -7:
		return ErrPermissionDenied
	case -8:
		return ErrNotSupported
	default:
		return ErrIO
	}
}
