// Package errors provides standardized error handling for the X-Plane Web API
// client runtime. It includes error classification, standard error variables,
// and helper functions for consistent error wrapping across the runtime.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or a violated
	// caller contract
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Connection and transport errors
	ErrNotConnected    = errors.New("not connected to simulator")
	ErrConnectionLost  = errors.New("connection lost")
	ErrBeaconTimeout   = errors.New("no beacon received before timeout")
	ErrRESTUnreachable = errors.New("rest api unreachable")
	ErrSocketExhausted = errors.New("cannot open socket")
	ErrShuttingDown    = errors.New("client is shutting down")
	ErrAlreadyStarted  = errors.New("already started")
	ErrAlreadyStopped  = errors.New("already stopped")

	// Protocol errors
	ErrBadMagic           = errors.New("bad beacon magic header")
	ErrVersionUnsupported = errors.New("beacon version not supported")
	ErrTruncatedPacket    = errors.New("truncated beacon packet")
	ErrUnknownFrameType   = errors.New("unknown websocket frame type")
	ErrLengthMismatch     = errors.New("array payload length mismatch")

	// Caller contract errors
	ErrUnknownPath   = errors.New("path not found in simulator database")
	ErrNotWritable   = errors.New("dataref is not writable")
	ErrNoMetadata    = errors.New("no metadata available")
	ErrNoValue       = errors.New("no value to write")
	ErrNotMonitored  = errors.New("not currently monitored")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrBeaconTimeout) ||
		errors.Is(err, ErrRESTUnreachable) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	// Common transport failure patterns from net and websocket errors
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "network", "temporary", "unavailable"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrSocketExhausted) || errors.Is(err, ErrInvalidConfig)
}

// IsInvalid checks if an error is due to invalid input or a caller
// contract violation
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrBadMagic) ||
		errors.Is(err, ErrVersionUnsupported) ||
		errors.Is(err, ErrTruncatedPacket) ||
		errors.Is(err, ErrUnknownPath) ||
		errors.Is(err, ErrNotWritable) ||
		errors.Is(err, ErrNoMetadata)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}

	// Default to transient for unknown errors to allow retry
	return ErrorTransient
}

// newClassified creates a new classified error.
// Internal helper - use WrapTransient(), WrapFatal(), or WrapInvalid() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}
