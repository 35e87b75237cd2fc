// Package faults provides error codes and classification for the offline
// data layer. Every remote or storage failure is classified into one of
// three classes, which decides whether a mutation is queued for replay,
// surfaced to the caller, or silently degraded.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Connectivity errors (always retryable)
	ErrNetwork ErrorCode = "NETWORK_UNREACHABLE"
	ErrTimeout ErrorCode = "TIMEOUT"
	ErrDNS     ErrorCode = "DNS_FAILURE"

	// Application errors (never retried automatically)
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrPermission ErrorCode = "PERMISSION_DENIED"
	ErrConflict   ErrorCode = "CONFLICT"
	ErrRejected   ErrorCode = "REJECTED"

	// Local storage errors (logged, degrade to in-memory operation)
	ErrStorage      ErrorCode = "STORAGE_ERROR"
	ErrSerialize    ErrorCode = "SERIALIZATION_ERROR"
	ErrQueueCorrupt ErrorCode = "QUEUE_CORRUPT"
)

// Class groups error codes by how the data layer reacts to them.
type Class int

const (
	// ClassUnknown covers errors that carry no classification. Treated as
	// application errors so an unclassified failure is never retried blindly.
	ClassUnknown Class = iota

	// ClassConnectivity covers transport failures: route into the offline
	// queue or abort a sync drain. Always retryable.
	ClassConnectivity

	// ClassApplication covers backend rejections: surfaced immediately,
	// never queued.
	ClassApplication

	// ClassStorage covers local persistence failures: logged, never
	// propagated as a mutation failure.
	ClassStorage
)

// String returns a readable class name.
func (c Class) String() string {
	switch c {
	case ClassConnectivity:
		return "connectivity"
	case ClassApplication:
		return "application"
	case ClassStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// AppError represents a data-layer error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new AppError wrapping an underlying error.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the error code of err, or ErrInternal if err carries none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// classOfCode maps codes to classes.
func classOfCode(code ErrorCode) Class {
	switch code {
	case ErrNetwork, ErrTimeout, ErrDNS:
		return ClassConnectivity
	case ErrValidation, ErrPermission, ErrConflict, ErrRejected, ErrNotFound, ErrInvalid:
		return ClassApplication
	case ErrStorage, ErrSerialize, ErrQueueCorrupt:
		return ClassStorage
	default:
		return ClassUnknown
	}
}

// ClassOf classifies err. Coded errors classify by code; bare transport
// errors (net.Error timeouts, refused/reset connections, DNS failures,
// cancelled contexts) classify as connectivity.
func ClassOf(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		if c := classOfCode(appErr.Code); c != ClassUnknown {
			return c
		}
	}

	if isTransportError(err) {
		return ClassConnectivity
	}

	return ClassUnknown
}

// IsConnectivity reports whether err is a connectivity failure and therefore
// retryable once the device is back online.
func IsConnectivity(err error) bool {
	return ClassOf(err) == ClassConnectivity
}

// IsApplication reports whether err is a backend rejection that must never
// be retried automatically.
func IsApplication(err error) bool {
	return ClassOf(err) == ClassApplication
}

// IsStorage reports whether err is a local persistence failure.
func IsStorage(err error) bool {
	return ClassOf(err) == ClassStorage
}

// isTransportError detects connectivity failures from the standard library
// error surface, for callers that pass through raw net/http errors.
func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	// http.Client wraps transport errors in *url.Error; the message is the
	// only signal left once the cause chain is broken by some proxies.
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable")
}
