package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ErrorKind categorizes provider failures for retry decisions.
type ErrorKind string

const (
	// ErrorTransport covers network, DNS and connection failures.
	ErrorTransport ErrorKind = "transport"

	// ErrorProtocol covers malformed or truncated streams.
	ErrorProtocol ErrorKind = "protocol"

	// ErrorProvider covers HTTP-status failures from the API.
	ErrorProvider ErrorKind = "provider"
)

// Error is a classified provider failure.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Cause   error

	// Truncated marks a stream that ended with data still buffered or
	// without a completion signal.
	Truncated bool

	// RetryAfter is the server-requested delay (Retry-After header),
	// zero when none was given.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	switch {
	case e.Status > 0:
		return fmt.Sprintf("provider: %s (status %d)", e.Message, e.Status)
	case e.Truncated:
		return fmt.Sprintf("provider: stream truncated: %s", e.Message)
	default:
		return fmt.Sprintf("provider: %s", e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the wrapper should restart the call:
// transport errors, truncated streams, 5xx, 429 and 408.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrorTransport:
		return true
	case ErrorProtocol:
		return e.Truncated
	case ErrorProvider:
		return e.Status >= 500 || e.Status == 429 || e.Status == 408
	}
	return false
}

// NewTransportError wraps a network-level failure.
func NewTransportError(err error) *Error {
	return &Error{Kind: ErrorTransport, Message: err.Error(), Cause: err}
}

// NewStatusError classifies an HTTP status failure.
func NewStatusError(status int, message string) *Error {
	return &Error{Kind: ErrorProvider, Status: status, Message: message}
}

// NewTruncatedError marks a stream that ended early.
func NewTruncatedError(detail string) *Error {
	return &Error{Kind: ErrorProtocol, Message: detail, Truncated: true}
}

// IsRetryable classifies arbitrary errors: typed *Error by its own
// rule, context cancellation never, plain network errors always.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	// Connection resets sometimes surface as bare strings from SDK
	// internals.
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection reset", "connection refused", "broken pipe", "unexpected eof", "no such host"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
