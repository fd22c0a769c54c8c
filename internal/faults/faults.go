// Package faults classifies failures from outbound provider calls into a
// closed set of kinds with retryability semantics. Classification is total:
// any error (or nil) maps to exactly one Fault, and classifying an already
// classified error returns it unchanged.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind categorizes why an outbound call failed.
// This drives retry decisions and user-facing error rendering.
type Kind string

const (
	// KindRateLimited indicates the provider rejected the call for rate reasons (HTTP 429).
	KindRateLimited Kind = "rate_limited"

	// KindTimeout indicates the call exceeded its deadline or was cancelled mid-flight.
	KindTimeout Kind = "timeout"

	// KindNetwork indicates a transport-level failure (refused, reset, DNS).
	KindNetwork Kind = "network"

	// KindServiceUnavailable indicates the provider is temporarily down (HTTP 502/503/510).
	KindServiceUnavailable Kind = "service_unavailable"

	// KindAuth indicates missing or rejected credentials (HTTP 401).
	KindAuth Kind = "auth"

	// KindInvalidInput indicates the request was malformed (HTTP 400).
	KindInvalidInput Kind = "invalid_input"

	// KindNotFound indicates the requested resource does not exist (HTTP 404).
	KindNotFound Kind = "not_found"

	// KindQuotaExceeded indicates the account is out of credits or forbidden (HTTP 403).
	KindQuotaExceeded Kind = "quota_exceeded"

	// KindParse indicates a response body could not be decoded.
	KindParse Kind = "parse"

	// KindInternal indicates a provider-side internal error (HTTP 500).
	KindInternal Kind = "internal"

	// KindUnknown indicates an unclassified failure.
	KindUnknown Kind = "unknown"
)

// maxMessageRunes bounds messages carried on faults built from arbitrary errors.
const maxMessageRunes = 256

// String returns the kind's wire representation.
func (k Kind) String() string { return string(k) }

// DefaultRetryable reports whether failures of this kind are worth retrying
// absent a provider-specific override.
func (k Kind) DefaultRetryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindNetwork, KindServiceUnavailable, KindInternal:
		return true
	default:
		return false
	}
}

// Fault is a classified failure. It is returned by value-oriented APIs
// throughout the orchestration core; handlers render it, the retry engine
// consults Retryable, and adapters attach provider detail via the With
// builders.
type Fault struct {
	// Kind categorizes the failure.
	Kind Kind

	// Message is the human-readable description.
	Message string

	// Status is the HTTP status code, if one was observed. Zero otherwise.
	Status int

	// Retryable reports whether another attempt may succeed.
	Retryable bool

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	parts := []string{fmt.Sprintf("[%s]", f.Kind)}

	if f.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", f.Status))
	}

	if f.Message != "" {
		parts = append(parts, f.Message)
	} else if f.Cause != nil {
		parts = append(parts, f.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (f *Fault) Unwrap() error { return f.Cause }

// New creates a Fault of the given kind with default retryability.
func New(kind Kind, message string) *Fault {
	return &Fault{
		Kind:      kind,
		Message:   message,
		Retryable: kind.DefaultRetryable(),
	}
}

// Newf creates a Fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates a Fault of the given kind around an underlying error.
func Wrap(kind Kind, err error) *Fault {
	f := New(kind, "")
	if err != nil {
		f.Cause = err
		f.Message = truncate(err.Error(), maxMessageRunes)
	}
	return f
}

// FromStatus creates a Fault classified from an HTTP status code.
func FromStatus(status int, message string) *Fault {
	kind := kindForStatus(status)
	return &Fault{
		Kind:      kind,
		Message:   message,
		Status:    status,
		Retryable: kind.DefaultRetryable(),
	}
}

// WithStatus attaches an HTTP status. An unclassified fault is reclassified
// from the status table.
func (f *Fault) WithStatus(status int) *Fault {
	f.Status = status
	if f.Kind == KindUnknown {
		f.Kind = kindForStatus(status)
		f.Retryable = f.Kind.DefaultRetryable()
	}
	return f
}

// WithCause attaches the underlying error.
func (f *Fault) WithCause(err error) *Fault {
	f.Cause = err
	return f
}

// WithRetryable overrides the kind's default retryability.
func (f *Fault) WithRetryable(retryable bool) *Fault {
	f.Retryable = retryable
	return f
}

// WithMessage replaces the message.
func (f *Fault) WithMessage(message string) *Fault {
	f.Message = message
	return f
}

// As extracts a Fault from an error chain.
func As(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// KindOf returns the classified kind of any error.
func KindOf(err error) Kind {
	return Classify(err).Kind
}

// IsRetryable reports whether an error is worth retrying after classification.
func IsRetryable(err error) bool {
	return Classify(err).Retryable
}

// Classify maps any error into a Fault. It never panics and classifying the
// same error twice yields the same result; a *Fault passes through unchanged.
//
// The match is prioritized: nil, cancellation, socket errors, timeouts,
// HTTP status (when the error carries one), message heuristics, unknown.
func Classify(err error) *Fault {
	if err == nil {
		return &Fault{Kind: KindUnknown, Message: "unknown error"}
	}

	if f, ok := As(err); ok {
		return f
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Fault{
			Kind:      KindTimeout,
			Message:   "request cancelled or deadline exceeded",
			Retryable: true,
			Cause:     err,
		}
	}

	if kind, ok := classifySyscall(err); ok {
		return &Fault{
			Kind:      kind,
			Message:   truncate(err.Error(), maxMessageRunes),
			Retryable: true,
			Cause:     err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Fault{
			Kind:      KindTimeout,
			Message:   truncate(err.Error(), maxMessageRunes),
			Retryable: true,
			Cause:     err,
		}
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return &Fault{
			Kind:      KindTimeout,
			Message:   truncate(err.Error(), maxMessageRunes),
			Retryable: true,
			Cause:     err,
		}
	}

	if strings.Contains(msg, "api_key") || strings.Contains(msg, "api key") || strings.Contains(msg, "invalid api") {
		return &Fault{
			Kind:    KindAuth,
			Message: truncate(err.Error(), maxMessageRunes),
			Cause:   err,
		}
	}

	if strings.Contains(msg, "json") || strings.Contains(msg, "parse") || strings.Contains(msg, "unexpected token") {
		return &Fault{
			Kind:    KindParse,
			Message: truncate(err.Error(), maxMessageRunes),
			Cause:   err,
		}
	}

	return &Fault{
		Kind:    KindUnknown,
		Message: truncate(err.Error(), maxMessageRunes),
		Cause:   err,
	}
}

// classifySyscall detects transport-level socket failures.
func classifySyscall(err error) (Kind, bool) {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return KindNetwork, true
	case errors.Is(err, syscall.ETIMEDOUT), errors.Is(err, syscall.ECONNABORTED):
		return KindTimeout, true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsNotFound || dnsErr.IsTemporary) {
		return KindNetwork, true
	}

	return KindUnknown, false
}

// kindForStatus maps an HTTP status code onto a Kind.
func kindForStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest:
		return KindInvalidInput
	case http.StatusUnauthorized:
		return KindAuth
	case http.StatusForbidden:
		return KindQuotaExceeded
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusRequestTimeout:
		return KindTimeout
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusInternalServerError:
		return KindInternal
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return KindServiceUnavailable
	case http.StatusGatewayTimeout:
		return KindTimeout
	case http.StatusNotExtended:
		return KindServiceUnavailable
	}

	if status >= 500 {
		return KindServiceUnavailable
	}

	return KindUnknown
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
