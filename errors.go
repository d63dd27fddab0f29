package kiln

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an error for the tool surface. Every tool failure carries
// exactly one Kind alongside a single-sentence human message.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindBlocked       Kind = "blocked"
	KindTimeout       Kind = "timeout"
	KindTransport     Kind = "transport"
	KindKernelRuntime Kind = "kernel_runtime"
	KindSandboxLimit  Kind = "sandbox_limit"
	KindRateLimited   Kind = "rate_limited"
	KindUnavailable   Kind = "unavailable"
	KindConflict      Kind = "conflict"
	KindInternal      Kind = "internal"
)

// Error is the normalized error carried across component boundaries.
// Lower layers attach the most specific Kind they can determine; the tool
// surface reports Kind and Message to the client and never a stack.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, optional
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E creates a classified error with a static message.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates a classified error with a formatted message. A trailing
// %w verb wraps the cause so errors.Is/As keep working through it.
func Errorf(kind Kind, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: err.Error(), Err: errors.Unwrap(err)}
}

// KindOf classifies any error. Classified errors report their own Kind;
// HTTP status errors map by status; context and net errors map to timeout
// and transport. Everything else is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	var he *ErrHTTP
	if errors.As(err, &he) {
		switch {
		case he.Status == 404:
			return KindNotFound
		case he.Status == 409:
			return KindConflict
		case he.Status == 429:
			return KindRateLimited
		case he.Status >= 500:
			return KindUnavailable
		default:
			return KindTransport
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransport
	}
	return KindInternal
}

// Message returns the human-facing message for an error: the Message field
// for classified errors, err.Error() otherwise.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Message
	}
	return err.Error()
}

// ErrHTTP is the low-level carrier for non-2xx responses from any HTTP
// backend (kernel, model API, documentation source).
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
