package kiln

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{E(KindBlocked, "domain is blocked"), "blocked: domain is blocked"},
		{E(KindTimeout, "kernel exceeded deadline"), "timeout: kernel exceeded deadline"},
		{&Error{Kind: KindTransport, Message: "connect", Err: errors.New("refused")}, "transport: connect: refused"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"classified", E(KindBlocked, "nope"), KindBlocked},
		{"wrapped classified", fmt.Errorf("fetch: %w", E(KindRateLimited, "slow down")), KindRateLimited},
		{"http 404", &ErrHTTP{Status: 404, Body: "missing"}, KindNotFound},
		{"http 409", &ErrHTTP{Status: 409, Body: "busy"}, KindConflict},
		{"http 429", &ErrHTTP{Status: 429, Body: "rate"}, KindRateLimited},
		{"http 503", &ErrHTTP{Status: 503, Body: "down"}, KindUnavailable},
		{"http 400", &ErrHTTP{Status: 400, Body: "bad"}, KindTransport},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"plain", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("%s: KindOf() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestErrorfWrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Errorf(KindTransport, "kernel exec: %w", cause)
	if !errors.Is(err, cause) {
		t.Error("Errorf should preserve the wrapped cause")
	}
	if KindOf(err) != KindTransport {
		t.Errorf("KindOf = %q, want transport", KindOf(err))
	}
}

func TestMessage(t *testing.T) {
	if got := Message(E(KindValidation, "query is required")); got != "query is required" {
		t.Errorf("Message = %q", got)
	}
	if got := Message(errors.New("raw")); got != "raw" {
		t.Errorf("Message = %q", got)
	}
	if got := Message(nil); got != "" {
		t.Errorf("Message(nil) = %q", got)
	}
}
