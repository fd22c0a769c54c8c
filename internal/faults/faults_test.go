package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"
)

func TestKindDefaultRetryable(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected bool
	}{
		{KindRateLimited, true},
		{KindTimeout, true},
		{KindNetwork, true},
		{KindServiceUnavailable, true},
		{KindInternal, true},
		{KindAuth, false},
		{KindInvalidInput, false},
		{KindNotFound, false},
		{KindQuotaExceeded, false},
		{KindParse, false},
		{KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.DefaultRetryable(); got != tt.expected {
				t.Errorf("Kind(%q).DefaultRetryable() = %v, want %v", tt.kind, got, tt.expected)
			}
		})
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status    int
		kind      Kind
		retryable bool
	}{
		{400, KindInvalidInput, false},
		{401, KindAuth, false},
		{403, KindQuotaExceeded, false},
		{404, KindNotFound, false},
		{408, KindTimeout, true},
		{429, KindRateLimited, true},
		{500, KindInternal, true},
		{502, KindServiceUnavailable, true},
		{503, KindServiceUnavailable, true},
		{504, KindTimeout, true},
		{510, KindServiceUnavailable, true},
		{599, KindServiceUnavailable, true},
		{418, KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			f := FromStatus(tt.status, "boom")
			if f.Kind != tt.kind {
				t.Errorf("FromStatus(%d).Kind = %v, want %v", tt.status, f.Kind, tt.kind)
			}
			if f.Retryable != tt.retryable {
				t.Errorf("FromStatus(%d).Retryable = %v, want %v", tt.status, f.Retryable, tt.retryable)
			}
			if f.Status != tt.status {
				t.Errorf("FromStatus(%d).Status = %d, want %d", tt.status, f.Status, tt.status)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{"nil error", nil, KindUnknown, false},
		{"context cancelled", context.Canceled, KindTimeout, true},
		{"deadline exceeded", context.DeadlineExceeded, KindTimeout, true},
		{"connection refused", syscall.ECONNREFUSED, KindNetwork, true},
		{"connection reset", syscall.ECONNRESET, KindNetwork, true},
		{"etimedout", syscall.ETIMEDOUT, KindTimeout, true},
		{"econnaborted", syscall.ECONNABORTED, KindTimeout, true},
		{"wrapped refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), KindNetwork, true},
		{"timeout message", errors.New("request timeout waiting for response"), KindTimeout, true},
		{"timed out message", errors.New("operation timed out"), KindTimeout, true},
		{"api key message", errors.New("Invalid API key provided"), KindAuth, false},
		{"api_key message", errors.New("missing SEARCH_API_KEY"), KindAuth, false},
		{"json message", errors.New("invalid JSON in response body"), KindParse, false},
		{"parse message", errors.New("failed to parse listing"), KindParse, false},
		{"unexpected token", errors.New("Unexpected token < at position 0"), KindParse, false},
		{"unknown", errors.New("something odd happened"), KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Classify(tt.err)
			if f == nil {
				t.Fatalf("Classify(%v) = nil", tt.err)
			}
			if f.Kind != tt.kind {
				t.Errorf("Classify(%v).Kind = %v, want %v", tt.err, f.Kind, tt.kind)
			}
			if f.Retryable != tt.retryable {
				t.Errorf("Classify(%v).Retryable = %v, want %v", tt.err, f.Retryable, tt.retryable)
			}
		})
	}
}

func TestClassifyDNSNotFound(t *testing.T) {
	err := &net.DNSError{Err: "no such host", Name: "api.invalid", IsNotFound: true}

	f := Classify(err)
	if f.Kind != KindNetwork {
		t.Errorf("Classify(DNSError).Kind = %v, want %v", f.Kind, KindNetwork)
	}
	if !f.Retryable {
		t.Error("Classify(DNSError).Retryable = false, want true")
	}
}

func TestClassifyPassthrough(t *testing.T) {
	orig := FromStatus(429, "slow down")

	got := Classify(orig)
	if got != orig {
		t.Errorf("Classify(*Fault) = %p, want the same instance %p", got, orig)
	}

	wrapped := fmt.Errorf("search call: %w", orig)
	got = Classify(wrapped)
	if got != orig {
		t.Error("Classify(wrapped *Fault) should unwrap to the original fault")
	}
}

func TestClassifyIdempotent(t *testing.T) {
	inputs := []error{
		nil,
		errors.New("request timeout"),
		syscall.ECONNREFUSED,
		FromStatus(503, "down"),
	}

	for _, err := range inputs {
		first := Classify(err)
		second := Classify(first)
		if second.Kind != first.Kind || second.Retryable != first.Retryable {
			t.Errorf("Classify(Classify(%v)) = %v/%v, want %v/%v",
				err, second.Kind, second.Retryable, first.Kind, first.Retryable)
		}
	}
}

func TestClassifyTruncatesLongMessages(t *testing.T) {
	long := strings.Repeat("x", 4096)

	f := Classify(errors.New(long))
	if len([]rune(f.Message)) > maxMessageRunes+3 {
		t.Errorf("Classify long message length = %d runes, want <= %d", len([]rune(f.Message)), maxMessageRunes+3)
	}
}

func TestFaultError(t *testing.T) {
	tests := []struct {
		name  string
		fault *Fault
		want  string
	}{
		{"kind and message", New(KindAuth, "bad key"), "[auth] bad key"},
		{"with status", FromStatus(429, "slow down"), "[rate_limited] status=429 slow down"},
		{"cause only", Wrap(KindNetwork, errors.New("conn reset")), "[network] conn reset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fault.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFaultBuilders(t *testing.T) {
	cause := errors.New("underlying")

	f := New(KindUnknown, "odd").WithStatus(503).WithCause(cause)
	if f.Kind != KindServiceUnavailable {
		t.Errorf("WithStatus on unknown fault: Kind = %v, want %v", f.Kind, KindServiceUnavailable)
	}
	if !f.Retryable {
		t.Error("WithStatus(503) should make the fault retryable")
	}
	if !errors.Is(f, cause) {
		t.Error("errors.Is(fault, cause) = false, want true")
	}

	classified := New(KindAuth, "nope").WithStatus(503)
	if classified.Kind != KindAuth {
		t.Errorf("WithStatus must not reclassify an already classified fault: Kind = %v", classified.Kind)
	}

	overridden := FromStatus(429, "slow down").WithRetryable(false)
	if overridden.Retryable {
		t.Error("WithRetryable(false) did not override")
	}
}

func TestAs(t *testing.T) {
	f := New(KindParse, "bad body")
	wrapped := fmt.Errorf("decode: %w", f)

	got, ok := As(wrapped)
	if !ok {
		t.Fatal("As(wrapped) = false, want true")
	}
	if got != f {
		t.Error("As(wrapped) returned a different fault")
	}

	if _, ok := As(errors.New("plain")); ok {
		t.Error("As(plain error) = true, want false")
	}
}

func TestKindOfAndIsRetryable(t *testing.T) {
	if got := KindOf(syscall.ECONNRESET); got != KindNetwork {
		t.Errorf("KindOf(ECONNRESET) = %v, want %v", got, KindNetwork)
	}
	if !IsRetryable(FromStatus(502, "bad gateway")) {
		t.Error("IsRetryable(502) = false, want true")
	}
	if IsRetryable(FromStatus(401, "no")) {
		t.Error("IsRetryable(401) = true, want false")
	}
}
