package vmlcerr

import (
	"errors"
	"testing"
)

func TestNewFormatsMessage(t *testing.T) {
	err := New(Timeout, "waited %d ms for ref %d", 500, 7)
	if err.Kind != Timeout {
		t.Errorf("Kind = %v, want Timeout", err.Kind)
	}
	want := "Timeout: waited 500 ms for ref 7"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWrapCarriesCauseAndUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(ConnectionError, cause)

	if err.Kind != ConnectionError {
		t.Errorf("Kind = %v, want ConnectionError", err.Kind)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is did not find wrapped cause via Unwrap")
	}
	want := "ConnectionError: connection reset"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsMatchesKindThroughChain(t *testing.T) {
	inner := Wrap(SocketReadTimeout, errors.New("read: i/o timeout"))
	outer := Wrap(ConnectionError, inner)

	if !Is(outer, ConnectionError) {
		t.Error("Is(outer, ConnectionError) = false, want true")
	}
	if !Is(outer, SocketReadTimeout) {
		t.Error("Is(outer, SocketReadTimeout) = false, want true (nested *Error cause)")
	}
	if Is(outer, Timeout) {
		t.Error("Is(outer, Timeout) = true, want false")
	}
}

func TestIsOnPlainErrorIsFalse(t *testing.T) {
	if Is(errors.New("boom"), ConnectionError) {
		t.Error("Is on a plain error returned true")
	}
	if Is(nil, ConnectionError) {
		t.Error("Is(nil, ...) returned true")
	}
}

func TestKindStringFallsBackForUnknownValue(t *testing.T) {
	var k Kind = 9999
	if got, want := k.String(), "Kind(9999)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestErrorWithoutMessageOrCauseFallsBackToKind(t *testing.T) {
	err := &Error{Kind: IsDisconnected}
	if got, want := err.Error(), "IsDisconnected"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
