package errors

import (
	"fmt"
	"testing"
	"time"
)

func TestError(t *testing.T) {
	// Test basic error creation
	err := New(ErrCodeNoPeer, "no terminal")
	if err.Code != ErrCodeNoPeer {
		t.Errorf("expected code %s, got %s", ErrCodeNoPeer, err.Code)
	}

	// Test error wrapping
	cause := fmt.Errorf("underlying error")
	wrapped := Wrap(cause, ErrCodeRelayLinkLost, "link lost")

	if wrapped.Unwrap() != cause {
		t.Error("Unwrap should return the cause")
	}

	// Test Is function
	if !Is(wrapped, ErrCodeRelayLinkLost) {
		t.Error("Is should return true for matching code")
	}

	if Is(wrapped, ErrCodeTimeout) {
		t.Error("Is should return false for non-matching code")
	}

	// Test Is through fmt wrapping
	outer := fmt.Errorf("dispatch: %w", wrapped)
	if !Is(outer, ErrCodeRelayLinkLost) {
		t.Error("Is should see through fmt.Errorf wrapping")
	}
	if GetCode(outer) != ErrCodeRelayLinkLost {
		t.Errorf("GetCode = %s, want %s", GetCode(outer), ErrCodeRelayLinkLost)
	}

	// Test WithDetail
	detailed := err.WithDetail("connectionId", "c1").WithDetail("port", 8765)
	if detailed.Details["connectionId"] != "c1" {
		t.Error("WithDetail should add details")
	}
}

func TestCodeOrInternal(t *testing.T) {
	if got := CodeOrInternal(fmt.Errorf("plain")); got != ErrCodeInternal {
		t.Errorf("CodeOrInternal(plain) = %s, want %s", got, ErrCodeInternal)
	}
	if got := CodeOrInternal(NoPeer(time.Second)); got != ErrCodeNoPeer {
		t.Errorf("CodeOrInternal(NoPeer) = %s, want %s", got, ErrCodeNoPeer)
	}
}

func TestErrorConstructors(t *testing.T) {
	err := Timeout("req-1", 2*time.Second)
	if err.Code != ErrCodeTimeout {
		t.Errorf("expected code %s, got %s", ErrCodeTimeout, err.Code)
	}
	if err.Details["requestId"] != "req-1" {
		t.Error("Timeout should include requestId detail")
	}

	err = AddressInUse("127.0.0.1:8765", fmt.Errorf("bind: address already in use"))
	if err.Code != ErrCodeAddressInUse {
		t.Errorf("expected code %s, got %s", ErrCodeAddressInUse, err.Code)
	}
	if err.Details["address"] != "127.0.0.1:8765" {
		t.Error("AddressInUse should include address detail")
	}

	err = TerminalError("TAB_CLOSED", "tab was closed")
	if err.Details["terminalCode"] != "TAB_CLOSED" {
		t.Error("TerminalError should carry the terminal's own code")
	}
}
