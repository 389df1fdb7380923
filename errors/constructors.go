package errors

import (
	"fmt"
	"time"
)

// Timeout creates a request timeout error
func Timeout(requestID string, after time.Duration) *Error {
	return New(ErrCodeTimeout, fmt.Sprintf("no response to request %s within %s", requestID, after)).
		WithDetail("requestId", requestID).
		WithDetail("timeout", after.String())
}

// NoPeer creates an error for a broadcast attempted with no terminal connected
func NoPeer(waited time.Duration) *Error {
	return New(ErrCodeNoPeer, fmt.Sprintf("no terminal connected after waiting %s", waited)).
		WithDetail("waited", waited.String())
}

// RelayLinkLost creates an error for requests pending on a dropped relay link
func RelayLinkLost(cause error) *Error {
	return Wrap(cause, ErrCodeRelayLinkLost, "relay connection lost")
}

// ConnectionClosed creates an error for requests whose originating connection closed
func ConnectionClosed(connID string) *Error {
	return New(ErrCodeConnectionClosed, fmt.Sprintf("connection %s closed", connID)).
		WithDetail("connectionId", connID)
}

// HeartbeatTimeout creates an error describing a stale connection eviction
func HeartbeatTimeout(connID string, reason string) *Error {
	return New(ErrCodeHeartbeatTimeout, fmt.Sprintf("connection %s evicted: %s", connID, reason)).
		WithDetail("connectionId", connID)
}

// TerminalError creates an error for a terminal that answered with a failure
func TerminalError(code, message string) *Error {
	return New(ErrCodeTerminalError, message).
		WithDetail("terminalCode", code)
}

// InvalidMessage creates an error for a frame that could not be interpreted
func InvalidMessage(reason string) *Error {
	return New(ErrCodeInvalidMessage, fmt.Sprintf("invalid message: %s", reason))
}

// AddressInUse creates the error that demotes a process to relay mode
func AddressInUse(addr string, cause error) *Error {
	return Wrap(cause, ErrCodeAddressInUse, fmt.Sprintf("address %s is already in use", addr)).
		WithDetail("address", addr)
}

// BindFailed creates a fatal bind error
func BindFailed(addr string, cause error) *Error {
	return Wrap(cause, ErrCodeBindFailed, fmt.Sprintf("failed to bind %s", addr)).
		WithDetail("address", addr)
}

// SessionNotFound creates a missing session record error
func SessionNotFound(sessionKey string) *Error {
	return New(ErrCodeSessionNotFound, fmt.Sprintf("session '%s' not found", sessionKey)).
		WithDetail("sessionKey", sessionKey)
}

// ConfigNotFound creates a configuration not found error
func ConfigNotFound(path string) *Error {
	return New(ErrCodeConfigNotFound, fmt.Sprintf("configuration file not found: %s", path)).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *Error {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}
