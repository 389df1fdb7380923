package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode represents a specific error condition. Codes travel on the wire in
// error frames, so they are stable strings.
type ErrorCode string

const (
	// Request errors
	ErrCodeTimeout          ErrorCode = "TIMEOUT"
	ErrCodeNoPeer           ErrorCode = "NO_PEER"
	ErrCodeRelayLinkLost    ErrorCode = "RELAY_LINK_LOST"
	ErrCodeConnectionClosed ErrorCode = "CONNECTION_CLOSED"
	ErrCodeTerminalError    ErrorCode = "TERMINAL_ERROR"
	ErrCodeInvalidMessage   ErrorCode = "INVALID_MESSAGE"
	ErrCodeShuttingDown     ErrorCode = "SHUTTING_DOWN"

	// Connection health
	ErrCodeHeartbeatTimeout ErrorCode = "HEARTBEAT_TIMEOUT"

	// Startup errors
	ErrCodeAddressInUse ErrorCode = "ADDRESS_IN_USE"
	ErrCodeBindFailed   ErrorCode = "BIND_FAILED"

	// Session store errors
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"

	// Configuration errors
	ErrCodeConfigNotFound ErrorCode = "CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  ErrorCode = "CONFIG_INVALID"

	// General errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with context
type Error struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToJSON converts the error to JSON
func (e *Error) ToJSON() string {
	data, _ := json.MarshalIndent(e, "", "  ")
	return string(data)
}

// New creates a new Error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an Error
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Is checks if an error is a specific Error code
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	coded, ok := err.(*Error)
	if !ok {
		// Try to unwrap
		if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
			return Is(unwrapper.Unwrap(), code)
		}
		return false
	}

	return coded.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	coded, ok := err.(*Error)
	if !ok {
		// Try to unwrap
		if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
			return GetCode(unwrapper.Unwrap())
		}
		return ""
	}

	return coded.Code
}

// CodeOrInternal returns the error's code, or ErrCodeInternal for uncoded errors.
func CodeOrInternal(err error) ErrorCode {
	if code := GetCode(err); code != "" {
		return code
	}
	return ErrCodeInternal
}
