package proxy

import (
	"errors"
	"fmt"
)

// errMalformedRequest marks client input the proxy gives up on silently:
// the connection closes without a response and without an audit entry.
// This is distinct from a blocklist rejection, which responds and logs.
var errMalformedRequest = errors.New("malformed request")

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1001"
	ErrCodeBlocklistLoadFailed  = "E1002"
	ErrCodeCollectorInitFailed  = "E1003"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeUpstreamConnectFailed = "E2001"
	ErrCodeSOCKS5DialerFailed    = "E2002"
	ErrCodeRelayFailed           = "E2003"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeRequestWriteFailed  = "E4001"
	ErrCodeBodyForwardFailed   = "E4002"
	ErrCodeResponseRelayFailed = "E4003"
	ErrCodeClientWriteFailed   = "E4004"
)
