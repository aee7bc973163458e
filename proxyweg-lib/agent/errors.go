package agent

import (
	"errors"
	"fmt"
)

// Error represents an agent-specific error with a code and description
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

// NewAgentError creates a new Error with the given code and description
func NewAgentError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Agent Error Codes
const (
	// Configuration and Endpoint Errors (E1000-E1999)
	ErrCodeInvalidEndpoint = "E1001"
	ErrCodeUnknownScheme   = "E1002"
	ErrCodeMissingEngine   = "E1003"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeDialFailed        = "E2001"
	ErrCodeConnectionTimeout = "E2002"
	ErrCodeInvalidTarget     = "E2003"

	// TLS Errors (E3000-E3999)
	ErrCodeProxyTLSFailed  = "E3001"
	ErrCodeTargetTLSFailed = "E3002"

	// Tunnel Response Errors (E4000-E4999)
	ErrCodeResponseTruncated = "E4001"
	ErrCodeResponseMalformed = "E4002"

	// Proxy Chain Errors (E6000-E6999)
	ErrCodeProxyDialFailed     = "E6001"
	ErrCodeConnectWriteFailed  = "E6002"
	ErrCodeSOCKSDialerFailed   = "E6003"
	ErrCodeSOCKSConnectFailed  = "E6004"
	ErrCodeBackendUnavailable  = "E6010"
	ErrCodeAllProxiesExhausted = "E6011"
	ErrCodeResolverLoadFailed  = "E6012"
	ErrCodeResolverEvalFailed  = "E6013"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeInvalidEndpoint: "Invalid proxy endpoint URI",
	ErrCodeUnknownScheme:   "Unknown or unsupported proxy scheme",
	ErrCodeMissingEngine:   "No PAC engine configured for dynamic proxy resolution",

	ErrCodeDialFailed:        "Failed to dial target address",
	ErrCodeConnectionTimeout: "Connection attempt timed out",
	ErrCodeInvalidTarget:     "Missing or invalid destination host",

	ErrCodeProxyTLSFailed:  "TLS handshake with proxy endpoint failed",
	ErrCodeTargetTLSFailed: "TLS handshake with destination failed",

	ErrCodeResponseTruncated: "Stream ended before a complete tunnel response header",
	ErrCodeResponseMalformed: "Tunnel response could not be parsed",

	ErrCodeProxyDialFailed:     "Failed to dial proxy server",
	ErrCodeConnectWriteFailed:  "Failed to send CONNECT request",
	ErrCodeSOCKSDialerFailed:   "Failed to create SOCKS dialer",
	ErrCodeSOCKSConnectFailed:  "SOCKS connection failed",
	ErrCodeBackendUnavailable:  "Proxy directive backend failed to connect",
	ErrCodeAllProxiesExhausted: "Every proxy directive in the chain failed",
	ErrCodeResolverLoadFailed:  "PAC script fetch or compile failed",
	ErrCodeResolverEvalFailed:  "PAC resolver evaluation failed",
}

// Helper constructors for common error groups

// NewEndpointError creates an endpoint/configuration-related error
func NewEndpointError(code string, cause error) *Error {
	return NewAgentError(code, GetErrorDescription(code), cause)
}

// NewConnectionError creates a connection-related error
func NewConnectionError(code string, cause error) *Error {
	return NewAgentError(code, GetErrorDescription(code), cause)
}

// NewTLSError creates a TLS-related error
func NewTLSError(code string, cause error) *Error {
	return NewAgentError(code, GetErrorDescription(code), cause)
}

// NewResponseError creates a tunnel-response parsing error
func NewResponseError(code string, cause error) *Error {
	return NewAgentError(code, GetErrorDescription(code), cause)
}

// NewProxyChainError creates a proxy chain-related error
func NewProxyChainError(code string, cause error) *Error {
	return NewAgentError(code, GetErrorDescription(code), cause)
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Code >= "E2000" && agentErr.Code < "E3000"
	}
	return false
}

// IsTLSError checks if the error is TLS-related
func IsTLSError(err error) bool {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Code >= "E3000" && agentErr.Code < "E4000"
	}
	return false
}

// IsResponseError checks if the error is tunnel-response parsing related
func IsResponseError(err error) bool {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Code >= "E4000" && agentErr.Code < "E5000"
	}
	return false
}

// IsProxyChainError checks if the error is proxy chain-related
func IsProxyChainError(err error) bool {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Code >= "E6000" && agentErr.Code < "E7000"
	}
	return false
}

// IsTimeoutError checks if the error is the connector's own timeout
func IsTimeoutError(err error) bool {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Code == ErrCodeConnectionTimeout
	}
	return false
}
