// Package errors provides structured error handling for the burrow proxy
// with error classification that maps every failure to the HTTP status the
// client finally sees.
//
// Key Features:
//   - Stable error codes for programmatic handling and log filtering
//   - HTTP-aware classification (400, 403, 407, 414, 500, 502, 504)
//   - Severity levels for alerting
//   - Context propagation (request id, component, free-form fields)
//   - Error chaining compatible with errors.Is / errors.As
//
// Lower layers (dispatcher, framing, cache) return plain sentinel errors.
// The connection state machine wraps them into a *ProxyError at the point
// where it decides between retrying, answering the client, or closing.
//
// Thread Safety:
// A *ProxyError is not safe for concurrent mutation. Build it completely
// before sharing it, or Clone it first.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorCode represents standardized error codes for programmatic handling
// and monitoring integration. Codes follow a hierarchical naming convention
// for easy categorization.
type ErrorCode string

// Error categories for systematic classification
const (
	// Proxy Internal Errors (5xx class)
	CodeInternalError       ErrorCode = "PROXY_INTERNAL_ERROR"
	CodeConfigurationError  ErrorCode = "PROXY_CONFIG_ERROR"
	CodeInitializationError ErrorCode = "PROXY_INIT_ERROR"
	CodeShutdownError       ErrorCode = "PROXY_SHUTDOWN_ERROR"

	// Upstream Errors (5xx class)
	CodeUpstreamError       ErrorCode = "UPSTREAM_ERROR"
	CodeUpstreamTimeout     ErrorCode = "UPSTREAM_TIMEOUT"
	CodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamProtocol    ErrorCode = "UPSTREAM_PROTOCOL_ERROR"
	CodeDNSFailure          ErrorCode = "UPSTREAM_DNS_FAILURE"
	CodeTunnelError         ErrorCode = "TUNNEL_ERROR"

	// Cache Errors (never shown to clients, logged only)
	CodeCacheError ErrorCode = "CACHE_IO_ERROR"

	// Client Request Errors (4xx class)
	CodeBadRequest        ErrorCode = "CLIENT_BAD_REQUEST"
	CodeURITooLong        ErrorCode = "CLIENT_URI_TOO_LONG"
	CodeForbidden         ErrorCode = "CLIENT_FORBIDDEN"
	CodeProxyAuthRequired ErrorCode = "CLIENT_PROXY_AUTH_REQUIRED"
	CodeMethodNotAllowed  ErrorCode = "CLIENT_METHOD_NOT_ALLOWED"
	CodeRequestTimeout    ErrorCode = "CLIENT_REQUEST_TIMEOUT"
	CodeClientClosed      ErrorCode = "CLIENT_CLOSED"
)

// ErrorSeverity indicates the severity level of an error for alerting
// and logging.
type ErrorSeverity uint8

const (
	SeverityDebug    ErrorSeverity = iota // Debug information, not an error
	SeverityInfo                          // Informational, recoverable
	SeverityWarn                          // Warning, potential issue
	SeverityError                         // Error, requires attention
	SeverityCritical                      // Critical, immediate action required
	SeverityFatal                         // Fatal, service unavailable
)

// String returns the string representation of ErrorSeverity
func (s ErrorSeverity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"

	case SeverityInfo:
		return "info"

	case SeverityWarn:
		return "warn"

	case SeverityError:
		return "error"

	case SeverityCritical:
		return "critical"

	case SeverityFatal:
		return "fatal"

	default:
		return "unknown"
	}
}

// ProxyError represents a structured error with the context needed to
// answer a client and to log the failure.
type ProxyError struct {
	Code       ErrorCode     `json:"code"`
	StatusCode int           `json:"status_code"`
	Severity   ErrorSeverity `json:"severity"`
	Timestamp  int64         `json:"timestamp"`

	Message string `json:"message"`
	Details string `json:"details,omitempty"`

	// RequestID identifies the client connection/request, when known.
	RequestID string `json:"request_id,omitempty"`

	// Component names the subsystem that produced the error
	// (dispatcher, cache, connpool, tunnel, ...).
	Component string `json:"component,omitempty"`

	Context map[string]interface{} `json:"context,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface with structured error information.
func (e *ProxyError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}

	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements error unwrapping for Go 1.13+ compatibility.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison for Go 1.13+ compatibility.
func (e *ProxyError) Is(target error) bool {
	if t, ok := target.(*ProxyError); ok {
		return e.Code == t.Code
	}

	return false
}

// WithContext adds contextual information to the error.
func (e *ProxyError) WithContext(key string, value interface{}) *ProxyError {
	if e.Context == nil {
		e.Context = make(map[string]interface{}, 4)
	}

	e.Context[key] = value
	return e
}

// WithComponent sets the component name where the error occurred.
func (e *ProxyError) WithComponent(component string) *ProxyError {
	e.Component = component
	return e
}

// WithRequestID sets the request ID for tracing.
func (e *ProxyError) WithRequestID(requestID string) *ProxyError {
	e.RequestID = requestID
	return e
}

// WithStatus overrides the default status code for the error code.
func (e *ProxyError) WithStatus(status int) *ProxyError {
	e.StatusCode = status
	return e
}

// WithCause sets the underlying cause error.
func (e *ProxyError) WithCause(err error) *ProxyError {
	e.Cause = err
	if e.Details == "" && err != nil {
		e.Details = err.Error()
	}

	return e
}

// IsClientError returns true if the error represents a client-side issue (4xx).
func (e *ProxyError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsServerError returns true if the error represents a server-side issue (5xx).
func (e *ProxyError) IsServerError() bool {
	return e.StatusCode >= 500
}

// IsRetriable returns true if the error indicates a condition where a new
// upstream connection attempt may succeed.
func (e *ProxyError) IsRetriable() bool {
	switch e.Code {
	case CodeUpstreamTimeout, CodeUpstreamUnavailable, CodeUpstreamError:
		return true

	default:
		return false
	}
}

// ToJSON serializes the error to JSON.
func (e *ProxyError) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FormatForLogging returns a single line representation for log output.
func (e *ProxyError) FormatForLogging() string {
	var sb strings.Builder
	sb.WriteString(e.Error())
	sb.WriteString(" status=")
	sb.WriteString(fmt.Sprint(e.StatusCode))
	sb.WriteString(" severity=")
	sb.WriteString(e.Severity.String())
	if e.Component != "" {
		sb.WriteString(" component=")
		sb.WriteString(e.Component)
	}
	if e.RequestID != "" {
		sb.WriteString(" request_id=")
		sb.WriteString(e.RequestID)
	}

	return sb.String()
}

// Clone creates a copy of the error for safe concurrent access.
func (e *ProxyError) Clone() *ProxyError {
	c := *e
	if e.Context != nil {
		c.Context = make(map[string]interface{}, len(e.Context))
		for k, v := range e.Context {
			c.Context[k] = v
		}
	}

	return &c
}

// GetAge returns how long ago the error was created
func (e *ProxyError) GetAge() time.Duration {
	return time.Since(time.Unix(0, e.Timestamp))
}

// New creates a new ProxyError with the default status and severity for
// the code.
func New(code ErrorCode, message string) *ProxyError {
	return &ProxyError{
		Code:       code,
		Message:    message,
		Timestamp:  time.Now().UnixNano(),
		StatusCode: getDefaultStatusCode(code),
		Severity:   getDefaultSeverity(code),
	}
}

// Newf creates a new ProxyError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *ProxyError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a ProxyError for additional context.
func Wrap(code ErrorCode, message string, err error) *ProxyError {
	if err == nil {
		return New(code, message)
	}

	return New(code, message).WithCause(err)
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(code ErrorCode, err error, format string, args ...interface{}) *ProxyError {
	return Wrap(code, fmt.Sprintf(format, args...), err)
}

// As returns the first *ProxyError in err's chain.
func As(err error) (*ProxyError, bool) {
	var pe *ProxyError
	if stderrors.As(err, &pe) {
		return pe, true
	}

	return nil, false
}

// StatusOf returns the HTTP status a client should see for err.
// Errors that are not a *ProxyError are internal errors.
func StatusOf(err error) int {
	if pe, ok := As(err); ok {
		return pe.StatusCode
	}

	return http.StatusInternalServerError
}

// CodeOf returns the code of the first *ProxyError in err's chain, or
// CodeInternalError.
func CodeOf(err error) ErrorCode {
	if pe, ok := As(err); ok {
		return pe.Code
	}

	return CodeInternalError
}

func getDefaultStatusCode(code ErrorCode) int {
	switch code {
	// Client errors (4xx)
	case CodeBadRequest:
		return http.StatusBadRequest

	case CodeURITooLong:
		return http.StatusRequestURITooLong

	case CodeForbidden:
		return http.StatusForbidden

	case CodeProxyAuthRequired:
		return http.StatusProxyAuthRequired

	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed

	case CodeRequestTimeout:
		return http.StatusRequestTimeout

	// Bad gateway (502)
	case CodeUpstreamError, CodeUpstreamProtocol, CodeTunnelError:
		return http.StatusBadGateway

	// Gateway timeout (504)
	case CodeUpstreamTimeout, CodeUpstreamUnavailable, CodeDNSFailure:
		return http.StatusGatewayTimeout

	// Internal server errors (500)
	default:
		return http.StatusInternalServerError
	}
}

func getDefaultSeverity(code ErrorCode) ErrorSeverity {
	switch code {
	case CodeInitializationError, CodeShutdownError:
		return SeverityFatal

	case CodeConfigurationError:
		return SeverityCritical

	case CodeInternalError, CodeCacheError:
		return SeverityError

	case CodeUpstreamError, CodeUpstreamTimeout, CodeUpstreamUnavailable,
		CodeUpstreamProtocol, CodeDNSFailure, CodeTunnelError:
		return SeverityWarn

	case CodeBadRequest, CodeURITooLong, CodeForbidden, CodeProxyAuthRequired,
		CodeMethodNotAllowed, CodeRequestTimeout, CodeClientClosed:
		return SeverityInfo

	default:
		return SeverityError
	}
}

// Helper functions for common error scenarios

// BadRequest creates a bad request error with specific details.
func BadRequest(message string) *ProxyError {
	return New(CodeBadRequest, message)
}

// URITooLong creates the error answered with 414.
func URITooLong(err error) *ProxyError {
	return Wrap(CodeURITooLong, "request line too long", err)
}

// Forbidden creates an access denied error.
func Forbidden(reason string) *ProxyError {
	return New(CodeForbidden, reason)
}

// UpstreamError creates an upstream error with target context.
func UpstreamError(target string, err error) *ProxyError {
	return Wrap(CodeUpstreamError, "upstream request failed", err).
		WithContext("target", target)
}

// UpstreamTimeout creates an upstream timeout error with timing information.
func UpstreamTimeout(target string, timeout time.Duration) *ProxyError {
	return New(CodeUpstreamTimeout, "upstream request timed out").
		WithContext("target", target).
		WithContext("timeout", timeout.String())
}

// UpstreamUnavailable creates the error used when the retry budget for
// reaching an upstream has been exhausted.
func UpstreamUnavailable(target string, attempts int, err error) *ProxyError {
	return Wrap(CodeUpstreamUnavailable, "upstream unreachable", err).
		WithContext("target", target).
		WithContext("attempts", attempts)
}

// ConfigError creates a configuration error with component information.
func ConfigError(component, message string) *ProxyError {
	return New(CodeConfigurationError, message).WithComponent(component)
}

// ProtocolError creates a protocol-related error
func ProtocolError(protocol, reason string) *ProxyError {
	return New(CodeUpstreamProtocol, reason).
		WithContext("protocol", protocol)
}

// Internal wraps an unexpected failure.
func Internal(err error) *ProxyError {
	return Wrap(CodeInternalError, "internal proxy error", err)
}
