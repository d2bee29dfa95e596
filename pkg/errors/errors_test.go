package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultStatusCodes verifies every code maps to the status a client
// should receive.
func TestDefaultStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		code   ErrorCode
		status int
	}{
		{name: "bad request", code: CodeBadRequest, status: http.StatusBadRequest},
		{name: "uri too long", code: CodeURITooLong, status: http.StatusRequestURITooLong},
		{name: "forbidden", code: CodeForbidden, status: http.StatusForbidden},
		{name: "proxy auth", code: CodeProxyAuthRequired, status: http.StatusProxyAuthRequired},
		{name: "upstream timeout", code: CodeUpstreamTimeout, status: http.StatusGatewayTimeout},
		{name: "upstream unavailable", code: CodeUpstreamUnavailable, status: http.StatusGatewayTimeout},
		{name: "dns failure", code: CodeDNSFailure, status: http.StatusGatewayTimeout},
		{name: "upstream protocol", code: CodeUpstreamProtocol, status: http.StatusBadGateway},
		{name: "internal", code: CodeInternalError, status: http.StatusInternalServerError},
		{name: "cache", code: CodeCacheError, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "boom")
			assert.Equal(t, tt.status, err.StatusCode)
		})
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(CodeUpstreamError, "connect failed", cause)

	assert.Equal(t, cause, err.Unwrap())
	assert.Equal(t, "connection refused", err.Details)
	assert.Contains(t, err.Error(), "UPSTREAM_ERROR")
	assert.True(t, stderrors.Is(err, New(CodeUpstreamError, "other")))
	assert.False(t, stderrors.Is(err, New(CodeBadRequest, "other")))
}

func TestWrapNilCause(t *testing.T) {
	err := Wrap(CodeBadRequest, "bad", nil)
	assert.Nil(t, err.Cause)
	assert.Equal(t, "[CLIENT_BAD_REQUEST] bad", err.Error())
}

func TestStatusOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", URITooLong(fmt.Errorf("line")))
	assert.Equal(t, http.StatusRequestURITooLong, StatusOf(wrapped))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(fmt.Errorf("plain")))
	assert.Equal(t, CodeURITooLong, CodeOf(wrapped))
	assert.Equal(t, CodeInternalError, CodeOf(fmt.Errorf("plain")))
}

func TestRetriableClassification(t *testing.T) {
	assert.True(t, New(CodeUpstreamTimeout, "x").IsRetriable())
	assert.True(t, New(CodeUpstreamError, "x").IsRetriable())
	assert.False(t, New(CodeBadRequest, "x").IsRetriable())
	assert.True(t, New(CodeBadRequest, "x").IsClientError())
	assert.True(t, New(CodeUpstreamTimeout, "x").IsServerError())
}

func TestContextAndClone(t *testing.T) {
	err := UpstreamUnavailable("example.com:80", 5, fmt.Errorf("refused")).
		WithRequestID("abc").
		WithComponent("connpool")

	clone := err.Clone()
	clone.WithContext("attempts", 6)

	assert.Equal(t, 5, err.Context["attempts"])
	assert.Equal(t, 6, clone.Context["attempts"])

	line := err.FormatForLogging()
	assert.Contains(t, line, "request_id=abc")
	assert.Contains(t, line, "component=connpool")
	assert.Contains(t, line, "status=504")

	data, jerr := err.ToJSON()
	require.NoError(t, jerr)
	assert.Contains(t, string(data), `"code":"UPSTREAM_UNAVAILABLE"`)
}
