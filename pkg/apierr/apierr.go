// Package apierr provides structured API error types and HTTP status mapping
// compatible with the Anthropic error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication_error"
	TypeNotFound       = "not_found_error"
	TypeRateLimit      = "rate_limit_error"
	TypeAPIError       = "api_error"
	TypeOverloaded     = "overloaded_error"
	TypeTimeout        = "timeout_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	envelope struct {
		Type  string   `json:"type"`
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, errType, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Body(errType, message))
}

// Body renders the error envelope without touching a response, for callers
// that embed errors in SSE events or logs.
func Body(errType, message string) []byte {
	body, _ := json.Marshal(envelope{
		Type: "error",
		Error: APIError{
			Type:    errType,
			Message: message,
		},
	})
	return body
}

// StatusFor maps an error type to the HTTP status the balancer responds with.
func StatusFor(errType string) int {
	switch errType {
	case TypeInvalidRequest:
		return fasthttp.StatusBadRequest
	case TypeAuthentication:
		return fasthttp.StatusUnauthorized
	case TypeNotFound:
		return fasthttp.StatusNotFound
	case TypeRateLimit:
		return fasthttp.StatusTooManyRequests
	case TypeOverloaded:
		return fasthttp.StatusServiceUnavailable
	case TypeTimeout:
		return fasthttp.StatusGatewayTimeout
	default:
		return fasthttp.StatusInternalServerError
	}
}

// TypeForStatus maps an HTTP status to the error type used when synthesizing
// an envelope for an upstream failure that did not carry one.
func TypeForStatus(status int) string {
	switch {
	case status == fasthttp.StatusUnauthorized, status == fasthttp.StatusForbidden:
		return TypeAuthentication
	case status == fasthttp.StatusNotFound:
		return TypeNotFound
	case status == fasthttp.StatusTooManyRequests:
		return TypeRateLimit
	case status == fasthttp.StatusServiceUnavailable:
		return TypeOverloaded
	case status == fasthttp.StatusGatewayTimeout, status == fasthttp.StatusRequestTimeout:
		return TypeTimeout
	case status >= 400 && status < 500:
		return TypeInvalidRequest
	default:
		return TypeAPIError
	}
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, TypeRateLimit, "rate limit exceeded")
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, TypeTimeout, "upstream request timed out")
}
