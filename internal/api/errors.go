package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error types reported in the envelope's "type" field.
const (
	TypeAccessDenied     = "access_denied"
	TypeServerError      = "server_error"
	TypeInvalidRequest   = "invalid_request"
	TypePaLMNoCandidates = "palm_no_candidates"
)

// policyPrefix is prepended to every policy violation message.
const policyPrefix = "Usage Panda: "

// ErrorDetail is the body of an OpenAI-style error envelope.
type ErrorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// ErrorEnvelope is the OpenAI-style error body: {"error": {...}}.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// MarshalError renders an error envelope.
func MarshalError(typ, msg string) []byte {
	b, _ := json.Marshal(ErrorEnvelope{Error: ErrorDetail{Message: msg, Type: typ}})
	return b
}

// NewErrorResponse builds an error response with the given status, type and message.
func NewErrorResponse(status int, typ, msg string) *Response {
	return NewJSONResponse(status, MarshalError(typ, msg))
}

// NewPolicyViolation builds the 422 response for accumulated policy flags.
// Descriptions are joined in insertion order.
func NewPolicyViolation(descriptions []string) *Response {
	return NewErrorResponse(http.StatusUnprocessableEntity, TypeInvalidRequest,
		policyPrefix+strings.Join(descriptions, "; "))
}

// AuthError reports a missing or malformed credential.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return "auth: " + e.Message }

// ConfigError reports a failure to resolve tenant configuration.
type ConfigError struct {
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Message, e.Err)
	}
	return "config: " + e.Message
}

func (e *ConfigError) Unwrap() error { return e.Err }

// BackendError reports a transport failure talking to the LLM provider, or a
// non-2xx reply received before any streamed data.
type BackendError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("backend: status %d", e.StatusCode)
}

func (e *BackendError) Unwrap() error { return e.Err }

// StreamParseError reports an SSE payload that could not be decoded.
// It is logged and recovered from, never returned to the client.
type StreamParseError struct {
	Payload string
	Err     error
}

func (e *StreamParseError) Error() string {
	return fmt.Sprintf("stream: cannot parse payload %q: %v", e.Payload, e.Err)
}

func (e *StreamParseError) Unwrap() error { return e.Err }

// ErrConversionUnsupported is logged when no converter exists for an endpoint
// under the active provider route. The request fails open.
var ErrConversionUnsupported = errors.New("conversion not supported for endpoint")

// ErrorResponse maps a typed error to the client-visible response.
func ErrorResponse(err error) *Response {
	var authErr *AuthError
	var cfgErr *ConfigError
	var backendErr *BackendError
	switch {
	case errors.As(err, &authErr):
		return NewErrorResponse(http.StatusForbidden, TypeAccessDenied, authErr.Message)
	case errors.As(err, &cfgErr):
		return NewErrorResponse(http.StatusInternalServerError, TypeServerError, cfgErr.Message)
	case errors.As(err, &backendErr):
		status := backendErr.StatusCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		body := backendErr.Body
		if len(body) == 0 {
			body = []byte("{}")
		}
		resp := NewJSONResponse(status, body)
		for k, vv := range backendErr.Header {
			resp.Header[k] = append([]string(nil), vv...)
		}
		return resp
	default:
		return NewErrorResponse(http.StatusInternalServerError, TypeServerError, "Internal server error")
	}
}
