package compat

import (
	"net/http"
	"strings"
)

// ErrorEnvelope is the OpenAI-compatible error shape every failure is
// reported in, buffered or mid-stream.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Error types surfaced to clients.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAPIError       = "api_error"
	TypeTimeout        = "timeout_error"
)

func NewErrorEnvelope(statusCode int, message string, code string) ErrorEnvelope {
	errType := ErrorTypeFromStatus(statusCode)
	if strings.TrimSpace(code) == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(statusCode), " ", "_"))
	}
	return ErrorEnvelope{
		Error: ErrorBody{
			Message: message,
			Type:    errType,
			Code:    code,
		},
	}
}

func ErrorTypeFromStatus(statusCode int) string {
	switch {
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return TypeTimeout
	case statusCode >= 500:
		return TypeAPIError
	default:
		return TypeInvalidRequest
	}
}
