package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is the closed set of failure kinds the gateway raises.
type ErrorCode string

const (
	ErrAuth          ErrorCode = "AUTH_ERROR"
	ErrRateLimit     ErrorCode = "RATE_LIMIT"
	ErrInvalidReq    ErrorCode = "INVALID_REQUEST"
	ErrContextLength ErrorCode = "CONTEXT_LENGTH_EXCEEDED"
	ErrModelNotFound ErrorCode = "MODEL_NOT_FOUND"
	ErrProvider      ErrorCode = "PROVIDER_ERROR"
	ErrNetwork       ErrorCode = "NETWORK_ERROR"
	ErrParse         ErrorCode = "PARSE_ERROR"
)

// Error is the only error type surfaced to gateway callers. HTTP and
// network failures are classified once, at the transport boundary, and
// never re-classified downstream.
type Error struct {
	Code       ErrorCode
	Message    string
	Provider   string
	HTTPStatus int
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Code, e.Message)
}

// IsRetryable reports whether err may succeed on a later attempt.
// Client-side mistakes and deterministic parse failures fail fast.
func IsRetryable(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	switch e.Code {
	case ErrRateLimit, ErrProvider, ErrNetwork:
		return true
	default:
		return false
	}
}

// CodeOf returns the taxonomy code of err, or "" for foreign errors.
func CodeOf(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// errorEnvelope matches the {"error": {"message": ...}} body every
// supported vendor uses for failures.
type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// contextLengthMarkers are the phrasings vendors use for an
// over-long prompt inside a generic 400 response.
var contextLengthMarkers = []string{
	"context length",
	"context_length",
	"maximum context",
	"token limit",
	"tokens exceed",
	"too many tokens",
	"prompt is too long",
}

// classifyStatus maps a non-2xx upstream response to the error taxonomy.
// Unparseable bodies degrade to a generic message; they never fail error
// construction itself.
func classifyStatus(providerName string, status int, body []byte) *Error {
	msg := extractErrMsg(status, body)

	switch status {
	case http.StatusUnauthorized:
		return &Error{Code: ErrAuth, Message: msg, Provider: providerName, HTTPStatus: status}
	case http.StatusTooManyRequests:
		return &Error{Code: ErrRateLimit, Message: msg, Provider: providerName, HTTPStatus: status}
	case http.StatusNotFound:
		return &Error{Code: ErrModelNotFound, Message: msg, Provider: providerName, HTTPStatus: status}
	case http.StatusBadRequest:
		lower := strings.ToLower(msg)
		for _, marker := range contextLengthMarkers {
			if strings.Contains(lower, marker) {
				return &Error{Code: ErrContextLength, Message: msg, Provider: providerName, HTTPStatus: status}
			}
		}
		return &Error{Code: ErrInvalidReq, Message: msg, Provider: providerName, HTTPStatus: status}
	default:
		return &Error{Code: ErrProvider, Message: msg, Provider: providerName, HTTPStatus: status}
	}
}

// networkError wraps a transport-level failure (no HTTP response at all).
func networkError(providerName string, err error) *Error {
	return &Error{Code: ErrNetwork, Message: err.Error(), Provider: providerName}
}

func extractErrMsg(status int, body []byte) string {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	if len(body) > 0 {
		if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
			return trimmed
		}
	}
	return fmt.Sprintf("provider returned status %d", status)
}
