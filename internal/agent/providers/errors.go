package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorKind categorizes a provider failure for retry decisions and user
// messaging.
type ErrorKind string

const (
	// KindTransient covers network faults, 5xx, overload, and rate limits.
	KindTransient ErrorKind = "transient"

	// KindAuth covers invalid or missing credentials (401, 403).
	KindAuth ErrorKind = "auth"

	// KindInvalidRequest covers malformed requests the backend rejected (400).
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindModelUnavailable covers models the backend does not serve (404).
	KindModelUnavailable ErrorKind = "model_unavailable"

	// KindContentFilter covers responses blocked by safety filters.
	KindContentFilter ErrorKind = "content_filter"

	// KindProtocol covers malformed backend responses, e.g. unparseable
	// tool-call arguments at stream end.
	KindProtocol ErrorKind = "protocol"

	// KindCancelled covers deliberate cancellation and timeouts triggered by
	// the caller's context.
	KindCancelled ErrorKind = "cancelled"

	// KindUnknown is the fallback for unclassified failures.
	KindUnknown ErrorKind = "unknown"
)

// Retryable reports whether a retry may succeed.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient
}

// Error is a structured provider failure carrying enough context for retry
// classification, diagnostics, and user-facing messages.
type Error struct {
	Kind     ErrorKind
	Provider string
	Model    string

	// Status is the HTTP status code when applicable.
	Status int

	// Code is the backend-specific error code.
	Code string

	// Message is the short, user-visible description.
	Message string

	// RequestID is the backend's request id for support escalation.
	RequestID string

	// RetryAfter is a backend-supplied wait hint, typically from a 429.
	RetryAfter time.Duration

	Cause error
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	switch {
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error { return e.Cause }

// Remediation returns a suggested fix for configuration-class failures, or
// "" when there is nothing actionable.
func (e *Error) Remediation() string {
	switch e.Kind {
	case KindAuth:
		return fmt.Sprintf("check the credential for provider %q", e.Provider)
	case KindModelUnavailable:
		if e.Provider == "ollama" && e.Model != "" {
			return fmt.Sprintf("run `ollama pull %s` to fetch the model", e.Model)
		}
		return fmt.Sprintf("model %q is not served by %s; pick another model", e.Model, e.Provider)
	default:
		return ""
	}
}

// NewError wraps cause with classification inferred from its text.
func NewError(provider, model string, cause error) *Error {
	e := &Error{Provider: provider, Model: model, Cause: cause, Kind: KindUnknown}
	if cause != nil {
		e.Message = cause.Error()
		e.Kind = Classify(cause)
	}
	return e
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	e.Kind = classifyStatus(status)
	return e
}

// WithCode records a backend error code, reclassifying when recognized.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	if k := classifyCode(code); k != KindUnknown {
		e.Kind = k
	}
	return e
}

// WithMessage overrides the short description.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithRequestID records the backend request id.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// WithRetryAfter records a backend wait hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Retryable reports whether err should be retried with backoff.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if pe, ok := AsError(err); ok {
		return pe.Kind.Retryable()
	}
	return Classify(err).Retryable()
}

// RetryHint returns a server-supplied wait, or zero.
func RetryHint(err error) time.Duration {
	if pe, ok := AsError(err); ok {
		return pe.RetryAfter
	}
	return 0
}

// Classify infers an ErrorKind from an error's text. Used when the backend
// SDK does not expose structured status information.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "rate limit"), strings.Contains(s, "rate_limit"),
		strings.Contains(s, "too many requests"), strings.Contains(s, "429"),
		strings.Contains(s, "overloaded"):
		return KindTransient
	case strings.Contains(s, "timeout"), strings.Contains(s, "deadline exceeded"),
		strings.Contains(s, "connection refused"), strings.Contains(s, "connection reset"),
		strings.Contains(s, "no such host"), strings.Contains(s, "broken pipe"),
		strings.Contains(s, "unexpected eof"):
		return KindTransient
	case strings.Contains(s, "internal server"), strings.Contains(s, "server error"),
		strings.Contains(s, "bad gateway"), strings.Contains(s, "service unavailable"),
		strings.Contains(s, "500"), strings.Contains(s, "502"),
		strings.Contains(s, "503"), strings.Contains(s, "504"):
		return KindTransient
	case strings.Contains(s, "unauthorized"), strings.Contains(s, "invalid api key"),
		strings.Contains(s, "invalid_api_key"), strings.Contains(s, "authentication"),
		strings.Contains(s, "401"), strings.Contains(s, "403"):
		return KindAuth
	case strings.Contains(s, "content_filter"), strings.Contains(s, "content policy"),
		strings.Contains(s, "safety"):
		return KindContentFilter
	case strings.Contains(s, "model not found"), strings.Contains(s, "model_not_found"),
		strings.Contains(s, "does not exist"), strings.Contains(s, "not found, try pulling"):
		return KindModelUnavailable
	default:
		return KindUnknown
	}
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindTransient
	case status == http.StatusBadRequest:
		return KindInvalidRequest
	case status == http.StatusNotFound:
		return KindModelUnavailable
	case status >= 500:
		return KindTransient
	default:
		return KindUnknown
	}
}

func classifyCode(code string) ErrorKind {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "overloaded_error":
		return KindTransient
	case "authentication_error", "invalid_api_key", "permission_error":
		return KindAuth
	case "not_found_error", "model_not_found":
		return KindModelUnavailable
	case "content_policy_violation", "content_filter":
		return KindContentFilter
	case "api_error", "internal_error", "server_error":
		return KindTransient
	case "invalid_request_error":
		return KindInvalidRequest
	default:
		return KindUnknown
	}
}
