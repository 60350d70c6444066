// Package errors provides the bot's error taxonomy and the standardized
// API error types served by the P2P server.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for retry and escalation decisions.
type Kind int

const (
	// KindUnknown is the zero value for unclassified errors.
	KindUnknown Kind = iota
	// KindTransient covers timeouts, connection failures and 5xx responses.
	// Recovered locally by the caller's retry envelope.
	KindTransient
	// KindPermanent covers signature rejection, nonce mismatch, non-retryable
	// HTTP codes and contract reverts. Never retried.
	KindPermanent
	// KindPolicyDenied covers open circuits and rate-limit refusals.
	KindPolicyDenied
	// KindDataIntegrity covers missing trade lists, missing exit prices and
	// hash mismatches. Never auto-recovered.
	KindDataIntegrity
	// KindInternal covers unreadable state files and similar local faults.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindPolicyDenied:
		return "policy_denied"
	case KindDataIntegrity:
		return "data_integrity"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// BotError attaches a Kind to an underlying error.
type BotError struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *BotError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *BotError) Unwrap() error { return e.Err }

// E wraps err with an operation name and a kind.
func E(op string, kind Kind, err error) *BotError {
	return &BotError{Kind: kind, Op: op, Err: err}
}

// Transient wraps err as retryable.
func Transient(op string, err error) *BotError { return E(op, KindTransient, err) }

// Permanent wraps err as non-retryable.
func Permanent(op string, err error) *BotError { return E(op, KindPermanent, err) }

// PolicyDenied wraps err as refused by local policy.
func PolicyDenied(op string, err error) *BotError { return E(op, KindPolicyDenied, err) }

// DataIntegrity wraps err as a data-integrity failure.
func DataIntegrity(op string, err error) *BotError { return E(op, KindDataIntegrity, err) }

// Internal wraps err as a local fault.
func Internal(op string, err error) *BotError { return E(op, KindInternal, err) }

// KindOf returns the Kind of the outermost BotError in err's chain,
// or KindUnknown when none is present.
func KindOf(err error) Kind {
	var be *BotError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err may be retried by a retry envelope.
// Unclassified errors are treated as retryable; everything the protocol
// knows to be permanent is classified at the point of failure.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindPermanent, KindPolicyDenied, KindDataIntegrity:
		return false
	default:
		return true
	}
}

// APIError represents a standardized API error response.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Details    any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// WithMessage returns a copy of the error with a custom message.
func (e *APIError) WithMessage(message string) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    message,
		StatusCode: e.StatusCode,
		Details:    e.Details,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details any) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    e.Message,
		StatusCode: e.StatusCode,
		Details:    details,
	}
}

// Standard error definitions
var (
	// ErrBadRequest is returned when the request is malformed.
	ErrBadRequest = &APIError{
		Code:       "bad_request",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	// ErrUnauthorized is returned when signature verification fails or the
	// sender is not a registered peer.
	ErrUnauthorized = &APIError{
		Code:       "unauthorized",
		Message:    "Signature verification failed",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrNotFound is returned when a bet or trade list is not found.
	ErrNotFound = &APIError{
		Code:       "not_found",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	// ErrReplay is returned when a commitment or proposal was already accepted.
	ErrReplay = &APIError{
		Code:       "replay",
		Message:    "Message already processed",
		StatusCode: http.StatusConflict,
	}

	// ErrRateLimited is returned when local fill policy refuses the request.
	ErrRateLimited = &APIError{
		Code:       "rate_limited",
		Message:    "Too many requests. Please try again later.",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrInternal is returned for unexpected server errors.
	ErrInternal = &APIError{
		Code:       "internal_error",
		Message:    "An internal error occurred",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrServiceUnavailable is returned when a dependent service is unavailable.
	ErrServiceUnavailable = &APIError{
		Code:       "service_unavailable",
		Message:    "Service temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
	}
)

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Code:       "validation_error",
		Message:    fmt.Sprintf("Validation failed: %s", message),
		StatusCode: http.StatusBadRequest,
		Details: map[string]string{
			"field": field,
			"error": message,
		},
	}
}

// AsAPIError converts any error to an APIError, defaulting to ErrInternal.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch KindOf(err) {
	case KindPolicyDenied:
		return ErrServiceUnavailable.WithMessage(err.Error())
	case KindPermanent:
		return ErrBadRequest.WithMessage(err.Error())
	default:
		return ErrInternal
	}
}
