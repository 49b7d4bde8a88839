package core

import (
	"fmt"
)

// Error is the structured error carried across the gateway surface.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	// Reason carries the human-readable quota denial explanation so callers
	// can surface it without parsing Message.
	Reason string `json:"reason,omitempty"`
	// RetryAfter, in seconds, accompanies rate limit errors.
	RetryAfter *int `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	// ErrQuotaExceeded is a capacity error: the caller's allowance for the
	// current period is exhausted. Distinct from ErrRateLimit (transport
	// throttling) and always carries Reason.
	ErrQuotaExceeded ErrorType = "quota_exceeded_error"
	// ErrCollaborator wraps failures of the generation, synthesis, or
	// transcription collaborators. Retry-safe for the caller.
	ErrCollaborator ErrorType = "collaborator_error"
	// ErrCoordination covers voice-lock and turn arbitration faults that
	// should have been prevented structurally.
	ErrCoordination ErrorType = "coordination_error"
	ErrAPI          ErrorType = "api_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{Type: ErrNotFound, Message: message}
}

// NewQuotaExceededError creates a capacity error with the denial reason.
func NewQuotaExceededError(reason string) *Error {
	return &Error{
		Type:    ErrQuotaExceeded,
		Message: "usage limit exceeded",
		Reason:  reason,
	}
}

// NewCollaboratorError wraps a failure from an external collaborator.
func NewCollaboratorError(collaborator string, underlying error) *Error {
	return &Error{
		Type:    ErrCollaborator,
		Message: fmt.Sprintf("%s: %v", collaborator, underlying),
		Code:    collaborator + "_unavailable",
	}
}

// NewCoordinationError creates a coordination error.
func NewCoordinationError(message string) *Error {
	return &Error{Type: ErrCoordination, Message: message}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{Type: ErrAPI, Message: message}
}

// IsRetryable returns true if the error is safe to retry as-is. Quota
// denials are not retryable until the period rolls over.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrCollaborator, ErrAPI:
		return true
	default:
		return false
	}
}
