package domain

import "errors"

// Common domain errors
var (
	// Thread errors
	ErrThreadNotFound  = errors.New("thread not found")
	ErrThreadForbidden = errors.New("thread access forbidden")

	// Message errors
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidRole     = errors.New("invalid message role")
	ErrInvalidPartType = errors.New("invalid part type")

	// Tool errors
	ErrToolNotFound        = errors.New("tool not found")
	ErrToolNotAllowed      = errors.New("tool not allowed in this context")
	ErrToolExecutionFailed = errors.New("tool execution failed")
	ErrInvalidToolArgs     = errors.New("invalid tool arguments")

	// Auth errors
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrForbidden    = errors.New("access forbidden")

	// Rate limiting
	ErrRateLimited = errors.New("rate limit exceeded")

	// LLM errors
	ErrLLMUnavailable   = errors.New("LLM service unavailable")
	ErrLLMRequestFailed = errors.New("LLM request failed")

	// Validation errors
	ErrInvalidID      = errors.New("invalid ID format")
	ErrEmptyContent   = errors.New("content cannot be empty")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNaiveTimestamp = errors.New("timestamp must carry an explicit UTC offset")
	ErrQueryTooLarge  = errors.New("query too large")
	ErrInvalidCursor  = errors.New("invalid pagination cursor")
)

// DomainError wraps a domain error with additional context
type DomainError struct {
	Err     error
	Message string
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error wrapping the given cause
func NewDomainError(err error, message string) *DomainError {
	return &DomainError{Err: err, Message: message}
}
