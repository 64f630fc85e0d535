package dto

// ErrorEnvelope is the error body shape the web client expects: every error
// is wrapped in a top-level "detail" object.
type ErrorEnvelope struct {
	Detail any `json:"detail"`
}

// NewDetail wraps a human-readable message, e.g. {"detail": {"detail":
// "Thread not found."}}.
func NewDetail(message string) ErrorEnvelope {
	return ErrorEnvelope{Detail: map[string]string{"detail": message}}
}

// NewRateLimitDetail is the 429 body for hard-denied requests.
func NewRateLimitDetail() ErrorEnvelope {
	return ErrorEnvelope{Detail: map[string]string{"error": "Rate limit exceeded"}}
}

// NewValidationDetail wraps per-field validation errors for 422 responses.
func NewValidationDetail(fields map[string]string) ErrorEnvelope {
	return ErrorEnvelope{Detail: fields}
}
