package capability

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when the requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ProviderError reports a failed call to an external provider.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int

	// Retryable is true for failures that may succeed when repeated, such as
	// rate limiting, 5xx responses and transport errors.
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err wraps a retryable ProviderError.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// RetryableStatus classifies an HTTP status code.
func RetryableStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}

// SchemaViolationError is returned when a structured response does not
// satisfy its schema.
type SchemaViolationError struct {
	Schema string
	Errors []string
}

func (e *SchemaViolationError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("response does not match schema %s", e.Schema)
	}
	return fmt.Sprintf("response does not match schema %s: %s", e.Schema, strings.Join(e.Errors, "; "))
}
