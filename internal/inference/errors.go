package inference

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass categorizes backend errors for retry and failover decisions.
type ErrorClass string

const (
	// ErrorClassRateLimit indicates rate limiting (429); retryable, counted
	// toward the breaker threshold.
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassTransient indicates a temporarily unavailable backend
	// (502/503, timeout); retryable, not counted toward the breaker.
	ErrorClassTransient ErrorClass = "TRANSIENT"

	// ErrorClassTerminal indicates a failure that retrying cannot fix for
	// this backend (auth, bad request, malformed response).
	ErrorClassTerminal ErrorClass = "TERMINAL"
)

// BackendError is a failed HTTP exchange with an inference backend.
type BackendError struct {
	Backend    string
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *BackendError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend %s: status %d", e.Backend, e.StatusCode)
	}
	return fmt.Sprintf("backend %s: status %d: %s", e.Backend, e.StatusCode, e.Body)
}

// Classify maps an error to its retry class. Timeouts and network errors
// without a status code are transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassTerminal
	}
	var be *BackendError
	if errors.As(err, &be) {
		switch be.StatusCode {
		case 429:
			return ErrorClassRateLimit
		case 502, 503:
			return ErrorClassTransient
		default:
			return ErrorClassTerminal
		}
	}
	// No HTTP status: treat as a network-level transient failure.
	return ErrorClassTransient
}
