package upstream

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/voxgate-ai/voxgate/pkg/models"
)

// Sentinel errors for terminal invoker outcomes.
var (
	// ErrAttemptsExhausted is returned when the bounded retry budget ran
	// out without a terminal classification.
	ErrAttemptsExhausted = errors.New("attempts exhausted")
)

// APIError is a classified upstream failure. Kind drives the invoker's
// retry policy; the raw status and message ride along for observability.
type APIError struct {
	Kind       models.FailureKind
	StatusCode int
	Status     string // machine-readable status field from the error body
	Message    string
	Remaining  int64         // provider-reported remaining quota, if any
	RetryAfter time.Duration // upstream 429 hint, if any
	cause      error
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("upstream %s (%d): %s", e.Status, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream error (%d): %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.cause
}

// Retryable reports whether the same account may be retried after handling
// the failure.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case models.FailureTransient, models.FailureResourceLimit, models.FailureRateLimited:
		return true
	}
	return false
}

var remainingRe = regexp.MustCompile(`You have (\d+) credits remaining`)

// classifyBody maps a structured error response to an APIError. The status
// field is the provider's machine-readable discriminator.
func classifyBody(statusCode int, status, message string, retryAfter time.Duration) *APIError {
	e := &APIError{
		StatusCode: statusCode,
		Status:     status,
		Message:    message,
		Remaining:  -1,
		RetryAfter: retryAfter,
	}
	switch status {
	case "quota_exceeded":
		e.Kind = models.FailureQuotaExceeded
		if m := remainingRe.FindStringSubmatch(message); m != nil {
			if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				e.Remaining = n
			}
		}
	case "voice_limit_reached", "voice_add_edit_limit_reached":
		e.Kind = models.FailureResourceLimit
	case "detected_unusual_activity":
		e.Kind = models.FailureSuspicious
	case "too_many_concurrent_requests":
		e.Kind = models.FailureRateLimited
	default:
		if statusCode == 429 {
			e.Kind = models.FailureRateLimited
		} else {
			e.Kind = models.FailureOther
		}
	}
	return e
}

// classifyTransport wraps a transport-level failure (timeout, reset, DNS)
// as a transient error.
func classifyTransport(err error) *APIError {
	return &APIError{
		Kind:      models.FailureTransient,
		Message:   err.Error(),
		Remaining: -1,
		cause:     err,
	}
}
