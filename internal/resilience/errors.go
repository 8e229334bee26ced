package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"evalgate/internal/target"
)

// ErrCircuitOpen is returned when the per-target breaker fast-fails a call
// without contacting the target. It never consumes retry budget and never
// counts as a target-side failure.
var ErrCircuitOpen = errors.New("circuit open")

// ErrQueueFull is returned when a call is rejected because the per-target
// queue-depth ceiling is reached. Backpressure, not buffering.
var ErrQueueFull = errors.New("request queue full")

// ProviderError is an outbound call failure with an explicit retryability
// classification, so suite runners and the orchestrator never have to guess
// from error strings.
type ProviderError struct {
	StatusCode int
	Message    string
	Retryable  bool
	Timeout    bool
	RetryAfter time.Duration
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
	}
	return "provider error: " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Classify maps an error from the target client into a ProviderError.
// Retryable: timeouts, HTTP 5xx and 429. Everything else is terminal for the
// current test case.
func Classify(err error, raw *target.RawResponse) *ProviderError {
	if err == nil {
		return nil
	}
	out := &ProviderError{Message: err.Error(), Cause: err}

	if apiErr, ok := target.IsAPIError(err); ok {
		out.StatusCode = apiErr.StatusCode
		out.Message = apiErr.Error()
		out.Retryable = apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
		if raw != nil {
			out.RetryAfter = raw.RetryAfter()
		}
		return out
	}

	if errors.Is(err, context.DeadlineExceeded) {
		out.Timeout = true
		out.Retryable = true
		return out
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		out.Timeout = true
		out.Retryable = true
		return out
	}
	if errors.Is(err, context.Canceled) {
		return out
	}
	// Transport-level failures (connection refused, reset) are retryable:
	// the target may be briefly unreachable rather than broken.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		out.Retryable = true
	}
	return out
}

func IsProviderError(err error) (*ProviderError, bool) {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr, true
	}
	return nil, false
}
