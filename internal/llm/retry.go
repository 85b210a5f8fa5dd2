package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
)

// DefaultBackoff is the wait before each retry of a failed judge call.
var DefaultBackoff = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}

// ErrEmptyReply is returned when the provider answers without any choice.
var ErrEmptyReply = errors.New("judge returned no choices")

// ExternalServiceError means the judge call failed after all permitted attempts.
type ExternalServiceError struct {
	Attempts int
	Err      error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("judge call failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// schedule is a backoff.BackOff that walks a fixed list of delays, repeating the last one.
type schedule struct {
	steps []time.Duration
	next  int
}

func (s *schedule) NextBackOff() time.Duration {
	if len(s.steps) == 0 {
		return 0
	}
	i := min(s.next, len(s.steps)-1)
	s.next++
	return s.steps[i]
}

func (s *schedule) Reset() { s.next = 0 }

func newBackOff(ctx context.Context, steps []time.Duration, maxAttempts int) backoff.BackOff {
	retries := uint64(0)
	if maxAttempts > 1 {
		retries = uint64(maxAttempts - 1)
	}
	return backoff.WithContext(backoff.WithMaxRetries(&schedule{steps: steps}, retries), ctx)
}

// retryable reports whether err is worth another attempt: timeouts, rate limiting,
// server-side failures and transport errors. Auth and validation failures are not.
func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode != 0 {
			return retryableStatus(reqErr.HTTPStatusCode)
		}
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
