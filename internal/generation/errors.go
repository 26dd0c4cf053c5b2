package generation

import (
	"context"
	"errors"
	"net"
	"strings"
)

var (
	// ErrGenerationFailure is returned when a backend call fails.
	ErrGenerationFailure = errors.New("generation failed")

	// ErrEmptyCompletion is returned for a blank completion.
	ErrEmptyCompletion = errors.New("empty completion")

	// ErrInvalidTemplate rejects a prompt template without both placeholders.
	ErrInvalidTemplate = errors.New("prompt template must contain {{context}} and {{question}}")
)

// retryableError marks a failure worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func retryable(err error) error {
	return &retryableError{err: err}
}

// isRetryable reports whether err is transient. Cancellation of the caller's
// context is never retryable.
func isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	if errors.Is(err, ErrEmptyCompletion) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"status code: 429", "status code: 5", "rate limit", "timeout", "connection refused", "connection reset", "eof"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
