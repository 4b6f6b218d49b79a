package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LinearRetryPolicy retries every transport failure the same way and waits
// delay*n before attempt n+1. There is no jitter and no cap.
type LinearRetryPolicy struct {
	maxAttempts int
	delay       time.Duration
}

// NewLinearRetryPolicy validates the retry budget.
func NewLinearRetryPolicy(maxAttempts int, delay time.Duration) (*LinearRetryPolicy, error) {
	if maxAttempts < 1 {
		return nil, fmt.Errorf("%w: max retries must be >= 1, got %d", ErrInvalidInput, maxAttempts)
	}
	if delay < 0 {
		return nil, fmt.Errorf("%w: retry delay must be >= 0, got %s", ErrInvalidInput, delay)
	}
	return &LinearRetryPolicy{maxAttempts: maxAttempts, delay: delay}, nil
}

// MaxAttempts returns the total number of attempts allowed.
func (p *LinearRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry reports whether another attempt follows the failed attempt
// number attempt (1-based). Classification is ignored on purpose; only
// context cancellation stops the loop early.
func (p *LinearRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Backoff returns the wait before attempt number attempt (1-based):
// zero for the first attempt, delay*(attempt-1) afterwards.
func (p *LinearRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return p.delay * time.Duration(attempt-1)
}
