package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimitExceeded matches any *ExceededError via errors.Is.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ExceededError is returned by CheckRateLimitAndThrow when a call is denied.
// It carries what an enforcement point needs to answer with a 429.
type ExceededError struct {
	LimitType  LimitType
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// NewExceededError builds an ExceededError from a denied result.
func NewExceededError(r RateLimitResult) *ExceededError {
	return &ExceededError{
		LimitType:  r.LimitType,
		Limit:      r.LimitValue,
		Remaining:  r.Remaining,
		ResetTime:  r.ResetTime,
		RetryAfter: r.RetryAfter,
	}
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s limit of %d, retry after %s",
		e.LimitType, e.Limit, e.RetryAfter.Round(time.Second))
}

// Is reports ErrRateLimitExceeded as a match.
func (e *ExceededError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}
