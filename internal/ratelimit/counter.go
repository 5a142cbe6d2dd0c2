package ratelimit

import (
	"context"
	"strings"
	"time"
)

// CounterResult is the outcome of a single sliding-window check.
type CounterResult struct {
	Count   int       // requests in the window after this call
	Allowed bool      // whether this call was recorded
	ResetAt time.Time // when the oldest request in the window expires
}

// Counter is a sliding-window request counter keyed by string.
//
// CheckAndRecord must be atomic per key: prune, count and conditional
// insert happen as one operation so concurrent callers can never admit
// more than limit requests in a window.
type Counter interface {
	CheckAndRecord(ctx context.Context, key string, limit int, window time.Duration) (CounterResult, error)

	// Count returns the requests currently in the window without recording.
	Count(ctx context.Context, key string, window time.Duration) (int, error)

	// Reset drops the window for key.
	Reset(ctx context.Context, key string) error
}

// KeyBuilder produces deterministic counter keys such as "rl:user:42:search".
type KeyBuilder struct {
	Prefix string
}

// Counter returns the key for (scope, identifier, category). The global
// scope has no identifier.
func (b KeyBuilder) Counter(scope LimitType, identifier string, cat Category) string {
	var sb strings.Builder
	sb.WriteString(b.Prefix)
	sb.WriteString(string(scope))
	sb.WriteByte(':')
	if identifier != "" {
		sb.WriteString(identifier)
		sb.WriteByte(':')
	}
	sb.WriteString(string(cat))
	return sb.String()
}
