package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is matched by every *RateLimitedError via errors.Is.
var ErrRateLimited = errors.New("ratelimit: provider admission denied")

// Denial reasons.
const (
	ReasonConcurrency = "concurrency"
	ReasonWindow      = "window"
	ReasonCircuitOpen = "circuit_open"
	ReasonDuplicate   = "duplicate"
)

// RateLimitedError reports that a provider call was not admitted. Callers
// may retry after RetryAfter.
type RateLimitedError struct {
	Provider   string
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("ratelimit: %s denied (%s), retry after %dms", e.Provider, e.Reason, e.RetryAfterMs())
}

// Is makes errors.Is(err, ErrRateLimited) true.
func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfterMs is the retry hint in whole milliseconds, rounded up.
func (e *RateLimitedError) RetryAfterMs() int64 {
	ms := e.RetryAfter.Milliseconds()
	if e.RetryAfter%time.Millisecond != 0 {
		ms++
	}
	return ms
}
