package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies terminal provider failures.
type ErrorKind string

const (
	// KindBlocked means the provider detected automated traffic and refused
	// to measure. The orchestrator may retry on the bypass path.
	KindBlocked ErrorKind = "blocked"
	// KindRateLimited means the provider asked us to slow down.
	KindRateLimited ErrorKind = "rate_limited"
	// KindTimeout means an async measurement never completed within budget.
	KindTimeout ErrorKind = "timeout"
	// KindInvalidResponse means the provider returned something unusable.
	KindInvalidResponse ErrorKind = "invalid_response"
)

// Error is a typed measurement-provider failure. The orchestrator branches
// on Kind; everything else treats it as an opaque error.
type Error struct {
	Kind       ErrorKind
	Msg        string
	StatusCode int
	// RetryAfter carries the provider-suggested backoff for rate limits.
	// Zero means no suggestion.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s (status %d): %s", e.Kind, e.StatusCode, e.Msg)
	}
	return fmt.Sprintf("provider %s: %s", e.Kind, e.Msg)
}

// BackoffHint implements the resilience backoff-hint contract so retry
// sleeps honor the provider-suggested delay.
func (e *Error) BackoffHint() time.Duration {
	return e.RetryAfter
}

// Is makes errors.Is match on kind against the kind sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Msg == ""
}

// Kind sentinels for errors.Is checks.
var (
	ErrBlocked         = &Error{Kind: KindBlocked}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrInvalidResponse = &Error{Kind: KindInvalidResponse}
)

// IsBlocked reports whether err is a blocked-traffic provider error.
func IsBlocked(err error) bool { return errors.Is(err, ErrBlocked) }

// IsRateLimited reports whether err is a rate-limit provider error.
func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

// IsTimeout reports whether err is a provider timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsInvalidResponse reports whether err is an unusable provider response.
func IsInvalidResponse(err error) bool { return errors.Is(err, ErrInvalidResponse) }

// KindOf returns the provider error kind, or "" for non-provider errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
