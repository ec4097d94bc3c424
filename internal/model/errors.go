package model

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors compared with errors.Is at the API boundary.
var (
	// ErrNotFound covers both absent resources and resources owned by a
	// different tenant; the two cases are indistinguishable to callers.
	ErrNotFound = errors.New("not found")

	// ErrAuth marks an invalid, expired, or inactive session.
	ErrAuth = errors.New("session invalid or expired")

	// ErrConflict marks a lease or counter race. It is retried internally
	// and never surfaced to clients.
	ErrConflict = errors.New("concurrent update conflict")
)

// ValidationError rejects a malformed, oversized, or wrong-type upload or an
// invalid settings blob. Nothing is persisted when it is returned.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Reason }

// QuotaExceededError rejects an upload that would push usage above quota.
// It carries the numbers so clients can explain the rejection.
type QuotaExceededError struct {
	UsageBytes   int64
	QuotaBytes   int64
	RequestBytes int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: usage %d + request %d > quota %d",
		e.UsageBytes, e.RequestBytes, e.QuotaBytes)
}

// RateLimitedError carries the reset metadata for a 429 response.
type RateLimitedError struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, resets at %s", e.Reset.UTC().Format(time.RFC3339))
}

// ProcessingError wraps a recognition engine failure. Retryable failures go
// back through the scheduler; after the attempt budget runs out the last one
// lands on the document as terminal error detail.
type ProcessingError struct {
	Detail string
}

func (e *ProcessingError) Error() string { return "recognition failed: " + e.Detail }
