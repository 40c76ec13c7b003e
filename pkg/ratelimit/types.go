// Package ratelimit implements the fixed-window rate-limit primitive: a
// document-store-backed counter with an anti-contention read-before-write
// optimization, event telemetry with dedup, and a periodic threshold
// monitor that raises alerts and best-effort ships a warning envelope to an
// external error-collection endpoint.
package ratelimit

import "time"

// CheckResult is returned by CheckAndIncrement.
type CheckResult struct {
	Allowed      bool
	Remaining    int
	RetryAfterMs int
}

// Outcome values recorded on rate limit events.
const (
	OutcomeAllowed            = "allowed"
	OutcomeDenied             = "denied"
	OutcomeContentionFallback = "contention_fallback"
)

// Event is an immutable observation row.
type Event struct {
	Bucket    string
	Key       string
	Source    string
	Outcome   string
	Reason    string
	CreatedAt time.Time
}

// Threshold configures the 5-minute monitor for one bucket.
type Threshold struct {
	Bucket        string
	MaxDenials    int
	WindowMinutes int
}
