package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sendcat/chat-gateway/internal/telemetry"
)

// Limiter is the fixed-window rate-limit primitive described in the
// component design: read-or-create the current window, reject without
// writing once at cap, and fail closed on a detected write conflict.
type Limiter struct {
	store Store
}

func NewLimiter(store Store) *Limiter {
	return &Limiter{store: store}
}

// RecentAlerts exposes the store's recently-raised alerts for the ops
// snapshot.
func (l *Limiter) RecentAlerts(ctx context.Context, limit int) ([]AlertRow, error) {
	return l.store.RecentAlerts(ctx, limit)
}

// CheckAndIncrement reads or creates the current window row for
// (bucket,key); if count >= max it returns allowed=false without writing
// (the anti-contention optimization named in the component design). On a
// detected write conflict it returns the contention_fallback signal rather
// than retrying indefinitely.
func (l *Limiter) CheckAndIncrement(ctx context.Context, bucket, key string, max, windowMs int) (CheckResult, error) {
	now := time.Now()
	windowStartMs := (now.UnixMilli() / int64(windowMs)) * int64(windowMs)
	expiresAt := now.Add(time.Duration(windowMs) * time.Millisecond).Add(time.Second)

	row, err := l.store.ReadWindow(ctx, bucket, key, windowStartMs)
	if err != nil {
		return CheckResult{}, err
	}

	if !row.exists {
		ok, err := l.store.InsertWindow(ctx, bucket, key, windowStartMs, expiresAt)
		if err != nil {
			return CheckResult{}, err
		}
		if !ok {
			// Another writer created the row between our read and insert.
			telemetry.RateLimitContentionFallbackTotal.WithLabelValues(bucket).Inc()
			telemetry.RateLimitChecksTotal.WithLabelValues(bucket, OutcomeContentionFallback).Inc()
			return CheckResult{Allowed: false, RetryAfterMs: 1000}, nil
		}
		telemetry.RateLimitChecksTotal.WithLabelValues(bucket, OutcomeAllowed).Inc()
		return CheckResult{Allowed: true, Remaining: max - 1}, nil
	}

	if row.count >= max {
		telemetry.RateLimitChecksTotal.WithLabelValues(bucket, OutcomeDenied).Inc()
		return CheckResult{Allowed: false, RetryAfterMs: retryAfterForWindow(now, windowMs)}, nil
	}

	ok, err := l.store.CasIncrementWindow(ctx, bucket, key, windowStartMs, row.version, expiresAt)
	if err != nil {
		return CheckResult{}, err
	}
	if !ok {
		telemetry.RateLimitContentionFallbackTotal.WithLabelValues(bucket).Inc()
		telemetry.RateLimitChecksTotal.WithLabelValues(bucket, OutcomeContentionFallback).Inc()
		return CheckResult{Allowed: false, RetryAfterMs: 1000}, nil
	}

	telemetry.RateLimitChecksTotal.WithLabelValues(bucket, OutcomeAllowed).Inc()
	return CheckResult{Allowed: true, Remaining: max - (row.count + 1)}, nil
}

func retryAfterForWindow(now time.Time, windowMs int) int {
	windowStartMs := (now.UnixMilli() / int64(windowMs)) * int64(windowMs)
	nextWindow := windowStartMs + int64(windowMs)
	remaining := int(nextWindow - now.UnixMilli())
	if remaining < 1 {
		remaining = 1
	}
	return remaining
}

// dedupeKeyFor derives the 5-second dedup key for an event:
// hash(source, bucket, key, outcome, reason, floor(now/5s)).
func dedupeKeyFor(e Event, floor5 int64) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%s|%d", e.Source, e.Bucket, e.Key, e.Outcome, e.Reason, floor5)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// RecordEvent writes an event row deduped within a 5-second bucket keyed by
// (source, bucket, key, outcome, reason, floor(now/5s)). Duplicates inside
// the window are silently dropped.
func (l *Limiter) RecordEvent(ctx context.Context, e Event) error {
	floor5 := time.Now().Unix() / 5
	dedupeKey := dedupeKeyFor(e, floor5)

	expiresAt := time.Now().Add(24 * time.Hour)
	_, err := l.store.InsertEvent(ctx, e, dedupeKey, expiresAt)
	return err
}

// GetEventSummary returns counts over the trailing windowMin minutes,
// grouped by bucket:outcome and bucket:outcome:reason.
func (l *Limiter) GetEventSummary(ctx context.Context, windowMin int) (map[string]int, error) {
	rows, err := l.store.EventSummary(ctx, windowMin)
	if err != nil {
		return nil, err
	}

	out := make(map[string]int, len(rows)*2)
	for _, r := range rows {
		out[r.Bucket+":"+r.Outcome] += r.Count
		if r.Reason != "" {
			out[r.Bucket+":"+r.Outcome+":"+r.Reason] = r.Count
		}
	}
	return out, nil
}
