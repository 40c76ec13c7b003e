// Package bulkhead implements leased concurrency slots per upstream
// provider: bounded pools that reject rather than queue once full, with
// TTL-based reclamation of abandoned leases.
package bulkhead

import (
	"context"
	"log/slog"
	"time"

	"github.com/sendcat/chat-gateway/internal/alertenvelope"
	"github.com/sendcat/chat-gateway/internal/telemetry"
)

// AcquireResult is returned by AcquireSlot.
type AcquireResult struct {
	Acquired     bool
	InFlight     int
	RetryAfterMs int
}

// LeaseStore is the capability handle bulkhead leases are tracked through.
// Narrowing to this interface (rather than a concrete pgx store) keeps
// Bulkhead unit-testable with an in-memory fake.
type LeaseStore interface {
	CountActive(ctx context.Context, provider string, nowMs int64) (int, error)
	Insert(ctx context.Context, provider, leaseID string, expiresAt time.Time) error
	Delete(ctx context.Context, provider, leaseID string) error
	ListActive(ctx context.Context, provider string, nowMs int64) ([]string, error)
	DeleteExpired(ctx context.Context, nowMs int64) (int64, error)
}

// Bulkhead enforces a per-provider concurrency cap.
type Bulkhead struct {
	store    LeaseStore
	logger   *slog.Logger
	envelope *alertenvelope.Client

	lastSaturationWarning map[string]time.Time
}

func NewBulkhead(store LeaseStore, logger *slog.Logger, envelope *alertenvelope.Client) *Bulkhead {
	return &Bulkhead{
		store:                 store,
		logger:                logger,
		envelope:              envelope,
		lastSaturationWarning: map[string]time.Time{},
	}
}

// AcquireSlot counts active (non-expired) leases for provider and rejects at
// cap with a small retry hint. If tracking itself fails (store error), it
// fails open: callers receive a null/acquired lease and must proceed,
// because availability outranks strict bulkhead accounting.
func (b *Bulkhead) AcquireSlot(ctx context.Context, provider, leaseID string, maxConcurrent int, leaseTTLMs int, sentryCooldownMs int) AcquireResult {
	now := time.Now()
	nowMs := now.UnixMilli()

	inFlight, err := b.store.CountActive(ctx, provider, nowMs)
	if err != nil {
		b.logger.Warn("bulkhead tracking failed, acquiring fail-open", "error", err, "provider", provider)
		return AcquireResult{Acquired: true, InFlight: 0}
	}

	if inFlight >= maxConcurrent {
		telemetry.BulkheadRejectionsTotal.WithLabelValues(provider).Inc()
		b.maybeWarnSaturation(ctx, provider, inFlight, maxConcurrent, sentryCooldownMs, now)
		return AcquireResult{Acquired: false, InFlight: inFlight, RetryAfterMs: retryHint(leaseTTLMs)}
	}

	expiresAt := now.Add(time.Duration(leaseTTLMs) * time.Millisecond)
	if err := b.store.Insert(ctx, provider, leaseID, expiresAt); err != nil {
		b.logger.Warn("bulkhead lease insert failed, acquiring fail-open", "error", err, "provider", provider)
		return AcquireResult{Acquired: true, InFlight: inFlight}
	}

	telemetry.BulkheadInFlight.WithLabelValues(provider).Set(float64(inFlight + 1))
	return AcquireResult{Acquired: true, InFlight: inFlight + 1}
}

// ReleaseSlot removes a held lease; callers invoke this on completion or
// cancellation regardless of the producer's disposition.
func (b *Bulkhead) ReleaseSlot(ctx context.Context, provider, leaseID string) error {
	return b.store.Delete(ctx, provider, leaseID)
}

func (b *Bulkhead) ListInFlightByProvider(ctx context.Context, provider string) ([]string, error) {
	return b.store.ListActive(ctx, provider, time.Now().UnixMilli())
}

// CleanupExpired deletes leases past their TTL; intended to run on an
// interval in case a caller crashes without releasing.
func (b *Bulkhead) CleanupExpired(ctx context.Context) (int64, error) {
	return b.store.DeleteExpired(ctx, time.Now().UnixMilli())
}

func (b *Bulkhead) maybeWarnSaturation(ctx context.Context, provider string, inFlight, maxConcurrent, cooldownMs int, now time.Time) {
	if last, ok := b.lastSaturationWarning[provider]; ok {
		if now.Sub(last) < time.Duration(cooldownMs)*time.Millisecond {
			return
		}
	}
	b.lastSaturationWarning[provider] = now

	if b.envelope == nil {
		return
	}
	_ = b.envelope.Send(ctx, alertenvelope.Event{
		Message:   "bulkhead saturated for provider " + provider,
		Level:     "warning",
		Timestamp: now.UTC().Format(time.RFC3339),
		Tags:      map[string]string{"provider": provider},
		Extra:     map[string]any{"in_flight": inFlight, "max_concurrent": maxConcurrent},
	})
}

// retryHint returns a short retry suggestion bounded well under the lease
// TTL, since a slot can free up any time before the oldest lease expires.
func retryHint(leaseTTLMs int) int {
	hint := leaseTTLMs / 10
	if hint < 100 {
		hint = 100
	}
	if hint > 5000 {
		hint = 5000
	}
	return hint
}
