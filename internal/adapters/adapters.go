// Package adapters narrows the concrete circuit/bulkhead structs down to
// the small capability handles pkg/provider and pkg/toolqueue declare for
// themselves, resolving the import-cycle-avoiding interface narrowing those
// packages use without either of them importing pkg/circuit or pkg/bulkhead
// directly.
package adapters

import (
	"context"

	"github.com/sendcat/chat-gateway/pkg/bulkhead"
	"github.com/sendcat/chat-gateway/pkg/circuit"
)

// CircuitGate adapts *circuit.Breaker to pkg/provider.CircuitGate, which
// flattens GateResult into the (allowed, retryAfterMs) pair provider.Router
// expects.
type CircuitGate struct {
	Breaker *circuit.Breaker
}

func (g CircuitGate) CheckGate(ctx context.Context, route string) (bool, int, error) {
	result, err := g.Breaker.CheckGate(ctx, route)
	if err != nil {
		return false, 0, err
	}
	return result.Allowed, result.RetryAfterMs, nil
}

func (g CircuitGate) RecordSuccess(ctx context.Context, route string) error {
	return g.Breaker.RecordSuccess(ctx, route)
}

func (g CircuitGate) RecordFailure(ctx context.Context, route string, threshold, cooldownMs, maxCooldownMs int) error {
	return g.Breaker.RecordFailure(ctx, route, threshold, cooldownMs, maxCooldownMs)
}

// ProviderBulkheadGate adapts *bulkhead.Bulkhead to pkg/provider.BulkheadGate,
// which flattens AcquireResult into the (acquired, retryAfterMs) pair
// provider.Router expects.
type ProviderBulkheadGate struct {
	Bulkhead *bulkhead.Bulkhead
}

func (g ProviderBulkheadGate) AcquireSlot(ctx context.Context, provider, leaseID string, maxConcurrent, leaseTTLMs, sentryCooldownMs int) (bool, int) {
	result := g.Bulkhead.AcquireSlot(ctx, provider, leaseID, maxConcurrent, leaseTTLMs, sentryCooldownMs)
	return result.Acquired, result.RetryAfterMs
}

func (g ProviderBulkheadGate) ReleaseSlot(ctx context.Context, provider, leaseID string) error {
	return g.Bulkhead.ReleaseSlot(ctx, provider, leaseID)
}

// ToolQueueBulkheadGate adapts *bulkhead.Bulkhead to pkg/toolqueue.BulkheadGate,
// which only needs the acquired bool -- the worker has no retry-after to
// surface, it just skips the run on saturation.
type ToolQueueBulkheadGate struct {
	Bulkhead *bulkhead.Bulkhead
}

func (g ToolQueueBulkheadGate) AcquireSlot(ctx context.Context, provider, leaseID string, maxConcurrent, leaseTTLMs, sentryCooldownMs int) bool {
	return g.Bulkhead.AcquireSlot(ctx, provider, leaseID, maxConcurrent, leaseTTLMs, sentryCooldownMs).Acquired
}

func (g ToolQueueBulkheadGate) ReleaseSlot(ctx context.Context, provider, leaseID string) error {
	return g.Bulkhead.ReleaseSlot(ctx, provider, leaseID)
}
