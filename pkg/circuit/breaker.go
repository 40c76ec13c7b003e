// Package circuit implements the per-upstream-route 3-state circuit
// breaker: closed, open, half_open, with threshold/cooldown gating and a
// single-probe recovery path.
package circuit

import (
	"context"
	"time"

	"github.com/sendcat/chat-gateway/internal/telemetry"
)

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// GateResult is returned by CheckGate.
type GateResult struct {
	Allowed      bool
	RetryAfterMs int
}

// RouteState is the exported, read-only projection of a route's breaker
// state for the ops snapshot — state itself stays unexported so only
// Breaker mutates it through CheckGate/RecordSuccess/RecordFailure.
type RouteState struct {
	Route               string
	Value                string
	ConsecutiveFailures int
	CooldownUntilMs      int64
}

// state mirrors the CircuitBreakerState record.
type state struct {
	value               string
	consecutiveFailures int
	cooldownUntilMs     int64
	lastCooldownMs      int64
}

// Store is the capability handle circuit breaker state is read/written
// through; the Postgres-backed implementation lives in store.go. Passing
// this as a narrow interface (rather than the concrete pgx store) keeps
// Breaker testable and avoids an import cycle with callers that also need
// to read state for the ops snapshot.
type Store interface {
	Load(ctx context.Context, route string) (state, error)
	Save(ctx context.Context, route string, s state) error
}

// Breaker implements checkGate/recordSuccess/recordFailure.
type Breaker struct {
	store Store
}

func NewBreaker(store Store) *Breaker {
	return &Breaker{store: store}
}

// CheckGate returns whether a call to route may proceed. While open, it
// returns allowed=false with a retry hint; once now has passed
// cooldownUntilMs the breaker promotes to half_open and allows exactly the
// probe call through.
func (b *Breaker) CheckGate(ctx context.Context, route string) (GateResult, error) {
	s, err := b.store.Load(ctx, route)
	if err != nil {
		return GateResult{}, err
	}

	nowMs := time.Now().UnixMilli()

	switch s.value {
	case StateOpen:
		if nowMs >= s.cooldownUntilMs {
			s.value = StateHalfOpen
			if err := b.store.Save(ctx, route, s); err != nil {
				return GateResult{}, err
			}
			telemetry.CircuitStateGauge.WithLabelValues(route).Set(1)
			return GateResult{Allowed: true}, nil
		}
		telemetry.CircuitStateGauge.WithLabelValues(route).Set(2)
		return GateResult{Allowed: false, RetryAfterMs: int(s.cooldownUntilMs - nowMs)}, nil
	default:
		return GateResult{Allowed: true}, nil
	}
}

// RecordSuccess resets a closed breaker's failure count, or, from
// half_open, closes the breaker and zeros consecutiveFailures.
func (b *Breaker) RecordSuccess(ctx context.Context, route string) error {
	s, err := b.store.Load(ctx, route)
	if err != nil {
		return err
	}
	s.value = StateClosed
	s.consecutiveFailures = 0
	s.cooldownUntilMs = 0
	telemetry.CircuitStateGauge.WithLabelValues(route).Set(0)
	return b.store.Save(ctx, route, s)
}

// RecordFailure increments the failure count. From closed, crossing
// threshold trips the breaker open. From half_open, the probe failure
// re-opens the breaker with a cooldown that may back off up to 2x the
// configured cooldown, capped at maxCooldownMs.
func (b *Breaker) RecordFailure(ctx context.Context, route string, threshold int, cooldownMs int, maxCooldownMs int) error {
	s, err := b.store.Load(ctx, route)
	if err != nil {
		return err
	}

	nowMs := time.Now().UnixMilli()

	switch s.value {
	case StateHalfOpen:
		backoff := s.lastCooldownMs * 2
		if backoff <= 0 {
			backoff = int64(cooldownMs)
		}
		if maxCooldownMs > 0 && backoff > int64(maxCooldownMs) {
			backoff = int64(maxCooldownMs)
		}
		s.value = StateOpen
		s.cooldownUntilMs = nowMs + backoff
		s.lastCooldownMs = backoff
		s.consecutiveFailures++
		telemetry.CircuitTripsTotal.WithLabelValues(route).Inc()
		telemetry.CircuitStateGauge.WithLabelValues(route).Set(2)
	default:
		s.consecutiveFailures++
		if s.consecutiveFailures >= threshold {
			s.value = StateOpen
			s.cooldownUntilMs = nowMs + int64(cooldownMs)
			s.lastCooldownMs = int64(cooldownMs)
			telemetry.CircuitTripsTotal.WithLabelValues(route).Inc()
			telemetry.CircuitStateGauge.WithLabelValues(route).Set(2)
		}
	}

	return b.store.Save(ctx, route, s)
}

// ClassifyStatus implements the HTTP status classification used by routing
// and tool paths: 2xx/3xx success, 429 neutral, 408/425/>=500 failure, all
// other non-OK codes neutral.
func ClassifyStatus(status int) string {
	switch {
	case status >= 200 && status < 400:
		return "success"
	case status == 429:
		return "neutral"
	case status == 408 || status == 425 || status >= 500:
		return "failure"
	default:
		return "neutral"
	}
}
