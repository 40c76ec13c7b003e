package circuit

import (
	"context"
	"testing"
)

// memStore is an in-memory Store fake for exercising Breaker without a
// database.
type memStore struct {
	states map[string]state
}

func newMemStore() *memStore {
	return &memStore{states: map[string]state{}}
}

func (m *memStore) Load(_ context.Context, route string) (state, error) {
	if s, ok := m.states[route]; ok {
		return s, nil
	}
	return state{value: StateClosed}, nil
}

func (m *memStore) Save(_ context.Context, route string, s state) error {
	m.states[route] = s
	return nil
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]string{
		200: "success",
		204: "success",
		301: "success",
		399: "success",
		429: "neutral",
		408: "failure",
		425: "failure",
		500: "failure",
		503: "failure",
		404: "neutral",
		401: "neutral",
	}
	for status, want := range cases {
		if got := ClassifyStatus(status); got != want {
			t.Errorf("ClassifyStatus(%d) = %q, want %q", status, got, want)
		}
	}
}

// TestCircuitConvergence is the literal scenario: threshold=3, cooldown=1000ms.
// Three consecutive failures trip the breaker open; checkGate denies until
// the cooldown elapses, then allows exactly one half-open probe; success
// closes it.
func TestCircuitConvergence(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	b := NewBreaker(store)
	route := "chat-primary"

	for i := 0; i < 3; i++ {
		if err := b.RecordFailure(ctx, route, 3, 1000, 2000); err != nil {
			t.Fatalf("RecordFailure() error: %v", err)
		}
	}

	gate, err := b.CheckGate(ctx, route)
	if err != nil {
		t.Fatalf("CheckGate() error: %v", err)
	}
	if gate.Allowed {
		t.Fatal("CheckGate() should deny immediately after tripping open")
	}
	if gate.RetryAfterMs <= 0 {
		t.Errorf("RetryAfterMs = %d, want > 0", gate.RetryAfterMs)
	}

	// Force the cooldown to have elapsed.
	s := store.states[route]
	s.cooldownUntilMs = 0
	store.states[route] = s

	probe, err := b.CheckGate(ctx, route)
	if err != nil {
		t.Fatalf("CheckGate() error: %v", err)
	}
	if !probe.Allowed {
		t.Fatal("CheckGate() should allow exactly one half-open probe once cooldown elapses")
	}
	if store.states[route].value != StateHalfOpen {
		t.Errorf("state = %q, want %q", store.states[route].value, StateHalfOpen)
	}

	if err := b.RecordSuccess(ctx, route); err != nil {
		t.Fatalf("RecordSuccess() error: %v", err)
	}
	if store.states[route].value != StateClosed {
		t.Errorf("state after half-open success = %q, want %q", store.states[route].value, StateClosed)
	}
}

// TestCircuitHalfOpenFailureReopensWithBackoff verifies a failed probe
// re-opens the breaker with a cooldown at least as long as the initial one,
// capped at maxCooldownMs.
func TestCircuitHalfOpenFailureReopensWithBackoff(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.states["route"] = state{value: StateHalfOpen, lastCooldownMs: 1000}
	b := NewBreaker(store)

	if err := b.RecordFailure(ctx, "route", 3, 1000, 1500); err != nil {
		t.Fatalf("RecordFailure() error: %v", err)
	}

	s := store.states["route"]
	if s.value != StateOpen {
		t.Fatalf("state = %q, want %q", s.value, StateOpen)
	}
	if s.lastCooldownMs != 1500 {
		t.Errorf("lastCooldownMs = %d, want capped at 1500", s.lastCooldownMs)
	}

	gate, err := b.CheckGate(ctx, "route")
	if err != nil {
		t.Fatalf("CheckGate() error: %v", err)
	}
	if gate.Allowed {
		t.Error("CheckGate() should deny immediately after a half-open probe failure")
	}
}

func TestRecordSuccessOnClosedIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	b := NewBreaker(store)

	if err := b.RecordFailure(ctx, "route", 3, 1000, 2000); err != nil {
		t.Fatalf("RecordFailure() error: %v", err)
	}
	if err := b.RecordSuccess(ctx, "route"); err != nil {
		t.Fatalf("RecordSuccess() error: %v", err)
	}

	s := store.states["route"]
	if s.value != StateClosed || s.consecutiveFailures != 0 {
		t.Errorf("state = %+v, want closed with zeroed failures", s)
	}
}
