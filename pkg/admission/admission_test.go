package admission

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRedis is an in-memory stand-in for RedisClient good enough to
// exercise the admission sequence's counter semantics.
type fakeRedis struct {
	counters map[string]int64
	strings  map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{counters: map[string]int64{}, strings: map[string]string{}}
}

func (f *fakeRedis) Incr(_ context.Context, key string) (int64, error) {
	f.counters[key]++
	return f.counters[key], nil
}

func (f *fakeRedis) IncrBy(_ context.Context, key string, value int64) (int64, error) {
	f.counters[key] += value
	return f.counters[key], nil
}

func (f *fakeRedis) Decr(_ context.Context, key string) (int64, error) {
	f.counters[key]--
	return f.counters[key], nil
}

func (f *fakeRedis) DecrBy(_ context.Context, key string, value int64) (int64, error) {
	f.counters[key] -= value
	return f.counters[key], nil
}

func (f *fakeRedis) Expire(_ context.Context, _ string, _ time.Duration) error {
	return nil
}

func (f *fakeRedis) Get(_ context.Context, key string) (string, bool, error) {
	if v, ok := f.counters[key]; ok {
		return strconv.FormatInt(v, 10), true, nil
	}
	v, ok := f.strings[key]
	return v, ok, nil
}

func (f *fakeRedis) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.strings[key] = value
	return nil
}

func (f *fakeRedis) Del(_ context.Context, key string) (int64, error) {
	if _, ok := f.strings[key]; !ok {
		return 0, nil
	}
	delete(f.strings, key)
	return 1, nil
}

func testConfig() Config {
	return Config{
		Enabled:               true,
		KeyPrefix:             "chatgw",
		EnforceUserInFlight:   true,
		EnforceGlobalInFlight: true,
		EnforceGlobalMsgRate:  true,
		EnforceGlobalToolRate: true,
		UserMaxInFlight:       2,
		GlobalMaxInFlight:     500,
		UserMaxMsgPerSec:      2,
		GlobalMaxMsgPerSec:    200,
		GlobalMaxToolPerSec:   400,
		TicketTTLMs:           60_000,
		RetryAfterMs:          1000,
		RetryAfterJitterPct:   20,
	}
}

// TestResolveAdmissionRetryAfterMsJitter is the literal invariant:
// rnd=0 -> base*(1-jitter), rnd=0.5 -> base, rnd=1 -> base*(1+jitter).
func TestResolveAdmissionRetryAfterMsJitter(t *testing.T) {
	cfg := Config{RetryAfterMs: 1000, RetryAfterJitterPct: 20}

	if got, want := ResolveAdmissionRetryAfterMs(cfg, 0), 800; got != want {
		t.Errorf("rnd=0: got %d, want %d", got, want)
	}
	if got, want := ResolveAdmissionRetryAfterMs(cfg, 0.5), 1000; got != want {
		t.Errorf("rnd=0.5: got %d, want %d", got, want)
	}
	if got, want := ResolveAdmissionRetryAfterMs(cfg, 1), 1200; got != want {
		t.Errorf("rnd=1: got %d, want %d", got, want)
	}
}

func TestResolveAdmissionRetryAfterMsClamped(t *testing.T) {
	cfg := Config{RetryAfterMs: 60_000, RetryAfterJitterPct: 90}
	if got := ResolveAdmissionRetryAfterMs(cfg, 1); got > 60_000 {
		t.Errorf("retry after = %d, want clamped to <= 60000", got)
	}

	cfg2 := Config{RetryAfterMs: 50, RetryAfterJitterPct: 90}
	if got := ResolveAdmissionRetryAfterMs(cfg2, 0); got < 100 {
		t.Errorf("retry after = %d, want clamped to >= 100", got)
	}
}

func TestCheckAndAcquireAdmission_SecondRequestSamePrincipalDenied(t *testing.T) {
	ctx := context.Background()
	redis := newFakeRedis()
	cfg := testConfig()
	cfg.UserMaxInFlight = 1

	first, err := CheckAndAcquireAdmission(ctx, discardLogger(), Request{
		PrincipalKey: "user-1", Mode: ModeEnforce, Config: cfg, Redis: redis, NowMs: 1_000_000,
	})
	if err != nil || !first.Allowed || first.Ticket == "" {
		t.Fatalf("first request should be allowed with a ticket, got %+v err=%v", first, err)
	}

	second, err := CheckAndAcquireAdmission(ctx, discardLogger(), Request{
		PrincipalKey: "user-1", Mode: ModeEnforce, Config: cfg, Redis: redis, NowMs: 1_000_000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Allowed || second.Reason != ReasonUserInFlight {
		t.Errorf("second request over cap = %+v, want denied reason=user_inflight", second)
	}

	// The rejected request must have rolled back exactly its own increment,
	// leaving the in-flight counter at the first request's acquired value.
	if redis.counters["chatgw:inflight:user:user-1"] != 1 {
		t.Errorf("user inflight counter = %d, want 1 after rollback", redis.counters["chatgw:inflight:user:user-1"])
	}
}

func TestCheckAndAcquireAdmission_ShadowModeNeverMutates(t *testing.T) {
	ctx := context.Background()
	redis := newFakeRedis()
	cfg := testConfig()
	cfg.UserMaxInFlight = 1
	redis.counters["chatgw:inflight:user:user-1"] = 5

	res, err := CheckAndAcquireAdmission(ctx, discardLogger(), Request{
		PrincipalKey: "user-1", Mode: ModeShadow, Config: cfg, Redis: redis, NowMs: 1_000_000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed || !res.WouldBlock {
		t.Errorf("shadow over-cap = %+v, want allowed=true wouldBlock=true", res)
	}
	if redis.counters["chatgw:inflight:user:user-1"] != 5 {
		t.Error("shadow mode must never mutate counters")
	}
}

func TestCheckAndAcquireAdmission_RedisUnavailable(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	enforceRes, err := CheckAndAcquireAdmission(ctx, discardLogger(), Request{
		PrincipalKey: "user-1", Mode: ModeEnforce, Config: cfg, Redis: nil, NowMs: 1_000_000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enforceRes.Allowed || enforceRes.Reason != ReasonRedisUnavailable {
		t.Errorf("enforce w/o redis = %+v, want fail closed redis_unavailable", enforceRes)
	}

	shadowRes, err := CheckAndAcquireAdmission(ctx, discardLogger(), Request{
		PrincipalKey: "user-1", Mode: ModeShadow, Config: cfg, Redis: nil, NowMs: 1_000_000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !shadowRes.Allowed || !shadowRes.WouldBlock || shadowRes.WouldBlockReasons[0] != ReasonRedisUnavailable {
		t.Errorf("shadow w/o redis = %+v, want allowed wouldBlock redis_unavailable", shadowRes)
	}
}

func TestCheckAndAcquireAdmission_DisabledGloballyAllows(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Enabled = false

	res, err := CheckAndAcquireAdmission(ctx, discardLogger(), Request{
		PrincipalKey: "user-1", Mode: ModeEnforce, Config: cfg, Redis: newFakeRedis(),
	})
	if err != nil || !res.Allowed || res.WouldBlock {
		t.Errorf("disabled admission = %+v err=%v, want allowed=true wouldBlock=false", res, err)
	}
}

func TestReleaseAdmission_DecrementsOnceOnFirstRelease(t *testing.T) {
	ctx := context.Background()
	redis := newFakeRedis()
	cfg := testConfig()

	res, err := CheckAndAcquireAdmission(ctx, discardLogger(), Request{
		PrincipalKey: "user-1", Mode: ModeEnforce, Config: cfg, Redis: redis, NowMs: 1_000_000,
	})
	if err != nil || !res.Allowed {
		t.Fatalf("setup request failed: %+v err=%v", res, err)
	}

	releaseReq := ReleaseRequest{Ticket: res.Ticket, PrincipalKey: "user-1", Config: cfg, Redis: redis}
	if err := ReleaseAdmission(ctx, releaseReq); err != nil {
		t.Fatalf("ReleaseAdmission() error: %v", err)
	}
	if redis.counters["chatgw:inflight:user:user-1"] != 0 {
		t.Errorf("user inflight after release = %d, want 0", redis.counters["chatgw:inflight:user:user-1"])
	}

	// A duplicate release must be a no-op since the ticket was already deleted.
	if err := ReleaseAdmission(ctx, releaseReq); err != nil {
		t.Fatalf("ReleaseAdmission() duplicate error: %v", err)
	}
	if redis.counters["chatgw:inflight:user:user-1"] != 0 {
		t.Errorf("duplicate release must not decrement further, got %d", redis.counters["chatgw:inflight:user:user-1"])
	}
}
