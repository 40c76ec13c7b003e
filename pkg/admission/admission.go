// Package admission implements the Redis-backed gate in front of chat and
// tool traffic: per-principal and global in-flight caps plus per-second
// message/tool rate caps, enforced or shadowed, with deterministic keys and
// exact rollback of only the counters a rejected request incremented.
package admission

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/sendcat/chat-gateway/internal/telemetry"
)

// CheckAndAcquireAdmission is the public gate entry point.
func CheckAndAcquireAdmission(ctx context.Context, logger *slog.Logger, req Request) (Result, error) {
	if !req.Config.Enabled {
		return Result{Allowed: true, Mode: ModeShadow, WouldBlock: false}, nil
	}

	nowMs := req.NowMs
	if nowMs == 0 {
		nowMs = time.Now().UnixMilli()
	}
	randomFn := req.RandomFn
	if randomFn == nil {
		randomFn = defaultRandomFn
	}

	if req.Redis == nil {
		retry := ResolveAdmissionRetryAfterMs(req.Config, randomFn())
		if req.Mode == ModeEnforce {
			telemetry.AdmissionDecisionsTotal.WithLabelValues("denied", ReasonRedisUnavailable).Inc()
			return Result{Allowed: false, Mode: ModeEnforce, Reason: ReasonRedisUnavailable, RetryAfterMs: retry}, nil
		}
		telemetry.AdmissionDecisionsTotal.WithLabelValues("shadow_would_block", ReasonRedisUnavailable).Inc()
		return Result{Allowed: true, Mode: ModeShadow, WouldBlock: true, WouldBlockReasons: []string{ReasonRedisUnavailable}, RetryAfterMs: retry}, nil
	}

	k := newKeys(req.Config.KeyPrefix)
	secBucket := nowMs / 1000

	if req.Mode == ModeShadow {
		return checkShadow(ctx, k, secBucket, req)
	}
	return checkEnforce(ctx, logger, k, secBucket, nowMs, randomFn, req)
}

func checkShadow(ctx context.Context, k keys, secBucket int64, req Request) (Result, error) {
	var reasons []string

	userInFlight := getInt(ctx, req.Redis, k.userInFlight(req.PrincipalKey))
	if req.Config.EnforceUserInFlight && userInFlight+1 > req.Config.UserMaxInFlight {
		reasons = append(reasons, ReasonUserInFlight)
	}

	globalInFlight := getInt(ctx, req.Redis, k.globalInFlight())
	if req.Config.EnforceGlobalInFlight && globalInFlight+1 > req.Config.GlobalMaxInFlight {
		reasons = append(reasons, ReasonGlobalInFlight)
	}

	msgRate := getInt(ctx, req.Redis, k.msgRate(secBucket))
	if req.Config.EnforceGlobalMsgRate && msgRate+1 > req.Config.GlobalMaxMsgPerSec {
		reasons = append(reasons, ReasonGlobalMsgRate)
	}

	if req.EstimatedToolCalls > 0 {
		toolRate := getInt(ctx, req.Redis, k.toolRate(secBucket))
		if req.Config.EnforceGlobalToolRate && toolRate+int64(req.EstimatedToolCalls) > int64(req.Config.GlobalMaxToolPerSec) {
			reasons = append(reasons, ReasonGlobalToolRate)
		}
	}

	telemetry.AdmissionDecisionsTotal.WithLabelValues("shadow", "n/a").Inc()
	if len(reasons) > 0 {
		telemetry.AdmissionShadowMismatchTotal.WithLabelValues(reasons[0]).Inc()
	}

	return Result{Allowed: true, Mode: ModeShadow, WouldBlock: len(reasons) > 0, WouldBlockReasons: reasons}, nil
}

func checkEnforce(ctx context.Context, logger *slog.Logger, k keys, secBucket, nowMs int64, randomFn func() float64, req Request) (Result, error) {
	ttl := time.Duration(req.Config.TicketTTLMs) * time.Millisecond
	var softBlocked []string
	var acquiredUser, acquiredGlobal, acquiredMsgRate bool
	var acquiredToolRate int64

	rollback := func() {
		if acquiredUser {
			_, _ = req.Redis.Decr(ctx, k.userInFlight(req.PrincipalKey))
		}
		if acquiredGlobal {
			_, _ = req.Redis.Decr(ctx, k.globalInFlight())
		}
		if acquiredMsgRate {
			_, _ = req.Redis.Decr(ctx, k.msgRate(secBucket))
		}
		if acquiredToolRate > 0 {
			_, _ = req.Redis.DecrBy(ctx, k.toolRate(secBucket), acquiredToolRate)
		}
	}

	fail := func(reason string) (Result, error) {
		rollback()
		retry := ResolveAdmissionRetryAfterMs(req.Config, randomFn())
		telemetry.AdmissionDecisionsTotal.WithLabelValues("denied", reason).Inc()
		return Result{Allowed: false, Mode: ModeEnforce, Reason: reason, RetryAfterMs: retry}, nil
	}

	errFail := func(err error) (Result, error) {
		rollback()
		retry := ResolveAdmissionRetryAfterMs(req.Config, randomFn())
		logger.Warn("admission redis error, rolling back and failing closed", "error", err)
		telemetry.AdmissionDecisionsTotal.WithLabelValues("denied", ReasonRedisUnavailable).Inc()
		return Result{Allowed: false, Mode: ModeEnforce, Reason: ReasonRedisUnavailable, RetryAfterMs: retry}, nil
	}

	// 1. user in-flight
	userCount, err := req.Redis.Incr(ctx, k.userInFlight(req.PrincipalKey))
	if err != nil {
		return errFail(err)
	}
	acquiredUser = true
	if err := req.Redis.Expire(ctx, k.userInFlight(req.PrincipalKey), ttl); err != nil {
		return errFail(err)
	}
	if userCount > int64(req.Config.UserMaxInFlight) {
		if req.Config.EnforceUserInFlight {
			return fail(ReasonUserInFlight)
		}
		softBlocked = append(softBlocked, ReasonUserInFlight)
	}

	// 2. global in-flight
	globalCount, err := req.Redis.Incr(ctx, k.globalInFlight())
	if err != nil {
		return errFail(err)
	}
	acquiredGlobal = true
	if err := req.Redis.Expire(ctx, k.globalInFlight(), ttl); err != nil {
		return errFail(err)
	}
	if globalCount > int64(req.Config.GlobalMaxInFlight) {
		if req.Config.EnforceGlobalInFlight {
			return fail(ReasonGlobalInFlight)
		}
		softBlocked = append(softBlocked, ReasonGlobalInFlight)
	}

	// 3. global message rate
	msgRateCount, err := req.Redis.Incr(ctx, k.msgRate(secBucket))
	if err != nil {
		return errFail(err)
	}
	acquiredMsgRate = true
	if err := req.Redis.Expire(ctx, k.msgRate(secBucket), 5*time.Second); err != nil {
		return errFail(err)
	}
	if msgRateCount > int64(req.Config.GlobalMaxMsgPerSec) {
		if req.Config.EnforceGlobalMsgRate {
			return fail(ReasonGlobalMsgRate)
		}
		softBlocked = append(softBlocked, ReasonGlobalMsgRate)
	}

	// 4. global tool rate
	if req.EstimatedToolCalls > 0 {
		toolRateCount, err := req.Redis.IncrBy(ctx, k.toolRate(secBucket), int64(req.EstimatedToolCalls))
		if err != nil {
			return errFail(err)
		}
		acquiredToolRate = int64(req.EstimatedToolCalls)
		if err := req.Redis.Expire(ctx, k.toolRate(secBucket), 5*time.Second); err != nil {
			return errFail(err)
		}
		if toolRateCount > int64(req.Config.GlobalMaxToolPerSec) {
			if req.Config.EnforceGlobalToolRate {
				return fail(ReasonGlobalToolRate)
			}
			softBlocked = append(softBlocked, ReasonGlobalToolRate)
		}
	}

	// 5. issue ticket
	ticketID := newTicketID()
	if err := req.Redis.Set(ctx, k.ticket(ticketID), "1", ttl); err != nil {
		return errFail(err)
	}

	telemetry.AdmissionDecisionsTotal.WithLabelValues("allowed", "n/a").Inc()
	return Result{Allowed: true, Mode: ModeEnforce, Ticket: ticketID, SoftBlockedReasons: softBlocked}, nil
}

// ReleaseAdmission deletes the ticket and, only if the delete actually
// removed a key (i.e. this call is not a duplicate release), decrements the
// two in-flight counters exactly once, clamped to zero on underflow.
func ReleaseAdmission(ctx context.Context, req ReleaseRequest) error {
	if req.Redis == nil || req.Ticket == "" {
		return nil
	}
	k := newKeys(req.Config.KeyPrefix)

	removed, err := req.Redis.Del(ctx, k.ticket(req.Ticket))
	if err != nil {
		return err
	}
	if removed == 0 {
		return nil
	}

	safeDecrement(ctx, req.Redis, k.userInFlight(req.PrincipalKey))
	safeDecrement(ctx, req.Redis, k.globalInFlight())
	return nil
}

func safeDecrement(ctx context.Context, client RedisClient, key string) {
	v, err := client.Decr(ctx, key)
	if err != nil {
		return
	}
	if v < 0 {
		_ = client.Set(ctx, key, "0", 0)
	}
}

func getInt(ctx context.Context, client RedisClient, key string) int64 {
	val, ok, err := client.Get(ctx, key)
	if err != nil || !ok {
		return 0
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ResolveAdmissionRetryAfterMs computes the jittered retry hint:
// clamp(round(base * (1 + (2*rnd-1)*jitter)), 100, 60000).
func ResolveAdmissionRetryAfterMs(cfg Config, rnd float64) int {
	jitter := float64(cfg.RetryAfterJitterPct)
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 90 {
		jitter = 90
	}
	jitter /= 100

	base := float64(cfg.RetryAfterMs)
	val := math.Round(base * (1 + (2*rnd-1)*jitter))

	if val < 100 {
		val = 100
	}
	if val > 60_000 {
		val = 60_000
	}
	return int(val)
}

func defaultRandomFn() float64 {
	return 0.5
}
