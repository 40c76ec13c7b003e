package ops

import (
	"context"
	"time"

	"github.com/sendcat/chat-gateway/pkg/admission"
	"github.com/sendcat/chat-gateway/pkg/circuit"
	"github.com/sendcat/chat-gateway/pkg/ratelimit"
	"github.com/sendcat/chat-gateway/pkg/toolqueue"
)

// ConfigSource supplies the redacted config and region sections. Satisfied
// directly by *internal/config.Config.
type ConfigSource interface {
	Redacted() map[string]any
}

// RateLimitSource is the narrow slice of pkg/ratelimit the snapshot reads.
type RateLimitSource interface {
	GetEventSummary(ctx context.Context, windowMin int) (map[string]int, error)
	RecentAlerts(ctx context.Context, limit int) ([]ratelimit.AlertRow, error)
}

// CircuitSource is the narrow slice of pkg/circuit the snapshot reads.
type CircuitSource interface {
	ListRouteStates(ctx context.Context) ([]circuit.RouteState, error)
}

// BulkheadSource is the narrow slice of pkg/bulkhead the snapshot reads.
type BulkheadSource interface {
	CountActiveByProvider(ctx context.Context, nowMs int64) (map[string]int, error)
}

// ReplaySource is the narrow slice of pkg/replay the snapshot reads.
type ReplaySource interface {
	DuplicateCounts(ctx context.Context, windowMin int) (map[string]int, error)
}

// ToolCacheSource is the narrow slice of pkg/toolcache the snapshot reads.
type ToolCacheSource interface {
	CountActiveByNamespace(ctx context.Context, now time.Time) (map[string]int, error)
}

// ToolQueueSource is the narrow slice of pkg/toolqueue the snapshot reads.
type ToolQueueSource interface {
	QueueDepthByTool(ctx context.Context) (map[string]int, error)
	CountRunningByTool(ctx context.Context) (map[string]int, error)
	CountRunningByQos(ctx context.Context) (map[string]int, error)
	DeadLetterDepth(ctx context.Context) (int, error)
	OldestQueuedAge(ctx context.Context, now time.Time) (time.Duration, error)
	OldestRunningAge(ctx context.Context, now time.Time) (time.Duration, error)
	RecentDeadLetters(ctx context.Context, limit int) ([]toolqueue.Job, error)
	RecentAlerts(ctx context.Context, limit int) ([]toolqueue.AlertRow, error)
}

// AdmissionSource is the narrow slice of pkg/admission the snapshot reads.
type AdmissionSource interface {
	Summary(windowMin int) admission.Summary
}

// Dependencies bundles every capability handle getReliabilitySnapshot
// reads from. Any entry may be nil, in which case its section of the
// snapshot is left at its zero value rather than erroring — an operator
// query must never fail outright because one subsystem's store is
// unreachable.
type Dependencies struct {
	Config    ConfigSource
	RateLimit RateLimitSource
	Circuit   CircuitSource
	Bulkhead  BulkheadSource
	Replay    ReplaySource
	ToolCache ToolCacheSource
	ToolQueue ToolQueueSource
	Admission AdmissionSource
}

// Params bounds getReliabilitySnapshot's scans.
type Params struct {
	Minutes int
	Limit   int
}

// GetReliabilitySnapshot assembles the single read-only operator view
// described in the component design: config, rate-limit pressure, circuit
// states, bulkhead inflight, replay duplicates, tool-cache entries,
// tool-job health, and chat-admission summaries. Every sub-read is bounded
// by minutes/limit; a failing sub-read is logged by the caller (via the
// returned per-section error map) but never aborts the rest of the
// assembly.
func GetReliabilitySnapshot(ctx context.Context, deps Dependencies, params Params) (Snapshot, map[string]error) {
	if params.Minutes <= 0 {
		params.Minutes = 15
	}
	if params.Limit <= 0 {
		params.Limit = 20
	}

	errs := map[string]error{}
	snap := Snapshot{GeneratedAt: time.Now()}

	if deps.Config != nil {
		full := deps.Config.Redacted()
		snap.Config = full
		if region, ok := full["region"].(map[string]any); ok {
			snap.Region = region
		}
	}

	if deps.RateLimit != nil {
		events, err := deps.RateLimit.GetEventSummary(ctx, params.Minutes)
		if err != nil {
			errs["rate_limit.events"] = err
		}
		alerts, err := deps.RateLimit.RecentAlerts(ctx, params.Limit)
		if err != nil {
			errs["rate_limit.alerts"] = err
		}
		snap.RateLimit = RateLimitSnapshot{EventsByBucketOutcome: events, RecentAlerts: alerts}
	}

	if deps.Circuit != nil {
		states, err := deps.Circuit.ListRouteStates(ctx)
		if err != nil {
			errs["circuit.states"] = err
		}
		snap.Circuits = states
	}

	if deps.Bulkhead != nil {
		inFlight, err := deps.Bulkhead.CountActiveByProvider(ctx, time.Now().UnixMilli())
		if err != nil {
			errs["bulkhead.inflight"] = err
		}
		snap.Bulkhead = inFlight
	}

	if deps.Replay != nil {
		dupes, err := deps.Replay.DuplicateCounts(ctx, params.Minutes)
		if err != nil {
			errs["replay.duplicates"] = err
		}
		snap.Replay = dupes
	}

	if deps.ToolCache != nil {
		active, err := deps.ToolCache.CountActiveByNamespace(ctx, time.Now())
		if err != nil {
			errs["toolcache.active"] = err
		}
		snap.ToolCache = active
	}

	if deps.ToolQueue != nil {
		snap.ToolQueue = buildToolQueueSnapshot(ctx, deps.ToolQueue, params, errs)
	}

	if deps.Admission != nil {
		snap.Admission = AdmissionSnapshot{
			WindowMinutes: params.Minutes,
			Summary:       deps.Admission.Summary(params.Minutes),
		}
	}

	return snap, errs
}

func buildToolQueueSnapshot(ctx context.Context, src ToolQueueSource, params Params, errs map[string]error) ToolQueueSnapshot {
	now := time.Now()
	var tq ToolQueueSnapshot

	if v, err := src.QueueDepthByTool(ctx); err != nil {
		errs["toolqueue.queued_by_tool"] = err
	} else {
		tq.QueuedByTool = v
	}
	if v, err := src.CountRunningByTool(ctx); err != nil {
		errs["toolqueue.running_by_tool"] = err
	} else {
		tq.RunningByTool = v
	}
	if v, err := src.CountRunningByQos(ctx); err != nil {
		errs["toolqueue.running_by_qos"] = err
	} else {
		tq.RunningByQos = v
	}
	if v, err := src.DeadLetterDepth(ctx); err != nil {
		errs["toolqueue.dead_letter_depth"] = err
	} else {
		tq.DeadLetterDepth = v
	}
	if v, err := src.OldestQueuedAge(ctx, now); err != nil {
		errs["toolqueue.oldest_queued_age"] = err
	} else {
		tq.OldestQueuedAgeMs = v.Milliseconds()
	}
	if v, err := src.OldestRunningAge(ctx, now); err != nil {
		errs["toolqueue.oldest_running_age"] = err
	} else {
		tq.OldestRunningAgeMs = v.Milliseconds()
	}
	if v, err := src.RecentDeadLetters(ctx, params.Limit); err != nil {
		errs["toolqueue.recent_dead_letters"] = err
	} else {
		tq.RecentDeadLetters = v
	}
	if v, err := src.RecentAlerts(ctx, params.Limit); err != nil {
		errs["toolqueue.recent_alerts"] = err
	} else {
		tq.RecentAlerts = v
	}
	return tq
}
