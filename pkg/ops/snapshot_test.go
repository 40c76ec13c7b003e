package ops

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sendcat/chat-gateway/pkg/admission"
	"github.com/sendcat/chat-gateway/pkg/circuit"
	"github.com/sendcat/chat-gateway/pkg/ratelimit"
	"github.com/sendcat/chat-gateway/pkg/toolqueue"
)

type fakeConfigSource struct{ redacted map[string]any }

func (f fakeConfigSource) Redacted() map[string]any { return f.redacted }

type fakeRateLimitSource struct {
	events map[string]int
	alerts []ratelimit.AlertRow
	err    error
}

func (f fakeRateLimitSource) GetEventSummary(context.Context, int) (map[string]int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func (f fakeRateLimitSource) RecentAlerts(context.Context, int) ([]ratelimit.AlertRow, error) {
	return f.alerts, nil
}

type fakeCircuitSource struct {
	states []circuit.RouteState
	err    error
}

func (f fakeCircuitSource) ListRouteStates(context.Context) ([]circuit.RouteState, error) {
	return f.states, f.err
}

type fakeBulkheadSource struct{ counts map[string]int }

func (f fakeBulkheadSource) CountActiveByProvider(context.Context, int64) (map[string]int, error) {
	return f.counts, nil
}

type fakeReplaySource struct{ counts map[string]int }

func (f fakeReplaySource) DuplicateCounts(context.Context, int) (map[string]int, error) {
	return f.counts, nil
}

type fakeToolCacheSource struct{ counts map[string]int }

func (f fakeToolCacheSource) CountActiveByNamespace(context.Context, time.Time) (map[string]int, error) {
	return f.counts, nil
}

type fakeToolQueueSource struct {
	queuedErr error
}

func (f fakeToolQueueSource) QueueDepthByTool(context.Context) (map[string]int, error) {
	if f.queuedErr != nil {
		return nil, f.queuedErr
	}
	return map[string]int{"search_web": 3}, nil
}
func (f fakeToolQueueSource) CountRunningByTool(context.Context) (map[string]int, error) {
	return map[string]int{"search_web": 1}, nil
}
func (f fakeToolQueueSource) CountRunningByQos(context.Context) (map[string]int, error) {
	return map[string]int{toolqueue.QosRealtime: 1}, nil
}
func (f fakeToolQueueSource) DeadLetterDepth(context.Context) (int, error) { return 2, nil }
func (f fakeToolQueueSource) OldestQueuedAge(context.Context, time.Time) (time.Duration, error) {
	return 5 * time.Second, nil
}
func (f fakeToolQueueSource) OldestRunningAge(context.Context, time.Time) (time.Duration, error) {
	return 2 * time.Second, nil
}
func (f fakeToolQueueSource) RecentDeadLetters(context.Context, int) ([]toolqueue.Job, error) {
	return []toolqueue.Job{{ID: "job-1", ToolName: "search_web"}}, nil
}
func (f fakeToolQueueSource) RecentAlerts(context.Context, int) ([]toolqueue.AlertRow, error) {
	return []toolqueue.AlertRow{{AlertKey: "dlq_depth"}}, nil
}

type fakeAdmissionSource struct{ summary admission.Summary }

func (f fakeAdmissionSource) Summary(int) admission.Summary { return f.summary }

func fullDeps() Dependencies {
	return Dependencies{
		Config:    fakeConfigSource{redacted: map[string]any{"region": map[string]any{"id": "region-1"}}},
		RateLimit: fakeRateLimitSource{events: map[string]int{"chat_stream:allowed": 10}},
		Circuit:   fakeCircuitSource{states: []circuit.RouteState{{Route: "openai:primary", Value: "closed"}}},
		Bulkhead:  fakeBulkheadSource{counts: map[string]int{"openai": 4}},
		Replay:    fakeReplaySource{counts: map[string]int{"chat": 1}},
		ToolCache: fakeToolCacheSource{counts: map[string]int{"search_web_v1": 7}},
		ToolQueue: fakeToolQueueSource{},
		Admission: fakeAdmissionSource{summary: admission.Summary{EnforceTotal: 100, EnforceDenied: 5}},
	}
}

func TestGetReliabilitySnapshot_AssemblesAllSections(t *testing.T) {
	snap, errs := GetReliabilitySnapshot(context.Background(), fullDeps(), Params{Minutes: 15, Limit: 20})

	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if snap.Region["id"] != "region-1" {
		t.Fatalf("region not extracted from config: %+v", snap.Region)
	}
	if snap.RateLimit.EventsByBucketOutcome["chat_stream:allowed"] != 10 {
		t.Fatalf("rate limit events missing: %+v", snap.RateLimit)
	}
	if len(snap.Circuits) != 1 || snap.Circuits[0].Route != "openai:primary" {
		t.Fatalf("circuit states missing: %+v", snap.Circuits)
	}
	if snap.Bulkhead["openai"] != 4 {
		t.Fatalf("bulkhead counts missing: %+v", snap.Bulkhead)
	}
	if snap.Replay["chat"] != 1 {
		t.Fatalf("replay counts missing: %+v", snap.Replay)
	}
	if snap.ToolCache["search_web_v1"] != 7 {
		t.Fatalf("tool cache counts missing: %+v", snap.ToolCache)
	}
	if snap.ToolQueue.DeadLetterDepth != 2 || snap.ToolQueue.OldestQueuedAgeMs != 5000 {
		t.Fatalf("tool queue snapshot wrong: %+v", snap.ToolQueue)
	}
	if snap.Admission.Summary.EnforceTotal != 100 {
		t.Fatalf("admission summary missing: %+v", snap.Admission)
	}
}

func TestGetReliabilitySnapshot_NilDependenciesLeaveZeroValues(t *testing.T) {
	snap, errs := GetReliabilitySnapshot(context.Background(), Dependencies{}, Params{})

	if len(errs) != 0 {
		t.Fatalf("nil deps should not produce errors, got: %v", errs)
	}
	if snap.Region != nil || snap.Bulkhead != nil || snap.Circuits != nil {
		t.Fatalf("expected zero-value sections, got: %+v", snap)
	}
}

func TestGetReliabilitySnapshot_PartialFailureDoesNotAbortAssembly(t *testing.T) {
	deps := fullDeps()
	deps.RateLimit = fakeRateLimitSource{err: errors.New("boom")}
	deps.Circuit = fakeCircuitSource{err: errors.New("circuit store unreachable")}

	snap, errs := GetReliabilitySnapshot(context.Background(), deps, Params{Minutes: 15, Limit: 20})

	if _, ok := errs["rate_limit.events"]; !ok {
		t.Fatalf("expected rate_limit.events error recorded, got: %v", errs)
	}
	if _, ok := errs["circuit.states"]; !ok {
		t.Fatalf("expected circuit.states error recorded, got: %v", errs)
	}
	// Sections that did not fail are still populated.
	if snap.Bulkhead["openai"] != 4 {
		t.Fatalf("bulkhead section should survive unrelated failures: %+v", snap.Bulkhead)
	}
	if snap.ToolQueue.DeadLetterDepth != 2 {
		t.Fatalf("tool queue section should survive unrelated failures: %+v", snap.ToolQueue)
	}
}

func TestGetReliabilitySnapshot_ToolQueuePartialFailureKeepsOtherFields(t *testing.T) {
	deps := fullDeps()
	deps.ToolQueue = fakeToolQueueSource{queuedErr: errors.New("queue depth query failed")}

	snap, errs := GetReliabilitySnapshot(context.Background(), deps, Params{Minutes: 15, Limit: 20})

	if _, ok := errs["toolqueue.queued_by_tool"]; !ok {
		t.Fatalf("expected toolqueue.queued_by_tool error, got: %v", errs)
	}
	if snap.ToolQueue.QueuedByTool != nil {
		t.Fatalf("failed field should stay nil: %+v", snap.ToolQueue.QueuedByTool)
	}
	if snap.ToolQueue.DeadLetterDepth != 2 {
		t.Fatalf("other toolqueue fields should still populate: %+v", snap.ToolQueue)
	}
}

func TestGetReliabilitySnapshot_DefaultsMinutesAndLimit(t *testing.T) {
	rl := &recordingRateLimitSource{}
	deps := Dependencies{RateLimit: rl}
	_, _ = GetReliabilitySnapshot(context.Background(), deps, Params{})
	if rl.gotMinutes != 15 || rl.gotLimit != 20 {
		t.Fatalf("expected defaults (15, 20), got (%d, %d)", rl.gotMinutes, rl.gotLimit)
	}
}

type recordingRateLimitSource struct {
	gotMinutes int
	gotLimit   int
}

func (r *recordingRateLimitSource) GetEventSummary(_ context.Context, windowMin int) (map[string]int, error) {
	r.gotMinutes = windowMin
	return nil, nil
}

func (r *recordingRateLimitSource) RecentAlerts(_ context.Context, limit int) ([]ratelimit.AlertRow, error) {
	r.gotLimit = limit
	return nil, nil
}
