package toolqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakeBulkhead struct {
	saturated bool
	released  bool
}

func (f *fakeBulkhead) AcquireSlot(context.Context, string, string, int, int, int) bool {
	return !f.saturated
}

func (f *fakeBulkhead) ReleaseSlot(context.Context, string, string) error {
	f.released = true
	return nil
}

type scriptedExecutor struct {
	results []string
	errs    []error
	i       int
}

func (s *scriptedExecutor) Execute(context.Context, Job) (string, error) {
	idx := s.i
	s.i++
	var res string
	var err error
	if idx < len(s.results) {
		res = s.results[idx]
	}
	if idx < len(s.errs) {
		err = s.errs[idx]
	}
	return res, err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcessQueue_SkipsOnSaturation(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	queue := NewQueue(store)
	bh := &fakeBulkhead{saturated: true}
	worker := NewWorker(queue, &scriptedExecutor{}, bh, discardLogger(), ClaimConfig{LeaseMs: 1000, ClaimScanSize: 10}, FailConfig{MaxAttempts: 3, RetryBaseMs: 100})

	res := worker.ProcessQueue(ctx, "run-1", 5, 1, 1000, 60_000)
	if res.Skipped != "worker_saturated" {
		t.Errorf("result = %+v, want Skipped=worker_saturated", res)
	}
}

func TestProcessQueue_CompletesAndFails(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	queue := NewQueue(store)

	if _, err := queue.Enqueue(ctx, EnqueueRequest{ToolName: "search_web", RetentionMs: 60_000, MaxQueuedByTool: 10}); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
	if _, err := queue.Enqueue(ctx, EnqueueRequest{ToolName: "search_products", RetentionMs: 60_000, MaxQueuedByTool: 10}); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	bh := &fakeBulkhead{}
	executor := &scriptedExecutor{results: []string{`{"ok":true}`, ""}, errs: []error{nil, errors.New("tool failed")}}
	worker := NewWorker(queue, executor, bh, discardLogger(), ClaimConfig{LeaseMs: 30_000, ClaimScanSize: 10}, FailConfig{MaxAttempts: 3, RetryBaseMs: 100, DeadLetterRetentionMs: 3_600_000})

	res := worker.ProcessQueue(ctx, "run-1", 5, 1, 1000, 60_000)
	if res.Completed != 1 || res.Failed != 1 {
		t.Errorf("result = %+v, want 1 completed and 1 failed", res)
	}
	if !bh.released {
		t.Error("worker lease should be released on exit")
	}
}
