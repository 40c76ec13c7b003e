package toolqueue

import (
	"context"
	"log/slog"

	"github.com/sendcat/chat-gateway/internal/telemetry"
)

// ToolExecutor runs tool-specific logic for a claimed job; implementations
// are expected to wrap their own upstream calls in their own bulkhead and
// circuit, exactly as a provider router route would.
type ToolExecutor interface {
	Execute(ctx context.Context, job Job) (resultJSON string, err error)
}

// BulkheadGate is the narrow slice of bulkhead.Bulkhead the worker needs to
// acquire/release the tool_job_worker lease, named here to avoid a direct
// package import cycle between toolqueue and bulkhead.
type BulkheadGate interface {
	AcquireSlot(ctx context.Context, provider, leaseID string, maxConcurrent, leaseTTLMs, sentryCooldownMs int) (acquired bool)
	ReleaseSlot(ctx context.Context, provider, leaseID string) error
}

// Worker drives processQueue: claim up to maxJobs jobs per run, behind a
// single tool_job_worker bulkhead lease for the run's duration.
type Worker struct {
	queue      *Queue
	executor   ToolExecutor
	bulkhead   BulkheadGate
	logger     *slog.Logger
	claimCfg   ClaimConfig
	failCfg    FailConfig
}

func NewWorker(queue *Queue, executor ToolExecutor, bulkhead BulkheadGate, logger *slog.Logger, claimCfg ClaimConfig, failCfg FailConfig) *Worker {
	return &Worker{queue: queue, executor: executor, bulkhead: bulkhead, logger: logger, claimCfg: claimCfg, failCfg: failCfg}
}

// ProcessQueue acquires the worker lease; on saturation it returns
// immediately without claiming anything. Otherwise it loops claim->execute
// ->complete/fail up to maxJobs times, always releasing the lease on exit.
func (w *Worker) ProcessQueue(ctx context.Context, runID string, maxJobs int, maxConcurrentWorkers, leaseTTLMs, sentryCooldownMs int) ProcessResult {
	if !w.bulkhead.AcquireSlot(ctx, "tool_job_worker", runID, maxConcurrentWorkers, leaseTTLMs, sentryCooldownMs) {
		return ProcessResult{Skipped: "worker_saturated"}
	}
	defer func() {
		_ = w.bulkhead.ReleaseSlot(ctx, "tool_job_worker", runID)
	}()

	result := ProcessResult{}
	for i := 0; i < maxJobs; i++ {
		job, err := w.queue.ClaimNext(ctx, w.claimCfg)
		if err != nil {
			w.logger.Warn("tool queue claim failed", "error", err)
			break
		}
		if job == nil {
			break
		}

		result.Processed++
		resultJSON, execErr := w.executor.Execute(ctx, *job)
		if execErr != nil {
			if err := w.queue.Fail(ctx, job.ID, execErr, w.failCfg); err != nil {
				w.logger.Warn("tool queue fail() error", "error", err, "job_id", job.ID)
			}
			telemetry.ToolJobsCompletedTotal.WithLabelValues(job.ToolName, "failed").Inc()
			result.Failed++
			continue
		}

		if err := w.queue.Complete(ctx, job.ID, resultJSON); err != nil {
			w.logger.Warn("tool queue complete() error", "error", err, "job_id", job.ID)
		}
		telemetry.ToolJobsCompletedTotal.WithLabelValues(job.ToolName, "completed").Inc()
		result.Completed++
	}

	return result
}
