package toolqueue

import (
	"context"
	"time"
)

const (
	WaitOutcomeCompleted = "completed"
	WaitOutcomeFailed    = "failed"
	WaitOutcomeTimeout   = "timeout"

	BackpressureQueueSaturated = "queue_saturated"
	BackpressureQueueTimeout   = "queue_timeout"
	BackpressureDeadLetter     = "dead_letter"
)

// WaitResult is returned by EnqueueToolJobAndWait.
type WaitResult struct {
	Outcome      string
	Job          Job
	Backpressure string
	Retryable    bool
	RetryAfterMs int
}

// WaitConfig parameterizes EnqueueToolJobAndWait's enqueue+poll loop.
type WaitConfig struct {
	EnqueueRequest
	PollIntervalMs int
	WaitTimeoutMs  int
}

// Kick is invoked once, best-effort, to nudge a processQueue run after
// enqueue; a scheduler wiring this in is expected to ignore Kick's error.
type Kick func(ctx context.Context)

// EnqueueToolJobAndWait enqueues a job, best-effort-schedules a queue run,
// then polls job status at PollIntervalMs until it reaches a terminal state
// or WaitTimeoutMs elapses.
func EnqueueToolJobAndWait(ctx context.Context, queue *Queue, store Store, cfg WaitConfig, kick Kick) (WaitResult, error) {
	job, err := queue.Enqueue(ctx, cfg.EnqueueRequest)
	if err != nil {
		if IsQueueSaturated(err, "") {
			return WaitResult{
				Outcome:      WaitOutcomeFailed,
				Backpressure: BackpressureQueueSaturated,
				Retryable:    true,
				RetryAfterMs: 2000,
			}, nil
		}
		return WaitResult{}, err
	}

	if kick != nil {
		kick(ctx)
	}

	pollInterval := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	deadline := time.Now().Add(time.Duration(cfg.WaitTimeoutMs) * time.Millisecond)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		current, err := store.Get(ctx, job.ID)
		if err != nil {
			return WaitResult{}, err
		}

		switch current.Status {
		case StatusCompleted:
			return WaitResult{Outcome: WaitOutcomeCompleted, Job: current}, nil
		case StatusFailed:
			return WaitResult{Outcome: WaitOutcomeFailed, Job: current, Retryable: true}, nil
		case StatusDeadLetter:
			return WaitResult{
				Outcome:      WaitOutcomeFailed,
				Job:          current,
				Backpressure: BackpressureDeadLetter,
				Retryable:    true,
				RetryAfterMs: 1500,
			}, nil
		}

		if time.Now().After(deadline) {
			return WaitResult{
				Outcome:      WaitOutcomeTimeout,
				Job:          current,
				Backpressure: BackpressureQueueTimeout,
				Retryable:    true,
				RetryAfterMs: cfg.PollIntervalMs,
			}, nil
		}

		select {
		case <-ctx.Done():
			return WaitResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
