package toolqueue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sendcat/chat-gateway/internal/telemetry"
)

// Queue is the tool-job state machine: queued -> running ->
// (completed | queued[retry] | failed | dead_letter).
type Queue struct {
	store Store
}

func NewQueue(store Store) *Queue {
	return &Queue{store: store}
}

// Enqueue validates toolName is known to the static QoS table range (empty
// names are rejected outright), checks the per-tool queued count against
// cap, and inserts a queued job.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (Job, error) {
	if req.ToolName == "" {
		return Job{}, &queueSaturatedError{tool: "(unnamed)"}
	}

	queued, err := q.store.CountQueued(ctx, req.ToolName)
	if err != nil {
		return Job{}, err
	}
	if queued >= req.MaxQueuedByTool {
		return Job{}, &queueSaturatedError{tool: req.ToolName}
	}

	now := time.Now()
	job := Job{
		ID:          uuid.NewString(),
		ToolName:    req.ToolName,
		QosClass:    qosClassFor(req.ToolName),
		Status:      StatusQueued,
		PayloadJSON: req.PayloadJSON,
		AvailableAt: now,
		ExpiresAt:   now.Add(time.Duration(req.RetentionMs) * time.Millisecond),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.Insert(ctx, job); err != nil {
		return Job{}, err
	}

	telemetry.ToolJobsEnqueuedTotal.WithLabelValues(req.ToolName).Inc()
	return job, nil
}

// ClaimNext implements the fairness-ordered claim: sweep stale leases,
// compute per-tool/per-QoS running totals, scan candidates in availability
// order, and patch the first candidate whose tool and QoS class both still
// have headroom under cap.
func (q *Queue) ClaimNext(ctx context.Context, cfg ClaimConfig) (*Job, error) {
	now := time.Now()

	if _, err := q.store.RequeueStaleRunning(ctx, now, 20); err != nil {
		return nil, err
	}

	runningByTool, err := q.store.CountRunningByTool(ctx)
	if err != nil {
		return nil, err
	}
	runningByQos, err := q.store.CountRunningByQos(ctx)
	if err != nil {
		return nil, err
	}

	candidates, err := q.store.FetchCandidates(ctx, now, cfg.ClaimScanSize)
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		toolCap, hasToolCap := cfg.Caps.PerTool[c.ToolName]
		if hasToolCap && runningByTool[c.ToolName] >= toolCap {
			continue
		}
		qosCap, hasQosCap := cfg.Caps.PerQos[c.QosClass]
		if hasQosCap && runningByQos[c.QosClass] >= qosCap {
			continue
		}

		leaseExpiresAt := now.Add(time.Duration(cfg.LeaseMs) * time.Millisecond)
		if err := q.store.MarkRunning(ctx, c.ID, leaseExpiresAt, now); err != nil {
			return nil, err
		}
		c.Status = StatusRunning
		c.Attempts++
		return &c, nil
	}

	return nil, nil
}

// Complete transitions a running job to completed.
func (q *Queue) Complete(ctx context.Context, jobID, resultJSON string) error {
	if err := q.store.Complete(ctx, jobID, resultJSON, time.Now()); err != nil {
		return err
	}
	return nil
}

// Fail transitions a running job to a retry (queued with a backoff delay)
// or, once maxAttempts is exhausted, to dead_letter.
func (q *Queue) Fail(ctx context.Context, jobID string, failErr error, cfg FailConfig) error {
	job, err := q.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now()
	lastError := truncate(failErr.Error(), 600)

	if job.Attempts < cfg.MaxAttempts {
		retryDelayMs := retryDelayForAttempt(job.Attempts, cfg.RetryBaseMs)
		availableAt := now.Add(time.Duration(retryDelayMs) * time.Millisecond)
		return q.store.RequeueForRetry(ctx, jobID, availableAt, lastError, now)
	}

	telemetry.ToolJobsDeadLetteredTotal.WithLabelValues(job.ToolName).Inc()
	expiresAt := now.Add(time.Duration(cfg.DeadLetterRetentionMs) * time.Millisecond)
	return q.store.DeadLetter(ctx, jobID, lastError, now, expiresAt)
}

// RequeueDeadLetter resets a dead-lettered job back to queued.
func (q *Queue) RequeueDeadLetter(ctx context.Context, jobID string, retentionMs int) error {
	now := time.Now()
	expiresAt := now.Add(time.Duration(retentionMs) * time.Millisecond)
	return q.store.RequeueDeadLetter(ctx, jobID, now, expiresAt)
}

// retryDelayForAttempt computes min(retryBaseMs * 2^(attempts-1), 60000).
func retryDelayForAttempt(attempts, retryBaseMs int) int {
	if attempts < 1 {
		attempts = 1
	}
	delay := retryBaseMs
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay > 60_000 {
			return 60_000
		}
	}
	if delay > 60_000 {
		delay = 60_000
	}
	return delay
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
