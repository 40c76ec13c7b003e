package toolqueue

import (
	"context"
	"time"
)

// Store is the capability handle the queue's state machine is persisted
// through. Narrowing to this interface (rather than a concrete pgx store)
// lets queue_test.go exercise claim fairness and retry backoff against an
// in-memory fake.
type Store interface {
	CountQueued(ctx context.Context, toolName string) (int, error)
	Insert(ctx context.Context, job Job) error

	RequeueStaleRunning(ctx context.Context, now time.Time, limit int) (int, error)
	CountRunningByTool(ctx context.Context) (map[string]int, error)
	CountRunningByQos(ctx context.Context) (map[string]int, error)
	FetchCandidates(ctx context.Context, now time.Time, limit int) ([]Job, error)
	MarkRunning(ctx context.Context, id string, leaseExpiresAt, now time.Time) error

	Get(ctx context.Context, id string) (Job, error)
	Complete(ctx context.Context, id string, resultJSON string, now time.Time) error
	RequeueForRetry(ctx context.Context, id string, availableAt time.Time, lastError string, now time.Time) error
	DeadLetter(ctx context.Context, id string, reason string, now time.Time, expiresAt time.Time) error
	RequeueDeadLetter(ctx context.Context, id string, now time.Time, expiresAt time.Time) error

	QueueDepthByTool(ctx context.Context) (map[string]int, error)
	DeadLetterDepth(ctx context.Context) (int, error)
	OldestQueuedAge(ctx context.Context, now time.Time) (time.Duration, error)
	OldestRunningAge(ctx context.Context, now time.Time) (time.Duration, error)

	InsertAlert(ctx context.Context, alertKey string) (bool, error)
	CleanupExpiredAlerts(ctx context.Context, now time.Time) (int64, error)

	RecentDeadLetters(ctx context.Context, limit int) ([]Job, error)
	RecentAlerts(ctx context.Context, limit int) ([]AlertRow, error)
}

// AlertRow is a single recent tool-queue alert, for the ops snapshot.
type AlertRow struct {
	AlertKey  string
	CreatedAt time.Time
}
