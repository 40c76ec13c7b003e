// Package toolqueue implements the durable tool-call job queue: enqueue,
// fair claim under per-tool and per-QoS concurrency caps, completion with
// bounded retry backoff, dead-lettering, and a client-side wait helper for
// callers embedded in the chat stream.
package toolqueue

import "time"

const (
	StatusQueued     = "queued"
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusDeadLetter = "dead_letter"

	QosRealtime    = "realtime"
	QosInteractive = "interactive"
	QosBatch       = "batch"
)

// qosClassByTool is the static assignment table named in the component
// design. A caller-overridable table was considered (letting enqueue()
// accept an explicit QoS override) but rejected for this build: nothing
// downstream (worker caps, ops snapshot grouping) needs per-call overrides,
// and a static table keeps the saturation accounting in claimNext simple to
// reason about. See DESIGN.md.
var qosClassByTool = map[string]string{
	"search_web":      QosRealtime,
	"search_products": QosInteractive,
	"search_global":   QosBatch,
}

const defaultQosClass = QosInteractive

func qosClassFor(toolName string) string {
	if qos, ok := qosClassByTool[toolName]; ok {
		return qos
	}
	return defaultQosClass
}

// Job is a single tool invocation record.
type Job struct {
	ID               string
	ToolName         string
	QosClass         string
	Status           string
	Attempts         int
	PayloadJSON      string
	ResultJSON       string
	LastError        string
	DeadLetterReason string
	AvailableAt      time.Time
	LeaseExpiresAt   *time.Time
	ExpiresAt        time.Time
	DeadLetterAt     *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// EnqueueRequest is the input to Enqueue.
type EnqueueRequest struct {
	ToolName        string
	PayloadJSON     string
	RetentionMs     int
	MaxQueuedByTool int
}

// queueSaturatedError is the marker error enqueue returns at cap, matching
// the component design's `[queue_saturated:<tool>]` convention.
type queueSaturatedError struct {
	tool string
}

func (e *queueSaturatedError) Error() string {
	return "[queue_saturated:" + e.tool + "]"
}

// IsQueueSaturated reports whether err is the queue-saturated marker for
// any tool (or, if tool is non-empty, specifically for that tool).
func IsQueueSaturated(err error, tool string) bool {
	se, ok := err.(*queueSaturatedError)
	if !ok {
		return false
	}
	return tool == "" || se.tool == tool
}

// Caps bounds concurrency by tool name and QoS class for claimNext.
type Caps struct {
	PerTool map[string]int
	PerQos  map[string]int
}

// ClaimConfig bounds a single claimNext invocation.
type ClaimConfig struct {
	LeaseMs       int
	ClaimScanSize int
	Caps          Caps
}

// FailConfig parameterizes fail()'s retry backoff and dead-letter
// retention.
type FailConfig struct {
	MaxAttempts             int
	RetryBaseMs             int
	DeadLetterRetentionMs   int
}

// ProcessResult is returned by ProcessQueue.
type ProcessResult struct {
	Skipped   string
	Processed int
	Completed int
	Failed    int
}
