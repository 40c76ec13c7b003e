// Package ops assembles the operator-facing reliability snapshot and the
// release-gate/canary drill harness that reads it, generalizing the
// teacher's readyz multi-subsystem check aggregation from "is each
// dependency up" to "read bounded-scan state from every gateway
// component".
package ops

import (
	"time"

	"github.com/sendcat/chat-gateway/pkg/admission"
	"github.com/sendcat/chat-gateway/pkg/circuit"
	"github.com/sendcat/chat-gateway/pkg/ratelimit"
	"github.com/sendcat/chat-gateway/pkg/toolqueue"
)

// Snapshot is the single read-only view getReliabilitySnapshot assembles.
type Snapshot struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	Config      map[string]any `json:"config"`
	Region      map[string]any `json:"region"`

	RateLimit RateLimitSnapshot `json:"rateLimit"`
	Circuits  []circuit.RouteState `json:"circuits"`
	Bulkhead  map[string]int `json:"bulkheadInFlightByProvider"`
	Replay    map[string]int `json:"replayDuplicatesByScope"`
	ToolCache map[string]int `json:"toolCacheActiveByNamespace"`
	ToolQueue ToolQueueSnapshot `json:"toolQueue"`
	Admission AdmissionSnapshot `json:"admission"`
}

// RateLimitSnapshot is the rate-limit pressure section.
type RateLimitSnapshot struct {
	EventsByBucketOutcome map[string]int        `json:"eventsByBucketOutcome"`
	RecentAlerts          []ratelimit.AlertRow   `json:"recentAlerts"`
}

// ToolQueueSnapshot is the tool-job queue health section.
type ToolQueueSnapshot struct {
	QueuedByTool       map[string]int         `json:"queuedByTool"`
	RunningByTool      map[string]int         `json:"runningByTool"`
	RunningByQos       map[string]int         `json:"runningByQos"`
	DeadLetterDepth    int                    `json:"deadLetterDepth"`
	OldestQueuedAgeMs  int64                  `json:"oldestQueuedAgeMs"`
	OldestRunningAgeMs int64                  `json:"oldestRunningAgeMs"`
	RecentDeadLetters  []toolqueue.Job        `json:"recentDeadLetters"`
	RecentAlerts       []toolqueue.AlertRow   `json:"recentAlerts"`
}

// AdmissionSnapshot is the chat-admission enforce/shadow summary section.
type AdmissionSnapshot struct {
	WindowMinutes int               `json:"windowMinutes"`
	Summary       admission.Summary `json:"summary"`
}
