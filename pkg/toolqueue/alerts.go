package toolqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sendcat/chat-gateway/internal/alertenvelope"
	"github.com/sendcat/chat-gateway/internal/telemetry"
)

// HealthThresholds bounds the four signals monitorQueueHealth evaluates.
type HealthThresholds struct {
	MaxQueuedDepth      int
	MaxDeadLetterDepth  int
	MaxOldestQueuedAge  time.Duration
	MaxOldestRunningAge time.Duration
	CooldownMs          int
}

// Monitor runs monitorQueueHealth on an interval, ticker-style.
type Monitor struct {
	store      Store
	envelope   *alertenvelope.Client
	logger     *slog.Logger
	thresholds HealthThresholds
}

func NewMonitor(store Store, envelope *alertenvelope.Client, logger *slog.Logger, thresholds HealthThresholds) *Monitor {
	return &Monitor{store: store, envelope: envelope, logger: logger, thresholds: thresholds}
}

func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.MonitorQueueHealth(ctx); err != nil {
				m.logger.Warn("tool queue health monitor tick failed", "error", err)
			}
		}
	}
}

// MonitorQueueHealth evaluates the four breach conditions named in the
// component design; each breach is deduplicated within a cooldown window
// keyed by kind|floor(now/cooldownMs) before shipping a warning envelope.
func (m *Monitor) MonitorQueueHealth(ctx context.Context) error {
	now := time.Now()

	depthByTool, err := m.store.QueueDepthByTool(ctx)
	if err != nil {
		return err
	}
	totalQueued := 0
	for tool, n := range depthByTool {
		totalQueued += n
		telemetry.ToolJobQueueDepth.WithLabelValues(tool).Set(float64(n))
	}
	if totalQueued > m.thresholds.MaxQueuedDepth {
		m.maybeAlert(ctx, "queued_depth", now, map[string]any{"depth": totalQueued})
	}

	dlqDepth, err := m.store.DeadLetterDepth(ctx)
	if err != nil {
		return err
	}
	if dlqDepth > m.thresholds.MaxDeadLetterDepth {
		m.maybeAlert(ctx, "dlq_depth", now, map[string]any{"depth": dlqDepth})
	}

	oldestQueued, err := m.store.OldestQueuedAge(ctx, now)
	if err != nil {
		return err
	}
	if oldestQueued > m.thresholds.MaxOldestQueuedAge {
		m.maybeAlert(ctx, "oldest_queued_age", now, map[string]any{"age_ms": oldestQueued.Milliseconds()})
	}

	oldestRunning, err := m.store.OldestRunningAge(ctx, now)
	if err != nil {
		return err
	}
	if oldestRunning > m.thresholds.MaxOldestRunningAge {
		m.maybeAlert(ctx, "oldest_running_age", now, map[string]any{"age_ms": oldestRunning.Milliseconds()})
	}

	return nil
}

func (m *Monitor) maybeAlert(ctx context.Context, kind string, now time.Time, extra map[string]any) {
	cooldownMs := m.thresholds.CooldownMs
	if cooldownMs <= 0 {
		cooldownMs = 60_000
	}
	slot := now.UnixMilli() / int64(cooldownMs)
	alertKey := fmt.Sprintf("%s|%d", kind, slot)

	inserted, err := m.store.InsertAlert(ctx, alertKey)
	if err != nil {
		m.logger.Warn("tool queue alert insert failed", "error", err, "kind", kind)
		return
	}
	if !inserted {
		return
	}
	if m.envelope == nil {
		return
	}
	_ = m.envelope.Send(ctx, alertenvelope.Event{
		Message:   "tool queue health breach: " + kind,
		Level:     "warning",
		Timestamp: now.UTC().Format(time.RFC3339),
		Tags:      map[string]string{"kind": kind},
		Extra:     extra,
	})
}

// CleanupExpiredAlerts is intended to run hourly per the component design's
// "alerts table has TTL; cleanup runs hourly".
func (m *Monitor) CleanupExpiredAlerts(ctx context.Context) (int64, error) {
	return m.store.CleanupExpiredAlerts(ctx, time.Now())
}
