package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sendcat/chat-gateway/internal/alertenvelope"
)

// Monitor evaluates configured per-bucket denial thresholds every tick and
// raises a cooldown-deduplicated alert row, best-effort shipping a warning
// envelope alongside it: one goroutine, one tick, no per-tenant fan-out
// needed here.
type Monitor struct {
	store      Store
	envelope   *alertenvelope.Client
	logger     *slog.Logger
	thresholds []Threshold
}

func NewMonitor(store Store, envelope *alertenvelope.Client, logger *slog.Logger, thresholds []Threshold) *Monitor {
	return &Monitor{store: store, envelope: envelope, logger: logger, thresholds: thresholds}
}

// Run ticks MonitorAndAlert every interval (5 minutes in production) until
// ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.MonitorAndAlert(ctx); err != nil {
				m.logger.Error("rate limit monitor tick failed", "error", err)
			}
		}
	}
}

// MonitorAndAlert evaluates every configured threshold against the recent
// denial counts and inserts a deduped alert row for each breach.
func (m *Monitor) MonitorAndAlert(ctx context.Context) error {
	for _, th := range m.thresholds {
		summary, err := m.store.EventSummary(ctx, th.WindowMinutes)
		if err != nil {
			return fmt.Errorf("summarizing events for %s: %w", th.Bucket, err)
		}

		observed := 0
		for _, row := range summary {
			if row.Bucket == th.Bucket && (row.Outcome == OutcomeDenied || row.Outcome == OutcomeContentionFallback) {
				observed += row.Count
			}
		}
		if observed < th.MaxDenials {
			continue
		}

		cooldownSlot := time.Now().Unix() / int64(th.WindowMinutes*60)
		alertKey := fmt.Sprintf("%s|%d", th.Bucket, cooldownSlot)
		expiresAt := time.Now().Add(time.Duration(th.WindowMinutes) * time.Minute * 2)

		inserted, err := m.store.InsertAlert(ctx, alertKey, th.Bucket, observed, th.MaxDenials, th.WindowMinutes, expiresAt)
		if err != nil {
			m.logger.Error("inserting rate limit alert", "error", err, "bucket", th.Bucket)
			continue
		}
		if !inserted {
			continue
		}

		if err := m.envelope.Send(ctx, alertenvelope.Event{
			Message: fmt.Sprintf("rate limit bucket %s exceeded %d denials in %dm (observed %d)", th.Bucket, th.MaxDenials, th.WindowMinutes, observed),
			Tags:    map[string]string{"bucket": th.Bucket, "component": "ratelimit"},
		}); err != nil {
			m.logger.Warn("shipping rate limit warning envelope failed", "error", err, "bucket", th.Bucket)
		}
	}
	return nil
}
