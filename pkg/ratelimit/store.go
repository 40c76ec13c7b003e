package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the capability handle Limiter and Monitor persist through.
// Narrowing to this interface (rather than the concrete pgx-backed
// PostgresStore) keeps both unit-testable with an in-memory fake.
type Store interface {
	ReadWindow(ctx context.Context, bucket, key string, windowStartMs int64) (windowRow, error)
	InsertWindow(ctx context.Context, bucket, key string, windowStartMs int64, expiresAt time.Time) (bool, error)
	CasIncrementWindow(ctx context.Context, bucket, key string, windowStartMs int64, expectedVersion int, expiresAt time.Time) (bool, error)
	InsertEvent(ctx context.Context, e Event, dedupeKey string, expiresAt time.Time) (bool, error)
	EventSummary(ctx context.Context, windowMin int) ([]EventSummaryRow, error)
	InsertAlert(ctx context.Context, alertKey, bucket string, observed, threshold, windowMinutes int, expiresAt time.Time) (bool, error)
	RecentAlerts(ctx context.Context, limit int) ([]AlertRow, error)
}

// PostgresStore is the document-store binding for the rate-limit primitive,
// backed by Postgres. Window rows carry an optimistic `version` column:
// updates are conditioned on the version last read, and a
// RowsAffected()==0 result is the write-conflict signal that triggers the
// contention-fallback path.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

type windowRow struct {
	count   int
	version int
	exists  bool
}

func (s *PostgresStore) ReadWindow(ctx context.Context, bucket, key string, windowStartMs int64) (windowRow, error) {
	var row windowRow
	err := s.pool.QueryRow(ctx, `
		SELECT count, version FROM gateway.rate_limit_windows
		WHERE bucket = $1 AND key = $2 AND window_start_ms = $3
	`, bucket, key, windowStartMs).Scan(&row.count, &row.version)
	if errors.Is(err, pgx.ErrNoRows) {
		return windowRow{}, nil
	}
	if err != nil {
		return windowRow{}, err
	}
	row.exists = true
	return row, nil
}

// InsertWindow creates the first row of a window with count=1. Returns
// false (no error) if a concurrent writer already created the row -- the
// caller should retry as a contention fallback.
func (s *PostgresStore) InsertWindow(ctx context.Context, bucket, key string, windowStartMs int64, expiresAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO gateway.rate_limit_windows (bucket, key, window_start_ms, count, expires_at, version)
		VALUES ($1, $2, $3, 1, $4, 1)
		ON CONFLICT (bucket, key) DO NOTHING
	`, bucket, key, windowStartMs, expiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CasIncrementWindow performs the conditional increment. RowsAffected()==0
// means the version the caller read is stale -- a write conflict.
func (s *PostgresStore) CasIncrementWindow(ctx context.Context, bucket, key string, windowStartMs int64, expectedVersion int, expiresAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE gateway.rate_limit_windows
		SET count = count + 1, version = version + 1, expires_at = $5
		WHERE bucket = $1 AND key = $2 AND window_start_ms = $3 AND version = $4
	`, bucket, key, windowStartMs, expectedVersion, expiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// resetWindow overwrites a stale window row (new window period) with count=1.
func (s *PostgresStore) resetWindow(ctx context.Context, bucket, key string, windowStartMs int64, expectedVersion int, expiresAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE gateway.rate_limit_windows
		SET window_start_ms = $3, count = 1, version = version + 1, expires_at = $5
		WHERE bucket = $1 AND key = $2 AND version = $4
	`, bucket, key, windowStartMs, expectedVersion, expiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e Event, dedupeKey string, expiresAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO gateway.rate_limit_events (bucket, key, source, outcome, reason, dedupe_key, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), $7)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, e.Bucket, e.Key, e.Source, e.Outcome, e.Reason, dedupeKey, expiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// EventSummaryRow is one line of EventSummary's output.
type EventSummaryRow struct {
	Bucket  string
	Outcome string
	Reason  string
	Count   int
}

func (s *PostgresStore) EventSummary(ctx context.Context, windowMin int) ([]EventSummaryRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bucket, outcome, coalesce(reason, ''), count(*)
		FROM gateway.rate_limit_events
		WHERE created_at > now() - ($1 || ' minutes')::interval
		GROUP BY bucket, outcome, reason
	`, windowMin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventSummaryRow
	for rows.Next() {
		var r EventSummaryRow
		if err := rows.Scan(&r.Bucket, &r.Outcome, &r.Reason, &r.Count); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertAlert(ctx context.Context, alertKey, bucket string, observed, threshold, windowMinutes int, expiresAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO gateway.rate_limit_alerts (alert_key, bucket, observed, threshold, window_minutes, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, now(), $6)
		ON CONFLICT (alert_key) DO NOTHING
	`, alertKey, bucket, observed, threshold, windowMinutes, expiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AlertRow is one recently-raised rate-limit alert, for the ops snapshot.
type AlertRow struct {
	AlertKey      string
	Bucket        string
	Observed      int
	Threshold     int
	WindowMinutes int
	CreatedAt     time.Time
}

// RecentAlerts returns the most recently raised alerts, newest first.
func (s *PostgresStore) RecentAlerts(ctx context.Context, limit int) ([]AlertRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT alert_key, bucket, observed, threshold, window_minutes, created_at
		FROM gateway.rate_limit_alerts
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AlertRow
	for rows.Next() {
		var r AlertRow
		if err := rows.Scan(&r.AlertKey, &r.Bucket, &r.Observed, &r.Threshold, &r.WindowMinutes, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
