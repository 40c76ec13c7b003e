package toolqueue

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists tool jobs in gateway.tool_jobs and alert
// dedup markers in gateway.tool_queue_alerts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CountQueued(ctx context.Context, toolName string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM gateway.tool_jobs
		WHERE tool_name = $1 AND status = 'queued'
	`, toolName).Scan(&count)
	return count, err
}

func (s *PostgresStore) Insert(ctx context.Context, job Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gateway.tool_jobs
			(id, tool_name, qos_class, status, attempts, payload_json, available_at, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'queued', 0, $4, $5, $6, now(), now())
	`, job.ID, job.ToolName, job.QosClass, job.PayloadJSON, job.AvailableAt, job.ExpiresAt)
	return err
}

func (s *PostgresStore) RequeueStaleRunning(ctx context.Context, now time.Time, limit int) (int, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE gateway.tool_jobs SET status = 'queued', available_at = $1, lease_expires_at = NULL, updated_at = $1
		WHERE id IN (
			SELECT id FROM gateway.tool_jobs
			WHERE status = 'running' AND lease_expires_at < $1
			LIMIT $2
		)
		RETURNING id
	`, now, limit)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	return count, rows.Err()
}

func (s *PostgresStore) CountRunningByTool(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tool_name, count(*) FROM gateway.tool_jobs WHERE status = 'running' GROUP BY tool_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var tool string
		var n int
		if err := rows.Scan(&tool, &n); err != nil {
			return nil, err
		}
		out[tool] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountRunningByQos(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT qos_class, count(*) FROM gateway.tool_jobs WHERE status = 'running' GROUP BY qos_class
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var qos string
		var n int
		if err := rows.Scan(&qos, &n); err != nil {
			return nil, err
		}
		out[qos] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) FetchCandidates(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tool_name, qos_class, attempts, payload_json
		FROM gateway.tool_jobs
		WHERE status = 'queued' AND available_at <= $1
		ORDER BY available_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.ToolName, &j.QosClass, &j.Attempts, &j.PayloadJSON); err != nil {
			return nil, err
		}
		j.Status = StatusQueued
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) MarkRunning(ctx context.Context, id string, leaseExpiresAt, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE gateway.tool_jobs
		SET status = 'running', attempts = attempts + 1, lease_expires_at = $2, updated_at = $3
		WHERE id = $1 AND status = 'queued'
	`, id, leaseExpiresAt, now)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Job, error) {
	var j Job
	err := s.pool.QueryRow(ctx, `
		SELECT id, tool_name, qos_class, status, attempts, payload_json
		FROM gateway.tool_jobs WHERE id = $1
	`, id).Scan(&j.ID, &j.ToolName, &j.QosClass, &j.Status, &j.Attempts, &j.PayloadJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return j, err
}

func (s *PostgresStore) Complete(ctx context.Context, id string, resultJSON string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE gateway.tool_jobs
		SET status = 'completed', result_json = $2, completed_at = $3, lease_expires_at = NULL, updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, id, resultJSON, now)
	return err
}

func (s *PostgresStore) RequeueForRetry(ctx context.Context, id string, availableAt time.Time, lastError string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE gateway.tool_jobs
		SET status = 'queued', available_at = $2, last_error = $3, lease_expires_at = NULL, updated_at = $4
		WHERE id = $1 AND status = 'running'
	`, id, availableAt, lastError, now)
	return err
}

func (s *PostgresStore) DeadLetter(ctx context.Context, id string, reason string, now time.Time, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE gateway.tool_jobs
		SET status = 'dead_letter', dead_letter_reason = $2, dead_letter_at = $3, expires_at = $4, lease_expires_at = NULL, updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, id, reason, now, expiresAt)
	return err
}

func (s *PostgresStore) RequeueDeadLetter(ctx context.Context, id string, now time.Time, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE gateway.tool_jobs
		SET status = 'queued', attempts = 0, available_at = $2, lease_expires_at = NULL,
		    dead_letter_reason = NULL, dead_letter_at = NULL, expires_at = $3, updated_at = $2
		WHERE id = $1 AND status = 'dead_letter'
	`, id, now, expiresAt)
	return err
}

func (s *PostgresStore) QueueDepthByTool(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tool_name, count(*) FROM gateway.tool_jobs WHERE status = 'queued' GROUP BY tool_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var tool string
		var n int
		if err := rows.Scan(&tool, &n); err != nil {
			return nil, err
		}
		out[tool] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeadLetterDepth(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM gateway.tool_jobs WHERE status = 'dead_letter'`).Scan(&n)
	return n, err
}

func (s *PostgresStore) OldestQueuedAge(ctx context.Context, now time.Time) (time.Duration, error) {
	var oldest *time.Time
	err := s.pool.QueryRow(ctx, `SELECT min(available_at) FROM gateway.tool_jobs WHERE status = 'queued'`).Scan(&oldest)
	if err != nil || oldest == nil {
		return 0, err
	}
	return now.Sub(*oldest), nil
}

func (s *PostgresStore) OldestRunningAge(ctx context.Context, now time.Time) (time.Duration, error) {
	var oldest *time.Time
	err := s.pool.QueryRow(ctx, `SELECT min(updated_at) FROM gateway.tool_jobs WHERE status = 'running'`).Scan(&oldest)
	if err != nil || oldest == nil {
		return 0, err
	}
	return now.Sub(*oldest), nil
}

func (s *PostgresStore) InsertAlert(ctx context.Context, alertKey string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO gateway.tool_queue_alerts (alert_key, created_at, expires_at)
		VALUES ($1, now(), now() + interval '24 hours')
		ON CONFLICT (alert_key) DO NOTHING
	`, alertKey)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CleanupExpiredAlerts(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM gateway.tool_queue_alerts WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecentDeadLetters returns the most recently dead-lettered jobs, newest
// first, for the ops snapshot's "recent DLQ rows" view.
func (s *PostgresStore) RecentDeadLetters(ctx context.Context, limit int) ([]Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tool_name, qos_class, attempts, dead_letter_reason, dead_letter_at
		FROM gateway.tool_jobs
		WHERE status = 'dead_letter'
		ORDER BY dead_letter_at DESC NULLS LAST
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.ToolName, &j.QosClass, &j.Attempts, &j.DeadLetterReason, &j.DeadLetterAt); err != nil {
			return nil, err
		}
		j.Status = StatusDeadLetter
		out = append(out, j)
	}
	return out, rows.Err()
}

// RecentAlerts returns the most recently raised queue-health alerts for the
// ops snapshot's "recent queue alerts" view.
func (s *PostgresStore) RecentAlerts(ctx context.Context, limit int) ([]AlertRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT alert_key, created_at FROM gateway.tool_queue_alerts
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AlertRow
	for rows.Next() {
		var a AlertRow
		if err := rows.Scan(&a.AlertKey, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

var ErrJobNotFound = errors.New("toolqueue: job not found")
