package bulkhead

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists leases in gateway.bulkhead_leases, one row per
// (provider, lease_id).
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CountActive(ctx context.Context, provider string, nowMs int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM gateway.bulkhead_leases
		WHERE provider = $1 AND expires_at > to_timestamp($2 / 1000.0)
	`, provider, nowMs).Scan(&count)
	return count, err
}

func (s *PostgresStore) Insert(ctx context.Context, provider, leaseID string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gateway.bulkhead_leases (provider, lease_id, acquired_at, expires_at)
		VALUES ($1, $2, now(), $3)
		ON CONFLICT (provider, lease_id) DO UPDATE SET expires_at = $3
	`, provider, leaseID, expiresAt)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, provider, leaseID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM gateway.bulkhead_leases WHERE provider = $1 AND lease_id = $2
	`, provider, leaseID)
	return err
}

func (s *PostgresStore) ListActive(ctx context.Context, provider string, nowMs int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT lease_id FROM gateway.bulkhead_leases
		WHERE provider = $1 AND expires_at > to_timestamp($2 / 1000.0)
	`, provider, nowMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountActiveByProvider returns in-flight lease counts grouped by provider,
// for the ops snapshot's bulkhead inflight-by-provider view.
func (s *PostgresStore) CountActiveByProvider(ctx context.Context, nowMs int64) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT provider, count(*) FROM gateway.bulkhead_leases
		WHERE expires_at > to_timestamp($1 / 1000.0)
		GROUP BY provider
	`, nowMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var provider string
		var n int
		if err := rows.Scan(&provider, &n); err != nil {
			return nil, err
		}
		out[provider] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, nowMs int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM gateway.bulkhead_leases WHERE expires_at <= to_timestamp($1 / 1000.0)
	`, nowMs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
