package toolcache

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists cache entries in gateway.tool_result_cache, one
// row per (namespace, key).
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	var valueJSON string
	err := s.pool.QueryRow(ctx, `
		SELECT value_json FROM gateway.tool_result_cache
		WHERE namespace = $1 AND key = $2 AND expires_at > now()
	`, namespace, key).Scan(&valueJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return valueJSON, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, namespace, key, valueJSON string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gateway.tool_result_cache (namespace, key, value_json, expires_at, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (namespace, key) DO UPDATE
			SET value_json = $3, expires_at = $4
	`, namespace, key, valueJSON, expiresAt)
	return err
}

func (s *PostgresStore) CountActiveByNamespace(ctx context.Context, now time.Time) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT namespace, count(*) FROM gateway.tool_result_cache
		WHERE expires_at > $1
		GROUP BY namespace
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var ns string
		var n int
		if err := rows.Scan(&ns, &n); err != nil {
			return nil, err
		}
		out[ns] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM gateway.tool_result_cache WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
