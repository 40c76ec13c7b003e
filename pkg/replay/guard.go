// Package replay implements the inbound-webhook replay guard: dedup of
// identifiers with TTL and hit counting, used fail-open by HTTP handlers so
// a guard outage never blocks traffic.
package replay

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ClaimResult is returned by ClaimKey.
type ClaimResult struct {
	Duplicate bool
	HitCount  int
}

// querier is the capability handle Guard needs from a database connection;
// *pgxpool.Pool satisfies it. Narrowing to this interface keeps Guard
// testable with a fake without importing pgxpool in tests.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// DuplicateCounts reports, per scope, the number of keys seen more than
// once (hit_count > 1) with a first sight inside the last windowMin
// minutes — the "replay duplicates by scope" section of the ops snapshot.
func (g *Guard) DuplicateCounts(ctx context.Context, windowMin int) (map[string]int, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT scope, count(*) FROM gateway.idempotency_keys
		WHERE hit_count > 1 AND first_seen_at > now() - ($1 || ' minutes')::interval
		GROUP BY scope
	`, windowMin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var scope string
		var n int
		if err := rows.Scan(&scope, &n); err != nil {
			return nil, err
		}
		out[scope] = n
	}
	return out, rows.Err()
}

// Guard is the document-store-backed dedup primitive.
type Guard struct {
	pool querier
}

func NewGuard(pool *pgxpool.Pool) *Guard {
	return &Guard{pool: pool}
}

// ClaimKey inserts (scope,key) on first sight with hitCount=1, or patches
// hitCount+=1 on subsequent claims, returning duplicate=true. ttlMs sets
// the row's expiry for the periodic TTL sweep.
func (g *Guard) ClaimKey(ctx context.Context, scope, key string, ttlMs int) (ClaimResult, error) {
	var hitCount int
	var inserted bool

	err := g.pool.QueryRow(ctx, `
		INSERT INTO gateway.idempotency_keys (scope, key, first_seen_at, hit_count, expires_at)
		VALUES ($1, $2, now(), 1, now() + ($3 || ' milliseconds')::interval)
		ON CONFLICT (scope, key) DO UPDATE
			SET hit_count = gateway.idempotency_keys.hit_count + 1,
			    expires_at = now() + ($3 || ' milliseconds')::interval
		RETURNING hit_count, (xmax = 0)
	`, scope, key, ttlMs).Scan(&hitCount, &inserted)
	if err != nil {
		return ClaimResult{}, err
	}

	return ClaimResult{Duplicate: !inserted, HitCount: hitCount}, nil
}

// ClaimKeyFailOpen is the handler-facing entry point: on any store error it
// logs and proceeds as if the key were new, per the fail-open contract.
func (g *Guard) ClaimKeyFailOpen(ctx context.Context, logger *slog.Logger, scope, key string, ttlMs int) ClaimResult {
	res, err := g.ClaimKey(ctx, scope, key, ttlMs)
	if err != nil {
		logger.Warn("replay guard claim failed, proceeding without dedup", "error", err, "scope", scope)
		return ClaimResult{Duplicate: false, HitCount: 1}
	}
	return res
}
