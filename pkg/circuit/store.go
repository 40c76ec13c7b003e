package circuit

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists circuit state in gateway.circuit_breaker_state,
// one row per route, read-modify-write under Save.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Load(ctx context.Context, route string) (state, error) {
	var st state
	err := s.pool.QueryRow(ctx, `
		SELECT value, consecutive_failures, cooldown_until_ms, last_cooldown_ms
		FROM gateway.circuit_breaker_state
		WHERE route = $1
	`, route).Scan(&st.value, &st.consecutiveFailures, &st.cooldownUntilMs, &st.lastCooldownMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return state{value: StateClosed}, nil
	}
	if err != nil {
		return state{}, err
	}
	return st, nil
}

// ListRouteStates returns every route's current breaker state for the ops
// snapshot. Bounded by the number of distinct routes, which is small and
// fixed (primary/secondary per provider), never user-controlled.
func (s *PostgresStore) ListRouteStates(ctx context.Context) ([]RouteState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT route, value, consecutive_failures, cooldown_until_ms
		FROM gateway.circuit_breaker_state
		ORDER BY route
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RouteState
	for rows.Next() {
		var rs RouteState
		if err := rows.Scan(&rs.Route, &rs.Value, &rs.ConsecutiveFailures, &rs.CooldownUntilMs); err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Save(ctx context.Context, route string, st state) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gateway.circuit_breaker_state (route, value, consecutive_failures, cooldown_until_ms, last_cooldown_ms, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (route) DO UPDATE
			SET value = $2, consecutive_failures = $3, cooldown_until_ms = $4, last_cooldown_ms = $5, updated_at = now()
	`, route, st.value, st.consecutiveFailures, st.cooldownUntilMs, st.lastCooldownMs)
	return err
}
