package breaker

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domainagent "github.com/reverie/coord/internal/domain/agent"
	domainbreaker "github.com/reverie/coord/internal/domain/breaker"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Get(ctx context.Context, key domainbreaker.Key) (domainbreaker.Record, bool, error) {
	query := `
		SELECT state, failure_count, window_started_at, opened_at, trial_in_flight, updated_at
		FROM circuit_breakers WHERE agent_key = $1 AND operation_class = $2`

	rec := domainbreaker.Record{Key: key}
	err := s.pool.QueryRow(ctx, query, key.Agent.String(), key.Class).Scan(
		&rec.State, &rec.FailureCount, &rec.WindowStartedAt, &rec.OpenedAt, &rec.TrialInFlight, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domainbreaker.Record{}, false, nil
		}
		return domainbreaker.Record{}, false, fmt.Errorf("querying breaker: %w", err)
	}
	return rec, true, nil
}

func (s *Store) Put(ctx context.Context, rec domainbreaker.Record) error {
	query := `
		INSERT INTO circuit_breakers (agent_key, operation_class, state, failure_count,
			window_started_at, opened_at, trial_in_flight, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (agent_key, operation_class) DO UPDATE SET
			state             = EXCLUDED.state,
			failure_count     = EXCLUDED.failure_count,
			window_started_at = EXCLUDED.window_started_at,
			opened_at         = EXCLUDED.opened_at,
			trial_in_flight   = EXCLUDED.trial_in_flight,
			updated_at        = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		rec.Key.Agent.String(), rec.Key.Class, rec.State, rec.FailureCount,
		rec.WindowStartedAt, rec.OpenedAt, rec.TrialInFlight, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting breaker: %w", err)
	}
	return nil
}

func (s *Store) AcquireTrial(ctx context.Context, key domainbreaker.Key) (bool, error) {
	// Single-slot CAS: only one dispatcher may run the half-open trial.
	tag, err := s.pool.Exec(ctx, `
		UPDATE circuit_breakers SET trial_in_flight = TRUE
		WHERE agent_key = $1 AND operation_class = $2
			AND state = 'half_open' AND trial_in_flight = FALSE`,
		key.Agent.String(), key.Class,
	)
	if err != nil {
		return false, fmt.Errorf("acquiring trial slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseTrial(ctx context.Context, key domainbreaker.Key) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE circuit_breakers SET trial_in_flight = FALSE
		WHERE agent_key = $1 AND operation_class = $2`,
		key.Agent.String(), key.Class,
	)
	if err != nil {
		return fmt.Errorf("releasing trial slot: %w", err)
	}
	return nil
}

func (s *Store) DeleteByAgent(ctx context.Context, key domainagent.Key) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM circuit_breakers WHERE agent_key = $1`, key.String()); err != nil {
		return fmt.Errorf("deleting breakers for agent: %w", err)
	}
	return nil
}

func (s *Store) CountOpenByClass(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT operation_class, COUNT(*) FROM circuit_breakers
		WHERE state = 'open' GROUP BY operation_class`)
	if err != nil {
		return nil, fmt.Errorf("counting open breakers: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var class string
		var n int
		if err := rows.Scan(&class, &n); err != nil {
			return nil, fmt.Errorf("scanning breaker count: %w", err)
		}
		counts[class] = n
	}
	return counts, rows.Err()
}
