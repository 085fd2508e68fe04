package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domainagent "github.com/reverie/coord/internal/domain/agent"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Upsert(ctx context.Context, rec domainagent.Record) (domainagent.Record, error) {
	// Re-registration replaces capabilities but preserves registered_at, and
	// the newest heartbeat always wins.
	query := `
		INSERT INTO agents (agent_key, agent_type, instance_id, capabilities, last_heartbeat_at, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_key) DO UPDATE SET
			capabilities      = EXCLUDED.capabilities,
			last_heartbeat_at = GREATEST(agents.last_heartbeat_at, EXCLUDED.last_heartbeat_at)
		RETURNING agent_type, instance_id, capabilities, last_heartbeat_at, registered_at`

	var out domainagent.Record
	err := s.pool.QueryRow(ctx, query,
		rec.Key.String(), rec.Key.Type, rec.Key.InstanceID,
		rec.Capabilities, rec.LastHeartbeatAt, rec.RegisteredAt,
	).Scan(&out.Key.Type, &out.Key.InstanceID, &out.Capabilities, &out.LastHeartbeatAt, &out.RegisteredAt)
	if err != nil {
		return domainagent.Record{}, fmt.Errorf("upserting agent: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, key domainagent.Key) (domainagent.Record, error) {
	query := `
		SELECT agent_type, instance_id, capabilities, last_heartbeat_at, registered_at
		FROM agents WHERE agent_key = $1`

	var rec domainagent.Record
	err := s.pool.QueryRow(ctx, query, key.String()).Scan(
		&rec.Key.Type, &rec.Key.InstanceID, &rec.Capabilities, &rec.LastHeartbeatAt, &rec.RegisteredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domainagent.Record{}, fmt.Errorf("agent %s: %w", key, domainagent.ErrUnknownAgent)
		}
		return domainagent.Record{}, fmt.Errorf("querying agent: %w", err)
	}
	return rec, nil
}

func (s *Store) Heartbeat(ctx context.Context, key domainagent.Key, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET last_heartbeat_at = GREATEST(last_heartbeat_at, $1) WHERE agent_key = $2`,
		at, key.String(),
	)
	if err != nil {
		return fmt.Errorf("updating heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("heartbeat for %s: %w", key, domainagent.ErrUnknownAgent)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]domainagent.Record, error) {
	query := `
		SELECT agent_type, instance_id, capabilities, last_heartbeat_at, registered_at
		FROM agents ORDER BY registered_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *Store) ListByCapability(ctx context.Context, capability string) ([]domainagent.Record, error) {
	query := `
		SELECT agent_type, instance_id, capabilities, last_heartbeat_at, registered_at
		FROM agents WHERE $1 = ANY(capabilities) ORDER BY registered_at`

	rows, err := s.pool.Query(ctx, query, capability)
	if err != nil {
		return nil, fmt.Errorf("listing agents by capability: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *Store) Delete(ctx context.Context, key domainagent.Key) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE agent_key = $1`, key.String()); err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	return nil
}

func scanRecords(rows pgx.Rows) ([]domainagent.Record, error) {
	var records []domainagent.Record
	for rows.Next() {
		var rec domainagent.Record
		if err := rows.Scan(
			&rec.Key.Type, &rec.Key.InstanceID, &rec.Capabilities, &rec.LastHeartbeatAt, &rec.RegisteredAt,
		); err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
