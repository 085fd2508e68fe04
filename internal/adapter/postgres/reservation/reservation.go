package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	domainagent "github.com/reverie/coord/internal/domain/agent"
	domainres "github.com/reverie/coord/internal/domain/reservation"
)

const columns = `task_id, capability, payload_ref, state, agent_key, reserved_at, ttl_seconds, attempt_count, enqueued_at, updated_at`

// Store persists task reservations in Postgres. Every transition is a single
// UPDATE guarded on the current state (and holder where relevant), so
// concurrent writers resolve races at the row level without table locks.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Create(ctx context.Context, t domainres.TaskReservation) error {
	query := `
		INSERT INTO task_reservations (` + columns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		t.TaskID, t.Capability, t.PayloadRef, t.State, keyString(t.AgentKey),
		t.ReservedAt, int64(t.TTL/time.Second), t.AttemptCount, t.EnqueuedAt, t.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return fmt.Errorf("create task %s: %w", t.TaskID, domainres.ErrDuplicateTask)
		}
		return fmt.Errorf("inserting reservation: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, taskID string) (domainres.TaskReservation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+columns+` FROM task_reservations WHERE task_id = $1`, taskID)
	t, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domainres.TaskReservation{}, fmt.Errorf("task %s: %w", taskID, domainres.ErrNotFound)
		}
		return domainres.TaskReservation{}, fmt.Errorf("querying reservation: %w", err)
	}
	return t, nil
}

func (s *Store) Reserve(ctx context.Context, taskID string, key domainagent.Key, now time.Time) (domainres.TaskReservation, bool, error) {
	query := `
		UPDATE task_reservations
		SET state = 'reserved', agent_key = $1, reserved_at = $2,
			attempt_count = attempt_count + 1, updated_at = $2
		WHERE task_id = $3 AND state = 'pending'
		RETURNING ` + columns

	row := s.pool.QueryRow(ctx, query, key.String(), now, taskID)
	t, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the task does not exist or another dispatcher won.
			existing, getErr := s.Get(ctx, taskID)
			if getErr != nil {
				return domainres.TaskReservation{}, false, getErr
			}
			return existing, false, nil
		}
		return domainres.TaskReservation{}, false, fmt.Errorf("reserving task: %w", err)
	}
	return t, true, nil
}

func (s *Store) Complete(ctx context.Context, taskID string, key domainagent.Key, now time.Time) (domainres.TaskReservation, error) {
	query := `
		UPDATE task_reservations
		SET state = 'completed', updated_at = $1
		WHERE task_id = $2 AND state = 'reserved' AND agent_key = $3
		RETURNING ` + columns

	row := s.pool.QueryRow(ctx, query, now, taskID, key.String())
	t, err := scanReservation(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domainres.TaskReservation{}, fmt.Errorf("completing reservation: %w", err)
	}

	// CAS missed — classify against the current row.
	existing, getErr := s.Get(ctx, taskID)
	if getErr != nil {
		return domainres.TaskReservation{}, getErr
	}
	if existing.State.Terminal() {
		return existing, fmt.Errorf("complete task %s: %w", taskID, domainres.ErrTerminalState)
	}
	return existing, fmt.Errorf("complete task %s by %s: %w", taskID, key, domainres.ErrReservationMismatch)
}

func (s *Store) Release(ctx context.Context, taskID string, key domainagent.Key, reservedAt time.Time, to domainres.State, now time.Time) (domainres.TaskReservation, bool, error) {
	if to != domainres.StatePending && to != domainres.StateFailedPermanent {
		return domainres.TaskReservation{}, false, fmt.Errorf("release task %s: invalid target state %s", taskID, to)
	}

	bump := 0
	if to == domainres.StatePending {
		bump = 1
	}
	query := `
		UPDATE task_reservations
		SET state = $1, agent_key = NULL, reserved_at = NULL,
			attempt_count = attempt_count + $2, updated_at = $3
		WHERE task_id = $4 AND state = 'reserved' AND agent_key = $5 AND reserved_at = $6
		RETURNING ` + columns

	row := s.pool.QueryRow(ctx, query, to, bump, now, taskID, key.String(), reservedAt)
	t, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, getErr := s.Get(ctx, taskID)
			if getErr != nil {
				return domainres.TaskReservation{}, false, getErr
			}
			return existing, false, nil
		}
		return domainres.TaskReservation{}, false, fmt.Errorf("releasing reservation: %w", err)
	}
	return t, true, nil
}

func (s *Store) Fail(ctx context.Context, taskID string, now time.Time) (domainres.TaskReservation, error) {
	query := `
		UPDATE task_reservations
		SET state = 'failed_permanent', agent_key = NULL, reserved_at = NULL, updated_at = $1
		WHERE task_id = $2 AND state NOT IN ('completed', 'failed_permanent')
		RETURNING ` + columns

	row := s.pool.QueryRow(ctx, query, now, taskID)
	t, err := scanReservation(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domainres.TaskReservation{}, fmt.Errorf("cancelling task: %w", err)
	}
	existing, getErr := s.Get(ctx, taskID)
	if getErr != nil {
		return domainres.TaskReservation{}, getErr
	}
	return existing, fmt.Errorf("cancel task %s: %w", taskID, domainres.ErrTerminalState)
}

func (s *Store) Resubmit(ctx context.Context, taskID string, now time.Time) (domainres.TaskReservation, error) {
	query := `
		UPDATE task_reservations
		SET state = 'pending', attempt_count = 0, updated_at = $1
		WHERE task_id = $2 AND state = 'failed_permanent'
		RETURNING ` + columns

	row := s.pool.QueryRow(ctx, query, now, taskID)
	t, err := scanReservation(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domainres.TaskReservation{}, fmt.Errorf("resubmitting task: %w", err)
	}
	existing, getErr := s.Get(ctx, taskID)
	if getErr != nil {
		return domainres.TaskReservation{}, getErr
	}
	return existing, fmt.Errorf("resubmit task %s in state %s: %w", taskID, existing.State, domainres.ErrTerminalState)
}

func (s *Store) OldestPending(ctx context.Context, capability string) (domainres.TaskReservation, bool, error) {
	query := `
		SELECT ` + columns + ` FROM task_reservations
		WHERE state = 'pending' AND capability = $1
		ORDER BY enqueued_at ASC LIMIT 1`

	row := s.pool.QueryRow(ctx, query, capability)
	t, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domainres.TaskReservation{}, false, nil
		}
		return domainres.TaskReservation{}, false, fmt.Errorf("querying oldest pending: %w", err)
	}
	return t, true, nil
}

func (s *Store) CountReservedByAgent(ctx context.Context, capability string) (map[domainagent.Key]int, error) {
	// Load counts cover all classes of work an agent holds, not just the
	// dispatched capability.
	_ = capability
	rows, err := s.pool.Query(ctx, `
		SELECT agent_key, COUNT(*) FROM task_reservations
		WHERE state = 'reserved' AND agent_key IS NOT NULL
		GROUP BY agent_key`)
	if err != nil {
		return nil, fmt.Errorf("counting reserved by agent: %w", err)
	}
	defer rows.Close()

	counts := make(map[domainagent.Key]int)
	for rows.Next() {
		var keyStr string
		var n int
		if err := rows.Scan(&keyStr, &n); err != nil {
			return nil, fmt.Errorf("scanning reserved count: %w", err)
		}
		key, err := domainagent.ParseKey(keyStr)
		if err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]domainres.TaskReservation, error) {
	query := `
		SELECT ` + columns + ` FROM task_reservations
		WHERE state = 'reserved' AND reserved_at + ttl_seconds * INTERVAL '1 second' < $1
		ORDER BY reserved_at ASC`

	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("listing expired reservations: %w", err)
	}
	defer rows.Close()

	var out []domainres.TaskReservation
	for rows.Next() {
		t, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning expired reservation: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CountByState(ctx context.Context) (map[string]map[domainres.State]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT capability, state, COUNT(*) FROM task_reservations
		GROUP BY capability, state`)
	if err != nil {
		return nil, fmt.Errorf("counting reservations by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]map[domainres.State]int)
	for rows.Next() {
		var capability string
		var state domainres.State
		var n int
		if err := rows.Scan(&capability, &state, &n); err != nil {
			return nil, fmt.Errorf("scanning state count: %w", err)
		}
		if counts[capability] == nil {
			counts[capability] = make(map[domainres.State]int)
		}
		counts[capability][state] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReservation(row scanner) (domainres.TaskReservation, error) {
	var t domainres.TaskReservation
	var keyStr *string
	var ttlSeconds int64
	if err := row.Scan(
		&t.TaskID, &t.Capability, &t.PayloadRef, &t.State, &keyStr,
		&t.ReservedAt, &ttlSeconds, &t.AttemptCount, &t.EnqueuedAt, &t.UpdatedAt,
	); err != nil {
		return domainres.TaskReservation{}, err
	}
	t.TTL = time.Duration(ttlSeconds) * time.Second
	if keyStr != nil {
		key, err := domainagent.ParseKey(*keyStr)
		if err != nil {
			return domainres.TaskReservation{}, err
		}
		t.AgentKey = &key
	}
	return t, nil
}

func keyString(key *domainagent.Key) *string {
	if key == nil {
		return nil
	}
	s := key.String()
	return &s
}
