package locker

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Locker implements port/locker.AdvisoryLocker with transaction-scoped
// advisory locks. pg_advisory_xact_lock releases automatically when the
// transaction ends, so a crashed dispatcher can never leave a capability
// wedged behind an orphaned session lock.
type Locker struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Locker {
	return &Locker{pool: pool}
}

// WithLock runs fn while holding the advisory lock for key. The lock is
// acquired inside a dedicated transaction and held until fn returns; fn's
// own queries run on the pool as usual.
func (l *Locker) WithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin lock transaction: %w", err)
	}
	// Rollback with a fresh context so the lock releases even if ctx was
	// cancelled mid-fn. Rollback after Commit is a harmless no-op.
	defer tx.Rollback(context.Background()) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	if err := fn(ctx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
