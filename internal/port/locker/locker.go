package locker

import "context"

// AdvisoryLocker serialises critical sections. The postgres implementation
// uses session advisory locks; WithLock ensures lock and unlock occur on the
// same DB connection — required for session-level pg_advisory_lock semantics.
// The dispatcher takes one lock per capability so two concurrent
// dispatch calls can never reserve the same task twice.
type AdvisoryLocker interface {
	WithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) error
}
