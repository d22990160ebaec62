// Package leaderlock implements the named distributed lock spec.md §5
// requires for singleton background tasks (outbox relay, activator,
// expirer, stale GC, fan-out orchestrator): a row-based lease in the
// `shedlock` table, portable across any pgx pooled connection (unlike
// session-scoped pg_advisory_lock, which would pin a task to one
// connection for its entire lifetime).
package leaderlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotLeader is returned by TryAcquire when another holder's lease is still
// current.
var ErrNotLeader = errors.New("leaderlock: lock held by another holder")

// Lock guards a single named task (e.g. "outbox-relay", "activator").
type Lock struct {
	pool     *pgxpool.Pool
	name     string
	holderID string

	atLeastFor time.Duration
	atMostFor  time.Duration

	lockedAt time.Time
}

// New creates a Lock for the given task name. holderID should uniquely
// identify this pod (e.g. config.Config.PodName).
func New(pool *pgxpool.Pool, name, holderID string, atLeastFor, atMostFor time.Duration) *Lock {
	return &Lock{
		pool:       pool,
		name:       name,
		holderID:   holderID,
		atLeastFor: atLeastFor,
		atMostFor:  atMostFor,
	}
}

// TryAcquire attempts to take or renew the lease. It returns (true, nil) if
// this holder now owns the lock for atMostFor from now; (false, ErrNotLeader)
// if another holder's lease has not expired yet.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	now := time.Now().UTC()
	lockUntil := now.Add(l.atMostFor)

	tag, err := l.pool.Exec(ctx, `
		UPDATE shedlock
		   SET locked_by = $2, locked_at = $3, lock_until = $4
		 WHERE name = $1 AND lock_until <= $3
	`, l.name, l.holderID, now, lockUntil)
	if err != nil {
		return false, fmt.Errorf("leaderlock: renew %s: %w", l.name, err)
	}
	if tag.RowsAffected() == 1 {
		l.lockedAt = now
		return true, nil
	}

	_, err = l.pool.Exec(ctx, `
		INSERT INTO shedlock (name, locked_by, locked_at, lock_until)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING
	`, l.name, l.holderID, now, lockUntil)
	if err != nil {
		return false, fmt.Errorf("leaderlock: insert %s: %w", l.name, err)
	}

	var lockedBy string
	err = l.pool.QueryRow(ctx, `SELECT locked_by FROM shedlock WHERE name = $1`, l.name).Scan(&lockedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotLeader
		}
		return false, fmt.Errorf("leaderlock: read %s: %w", l.name, err)
	}
	if lockedBy != l.holderID {
		return false, ErrNotLeader
	}
	l.lockedAt = now
	return true, nil
}

// Release gives up the lease early, but never before atLeastFor has
// elapsed since the most recent acquire — callers that finish a unit of
// work quickly should simply let the lease expire naturally rather than
// calling Release, unless shutting down.
func (l *Lock) Release(ctx context.Context) error {
	releaseAt := time.Now().UTC()
	if earliest := l.lockedAt.Add(l.atLeastFor); releaseAt.Before(earliest) {
		releaseAt = earliest
	}

	_, err := l.pool.Exec(ctx, `
		UPDATE shedlock SET lock_until = $3
		 WHERE name = $1 AND locked_by = $2
	`, l.name, l.holderID, releaseAt)
	if err != nil {
		return fmt.Errorf("leaderlock: release %s: %w", l.name, err)
	}
	return nil
}

// RunIfLeader acquires the lock and, on success, runs fn; it is a no-op
// (returns nil) when another pod currently holds the lease. This is the
// shape every leader-gated periodic task in pkg/scheduler, pkg/outboxrelay,
// and pkg/fanout uses.
func (l *Lock) RunIfLeader(ctx context.Context, fn func(ctx context.Context) error) error {
	acquired, err := l.TryAcquire(ctx)
	if err != nil {
		if errors.Is(err, ErrNotLeader) {
			return nil
		}
		return err
	}
	if !acquired {
		return nil
	}
	if err := fn(ctx); err != nil {
		slog.Error("leaderlock: task failed while holding lease", "name", l.name, "error", err)
		return err
	}
	return nil
}
