package store

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/model"
)

// LockDueScheduled selects up to limit SCHEDULED broadcasts whose
// scheduled_at is due, using SELECT ... FOR UPDATE SKIP LOCKED so multiple
// Lifecycle Scheduler replicas (only the leader actually calls this, but
// the discipline is still skip-locked per spec.md §4.1) never contend, and
// transitions each to READY with a matching "scheduled-now" outbox row.
// This is the raw-SQL reimplementation of the teacher's ent
// ForUpdate(sql.WithLockAction(sql.SkipLocked)) idiom from
// pkg/queue/worker.go's claimNextSession.
func (s *Store) LockDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Broadcast, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin lock due scheduled: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, broadcastSelectColumns+`
		WHERE status = 'SCHEDULED' AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query due scheduled: %w", err)
	}
	var due []*model.Broadcast
	for rows.Next() {
		b, err := scanBroadcastRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate due scheduled: %w", err)
	}
	if len(due) == 0 {
		return nil, tx.Commit(ctx)
	}

	for _, b := range due {
		if _, err := tx.Exec(ctx, `
			UPDATE broadcast_messages SET status = 'READY', updated_at = $2 WHERE id = $1
		`, b.ID, now); err != nil {
			return nil, fmt.Errorf("store: transition to ready: %w", err)
		}
		b.Status = model.BroadcastReady

		evt := model.OrchestrationEvent{Type: model.OrchestrationScheduledNow, BroadcastID: b.ID, Timestamp: now}
		if err := insertOutboxTx(ctx, tx, b.ID, "orchestration.scheduled-now", "orchestration", evt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit lock due scheduled: %w", err)
	}
	return due, nil
}

// LockReady selects up to limit READY broadcasts using SELECT ... FOR
// UPDATE SKIP LOCKED. The query runs on the pool outside any transaction,
// so the row locks are released as soon as the statement finishes: rows
// locked by another transaction at that moment are skipped, but the
// returned broadcasts are not held for the caller, and two callers can
// receive the same broadcast in turn.
func (s *Store) LockReady(ctx context.Context, limit int) ([]*model.Broadcast, error) {
	rows, err := s.pool.Query(ctx, broadcastSelectColumns+`
		WHERE status = 'READY'
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query ready: %w", err)
	}
	defer rows.Close()

	var out []*model.Broadcast
	for rows.Next() {
		b, err := scanBroadcastRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// LockExpiring selects ACTIVE broadcasts whose expires_at is due.
func (s *Store) LockExpiring(ctx context.Context, now time.Time, limit int) ([]*model.Broadcast, error) {
	rows, err := s.pool.Query(ctx, broadcastSelectColumns+`
		WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query expiring: %w", err)
	}
	defer rows.Close()

	var out []*model.Broadcast
	for rows.Next() {
		b, err := scanBroadcastRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ProcessOutbox claims up to limit unprocessed outbox rows (ordered by
// created_at, FOR UPDATE SKIP LOCKED, held for the lifetime of one
// transaction so the lock is meaningful) and invokes publish for each in
// order, deleting each row inside the transaction once publish returns nil
// for it. The whole batch commits together: the first publish error stops
// the batch and rolls the transaction back, so every claimed row, including
// rows already published earlier in the same batch, stays in the outbox and
// is published again on the next tick.
func (s *Store) ProcessOutbox(ctx context.Context, limit int, publish func(*model.OutboxRow) error) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin process outbox: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, event_type, topic, payload, created_at
		  FROM outbox_events
		 ORDER BY created_at
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("store: poll outbox: %w", err)
	}
	var claimed []*model.OutboxRow
	for rows.Next() {
		var r model.OutboxRow
		if err := rows.Scan(&r.ID, &r.AggregateID, &r.EventType, &r.Topic, &r.Payload, &r.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: scan outbox row: %w", err)
		}
		claimed = append(claimed, &r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("store: iterate outbox rows: %w", err)
	}

	processed := 0
	for _, r := range claimed {
		if err := publish(r); err != nil {
			return processed, fmt.Errorf("store: publish outbox row %s: %w", r.ID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM outbox_events WHERE id = $1`, r.ID); err != nil {
			return processed, fmt.Errorf("store: delete outbox row %s: %w", r.ID, err)
		}
		processed++
	}

	if err := tx.Commit(ctx); err != nil {
		return processed, fmt.Errorf("store: commit process outbox: %w", err)
	}
	return processed, nil
}

// SupersedeForFireAndForget marks all non-terminal rows of a fire-and-forget
// broadcast SUPERSEDED and the broadcast itself EXPIRED, used by the Stale
// Connection GC path when the last connected recipient disconnects.
func (s *Store) SupersedeForFireAndForget(ctx context.Context, broadcastID int64) error {
	return s.Expire(ctx, broadcastID)
}
