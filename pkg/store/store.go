// Package store implements the Broadcast Store (C10): transactional
// persistence of broadcasts, per-user delivery rows, stats, and the
// outbox rows that couple every state change to its eventual publication.
//
// Every state-changing method commits in the same transaction as its
// OutboxRow insertion — see insertOutboxTx below, grounded on the
// teacher's pkg/events/publisher.go persistAndNotify (insert + pg_notify in
// one transaction, single commit).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultFireAndForgetTTL is the fallback short TTL applied to a
// fire-and-forget broadcast created without an explicit ExpiresAt, used
// when New is given a zero duration. spec.md §3: fire-and-forget
// broadcasts expire "when all targeted recipients disconnect OR after a
// short TTL, whichever is first" — the disconnect path alone never fires
// for a recipient who stays connected forever, so every fire-and-forget
// broadcast needs this fallback deadline regardless.
const DefaultFireAndForgetTTL = 5 * time.Minute

// Store is the Broadcast Store (C10).
type Store struct {
	pool             *pgxpool.Pool
	fireAndForgetTTL time.Duration
}

// New constructs a Store over an existing pgx pool. fireAndForgetTTL is the
// fallback expiry window for a fire-and-forget broadcast created with no
// explicit ExpiresAt; a zero value uses DefaultFireAndForgetTTL.
func New(pool *pgxpool.Pool, fireAndForgetTTL time.Duration) *Store {
	if fireAndForgetTTL <= 0 {
		fireAndForgetTTL = DefaultFireAndForgetTTL
	}
	return &Store{pool: pool, fireAndForgetTTL: fireAndForgetTTL}
}

// CreateRequest is the admin-authored create payload (spec.md §6 POST
// /broadcasts body).
type CreateRequest struct {
	SenderID      int64
	SenderName    string
	Content       string
	Target        model.TargetSpec
	Priority      model.Priority
	Category      string
	ScheduledAt   *time.Time
	ExpiresAt     *time.Time
	FireAndForget bool
}

func (r CreateRequest) validate() error {
	if r.Content == "" {
		return NewValidationError("content", "must not be empty")
	}
	switch r.Target.Kind {
	case model.TargetAll, model.TargetSelected, model.TargetRole, model.TargetProduct:
	default:
		return NewValidationError("targetType", fmt.Sprintf("unknown target kind %q", r.Target.Kind))
	}
	if r.Target.Kind == model.TargetSelected && len(r.Target.IDs) == 0 {
		return NewValidationError("targetIds", "required when targetType=SELECTED")
	}
	if r.ExpiresAt != nil && r.ScheduledAt != nil && !r.ExpiresAt.After(*r.ScheduledAt) {
		return NewValidationError("expiresAt", "must be after scheduledAt")
	}
	if r.Priority == "" {
		r.Priority = model.PriorityNormal
	}
	return nil
}

// CreateBroadcast inserts a Broadcast, its stats row, and (unless the
// broadcast is already expired or not yet due) an outbox row, all in one
// transaction. A broadcast whose expires_at is already in the past at
// creation time is recorded directly as EXPIRED and never generates
// fan-out events (spec.md §7).
func (s *Store) CreateBroadcast(ctx context.Context, req CreateRequest) (*model.Broadcast, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if req.FireAndForget && req.ExpiresAt == nil {
		ttlExpiry := now.Add(s.fireAndForgetTTL)
		req.ExpiresAt = &ttlExpiry
	}

	status := model.BroadcastActive
	switch {
	case req.ExpiresAt != nil && !req.ExpiresAt.After(now):
		status = model.BroadcastExpired
	case req.ScheduledAt != nil && req.ScheduledAt.After(now):
		status = model.BroadcastScheduled
	}
	if req.Priority == "" {
		req.Priority = model.PriorityNormal
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b := &model.Broadcast{
		SenderID:      req.SenderID,
		SenderName:    req.SenderName,
		Content:       req.Content,
		Target:        req.Target,
		Priority:      req.Priority,
		Category:      req.Category,
		ScheduledAt:   req.ScheduledAt,
		ExpiresAt:     req.ExpiresAt,
		FireAndForget: req.FireAndForget,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO broadcast_messages
			(sender_id, sender_name, content, target_kind, target_ids, priority,
			 category, scheduled_at, expires_at, fire_and_forget, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
		RETURNING id
	`, b.SenderID, b.SenderName, b.Content, b.Target.Kind, b.Target.IDs, b.Priority,
		b.Category, b.ScheduledAt, b.ExpiresAt, b.FireAndForget, b.Status, now)
	if err := row.Scan(&b.ID); err != nil {
		return nil, fmt.Errorf("store: insert broadcast: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO broadcast_statistics (broadcast_id, total_targeted, total_delivered, total_read)
		VALUES ($1, 0, 0, 0)
	`, b.ID); err != nil {
		return nil, fmt.Errorf("store: insert stats: %w", err)
	}

	// Target-list resolution failures must not roll back broadcast
	// creation (spec.md §4.1); persisting the ALL/ROLE/PRODUCT spec here
	// defers resolution to the Targeting Service (C4), invoked later by
	// the Fan-out Orchestrator.
	if req.Target.Kind == model.TargetSelected {
		inserted, err := insertTargetRowsTx(ctx, tx, b.ID, req.Target.IDs)
		if err != nil {
			return nil, fmt.Errorf("store: insert target rows: %w", err)
		}
		if inserted > 0 {
			if _, err := tx.Exec(ctx, `
				UPDATE broadcast_statistics SET total_targeted = total_targeted + $2 WHERE broadcast_id = $1
			`, b.ID, inserted); err != nil {
				return nil, fmt.Errorf("store: bump total_targeted: %w", err)
			}
		}
	}

	if status == model.BroadcastActive {
		evt := model.OrchestrationEvent{
			Type:        model.OrchestrationScheduledNow,
			BroadcastID: b.ID,
			Timestamp:   now,
		}
		if err := insertOutboxTx(ctx, tx, b.ID, "orchestration.scheduled-now", "orchestration", evt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit create: %w", err)
	}
	return b, nil
}

// Cancel transitions a non-terminal broadcast to CANCELLED, supersedes its
// non-terminal user rows, and publishes a "cancel" orchestration event, all
// atomically.
func (s *Store) Cancel(ctx context.Context, id int64) error {
	return s.terminalTransition(ctx, id, model.BroadcastCancelled, model.OrchestrationCancel)
}

// Expire transitions an ACTIVE broadcast to EXPIRED, supersedes its
// non-terminal user rows, and publishes an "expire-now" orchestration
// event, all atomically.
func (s *Store) Expire(ctx context.Context, id int64) error {
	return s.terminalTransition(ctx, id, model.BroadcastExpired, model.OrchestrationExpireNow)
}

func (s *Store) terminalTransition(ctx context.Context, id int64, newStatus model.BroadcastStatus, evtType model.OrchestrationEventType) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE broadcast_messages
		   SET status = $2, updated_at = $3
		 WHERE id = $1 AND status NOT IN ('CANCELLED','EXPIRED')
	`, id, newStatus, now)
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		exists, existsErr := s.broadcastExists(ctx, tx, id)
		if existsErr != nil {
			return existsErr
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyInState
	}

	if _, err := tx.Exec(ctx, `
		UPDATE user_broadcast_messages
		   SET delivery_status = 'SUPERSEDED', updated_at = $2
		 WHERE broadcast_id = $1 AND delivery_status IN ('PENDING','DELIVERED') AND read_status = 'UNREAD'
	`, id, now); err != nil {
		return fmt.Errorf("store: supersede rows: %w", err)
	}

	evt := model.OrchestrationEvent{Type: evtType, BroadcastID: id, Timestamp: now}
	if err := insertOutboxTx(ctx, tx, id, "orchestration."+string(evtType), "orchestration", evt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit transition: %w", err)
	}
	return nil
}

func (s *Store) broadcastExists(ctx context.Context, tx pgx.Tx, id int64) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM broadcast_messages WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: check existence: %w", err)
	}
	return exists, nil
}

// Activate transitions a READY broadcast to ACTIVE. Called by the Fan-out
// Orchestrator once it has begun producing per-user delivery events for
// this broadcast. Idempotent: activating an already-ACTIVE broadcast is a
// no-op success (duplicate orchestration triggers must not error).
func (s *Store) Activate(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE broadcast_messages SET status = 'ACTIVE', updated_at = $2
		 WHERE id = $1 AND status = 'READY'
	`, id, now)
	if err != nil {
		return fmt.Errorf("store: activate: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var status model.BroadcastStatus
	if err := s.pool.QueryRow(ctx, `SELECT status FROM broadcast_messages WHERE id = $1`, id).Scan(&status); err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("store: activate lookup: %w", err)
	}
	if status == model.BroadcastActive {
		return nil
	}
	return ErrAlreadyInState
}

// MarkDelivered transitions a UserBroadcastRow to DELIVERED and increments
// total_delivered, exactly once per row (idempotent under retries/at-least-
// once consumption).
func (s *Store) MarkDelivered(ctx context.Context, broadcastID, userID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin mark delivered: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE user_broadcast_messages
		   SET delivery_status = 'DELIVERED', delivered_at = $3, updated_at = $3
		 WHERE broadcast_id = $1 AND user_id = $2
		   AND delivery_status NOT IN ('DELIVERED','SUPERSEDED')
		   AND read_status = 'UNREAD'
	`, broadcastID, userID, now)
	if err != nil {
		return fmt.Errorf("store: mark delivered: %w", err)
	}
	if tag.RowsAffected() == 1 {
		if _, err := tx.Exec(ctx, `
			UPDATE broadcast_statistics SET total_delivered = total_delivered + 1 WHERE broadcast_id = $1
		`, broadcastID); err != nil {
			return fmt.Errorf("store: increment total_delivered: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// MarkRead idempotently transitions a UserBroadcastRow to READ. Repeated
// calls after the first are no-ops (read_at never changes again).
func (s *Store) MarkRead(ctx context.Context, broadcastID, userID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin mark read: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE user_broadcast_messages
		   SET read_status = 'READ',
		       read_at = $3,
		       delivery_status = CASE WHEN delivery_status = 'PENDING' THEN 'DELIVERED' ELSE delivery_status END,
		       delivered_at = COALESCE(delivered_at, $3),
		       updated_at = $3
		 WHERE broadcast_id = $1 AND user_id = $2 AND read_status = 'UNREAD'
	`, broadcastID, userID, now)
	if err != nil {
		return fmt.Errorf("store: mark read: %w", err)
	}
	if tag.RowsAffected() == 1 {
		if _, err := tx.Exec(ctx, `
			UPDATE broadcast_statistics SET total_read = total_read + 1 WHERE broadcast_id = $1
		`, broadcastID); err != nil {
			return fmt.Errorf("store: increment total_read: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// MarkFailed idempotently transitions a UserBroadcastRow to FAILED after a
// delivery event for it was dead-lettered. A row already DELIVERED, READ,
// or SUPERSEDED is left untouched — a late-arriving failure for an event
// that was superseded by a later successful delivery must not regress it.
func (s *Store) MarkFailed(ctx context.Context, broadcastID, userID int64) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE user_broadcast_messages
		   SET delivery_status = 'FAILED', updated_at = $3
		 WHERE broadcast_id = $1 AND user_id = $2 AND delivery_status = 'PENDING'
	`, broadcastID, userID, now)
	if err != nil {
		return fmt.Errorf("store: mark failed: %w", err)
	}
	return nil
}

// ResetPending reverts a FAILED UserBroadcastRow back to PENDING ahead of a
// DLQ redrive. It is a no-op (ErrAlreadyInState) if the row is not
// currently FAILED.
func (s *Store) ResetPending(ctx context.Context, broadcastID, userID int64) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_broadcast_messages
		   SET delivery_status = 'PENDING', updated_at = $3
		 WHERE broadcast_id = $1 AND user_id = $2 AND delivery_status = 'FAILED'
	`, broadcastID, userID, now)
	if err != nil {
		return fmt.Errorf("store: reset pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyInState
	}
	return nil
}

// IsTerminal reports whether a broadcast is in a terminal state
// (CANCELLED or EXPIRED) or no longer exists.
func (s *Store) IsTerminal(ctx context.Context, broadcastID int64) (terminal bool, exists bool, err error) {
	var status model.BroadcastStatus
	err = s.pool.QueryRow(ctx, `SELECT status FROM broadcast_messages WHERE id = $1`, broadcastID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("store: is terminal: %w", err)
	}
	return status == model.BroadcastCancelled || status == model.BroadcastExpired, true, nil
}

// GetStats returns the denormalized delivery statistics for a broadcast.
func (s *Store) GetStats(ctx context.Context, broadcastID int64) (*model.BroadcastStats, error) {
	var st model.BroadcastStats
	st.BroadcastID = broadcastID
	err := s.pool.QueryRow(ctx, `
		SELECT total_targeted, total_delivered, total_read
		  FROM broadcast_statistics WHERE broadcast_id = $1
	`, broadcastID).Scan(&st.TotalTargeted, &st.TotalDelivered, &st.TotalRead)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get stats: %w", err)
	}
	return &st, nil
}

// GetBroadcast loads a broadcast by id.
func (s *Store) GetBroadcast(ctx context.Context, id int64) (*model.Broadcast, error) {
	return scanBroadcast(s.pool.QueryRow(ctx, broadcastSelectColumns+` WHERE id = $1`, id))
}

// ListBroadcasts lists broadcasts, optionally filtered by status ("all" is
// unfiltered).
func (s *Store) ListBroadcasts(ctx context.Context, filter string) ([]*model.Broadcast, error) {
	var rows pgx.Rows
	var err error
	switch filter {
	case "active":
		rows, err = s.pool.Query(ctx, broadcastSelectColumns+` WHERE status = 'ACTIVE' ORDER BY id DESC`)
	case "scheduled":
		rows, err = s.pool.Query(ctx, broadcastSelectColumns+` WHERE status = 'SCHEDULED' ORDER BY id DESC`)
	default:
		rows, err = s.pool.Query(ctx, broadcastSelectColumns+` ORDER BY id DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list broadcasts: %w", err)
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

// ListDeliveries returns every per-user row for a broadcast.
func (s *Store) ListDeliveries(ctx context.Context, broadcastID int64) ([]*model.UserBroadcastRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT broadcast_id, user_id, delivery_status, read_status, delivered_at, read_at, created_at, updated_at
		  FROM user_broadcast_messages WHERE broadcast_id = $1 ORDER BY user_id
	`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("store: list deliveries: %w", err)
	}
	defer rows.Close()

	var out []*model.UserBroadcastRow
	for rows.Next() {
		var r model.UserBroadcastRow
		if err := rows.Scan(&r.BroadcastID, &r.UserID, &r.DeliveryStatus, &r.ReadStatus,
			&r.DeliveredAt, &r.ReadAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan delivery row: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ListUnreadMessages returns a user's non-READ messages (spec.md §6 GET
// /messages).
func (s *Store) ListUnreadMessages(ctx context.Context, userID int64) ([]*model.Broadcast, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT b.id, b.sender_id, b.sender_name, b.content, b.target_kind, b.target_ids,
		       b.priority, b.category, b.scheduled_at, b.expires_at, b.fire_and_forget,
		       b.status, b.created_at, b.updated_at
		  FROM broadcast_messages b
		  JOIN user_broadcast_messages u ON u.broadcast_id = b.id
		 WHERE u.user_id = $1 AND u.read_status = 'UNREAD'
		 ORDER BY b.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list unread: %w", err)
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

const broadcastSelectColumns = `
	SELECT id, sender_id, sender_name, content, target_kind, target_ids,
	       priority, category, scheduled_at, expires_at, fire_and_forget,
	       status, created_at, updated_at
	  FROM broadcast_messages`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBroadcast(row rowScanner) (*model.Broadcast, error) {
	b, err := scanBroadcastRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func scanBroadcastRow(row rowScanner) (*model.Broadcast, error) {
	var b model.Broadcast
	if err := row.Scan(&b.ID, &b.SenderID, &b.SenderName, &b.Content, &b.Target.Kind, &b.Target.IDs,
		&b.Priority, &b.Category, &b.ScheduledAt, &b.ExpiresAt, &b.FireAndForget,
		&b.Status, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: scan broadcast: %w", err)
	}
	return &b, nil
}

// insertOutboxTx inserts an outbox row in the given transaction — the
// atomic persist-and-notify coupling required by spec.md §4.1/§8.
func insertOutboxTx(ctx context.Context, tx pgx.Tx, aggregateID int64, eventType, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal outbox payload: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (id, aggregate_id, event_type, topic, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, uuid.NewString(), aggregateID, eventType, topic, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: insert outbox row: %w", err)
	}
	return nil
}
