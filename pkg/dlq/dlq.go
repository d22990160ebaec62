// Package dlq implements the DLQ Handler (C9): consumes `dlq-*` topics,
// persists a DltEntry per dead-lettered event, marks the originating
// UserBroadcastRow FAILED, and exposes redrive/purge operator operations.
//
// Grounded on the teacher's pkg/store-equivalent transactional style
// (pkg/events/publisher.go / pkg/queue/worker.go) and pkg/model/connection.go's
// DltEntry.Title for the friendly operator-facing title.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/eventbus"
	"github.com/codeready-toolchain/pulse/pkg/model"
	"github.com/codeready-toolchain/pulse/pkg/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Handler is the C9 DLQ Handler.
type Handler struct {
	pool         *pgxpool.Pool
	store        *store.Store
	bus          *eventbus.Bus
	maxRedeliver int
}

// New constructs a DLQ Handler. maxRedeliver is the JetStream redelivery
// ceiling for the handler's own DLQ-subject consumers before it gives up on
// a dead-lettered message it could not even persist (spec.md §4.3).
func New(pool *pgxpool.Pool, st *store.Store, bus *eventbus.Bus, maxRedeliver int) *Handler {
	return &Handler{pool: pool, store: st, bus: bus, maxRedeliver: maxRedeliver}
}

// Subscribe attaches the handler to every original topic's DLQ subject.
func (h *Handler) Subscribe(ctx context.Context, originalTopics []string) error {
	for _, topic := range originalTopics {
		if err := h.bus.Subscribe(ctx, eventbus.DLQTopic(topic), "dlq-handler-"+topic, h.maxRedeliver, func(ctx context.Context, data []byte) error {
			return h.ingest(ctx, topic, data)
		}); err != nil {
			return fmt.Errorf("dlq: subscribe to %s: %w", eventbus.DLQTopic(topic), err)
		}
	}
	return nil
}

// ingest persists a DltEntry for a dead-lettered payload and marks the
// originating UserBroadcastRow FAILED when the payload parses as a
// MessageDeliveryEvent.
func (h *Handler) ingest(ctx context.Context, originalTopic string, payload []byte) error {
	entry := model.DltEntry{
		ID:            uuid.NewString(),
		OriginalTopic: originalTopic,
		Payload:       payload,
		FailedAt:      time.Now().UTC(),
	}

	var evt model.MessageDeliveryEvent
	if err := json.Unmarshal(payload, &evt); err == nil && evt.BroadcastID != 0 {
		entry.ExceptionSummary = entry.Title(&evt)
		if err := h.store.MarkFailed(ctx, evt.BroadcastID, evt.UserID); err != nil {
			slog.Error("dlq: mark failed", "broadcast_id", evt.BroadcastID, "user_id", evt.UserID, "error", err)
		}
	} else {
		entry.ExceptionSummary = entry.Title(nil)
		if entry.ExceptionSummary == "" {
			entry.ExceptionSummary = "undecodable payload"
		}
	}

	if _, err := h.pool.Exec(ctx, `
		INSERT INTO dlt_messages (id, original_topic, partition, "offset", key, payload, exception_summary, stacktrace, failed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.OriginalTopic, entry.Partition, entry.Offset, entry.Key, entry.Payload, entry.ExceptionSummary, entry.Stacktrace, entry.FailedAt); err != nil {
		return fmt.Errorf("dlq: insert dlt entry: %w", err)
	}
	return nil
}

// Get returns a single DltEntry by id.
func (h *Handler) Get(ctx context.Context, id string) (*model.DltEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}
	return h.scanOne(ctx, `SELECT id, original_topic, partition, "offset", key, payload, exception_summary, stacktrace, failed_at FROM dlt_messages WHERE id = $1`, id)
}

// List returns every DltEntry, most recently failed first.
func (h *Handler) List(ctx context.Context) ([]*model.DltEntry, error) {
	rows, err := h.pool.Query(ctx, `SELECT id, original_topic, partition, "offset", key, payload, exception_summary, stacktrace, failed_at FROM dlt_messages ORDER BY failed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("dlq: list: %w", err)
	}
	defer rows.Close()

	var out []*model.DltEntry
	for rows.Next() {
		var e model.DltEntry
		if err := rows.Scan(&e.ID, &e.OriginalTopic, &e.Partition, &e.Offset, &e.Key, &e.Payload, &e.ExceptionSummary, &e.Stacktrace, &e.FailedAt); err != nil {
			return nil, fmt.Errorf("dlq: scan: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (h *Handler) scanOne(ctx context.Context, query string, args ...any) (*model.DltEntry, error) {
	var e model.DltEntry
	err := h.pool.QueryRow(ctx, query, args...).Scan(&e.ID, &e.OriginalTopic, &e.Partition, &e.Offset, &e.Key, &e.Payload, &e.ExceptionSummary, &e.Stacktrace, &e.FailedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("dlq: get: %w", err)
	}
	return &e, nil
}

// Redrive validates the parent broadcast is still ACTIVE, resets the
// UserBroadcastRow to PENDING, re-publishes the original payload to its
// original topic, and on success deletes the DltEntry. Redrive MUST NOT
// proceed if the parent broadcast is terminal or deleted.
func (h *Handler) Redrive(ctx context.Context, id string) error {
	entry, err := h.Get(ctx, id)
	if err != nil {
		return err
	}

	var evt model.MessageDeliveryEvent
	if err := json.Unmarshal(entry.Payload, &evt); err != nil {
		return fmt.Errorf("dlq: redrive %s: undecodable payload: %w", id, err)
	}

	parent, err := h.store.GetBroadcast(ctx, evt.BroadcastID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("dlq: redrive %s: parent broadcast %d no longer exists: %w", id, evt.BroadcastID, store.ErrAlreadyInState)
	}
	if err != nil {
		return fmt.Errorf("dlq: redrive %s: load parent: %w", id, err)
	}
	if parent.Status != model.BroadcastActive {
		return fmt.Errorf("dlq: redrive %s: parent broadcast %d is %s, not ACTIVE: %w", id, evt.BroadcastID, parent.Status, store.ErrAlreadyInState)
	}

	if err := h.store.ResetPending(ctx, evt.BroadcastID, evt.UserID); err != nil {
		return fmt.Errorf("dlq: redrive %s: reset pending: %w", id, err)
	}
	if err := h.bus.PublishBytes(ctx, entry.OriginalTopic, entry.Payload); err != nil {
		return fmt.Errorf("dlq: redrive %s: republish: %w", id, err)
	}
	if _, err := h.pool.Exec(ctx, `DELETE FROM dlt_messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("dlq: redrive %s: delete entry: %w", id, err)
	}
	return nil
}

// Purge deletes a single DltEntry and publishes an empty-payload tombstone
// message to its DLQ topic; the entry's Key is not attached to it.
func (h *Handler) Purge(ctx context.Context, id string) error {
	entry, err := h.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := h.pool.Exec(ctx, `DELETE FROM dlt_messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("dlq: purge %s: delete entry: %w", id, err)
	}
	if err := h.bus.PublishBytes(ctx, eventbus.DLQTopic(entry.OriginalTopic), nil); err != nil {
		slog.Warn("dlq: tombstone publish failed", "id", id, "error", err)
	}
	return nil
}

// PurgeAll deletes every DltEntry, publishing a tombstone for each.
func (h *Handler) PurgeAll(ctx context.Context) (int, error) {
	entries, err := h.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := h.Purge(ctx, e.ID); err != nil {
			slog.Error("dlq: purge_all entry failed", "id", e.ID, "error", err)
		}
	}
	return len(entries), nil
}

// RedriveFailure is one failed redrive within a RedriveAll batch.
type RedriveFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// RedriveResult is the structured result spec.md §4.9 requires for
// redrive_all.
type RedriveResult struct {
	Total    int              `json:"total"`
	Success  int              `json:"success"`
	Failure  int              `json:"failure"`
	Failures []RedriveFailure `json:"failures"`
}

// RedriveAll iterates every DltEntry and attempts to redrive it,
// collecting per-message failures instead of aborting on the first error.
func (h *Handler) RedriveAll(ctx context.Context) (*RedriveResult, error) {
	entries, err := h.List(ctx)
	if err != nil {
		return nil, err
	}

	result := &RedriveResult{Total: len(entries)}
	for _, e := range entries {
		if err := h.Redrive(ctx, e.ID); err != nil {
			result.Failure++
			result.Failures = append(result.Failures, RedriveFailure{ID: e.ID, Reason: err.Error()})
			continue
		}
		result.Success++
	}
	return result, nil
}
