package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// targetBatchSize matches spec.md §4.1's "batched per-user-row bulk
// insertion... ≥1000 rows per batch" and §4.10's 1000-per-batch ALL
// expansion.
const targetBatchSize = 1000

// InsertUserRows batch-inserts PENDING UserBroadcastRow + precomputed
// broadcast_user_targets rows for every userID, in batches of up to
// targetBatchSize (1000) rows, and
// bumps total_targeted accordingly. Used by the Fan-out Orchestrator (C5)
// after it resolves a broadcast's target spec (ALL/ROLE/PRODUCT) via the
// Targeting Service, since those kinds are not known at creation time.
func (s *Store) InsertUserRows(ctx context.Context, broadcastID int64, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin insert user rows: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted, err := insertTargetRowsTx(ctx, tx, broadcastID, userIDs)
	if err != nil {
		return err
	}

	if inserted > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE broadcast_statistics SET total_targeted = total_targeted + $2 WHERE broadcast_id = $1
		`, broadcastID, inserted); err != nil {
			return fmt.Errorf("store: bump total_targeted: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// insertTargetRowsTx writes broadcast_user_targets and user_broadcast_messages
// rows in chunks of targetBatchSize, each chunk as a single multi-row
// statement built from an UNNEST array (idempotent via ON CONFLICT DO
// NOTHING, since retries and the SELECTED/creation-time path may overlap
// with a later ALL/ROLE/PRODUCT expansion pass). Returns the number of
// newly-inserted user_broadcast_messages rows.
func insertTargetRowsTx(ctx context.Context, tx pgx.Tx, broadcastID int64, userIDs []int64) (int64, error) {
	var inserted int64
	for start := 0; start < len(userIDs); start += targetBatchSize {
		end := start + targetBatchSize
		if end > len(userIDs) {
			end = len(userIDs)
		}
		batch := userIDs[start:end]

		if _, err := tx.Exec(ctx, `
			INSERT INTO broadcast_user_targets (broadcast_id, user_id)
			SELECT $1, u FROM unnest($2::bigint[]) AS u
			ON CONFLICT DO NOTHING
		`, broadcastID, batch); err != nil {
			return inserted, fmt.Errorf("store: insert target rows: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO user_broadcast_messages (broadcast_id, user_id)
			SELECT $1, u FROM unnest($2::bigint[]) AS u
			ON CONFLICT (broadcast_id, user_id) DO NOTHING
		`, broadcastID, batch)
		if err != nil {
			return inserted, fmt.Errorf("store: insert user broadcast rows: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}
