package store

import (
	"database/sql"
	"fmt"
	"time"

	"execution_bot/internal/core"
)

// DedupeBucketSeconds is the default coarse action-dedupe window.
const DedupeBucketSeconds = 60

// dedupeBucket floors now into the configured bucket.
func dedupeBucket(now time.Time, bucketSeconds int64) int64 {
	if bucketSeconds <= 0 {
		bucketSeconds = DedupeBucketSeconds
	}
	return now.UTC().Unix() / bucketSeconds
}

// DedupeKey builds the action dedupe key: type ":" payload hash ":" bucket.
func DedupeKey(actionType, payloadHash string, now time.Time, bucketSeconds int64) string {
	return fmt.Sprintf("%s:%s:%d", actionType, payloadHash, dedupeBucket(now, bucketSeconds))
}

// SetDedupeBucketSeconds configures the store's action dedupe window.
func (s *Store) SetDedupeBucketSeconds(seconds int64) {
	if seconds > 0 {
		s.dedupeBucketSeconds = seconds
	}
}

// RecordAction appends an audit/dedupe row. When a row with the same dedupe
// key already exists within the bucket the action is suppressed: deduped is
// true and the existing action id is returned.
func (s *Store) RecordAction(scope core.TxScope, cycleID, actionType, payloadHash string, now time.Time) (int64, bool, error) {
	t, err := asTx(scope)
	if err != nil {
		return 0, false, err
	}

	key := DedupeKey(actionType, payloadHash, now, s.dedupeBucketSeconds)

	res, err := t.tx.ExecContext(t.ctx, `
		INSERT OR IGNORE INTO actions (cycle_id, action_type, payload_hash, dedupe_key, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cycleID, actionType, payloadHash, key, now.UnixMilli())
	if err != nil {
		return 0, false, fmt.Errorf("failed to record action: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if n == 0 {
		var existingID int64
		err := t.tx.QueryRowContext(t.ctx,
			`SELECT action_id FROM actions WHERE dedupe_key=?`, key).Scan(&existingID)
		if err != nil && err != sql.ErrNoRows {
			return 0, false, fmt.Errorf("failed to read deduped action: %w", err)
		}
		return existingID, true, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read action id: %w", err)
	}
	return id, false, nil
}

// FinalizeAction records the action outcome for the audit trail.
func (s *Store) FinalizeAction(scope core.TxScope, actionID int64, outcome string) error {
	t, err := asTx(scope)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE actions SET outcome=? WHERE action_id=?`, outcome, actionID)
	if err != nil {
		return fmt.Errorf("failed to finalize action %d: %w", actionID, err)
	}
	return nil
}
