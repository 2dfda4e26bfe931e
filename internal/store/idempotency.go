package store

import (
	"database/sql"
	"fmt"
	"time"

	"execution_bot/internal/core"
)

// TryRegisterIdempotencyKey reserves (action_type, key) before a
// side-effecting call. Same key with the same payload hash is a duplicate and
// returns the recorded state; a differing payload hash is a conflict.
func (s *Store) TryRegisterIdempotencyKey(scope core.TxScope, actionType, key, payloadHash string) (core.RegisterResult, core.IdempotencyState, error) {
	t, err := asTx(scope)
	if err != nil {
		return 0, "", err
	}

	var existingHash, existingState string
	err = t.tx.QueryRowContext(t.ctx,
		`SELECT payload_hash, state FROM idempotency_keys WHERE action_type=? AND key=?`,
		actionType, key).Scan(&existingHash, &existingState)
	switch err {
	case nil:
		if existingHash == payloadHash {
			return core.RegisterDuplicateSameHash, core.IdempotencyState(existingState), nil
		}
		return core.RegisterConflictDifferentHash, core.IdempotencyState(existingState), nil
	case sql.ErrNoRows:
	default:
		return 0, "", fmt.Errorf("failed to read idempotency key %s/%s: %w", actionType, key, err)
	}

	now := time.Now().UTC().UnixMilli()
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO idempotency_keys (action_type, key, payload_hash, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		actionType, key, payloadHash, string(core.IdemPending), now, now)
	if err != nil {
		return 0, "", fmt.Errorf("failed to register idempotency key %s/%s: %w", actionType, key, err)
	}

	return core.RegisterFresh, core.IdemPending, nil
}

// FinalizeIdempotency records the terminal outcome of a reserved key.
func (s *Store) FinalizeIdempotency(scope core.TxScope, actionType, key string, outcome core.IdempotencyState) error {
	t, err := asTx(scope)
	if err != nil {
		return err
	}

	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE idempotency_keys SET state=?, updated_at=? WHERE action_type=? AND key=?`,
		string(outcome), time.Now().UTC().UnixMilli(), actionType, key)
	if err != nil {
		return fmt.Errorf("failed to finalize idempotency key %s/%s: %w", actionType, key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("idempotency key %s/%s not found", actionType, key)
	}
	return nil
}

// PruneStalePending deletes PENDING reservations older than the cutoff.
// These are leftovers of crashes between reserve and finalize; the orders
// they covered are recovered through reconciliation, not through the key.
func (s *Store) PruneStalePending(scope core.TxScope, olderThan time.Time) (int64, error) {
	t, err := asTx(scope)
	if err != nil {
		return 0, err
	}

	res, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM idempotency_keys WHERE state=? AND created_at < ?`,
		string(core.IdemPending), olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune stale pending keys: %w", err)
	}
	return res.RowsAffected()
}
