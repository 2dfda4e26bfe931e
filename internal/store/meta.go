package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"execution_bot/internal/core"
)

// Meta keys used by the engine.
const (
	MetaKeyLastCycleID = "last_cycle_id"
)

// GetMeta returns the value for key, or "" when absent.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return v, nil
}

// SetMeta upserts one meta key.
func (s *Store) SetMeta(scope core.TxScope, key, value string) error {
	t, err := asTx(scope)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

func jsonUnmarshal(s string, v interface{}) error {
	return json.Unmarshal([]byte(s), v)
}
