// Package store implements the durable single-writer state store on SQLite.
// All mutators run inside an immediate transaction scope; reads go through
// WAL and do not block the writer.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"execution_bot/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is bumped with every forward-only migration appended below.
const schemaVersion = 1

var migrations = [][]string{
	// v1: initial schema
	{
		`CREATE TABLE IF NOT EXISTS orders (
			client_order_id   TEXT PRIMARY KEY,
			exchange_order_id TEXT,
			symbol            TEXT NOT NULL,
			side              TEXT NOT NULL,
			price             TEXT NOT NULL,
			qty               TEXT NOT NULL,
			filled_qty        TEXT NOT NULL DEFAULT '0',
			status            TEXT NOT NULL,
			origin            TEXT NOT NULL DEFAULT 'local',
			reason_code       TEXT NOT NULL DEFAULT '',
			unknown_attempts  INTEGER NOT NULL DEFAULT 0,
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL,
			last_event_seq    INTEGER NOT NULL DEFAULT 0,
			meta              TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_exchange_id ON orders(exchange_order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
		`CREATE TABLE IF NOT EXISTS fills (
			fill_id           TEXT PRIMARY KEY,
			exchange_order_id TEXT,
			client_order_id   TEXT,
			symbol            TEXT NOT NULL,
			side              TEXT NOT NULL,
			qty               TEXT NOT NULL,
			price             TEXT NOT NULL,
			fee               TEXT NOT NULL DEFAULT '0',
			fee_currency      TEXT NOT NULL DEFAULT '',
			ts                INTEGER NOT NULL,
			meta              TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_client_id ON fills(client_order_id)`,
		`CREATE TABLE IF NOT EXISTS actions (
			action_id    INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id     TEXT NOT NULL,
			action_type  TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			dedupe_key   TEXT NOT NULL UNIQUE,
			created_at   INTEGER NOT NULL,
			outcome      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			action_type  TEXT NOT NULL,
			key          TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			state        TEXT NOT NULL,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			PRIMARY KEY (action_type, key)
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_events (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id          TEXT NOT NULL UNIQUE,
			ts                INTEGER NOT NULL,
			symbol            TEXT NOT NULL,
			type              TEXT NOT NULL,
			side              TEXT NOT NULL DEFAULT '',
			qty               TEXT NOT NULL DEFAULT '0',
			price             TEXT NOT NULL DEFAULT '0',
			fee               TEXT NOT NULL DEFAULT '0',
			fee_currency      TEXT NOT NULL DEFAULT '',
			exchange_trade_id TEXT NOT NULL DEFAULT '',
			exchange_order_id TEXT NOT NULL DEFAULT '',
			client_order_id   TEXT NOT NULL DEFAULT '',
			meta              TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_events_ts ON ledger_events(ts, event_id)`,
		`CREATE TABLE IF NOT EXISTS ledger_reducer_checkpoints (
			scope_id         TEXT PRIMARY KEY,
			last_rowid       INTEGER NOT NULL,
			snapshot_blob    BLOB NOT NULL,
			snapshot_version INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	},
}

// Store is the SQLite-backed state store.
type Store struct {
	db                  *sql.DB
	logger              core.Logger
	dedupeBucketSeconds int64
}

// Open opens (or creates) the database at dbPath and applies pending
// migrations. WAL journaling and a 5s busy timeout are set via the DSN;
// _txlock=immediate makes every write transaction take the write lock at
// BEGIN, matching the single-writer model.
func Open(dbPath string, logger core.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:                  db,
		logger:              logger.WithField("component", "store"),
		dedupeBucketSeconds: DedupeBucketSeconds,
	}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	var current int
	row := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='schema_version'`)
	var v string
	switch err := row.Scan(&v); err {
	case nil:
		fmt.Sscanf(v, "%d", &current)
	case sql.ErrNoRows:
		current = 0
	default:
		// meta table may not exist yet on a fresh database
		current = 0
	}

	for idx := current; idx < len(migrations); idx++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration tx: %w", err)
		}
		for _, stmt := range migrations[idx] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", idx+1, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta(key, value) VALUES ('schema_version', ?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
			fmt.Sprintf("%d", idx+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", idx+1, err)
		}
		s.logger.Info("Applied schema migration", "version", idx+1)
	}

	return nil
}

// Tx is the transaction scope handed to store mutators.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// Context returns the context the transaction was opened with.
func (t *Tx) Context() context.Context { return t.ctx }

// WithTransaction runs fn inside a single immediate transaction with
// guaranteed commit-or-rollback on every exit path, including panics.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
		if !committed {
			sqlTx.Rollback()
		}
	}()

	if err = fn(&Tx{ctx: ctx, tx: sqlTx}); err != nil {
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// asTx rejects transaction scopes that did not come from this store.
func asTx(scope core.TxScope) (*Tx, error) {
	t, ok := scope.(*Tx)
	if !ok || t.tx == nil {
		return nil, fmt.Errorf("invalid transaction scope %T", scope)
	}
	return t, nil
}
