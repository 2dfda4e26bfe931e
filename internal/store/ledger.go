package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"execution_bot/internal/core"

	"github.com/shopspring/decimal"
)

const ledgerColumns = `id, event_id, ts, symbol, type, side, qty, price, fee, fee_currency,
	exchange_trade_id, exchange_order_id, client_order_id, meta`

// AppendLedgerEvents appends a batch of events. Duplicate event_ids are
// ignored so REST and websocket ingestion can race on the same trade.
func (s *Store) AppendLedgerEvents(scope core.TxScope, batch []core.LedgerEvent) error {
	t, err := asTx(scope)
	if err != nil {
		return err
	}

	for i := range batch {
		ev := &batch[i]
		metaJSON, err := marshalMeta(ev.Meta)
		if err != nil {
			return err
		}
		_, err = t.tx.ExecContext(t.ctx, `
			INSERT OR IGNORE INTO ledger_events
				(event_id, ts, symbol, type, side, qty, price, fee, fee_currency,
				 exchange_trade_id, exchange_order_id, client_order_id, meta)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.EventID, ev.Timestamp.UnixMilli(), ev.Symbol, string(ev.Type),
			string(ev.Side), ev.Qty.String(), ev.Price.String(), ev.Fee.String(),
			ev.FeeCurrency, ev.ExchangeTradeID, ev.ExchangeOrderID,
			ev.ClientOrderID, metaJSON)
		if err != nil {
			return fmt.Errorf("failed to append ledger event %s: %w", ev.EventID, err)
		}
	}
	return nil
}

// FetchEventsAfter returns events with rowid > rowID ordered by rowid.
func (s *Store) FetchEventsAfter(ctx context.Context, rowID int64) ([]core.LedgerEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_events WHERE id > ? ORDER BY id ASC`, rowID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ledger events: %w", err)
	}
	defer rows.Close()

	var out []core.LedgerEvent
	for rows.Next() {
		ev, err := scanLedgerEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// ReadCheckpoint returns the checkpoint for scope, or nil when absent.
func (s *Store) ReadCheckpoint(ctx context.Context, scope string) (*core.LedgerCheckpoint, error) {
	var cp core.LedgerCheckpoint
	var updatedMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT scope_id, last_rowid, snapshot_blob, snapshot_version, updated_at
		FROM ledger_reducer_checkpoints WHERE scope_id=?`, scope).
		Scan(&cp.Scope, &cp.LastRowID, &cp.SnapshotBlob, &cp.SnapshotVersion, &updatedMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", scope, err)
	}
	cp.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &cp, nil
}

// WriteCheckpoint persists the reducer cursor and snapshot for a scope.
func (s *Store) WriteCheckpoint(scope core.TxScope, cp *core.LedgerCheckpoint) error {
	t, err := asTx(scope)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger_reducer_checkpoints (scope_id, last_rowid, snapshot_blob, snapshot_version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope_id) DO UPDATE SET
			last_rowid=excluded.last_rowid,
			snapshot_blob=excluded.snapshot_blob,
			snapshot_version=excluded.snapshot_version,
			updated_at=excluded.updated_at`,
		cp.Scope, cp.LastRowID, cp.SnapshotBlob, cp.SnapshotVersion,
		time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", cp.Scope, err)
	}
	return nil
}

func scanLedgerEvent(rows *sql.Rows) (*core.LedgerEvent, error) {
	var (
		ev             core.LedgerEvent
		tsMs           int64
		evType, side   string
		qty, price     string
		fee            string
		metaJSON       string
	)
	err := rows.Scan(&ev.RowID, &ev.EventID, &tsMs, &ev.Symbol, &evType, &side,
		&qty, &price, &fee, &ev.FeeCurrency, &ev.ExchangeTradeID,
		&ev.ExchangeOrderID, &ev.ClientOrderID, &metaJSON)
	if err != nil {
		return nil, err
	}

	ev.Timestamp = time.UnixMilli(tsMs).UTC()
	ev.Type = core.LedgerEventType(evType)
	ev.Side = core.Side(side)
	if ev.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("corrupt qty on ledger event %s: %w", ev.EventID, err)
	}
	if ev.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("corrupt price on ledger event %s: %w", ev.EventID, err)
	}
	if ev.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("corrupt fee on ledger event %s: %w", ev.EventID, err)
	}
	ev.Meta = nil
	if metaJSON != "" && metaJSON != "{}" {
		meta := map[string]string{}
		if err := jsonUnmarshal(metaJSON, &meta); err != nil {
			return nil, fmt.Errorf("corrupt meta on ledger event %s: %w", ev.EventID, err)
		}
		ev.Meta = meta
	}
	return &ev, nil
}
