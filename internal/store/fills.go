package store

import (
	"fmt"

	"execution_bot/internal/core"
)

// InsertFillIfAbsent inserts a fill with INSERT-OR-IGNORE semantics keyed on
// fill_id. Returns whether a new row was written; a duplicate fill never
// mutates anything downstream.
func (s *Store) InsertFillIfAbsent(scope core.TxScope, f *core.Fill) (bool, error) {
	t, err := asTx(scope)
	if err != nil {
		return false, err
	}

	metaJSON, err := marshalMeta(f.Meta)
	if err != nil {
		return false, err
	}

	res, err := t.tx.ExecContext(t.ctx, `
		INSERT OR IGNORE INTO fills
			(fill_id, exchange_order_id, client_order_id, symbol, side, qty, price, fee, fee_currency, ts, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.FillID, f.ExchangeOrderID, f.ClientOrderID, f.Symbol, string(f.Side),
		f.Qty.String(), f.Price.String(), f.Fee.String(), f.FeeCurrency,
		f.Timestamp.UnixMilli(), metaJSON)
	if err != nil {
		return false, fmt.Errorf("failed to insert fill %s: %w", f.FillID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}
