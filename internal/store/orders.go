package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"execution_bot/internal/core"

	"github.com/shopspring/decimal"
)

const orderColumns = `client_order_id, exchange_order_id, symbol, side, price, qty, filled_qty,
	status, origin, reason_code, unknown_attempts, created_at, updated_at, last_event_seq, meta`

// UpsertOrder inserts or updates an order row. A second insert with the same
// client_order_id and identical content is a no-op; differing immutable
// content (symbol, side, price, qty) is a conflict.
func (s *Store) UpsertOrder(scope core.TxScope, o *core.Order) error {
	t, err := asTx(scope)
	if err != nil {
		return err
	}

	existing, err := scanOrderRow(t.tx.QueryRowContext(t.ctx,
		`SELECT `+orderColumns+` FROM orders WHERE client_order_id=?`, o.ClientOrderID))
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read order %s: %w", o.ClientOrderID, err)
	}

	if existing != nil {
		if existing.Symbol != o.Symbol || existing.Side != o.Side ||
			!existing.Price.Equal(o.Price) || !existing.Qty.Equal(o.Qty) {
			return fmt.Errorf("%w: order %s content mismatch", errDuplicateContent, o.ClientOrderID)
		}
		if existing.Status.IsTerminal() && existing.Status != o.Status {
			return fmt.Errorf("order %s is terminal (%s), refusing status %s", o.ClientOrderID, existing.Status, o.Status)
		}
	}

	metaJSON, err := marshalMeta(o.Meta)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			exchange_order_id=excluded.exchange_order_id,
			filled_qty=excluded.filled_qty,
			status=excluded.status,
			reason_code=excluded.reason_code,
			unknown_attempts=excluded.unknown_attempts,
			updated_at=excluded.updated_at,
			last_event_seq=excluded.last_event_seq,
			meta=excluded.meta`,
		o.ClientOrderID, o.ExchangeOrderID, o.Symbol, string(o.Side),
		o.Price.String(), o.Qty.String(), o.FilledQty.String(),
		string(o.Status), o.Origin, o.ReasonCode, o.UnknownAttempts,
		o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli(), o.LastEventSeq, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// UpdateOrderStatus transitions one order under a guard. The guard sees the
// current row and may mutate updatable fields (exchange id, filled qty,
// attempts, meta); returning an error aborts without writing. Terminal
// statuses are immutable.
func (s *Store) UpdateOrderStatus(scope core.TxScope, clientOrderID string, next core.OrderStatus, guard func(*core.Order) error) error {
	t, err := asTx(scope)
	if err != nil {
		return err
	}

	o, err := scanOrderRow(t.tx.QueryRowContext(t.ctx,
		`SELECT `+orderColumns+` FROM orders WHERE client_order_id=?`, clientOrderID))
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", errOrderNotFound, clientOrderID)
	}
	if err != nil {
		return fmt.Errorf("failed to read order %s: %w", clientOrderID, err)
	}

	if o.Status.IsTerminal() && o.Status != next {
		return fmt.Errorf("order %s is terminal (%s), refusing transition to %s", clientOrderID, o.Status, next)
	}

	if guard != nil {
		if err := guard(o); err != nil {
			return err
		}
	}

	metaJSON, err := marshalMeta(o.Meta)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(t.ctx, `
		UPDATE orders SET
			exchange_order_id=?, filled_qty=?, status=?, reason_code=?,
			unknown_attempts=?, updated_at=?, last_event_seq=?, meta=?
		WHERE client_order_id=?`,
		o.ExchangeOrderID, o.FilledQty.String(), string(next), o.ReasonCode,
		o.UnknownAttempts, time.Now().UTC().UnixMilli(), o.LastEventSeq, metaJSON,
		clientOrderID)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", clientOrderID, err)
	}
	return nil
}

// FindOpenOrUnknownOrders returns orders in SUBMITTED, ACKED,
// PARTIALLY_FILLED or UNKNOWN.
func (s *Store) FindOpenOrUnknownOrders(ctx context.Context) ([]*core.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN ('SUBMITTED', 'ACKED', 'PARTIALLY_FILLED', 'UNKNOWN')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		o, err := scanOrderRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetOrderByClientID returns one order or nil when absent.
func (s *Store) GetOrderByClientID(ctx context.Context, clientOrderID string) (*core.Order, error) {
	o, err := scanOrderRow(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE client_order_id=?`, clientOrderID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// GetOrderByExchangeID returns one order or nil when absent.
func (s *Store) GetOrderByExchangeID(ctx context.Context, exchangeOrderID string) (*core.Order, error) {
	o, err := scanOrderRow(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE exchange_order_id=?`, exchangeOrderID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrderRow(r rowScanner) (*core.Order, error) {
	var (
		o                      core.Order
		side, status           string
		price, qty, filled     string
		createdMs, updatedMs   int64
		metaJSON               string
	)
	err := r.Scan(&o.ClientOrderID, &o.ExchangeOrderID, &o.Symbol, &side,
		&price, &qty, &filled, &status, &o.Origin, &o.ReasonCode,
		&o.UnknownAttempts, &createdMs, &updatedMs, &o.LastEventSeq, &metaJSON)
	if err != nil {
		return nil, err
	}

	o.Side = core.Side(side)
	o.Status = core.OrderStatus(status)
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("corrupt price on order %s: %w", o.ClientOrderID, err)
	}
	if o.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("corrupt qty on order %s: %w", o.ClientOrderID, err)
	}
	if o.FilledQty, err = decimal.NewFromString(filled); err != nil {
		return nil, fmt.Errorf("corrupt filled_qty on order %s: %w", o.ClientOrderID, err)
	}
	o.CreatedAt = time.UnixMilli(createdMs).UTC()
	o.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if err := json.Unmarshal([]byte(metaJSON), &o.Meta); err != nil {
		return nil, fmt.Errorf("corrupt meta on order %s: %w", o.ClientOrderID, err)
	}
	return &o, nil
}

func scanOrderRows(rows *sql.Rows) (*core.Order, error) {
	return scanOrderRow(rows)
}

func marshalMeta(meta map[string]string) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta: %w", err)
	}
	return string(b), nil
}
