package engine

import (
	"context"
	"fmt"
	"time"

	"execution_bot/internal/core"
	"execution_bot/internal/order"
	"execution_bot/internal/store"
)

// ApplyFill merges one fill from REST polling or the websocket stream.
// Duplicate fill ids are a no-op: positions are never mutated twice. A newly
// inserted fill updates the owning order's filled quantity and status and
// appends the matching ledger event in the same transaction.
func (e *Executor) ApplyFill(ctx context.Context, fill core.Fill) error {
	if fill.FillID == "" {
		return fmt.Errorf("fill without id for order %s", fill.ExchangeOrderID)
	}

	return e.store.WithTransaction(ctx, func(tx *store.Tx) error {
		inserted, err := e.store.InsertFillIfAbsent(tx, &fill)
		if err != nil {
			return err
		}
		if !inserted {
			return nil // duplicate: already applied
		}

		if err := e.store.AppendLedgerEvents(tx, []core.LedgerEvent{fillToLedgerEvent(fill)}); err != nil {
			return err
		}

		return e.applyFillToOrder(tx, fill)
	})
}

// applyFillToOrder advances the order row owning the fill, if any. Fills for
// unknown orders are kept (the ledger already has them); the reconciler
// imports the order later.
func (e *Executor) applyFillToOrder(tx *store.Tx, fill core.Fill) error {
	o, err := e.lookupOrderForFill(tx, fill)
	if err != nil || o == nil {
		return err
	}

	// Partial-fill sequencing is by fill timestamp; events older than the
	// order's last applied sequence are dropped.
	seq := fill.Timestamp.UnixMilli()
	if seq < o.LastEventSeq {
		e.logger.Warn("Dropping out-of-order fill",
			"fill_id", fill.FillID,
			"client_order_id", o.ClientOrderID,
			"seq", seq,
			"last_seq", o.LastEventSeq)
		return nil
	}

	newFilled := o.FilledQty.Add(fill.Qty)
	if newFilled.GreaterThan(o.Qty) {
		newFilled = o.Qty
	}

	target := core.StatusPartiallyFilled
	if newFilled.Equal(o.Qty) {
		target = core.StatusFilled
	}

	if o.Status.IsTerminal() {
		// Late fill on a closed order: the ledger keeps it, the terminal
		// status stands.
		return nil
	}

	if _, err := order.EventsTo(o.Status, target); err != nil {
		return fmt.Errorf("fill %s cannot advance order %s from %s: %w",
			fill.FillID, o.ClientOrderID, o.Status, err)
	}

	return e.store.UpdateOrderStatus(tx, o.ClientOrderID, target, func(row *core.Order) error {
		row.FilledQty = newFilled
		row.LastEventSeq = seq
		return nil
	})
}

func (e *Executor) lookupOrderForFill(tx *store.Tx, fill core.Fill) (*core.Order, error) {
	if fill.ClientOrderID != "" {
		o, err := e.store.GetOrderByClientID(tx.Context(), fill.ClientOrderID)
		if err != nil || o != nil {
			return o, err
		}
	}
	if fill.ExchangeOrderID != "" {
		return e.store.GetOrderByExchangeID(tx.Context(), fill.ExchangeOrderID)
	}
	return nil, nil
}

// PollFills fetches recent fills over REST and merges them. The websocket
// stream delivers the same fills faster; the union is deduplicated by id.
func (e *Executor) PollFills(ctx context.Context, symbols []string, since time.Time) error {
	for _, symbol := range symbols {
		fills, err := e.exchange.GetRecentFills(ctx, symbol, since)
		if err != nil {
			// reads never mutate state; report and continue
			e.logger.Warn("Fill poll failed", "symbol", symbol, "error", err.Error())
			continue
		}
		for _, f := range fills {
			if err := e.ApplyFill(ctx, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func fillToLedgerEvent(fill core.Fill) core.LedgerEvent {
	return core.LedgerEvent{
		EventID:         "fill:" + fill.FillID,
		Timestamp:       fill.Timestamp,
		Symbol:          fill.Symbol,
		Type:            core.LedgerEventFill,
		Side:            fill.Side,
		Qty:             fill.Qty,
		Price:           fill.Price,
		Fee:             fill.Fee,
		FeeCurrency:     fill.FeeCurrency,
		ExchangeTradeID: fill.FillID,
		ExchangeOrderID: fill.ExchangeOrderID,
		ClientOrderID:   fill.ClientOrderID,
	}
}
