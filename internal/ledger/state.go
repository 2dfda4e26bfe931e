// Package ledger implements the deterministic fold over the append-only
// event log into derived position/PnL state, with an incremental durable
// checkpoint.
package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"execution_bot/internal/core"

	"github.com/shopspring/decimal"
)

// PositionState is the per-symbol fold result.
type PositionState struct {
	Qty         decimal.Decimal `json:"qty"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	FeesPaid    decimal.Decimal `json:"fees_paid"`
}

// State is the reduced ledger state. Serialization is deterministic: decimal
// values marshal as fixed strings, map keys sort lexicographically, and the
// timestamp is normalized to UTC.
type State struct {
	Positions      map[string]*PositionState  `json:"positions"`
	FeesByCurrency map[string]decimal.Decimal `json:"fees_by_currency"`
	LastEventTS    time.Time                  `json:"last_event_ts"`
	EventCount     int64                      `json:"event_count"`
}

// NewState returns an empty fold state.
func NewState() *State {
	return &State{
		Positions:      make(map[string]*PositionState),
		FeesByCurrency: make(map[string]decimal.Decimal),
	}
}

func (s *State) position(symbol string) *PositionState {
	p, ok := s.Positions[symbol]
	if !ok {
		p = &PositionState{
			Qty:         decimal.Zero,
			AvgCost:     decimal.Zero,
			RealizedPnL: decimal.Zero,
			FeesPaid:    decimal.Zero,
		}
		s.Positions[symbol] = p
	}
	return p
}

// ApplyEvents folds a batch into the state. Events are applied in
// (utc timestamp, event id) order within the batch. A late event with a
// higher rowid but earlier timestamp is applied in the batch it arrives in,
// not globally re-sorted; ingestion inserts in non-decreasing timestamp
// order to keep the fold equivalent to a global sort.
func ApplyEvents(s *State, batch []core.LedgerEvent) error {
	sorted := make([]core.LedgerEvent, len(batch))
	copy(sorted, batch)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, tj := sorted[i].Timestamp.UTC(), sorted[j].Timestamp.UTC()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return sorted[i].EventID < sorted[j].EventID
	})

	for i := range sorted {
		if err := applyEvent(s, &sorted[i]); err != nil {
			return err
		}
	}
	return nil
}

func applyEvent(s *State, ev *core.LedgerEvent) error {
	switch ev.Type {
	case core.LedgerEventFill:
		applyFill(s, ev)
	case core.LedgerEventFee:
		applyFee(s, ev)
	case core.LedgerEventAdjust:
		applyAdjust(s, ev)
	default:
		return fmt.Errorf("unknown ledger event type %q (event %s)", ev.Type, ev.EventID)
	}

	ts := ev.Timestamp.UTC()
	if ts.After(s.LastEventTS) {
		s.LastEventTS = ts
	}
	s.EventCount++
	return nil
}

func applyFill(s *State, ev *core.LedgerEvent) {
	pos := s.position(ev.Symbol)

	switch ev.Side {
	case core.SideBuy:
		newQty := pos.Qty.Add(ev.Qty)
		if newQty.IsPositive() {
			cost := pos.Qty.Mul(pos.AvgCost).Add(ev.Qty.Mul(ev.Price))
			pos.AvgCost = cost.Div(newQty)
		}
		pos.Qty = newQty
	case core.SideSell:
		pos.RealizedPnL = pos.RealizedPnL.Add(ev.Qty.Mul(ev.Price.Sub(pos.AvgCost)))
		pos.Qty = pos.Qty.Sub(ev.Qty)
		if pos.Qty.IsZero() {
			pos.AvgCost = decimal.Zero
		}
	}

	chargeFee(s, pos, ev.Fee, ev.FeeCurrency)
}

func applyFee(s *State, ev *core.LedgerEvent) {
	pos := s.position(ev.Symbol)
	fee := ev.Fee
	if fee.IsZero() {
		fee = ev.Qty
	}
	chargeFee(s, pos, fee, ev.FeeCurrency)
}

func applyAdjust(s *State, ev *core.LedgerEvent) {
	pos := s.position(ev.Symbol)
	delta := ev.Qty
	if ev.Side == core.SideSell {
		delta = delta.Neg()
	}
	newQty := pos.Qty.Add(delta)
	if delta.IsPositive() && ev.Price.IsPositive() && newQty.IsPositive() {
		cost := pos.Qty.Mul(pos.AvgCost).Add(delta.Mul(ev.Price))
		pos.AvgCost = cost.Div(newQty)
	}
	pos.Qty = newQty
}

// chargeFee books a fee in the currency it was recorded in. No conversion is
// applied; consumers convert when they need a single-currency view.
func chargeFee(s *State, pos *PositionState, fee decimal.Decimal, currency string) {
	if fee.IsZero() {
		return
	}
	pos.FeesPaid = pos.FeesPaid.Add(fee)
	cur := s.FeesByCurrency[currency]
	s.FeesByCurrency[currency] = cur.Add(fee)
}

// PositionList flattens the fold state into core.Position values, sorted by
// symbol.
func (s *State) PositionList() []core.Position {
	symbols := make([]string, 0, len(s.Positions))
	for sym := range s.Positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	out := make([]core.Position, 0, len(symbols))
	for _, sym := range symbols {
		p := s.Positions[sym]
		out = append(out, core.Position{
			Symbol:      sym,
			Qty:         p.Qty,
			AvgCost:     p.AvgCost,
			RealizedPnL: p.RealizedPnL,
			FeesPaid:    p.FeesPaid,
		})
	}
	return out
}

// Marshal serializes the state deterministically.
func (s *State) Marshal() ([]byte, error) {
	cp := *s
	cp.LastEventTS = s.LastEventTS.UTC()
	return json.Marshal(&cp)
}

// UnmarshalState deserializes a snapshot blob.
func UnmarshalState(blob []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("corrupt snapshot: %w", err)
	}
	if s.Positions == nil {
		s.Positions = make(map[string]*PositionState)
	}
	if s.FeesByCurrency == nil {
		s.FeesByCurrency = make(map[string]decimal.Decimal)
	}
	return &s, nil
}
