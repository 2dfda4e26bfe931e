package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"execution_bot/internal/core"
	"execution_bot/internal/store"
	"execution_bot/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fillEvent(id string, ts time.Time, side core.Side, qty, price string) core.LedgerEvent {
	return core.LedgerEvent{
		EventID:   id,
		Timestamp: ts,
		Symbol:    "BTCTRY",
		Type:      core.LedgerEventFill,
		Side:      side,
		Qty:       decimal.RequireFromString(qty),
		Price:     decimal.RequireFromString(price),
		Fee:       decimal.Zero,
	}
}

func appendEvents(t *testing.T, s *store.Store, events ...core.LedgerEvent) {
	t.Helper()
	require.NoError(t, s.WithTransaction(context.Background(), func(tx *store.Tx) error {
		return s.AppendLedgerEvents(tx, events)
	}))
}

func TestApplyEventsBuySellRealizesPnL(t *testing.T) {
	state := NewState()
	now := time.Now().UTC()

	require.NoError(t, ApplyEvents(state, []core.LedgerEvent{
		fillEvent("e1", now, core.SideBuy, "0.002", "100000"),
		fillEvent("e2", now.Add(time.Second), core.SideSell, "0.001", "110000"),
	}))

	pos := state.Positions["BTCTRY"]
	require.NotNil(t, pos)
	assert.True(t, pos.Qty.Equal(decimal.RequireFromString("0.001")), "qty %s", pos.Qty)
	assert.True(t, pos.AvgCost.Equal(decimal.RequireFromString("100000")), "avg %s", pos.AvgCost)
	assert.True(t, pos.RealizedPnL.Equal(decimal.RequireFromString("10")), "pnl %s", pos.RealizedPnL)

	list := state.PositionList()
	require.Len(t, list, 1)
	assert.Equal(t, "BTCTRY", list[0].Symbol)
	assert.True(t, list[0].RealizedPnL.Equal(pos.RealizedPnL))
}

func TestApplyEventsOrderInsensitiveWithinBatch(t *testing.T) {
	now := time.Now().UTC()
	events := []core.LedgerEvent{
		fillEvent("a", now, core.SideBuy, "0.001", "100000"),
		fillEvent("b", now.Add(time.Second), core.SideBuy, "0.001", "102000"),
		fillEvent("c", now.Add(2*time.Second), core.SideSell, "0.002", "105000"),
	}

	s1 := NewState()
	require.NoError(t, ApplyEvents(s1, events))

	shuffled := []core.LedgerEvent{events[2], events[0], events[1]}
	s2 := NewState()
	require.NoError(t, ApplyEvents(s2, shuffled))

	b1, err := s1.Marshal()
	require.NoError(t, err)
	b2, err := s2.Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(b1), string(b2), "fold must be independent of batch ordering")
}

func TestApplyEventsFeesByCurrency(t *testing.T) {
	state := NewState()
	now := time.Now().UTC()

	ev := fillEvent("e1", now, core.SideBuy, "0.001", "100000")
	ev.Fee = decimal.RequireFromString("0.25")
	ev.FeeCurrency = "TRY"

	fee := core.LedgerEvent{
		EventID:     "e2",
		Timestamp:   now.Add(time.Second),
		Symbol:      "BTCTRY",
		Type:        core.LedgerEventFee,
		Fee:         decimal.RequireFromString("0.00000010"),
		FeeCurrency: "BTC",
	}

	require.NoError(t, ApplyEvents(state, []core.LedgerEvent{ev, fee}))

	assert.True(t, state.FeesByCurrency["TRY"].Equal(decimal.RequireFromString("0.25")))
	assert.True(t, state.FeesByCurrency["BTC"].Equal(decimal.RequireFromString("0.00000010")),
		"non-quote fee currencies accumulate unconverted")
}

func TestSnapshotRoundTripDeterministic(t *testing.T) {
	state := NewState()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, ApplyEvents(state, []core.LedgerEvent{
		fillEvent("e1", now, core.SideBuy, "0.001", "100000"),
	}))

	blob1, err := state.Marshal()
	require.NoError(t, err)

	restored, err := UnmarshalState(blob1)
	require.NoError(t, err)

	blob2, err := restored.Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(blob1), string(blob2), "marshal must round-trip byte-identically")
}

func TestLoadStateIncremental(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	r := NewReducer(s, "default", 1, logging.Nop())

	appendEvents(t, s,
		fillEvent("e1", now, core.SideBuy, "0.001", "100000"),
		fillEvent("e2", now.Add(time.Second), core.SideBuy, "0.001", "100000"),
		fillEvent("e3", now.Add(2*time.Second), core.SideBuy, "0.001", "100000"),
	)

	state, err := r.LoadStateIncremental(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.Positions["BTCTRY"])
	assert.True(t, state.Positions["BTCTRY"].Qty.Equal(decimal.RequireFromString("0.003")))

	cp, err := s.ReadCheckpoint(ctx, "default")
	require.NoError(t, err)
	require.NotNil(t, cp)
	firstCursor := cp.LastRowID

	appendEvents(t, s,
		fillEvent("e4", now.Add(3*time.Second), core.SideBuy, "0.001", "100000"),
		fillEvent("e5", now.Add(4*time.Second), core.SideBuy, "0.001", "100000"),
	)

	state, err = r.LoadStateIncremental(ctx)
	require.NoError(t, err)
	assert.True(t, state.Positions["BTCTRY"].Qty.Equal(decimal.RequireFromString("0.005")))

	cp, err = s.ReadCheckpoint(ctx, "default")
	require.NoError(t, err)
	assert.Greater(t, cp.LastRowID, firstCursor, "cursor advances to the max rowid of the new batch")

	// incremental result equals a full rebuild
	rebuilt, err := r.Rebuild(ctx)
	require.NoError(t, err)
	incBlob, err := state.Marshal()
	require.NoError(t, err)
	rebBlob, err := rebuilt.Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(rebBlob), string(incBlob))
}

func TestLoadStateIncrementalNoChurnOnEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := NewReducer(s, "default", 1, logging.Nop())

	state, err := r.LoadStateIncremental(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.Positions)

	cp, err := s.ReadCheckpoint(ctx, "default")
	require.NoError(t, err)
	assert.Nil(t, cp, "empty ledger with no checkpoint must not write one")
}

func TestLoadStateIncrementalVersionMismatchRebuilds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	appendEvents(t, s, fillEvent("e1", now, core.SideBuy, "0.001", "100000"))

	v1 := NewReducer(s, "default", 1, logging.Nop())
	_, err := v1.LoadStateIncremental(ctx)
	require.NoError(t, err)

	// a version bump invalidates the stored snapshot and rebuilds from zero
	v2 := NewReducer(s, "default", 2, logging.Nop())
	state, err := v2.LoadStateIncremental(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.Positions["BTCTRY"])
	assert.True(t, state.Positions["BTCTRY"].Qty.Equal(decimal.RequireFromString("0.001")))

	cp, err := s.ReadCheckpoint(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 2, cp.SnapshotVersion)
}

func TestLoadStateIncrementalCorruptSnapshotRebuilds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	appendEvents(t, s, fillEvent("e1", now, core.SideBuy, "0.001", "100000"))

	require.NoError(t, s.WithTransaction(ctx, func(tx *store.Tx) error {
		return s.WriteCheckpoint(tx, &core.LedgerCheckpoint{
			Scope:           "default",
			LastRowID:       99,
			SnapshotBlob:    []byte("not json"),
			SnapshotVersion: 1,
		})
	}))

	r := NewReducer(s, "default", 1, logging.Nop())
	state, err := r.LoadStateIncremental(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.Positions["BTCTRY"], "corrupt checkpoint must trigger a full rebuild")
}
