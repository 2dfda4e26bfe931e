package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"execution_bot/internal/config"
	"execution_bot/internal/core"
	"execution_bot/internal/exchange/mockx"
	"execution_bot/internal/store"
	"execution_bot/pkg/apperrors"
	"execution_bot/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func armedSafety() *SafetyContext {
	return NewSafetyContext(config.SafetyConfig{
		DryRun:         false,
		LiveTrading:    true,
		LiveTradingAck: config.LiveTradingAckPhrase,
	})
}

func testRules() map[string]core.SymbolRules {
	return map[string]core.SymbolRules{
		"BTCTRY": {
			Symbol:      "BTCTRY",
			PriceTick:   decimal.RequireFromString("1"),
			QtyStep:     decimal.RequireFromString("0.00000001"),
			MinNotional: decimal.RequireFromString("10"),
			MinQty:      decimal.RequireFromString("0.00000001"),
			MaxQty:      decimal.RequireFromString("10"),
		},
	}
}

func newTestExecutor(t *testing.T, safety *SafetyContext) (*Executor, *store.Store, *mockx.MockExchange) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "exec.db"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mock := mockx.NewMockExchange("test")
	exec := NewExecutor(st, mock, safety, testRules(), config.EngineConfig{
		ActionDedupeBucketSeconds: 60,
		StaleOrderTTLSeconds:      900,
		IntentBucketSeconds:       60,
	}, nil, logging.Nop())
	return exec, st, mock
}

func testIntent() core.OrderIntent {
	return core.OrderIntent{
		IntentID:   "i-1",
		Symbol:     "BTCTRY",
		Side:       core.SideBuy,
		LimitPrice: decimal.RequireFromString("100000"),
		Qty:        decimal.RequireFromString("0.001"),
		CreatedAt:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Origin:     core.OriginLocal,
	}
}

func TestExecuteIntentHappyPath(t *testing.T) {
	exec, st, mock := newTestExecutor(t, armedSafety())
	ctx := context.Background()

	outcome, err := exec.ExecuteIntent(ctx, "cyc-1", testIntent())
	require.NoError(t, err)
	assert.Equal(t, core.StatusAcked, outcome.Status)
	require.NotEmpty(t, outcome.ClientOrderID)

	o, err := st.GetOrderByClientID(ctx, outcome.ClientOrderID)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, core.StatusAcked, o.Status)
	assert.NotEmpty(t, o.ExchangeOrderID)

	assert.Len(t, mock.Orders(), 1)
}

func TestExecuteIntentDuplicateSameCycle(t *testing.T) {
	exec, _, mock := newTestExecutor(t, armedSafety())
	ctx := context.Background()

	first, err := exec.ExecuteIntent(ctx, "cyc-1", testIntent())
	require.NoError(t, err)
	require.Equal(t, core.StatusAcked, first.Status)

	second, err := exec.ExecuteIntent(ctx, "cyc-1", testIntent())
	require.NoError(t, err)
	assert.True(t, second.Skipped, "duplicate intent must be suppressed")

	assert.Len(t, mock.Orders(), 1, "only one network submit may be observed")
}

func TestExecuteIntentIdempotentAcrossCycles(t *testing.T) {
	exec, _, mock := newTestExecutor(t, armedSafety())
	ctx := context.Background()

	_, err := exec.ExecuteIntent(ctx, "cyc-1", testIntent())
	require.NoError(t, err)

	// a later cycle is caught by the action dedupe or, past the bucket, by
	// the hard idempotency key; either way the submit is suppressed
	outcome, err := exec.ExecuteIntent(ctx, "cyc-2", testIntent())
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.Len(t, mock.Orders(), 1)
}

func TestExecuteIntentLocalValidationRejects(t *testing.T) {
	exec, st, mock := newTestExecutor(t, armedSafety())
	ctx := context.Background()

	intent := testIntent()
	intent.Qty = decimal.RequireFromString("0.00000001") // below min notional

	outcome, err := exec.ExecuteIntent(ctx, "cyc-1", intent)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRejected, outcome.Status)
	assert.Equal(t, core.ReasonLocalValidation, outcome.Reason)

	o, err := st.GetOrderByClientID(ctx, outcome.ClientOrderID)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, core.StatusRejected, o.Status)
	assert.Equal(t, core.ReasonLocalValidation, o.ReasonCode)

	assert.Empty(t, mock.Orders(), "validation failures never reach the venue")
}

func TestExecuteIntentKillSwitchGates(t *testing.T) {
	safety := NewSafetyContext(config.SafetyConfig{KillSwitch: true, LiveTrading: true, LiveTradingAck: config.LiveTradingAckPhrase})
	exec, _, mock := newTestExecutor(t, safety)

	outcome, err := exec.ExecuteIntent(context.Background(), "cyc-1", testIntent())
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.Equal(t, core.ReasonKillSwitch, outcome.Reason)
	assert.Empty(t, mock.Orders())
}

func TestExecuteIntentSafeModeGates(t *testing.T) {
	safety := armedSafety()
	safety.TripSafeMode("test")
	exec, _, mock := newTestExecutor(t, safety)

	outcome, err := exec.ExecuteIntent(context.Background(), "cyc-1", testIntent())
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.Equal(t, core.ReasonSafeMode, outcome.Reason)
	assert.Empty(t, mock.Orders())
}

func TestExecuteIntentUncertainPersistsUnknown(t *testing.T) {
	exec, st, mock := newTestExecutor(t, armedSafety())
	ctx := context.Background()

	mock.FailNextSubmit(apperrors.ErrNetwork)

	outcome, err := exec.ExecuteIntent(ctx, "cyc-1", testIntent())
	require.NoError(t, err)
	assert.Equal(t, core.StatusUnknown, outcome.Status)

	o, err := st.GetOrderByClientID(ctx, outcome.ClientOrderID)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, core.StatusUnknown, o.Status)
	assert.Equal(t, core.ReasonUncertainOutcome, o.ReasonCode)
}

func TestExecuteIntentDryRunSimulates(t *testing.T) {
	safety := NewSafetyContext(config.SafetyConfig{DryRun: true})
	exec, st, mock := newTestExecutor(t, safety)
	ctx := context.Background()

	outcome, err := exec.ExecuteIntent(ctx, "cyc-1", testIntent())
	require.NoError(t, err)
	assert.Equal(t, core.StatusAcked, outcome.Status)

	o, err := st.GetOrderByClientID(ctx, outcome.ClientOrderID)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, core.StatusAcked, o.Status)

	assert.Empty(t, mock.Orders(), "dry-run must not touch the venue")
}

func TestCancelStaleOrders(t *testing.T) {
	exec, st, _ := newTestExecutor(t, armedSafety())
	ctx := context.Background()

	outcome, err := exec.ExecuteIntent(ctx, "cyc-1", testIntent())
	require.NoError(t, err)

	// age the order past the TTL
	require.NoError(t, st.WithTransaction(ctx, func(tx *store.Tx) error {
		return st.UpdateOrderStatus(tx, outcome.ClientOrderID, core.StatusAcked, func(row *core.Order) error {
			return nil
		})
	}))
	exec.staleOrderTTL = 0

	canceled, unknown, err := exec.CancelStaleOrders(ctx, "cyc-2")
	require.NoError(t, err)
	assert.Equal(t, 1, canceled)
	assert.Equal(t, 0, unknown)

	o, err := st.GetOrderByClientID(ctx, outcome.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, o.Status)
}

func TestCancelAlreadyFilledWins(t *testing.T) {
	exec, st, mock := newTestExecutor(t, armedSafety())
	ctx := context.Background()

	outcome, err := exec.ExecuteIntent(ctx, "cyc-1", testIntent())
	require.NoError(t, err)

	o, err := st.GetOrderByClientID(ctx, outcome.ClientOrderID)
	require.NoError(t, err)

	// the venue filled it before the cancel arrived
	mock.SetOrderStatus(o.ExchangeOrderID, core.StatusFilled, o.Qty)

	didCancel, isUnknown, err := exec.CancelOrder(ctx, "cyc-2", o)
	require.NoError(t, err)
	assert.False(t, didCancel)
	assert.False(t, isUnknown)

	got, err := st.GetOrderByClientID(ctx, outcome.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFilled, got.Status, "fill wins over cancel")
	assert.True(t, got.FilledQty.Equal(got.Qty))
}

func TestApplyFillLifecycle(t *testing.T) {
	exec, st, _ := newTestExecutor(t, armedSafety())
	ctx := context.Background()

	outcome, err := exec.ExecuteIntent(ctx, "cyc-1", testIntent())
	require.NoError(t, err)
	o, err := st.GetOrderByClientID(ctx, outcome.ClientOrderID)
	require.NoError(t, err)

	half := o.Qty.Div(decimal.NewFromInt(2))
	now := time.Now().UTC().Truncate(time.Millisecond)

	fill1 := core.Fill{
		FillID:          "F1",
		ExchangeOrderID: o.ExchangeOrderID,
		ClientOrderID:   o.ClientOrderID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Qty:             half,
		Price:           o.Price,
		Timestamp:       now,
	}
	require.NoError(t, exec.ApplyFill(ctx, fill1))

	got, err := st.GetOrderByClientID(ctx, o.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPartiallyFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(half))

	// duplicate fill id is a no-op
	require.NoError(t, exec.ApplyFill(ctx, fill1))
	got, err = st.GetOrderByClientID(ctx, o.ClientOrderID)
	require.NoError(t, err)
	assert.True(t, got.FilledQty.Equal(half), "duplicate fill must not mutate twice")

	fill2 := fill1
	fill2.FillID = "F2"
	fill2.Timestamp = now.Add(time.Second)
	require.NoError(t, exec.ApplyFill(ctx, fill2))

	got, err = st.GetOrderByClientID(ctx, o.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFilled, got.Status, "filled_qty == qty implies FILLED")
	assert.True(t, got.FilledQty.Equal(got.Qty))

	// no further fills accepted once terminal
	fill3 := fill1
	fill3.FillID = "F3"
	fill3.Timestamp = now.Add(2 * time.Second)
	require.NoError(t, exec.ApplyFill(ctx, fill3))
	got, err = st.GetOrderByClientID(ctx, o.ClientOrderID)
	require.NoError(t, err)
	assert.True(t, got.FilledQty.Equal(got.Qty))
}

func TestApplyFillDropsOutOfOrderEvents(t *testing.T) {
	exec, st, _ := newTestExecutor(t, armedSafety())
	ctx := context.Background()

	outcome, err := exec.ExecuteIntent(ctx, "cyc-1", testIntent())
	require.NoError(t, err)
	o, err := st.GetOrderByClientID(ctx, outcome.ClientOrderID)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	quarter := o.Qty.Div(decimal.NewFromInt(4))

	require.NoError(t, exec.ApplyFill(ctx, core.Fill{
		FillID: "F1", ExchangeOrderID: o.ExchangeOrderID, ClientOrderID: o.ClientOrderID,
		Symbol: o.Symbol, Side: o.Side, Qty: quarter, Price: o.Price, Timestamp: now,
	}))

	// an older event than the order's last applied sequence is dropped
	require.NoError(t, exec.ApplyFill(ctx, core.Fill{
		FillID: "F0", ExchangeOrderID: o.ExchangeOrderID, ClientOrderID: o.ClientOrderID,
		Symbol: o.Symbol, Side: o.Side, Qty: quarter, Price: o.Price, Timestamp: now.Add(-time.Minute),
	}))

	got, err := st.GetOrderByClientID(ctx, o.ClientOrderID)
	require.NoError(t, err)
	assert.True(t, got.FilledQty.Equal(quarter), "stale event must not advance filled qty")
}
