// Package reconcile makes local order state agree with the exchange's
// authoritative open/historical order sets. The same pass runs at startup
// and at the head of every cycle.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"execution_bot/internal/core"
	"execution_bot/internal/order"
	"execution_bot/internal/store"
	"execution_bot/pkg/concurrency"
	"execution_bot/pkg/telemetry"

	"go.opentelemetry.io/otel/metric"
)

// createdAtEpsilon bounds the tuple-match on created_at when neither the
// exchange id nor the cid matches.
const createdAtEpsilon = 5 * time.Second

// OrderRepository is the persistence capability the reconciler depends on.
// It deliberately does not see the execution engine.
type OrderRepository interface {
	FindOpenOrUnknownOrders(ctx context.Context) ([]*core.Order, error)
	FindStalePlannedOrders(ctx context.Context, olderThan time.Time) ([]*core.Order, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*core.Order, error)
	UpsertOrder(tx core.TxScope, o *core.Order) error
	UpdateOrderStatus(tx core.TxScope, clientOrderID string, next core.OrderStatus, guard func(*core.Order) error) error
}

// TxRunner provides the transaction scope for reconciler writes.
type TxRunner interface {
	WithTransaction(ctx context.Context, fn func(tx *store.Tx) error) error
}

// SafetyTripper is how the reconciler degrades the process on an invariant
// violation.
type SafetyTripper interface {
	TripSafeMode(reason string)
}

// Result summarizes one reconciliation pass.
type Result struct {
	Examined     int
	Resolved     int
	Imported     int
	StillUnknown int
	Anomalies    []string
}

// Reconciler diffs local open/unknown orders against the venue.
type Reconciler struct {
	repo     OrderRepository
	txr      TxRunner
	exchange core.Exchange
	pool     *concurrency.WorkerPool
	safety   SafetyTripper
	clock    core.Clock
	logger   core.Logger

	windowBase time.Duration
	windowMax  time.Duration
	watched    []string

	mu         sync.Mutex
	lastResult Result

	// OTel
	runCounter      metric.Int64Counter
	resolvedCounter metric.Int64Counter
	importedCounter metric.Int64Counter
}

// NewReconciler creates a reconciler.
func NewReconciler(
	repo OrderRepository,
	txr TxRunner,
	exchange core.Exchange,
	pool *concurrency.WorkerPool,
	safety SafetyTripper,
	windowBase, windowMax time.Duration,
	clock core.Clock,
	logger core.Logger,
) *Reconciler {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if windowBase < 5*time.Minute {
		windowBase = 5 * time.Minute
	}
	if windowMax > 24*time.Hour || windowMax < windowBase {
		windowMax = 24 * time.Hour
	}
	meter := telemetry.GetMeter("reconciler")
	runCounter, _ := meter.Int64Counter("execution_bot_reconcile_runs_total",
		metric.WithDescription("Total reconciliation passes"))
	resolvedCounter, _ := meter.Int64Counter("execution_bot_reconcile_resolved_total",
		metric.WithDescription("Total orders resolved by reconciliation"))
	importedCounter, _ := meter.Int64Counter("execution_bot_reconcile_imported_total",
		metric.WithDescription("Total externally created orders imported"))

	return &Reconciler{
		repo:            repo,
		txr:             txr,
		exchange:        exchange,
		pool:            pool,
		safety:          safety,
		clock:           clock,
		logger:          logger.WithField("component", "reconciler"),
		windowBase:      windowBase,
		windowMax:       windowMax,
		runCounter:      runCounter,
		resolvedCounter: resolvedCounter,
		importedCounter: importedCounter,
	}
}

// Run performs one reconciliation pass.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runCounter.Add(ctx, 1)

	local, err := r.repo.FindOpenOrUnknownOrders(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load local orders: %w", err)
	}

	result := Result{Examined: len(local)}

	symbols := distinctSymbols(local)
	for _, w := range r.watched {
		if !containsString(symbols, w) {
			symbols = append(symbols, w)
		}
	}
	openBySymbol := r.fetchOpenOrders(ctx, symbols)

	for _, lo := range local {
		open, fetched := openBySymbol[lo.Symbol]
		if !fetched {
			// the open-orders read failed for this symbol; reads never
			// mutate state, so leave the order untouched this pass
			continue
		}

		if match := matchInSet(open, lo); match != nil {
			if err := r.advance(ctx, lo, match); err != nil {
				r.logger.Error("Failed to advance matched order",
					"client_order_id", lo.ClientOrderID, "error", err.Error())
				continue
			}
			result.Resolved++
			continue
		}

		resolved, err := r.resolveFromHistory(ctx, lo)
		if err != nil {
			r.logger.Error("History probe failed",
				"client_order_id", lo.ClientOrderID, "error", err.Error())
			continue
		}
		if resolved {
			result.Resolved++
		} else {
			result.StillUnknown++
		}
	}

	recovered, err := r.recoverPlannedOrders(ctx, openBySymbol)
	if err != nil {
		r.logger.Error("Planned-order recovery failed", "error", err.Error())
	}
	result.Resolved += recovered

	imported, err := r.importExternalOrders(ctx, openBySymbol)
	if err != nil {
		r.logger.Error("External order import failed", "error", err.Error())
	}
	result.Imported = imported

	anomalies := r.checkInvariants(ctx)
	result.Anomalies = anomalies
	if len(anomalies) > 0 {
		r.safety.TripSafeMode(anomalies[0])
	}

	r.lastResult = result
	r.logger.Info("Reconciliation pass completed",
		"examined", result.Examined,
		"resolved", result.Resolved,
		"imported", result.Imported,
		"still_unknown", result.StillUnknown,
		"anomalies", len(anomalies))

	r.resolvedCounter.Add(ctx, int64(result.Resolved))
	r.importedCounter.Add(ctx, int64(result.Imported))

	return result, nil
}

// WatchSymbols adds symbols that are probed on every pass even when no
// local order references them, so externally created orders are imported.
func (r *Reconciler) WatchSymbols(symbols ...string) {
	r.watched = append(r.watched, symbols...)
}

// LastResult returns the most recent pass summary.
func (r *Reconciler) LastResult() Result {
	return r.lastResult
}

// ResolveOne runs the single-cid probe used inline by uncertain submit and
// cancel outcomes.
func (r *Reconciler) ResolveOne(ctx context.Context, clientOrderID string) (bool, error) {
	lo, err := r.repo.GetOrderByClientID(ctx, clientOrderID)
	if err != nil {
		return false, err
	}
	if lo == nil || lo.Status.IsTerminal() {
		return lo != nil, nil
	}

	open, err := r.exchange.GetOpenOrders(ctx, lo.Symbol)
	if err == nil {
		if match := matchInSet(open, lo); match != nil {
			return true, r.advance(ctx, lo, match)
		}
	}
	return r.resolveFromHistory(ctx, lo)
}

// fetchOpenOrders fans out the per-symbol open-order reads on the worker
// pool. Symbols whose fetch failed are absent from the result map.
func (r *Reconciler) fetchOpenOrders(ctx context.Context, symbols []string) map[string][]core.ExchangeOrder {
	out := make(map[string][]core.ExchangeOrder, len(symbols))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, symbol := range symbols {
		symbol := symbol
		wg.Add(1)
		task := func() {
			defer wg.Done()
			open, err := r.exchange.GetOpenOrders(ctx, symbol)
			if err != nil {
				r.logger.Warn("Open orders fetch failed", "symbol", symbol, "error", err.Error())
				return
			}
			mu.Lock()
			out[symbol] = open
			mu.Unlock()
		}
		if r.pool != nil {
			if err := r.pool.Submit(task); err != nil {
				task()
			}
		} else {
			task()
		}
	}

	wg.Wait()
	return out
}

// advance maps the venue-reported order onto the local row.
func (r *Reconciler) advance(ctx context.Context, lo *core.Order, venue *core.ExchangeOrder) error {
	target := venue.Status
	if target == core.StatusUnknown {
		return nil
	}
	if lo.Status == target && lo.FilledQty.Equal(venue.FilledQty) {
		return nil
	}

	if _, err := order.EventsTo(lo.Status, target); err != nil {
		return err
	}

	return r.txr.WithTransaction(ctx, func(tx *store.Tx) error {
		return r.repo.UpdateOrderStatus(tx, lo.ClientOrderID, target, func(row *core.Order) error {
			if venue.ExchangeOrderID != "" {
				row.ExchangeOrderID = venue.ExchangeOrderID
			}
			if venue.FilledQty.GreaterThan(row.FilledQty) {
				row.FilledQty = venue.FilledQty
			}
			if target != core.StatusUnknown {
				row.UnknownAttempts = 0
			}
			return nil
		})
	})
}

// resolveFromHistory probes the historical window for an order missing from
// the open set. The window widens exponentially with each failed attempt,
// capped at the configured maximum.
func (r *Reconciler) resolveFromHistory(ctx context.Context, lo *core.Order) (bool, error) {
	window := r.windowFor(lo)
	now := r.clock.Now()

	history, err := r.exchange.GetAllOrders(ctx, lo.Symbol, now.Add(-window), now)
	if err != nil {
		return false, err
	}

	match := matchHistorical(history, lo)
	if match != nil && match.Status != core.StatusUnknown {
		return true, r.advance(ctx, lo, match)
	}

	// Not found anywhere: an order that was live is now UNKNOWN; an UNKNOWN
	// order stays UNKNOWN with bounded retry metadata.
	return false, r.txr.WithTransaction(ctx, func(tx *store.Tx) error {
		return r.repo.UpdateOrderStatus(tx, lo.ClientOrderID, core.StatusUnknown, func(row *core.Order) error {
			row.UnknownAttempts++
			return nil
		})
	})
}

func (r *Reconciler) windowFor(lo *core.Order) time.Duration {
	window := r.windowBase
	for i := 0; i < lo.UnknownAttempts && window < r.windowMax; i++ {
		window *= 2
	}
	if window > r.windowMax {
		window = r.windowMax
	}
	return window
}

// plannedGrace is how long a PLANNED row may sit before it is treated as a
// crash leftover and probed against the venue.
const plannedGrace = 2 * time.Minute

// recoverPlannedOrders probes orders stuck in PLANNED: rows persisted just
// before a submit whose outcome the process never recorded. A venue match
// advances them; a miss leaves them PLANNED so the deterministic cid path
// can resubmit once the pending idempotency key is pruned.
func (r *Reconciler) recoverPlannedOrders(ctx context.Context, openBySymbol map[string][]core.ExchangeOrder) (int, error) {
	stale, err := r.repo.FindStalePlannedOrders(ctx, r.clock.Now().Add(-plannedGrace))
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, lo := range stale {
		if open, ok := openBySymbol[lo.Symbol]; ok {
			if match := matchInSet(open, lo); match != nil {
				if err := r.advance(ctx, lo, match); err != nil {
					r.logger.Error("Failed to adopt planned order from open set",
						"client_order_id", lo.ClientOrderID, "error", err.Error())
					continue
				}
				recovered++
				continue
			}
		}

		now := r.clock.Now()
		history, err := r.exchange.GetAllOrders(ctx, lo.Symbol, now.Add(-r.windowFor(lo)), now)
		if err != nil {
			r.logger.Warn("Planned-order history probe failed",
				"client_order_id", lo.ClientOrderID, "error", err.Error())
			continue
		}
		if match := matchHistorical(history, lo); match != nil && match.Status != core.StatusUnknown {
			if err := r.advance(ctx, lo, match); err != nil {
				r.logger.Error("Failed to adopt planned order from history",
					"client_order_id", lo.ClientOrderID, "error", err.Error())
				continue
			}
			recovered++
		}
	}
	return recovered, nil
}

// importExternalOrders adopts venue open orders with no local row, so state
// created out-of-band (manual trades, other tools) is tracked from now on.
func (r *Reconciler) importExternalOrders(ctx context.Context, openBySymbol map[string][]core.ExchangeOrder) (int, error) {
	imported := 0
	for _, open := range openBySymbol {
		for i := range open {
			venue := open[i]
			key := venue.ClientOrderID
			if key == "" {
				key = "ext-" + venue.ExchangeOrderID
			}

			existing, err := r.repo.GetOrderByClientID(ctx, key)
			if err != nil {
				return imported, err
			}
			if existing != nil {
				continue
			}

			status := venue.Status
			if status == core.StatusUnknown {
				status = core.StatusAcked
			}

			now := r.clock.Now()
			err = r.txr.WithTransaction(ctx, func(tx *store.Tx) error {
				return r.repo.UpsertOrder(tx, &core.Order{
					ClientOrderID:   key,
					ExchangeOrderID: venue.ExchangeOrderID,
					Symbol:          venue.Symbol,
					Side:            venue.Side,
					Price:           venue.Price,
					Qty:             venue.Qty,
					FilledQty:       venue.FilledQty,
					Status:          status,
					Origin:          core.OriginExternal,
					CreatedAt:       venue.CreatedAt,
					UpdatedAt:       now,
				})
			})
			if err != nil {
				return imported, err
			}

			r.logger.Warn("Imported externally created order",
				"client_order_id", key,
				"exchange_order_id", venue.ExchangeOrderID,
				"symbol", venue.Symbol)
			imported++
		}
	}
	return imported, nil
}

// checkInvariants verifies no negative balances and no over-filled orders.
// Any violation is an anomaly that trips safe mode.
func (r *Reconciler) checkInvariants(ctx context.Context) []string {
	var anomalies []string

	balances, err := r.exchange.GetBalances(ctx)
	if err != nil {
		r.logger.Warn("Balance check skipped", "error", err.Error())
	} else {
		for _, b := range balances {
			if b.Free.IsNegative() || b.Locked.IsNegative() {
				anomalies = append(anomalies,
					fmt.Sprintf("negative balance for %s: free=%s locked=%s", b.Asset, b.Free, b.Locked))
			}
		}
	}

	local, err := r.repo.FindOpenOrUnknownOrders(ctx)
	if err == nil {
		for _, o := range local {
			if o.FilledQty.GreaterThan(o.Qty) {
				anomalies = append(anomalies,
					fmt.Sprintf("order %s filled beyond quantity: %s > %s", o.ClientOrderID, o.FilledQty, o.Qty))
			}
		}
	}

	for _, a := range anomalies {
		r.logger.Error("Invariant violation detected", "anomaly", a)
	}
	return anomalies
}

func containsString(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func distinctSymbols(orders []*core.Order) []string {
	seen := make(map[string]bool)
	var out []string
	for _, o := range orders {
		if !seen[o.Symbol] {
			seen[o.Symbol] = true
			out = append(out, o.Symbol)
		}
	}
	return out
}

// matchInSet finds a venue order matching the local one by cid first, then
// exchange id.
func matchInSet(set []core.ExchangeOrder, lo *core.Order) *core.ExchangeOrder {
	for i := range set {
		if set[i].ClientOrderID != "" && set[i].ClientOrderID == lo.ClientOrderID {
			return &set[i]
		}
	}
	if lo.ExchangeOrderID != "" {
		for i := range set {
			if set[i].ExchangeOrderID == lo.ExchangeOrderID {
				return &set[i]
			}
		}
	}
	return nil
}

// matchHistorical matches by exchange id, then cid, then the full tuple with
// a bounded created_at tolerance.
func matchHistorical(history []core.ExchangeOrder, lo *core.Order) *core.ExchangeOrder {
	if lo.ExchangeOrderID != "" {
		for i := range history {
			if history[i].ExchangeOrderID == lo.ExchangeOrderID {
				return &history[i]
			}
		}
	}
	for i := range history {
		if history[i].ClientOrderID != "" && history[i].ClientOrderID == lo.ClientOrderID {
			return &history[i]
		}
	}
	for i := range history {
		h := &history[i]
		if h.Symbol == lo.Symbol && h.Side == lo.Side &&
			h.Price.Equal(lo.Price) && h.Qty.Equal(lo.Qty) &&
			absDuration(h.CreatedAt.Sub(lo.CreatedAt)) <= createdAtEpsilon {
			return h
		}
	}
	return nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
