package engine

import (
	"context"
	"time"

	"execution_bot/internal/core"
	"execution_bot/internal/ledger"
	"execution_bot/internal/reconcile"
	"execution_bot/internal/store"
	"execution_bot/pkg/telemetry"

	"github.com/google/uuid"
)

// Engine drives one cycle: reconcile, merge fills, expire stale orders,
// execute approved intents, refresh the ledger snapshot.
type Engine struct {
	executor   *Executor
	reconciler *reconcile.Reconciler
	reducer    *ledger.Reducer
	store      *store.Store
	safety     *SafetyContext
	clock      core.Clock
	logger     core.Logger

	symbols      []string
	fillLookback time.Duration
}

// NewEngine assembles the cycle driver.
func NewEngine(
	executor *Executor,
	reconciler *reconcile.Reconciler,
	reducer *ledger.Reducer,
	st *store.Store,
	safety *SafetyContext,
	symbols []string,
	clock core.Clock,
	logger core.Logger,
) *Engine {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Engine{
		executor:     executor,
		reconciler:   reconciler,
		reducer:      reducer,
		store:        st,
		safety:       safety,
		clock:        clock,
		logger:       logger.WithField("component", "engine"),
		symbols:      symbols,
		fillLookback: time.Hour,
	}
}

// Executor exposes the engine's executor (for fill stream wiring).
func (e *Engine) Executor() *Executor { return e.executor }

// RunCycle executes one full cycle. It never panics across the cycle
// boundary: a store failure aborts the cycle and is reported, and the caller
// releases the single-instance lock on unwind.
func (e *Engine) RunCycle(ctx context.Context, intents []core.OrderIntent) (report core.CycleReport) {
	cycleID := uuid.NewString()
	report = core.CycleReport{
		CycleID:   cycleID,
		StartedAt: e.clock.Now(),
	}
	log := e.logger.WithField("cycle_id", cycleID)

	defer func() {
		if p := recover(); p != nil {
			log.Error("Cycle aborted by store failure", "panic", p)
			report.Reasons = append(report.Reasons, "cycle_aborted")
		}
	}()

	// 1. Reconcile local state against the venue before acting on it.
	recResult, err := e.reconciler.Run(ctx)
	if err != nil {
		log.Error("Reconciliation failed, continuing cautiously", "error", err.Error())
		report.Reasons = append(report.Reasons, "reconcile_failed")
	}
	report.Unknown += recResult.StillUnknown
	report.Imported = recResult.Imported

	// Idempotency keys stuck in PENDING belong to crashed submits; pruning
	// them lets the deterministic cid path retry the same intent.
	if err := e.store.WithTransaction(ctx, func(tx *store.Tx) error {
		_, err := e.store.PruneStalePending(tx, e.clock.Now().Add(-time.Hour))
		return err
	}); err != nil {
		log.Error("Stale pending prune failed", "error", err.Error())
	}

	// 2. Merge recent fills from REST; the websocket stream delivers the
	// same ids and the union dedupes.
	if !e.safety.DryRun() {
		if err := e.executor.PollFills(ctx, e.symbols, e.clock.Now().Add(-e.fillLookback)); err != nil {
			log.Error("Fill merge failed", "error", err.Error())
			report.Reasons = append(report.Reasons, "fill_merge_failed")
		}
	}

	// 3. Cancel stale open orders before placing new ones.
	canceled, cancelUnknown, err := e.executor.CancelStaleOrders(ctx, cycleID)
	if err != nil {
		log.Error("Stale order sweep failed", "error", err.Error())
		report.Reasons = append(report.Reasons, "stale_sweep_failed")
	}
	report.Canceled = canceled
	report.Unknown += cancelUnknown

	// 4. Execute approved intents. An invariant trip mid-cycle skips the
	// remaining submits; cancels already ran.
	for _, intent := range intents {
		if e.safety.SafeMode() {
			report.Skipped++
			appendReason(&report, core.ReasonSafeMode)
			continue
		}

		outcome, err := e.executor.ExecuteIntent(ctx, cycleID, intent)
		if err != nil {
			log.Error("Intent execution failed",
				"intent_id", intent.IntentID,
				"client_order_id", outcome.ClientOrderID,
				"error", err.Error())
		}

		switch {
		case outcome.Skipped:
			report.Skipped++
		case outcome.Status == core.StatusRejected:
			report.Rejected++
		case outcome.Status == core.StatusUnknown:
			report.Unknown++
		case outcome.Status != "":
			report.Submitted++
		}
		appendReason(&report, outcome.Reason)
	}

	e.refreshOrderGauges(ctx)

	// 5. Refresh the derived ledger snapshot.
	if _, err := e.reducer.LoadStateIncremental(ctx); err != nil {
		log.Error("Ledger reduction failed", "error", err.Error())
		report.Reasons = append(report.Reasons, "ledger_reduce_failed")
	}

	if err := e.store.WithTransaction(ctx, func(tx *store.Tx) error {
		return e.store.SetMeta(tx, store.MetaKeyLastCycleID, cycleID)
	}); err != nil {
		log.Error("Failed to record cycle id", "error", err.Error())
	}

	log.Info("Cycle completed",
		"submitted", report.Submitted,
		"canceled", report.Canceled,
		"rejected", report.Rejected,
		"unknown", report.Unknown,
		"skipped", report.Skipped)

	return report
}

// refreshOrderGauges publishes per-symbol open/unresolved order counts.
func (e *Engine) refreshOrderGauges(ctx context.Context) {
	orders, err := e.store.FindOpenOrUnknownOrders(ctx)
	if err != nil {
		return
	}

	open := make(map[string]int64)
	unresolved := make(map[string]int64)
	for _, o := range orders {
		if o.Status == core.StatusUnknown {
			unresolved[o.Symbol]++
		} else {
			open[o.Symbol]++
		}
	}

	holder := telemetry.GetGlobalMetrics()
	for _, symbol := range e.symbols {
		holder.SetOpenOrders(symbol, open[symbol])
		holder.SetUnresolvedOrders(symbol, unresolved[symbol])
	}
}

func appendReason(report *core.CycleReport, reason string) {
	if reason == "" {
		return
	}
	for _, r := range report.Reasons {
		if r == reason {
			return
		}
	}
	report.Reasons = append(report.Reasons, reason)
}
