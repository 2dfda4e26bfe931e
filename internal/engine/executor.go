package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"execution_bot/internal/config"
	"execution_bot/internal/core"
	"execution_bot/internal/order"
	"execution_bot/internal/store"
	"execution_bot/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Action types recorded in the dedupe/audit table.
const (
	actionSubmit        = "submit"
	actionCancel        = "cancel"
	actionSubmitSkipped = "submit_skipped"
)

// IntentOutcome is the per-intent result the cycle report aggregates.
type IntentOutcome struct {
	ClientOrderID string
	Status        core.OrderStatus
	Skipped       bool
	Reason        string
}

// Executor turns approved intents into venue orders with two idempotency
// layers in series: bucketed action dedupe, then the hard per-cid key.
type Executor struct {
	store    *store.Store
	exchange core.Exchange
	safety   *SafetyContext
	rules    map[string]core.SymbolRules
	clock    core.Clock
	logger   core.Logger

	intentBucketSeconds int64
	staleOrderTTL       time.Duration

	// OTel
	submitCounter   metric.Int64Counter
	rejectCounter   metric.Int64Counter
	cancelCounter   metric.Int64Counter
	filledCounter   metric.Int64Counter
	unknownCounter  metric.Int64Counter
	dedupedCounter  metric.Int64Counter
}

// NewExecutor creates the execution engine for one venue.
func NewExecutor(
	st *store.Store,
	exchange core.Exchange,
	safety *SafetyContext,
	rules map[string]core.SymbolRules,
	engineCfg config.EngineConfig,
	clock core.Clock,
	logger core.Logger,
) *Executor {
	if clock == nil {
		clock = core.SystemClock{}
	}

	meter := telemetry.GetMeter("executor")
	submitCounter, _ := meter.Int64Counter("execution_bot_orders_submitted_total",
		metric.WithDescription("Total orders submitted to the venue"))
	rejectCounter, _ := meter.Int64Counter("execution_bot_orders_rejected_total",
		metric.WithDescription("Total orders rejected locally or by the venue"))
	cancelCounter, _ := meter.Int64Counter("execution_bot_orders_canceled_total",
		metric.WithDescription("Total orders canceled"))
	filledCounter, _ := meter.Int64Counter("execution_bot_orders_filled_total",
		metric.WithDescription("Total orders fully filled"))
	unknownCounter, _ := meter.Int64Counter("execution_bot_orders_unknown_total",
		metric.WithDescription("Total submits/cancels with uncertain outcome"))
	dedupedCounter, _ := meter.Int64Counter("execution_bot_actions_deduped_total",
		metric.WithDescription("Total actions suppressed by dedupe"))

	return &Executor{
		store:               st,
		exchange:            exchange,
		safety:              safety,
		rules:               rules,
		clock:               clock,
		logger:              logger.WithField("component", "executor"),
		intentBucketSeconds: engineCfg.IntentBucketSeconds,
		staleOrderTTL:       time.Duration(engineCfg.StaleOrderTTLSeconds) * time.Second,
		submitCounter:       submitCounter,
		rejectCounter:       rejectCounter,
		cancelCounter:       cancelCounter,
		filledCounter:       filledCounter,
		unknownCounter:      unknownCounter,
		dedupedCounter:      dedupedCounter,
	}
}

// SetRules replaces the cached symbol rules.
func (e *Executor) SetRules(rules map[string]core.SymbolRules) {
	e.rules = rules
}

// ExecuteIntent runs the submit path for one approved intent. It never
// returns a transport error: every outcome is persisted and summarized.
func (e *Executor) ExecuteIntent(ctx context.Context, cycleID string, intent core.OrderIntent) (IntentOutcome, error) {
	now := e.clock.Now()

	// Gate on the safety flags before anything is derived or persisted.
	if allowed, reason := e.safety.AllowSubmit(); !allowed {
		err := e.store.WithTransaction(ctx, func(tx *store.Tx) error {
			_, _, err := e.store.RecordAction(tx, cycleID, actionSubmitSkipped, hashPayload(intent.Symbol, string(intent.Side)), now)
			return err
		})
		return IntentOutcome{Skipped: true, Reason: reason}, err
	}

	rules, ok := e.rules[intent.Symbol]
	if !ok {
		return IntentOutcome{Skipped: true, Reason: core.ReasonLocalValidation},
			fmt.Errorf("no trading rules for symbol %s", intent.Symbol)
	}

	// Quantize first: the cid and idempotency key derive from the quantized
	// values so equal intents collapse to one id across processes.
	qPrice, qQty := order.Quantize(rules, intent.LimitPrice, intent.Qty)
	key := order.IntentKey{
		Symbol: intent.Symbol,
		Side:   intent.Side,
		Price:  qPrice,
		Qty:    qQty,
		Bucket: order.IntentBucket(intent.CreatedAt, e.intentBucketSeconds),
	}
	cid := order.DeriveClientOrderID(key)
	payloadHash := hashPayload(key.Canonical())

	validationErr := order.ValidateQuantized(rules, qPrice, qQty)

	var (
		outcome   IntentOutcome
		shortCirc bool
		actionID  int64
	)

	// Steps 2-5 share one transaction: dedupe, reserve, validate, persist
	// PLANNED before any network call so a crash leaves a reconcilable row.
	err := e.store.WithTransaction(ctx, func(tx *store.Tx) error {
		id, deduped, err := e.store.RecordAction(tx, cycleID, actionSubmit, payloadHash, now)
		if err != nil {
			return err
		}
		actionID = id
		if deduped {
			e.dedupedCounter.Add(ctx, 1,
				metric.WithAttributes(attribute.String("action", actionSubmit)))
			outcome = IntentOutcome{ClientOrderID: cid, Skipped: true, Reason: core.ReasonDuplicateAction}
			shortCirc = true
			return nil
		}

		reg, state, err := e.store.TryRegisterIdempotencyKey(tx, actionSubmit, order.IdempotencyKeyForSubmit(cid), payloadHash)
		if err != nil {
			return err
		}
		switch reg {
		case core.RegisterDuplicateSameHash:
			outcome = IntentOutcome{ClientOrderID: cid, Skipped: true, Reason: "duplicate:" + string(state)}
			shortCirc = true
			return nil
		case core.RegisterConflictDifferentHash:
			outcome = IntentOutcome{ClientOrderID: cid, Reason: core.ReasonIdempotencyConflict}
			shortCirc = true
			return fmt.Errorf("idempotency conflict on %s", cid)
		}

		if validationErr != nil {
			if err := e.store.FinalizeIdempotency(tx, actionSubmit, cid, core.IdemFailed); err != nil {
				return err
			}
			if err := e.store.FinalizeAction(tx, actionID, string(core.IdemFailed)); err != nil {
				return err
			}
			o := e.newOrderRow(cid, intent, qPrice, qQty, now)
			o.Status = core.StatusRejected
			o.ReasonCode = core.ReasonLocalValidation
			if err := e.store.UpsertOrder(tx, o); err != nil {
				return err
			}
			outcome = IntentOutcome{ClientOrderID: cid, Status: core.StatusRejected, Reason: core.ReasonLocalValidation}
			shortCirc = true
			return nil
		}

		return e.store.UpsertOrder(tx, e.newOrderRow(cid, intent, qPrice, qQty, now))
	})
	if err != nil || shortCirc {
		if outcome.Reason == core.ReasonIdempotencyConflict {
			e.logger.Error("Idempotency conflict, failing intent hard",
				"client_order_id", cid, "cycle_id", cycleID)
		}
		return outcome, err
	}

	if e.safety.DryRun() {
		return e.finishSimulated(ctx, cid, actionID)
	}

	// The network call runs outside any transaction, framed by the PLANNED
	// persist above and the finalize below.
	req := core.SubmitRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Price:         qPrice,
		Qty:           qQty,
		ClientOrderID: cid,
	}
	result, submitErr := e.exchange.SubmitLimitOrderSafe(ctx, req)
	if ctx.Err() != nil && result.Outcome != core.SubmitSubmitted {
		// canceled mid-submit: the outcome is unknowable until reconciled
		result = core.SubmitResult{Outcome: core.SubmitUncertain, Reason: core.ReasonUncertainOutcome}
	}

	return e.finishSubmit(ctx, cid, actionID, result, submitErr)
}

func (e *Executor) newOrderRow(cid string, intent core.OrderIntent, price, qty decimal.Decimal, now time.Time) *core.Order {
	return &core.Order{
		ClientOrderID: cid,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Price:         price,
		Qty:           qty,
		FilledQty:     decimal.Zero,
		Status:        core.StatusPlanned,
		Origin:        core.OriginLocal,
		CreatedAt:     now,
		UpdatedAt:     now,
		Meta:          map[string]string{"intent_id": intent.IntentID},
	}
}

// finishSimulated records the dry-run outcome: the order advances locally
// and the idempotency key finalizes as SIMULATED.
func (e *Executor) finishSimulated(ctx context.Context, cid string, actionID int64) (IntentOutcome, error) {
	err := e.store.WithTransaction(ctx, func(tx *store.Tx) error {
		if err := e.advanceOrder(tx, cid, core.StatusAcked, "", nil); err != nil {
			return err
		}
		if err := e.store.FinalizeAction(tx, actionID, string(core.IdemSimulated)); err != nil {
			return err
		}
		return e.store.FinalizeIdempotency(tx, actionSubmit, cid, core.IdemSimulated)
	})
	if err != nil {
		return IntentOutcome{ClientOrderID: cid}, err
	}
	return IntentOutcome{ClientOrderID: cid, Status: core.StatusAcked}, nil
}

// finishSubmit persists the mapped submit result and finalizes idempotency.
func (e *Executor) finishSubmit(ctx context.Context, cid string, actionID int64, result core.SubmitResult, submitErr error) (IntentOutcome, error) {
	var outcome IntentOutcome
	err := e.store.WithTransaction(ctx, func(tx *store.Tx) error {
		outcomeState := core.IdemCommitted
		switch result.Outcome {
		case core.SubmitRejected:
			outcomeState = core.IdemFailed
		case core.SubmitUncertain:
			outcomeState = core.IdemUnknown
		}
		if err := e.store.FinalizeAction(tx, actionID, string(outcomeState)); err != nil {
			return err
		}
		switch result.Outcome {
		case core.SubmitSubmitted:
			target := result.RawStatus
			if !target.IsOpen() && !target.IsTerminal() {
				target = core.StatusAcked
			}
			if err := e.advanceOrder(tx, cid, target, result.ExchangeOrderID, &result.FilledQty); err != nil {
				return err
			}
			if err := e.store.FinalizeIdempotency(tx, actionSubmit, cid, core.IdemCommitted); err != nil {
				return err
			}
			outcome = IntentOutcome{ClientOrderID: cid, Status: target}
			e.submitCounter.Add(ctx, 1)
			return nil

		case core.SubmitRejected:
			reason := result.Reason
			if reason == "" {
				reason = core.ReasonExchangeReject
			}
			if err := e.advanceOrderWithReason(tx, cid, core.StatusRejected, reason); err != nil {
				return err
			}
			if err := e.store.FinalizeIdempotency(tx, actionSubmit, cid, core.IdemFailed); err != nil {
				return err
			}
			outcome = IntentOutcome{ClientOrderID: cid, Status: core.StatusRejected, Reason: reason}
			e.rejectCounter.Add(ctx, 1)
			return nil

		default: // SubmitUncertain
			if err := e.advanceOrderWithReason(tx, cid, core.StatusUnknown, core.ReasonUncertainOutcome); err != nil {
				return err
			}
			if err := e.store.FinalizeIdempotency(tx, actionSubmit, cid, core.IdemUnknown); err != nil {
				return err
			}
			outcome = IntentOutcome{ClientOrderID: cid, Status: core.StatusUnknown, Reason: core.ReasonUncertainOutcome}
			e.unknownCounter.Add(ctx, 1)
			return nil
		}
	})
	if err != nil {
		return IntentOutcome{ClientOrderID: cid}, err
	}

	if submitErr != nil && result.Outcome == core.SubmitRejected {
		e.logger.Warn("Submit rejected by venue", "client_order_id", cid, "error", submitErr.Error())
	}
	return outcome, nil
}

// advanceOrder walks the order through the legal event chain to target,
// updating the exchange id and filled quantity along the way.
func (e *Executor) advanceOrder(tx *store.Tx, cid string, target core.OrderStatus, exchangeOrderID string, filledQty *decimal.Decimal) error {
	o, err := e.store.GetOrderByClientID(tx.Context(), cid)
	if err != nil {
		return err
	}
	if o == nil {
		return fmt.Errorf("order %s vanished before advance", cid)
	}
	if o.Status == target {
		return nil
	}

	chain, err := order.EventsTo(o.Status, target)
	if err != nil {
		return err
	}

	pos := o.Status
	for _, ev := range chain {
		var next core.OrderStatus
		switch ev {
		case order.EventResolveOpen:
			next, err = order.ResolveOpen(pos, target)
		case order.EventResolveClosed:
			next, err = order.ResolveClosed(pos, target)
		default:
			next, err = order.Transition(pos, ev)
		}
		if err != nil {
			return err
		}
		pos = next
	}

	return e.store.UpdateOrderStatus(tx, cid, target, func(row *core.Order) error {
		if exchangeOrderID != "" {
			row.ExchangeOrderID = exchangeOrderID
		}
		if filledQty != nil && filledQty.GreaterThan(row.FilledQty) {
			row.FilledQty = *filledQty
		}
		return nil
	})
}

func (e *Executor) advanceOrderWithReason(tx *store.Tx, cid string, target core.OrderStatus, reason string) error {
	if err := e.advanceOrder(tx, cid, target, "", nil); err != nil {
		return err
	}
	return e.store.UpdateOrderStatus(tx, cid, target, func(row *core.Order) error {
		row.ReasonCode = reason
		return nil
	})
}

// CancelStaleOrders cancels open orders older than the configured TTL.
// Returns the number canceled and the number left uncertain.
func (e *Executor) CancelStaleOrders(ctx context.Context, cycleID string) (canceled, unknown int, err error) {
	if !e.safety.AllowCancel() {
		return 0, 0, nil
	}

	open, err := e.store.FindOpenOrUnknownOrders(ctx)
	if err != nil {
		return 0, 0, err
	}

	now := e.clock.Now()
	for _, o := range open {
		if o.Status == core.StatusUnknown {
			continue // the reconciler owns unknown orders
		}
		if now.Sub(o.CreatedAt) < e.staleOrderTTL {
			continue
		}

		didCancel, isUnknown, cErr := e.CancelOrder(ctx, cycleID, o)
		if cErr != nil {
			e.logger.Error("Stale order cancel failed",
				"client_order_id", o.ClientOrderID, "error", cErr.Error())
			continue
		}
		if didCancel {
			canceled++
		}
		if isUnknown {
			unknown++
		}
	}
	return canceled, unknown, nil
}

// CancelOrder runs the safe-cancel path for one order, with action dedupe
// and hard idempotency like the submit path.
func (e *Executor) CancelOrder(ctx context.Context, cycleID string, o *core.Order) (didCancel, isUnknown bool, err error) {
	now := e.clock.Now()
	idemKey := order.IdempotencyKeyForCancel(o.ClientOrderID)
	payloadHash := hashPayload("cancel", o.ClientOrderID)

	var skip bool
	var actionID int64
	err = e.store.WithTransaction(ctx, func(tx *store.Tx) error {
		id, deduped, err := e.store.RecordAction(tx, cycleID, actionCancel, payloadHash, now)
		if err != nil {
			return err
		}
		actionID = id
		if deduped {
			skip = true
			return nil
		}
		reg, _, err := e.store.TryRegisterIdempotencyKey(tx, actionCancel, idemKey, payloadHash)
		if err != nil {
			return err
		}
		if reg == core.RegisterDuplicateSameHash {
			skip = true
		}
		return nil
	})
	if err != nil || skip {
		return false, false, err
	}

	if e.safety.DryRun() {
		err = e.store.WithTransaction(ctx, func(tx *store.Tx) error {
			if err := e.advanceOrder(tx, o.ClientOrderID, core.StatusCanceled, "", nil); err != nil {
				return err
			}
			if err := e.store.FinalizeAction(tx, actionID, string(core.IdemSimulated)); err != nil {
				return err
			}
			return e.store.FinalizeIdempotency(tx, actionCancel, idemKey, core.IdemSimulated)
		})
		return err == nil, false, err
	}

	result, cancelErr := e.exchange.CancelOrderSafe(ctx, o.ExchangeOrderID, o.ClientOrderID)
	if cancelErr != nil && result.Outcome != core.CancelUncertain {
		// definite failure; leave the order as-is for the reconciler
		finErr := e.store.WithTransaction(ctx, func(tx *store.Tx) error {
			if err := e.store.FinalizeAction(tx, actionID, string(core.IdemFailed)); err != nil {
				return err
			}
			return e.store.FinalizeIdempotency(tx, actionCancel, idemKey, core.IdemFailed)
		})
		if finErr != nil {
			return false, false, finErr
		}
		return false, false, cancelErr
	}

	err = e.store.WithTransaction(ctx, func(tx *store.Tx) error {
		outcomeState := core.IdemCommitted
		if result.Outcome == core.CancelUncertain || result.Outcome == core.CancelNotFound {
			outcomeState = core.IdemUnknown
		}
		if err := e.store.FinalizeAction(tx, actionID, string(outcomeState)); err != nil {
			return err
		}
		switch result.Outcome {
		case core.CancelCanceled, core.CancelAlreadyCanceled:
			if err := e.advanceOrder(tx, o.ClientOrderID, core.StatusCanceled, "", &result.FilledQty); err != nil {
				return err
			}
			didCancel = true
			e.cancelCounter.Add(ctx, 1)
			return e.store.FinalizeIdempotency(tx, actionCancel, idemKey, core.IdemCommitted)

		case core.CancelAlreadyFilled:
			// fill wins over cancel when the quantity completed
			if err := e.advanceOrder(tx, o.ClientOrderID, core.StatusFilled, "", &result.FilledQty); err != nil {
				return err
			}
			e.filledCounter.Add(ctx, 1)
			return e.store.FinalizeIdempotency(tx, actionCancel, idemKey, core.IdemCommitted)

		case core.CancelNotFound:
			if err := e.advanceOrderWithReason(tx, o.ClientOrderID, core.StatusUnknown, "cancel_not_found"); err != nil {
				return err
			}
			isUnknown = true
			return e.store.FinalizeIdempotency(tx, actionCancel, idemKey, core.IdemUnknown)

		default: // CancelUncertain
			if err := e.advanceOrderWithReason(tx, o.ClientOrderID, core.StatusUnknown, core.ReasonUncertainOutcome); err != nil {
				return err
			}
			isUnknown = true
			e.unknownCounter.Add(ctx, 1)
			return e.store.FinalizeIdempotency(tx, actionCancel, idemKey, core.IdemUnknown)
		}
	})
	return didCancel, isUnknown, err
}

func hashPayload(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
