package btcturk

import (
	"context"
	"errors"
	"time"

	"execution_bot/internal/core"
	"execution_bot/pkg/apperrors"
)

// SubmitLimitOrderSafe submits with retry and resolves uncertain outcomes by
// probing for the client order id. The probe runs whenever retries exhausted
// on an error class that may have reached the exchange; only a definite
// rejection skips it.
func (c *Client) SubmitLimitOrderSafe(ctx context.Context, req core.SubmitRequest) (core.SubmitResult, error) {
	order, err := c.submit(ctx, req)
	if err == nil {
		return core.SubmitResult{
			Outcome:         core.SubmitSubmitted,
			ExchangeOrderID: order.ExchangeOrderID,
			RawStatus:       order.Status,
			FilledQty:       order.FilledQty,
		}, nil
	}

	if !apperrors.IsUncertain(err) {
		// Definite rejection: auth, malformed, or the exchange said no.
		reason := core.ReasonExchangeReject
		if apperrors.KindOf(err) == apperrors.KindAuth {
			reason = "auth_failed"
		}
		return core.SubmitResult{Outcome: core.SubmitRejected, Reason: reason}, err
	}

	c.logger.Warn("Submit outcome uncertain, probing for order",
		"client_order_id", req.ClientOrderID,
		"symbol", req.Symbol,
		"error", err.Error())

	if found, probeErr := c.probeByClientID(ctx, req.Symbol, req.ClientOrderID); probeErr == nil && found != nil {
		return core.SubmitResult{
			Outcome:         core.SubmitSubmitted,
			ExchangeOrderID: found.ExchangeOrderID,
			RawStatus:       found.Status,
			FilledQty:       found.FilledQty,
		}, nil
	}

	return core.SubmitResult{Outcome: core.SubmitUncertain, Reason: core.ReasonUncertainOutcome}, nil
}

// probeByClientID searches the open set first, then the historical window.
func (c *Client) probeByClientID(ctx context.Context, symbol, clientOrderID string) (*core.ExchangeOrder, error) {
	open, err := c.GetOpenOrders(ctx, symbol)
	if err == nil {
		for i := range open {
			if open[i].ClientOrderID == clientOrderID {
				return &open[i], nil
			}
		}
	}

	now := time.Now().UTC()
	all, err := c.GetAllOrders(ctx, symbol, now.Add(-c.probeWindow), now)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ClientOrderID == clientOrderID {
			return &all[i], nil
		}
	}
	return nil, nil
}

// CancelOrderSafe cancels an order, treating not-found/conflict/already
// closed responses as idempotent success classified by a follow-up probe.
func (c *Client) CancelOrderSafe(ctx context.Context, exchangeOrderID, clientOrderID string) (core.CancelResult, error) {
	err := c.cancel(ctx, exchangeOrderID, clientOrderID)
	if err == nil {
		return core.CancelResult{Outcome: core.CancelCanceled}, nil
	}

	if isAlreadyClosed(err) {
		return c.classifyClosedOrder(ctx, exchangeOrderID)
	}

	if apperrors.IsUncertain(err) {
		c.logger.Warn("Cancel outcome uncertain",
			"exchange_order_id", exchangeOrderID,
			"error", err.Error())
		return core.CancelResult{Outcome: core.CancelUncertain}, nil
	}

	return core.CancelResult{}, err
}

// isAlreadyClosed matches the idempotent-cancel responses: HTTP 404/409 and
// the venue's known already-closed exchange codes.
func isAlreadyClosed(err error) bool {
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		return true
	}
	var exErr *apperrors.ExchangeError
	if errors.As(err, &exErr) {
		return alreadyClosedCodes[exErr.Code]
	}
	return false
}

// classifyClosedOrder probes the order to decide whether a failed cancel
// means it was already canceled or already filled.
func (c *Client) classifyClosedOrder(ctx context.Context, exchangeOrderID string) (core.CancelResult, error) {
	if exchangeOrderID == "" {
		return core.CancelResult{Outcome: core.CancelNotFound}, nil
	}

	order, err := c.GetOrderByID(ctx, exchangeOrderID)
	if err != nil {
		if apperrors.IsUncertain(err) {
			return core.CancelResult{Outcome: core.CancelUncertain}, nil
		}
		return core.CancelResult{}, err
	}
	if order == nil {
		return core.CancelResult{Outcome: core.CancelNotFound}, nil
	}

	switch order.Status {
	case core.StatusFilled:
		return core.CancelResult{Outcome: core.CancelAlreadyFilled, FilledQty: order.FilledQty}, nil
	case core.StatusCanceled, core.StatusRejected:
		return core.CancelResult{Outcome: core.CancelAlreadyCanceled, FilledQty: order.FilledQty}, nil
	default:
		// the order is somehow still open; report the outcome as uncertain
		// so the reconciler re-examines it
		return core.CancelResult{Outcome: core.CancelUncertain, FilledQty: order.FilledQty}, nil
	}
}
