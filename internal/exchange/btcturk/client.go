// Package btcturk implements the venue adapter: typed REST operations with
// retry classification, token-bucket rate limiting, signed auth, and the
// safe idempotent submit/cancel wrappers the execution engine consumes.
package btcturk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"execution_bot/internal/config"
	"execution_bot/internal/core"
	"execution_bot/pkg/apperrors"
	"execution_bot/pkg/httpclient"
	"execution_bot/pkg/retry"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	pathExchangeInfo = "/api/v2/server/exchangeinfo"
	pathServerTime   = "/api/v2/server/time"
	pathOrderbook    = "/api/v2/orderbook"
	pathBalances     = "/api/v1/users/balances"
	pathOpenOrders   = "/api/v1/openOrders"
	pathAllOrders    = "/api/v1/allOrders"
	pathOrder        = "/api/v1/order"
	pathUserTrades   = "/api/v1/users/transactions/trade"
)

// Exchange error codes the venue documents as transient.
var transientExchangeCodes = map[int]bool{
	1001: true, // engine busy
	1051: true, // temporary matching halt
}

// Exchange error codes meaning the order is already closed; safe-cancel
// treats them as idempotent success pending a probe.
var alreadyClosedCodes = map[int]bool{
	1102: true, // order not open
	1103: true, // order already canceled
}

// Client is the venue REST adapter.
type Client struct {
	name        string
	http        *httpclient.Client
	limiter     *rate.Limiter
	clock       *ClockSync
	retryPolicy retry.Policy
	probeWindow time.Duration
	logger      core.Logger
}

// NewClient builds the adapter from config. The signer is omitted when no
// credentials are configured (public-data/dry-run usage).
func NewClient(cfg *config.Config, logger core.Logger) (*Client, error) {
	clock := NewClockSync(cfg.Exchange.ClockSyncMaxAbsOffsetMS)

	var signer httpclient.Signer
	if cfg.Exchange.APIKey != "" {
		s, err := NewSigner(cfg.Exchange.APIKey, cfg.Exchange.SecretKey, clock)
		if err != nil {
			return nil, err
		}
		signer = s
	}

	timeout := time.Duration(cfg.Exchange.ReadTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		name:    "btcturk",
		http:    httpclient.NewClient(cfg.Exchange.BaseURL, timeout, signer),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst),
		clock:   clock,
		retryPolicy: retry.Policy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			BaseDelay:    time.Duration(cfg.Retry.BaseMS) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Retry.MaxMS) * time.Millisecond,
			MaxTotalWait: time.Duration(cfg.Retry.TotalCapMS) * time.Millisecond,
		},
		probeWindow: time.Duration(cfg.Reconcile.WindowSeconds) * time.Second,
		logger:      logger.WithField("component", "exchange_adapter"),
	}, nil
}

func (c *Client) GetName() string { return c.name }

// Clock exposes the adapter's clock sync service.
func (c *Client) Clock() *ClockSync { return c.clock }

// classify maps transport and API failures onto the adapter error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return &apperrors.RateLimitError{RetryAfterSec: apiErr.RetryAfterSec}
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: status %d", apperrors.ErrServer, apiErr.StatusCode)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return fmt.Errorf("%w: status %d", apperrors.ErrAuthenticationFailed, apiErr.StatusCode)
		case apiErr.StatusCode == 404 || apiErr.StatusCode == 409:
			return fmt.Errorf("%w: status %d", apperrors.ErrOrderNotFound, apiErr.StatusCode)
		default:
			if exErr := parseExchangeError(apiErr.Body); exErr != nil {
				return exErr
			}
			return fmt.Errorf("%w: status %d", apperrors.ErrClient, apiErr.StatusCode)
		}
	}

	// Anything that never produced an HTTP status is a transport failure.
	return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
}

// parseExchangeError extracts a success=false payload, nil if unparseable.
func parseExchangeError(body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Success {
		return nil
	}
	msg := ""
	if env.Message != nil {
		msg = *env.Message
	}
	if transientExchangeCodes[env.Code] {
		return fmt.Errorf("%w: transient exchange code %d: %s", apperrors.ErrServer, env.Code, msg)
	}
	return &apperrors.ExchangeError{Code: env.Code, Message: msg}
}

// retryAfterHint extracts a server-provided delay from a rate-limit error.
func retryAfterHint(err error) time.Duration {
	var rl *apperrors.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfterSec > 0 {
		return time.Duration(rl.RetryAfterSec) * time.Second
	}
	return 0
}

// call runs one REST operation behind the token bucket and retry policy.
// The limiter acquire is the only suspension point besides I/O and backoff
// sleeps. A signature/stamp rejection triggers one clock resync followed by
// a single replay; a second auth failure is final.
func (c *Client) call(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	body, err := c.callOnce(ctx, fn)
	if err != nil && apperrors.KindOf(err) == apperrors.KindAuth {
		c.logger.Warn("Auth rejected, resyncing clock and retrying once", "error", err.Error())
		if syncErr := c.syncClockDirect(ctx); syncErr != nil {
			return nil, err
		}
		return c.callOnce(ctx, fn)
	}
	return body, err
}

func (c *Client) callOnce(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, c.retryPolicy, apperrors.IsRetryable, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limit wait: %v", apperrors.ErrNetwork, err)
		}
		raw, err := fn()
		if err != nil {
			return classify(err)
		}
		body = raw
		return nil
	}, retry.WithRetryAfter(retryAfterHint))
	if err != nil {
		return nil, err
	}
	return body, nil
}

// decodeData unwraps the response envelope into out.
func decodeData(body []byte, out interface{}) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrMalformed, err)
	}
	if !env.Success {
		msg := ""
		if env.Message != nil {
			msg = *env.Message
		}
		if transientExchangeCodes[env.Code] {
			return fmt.Errorf("%w: transient exchange code %d: %s", apperrors.ErrServer, env.Code, msg)
		}
		return &apperrors.ExchangeError{Code: env.Code, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrMalformed, err)
	}
	return nil
}

// SyncClock refreshes the offset against venue server time.
func (c *Client) SyncClock(ctx context.Context) error {
	return c.syncClockDirect(ctx)
}

// syncClockDirect bypasses the auth-recovery wrapper so a resync triggered
// by an auth failure cannot recurse.
func (c *Client) syncClockDirect(ctx context.Context) error {
	body, err := c.callOnce(ctx, func() ([]byte, error) {
		return c.http.Get(ctx, pathServerTime, nil)
	})
	if err != nil {
		return err
	}

	var st wireServerTime
	if err := json.Unmarshal(body, &st); err != nil || st.ServerTime == 0 {
		// some deployments wrap server time in the standard envelope
		if err := decodeData(body, &st); err != nil {
			return err
		}
	}
	c.clock.Update(st.ServerTime)
	c.logger.Debug("Clock synced", "offset_ms", c.clock.OffsetMS())
	return nil
}

// GetExchangeInfo fetches the symbol rules for every trading pair.
func (c *Client) GetExchangeInfo(ctx context.Context) (map[string]core.SymbolRules, error) {
	body, err := c.call(ctx, func() ([]byte, error) {
		return c.http.Get(ctx, pathExchangeInfo, nil)
	})
	if err != nil {
		return nil, err
	}

	var info wireExchangeInfo
	if err := decodeData(body, &info); err != nil {
		return nil, err
	}

	rules := make(map[string]core.SymbolRules, len(info.Symbols))
	for _, sym := range info.Symbols {
		r := core.SymbolRules{
			Symbol:    sym.Name,
			PriceTick: scaleToStep(sym.DenominatorScale),
			QtyStep:   scaleToStep(sym.NumeratorScale),
		}
		for _, f := range sym.Filters {
			if f.FilterType != "PRICE_FILTER" {
				continue
			}
			r.MinNotional = parseDecimal(f.MinExchangeValue)
			r.MinQty = parseDecimal(f.MinAmount)
			r.MaxQty = parseDecimal(f.MaxAmount)
		}
		rules[sym.Name] = r
	}
	return rules, nil
}

// GetOrderBook fetches the best bid/ask for a symbol.
func (c *Client) GetOrderBook(ctx context.Context, symbol string) (*core.Quote, error) {
	body, err := c.call(ctx, func() ([]byte, error) {
		return c.http.Get(ctx, pathOrderbook, map[string]string{"pairSymbol": symbol, "limit": "1"})
	})
	if err != nil {
		return nil, err
	}

	var ob wireOrderbook
	if err := decodeData(body, &ob); err != nil {
		return nil, err
	}

	q := &core.Quote{
		Symbol:    symbol,
		Timestamp: time.UnixMilli(int64(ob.Timestamp)).UTC(),
	}
	if len(ob.Bids) > 0 && len(ob.Bids[0]) > 0 {
		q.Bid = parseDecimal(ob.Bids[0][0])
	}
	if len(ob.Asks) > 0 && len(ob.Asks[0]) > 0 {
		q.Ask = parseDecimal(ob.Asks[0][0])
	}
	return q, nil
}

// GetBalances fetches the account balances.
func (c *Client) GetBalances(ctx context.Context) ([]core.Balance, error) {
	body, err := c.call(ctx, func() ([]byte, error) {
		return c.http.Get(ctx, pathBalances, nil)
	})
	if err != nil {
		return nil, err
	}

	var raw []wireBalance
	if err := decodeData(body, &raw); err != nil {
		return nil, err
	}

	balances := make([]core.Balance, 0, len(raw))
	for _, b := range raw {
		balances = append(balances, core.Balance{
			Asset:  b.Asset,
			Free:   parseDecimal(b.Free),
			Locked: parseDecimal(b.Locked),
		})
	}
	return balances, nil
}

// GetOpenOrders fetches the open orders for a symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]core.ExchangeOrder, error) {
	body, err := c.call(ctx, func() ([]byte, error) {
		return c.http.Get(ctx, pathOpenOrders, map[string]string{"pairSymbol": symbol})
	})
	if err != nil {
		return nil, err
	}

	var open wireOpenOrders
	if err := decodeData(body, &open); err != nil {
		return nil, err
	}

	orders := make([]core.ExchangeOrder, 0, len(open.Asks)+len(open.Bids))
	for _, w := range open.Asks {
		orders = append(orders, toExchangeOrder(w))
	}
	for _, w := range open.Bids {
		orders = append(orders, toExchangeOrder(w))
	}
	return orders, nil
}

// GetAllOrders fetches the historical orders for a symbol within a window.
func (c *Client) GetAllOrders(ctx context.Context, symbol string, start, end time.Time) ([]core.ExchangeOrder, error) {
	body, err := c.call(ctx, func() ([]byte, error) {
		return c.http.Get(ctx, pathAllOrders, map[string]string{
			"pairSymbol": symbol,
			"startTime":  fmt.Sprintf("%d", start.UnixMilli()),
			"endTime":    fmt.Sprintf("%d", end.UnixMilli()),
		})
	})
	if err != nil {
		return nil, err
	}

	var raw []wireOrder
	if err := decodeData(body, &raw); err != nil {
		return nil, err
	}

	orders := make([]core.ExchangeOrder, 0, len(raw))
	for _, w := range raw {
		orders = append(orders, toExchangeOrder(w))
	}
	return orders, nil
}

// GetOrderByID fetches a single order. Returns nil when the venue reports it
// as not found.
func (c *Client) GetOrderByID(ctx context.Context, exchangeOrderID string) (*core.ExchangeOrder, error) {
	body, err := c.call(ctx, func() ([]byte, error) {
		return c.http.Get(ctx, pathOrder+"/"+exchangeOrderID, nil)
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var w wireOrder
	if err := decodeData(body, &w); err != nil {
		return nil, err
	}
	order := toExchangeOrder(w)
	return &order, nil
}

// GetRecentFills fetches trade transactions since a timestamp.
func (c *Client) GetRecentFills(ctx context.Context, symbol string, since time.Time) ([]core.Fill, error) {
	params := map[string]string{}
	if !since.IsZero() {
		params["startTime"] = fmt.Sprintf("%d", since.UnixMilli())
	}

	body, err := c.call(ctx, func() ([]byte, error) {
		return c.http.Get(ctx, pathUserTrades, params)
	})
	if err != nil {
		return nil, err
	}

	var raw []wireTrade
	if err := decodeData(body, &raw); err != nil {
		return nil, err
	}

	fills := make([]core.Fill, 0, len(raw))
	for _, t := range raw {
		sym := t.Numerator + t.Denominator
		if symbol != "" && sym != symbol {
			continue
		}
		fills = append(fills, core.Fill{
			FillID:          t.ID.String(),
			ExchangeOrderID: t.OrderID.String(),
			Symbol:          sym,
			Side:            mapOrderSide(t.OrderType),
			Qty:             parseDecimal(t.Amount).Abs(),
			Price:           parseDecimal(t.Price),
			Fee:             parseDecimal(t.Fee).Abs().Add(parseDecimal(t.Tax).Abs()),
			FeeCurrency:     t.Denominator,
			Timestamp:       time.UnixMilli(t.Timestamp).UTC(),
		})
	}
	return fills, nil
}

// submit posts the order without the safe wrapper; used by SubmitLimitOrderSafe.
func (c *Client) submit(ctx context.Context, req core.SubmitRequest) (*core.ExchangeOrder, error) {
	body, err := c.call(ctx, func() ([]byte, error) {
		return c.http.Post(ctx, pathOrder, wireSubmitRequest{
			PairSymbol:       req.Symbol,
			Price:            req.Price.String(),
			Quantity:         req.Qty.String(),
			OrderMethod:      "limit",
			OrderType:        sideToOrderType(req.Side),
			NewOrderClientID: req.ClientOrderID,
		})
	})
	if err != nil {
		return nil, err
	}

	var w wireOrder
	if err := decodeData(body, &w); err != nil {
		return nil, err
	}
	order := toExchangeOrder(w)
	if order.ClientOrderID == "" {
		order.ClientOrderID = req.ClientOrderID
	}
	if order.Status == core.StatusUnknown {
		// a successful submit with no status field means resting, untouched
		order.Status = core.StatusAcked
	}
	return &order, nil
}

// cancel deletes the order by exchange id, falling back to client id. The
// venue serves both DELETE /api/v1/order?id= and /api/v1/order/{id}; the
// query form is sent and either response shape is tolerated.
func (c *Client) cancel(ctx context.Context, exchangeOrderID, clientOrderID string) error {
	params := map[string]string{}
	if exchangeOrderID != "" {
		params["id"] = exchangeOrderID
	} else {
		params["clientOrderId"] = clientOrderID
	}

	body, err := c.call(ctx, func() ([]byte, error) {
		return c.http.Delete(ctx, pathOrder, params)
	})
	if err != nil {
		return err
	}
	// some gateway versions return a bare success body with no data
	if len(body) == 0 {
		return nil
	}
	return decodeData(body, nil)
}

func toExchangeOrder(w wireOrder) core.ExchangeOrder {
	qty := parseDecimal(w.Amount)
	if qty.IsZero() {
		qty = parseDecimal(w.Quantity)
	}
	left := parseDecimal(w.LeftAmount)
	filled := qty.Sub(left)
	if filled.IsNegative() {
		filled = decimal.Zero
	}

	return core.ExchangeOrder{
		ExchangeOrderID: w.ID.String(),
		ClientOrderID:   w.OrderClientID,
		Symbol:          w.PairSymbol,
		Side:            mapOrderSide(w.OrderType),
		Price:           parseDecimal(w.Price),
		Qty:             qty,
		FilledQty:       filled,
		Status:          mapOrderStatus(w.Status, left.IsZero() && qty.IsPositive()),
		CreatedAt:       time.UnixMilli(w.Time).UTC(),
		UpdatedAt:       time.UnixMilli(w.UpdateTime).UTC(),
	}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// scaleToStep converts a decimal-place scale into a step size (2 -> 0.01).
func scaleToStep(scale int32) decimal.Decimal {
	return decimal.New(1, -scale)
}
