// Package mockx implements an in-memory venue used by tests and by dry-run
// execution. Submits are idempotent by client order id, mirroring the live
// venue's behavior.
package mockx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"execution_bot/internal/core"

	"github.com/shopspring/decimal"
)

// MockExchange implements core.Exchange for testing and dry-run.
type MockExchange struct {
	name           string
	mu             sync.RWMutex
	orders         map[string]*core.ExchangeOrder // by exchange order id
	clientOrderMap map[string]string              // client id -> exchange id
	orderIDCounter int64
	rules          map[string]core.SymbolRules
	balances       []core.Balance
	fills          []core.Fill
	quotes         map[string]core.Quote

	// Failure injection
	submitErr       error
	submitErrOnce   bool
	cancelErr       error
	hideFromOpenSet map[string]bool // exchange ids excluded from GetOpenOrders
}

// NewMockExchange creates a mock venue.
func NewMockExchange(name string) *MockExchange {
	return &MockExchange{
		name:            name,
		orders:          make(map[string]*core.ExchangeOrder),
		clientOrderMap:  make(map[string]string),
		orderIDCounter:  1000,
		rules:           make(map[string]core.SymbolRules),
		quotes:          make(map[string]core.Quote),
		hideFromOpenSet: make(map[string]bool),
	}
}

// SetSymbolRules installs trading rules for a symbol.
func (m *MockExchange) SetSymbolRules(r core.SymbolRules) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.Symbol] = r
}

// SetBalances installs the balance snapshot.
func (m *MockExchange) SetBalances(balances []core.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = balances
}

// SetQuote installs a best bid/ask snapshot.
func (m *MockExchange) SetQuote(q core.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.Symbol] = q
}

// AddFill appends a fill to the recent-fills feed.
func (m *MockExchange) AddFill(f core.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills = append(m.fills, f)
}

// FailNextSubmit makes the next submit return err, then recover.
func (m *MockExchange) FailNextSubmit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
	m.submitErrOnce = true
}

// FailSubmits makes every submit return err until cleared.
func (m *MockExchange) FailSubmits(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
	m.submitErrOnce = false
}

// FailCancels makes every cancel return err until cleared.
func (m *MockExchange) FailCancels(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelErr = err
}

// HideFromOpenOrders removes an order from the open set without changing its
// stored status; simulates lag between ack and open-order visibility.
func (m *MockExchange) HideFromOpenOrders(exchangeOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hideFromOpenSet[exchangeOrderID] = true
}

// SetOrderStatus force-sets an order's venue-side status.
func (m *MockExchange) SetOrderStatus(exchangeOrderID string, status core.OrderStatus, filledQty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[exchangeOrderID]; ok {
		o.Status = status
		o.FilledQty = filledQty
		o.UpdatedAt = time.Now().UTC()
	}
}

// InjectOrder places an order directly into the venue book, bypassing
// submit; used to simulate externally created orders.
func (m *MockExchange) InjectOrder(o core.ExchangeOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := o
	m.orders[o.ExchangeOrderID] = &cp
	if o.ClientOrderID != "" {
		m.clientOrderMap[o.ClientOrderID] = o.ExchangeOrderID
	}
}

// Orders returns a copy of every stored order, for test assertions.
func (m *MockExchange) Orders() []core.ExchangeOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.ExchangeOrder, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out
}

func (m *MockExchange) GetName() string { return m.name }

func (m *MockExchange) GetExchangeInfo(ctx context.Context) (map[string]core.SymbolRules, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]core.SymbolRules, len(m.rules))
	for k, v := range m.rules {
		out[k] = v
	}
	return out, nil
}

func (m *MockExchange) GetOrderBook(ctx context.Context, symbol string) (*core.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("no quote for %s", symbol)
	}
	return &q, nil
}

func (m *MockExchange) GetBalances(ctx context.Context) ([]core.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.Balance(nil), m.balances...), nil
}

func (m *MockExchange) GetOpenOrders(ctx context.Context, symbol string) ([]core.ExchangeOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.ExchangeOrder
	for id, o := range m.orders {
		if o.Symbol != symbol || m.hideFromOpenSet[id] {
			continue
		}
		if o.Status == core.StatusAcked || o.Status == core.StatusPartiallyFilled {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *MockExchange) GetAllOrders(ctx context.Context, symbol string, start, end time.Time) ([]core.ExchangeOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.ExchangeOrder
	for _, o := range m.orders {
		if o.Symbol != symbol {
			continue
		}
		if o.CreatedAt.Before(start) || o.CreatedAt.After(end) {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (m *MockExchange) GetOrderByID(ctx context.Context, exchangeOrderID string) (*core.ExchangeOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[exchangeOrderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *MockExchange) GetRecentFills(ctx context.Context, symbol string, since time.Time) ([]core.Fill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Fill
	for _, f := range m.fills {
		if symbol != "" && f.Symbol != symbol {
			continue
		}
		if !since.IsZero() && f.Timestamp.Before(since) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// SubmitLimitOrderSafe records the order. Duplicate client order ids return
// the existing order instead of creating a second one.
func (m *MockExchange) SubmitLimitOrderSafe(ctx context.Context, req core.SubmitRequest) (core.SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.submitErr != nil {
		err := m.submitErr
		if m.submitErrOnce {
			m.submitErr = nil
		}
		return core.SubmitResult{Outcome: core.SubmitUncertain, Reason: core.ReasonUncertainOutcome}, err
	}

	if existingID, exists := m.clientOrderMap[req.ClientOrderID]; exists {
		if existing, ok := m.orders[existingID]; ok {
			return core.SubmitResult{
				Outcome:         core.SubmitSubmitted,
				ExchangeOrderID: existing.ExchangeOrderID,
				RawStatus:       existing.Status,
				FilledQty:       existing.FilledQty,
			}, nil
		}
	}

	m.orderIDCounter++
	id := fmt.Sprintf("M%d", m.orderIDCounter)

	order := &core.ExchangeOrder{
		ExchangeOrderID: id,
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Price:           req.Price,
		Qty:             req.Qty,
		FilledQty:       decimal.Zero,
		Status:          core.StatusAcked,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}

	m.orders[id] = order
	if req.ClientOrderID != "" {
		m.clientOrderMap[req.ClientOrderID] = id
	}

	return core.SubmitResult{
		Outcome:         core.SubmitSubmitted,
		ExchangeOrderID: id,
		RawStatus:       core.StatusAcked,
	}, nil
}

// CancelOrderSafe cancels an order; already-closed orders classify
// idempotently like the live adapter.
func (m *MockExchange) CancelOrderSafe(ctx context.Context, exchangeOrderID, clientOrderID string) (core.CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelErr != nil {
		return core.CancelResult{Outcome: core.CancelUncertain}, m.cancelErr
	}

	if exchangeOrderID == "" && clientOrderID != "" {
		exchangeOrderID = m.clientOrderMap[clientOrderID]
	}

	o, ok := m.orders[exchangeOrderID]
	if !ok {
		return core.CancelResult{Outcome: core.CancelNotFound}, nil
	}

	switch o.Status {
	case core.StatusFilled:
		return core.CancelResult{Outcome: core.CancelAlreadyFilled, FilledQty: o.FilledQty}, nil
	case core.StatusCanceled, core.StatusRejected:
		return core.CancelResult{Outcome: core.CancelAlreadyCanceled, FilledQty: o.FilledQty}, nil
	}

	o.Status = core.StatusCanceled
	o.UpdatedAt = time.Now().UTC()
	return core.CancelResult{Outcome: core.CancelCanceled, FilledQty: o.FilledQty}, nil
}
