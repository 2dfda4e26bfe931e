// Package core defines the domain types and interfaces shared by the order
// management core.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the canonical order lifecycle status set.
type OrderStatus string

const (
	StatusPlanned         OrderStatus = "PLANNED"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusAcked           OrderStatus = "ACKED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

// IsTerminal reports whether s admits no further transitions.
// UNKNOWN is non-terminal: it must be re-probed by the reconciler.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	}
	return false
}

// IsOpen reports whether s represents a live order on the exchange.
func (s OrderStatus) IsOpen() bool {
	switch s {
	case StatusSubmitted, StatusAcked, StatusPartiallyFilled:
		return true
	}
	return false
}

// SymbolRules holds the venue trading rules for one symbol.
type SymbolRules struct {
	Symbol      string
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
	MinNotional decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
}

// OrderIntent is an approved trading intent. Immutable once created.
type OrderIntent struct {
	IntentID   string
	Symbol     string
	Side       Side
	LimitPrice decimal.Decimal
	Qty        decimal.Decimal
	CreatedAt  time.Time
	Origin     string
}

// Order origin values recorded in Order.Origin.
const (
	OriginLocal    = "local"
	OriginExternal = "external"
)

// Order is the persisted order row. ClientOrderID is the primary key.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Price           decimal.Decimal
	Qty             decimal.Decimal
	FilledQty       decimal.Decimal
	Status          OrderStatus
	Origin          string
	ReasonCode      string
	UnknownAttempts int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastEventSeq    int64
	Meta            map[string]string
}

// Fill is one execution report. FillID is the dedupe key.
type Fill struct {
	FillID          string
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            Side
	Qty             decimal.Decimal
	Price           decimal.Decimal
	Fee             decimal.Decimal
	FeeCurrency     string
	Timestamp       time.Time
	Meta            map[string]string
}

// LedgerEventType enumerates ledger event kinds.
type LedgerEventType string

const (
	LedgerEventFill   LedgerEventType = "FILL"
	LedgerEventFee    LedgerEventType = "FEE"
	LedgerEventAdjust LedgerEventType = "ADJUST"
)

// LedgerEvent is one append-only ledger row. RowID is assigned by the store.
type LedgerEvent struct {
	RowID           int64
	EventID         string
	Timestamp       time.Time
	Symbol          string
	Type            LedgerEventType
	Side            Side
	Qty             decimal.Decimal
	Price           decimal.Decimal
	Fee             decimal.Decimal
	FeeCurrency     string
	ExchangeTradeID string
	ExchangeOrderID string
	ClientOrderID   string
	Meta            map[string]string
}

// Position is derived state, recomputable from the ledger.
type Position struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgCost       decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	FeesPaid      decimal.Decimal
}

// IdempotencyState is the lifecycle of a reserved idempotency key.
type IdempotencyState string

const (
	IdemPending   IdempotencyState = "PENDING"
	IdemCommitted IdempotencyState = "COMMITTED"
	IdemFailed    IdempotencyState = "FAILED"
	IdemUnknown   IdempotencyState = "UNKNOWN"
	IdemSimulated IdempotencyState = "SIMULATED"
)

// RegisterResult is the outcome of reserving an idempotency key.
type RegisterResult int

const (
	RegisterFresh RegisterResult = iota
	RegisterDuplicateSameHash
	RegisterConflictDifferentHash
)

// Reason codes carried on rejections and cycle reports.
const (
	ReasonLocalValidation     = "local_validation"
	ReasonIdempotencyConflict = "idempotency_conflict"
	ReasonKillSwitch          = "kill_switch"
	ReasonSafeMode            = "safe_mode"
	ReasonNotArmed            = "not_armed"
	ReasonExchangeReject      = "exchange_reject"
	ReasonDuplicateAction     = "duplicate_action"
	ReasonUncertainOutcome    = "uncertain_outcome"
)

// CycleReport summarizes one engine cycle. Every cycle returns one; no error
// propagates across the cycle boundary.
type CycleReport struct {
	CycleID   string
	StartedAt time.Time
	Submitted int
	Canceled  int
	Rejected  int
	Unknown   int
	Skipped   int
	Imported  int
	Reasons   []string
}

// Balance is one asset balance snapshot from the venue.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Quote is a best bid/ask snapshot.
type Quote struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}
