package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Logger defines the interface for logging.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

// SubmitRequest is a limit order submission. ClientOrderID is required and is
// passed to the venue on every submit.
type SubmitRequest struct {
	Symbol        string
	Side          Side
	Price         decimal.Decimal
	Qty           decimal.Decimal
	ClientOrderID string
}

// SubmitOutcome tags the result of a safe submit.
type SubmitOutcome int

const (
	SubmitSubmitted SubmitOutcome = iota
	SubmitRejected
	SubmitUncertain
)

// SubmitResult is the tagged result of SubmitLimitOrderSafe.
type SubmitResult struct {
	Outcome         SubmitOutcome
	ExchangeOrderID string
	RawStatus       OrderStatus
	FilledQty       decimal.Decimal
	Reason          string
}

// CancelOutcome tags the result of a safe cancel.
type CancelOutcome int

const (
	CancelCanceled CancelOutcome = iota
	CancelAlreadyCanceled
	CancelAlreadyFilled
	CancelNotFound
	CancelUncertain
)

// CancelResult is the tagged result of CancelOrderSafe.
type CancelResult struct {
	Outcome   CancelOutcome
	FilledQty decimal.Decimal
}

// ExchangeOrder is an order as reported by the venue.
type ExchangeOrder struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            Side
	Price           decimal.Decimal
	Qty             decimal.Decimal
	FilledQty       decimal.Decimal
	Status          OrderStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Exchange is the venue adapter contract the core consumes. All operations
// acquire the adapter's token bucket before any outbound call.
type Exchange interface {
	GetName() string
	GetExchangeInfo(ctx context.Context) (map[string]SymbolRules, error)
	GetOrderBook(ctx context.Context, symbol string) (*Quote, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]ExchangeOrder, error)
	GetAllOrders(ctx context.Context, symbol string, start, end time.Time) ([]ExchangeOrder, error)
	GetOrderByID(ctx context.Context, exchangeOrderID string) (*ExchangeOrder, error)
	GetRecentFills(ctx context.Context, symbol string, since time.Time) ([]Fill, error)
	SubmitLimitOrderSafe(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	CancelOrderSafe(ctx context.Context, exchangeOrderID, clientOrderID string) (CancelResult, error)
}

// FillStream delivers executions pushed by the venue. Fills from the stream
// and from REST polling are merged by FillID.
type FillStream interface {
	Start(ctx context.Context, callback func(fill Fill)) error
	Stop() error
}

// TxScope is a transaction handle passed to store mutators.
type TxScope interface {
	Context() context.Context
}

// OrderRepository is the order persistence capability.
type OrderRepository interface {
	UpsertOrder(tx TxScope, o *Order) error
	UpdateOrderStatus(tx TxScope, clientOrderID string, next OrderStatus, guard func(*Order) error) error
	FindOpenOrUnknownOrders(ctx context.Context) ([]*Order, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error)
	GetOrderByExchangeID(ctx context.Context, exchangeOrderID string) (*Order, error)
}

// FillRepository is the fill persistence capability.
type FillRepository interface {
	InsertFillIfAbsent(tx TxScope, f *Fill) (inserted bool, err error)
}

// ActionRepository is the coarse action-dedupe capability.
type ActionRepository interface {
	RecordAction(tx TxScope, cycleID, actionType, payloadHash string, now time.Time) (actionID int64, deduped bool, err error)
	FinalizeAction(tx TxScope, actionID int64, outcome string) error
}

// IdempotencyRepository is the hard per-key idempotency capability.
type IdempotencyRepository interface {
	TryRegisterIdempotencyKey(tx TxScope, actionType, key, payloadHash string) (RegisterResult, IdempotencyState, error)
	FinalizeIdempotency(tx TxScope, actionType, key string, outcome IdempotencyState) error
	PruneStalePending(tx TxScope, olderThan time.Time) (int64, error)
}

// LedgerRepository is the append-only event log capability.
type LedgerRepository interface {
	AppendLedgerEvents(tx TxScope, batch []LedgerEvent) error
	FetchEventsAfter(ctx context.Context, rowID int64) ([]LedgerEvent, error)
	ReadCheckpoint(ctx context.Context, scope string) (*LedgerCheckpoint, error)
	WriteCheckpoint(tx TxScope, cp *LedgerCheckpoint) error
}

// LedgerCheckpoint is the durable reducer cursor plus serialized snapshot.
type LedgerCheckpoint struct {
	Scope           string
	LastRowID       int64
	SnapshotBlob    []byte
	SnapshotVersion int
	UpdatedAt       time.Time
}

// MetaRepository stores small key/value metadata such as the cycle counter
// and the schema version.
type MetaRepository interface {
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(tx TxScope, key, value string) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
