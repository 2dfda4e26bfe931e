package btcturk

import (
	"encoding/json"

	"execution_bot/internal/core"
)

// envelope is the venue's standard response wrapper.
type envelope struct {
	Data    json.RawMessage `json:"data"`
	Success bool            `json:"success"`
	Message *string         `json:"message"`
	Code    int             `json:"code"`
}

// wireSymbol is one entry of /api/v2/server/exchangeinfo.
type wireSymbol struct {
	Name             string       `json:"name"`
	NameNormalized   string       `json:"nameNormalized"`
	NumeratorScale   int32        `json:"numeratorScale"`
	DenominatorScale int32        `json:"denominatorScale"`
	Status           string       `json:"status"`
	Filters          []wireFilter `json:"filters"`
}

type wireFilter struct {
	FilterType       string `json:"filterType"`
	MinPrice         string `json:"minPrice"`
	MaxPrice         string `json:"maxPrice"`
	MinAmount        string `json:"minAmount"`
	MaxAmount        string `json:"maxAmount"`
	MinExchangeValue string `json:"minExchangeValue"`
}

type wireExchangeInfo struct {
	Symbols []wireSymbol `json:"symbols"`
}

// wireID is an identifier the venue may send as a JSON string or number.
type wireID string

func (id *wireID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = wireID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = wireID(n)
	return nil
}

func (id wireID) String() string { return string(id) }

// wireOrder is an order as returned by openOrders, allOrders and order/{id}.
type wireOrder struct {
	ID            wireID      `json:"id"`
	Price         string      `json:"price"`
	Amount        string      `json:"amount"`
	Quantity      string      `json:"quantity"`
	LeftAmount    string      `json:"leftAmount"`
	PairSymbol    string      `json:"pairSymbol"`
	OrderType     string      `json:"orderType"`
	OrderMethod   string      `json:"orderMethod"`
	OrderClientID string      `json:"orderClientId"`
	Status        string      `json:"status"`
	Time          int64       `json:"time"`
	UpdateTime    int64       `json:"updateTime"`
}

// wireOpenOrders mirrors the venue's split open-order book.
type wireOpenOrders struct {
	Asks []wireOrder `json:"asks"`
	Bids []wireOrder `json:"bids"`
}

// wireSubmitRequest is the POST /api/v1/order body.
type wireSubmitRequest struct {
	PairSymbol       string `json:"pairSymbol"`
	Price            string `json:"price"`
	Quantity         string `json:"quantity"`
	OrderMethod      string `json:"orderMethod"`
	OrderType        string `json:"orderType"`
	NewOrderClientID string `json:"newOrderClientId"`
}

// wireBalance is one entry of /api/v1/users/balances.
type wireBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// wireTrade is one entry of /api/v1/users/transactions/trade.
type wireTrade struct {
	ID          json.Number `json:"id"`
	OrderID     json.Number `json:"orderId"`
	Price       string      `json:"price"`
	Amount      string      `json:"amount"`
	Fee         string      `json:"fee"`
	Tax         string      `json:"tax"`
	OrderType   string      `json:"orderType"`
	Numerator   string      `json:"numeratorSymbol"`
	Denominator string      `json:"denominatorSymbol"`
	Timestamp   int64       `json:"timestamp"`
}

// wireOrderbook is the /api/v2/orderbook payload.
type wireOrderbook struct {
	Timestamp float64    `json:"timestamp"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
}

// wireServerTime is the /api/v2/server/time payload.
type wireServerTime struct {
	ServerTime int64 `json:"serverTime"`
}

// mapOrderStatus translates the venue's raw order status.
func mapOrderStatus(raw string, filled bool) core.OrderStatus {
	switch raw {
	case "Untouched":
		return core.StatusAcked
	case "Partial":
		return core.StatusPartiallyFilled
	case "Filled", "Closed":
		return core.StatusFilled
	case "Canceled", "Cancelled":
		return core.StatusCanceled
	case "Rejected":
		return core.StatusRejected
	default:
		if filled {
			return core.StatusFilled
		}
		return core.StatusUnknown
	}
}

// mapOrderSide translates the venue's buy/sell strings.
func mapOrderSide(raw string) core.Side {
	if raw == "sell" || raw == "SELL" {
		return core.SideSell
	}
	return core.SideBuy
}

// sideToOrderType translates a core side into the wire orderType field.
func sideToOrderType(side core.Side) string {
	if side == core.SideSell {
		return "sell"
	}
	return "buy"
}
