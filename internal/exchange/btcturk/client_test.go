package btcturk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"execution_bot/internal/config"
	"execution_bot/internal/core"
	"execution_bot/pkg/apperrors"
	"execution_bot/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Exchange.BaseURL = baseURL
	cfg.Exchange.APIKey = ""
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.BaseMS = 1
	cfg.Retry.MaxMS = 5
	cfg.Retry.TotalCapMS = 1000
	cfg.RateLimit.RPS = 1000
	cfg.RateLimit.Burst = 100
	return cfg
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(testConfig(server.URL), logging.Nop())
	require.NoError(t, err)
	return client, server
}

func writeEnvelope(w http.ResponseWriter, data interface{}) {
	raw, _ := json.Marshal(data)
	resp := map[string]interface{}{
		"data":    json.RawMessage(raw),
		"success": true,
		"message": nil,
		"code":    0,
	}
	json.NewEncoder(w).Encode(resp)
}

func TestSubmitMapsAckedOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/order", func(w http.ResponseWriter, r *http.Request) {
		var body wireSubmitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "BTCTRY", body.PairSymbol)
		assert.Equal(t, "limit", body.OrderMethod)
		assert.Equal(t, "buy", body.OrderType)
		assert.NotEmpty(t, body.NewOrderClientID, "client order id must be passed on every submit")

		writeEnvelope(w, map[string]interface{}{
			"id":            "X1",
			"price":         body.Price,
			"amount":        body.Quantity,
			"leftAmount":    body.Quantity,
			"pairSymbol":    body.PairSymbol,
			"orderType":     body.OrderType,
			"orderClientId": body.NewOrderClientID,
			"status":        "Untouched",
			"time":          time.Now().UnixMilli(),
		})
	})

	client, _ := newTestClient(t, mux)

	result, err := client.SubmitLimitOrderSafe(context.Background(), core.SubmitRequest{
		Symbol:        "BTCTRY",
		Side:          core.SideBuy,
		Price:         mustDecimal("100000.00"),
		Qty:           mustDecimal("0.001"),
		ClientOrderID: "EBTEST1",
	})
	require.NoError(t, err)
	assert.Equal(t, core.SubmitSubmitted, result.Outcome)
	assert.Equal(t, "X1", result.ExchangeOrderID)
	assert.Equal(t, core.StatusAcked, result.RawStatus)
}

func TestSubmitTimeoutThenVisibleInOpenOrders(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/order", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("GET /api/v1/openOrders", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, map[string]interface{}{
			"asks": []interface{}{},
			"bids": []interface{}{map[string]interface{}{
				"id":            "X2",
				"price":         "100000",
				"amount":        "0.001",
				"leftAmount":    "0.001",
				"pairSymbol":    "BTCTRY",
				"orderType":     "buy",
				"orderClientId": "EBTEST2",
				"status":        "Untouched",
				"time":          time.Now().UnixMilli(),
			}},
		})
	})

	client, _ := newTestClient(t, mux)

	result, err := client.SubmitLimitOrderSafe(context.Background(), core.SubmitRequest{
		Symbol:        "BTCTRY",
		Side:          core.SideBuy,
		Price:         mustDecimal("100000"),
		Qty:           mustDecimal("0.001"),
		ClientOrderID: "EBTEST2",
	})
	require.NoError(t, err)
	assert.Equal(t, core.SubmitSubmitted, result.Outcome, "probe must find the order")
	assert.Equal(t, "X2", result.ExchangeOrderID)
	assert.Equal(t, core.StatusAcked, result.RawStatus)
}

func TestSubmitTimeoutNotVisibleReturnsUncertain(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/order", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("GET /api/v1/openOrders", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, map[string]interface{}{"asks": []interface{}{}, "bids": []interface{}{}})
	})
	mux.HandleFunc("GET /api/v1/allOrders", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []interface{}{})
	})

	client, _ := newTestClient(t, mux)

	result, err := client.SubmitLimitOrderSafe(context.Background(), core.SubmitRequest{
		Symbol:        "BTCTRY",
		Side:          core.SideBuy,
		Price:         mustDecimal("100000"),
		Qty:           mustDecimal("0.001"),
		ClientOrderID: "EBTEST3",
	})
	require.NoError(t, err)
	assert.Equal(t, core.SubmitUncertain, result.Outcome)
}

func TestSubmitExchangeRejectIsDefinite(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/order", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		msg := "insufficient balance"
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data":    nil,
			"success": false,
			"message": msg,
			"code":    700,
		})
	})

	client, _ := newTestClient(t, mux)

	result, err := client.SubmitLimitOrderSafe(context.Background(), core.SubmitRequest{
		Symbol:        "BTCTRY",
		Side:          core.SideBuy,
		Price:         mustDecimal("100000"),
		Qty:           mustDecimal("0.001"),
		ClientOrderID: "EBTEST4",
	})
	require.Error(t, err)
	assert.Equal(t, core.SubmitRejected, result.Outcome)
	assert.Equal(t, apperrors.KindExchange, apperrors.KindOf(err))
}

func TestCancelNotFoundProbesAndClassifiesFilled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/v1/order", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("GET /api/v1/order/X5", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, map[string]interface{}{
			"id":         "X5",
			"price":      "100000",
			"amount":     "0.001",
			"leftAmount": "0",
			"pairSymbol": "BTCTRY",
			"orderType":  "buy",
			"status":     "Filled",
			"time":       time.Now().UnixMilli(),
		})
	})

	client, _ := newTestClient(t, mux)

	result, err := client.CancelOrderSafe(context.Background(), "X5", "")
	require.NoError(t, err)
	assert.Equal(t, core.CancelAlreadyFilled, result.Outcome, "cancel on a filled order reports AlreadyFilled")
	assert.True(t, result.FilledQty.Equal(mustDecimal("0.001")))
}

func TestCancelNotFoundAnywhere(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/v1/order", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("GET /api/v1/order/X6", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	client, _ := newTestClient(t, mux)

	result, err := client.CancelOrderSafe(context.Background(), "X6", "")
	require.NoError(t, err)
	assert.Equal(t, core.CancelNotFound, result.Outcome)
}

func TestRateLimitRetriesWithRetryAfter(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/users/balances", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeEnvelope(w, []interface{}{
			map[string]interface{}{"asset": "TRY", "free": "100.5", "locked": "0"},
		})
	})

	client, _ := newTestClient(t, mux)

	balances, err := client.GetBalances(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "TRY", balances[0].Asset)
	assert.True(t, balances[0].Free.Equal(mustDecimal("100.5")))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "429 must retry")
}

func TestAuthFailureResyncsClockAndRetriesOnce(t *testing.T) {
	var balanceCalls, timeCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/users/balances", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&balanceCalls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeEnvelope(w, []interface{}{
			map[string]interface{}{"asset": "TRY", "free": "1", "locked": "0"},
		})
	})
	mux.HandleFunc("GET /api/v2/server/time", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&timeCalls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{"serverTime": time.Now().UnixMilli()})
	})

	client, _ := newTestClient(t, mux)

	balances, err := client.GetBalances(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&timeCalls), "auth failure must resync the clock")
	assert.Equal(t, int32(2), atomic.LoadInt32(&balanceCalls), "exactly one replay after resync")
}

func TestGetExchangeInfoParsesRules(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v2/server/exchangeinfo", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, map[string]interface{}{
			"symbols": []interface{}{map[string]interface{}{
				"name":             "BTCTRY",
				"numeratorScale":   8,
				"denominatorScale": 0,
				"status":           "TRADING",
				"filters": []interface{}{map[string]interface{}{
					"filterType":       "PRICE_FILTER",
					"minExchangeValue": "99.91",
					"minAmount":        "0.00000001",
					"maxAmount":        "10",
				}},
			}},
		})
	})

	client, _ := newTestClient(t, mux)

	rules, err := client.GetExchangeInfo(context.Background())
	require.NoError(t, err)
	r, ok := rules["BTCTRY"]
	require.True(t, ok)
	assert.True(t, r.PriceTick.Equal(mustDecimal("1")))
	assert.True(t, r.QtyStep.Equal(mustDecimal("0.00000001")))
	assert.True(t, r.MinNotional.Equal(mustDecimal("99.91")))
	assert.True(t, r.MaxQty.Equal(mustDecimal("10")))
}

func TestGetAllOrdersPassesWindow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/allOrders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTCTRY", r.URL.Query().Get("pairSymbol"))
		assert.NotEmpty(t, r.URL.Query().Get("startTime"))
		assert.NotEmpty(t, r.URL.Query().Get("endTime"))
		writeEnvelope(w, []interface{}{map[string]interface{}{
			"id":         "X8",
			"price":      "100000",
			"amount":     "0.001",
			"leftAmount": "0",
			"pairSymbol": "BTCTRY",
			"orderType":  "sell",
			"status":     "Canceled",
			"time":       time.Now().UnixMilli(),
		}})
	})

	client, _ := newTestClient(t, mux)

	now := time.Now().UTC()
	orders, err := client.GetAllOrders(context.Background(), "BTCTRY", now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, core.StatusCanceled, orders[0].Status)
	assert.Equal(t, core.SideSell, orders[0].Side)
}

func TestMapOrderStatus(t *testing.T) {
	assert.Equal(t, core.StatusAcked, mapOrderStatus("Untouched", false))
	assert.Equal(t, core.StatusPartiallyFilled, mapOrderStatus("Partial", false))
	assert.Equal(t, core.StatusFilled, mapOrderStatus("Filled", true))
	assert.Equal(t, core.StatusCanceled, mapOrderStatus("Canceled", false))
	assert.Equal(t, core.StatusRejected, mapOrderStatus("Rejected", false))
	assert.Equal(t, core.StatusUnknown, mapOrderStatus("SomethingNew", false))
}

func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
