package btcturk

import (
	"context"
	"encoding/json"
	"time"

	"execution_bot/internal/core"
	"execution_bot/pkg/wsclient"
)

// FillStream receives user trade executions over the venue websocket and
// feeds them to a callback. Fills delivered here are merged with REST polling
// by fill id, so duplicate delivery is harmless.
type FillStream struct {
	url    string
	signer *Signer
	logger core.Logger

	ws       *wsclient.Client
	callback func(core.Fill)
}

// wsUserTrade is the user-trade push message payload.
type wsUserTrade struct {
	Type string `json:"type"`
	Data struct {
		ID          json.Number `json:"id"`
		OrderID     json.Number `json:"orderId"`
		ClientID    string      `json:"orderClientId"`
		PairSymbol  string      `json:"pairSymbol"`
		OrderType   string      `json:"orderType"`
		Amount      string      `json:"amount"`
		Price       string      `json:"price"`
		Fee         string      `json:"fee"`
		FeeSymbol   string      `json:"feeSymbol"`
		Timestamp   int64       `json:"timestamp"`
	} `json:"data"`
}

// NewFillStream creates the websocket fill listener. signer may be nil in
// dry-run; Start then still connects but skips the user-trade subscription.
func NewFillStream(url string, signer *Signer, logger core.Logger) *FillStream {
	return &FillStream{
		url:    url,
		signer: signer,
		logger: logger.WithField("component", "fill_stream"),
	}
}

// Start connects and begins delivering fills to the callback.
func (s *FillStream) Start(ctx context.Context, callback func(fill core.Fill)) error {
	s.callback = callback
	s.ws = wsclient.NewClient(s.url, s.handleMessage, s.logger)
	s.ws.SetOnConnected(s.subscribe)
	s.ws.Start()

	go func() {
		<-ctx.Done()
		s.ws.Stop()
	}()
	return nil
}

// Stop closes the stream.
func (s *FillStream) Stop() error {
	if s.ws != nil {
		s.ws.Stop()
	}
	return nil
}

// subscribe authenticates and joins the user-trade channel.
func (s *FillStream) subscribe() {
	if s.signer == nil {
		s.logger.Warn("Fill stream started without credentials, skipping subscription")
		return
	}

	stamp := s.signer.clock.Stamp()
	if err := s.ws.Send(map[string]interface{}{
		"type":    "login",
		"apiKey":  s.signer.apiKey,
		"stamp":   stamp,
		"channel": "user-trades",
		"join":    true,
	}); err != nil {
		s.logger.Error("Fill stream subscription failed", "error", err)
	}
}

func (s *FillStream) handleMessage(message []byte) {
	var msg wsUserTrade
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	if msg.Type != "user-trade" {
		return
	}

	d := msg.Data
	fill := core.Fill{
		FillID:          d.ID.String(),
		ExchangeOrderID: d.OrderID.String(),
		ClientOrderID:   d.ClientID,
		Symbol:          d.PairSymbol,
		Side:            mapOrderSide(d.OrderType),
		Qty:             parseDecimal(d.Amount).Abs(),
		Price:           parseDecimal(d.Price),
		Fee:             parseDecimal(d.Fee).Abs(),
		FeeCurrency:     d.FeeSymbol,
		Timestamp:       time.UnixMilli(d.Timestamp).UTC(),
	}

	if fill.FillID == "" || !fill.Qty.IsPositive() {
		return
	}

	if s.callback != nil {
		s.callback(fill)
	}
}
