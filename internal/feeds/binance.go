package feeds

import (
	"encoding/json"
	"strings"
	"time"

	"pricehub/internal/models"

	"github.com/shopspring/decimal"
)

const binanceURL = "wss://stream.binance.com:9443/ws"

// BinanceAdapter reads the mid price from the bookTicker stream
type BinanceAdapter struct {
	url    string
	symbol string // BTCUSDT
}

type binanceMessage struct {
	ID    *int `json:"id"`
	Error *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

var two = decimal.NewFromInt(2)

// NewBinanceAdapter creates a Binance adapter. BTC-USD becomes BTCUSDT.
func NewBinanceAdapter(url, symbol string) *BinanceAdapter {
	s := strings.ReplaceAll(strings.ToUpper(symbol), "-", "")
	if strings.HasSuffix(s, "USD") {
		s += "T"
	}
	return &BinanceAdapter{
		url:    orDefault(url, binanceURL),
		symbol: s,
	}
}

func (a *BinanceAdapter) Name() string { return "binance" }

func (a *BinanceAdapter) URL() string { return a.url }

func (a *BinanceAdapter) SubscribeMessages() []any {
	return []any{
		map[string]interface{}{
			"method": "SUBSCRIBE",
			"params": []string{strings.ToLower(a.symbol) + "@bookTicker"},
			"id":     1,
		},
	}
}

func (a *BinanceAdapter) Parse(raw []byte, receivedAt time.Time) Result {
	var msg binanceMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Result{}
	}

	if msg.ID != nil && msg.Symbol == "" {
		// {"result":null,"id":1}
		return Result{Ack: msg.Error == nil}
	}
	if msg.Symbol != a.symbol {
		return Result{}
	}

	bid, err := decimal.NewFromString(msg.Bid)
	if err != nil {
		return Result{}
	}
	ask, err := decimal.NewFromString(msg.Ask)
	if err != nil {
		return Result{}
	}

	tick, err := models.NewTick(a.Name(), bid.Add(ask).Div(two), receivedAt)
	if err != nil {
		return Result{}
	}
	return Result{Ticks: []models.Tick{tick}}
}
