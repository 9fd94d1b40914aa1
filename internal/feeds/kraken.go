package feeds

import (
	"encoding/json"
	"strings"
	"time"

	"pricehub/internal/models"
)

const krakenURL = "wss://ws.kraken.com/v2"

// KrakenAdapter reads the last trade price from the Kraken v2 ticker channel
type KrakenAdapter struct {
	url    string
	symbol string
}

type krakenMessage struct {
	Method  string `json:"method"`
	Success *bool  `json:"success"`
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Data    []struct {
		Symbol string      `json:"symbol"`
		Last   json.Number `json:"last"`
	} `json:"data"`
}

// NewKrakenAdapter creates a Kraken adapter. BTC-USD becomes BTC/USD.
func NewKrakenAdapter(url, symbol string) *KrakenAdapter {
	return &KrakenAdapter{
		url:    orDefault(url, krakenURL),
		symbol: strings.ReplaceAll(strings.ToUpper(symbol), "-", "/"),
	}
}

func (a *KrakenAdapter) Name() string { return "kraken" }

func (a *KrakenAdapter) URL() string { return a.url }

func (a *KrakenAdapter) SubscribeMessages() []any {
	return []any{
		map[string]interface{}{
			"method": "subscribe",
			"params": map[string]interface{}{
				"channel": "ticker",
				"symbol":  []string{a.symbol},
			},
		},
	}
}

func (a *KrakenAdapter) Parse(raw []byte, receivedAt time.Time) Result {
	var msg krakenMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Result{}
	}

	if msg.Method == "subscribe" {
		return Result{Ack: msg.Success != nil && *msg.Success}
	}
	if msg.Channel != "ticker" {
		return Result{}
	}

	for _, d := range msg.Data {
		if d.Symbol != a.symbol || d.Last == "" {
			continue
		}
		tick, err := models.TickFromString(a.Name(), d.Last.String(), receivedAt)
		if err != nil {
			continue
		}
		return Result{Ticks: []models.Tick{tick}}
	}

	return Result{}
}
