package feeds

import (
	"encoding/json"
	"strings"
	"time"

	"pricehub/internal/models"

	"github.com/shopspring/decimal"
)

const coinbaseURL = "wss://advanced-trade-ws.coinbase.com"

// CoinbaseAdapter reads the best bid from the Advanced Trade level2 channel
type CoinbaseAdapter struct {
	url       string
	productID string
	lastBid   decimal.Decimal
}

type coinbaseMessage struct {
	Channel string `json:"channel"`
	Events  []struct {
		Type      string `json:"type"`
		ProductID string `json:"product_id"`
		Updates   []struct {
			Side        string `json:"side"`
			PriceLevel  string `json:"price_level"`
			NewQuantity string `json:"new_quantity"`
		} `json:"updates"`
	} `json:"events"`
}

// Levels more than 1% below the last accepted bid are deep book updates, not the top
var coinbaseBidFloor = decimal.RequireFromString("0.99")

// NewCoinbaseAdapter creates a Coinbase adapter. symbol is canonical (BTC-USD).
func NewCoinbaseAdapter(url, symbol string) *CoinbaseAdapter {
	return &CoinbaseAdapter{
		url:       orDefault(url, coinbaseURL),
		productID: strings.ToUpper(symbol),
	}
}

func (a *CoinbaseAdapter) Name() string { return "coinbase" }

func (a *CoinbaseAdapter) URL() string { return a.url }

func (a *CoinbaseAdapter) SubscribeMessages() []any {
	return []any{
		map[string]interface{}{
			"type":        "subscribe",
			"product_ids": []string{a.productID},
			"channel":     "level2",
		},
	}
}

func (a *CoinbaseAdapter) Parse(raw []byte, receivedAt time.Time) Result {
	var msg coinbaseMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Result{}
	}

	switch msg.Channel {
	case "subscriptions":
		return Result{Ack: true}
	case "l2_data":
	default:
		return Result{}
	}

	for _, event := range msg.Events {
		if event.ProductID != "" && event.ProductID != a.productID {
			continue
		}
		if event.Type == "snapshot" {
			a.lastBid = decimal.Zero
		}
		for _, u := range event.Updates {
			if u.Side != "bid" {
				continue
			}
			qty, err := decimal.NewFromString(u.NewQuantity)
			if err != nil || !qty.IsPositive() {
				continue
			}
			tick, err := models.TickFromString(a.Name(), u.PriceLevel, receivedAt)
			if err != nil || tick.Price.LessThanOrEqual(a.lastBid.Mul(coinbaseBidFloor)) {
				continue
			}
			a.lastBid = tick.Price
			return Result{Ticks: []models.Tick{tick}}
		}
	}

	return Result{}
}
