package feeds

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pricehub/internal/config"
	"pricehub/internal/models"

	"github.com/sirupsen/logrus"
)

// Adapter isolates the wire protocol of one upstream source
type Adapter interface {
	// Name is the feed identifier used in logs, metrics and health
	Name() string
	// URL is the websocket endpoint to dial
	URL() string
	// SubscribeMessages returns the JSON values to send after connecting
	SubscribeMessages() []any
	// Parse turns a raw inbound message into zero or more ticks.
	// Malformed input yields an empty Result, never an error.
	Parse(raw []byte, receivedAt time.Time) Result
}

// Result is the outcome of parsing one upstream message
type Result struct {
	Ticks []models.Tick
	// Ack is set when the message acknowledges the subscription
	Ack bool
}

// Preparer is implemented by adapters that must resolve state (e.g. market ids)
// before each connection attempt.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// Keepaliver is implemented by adapters whose upstream expects application-level pings
type Keepaliver interface {
	Keepalive() (interval time.Duration, messageType int, payload []byte)
}

// Expirer is implemented by adapters whose subscription goes stale at a known
// time. The session ends then and the next one calls Prepare again.
type Expirer interface {
	Expires() time.Time
}

// NewAdapter builds the adapter for a configured feed. Dispatch is on the feed name.
func NewAdapter(fc config.FeedConfig, httpClient *http.Client, logger *logrus.Logger) (Adapter, error) {
	switch strings.ToLower(fc.Name) {
	case "coinbase":
		return NewCoinbaseAdapter(fc.URL, fc.Symbol), nil
	case "kraken":
		return NewKrakenAdapter(fc.URL, fc.Symbol), nil
	case "binance":
		return NewBinanceAdapter(fc.URL, fc.Symbol), nil
	case "polymarket":
		return NewPolymarketAdapter(fc.URL, fc.Polymarket, httpClient, logger), nil
	default:
		return nil, fmt.Errorf("unknown feed %q", fc.Name)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
