package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pricehub/internal/config"
	"pricehub/internal/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	polymarketURL      = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	polymarketGammaURL = "https://gamma-api.polymarket.com"

	// Markets roll over every 15 minutes: btc-updown-15m-<window start>
	polymarketWindow   = 15 * time.Minute
	polymarketKeepPing = 10 * time.Second

	PolymarketUpSource   = "polymarket-up"
	PolymarketDownSource = "polymarket-down"
)

var hundred = decimal.NewFromInt(100)

// PolymarketAdapter tracks the up/down tokens of the active BTC 15-minute market.
// Prices are reported in cents (probability × 100).
type PolymarketAdapter struct {
	url        string
	gammaURL   string
	httpClient *http.Client
	logger     *logrus.Logger
	now        func() time.Time

	fixedTokens bool
	tokenUp     string
	tokenDown   string
	expires     time.Time
}

type polymarketMessage struct {
	AssetID string `json:"asset_id"`
	Bids    []struct {
		Price json.Number `json:"price"`
	} `json:"bids"`
	PriceChanges []struct {
		AssetID string      `json:"asset_id"`
		Price   json.Number `json:"price"`
	} `json:"price_changes"`
}

type gammaEvent struct {
	Markets []struct {
		Question     string `json:"question"`
		ClobTokenIDs string `json:"clobTokenIds"`
	} `json:"markets"`
}

// NewPolymarketAdapter creates a Polymarket adapter. When both token ids are
// configured they are used as-is, otherwise Prepare discovers them.
func NewPolymarketAdapter(url string, cfg config.PolymarketConfig, httpClient *http.Client, logger *logrus.Logger) *PolymarketAdapter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	a := &PolymarketAdapter{
		url:        orDefault(url, polymarketURL),
		gammaURL:   strings.TrimRight(orDefault(cfg.GammaURL, polymarketGammaURL), "/"),
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
		tokenUp:    cfg.TokenUp,
		tokenDown:  cfg.TokenDown,
	}
	a.fixedTokens = a.tokenUp != "" && a.tokenDown != ""
	return a
}

func (a *PolymarketAdapter) Name() string { return "polymarket" }

func (a *PolymarketAdapter) URL() string { return a.url }

// Tokens returns the up and down token ids currently subscribed
func (a *PolymarketAdapter) Tokens() (string, string) {
	return a.tokenUp, a.tokenDown
}

func (a *PolymarketAdapter) SubscribeMessages() []any {
	return []any{
		map[string]interface{}{
			"assets_ids": []string{a.tokenUp, a.tokenDown},
			"type":       "market",
		},
	}
}

// Keepalive sends a text PING; the server answers with a text PONG that Parse drops
func (a *PolymarketAdapter) Keepalive() (time.Duration, int, []byte) {
	return polymarketKeepPing, websocket.TextMessage, []byte("PING")
}

// Expires is the end of the market window Prepare resolved. Configured tokens never expire.
func (a *PolymarketAdapter) Expires() time.Time {
	if a.fixedTokens {
		return time.Time{}
	}
	return a.expires
}

// Prepare resolves the active market before each connection attempt
func (a *PolymarketAdapter) Prepare(ctx context.Context) error {
	if a.fixedTokens {
		return nil
	}

	now := a.now()
	start := windowStart(now)
	slug := marketSlug(now)
	url := fmt.Sprintf("%s/events/slug/%s?tid=%d", a.gammaURL, slug, now.UnixMilli())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gamma lookup %s: %w", slug, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gamma lookup %s: HTTP %d", slug, resp.StatusCode)
	}

	var event gammaEvent
	if err := json.NewDecoder(resp.Body).Decode(&event); err != nil {
		return fmt.Errorf("gamma lookup %s: %w", slug, err)
	}
	if len(event.Markets) == 0 || event.Markets[0].ClobTokenIDs == "" {
		return fmt.Errorf("gamma lookup %s: no active market", slug)
	}

	var tokenIDs []string
	if err := json.Unmarshal([]byte(event.Markets[0].ClobTokenIDs), &tokenIDs); err != nil {
		return fmt.Errorf("gamma lookup %s: clobTokenIds: %w", slug, err)
	}
	if len(tokenIDs) < 2 {
		return fmt.Errorf("gamma lookup %s: expected 2 token ids, got %d", slug, len(tokenIDs))
	}

	a.tokenUp, a.tokenDown = tokenIDs[0], tokenIDs[1]
	a.expires = start.Add(polymarketWindow)

	a.logger.WithFields(logrus.Fields{
		"slug":    slug,
		"expires": a.expires.Format(time.RFC3339),
	}).Infof("Polymarket market resolved: %s", event.Markets[0].Question)
	return nil
}

func (a *PolymarketAdapter) Parse(raw []byte, receivedAt time.Time) Result {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Result{}
	}

	var msgs []polymarketMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return Result{}
		}
	} else {
		var msg polymarketMessage
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return Result{}
		}
		msgs = []polymarketMessage{msg}
	}

	latest := map[string]models.Tick{}
	for _, msg := range msgs {
		// Book snapshot wins over price changes in the same message
		if len(msg.Bids) > 0 {
			a.collect(latest, msg.AssetID, msg.Bids[0].Price, receivedAt)
			continue
		}
		for _, change := range msg.PriceChanges {
			assetID := change.AssetID
			if assetID == "" {
				assetID = msg.AssetID
			}
			a.collect(latest, assetID, change.Price, receivedAt)
		}
	}

	if len(latest) == 0 {
		return Result{}
	}
	ticks := make([]models.Tick, 0, len(latest))
	for _, source := range []string{PolymarketUpSource, PolymarketDownSource} {
		if t, ok := latest[source]; ok {
			ticks = append(ticks, t)
		}
	}
	return Result{Ticks: ticks}
}

func (a *PolymarketAdapter) collect(into map[string]models.Tick, assetID string, price json.Number, at time.Time) {
	var source string
	switch {
	case assetID == "":
		return
	case assetID == a.tokenUp:
		source = PolymarketUpSource
	case assetID == a.tokenDown:
		source = PolymarketDownSource
	default:
		return
	}

	d, err := decimal.NewFromString(price.String())
	if err != nil {
		return
	}
	tick, err := models.NewTick(source, d.Mul(hundred), at)
	if err != nil {
		return
	}
	into[source] = tick
}

func windowStart(now time.Time) time.Time {
	return now.Truncate(polymarketWindow)
}

func marketSlug(now time.Time) string {
	return fmt.Sprintf("btc-updown-15m-%d", windowStart(now).Unix())
}
