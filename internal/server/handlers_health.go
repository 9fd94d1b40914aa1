package server

import (
	"net/http"
	"time"

	"pricehub/internal/feeds"
	"pricehub/internal/hub"
	"pricehub/internal/models"

	"github.com/labstack/echo/v4"
)

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusDown     = "down"
)

type healthResponse struct {
	Healthy       bool                         `json:"healthy"`
	Status        string                       `json:"status"`
	Version       string                       `json:"version"`
	UptimeSeconds int64                        `json:"uptime_seconds"`
	Subscribers   int                          `json:"subscribers"`
	Prices        map[string]models.PricePoint `json:"prices"`
	Spread        *spread                      `json:"spread,omitempty"`
	Feeds         []feeds.Status               `json:"feeds"`
}

// spread is the absolute difference between the first two sources in sorted order
type spread struct {
	A       string `json:"a"`
	B       string `json:"b"`
	AbsDiff string `json:"abs_diff"`
}

// handleHealth reads the store, the feeds and the hub without changing any of them.
// It answers 503 only when every feed has been abandoned.
func (s *Server) handleHealth(c echo.Context) error {
	snap := s.prices.Snapshot()
	statuses := s.feeds.Statuses()

	abandoned := 0
	for _, st := range statuses {
		if st.State == feeds.StateAbandoned.String() {
			abandoned++
		}
	}

	resp := healthResponse{
		Healthy:       true,
		Status:        statusOK,
		Version:       s.opts.Version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Subscribers:   s.hub.Count(),
		Prices:        models.NewBroadcastPayload(snap, time.Now()).Prices,
		Spread:        spreadOf(snap),
		Feeds:         statuses,
	}

	code := http.StatusOK
	switch {
	case len(statuses) > 0 && abandoned == len(statuses):
		resp.Healthy = false
		resp.Status = statusDown
		code = http.StatusServiceUnavailable
	case abandoned > 0:
		resp.Status = statusDegraded
	}

	return c.JSON(code, resp)
}

// handlePrices returns the payload a subscriber joining now would receive
func (s *Server) handlePrices(c echo.Context) error {
	payload, _, err := hub.BuildPayload(s.prices.Snapshot(), time.Now())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, payload)
}

func spreadOf(snap models.Snapshot) *spread {
	sources := snap.Sources()
	if len(sources) < 2 {
		return nil
	}
	a, _ := snap.Get(sources[0])
	b, _ := snap.Get(sources[1])

	return &spread{
		A:       sources[0],
		B:       sources[1],
		AbsDiff: a.Price.Sub(b.Price).Abs().StringFixed(2),
	}
}
