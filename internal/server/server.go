package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pricehub/internal/feeds"
	"pricehub/internal/models"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

// PriceReader is the read side of the price store
type PriceReader interface {
	Snapshot() models.Snapshot
}

// SubscriberHub serves websocket subscribers and reports how many are connected
type SubscriberHub interface {
	Count() int
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// FeedStatuser reports the state of every upstream feed
type FeedStatuser interface {
	Statuses() []feeds.Status
}

type Options struct {
	Port    int
	Version string
}

type Server struct {
	echo      *echo.Echo
	opts      Options
	prices    PriceReader
	hub       SubscriberHub
	feeds     FeedStatuser
	logger    *logrus.Logger
	startTime time.Time
}

func NewServer(opts Options, prices PriceReader, hub SubscriberHub, feedStatus FeedStatuser, logger *logrus.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			}).Debug("http request")
			return nil
		},
	}))

	s := &Server{
		echo:      e,
		opts:      opts,
		prices:    prices,
		hub:       hub,
		feeds:     feedStatus,
		logger:    logger,
		startTime: time.Now(),
	}
	s.registerRoutes()
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks serving HTTP until Shutdown is called
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	s.logger.Infof("HTTP server starting on %s", addr)

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
