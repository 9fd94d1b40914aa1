package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Read-only API
	s.echo.GET("/api/v1/prices", s.handlePrices)

	// Subscribers
	s.echo.GET("/ws", echo.WrapHandler(http.HandlerFunc(s.hub.ServeWS)))

	// Dashboard
	s.echo.GET("/", s.handleDashboard)
}
