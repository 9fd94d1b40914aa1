package server

import (
	_ "embed"
	"net/http"

	"github.com/labstack/echo/v4"
)

//go:embed web/dashboard.html
var dashboardHTML []byte

func (s *Server) handleDashboard(c echo.Context) error {
	return c.Blob(http.StatusOK, echo.MIMETextHTMLCharsetUTF8, dashboardHTML)
}
