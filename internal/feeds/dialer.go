package feeds

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"pricehub/internal/proxy"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const handshakeTimeout = 15 * time.Second

// Conn is the subset of *websocket.Conn a feed connection needs
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v interface{}) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens upstream connections
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WSDialer dials upstream feeds over gorilla/websocket. Each dial goes through
// one entry of the proxy pool; a failed dial moves the pool to the next entry.
type WSDialer struct {
	pool *proxy.Pool
}

// NewWSDialer creates a dialer. proxyURLs is a comma separated list and may be
// empty for direct connections.
func NewWSDialer(proxyURLs string, logger *logrus.Logger) (*WSDialer, error) {
	pool, err := proxy.NewPool(proxyURLs, logger)
	if err != nil {
		return nil, err
	}
	if pool.Len() > 1 {
		logger.Infof("Upstream dials rotate through %d proxy entries", pool.Len())
	}
	return &WSDialer{pool: pool}, nil
}

// Dial connects to rawURL
func (d *WSDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	i, proxyURL := d.pool.Pick()

	dialer := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if proxyURL != nil {
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		d.pool.Failed(i)
		via := proxy.Describe(proxyURL)
		if resp != nil {
			return nil, fmt.Errorf("dial %s via %s: %w (HTTP %d)", rawURL, via, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s via %s: %w", rawURL, via, err)
	}

	d.pool.Succeeded(i)
	return conn, nil
}
