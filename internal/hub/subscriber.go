package hub

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// wsConn is the write side of a *websocket.Conn
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// Subscriber is one downstream websocket client. Only its writer goroutine
// writes to the socket.
type Subscriber struct {
	id     string
	conn   wsConn
	clock  clockwork.Clock
	logger *logrus.Logger

	pingInterval time.Duration
	writeWait    time.Duration

	send      chan []byte
	done      chan struct{}
	haltOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSubscriber(conn wsConn, opts Options, logger *logrus.Logger) *Subscriber {
	return &Subscriber{
		id:           uuid.NewString(),
		conn:         conn,
		clock:        opts.Clock,
		logger:       logger,
		pingInterval: opts.PingInterval,
		writeWait:    opts.WriteWait,
		send:         make(chan []byte, opts.SendBuffer),
		done:         make(chan struct{}),
	}
}

// ID returns the subscriber id used in logs
func (s *Subscriber) ID() string {
	return s.id
}

// RemoteAddr returns the client address
func (s *Subscriber) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *Subscriber) start() {
	s.wg.Add(1)
	go s.writePump()
}

// enqueue never blocks. false means the queue is full.
func (s *Subscriber) enqueue(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Subscriber) writePump() {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.WithError(err).WithField("subscriber", s.id).Debug("write failed")
				// Closing makes the read pump fail, which unregisters us
				_ = s.conn.Close()
				return
			}
		case <-ticker.Chan():
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.WithError(err).WithField("subscriber", s.id).Debug("ping failed")
				_ = s.conn.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// halt tells the writer to exit without waiting for it
func (s *Subscriber) halt() {
	s.haltOnce.Do(func() { close(s.done) })
}

func (s *Subscriber) stop() {
	s.halt()
	_ = s.conn.Close()
	s.wg.Wait()
}

// stopGraceful sends a close frame once the writer has exited
func (s *Subscriber) stopGraceful(reason string) {
	s.halt()
	s.wg.Wait()

	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeWait))
		_ = s.conn.Close()
	})
}
