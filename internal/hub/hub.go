package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"pricehub/internal/metrics"
	"pricehub/internal/models"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const (
	maxMessageSize      = 512
	closeReasonShutdown = "server shutting down"
)

// ErrHubStopped is returned by Register once the dispatch loop has exited
var ErrHubStopped = errors.New("hub stopped")

// SnapshotSource is the read side of the price store
type SnapshotSource interface {
	Snapshot() models.Snapshot
}

// Sink receives a copy of every broadcast. Offer must not block.
type Sink interface {
	Offer(payload models.BroadcastPayload, data []byte)
}

// Options configures the hub
type Options struct {
	HeartbeatInterval time.Duration
	PingInterval      time.Duration
	PongWait          time.Duration
	WriteWait         time.Duration
	SendBuffer        int
	Clock             clockwork.Clock
	Sink              Sink
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 10 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.SendBuffer < 1 {
		o.SendBuffer = 16
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

type registerCmd struct {
	sub   *Subscriber
	reply chan error
}

// Hub fans price payloads out to websocket subscribers. The subscriber set is
// owned by the Run goroutine; everything else talks to it over channels.
type Hub struct {
	store    SnapshotSource
	logger   *logrus.Logger
	opts     Options
	upgrader websocket.Upgrader

	registerCh   chan registerCmd
	unregisterCh chan *Subscriber
	notifyCh     chan struct{}
	done         chan struct{}
	running      atomic.Bool
	count        atomic.Int64

	subscribers map[*Subscriber]struct{}
}

// New creates a hub reading from store. Call Run to start it.
func New(store SnapshotSource, logger *logrus.Logger, opts Options) *Hub {
	return &Hub{
		store:  store,
		logger: logger,
		opts:   opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		registerCh:   make(chan registerCmd),
		unregisterCh: make(chan *Subscriber),
		notifyCh:     make(chan struct{}, 1),
		done:         make(chan struct{}),
		subscribers:  make(map[*Subscriber]struct{}),
	}
}

// Run is the dispatch loop. It returns when ctx is cancelled, after closing
// every subscriber with a close frame.
func (h *Hub) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return fmt.Errorf("hub already running")
	}
	defer close(h.done)

	heartbeat := h.opts.Clock.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	h.logger.Infof("✅ Hub started (heartbeat: %v, ping: %v, pong wait: %v)",
		h.opts.HeartbeatInterval, h.opts.PingInterval, h.opts.PongWait)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case cmd := <-h.registerCh:
			h.handleRegister(cmd)
		case sub := <-h.unregisterCh:
			h.remove(sub, "closed")
		case <-h.notifyCh:
			h.broadcast("tick")
		case <-heartbeat.Chan():
			h.broadcast("heartbeat")
		}
	}
}

// Done is closed once Run has returned
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Notify schedules a broadcast. Bursts collapse into a single broadcast that
// reflects the latest state.
func (h *Hub) Notify(source string) {
	select {
	case h.notifyCh <- struct{}{}:
	default:
	}
}

// Broadcast schedules a broadcast outside of the tick path
func (h *Hub) Broadcast() {
	h.Notify("")
}

// Count returns the number of live subscribers. Safe to call from any goroutine.
func (h *Hub) Count() int {
	return int(h.count.Load())
}

// Register adds conn as a subscriber. The current snapshot is queued to it
// before it can receive any broadcast.
func (h *Hub) Register(conn *websocket.Conn) (*Subscriber, error) {
	sub := newSubscriber(conn, h.opts, h.logger)

	conn.SetReadLimit(maxMessageSize)
	h.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		h.extendReadDeadline(conn)
		return nil
	})

	cmd := registerCmd{sub: sub, reply: make(chan error, 1)}
	select {
	case h.registerCh <- cmd:
	case <-h.done:
		return nil, ErrHubStopped
	}
	if err := <-cmd.reply; err != nil {
		return nil, err
	}
	return sub, nil
}

// Unregister removes sub. Calling it more than once is harmless.
func (h *Hub) Unregister(sub *Subscriber) {
	select {
	case h.unregisterCh <- sub:
	case <-h.done:
	}
}

// ServeWS upgrades the request and serves the subscriber until it disconnects
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	sub, err := h.Register(conn)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.opts.WriteWait))
		_ = conn.Close()
		return
	}
	defer h.Unregister(sub)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.WithError(err).WithField("subscriber", sub.ID()).Debug("subscriber read error")
			}
			return
		}
	}
}

// BuildPayload serializes a snapshot into the wire payload
func BuildPayload(snap models.Snapshot, now time.Time) (models.BroadcastPayload, []byte, error) {
	payload := models.NewBroadcastPayload(snap, now)
	data, err := json.Marshal(payload)
	if err != nil {
		return models.BroadcastPayload{}, nil, fmt.Errorf("marshal payload: %w", err)
	}
	return payload, data, nil
}

func (h *Hub) extendReadDeadline(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.PingInterval + h.opts.PongWait))
}

func (h *Hub) handleRegister(cmd registerCmd) {
	_, data, err := BuildPayload(h.store.Snapshot(), h.opts.Clock.Now())
	if err != nil {
		cmd.reply <- err
		return
	}

	sub := cmd.sub
	sub.enqueue(data)
	sub.start()

	h.subscribers[sub] = struct{}{}
	h.updateCount()

	h.logger.WithFields(logrus.Fields{
		"subscriber": sub.ID(),
		"remote":     sub.RemoteAddr(),
	}).Infof("Subscriber connected (total: %d)", len(h.subscribers))
	cmd.reply <- nil
}

func (h *Hub) remove(sub *Subscriber, reason string) {
	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	sub.stop()
	h.updateCount()

	metrics.SubscribersPruned.WithLabelValues(reason).Inc()
	h.logger.WithField("subscriber", sub.ID()).
		Infof("Subscriber removed: %s (remaining: %d)", reason, len(h.subscribers))
}

func (h *Hub) broadcast(trigger string) {
	start := time.Now()

	payload, data, err := BuildPayload(h.store.Snapshot(), h.opts.Clock.Now())
	if err != nil {
		h.logger.WithError(err).Error("Failed to build broadcast payload")
		return
	}

	var slow []*Subscriber
	for sub := range h.subscribers {
		if !sub.enqueue(data) {
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		h.logger.WithField("subscriber", sub.ID()).Warn("Disconnecting slow subscriber")
		h.remove(sub, "slow")
	}

	if h.opts.Sink != nil {
		h.opts.Sink.Offer(payload, data)
	}

	metrics.Broadcasts.WithLabelValues(trigger).Inc()
	metrics.BroadcastLatency.Observe(float64(time.Since(start).Microseconds()) / 1000)
}

// shutdown closes every subscriber in parallel so one stalled peer costs at
// most WriteWait in total.
func (h *Hub) shutdown() {
	h.logger.Infof("🛑 Closing %d subscribers...", len(h.subscribers))
	for sub := range h.subscribers {
		sub.halt()
	}

	var wg sync.WaitGroup
	for sub := range h.subscribers {
		wg.Add(1)
		go func(sub *Subscriber) {
			defer wg.Done()
			sub.stopGraceful(closeReasonShutdown)
		}(sub)
		delete(h.subscribers, sub)
		metrics.SubscribersPruned.WithLabelValues("shutdown").Inc()
	}
	wg.Wait()
	h.updateCount()
	h.logger.Info("✅ Hub stopped")
}

func (h *Hub) updateCount() {
	h.count.Store(int64(len(h.subscribers)))
	metrics.Subscribers.Set(float64(len(h.subscribers)))
}
