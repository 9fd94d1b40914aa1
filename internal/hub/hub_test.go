package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pricehub/internal/models"
	"pricehub/internal/store"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testHub(t *testing.T, prices SnapshotSource, opts Options) (*Hub, func() *websocket.Conn, context.CancelFunc) {
	t.Helper()

	h := New(prices, newTestLogger(), opts)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()

	server := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		cancel()
		<-h.Done()
		server.Close()
	})

	dial := func() *websocket.Conn {
		t.Helper()
		url := "ws" + strings.TrimPrefix(server.URL, "http")
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}

	return h, dial, cancel
}

func readPayload(t *testing.T, conn *websocket.Conn) models.BroadcastPayload {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var payload models.BroadcastPayload
	require.NoError(t, json.Unmarshal(msg, &payload))
	return payload
}

func mustTick(t *testing.T, source string, price int64) models.Tick {
	t.Helper()
	tick, err := models.NewTick(source, decimal.NewFromInt(price), time.Now())
	require.NoError(t, err)
	return tick
}

func waitForCount(t *testing.T, h *Hub, expected int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Count() == expected }, 2*time.Second, 5*time.Millisecond,
		"expected %d subscribers, have %d", expected, h.Count())
}

type recordingSink struct {
	mu       sync.Mutex
	payloads []models.BroadcastPayload
}

func (s *recordingSink) Offer(payload models.BroadcastPayload, _ []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
}

func (s *recordingSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func TestHub_EmptySnapshotOnJoin(t *testing.T) {
	_, dial, _ := testHub(t, store.NewPriceStore(nil), Options{})

	conn := dial()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(msg, &raw))
	assert.JSONEq(t, `{}`, string(raw["prices"]))
	assert.Contains(t, raw, "ts")
}

func TestHub_SnapshotOnJoinMidStream(t *testing.T) {
	prices := store.NewPriceStore(nil)
	require.NoError(t, prices.Update(mustTick(t, "A", 100)))
	require.NoError(t, prices.Update(mustTick(t, "B", 102)))

	_, dial, _ := testHub(t, prices, Options{})

	payload := readPayload(t, dial())
	require.Len(t, payload.Prices, 2)
	assert.Equal(t, 100.0, payload.Prices["A"].Price)
	assert.Equal(t, 102.0, payload.Prices["B"].Price)
}

func TestHub_EndToEndTickDelivery(t *testing.T) {
	prices := store.NewPriceStore(nil)
	h, dial, _ := testHub(t, prices, Options{})

	conn := dial()
	initial := readPayload(t, conn)
	assert.Empty(t, initial.Prices)
	assert.NotNil(t, initial.Prices)

	require.NoError(t, prices.Update(mustTick(t, "A", 50000)))
	h.Notify("A")

	payload := readPayload(t, conn)
	require.Contains(t, payload.Prices, "A")
	assert.Equal(t, 50000.0, payload.Prices["A"].Price)
	assert.Positive(t, payload.Prices["A"].TS)
	assert.GreaterOrEqual(t, payload.TS, initial.TS)
}

func TestHub_MultipleSubscribersReceiveBroadcast(t *testing.T) {
	prices := store.NewPriceStore(nil)
	h, dial, _ := testHub(t, prices, Options{})

	conn1, conn2 := dial(), dial()
	readPayload(t, conn1)
	readPayload(t, conn2)
	waitForCount(t, h, 2)

	require.NoError(t, prices.Update(mustTick(t, "kraken", 64000)))
	h.Broadcast()

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		payload := readPayload(t, conn)
		assert.Equal(t, 64000.0, payload.Prices["kraken"].Price)
	}
}

func TestHub_HeartbeatWithoutTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	prices := store.NewPriceStore(nil)
	require.NoError(t, prices.Update(mustTick(t, "A", 100)))

	_, dial, _ := testHub(t, prices, Options{
		HeartbeatInterval: 30 * time.Second,
		PingInterval:      time.Hour,
		Clock:             clock,
	})

	conn := dial()
	first := readPayload(t, conn)

	// heartbeat ticker + the subscriber's ping ticker
	require.NoError(t, clock.BlockUntilContext(context.Background(), 2))
	clock.Advance(30 * time.Second)

	second := readPayload(t, conn)
	assert.Equal(t, first.Prices, second.Prices)
	assert.Equal(t, first.TS+30_000, second.TS)
}

func TestHub_AbruptCloseIsPruned(t *testing.T) {
	prices := store.NewPriceStore(nil)
	h, dial, _ := testHub(t, prices, Options{})

	gone := dial()
	stays := dial()
	readPayload(t, gone)
	readPayload(t, stays)
	waitForCount(t, h, 2)

	// Drop the TCP connection without a close handshake
	require.NoError(t, gone.UnderlyingConn().Close())
	waitForCount(t, h, 1)

	require.NoError(t, prices.Update(mustTick(t, "A", 1)))
	h.Notify("A")

	payload := readPayload(t, stays)
	assert.Equal(t, 1.0, payload.Prices["A"].Price)
	assert.Equal(t, 1, h.Count())
}

func TestHub_UnresponsiveSubscriberIsPruned(t *testing.T) {
	h, dial, _ := testHub(t, store.NewPriceStore(nil), Options{
		PingInterval: 20 * time.Millisecond,
		PongWait:     100 * time.Millisecond,
	})

	// Never reading means pings are never answered with pongs
	dial()
	waitForCount(t, h, 1)
	waitForCount(t, h, 0)
}

func TestHub_RespondingSubscriberStays(t *testing.T) {
	h, dial, _ := testHub(t, store.NewPriceStore(nil), Options{
		PingInterval: 20 * time.Millisecond,
		PongWait:     50 * time.Millisecond,
	})

	conn := dial()
	pings := make(chan struct{}, 16)
	conn.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-pings:
		case <-time.After(time.Second):
			t.Fatal("no ping received")
		}
	}
	assert.Equal(t, 1, h.Count())
}

func TestHub_ShutdownSendsCloseFrame(t *testing.T) {
	h, dial, cancel := testHub(t, store.NewPriceStore(nil), Options{})

	conn := dial()
	readPayload(t, conn)
	waitForCount(t, h, 1)

	cancel()
	<-h.Done()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Equal(t, 0, h.Count())
}

func TestHub_RejectsSubscribersAfterStop(t *testing.T) {
	h, dial, cancel := testHub(t, store.NewPriceStore(nil), Options{})
	cancel()
	<-h.Done()

	conn := dial()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)

	assert.Error(t, h.Run(context.Background()), "a hub runs only once")
}

func TestHub_BroadcastFeedsSink(t *testing.T) {
	sink := &recordingSink{}
	prices := store.NewPriceStore(nil)
	h, _, _ := testHub(t, prices, Options{Sink: sink})

	require.NoError(t, prices.Update(mustTick(t, "A", 7)))
	h.Notify("A")

	require.Eventually(t, func() bool { return sink.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 7.0, sink.payloads[0].Prices["A"].Price)
}

// serverSideConn returns the server end of a live websocket
func serverSideConn(t *testing.T) *websocket.Conn {
	t.Helper()

	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(server.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade did not complete")
		return nil
	}
}

func TestHub_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	h := New(store.NewPriceStore(nil), newTestLogger(), Options{SendBuffer: 1})

	// Writers are not started so queues only drain when we read them
	slow := newSubscriber(serverSideConn(t), h.opts, h.logger)
	fast := newSubscriber(serverSideConn(t), h.opts, h.logger)
	require.True(t, slow.enqueue([]byte("backlog")))

	h.subscribers[slow] = struct{}{}
	h.subscribers[fast] = struct{}{}
	h.updateCount()

	h.broadcast("tick")

	assert.Equal(t, 1, h.Count())
	assert.NotContains(t, h.subscribers, slow)
	select {
	case data := <-fast.send:
		var payload models.BroadcastPayload
		require.NoError(t, json.Unmarshal(data, &payload))
		assert.Empty(t, payload.Prices)
	default:
		t.Fatal("fast subscriber did not receive the broadcast")
	}

	// Removing twice is a no-op
	h.remove(slow, "closed")
	assert.Equal(t, 1, h.Count())
}

func TestBuildPayload(t *testing.T) {
	now := time.Now()
	at := now.Add(-time.Second)

	a, _ := models.NewTick("A", decimal.NewFromInt(100), at)
	b, _ := models.NewTick("B", decimal.NewFromInt(102), at)

	payload, data, err := BuildPayload(models.NewSnapshot(map[string]models.Tick{"A": a, "B": b}, now), now)
	require.NoError(t, err)
	assert.Equal(t, map[string]models.PricePoint{
		"A": {Price: 100, TS: at.UnixMilli()},
		"B": {Price: 102, TS: at.UnixMilli()},
	}, payload.Prices)
	assert.Equal(t, now.UnixMilli(), payload.TS)
	assert.Contains(t, string(data), `"prices":{"A":{"price":100`)

	// B never produced a tick
	payload, _, err = BuildPayload(models.NewSnapshot(map[string]models.Tick{"A": a}, now), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, keys(payload.Prices))
}

func TestBuildPayload_IdempotentWithoutTicks(t *testing.T) {
	prices := store.NewPriceStore(nil)
	require.NoError(t, prices.Update(mustTick(t, "A", 100)))
	require.NoError(t, prices.Update(mustTick(t, "B", 102)))

	t1 := time.Now()
	first, _, err := BuildPayload(prices.Snapshot(), t1)
	require.NoError(t, err)
	second, _, err := BuildPayload(prices.Snapshot(), t1.Add(time.Second))
	require.NoError(t, err)

	assert.Equal(t, first.Prices, second.Prices)
	assert.NotEqual(t, first.TS, second.TS)
}

func keys(m map[string]models.PricePoint) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// stalledConn is a peer that never drains its socket: control frames block
// until their deadline.
type stalledConn struct {
	mu      sync.Mutex
	control []byte
	closed  bool
}

func (c *stalledConn) WriteMessage(int, []byte) error { return nil }

func (c *stalledConn) WriteControl(_ int, data []byte, deadline time.Time) error {
	time.Sleep(time.Until(deadline))
	c.mu.Lock()
	defer c.mu.Unlock()
	c.control = data
	return errors.New("i/o timeout")
}

func (c *stalledConn) SetWriteDeadline(time.Time) error { return nil }

func (c *stalledConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func (c *stalledConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestHub_ShutdownClosesStalledSubscribersInParallel(t *testing.T) {
	const writeWait = 300 * time.Millisecond
	h := New(store.NewPriceStore(nil), newTestLogger(), Options{WriteWait: writeWait})

	conns := make([]*stalledConn, 5)
	for i := range conns {
		conns[i] = &stalledConn{}
		sub := newSubscriber(conns[i], h.opts, h.logger)
		sub.start()
		h.subscribers[sub] = struct{}{}
	}
	h.updateCount()

	start := time.Now()
	h.shutdown()
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 3*writeWait, "stalled peers must not add up")
	assert.Zero(t, h.Count())

	want := websocket.FormatCloseMessage(websocket.CloseGoingAway, closeReasonShutdown)
	for i, c := range conns {
		c.mu.Lock()
		assert.Equal(t, want, c.control, "subscriber %d", i)
		assert.True(t, c.closed, "subscriber %d", i)
		c.mu.Unlock()
	}
}
