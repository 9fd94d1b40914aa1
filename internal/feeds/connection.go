package feeds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pricehub/internal/metrics"
	"pricehub/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

var (
	// ErrAbandoned is returned by Run once the reconnect budget is exhausted
	ErrAbandoned = errors.New("feed abandoned: reconnect attempts exhausted")
	// ErrStreamClosed is recorded when the upstream ends a session without an error
	ErrStreamClosed = errors.New("upstream stream closed")

	errSubscriptionExpired = errors.New("subscription expired")
)

// State of a feed connection
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateStreaming
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateAbandoned:
		return "abandoned"
	default:
		return "disconnected"
	}
}

// TickWriter receives accepted ticks. *store.PriceStore implements it.
type TickWriter interface {
	Update(tick models.Tick) error
}

// Notifier is signalled after a tick has been written. *hub.Hub implements it.
type Notifier interface {
	Notify(source string)
}

// Status is a read-only view of a feed connection for health reporting
type Status struct {
	Name        string       `json:"name"`
	State       string       `json:"state"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"max_attempts"`
	LastError   string       `json:"last_error,omitempty"`
	LastTick    time.Time    `json:"last_tick,omitempty"`
	Messages    int64        `json:"messages"`
	Dropped     int64        `json:"dropped"`
	Subscribe   LimiterStats `json:"subscribe"`
}

// ConnectionOptions configures a Connection
type ConnectionOptions struct {
	MaxAttempts int
	Backoff     BackoffPolicy
	ReadTimeout time.Duration
	Limiter     *SubscribeLimiter
	Clock       clockwork.Clock
}

// Connection owns one live upstream connection and its reconnect state machine
type Connection struct {
	adapter  Adapter
	dialer   Dialer
	store    TickWriter
	notifier Notifier
	logger   *logrus.Logger

	maxAttempts int
	backoff     BackoffPolicy
	readTimeout time.Duration
	limiter     *SubscribeLimiter
	clock       clockwork.Clock

	mu       sync.RWMutex
	state    State
	attempts int
	lastErr  error
	lastTick time.Time
	msgCount int64
}

// NewConnection creates a feed connection in the Disconnected state
func NewConnection(adapter Adapter, dialer Dialer, store TickWriter, notifier Notifier, logger *logrus.Logger, opts ConnectionOptions) *Connection {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Limiter == nil {
		opts.Limiter = NewSubscribeLimiter(0, 1, opts.Clock)
	}

	c := &Connection{
		adapter:     adapter,
		dialer:      dialer,
		store:       store,
		notifier:    notifier,
		logger:      logger,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		readTimeout: opts.ReadTimeout,
		limiter:     opts.Limiter,
		clock:       opts.Clock,
	}
	metrics.SetFeedState(adapter.Name(), StateDisconnected.String())
	return c
}

// Name returns the feed name
func (c *Connection) Name() string {
	return c.adapter.Name()
}

// State returns the current state
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Attempts returns the current reconnect attempt counter
func (c *Connection) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// Status returns a snapshot of the connection for health reporting
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		Name:        c.adapter.Name(),
		State:       c.state.String(),
		Attempts:    c.attempts,
		MaxAttempts: c.maxAttempts,
		LastTick:    c.lastTick,
		Messages:    c.msgCount,
		Dropped:     int64(metrics.CounterValue(metrics.FeedDropped.WithLabelValues(c.adapter.Name()))),
		Subscribe:   c.limiter.Stats(),
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Run drives the state machine until ctx is cancelled (returns nil) or the
// reconnect budget is exhausted (returns ErrAbandoned).
func (c *Connection) Run(ctx context.Context) error {
	name := c.adapter.Name()

	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil
		}

		err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil
		}
		if errors.Is(err, errSubscriptionExpired) {
			// Not a failure: reconnect at once without touching the budget
			c.setState(StateDisconnected)
			c.logger.WithField("feed", name).Infof("%s subscription expired, resubscribing", name)
			continue
		}
		if err == nil {
			err = ErrStreamClosed
		}

		attempts := c.recordFailure(err)
		if attempts > c.maxAttempts {
			c.setState(StateAbandoned)
			c.logger.WithError(err).WithFields(logrus.Fields{
				"feed":     name,
				"attempts": attempts,
			}).Errorf("❌ %s abandoned after %d failed attempts", name, attempts)
			return fmt.Errorf("%s: %w", name, ErrAbandoned)
		}

		delay := c.backoff.Delay(attempts)
		metrics.FeedReconnects.WithLabelValues(name).Inc()
		c.logger.WithError(err).WithField("feed", name).
			Warnf("%s connection error (attempt %d/%d, backoff: %v)", name, attempts, c.maxAttempts, delay)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return nil
		case <-c.clock.After(delay):
		}
	}
}

// session runs one Connecting → Subscribing → Streaming cycle and returns why it ended
func (c *Connection) session(ctx context.Context) error {
	name := c.adapter.Name()
	c.setState(StateConnecting)

	if p, ok := c.adapter.(Preparer); ok {
		if err := p.Prepare(ctx); err != nil {
			metrics.FeedErrors.WithLabelValues(name, "prepare").Inc()
			return fmt.Errorf("prepare %s: %w", name, err)
		}
	}

	conn, err := c.dialer.Dial(ctx, c.adapter.URL())
	if err != nil {
		metrics.FeedErrors.WithLabelValues(name, "dial").Inc()
		return err
	}
	defer conn.Close()

	// Closing the transport is what unblocks ReadMessage on cancellation
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-sessionDone:
		}
	}()

	c.setState(StateSubscribing)
	c.logger.Infof("✅ %s connected (%s)", name, c.adapter.URL())

	if err := c.subscribe(ctx, conn); err != nil {
		metrics.FeedErrors.WithLabelValues(name, "subscribe").Inc()
		return err
	}

	if k, ok := c.adapter.(Keepaliver); ok {
		interval, msgType, payload := k.Keepalive()
		if interval > 0 {
			go c.keepalive(conn, interval, msgType, payload, sessionDone)
		}
	}

	var expired atomic.Bool
	if e, ok := c.adapter.(Expirer); ok {
		if until := e.Expires(); !until.IsZero() {
			if d := until.Sub(c.clock.Now()); d > 0 {
				go func() {
					select {
					case <-c.clock.After(d):
						expired.Store(true)
						conn.Close()
					case <-sessionDone:
					}
				}()
			}
		}
	}

	for {
		if c.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if expired.Load() {
				return errSubscriptionExpired
			}
			metrics.FeedErrors.WithLabelValues(name, "read").Inc()
			return fmt.Errorf("read %s: %w", name, err)
		}

		c.handleMessage(message)
	}
}

func (c *Connection) subscribe(ctx context.Context, conn Conn) error {
	for _, msg := range c.adapter.SubscribeMessages() {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("subscribe %s: %w", c.adapter.Name(), err)
		}
		if err := conn.WriteJSON(msg); err != nil {
			c.limiter.RecordFailure()
			return fmt.Errorf("subscribe %s: %w", c.adapter.Name(), err)
		}
		c.limiter.RecordSuccess()
	}
	return nil
}

// handleMessage parses one inbound message. Anything unparseable is dropped
// without touching the state or the attempt counter.
func (c *Connection) handleMessage(message []byte) {
	name := c.adapter.Name()
	metrics.FeedMessages.WithLabelValues(name).Inc()

	now := c.clock.Now()
	res := c.adapter.Parse(message, now)

	c.mu.Lock()
	c.msgCount++
	c.mu.Unlock()

	accepted := 0
	for _, tick := range res.Ticks {
		if err := c.store.Update(tick); err != nil {
			continue
		}
		accepted++
		metrics.FeedTicks.WithLabelValues(tick.Source).Inc()
		c.notifier.Notify(tick.Source)
	}

	if accepted == 0 && !res.Ack {
		metrics.FeedDropped.WithLabelValues(name).Inc()
		if c.logger.IsLevelEnabled(logrus.TraceLevel) {
			c.logger.WithField("feed", name).Tracef("dropped message: %s", truncate(message, 256))
		}
		return
	}

	c.mu.Lock()
	if accepted > 0 {
		c.lastTick = now
	}
	promoted := c.state == StateSubscribing
	if promoted {
		c.state = StateStreaming
		c.attempts = 0
		c.lastErr = nil
	}
	c.mu.Unlock()

	if promoted {
		metrics.SetFeedState(name, StateStreaming.String())
		c.logger.Infof("✅ %s streaming", name)
	}
}

func (c *Connection) keepalive(conn Conn, interval time.Duration, msgType int, payload []byte, done <-chan struct{}) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			if err := conn.WriteMessage(msgType, payload); err != nil {
				c.logger.WithError(err).Debugf("%s keepalive failed", c.adapter.Name())
				return
			}
		}
	}
}

func (c *Connection) recordFailure(err error) int {
	c.mu.Lock()
	c.attempts++
	c.lastErr = err
	c.state = StateDisconnected
	attempts := c.attempts
	c.mu.Unlock()

	metrics.SetFeedState(c.adapter.Name(), StateDisconnected.String())
	return attempts
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	metrics.SetFeedState(c.adapter.Name(), s.String())
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

