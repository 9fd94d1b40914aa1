package feeds

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pricehub/internal/config"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Aggregator owns one Connection per configured upstream feed
type Aggregator struct {
	connections []*Connection
	logger      *logrus.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	isRunning bool
	wg        sync.WaitGroup
}

// NewAggregator builds connections for the given feed configs
func NewAggregator(feedConfigs []config.FeedConfig, store TickWriter, notifier Notifier, logger *logrus.Logger, clock clockwork.Clock) (*Aggregator, error) {
	httpClient := &http.Client{Timeout: 10 * time.Second}

	connections := make([]*Connection, 0, len(feedConfigs))
	for _, fc := range feedConfigs {
		adapter, err := NewAdapter(fc, httpClient, logger)
		if err != nil {
			return nil, err
		}

		kind, err := ParseBackoffKind(fc.BackoffPolicy)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", fc.Name, err)
		}

		dialer, err := NewWSDialer(fc.ProxyURL, logger)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", fc.Name, err)
		}

		conn := NewConnection(adapter, dialer, store, notifier, logger, ConnectionOptions{
			MaxAttempts: fc.MaxReconnectAttempts,
			Backoff:     BackoffPolicy{Kind: kind, Base: fc.BackoffBase, Max: fc.BackoffMax},
			ReadTimeout: fc.ReadTimeout,
			Limiter:     NewSubscribeLimiter(fc.SubscribeRate, fc.SubscribeBurst, clock),
			Clock:       clock,
		})
		connections = append(connections, conn)
	}

	return NewAggregatorFromConnections(connections, logger), nil
}

// NewAggregatorFromConnections wraps already built connections
func NewAggregatorFromConnections(connections []*Connection, logger *logrus.Logger) *Aggregator {
	return &Aggregator{
		connections: connections,
		logger:      logger,
	}
}

// Start launches every connection in its own goroutine
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isRunning {
		return fmt.Errorf("aggregator already running")
	}
	a.isRunning = true

	ctx, a.cancel = context.WithCancel(ctx)
	for _, conn := range a.connections {
		a.wg.Add(1)
		go func(conn *Connection) {
			defer a.wg.Done()
			if err := conn.Run(ctx); err != nil && !errors.Is(err, ErrAbandoned) {
				a.logger.WithError(err).Errorf("%s stopped unexpectedly", conn.Name())
			}
		}(conn)
		a.logger.Infof("%s feed manager started", conn.Name())
	}

	a.logger.Infof("Started %d feed connections", len(a.connections))
	return nil
}

// Stop closes all upstream connections and waits for them to exit
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if !a.isRunning {
		a.mu.Unlock()
		return
	}
	a.isRunning = false
	cancel := a.cancel
	a.mu.Unlock()

	a.logger.Info("🛑 Stopping feed connections...")
	cancel()
	a.wg.Wait()
	a.logger.Info("✅ Feed connections stopped")
}

// Statuses returns the status of every connection in configuration order
func (a *Aggregator) Statuses() []Status {
	out := make([]Status, 0, len(a.connections))
	for _, conn := range a.connections {
		out = append(out, conn.Status())
	}
	return out
}
