package pubsub

import (
	"context"
	"errors"
	"time"

	"pricehub/internal/cache"
	"pricehub/internal/metrics"
	"pricehub/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	mirrorQueueSize = 64
	mirrorTimeout   = 2 * time.Second

	// Consecutive failed writes that open the circuit
	breakerTripAfter = 5
	breakerOpenFor   = 30 * time.Second
)

type mirrorItem struct {
	payload models.BroadcastPayload
	data    []byte
}

// Mirror copies hub broadcasts to Redis: the raw payload is published on a
// channel and the latest prices are cached. Redis latency never reaches the hub.
type Mirror struct {
	publisher *Publisher
	cache     *cache.PriceCache
	channel   string
	ttl       time.Duration
	logger    *logrus.Logger
	breaker   *gobreaker.CircuitBreaker

	queue chan mirrorItem
}

func NewMirror(publisher *Publisher, priceCache *cache.PriceCache, channel string, ttl time.Duration, logger *logrus.Logger) *Mirror {
	if channel == "" {
		channel = DefaultChannel
	}
	m := &Mirror{
		publisher: publisher,
		cache:     priceCache,
		channel:   channel,
		ttl:       ttl,
		logger:    logger,
		queue:     make(chan mirrorItem, mirrorQueueSize),
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-mirror",
		MaxRequests: 1,
		Timeout:     breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
			metrics.MirrorCircuitState.Set(stateToFloat(to))
		},
	})
	return m
}

// State returns the circuit breaker state guarding Redis writes
func (m *Mirror) State() gobreaker.State {
	return m.breaker.State()
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Offer queues a payload for mirroring and drops it when the queue is full
func (m *Mirror) Offer(payload models.BroadcastPayload, data []byte) {
	select {
	case m.queue <- mirrorItem{payload: payload, data: data}:
	default:
		metrics.MirrorErrors.WithLabelValues("dropped").Inc()
	}
}

// Run drains the queue until ctx is cancelled
func (m *Mirror) Run(ctx context.Context) {
	m.logger.Infof("✅ Redis mirror started (channel: %s)", m.channel)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Redis mirror stopped")
			return
		case item := <-m.queue:
			m.mirror(ctx, item)
		}
	}
}

// mirror writes one item. While the circuit is open items are skipped
// without touching Redis.
func (m *Mirror) mirror(ctx context.Context, item mirrorItem) {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	_, err := m.breaker.Execute(func() (interface{}, error) {
		return nil, m.write(ctx, item)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.MirrorErrors.WithLabelValues("circuit_open").Inc()
	}
}

func (m *Mirror) write(ctx context.Context, item mirrorItem) error {
	var errs []error

	if err := m.publisher.PublishPayload(ctx, m.channel, item.data); err != nil {
		metrics.MirrorErrors.WithLabelValues("publish").Inc()
		m.logger.WithError(err).Warn("Failed to publish prices")
		errs = append(errs, err)
	}

	if m.cache != nil {
		if err := m.cache.SetPayload(ctx, item.payload, item.data, m.ttl); err != nil {
			metrics.MirrorErrors.WithLabelValues("cache").Inc()
			m.logger.WithError(err).Warn("Failed to cache prices")
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
