package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"pricehub/internal/cache"
	"pricehub/internal/config"
	"pricehub/internal/feeds"
	"pricehub/internal/hub"
	"pricehub/internal/pubsub"
	"pricehub/internal/server"
	"pricehub/internal/store"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

var version = "1.0.0"

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("Starting pricehub...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: ", err)
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if strings.EqualFold(cfg.Logging.Format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	feedConfigs, err := cfg.FeedConfigs()
	if err != nil {
		logger.Fatal("Invalid feed configuration: ", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()
	prices := store.NewPriceStore(clock)

	hubOpts := hub.Options{
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
		PingInterval:      cfg.Hub.PingInterval,
		PongWait:          cfg.Hub.PongWait,
		WriteWait:         cfg.Hub.WriteWait,
		SendBuffer:        cfg.Hub.SendBuffer,
		Clock:             clock,
	}

	// Optional Redis mirror
	if cfg.Redis.Enabled {
		logger.Info("Connecting to Redis...")
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			// The hub works without Redis; mirroring just fails until it comes back
			logger.WithError(err).Warn("Redis ping failed, mirror will retry per payload")
		} else {
			logger.Info("Redis connected successfully")
		}

		mirror := pubsub.NewMirror(
			pubsub.NewPublisher(redisClient, logger),
			cache.NewPriceCache(redisClient, logger),
			cfg.Redis.PubSubChannel,
			cfg.Cache.PriceTTL,
			logger,
		)
		go mirror.Run(ctx)
		hubOpts.Sink = mirror
	}

	h := hub.New(prices, logger, hubOpts)
	hubErr := make(chan error, 1)
	go func() { hubErr <- h.Run(ctx) }()

	aggregator, err := feeds.NewAggregator(feedConfigs, prices, h, logger, clock)
	if err != nil {
		logger.Fatal("Failed to create feed aggregator: ", err)
	}
	if err := aggregator.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start feed aggregator")
	}

	srv := server.NewServer(server.Options{Port: cfg.Server.HTTPPort, Version: version}, prices, h, aggregator, logger)
	httpErr := make(chan error, 1)
	go func() { httpErr <- srv.Start() }()

	logger.Infof("pricehub v%s started (feeds: %s)", version, strings.Join(cfg.Feeds.Enabled, ","))

	// Wait for shutdown signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Infof("Received %s, shutting down", sig)
	case err := <-httpErr:
		if err != nil {
			logger.WithError(err).Error("HTTP server error")
		}
	case err := <-hubErr:
		logger.WithError(err).Error("Hub stopped unexpectedly")
	}

	logger.Info("Shutting down gracefully...")

	// Stop accepting subscribers first, then close upstreams, then the hub
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown error")
	}

	aggregator.Stop()

	cancel()
	select {
	case <-h.Done():
	case <-shutdownCtx.Done():
		logger.Warn("Timed out waiting for hub to close subscribers")
	}

	logger.Info("Shutdown complete")
}
