package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Feeds   FeedsConfig
	Hub     HubConfig
	Redis   RedisConfig
	Cache   CacheConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	HTTPPort        int
	Environment     string
	ShutdownTimeout time.Duration
}

type FeedsConfig struct {
	Enabled              []string
	Symbol               string
	MaxReconnectAttempts int
	BackoffPolicy        string
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	ReadTimeout          time.Duration
	SubscribeRate        float64
	SubscribeBurst       int
	ProxyURL             string
	File                 string
	Polymarket           PolymarketConfig
}

type PolymarketConfig struct {
	TokenUp   string
	TokenDown string
	GammaURL  string
}

type HubConfig struct {
	HeartbeatInterval time.Duration
	PingInterval      time.Duration
	PongWait          time.Duration
	WriteWait         time.Duration
	SendBuffer        int
}

type RedisConfig struct {
	Enabled       bool
	Host          string
	Port          int
	Password      string
	DB            int
	PubSubChannel string
}

type CacheConfig struct {
	PriceTTL time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Known backoff policies, see feeds.ParseBackoffKind
var backoffPolicies = map[string]bool{
	"fixed":       true,
	"linear":      true,
	"exponential": true,
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			HTTPPort:        getEnvInt("HTTP_PORT", 8080),
			Environment:     getEnv("ENVIRONMENT", "development"),
			ShutdownTimeout: parseDuration(getEnv("SHUTDOWN_TIMEOUT", "10s"), 10*time.Second),
		},
		Feeds: FeedsConfig{
			Enabled:              getEnvList("FEEDS", []string{"coinbase", "kraken"}),
			Symbol:               getEnv("FEED_SYMBOL", "BTC-USD"),
			MaxReconnectAttempts: getEnvInt("MAX_RECONNECT_ATTEMPTS", 10),
			BackoffPolicy:        strings.ToLower(getEnv("BACKOFF_POLICY", "exponential")),
			BackoffBase:          parseDuration(getEnv("BACKOFF_BASE", "1s"), time.Second),
			BackoffMax:           parseDuration(getEnv("BACKOFF_MAX", "60s"), 60*time.Second),
			ReadTimeout:          parseDuration(getEnv("FEED_READ_TIMEOUT", "60s"), 60*time.Second),
			SubscribeRate:        getEnvFloat("FEED_SUBSCRIBE_RATE", 5),
			SubscribeBurst:       getEnvInt("FEED_SUBSCRIBE_BURST", 10),
			ProxyURL:             getEnv("FEED_PROXY_URL", ""),
			File:                 getEnv("FEEDS_FILE", ""),
			Polymarket: PolymarketConfig{
				TokenUp:   getEnv("POLYMARKET_TOKEN_UP", ""),
				TokenDown: getEnv("POLYMARKET_TOKEN_DOWN", ""),
				GammaURL:  getEnv("POLYMARKET_GAMMA_URL", "https://gamma-api.polymarket.com"),
			},
		},
		Hub: HubConfig{
			HeartbeatInterval: parseDuration(getEnv("HEARTBEAT_INTERVAL", "30s"), 30*time.Second),
			PingInterval:      parseDuration(getEnv("PING_INTERVAL", "15s"), 15*time.Second),
			PongWait:          parseDuration(getEnv("PONG_WAIT", "10s"), 10*time.Second),
			WriteWait:         parseDuration(getEnv("WRITE_WAIT", "5s"), 5*time.Second),
			SendBuffer:        getEnvInt("SEND_BUFFER", 16),
		},
		Redis: RedisConfig{
			Enabled:       getEnvBool("REDIS_ENABLED", false),
			Host:          getEnv("REDIS_HOST", "localhost"),
			Port:          getEnvInt("REDIS_PORT", 6379),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			PubSubChannel: getEnv("REDIS_PUBSUB_CHANNEL", "pricehub:prices"),
		},
		Cache: CacheConfig{
			PriceTTL: time.Duration(getEnvInt("CACHE_TTL_PRICE", 60)) * time.Second,
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT %d out of range", c.Server.HTTPPort)
	}
	if len(c.Feeds.Enabled) == 0 {
		return fmt.Errorf("FEEDS must name at least one feed")
	}
	if c.Feeds.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must be >= 0")
	}
	if !backoffPolicies[c.Feeds.BackoffPolicy] {
		return fmt.Errorf("unknown BACKOFF_POLICY %q", c.Feeds.BackoffPolicy)
	}
	if c.Feeds.BackoffBase <= 0 || c.Feeds.BackoffMax < c.Feeds.BackoffBase {
		return fmt.Errorf("BACKOFF_BASE must be > 0 and <= BACKOFF_MAX")
	}
	if c.Hub.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be > 0")
	}
	if c.Hub.PingInterval <= 0 || c.Hub.PongWait <= 0 {
		return fmt.Errorf("PING_INTERVAL and PONG_WAIT must be > 0")
	}
	if c.Hub.SendBuffer < 1 {
		return fmt.Errorf("SEND_BUFFER must be >= 1")
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required when REDIS_ENABLED")
	}
	return nil
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}
