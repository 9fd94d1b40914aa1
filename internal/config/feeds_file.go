package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FeedConfig is the resolved configuration of a single upstream feed
type FeedConfig struct {
	Name                 string
	URL                  string // empty means the adapter default
	Symbol               string
	MaxReconnectAttempts int
	BackoffPolicy        string
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	ReadTimeout          time.Duration
	SubscribeRate        float64
	SubscribeBurst       int
	ProxyURL             string
	Polymarket           PolymarketConfig
}

// FeedFile represents the YAML feed overrides file
type FeedFile struct {
	Feeds []FeedOverride `yaml:"feeds"`
}

// FeedOverride holds optional per-feed settings. Zero values keep the env defaults.
type FeedOverride struct {
	Name                 string `yaml:"name"`
	URL                  string `yaml:"url"`
	Symbol               string `yaml:"symbol"`
	MaxReconnectAttempts *int   `yaml:"max_reconnect_attempts"`
	Backoff              struct {
		Policy string `yaml:"policy"`
		Base   string `yaml:"base"`
		Max    string `yaml:"max"`
	} `yaml:"backoff"`
	ReadTimeout string `yaml:"read_timeout"`
	TokenUp     string `yaml:"token_up"`
	TokenDown   string `yaml:"token_down"`
}

// LoadFeedFile loads feed overrides from a YAML file
func LoadFeedFile(filePath string) (*FeedFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read feeds file: %w", err)
	}

	var file FeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse feeds YAML: %w", err)
	}

	for i, f := range file.Feeds {
		if strings.TrimSpace(f.Name) == "" {
			return nil, fmt.Errorf("feeds[%d]: name is required", i)
		}
		file.Feeds[i].Name = strings.ToLower(strings.TrimSpace(f.Name))
	}

	return &file, nil
}

// FeedConfigs resolves the enabled feeds, applying FEEDS_FILE overrides when set
func (c *Config) FeedConfigs() ([]FeedConfig, error) {
	overrides := map[string]FeedOverride{}
	if c.Feeds.File != "" {
		file, err := LoadFeedFile(c.Feeds.File)
		if err != nil {
			return nil, err
		}
		for _, o := range file.Feeds {
			overrides[o.Name] = o
		}
	}

	out := make([]FeedConfig, 0, len(c.Feeds.Enabled))
	for _, name := range c.Feeds.Enabled {
		fc := FeedConfig{
			Name:                 name,
			Symbol:               c.Feeds.Symbol,
			MaxReconnectAttempts: c.Feeds.MaxReconnectAttempts,
			BackoffPolicy:        c.Feeds.BackoffPolicy,
			BackoffBase:          c.Feeds.BackoffBase,
			BackoffMax:           c.Feeds.BackoffMax,
			ReadTimeout:          c.Feeds.ReadTimeout,
			SubscribeRate:        c.Feeds.SubscribeRate,
			SubscribeBurst:       c.Feeds.SubscribeBurst,
			ProxyURL:             c.Feeds.ProxyURL,
			Polymarket:           c.Feeds.Polymarket,
		}

		if o, ok := overrides[name]; ok {
			if err := fc.apply(o); err != nil {
				return nil, fmt.Errorf("feed %s: %w", name, err)
			}
		}
		out = append(out, fc)
	}

	return out, nil
}

func (fc *FeedConfig) apply(o FeedOverride) error {
	if o.URL != "" {
		fc.URL = o.URL
	}
	if o.Symbol != "" {
		fc.Symbol = o.Symbol
	}
	if o.MaxReconnectAttempts != nil {
		if *o.MaxReconnectAttempts < 0 {
			return fmt.Errorf("max_reconnect_attempts must be >= 0")
		}
		fc.MaxReconnectAttempts = *o.MaxReconnectAttempts
	}
	if o.Backoff.Policy != "" {
		policy := strings.ToLower(o.Backoff.Policy)
		if !backoffPolicies[policy] {
			return fmt.Errorf("unknown backoff policy %q", o.Backoff.Policy)
		}
		fc.BackoffPolicy = policy
	}
	if o.Backoff.Base != "" {
		d, err := time.ParseDuration(o.Backoff.Base)
		if err != nil {
			return fmt.Errorf("backoff.base: %w", err)
		}
		fc.BackoffBase = d
	}
	if o.Backoff.Max != "" {
		d, err := time.ParseDuration(o.Backoff.Max)
		if err != nil {
			return fmt.Errorf("backoff.max: %w", err)
		}
		fc.BackoffMax = d
	}
	if o.ReadTimeout != "" {
		d, err := time.ParseDuration(o.ReadTimeout)
		if err != nil {
			return fmt.Errorf("read_timeout: %w", err)
		}
		fc.ReadTimeout = d
	}
	if o.TokenUp != "" {
		fc.Polymarket.TokenUp = o.TokenUp
	}
	if o.TokenDown != "" {
		fc.Polymarket.TokenDown = o.TokenDown
	}
	return fc.validate()
}

// validate applies the same bounds as Config.Validate to a resolved feed
func (fc *FeedConfig) validate() error {
	if fc.BackoffBase <= 0 || fc.BackoffMax < fc.BackoffBase {
		return fmt.Errorf("backoff base must be > 0 and <= max (base %v, max %v)", fc.BackoffBase, fc.BackoffMax)
	}
	if fc.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout must be >= 0")
	}
	return nil
}
