package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "30s" or
// "500ms". Empty values stay zero.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Bookflow   BookflowConfig   `yaml:"bookflow"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Cache      CacheConfig      `yaml:"cache"`
	Feeds      FeedsConfig      `yaml:"feeds"`
	Fallback   FallbackConfig   `yaml:"fallback"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Status     StatusConfig     `yaml:"status"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type BookflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ChannelSize bool   `yaml:"channel_size"`
	UsedWeight  bool   `yaml:"used_weight"`
	Namespace   string `yaml:"namespace"`
	Dashboard   string `yaml:"dashboard"`
	Region      string `yaml:"region"`
	// Static credentials override the default AWS chain when both are set.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ChannelsConfig struct {
	SnapshotBuffer int `yaml:"snapshot_buffer"`
}

type CacheConfig struct {
	Shards        int      `yaml:"shards"`
	Staleness     Duration `yaml:"staleness"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

type FeedsConfig struct {
	Bitget  BitgetFeedConfig  `yaml:"bitget"`
	Binance BinanceFeedConfig `yaml:"binance"`
	Bybit   BybitFeedConfig   `yaml:"bybit"`
	Backoff BackoffConfig     `yaml:"backoff"`
}

type BitgetFeedConfig struct {
	Enabled              bool     `yaml:"enabled"`
	URL                  string   `yaml:"url"`
	Symbols              []string `yaml:"symbols"`
	SymbolsPerConnection int      `yaml:"symbols_per_connection"`
	StaleAfter           Duration `yaml:"stale_after"`
	PingInterval         Duration `yaml:"ping_interval"`
}

type BinanceFeedConfig struct {
	Enabled              bool     `yaml:"enabled"`
	URL                  string   `yaml:"url"`
	Symbols              []string `yaml:"symbols"`
	SymbolsPerConnection int      `yaml:"symbols_per_connection"`
	StaleAfter           Duration `yaml:"stale_after"`
	DepthLevels          int      `yaml:"depth_levels"`
	UpdateSpeed          string   `yaml:"update_speed"`
}

type BybitFeedConfig struct {
	Enabled              bool     `yaml:"enabled"`
	URL                  string   `yaml:"url"`
	Symbols              []string `yaml:"symbols"`
	SymbolsPerConnection int      `yaml:"symbols_per_connection"`
	StaleAfter           Duration `yaml:"stale_after"`
	Depth                int      `yaml:"depth"`
}

type BackoffConfig struct {
	Base   Duration `yaml:"base"`
	Max    Duration `yaml:"max"`
	Jitter float64  `yaml:"jitter"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	MaxConnsPerHost int      `yaml:"max_conns_per_host"`
	IdleConnTimeout Duration `yaml:"idle_conn_timeout"`
}

type FallbackConfig struct {
	Timeout        Duration             `yaml:"timeout"`
	RetryDelay     Duration             `yaml:"retry_delay"`
	Depth          int                  `yaml:"depth"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	Binance        FallbackSourceConfig `yaml:"binance"`
	Bitget         FallbackSourceConfig `yaml:"bitget"`
	Kucoin         FallbackSourceConfig `yaml:"kucoin"`
}

type FallbackSourceConfig struct {
	URL               string  `yaml:"url"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type AggregatorConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

func defaultConfig() Config {
	return Config{
		Metrics: MetricsConfig{
			ChannelSize: true,
			UsedWeight:  true,
			Namespace:   "BookFlow",
			Dashboard:   "BookFlow",
		},
		Channels: ChannelsConfig{SnapshotBuffer: 1024},
		Cache: CacheConfig{
			Shards:    16,
			Staleness: Duration(60 * time.Second),
		},
		Feeds: FeedsConfig{
			Bitget: BitgetFeedConfig{
				URL:                  "wss://ws.bitget.com/v2/ws/public",
				SymbolsPerConnection: 50,
				StaleAfter:           Duration(30 * time.Second),
				PingInterval:         Duration(25 * time.Second),
			},
			Binance: BinanceFeedConfig{
				URL:                  "wss://stream.binance.com:9443/stream",
				SymbolsPerConnection: 100,
				StaleAfter:           Duration(30 * time.Second),
				DepthLevels:          20,
				UpdateSpeed:          "100ms",
			},
			Bybit: BybitFeedConfig{
				URL:                  "wss://stream.bybit.com/v5/public/spot",
				SymbolsPerConnection: 10,
				StaleAfter:           Duration(30 * time.Second),
				Depth:                50,
			},
			Backoff: BackoffConfig{
				Base:   Duration(time.Second),
				Max:    Duration(60 * time.Second),
				Jitter: 0.2,
			},
		},
		Fallback: FallbackConfig{
			Timeout:    Duration(10 * time.Second),
			RetryDelay: Duration(500 * time.Millisecond),
			Depth:      100,
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConns:    10,
				MaxConnsPerHost: 10,
				IdleConnTimeout: Duration(90 * time.Second),
			},
			Binance: FallbackSourceConfig{URL: "https://api.binance.com", RequestsPerSecond: 5, Burst: 1},
			Bitget:  FallbackSourceConfig{URL: "https://api.bitget.com", RequestsPerSecond: 5, Burst: 1},
			Kucoin:  FallbackSourceConfig{URL: "https://api.kucoin.com", RequestsPerSecond: 5, Burst: 1},
		},
		Status: StatusConfig{Addr: ":8090"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override metrics settings from environment variables if available
	if config.Metrics.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Metrics.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Metrics.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Metrics.Region = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Bookflow.Name == "" {
		return fmt.Errorf("bookflow.name is required")
	}

	if cfg.Bookflow.Version == "" {
		return fmt.Errorf("bookflow.version is required")
	}

	if cfg.Channels.SnapshotBuffer <= 0 {
		return fmt.Errorf("channels.snapshot_buffer must be greater than 0")
	}

	if cfg.Cache.Shards <= 0 {
		return fmt.Errorf("cache.shards must be greater than 0")
	}
	if cfg.Cache.Staleness <= 0 {
		return fmt.Errorf("cache.staleness must be greater than 0")
	}

	if cfg.Feeds.Bitget.Enabled {
		if cfg.Feeds.Bitget.URL == "" {
			return fmt.Errorf("feeds.bitget.url is required when the feed is enabled")
		}
		if len(cfg.Feeds.Bitget.Symbols) == 0 {
			return fmt.Errorf("feeds.bitget.symbols must not be empty when the feed is enabled")
		}
		if cfg.Feeds.Bitget.SymbolsPerConnection <= 0 {
			return fmt.Errorf("feeds.bitget.symbols_per_connection must be greater than 0")
		}
		if cfg.Feeds.Bitget.StaleAfter <= 0 {
			return fmt.Errorf("feeds.bitget.stale_after must be greater than 0")
		}
	}

	if cfg.Feeds.Binance.Enabled {
		if cfg.Feeds.Binance.URL == "" {
			return fmt.Errorf("feeds.binance.url is required when the feed is enabled")
		}
		if len(cfg.Feeds.Binance.Symbols) == 0 {
			return fmt.Errorf("feeds.binance.symbols must not be empty when the feed is enabled")
		}
		if cfg.Feeds.Binance.SymbolsPerConnection <= 0 {
			return fmt.Errorf("feeds.binance.symbols_per_connection must be greater than 0")
		}
		if cfg.Feeds.Binance.StaleAfter <= 0 {
			return fmt.Errorf("feeds.binance.stale_after must be greater than 0")
		}
		switch cfg.Feeds.Binance.DepthLevels {
		case 5, 10, 20:
		default:
			return fmt.Errorf("feeds.binance.depth_levels must be 5, 10 or 20")
		}
	}

	if cfg.Feeds.Bybit.Enabled {
		if cfg.Feeds.Bybit.URL == "" {
			return fmt.Errorf("feeds.bybit.url is required when the feed is enabled")
		}
		if len(cfg.Feeds.Bybit.Symbols) == 0 {
			return fmt.Errorf("feeds.bybit.symbols must not be empty when the feed is enabled")
		}
		if cfg.Feeds.Bybit.SymbolsPerConnection <= 0 {
			return fmt.Errorf("feeds.bybit.symbols_per_connection must be greater than 0")
		}
		if cfg.Feeds.Bybit.StaleAfter <= 0 {
			return fmt.Errorf("feeds.bybit.stale_after must be greater than 0")
		}
	}

	if cfg.Feeds.Backoff.Base <= 0 {
		return fmt.Errorf("feeds.backoff.base must be greater than 0")
	}
	if cfg.Feeds.Backoff.Max < cfg.Feeds.Backoff.Base {
		return fmt.Errorf("feeds.backoff.max must be at least feeds.backoff.base")
	}
	if cfg.Feeds.Backoff.Jitter < 0 || cfg.Feeds.Backoff.Jitter >= 1 {
		return fmt.Errorf("feeds.backoff.jitter must be in [0, 1)")
	}

	if cfg.Fallback.Timeout <= 0 {
		return fmt.Errorf("fallback.timeout must be greater than 0")
	}
	if cfg.Fallback.Depth <= 0 {
		return fmt.Errorf("fallback.depth must be greater than 0")
	}
	for name, src := range map[string]FallbackSourceConfig{
		"binance": cfg.Fallback.Binance,
		"bitget":  cfg.Fallback.Bitget,
		"kucoin":  cfg.Fallback.Kucoin,
	} {
		if src.URL == "" {
			return fmt.Errorf("fallback.%s.url is required", name)
		}
		if src.RequestsPerSecond <= 0 {
			return fmt.Errorf("fallback.%s.requests_per_second must be greater than 0", name)
		}
	}

	if cfg.Aggregator.MaxDepth < 0 {
		return fmt.Errorf("aggregator.max_depth must not be negative")
	}

	if cfg.Status.Enabled && cfg.Status.Addr == "" {
		return fmt.Errorf("status.addr is required when the status server is enabled")
	}

	return nil
}
