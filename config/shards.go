package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FeedShard defines a set of symbols whose feed connections should bind a
// specific local source IP. Empty symbol lists fall back to the feed's
// configured symbols; an empty IP lets the OS pick the interface.
type FeedShard struct {
	IP             string   `yaml:"ip"`
	BitgetSymbols  []string `yaml:"bitget_symbols"`
	BinanceSymbols []string `yaml:"binance_symbols"`
	BybitSymbols   []string `yaml:"bybit_symbols"`
}

// FeedShards represents the full shard configuration.
type FeedShards struct {
	Shards []FeedShard `yaml:"shards"`
}

// LoadFeedShards loads shard configuration from the given path. A missing
// file is an error only in production-like environments; elsewhere a single
// unbound shard is returned so local runs need no shard file.
func LoadFeedShards(path string) (*FeedShards, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !IsProductionLike(AppEnvironment()) {
			return &FeedShards{Shards: []FeedShard{{}}}, nil
		}
		return nil, fmt.Errorf("failed to read shards file: %w", err)
	}
	var cfg FeedShards
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse shards file: %w", err)
	}
	if len(cfg.Shards) == 0 {
		cfg.Shards = []FeedShard{{}}
	}
	return &cfg, nil
}

// ChunkSymbols splits symbols into connection-sized groups. Exchanges cap how
// many subscriptions one websocket may carry, so each chunk becomes its own
// connection.
func ChunkSymbols(symbols []string, perConnection int) [][]string {
	if perConnection <= 0 || len(symbols) == 0 {
		if len(symbols) == 0 {
			return nil
		}
		return [][]string{symbols}
	}
	chunks := make([][]string, 0, (len(symbols)+perConnection-1)/perConnection)
	for start := 0; start < len(symbols); start += perConnection {
		end := start + perConnection
		if end > len(symbols) {
			end = len(symbols)
		}
		chunks = append(chunks, symbols[start:end])
	}
	return chunks
}
