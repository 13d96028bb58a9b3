// Package config provides configuration loading and management for the application.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrUnknownNetwork is returned when a request names a network that is not
// configured. It is a configuration error and is never retried.
var ErrUnknownNetwork = errors.New("unknown network")

// NetworkConfig is the identity of one chain: its RPC endpoint ring, the
// read-helper (lens) contract, the subgraph used for vault discovery and the
// reward-feed protocol filter. Loaded once at process start, then immutable.
type NetworkConfig struct {
	// RPCURLs is the ordered endpoint ring used by the failover pool.
	RPCURLs []string `json:"rpcUrls"`

	// ChainID is the numeric chain id used by the reward feed.
	ChainID int64 `json:"chainId"`

	// UtilsLens is the address of the on-chain read-helper contract.
	UtilsLens string `json:"utilsLens"`

	// SubgraphURL is the GraphQL endpoint for vault discovery.
	SubgraphURL string `json:"subgraphUrl"`

	// RewardProtocol filters the reward feed, e.g. "EULER".
	RewardProtocol string `json:"rewardProtocol"`

	// PollCron is the per-network polling schedule. Empty means the
	// default schedule.
	PollCron string `json:"pollCron"`
}

// CalcDefaults holds fallback pricing/risk parameters used when a request
// carries no override.
type CalcDefaults struct {
	LiquidationThresholdPct float64
	PriceCollateralUSD      float64
	PriceBorrowUSD          float64
}

// Config holds all application configuration.
type Config struct {
	// HTTP server port.
	Port string

	// Networks maps network key to its chain configuration.
	Networks map[string]NetworkConfig

	// Calc defaults applied when requests omit overrides.
	Calc CalcDefaults

	// Base URLs for the external feeds.
	RewardFeedURL string
	HistoryURL    string

	// HistoryChainMap translates network keys to the historical feed's
	// chain names when they differ.
	HistoryChainMap map[string]string

	// OpenTelemetry endpoint for observability.
	OtelEndpoint string

	// Timeouts and schedules.
	RequestTimeout time.Duration
	DefaultCron    string
	IngestCron     string
}

// Load creates a new Config from environment variables. The network map is
// a JSON blob, e.g.:
//
//	NETWORKS={"avalanche":{"rpcUrls":["https://..."],"chainId":43114,...}}
func Load() Config {
	networks := map[string]NetworkConfig{}
	if raw := os.Getenv("NETWORKS"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &networks)
	}

	chainMap := map[string]string{}
	if raw := os.Getenv("HISTORY_CHAIN_MAP"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &chainMap)
	}

	return Config{
		Port:     GetEnvOrDefault("PORT", "8080"),
		Networks: networks,
		Calc: CalcDefaults{
			LiquidationThresholdPct: GetEnvAsFloat("LIQUIDATION_THRESHOLD_PCT", 83.0),
			PriceCollateralUSD:      GetEnvAsFloat("PRICE_COLLATERAL_USD", 1.0),
			PriceBorrowUSD:          GetEnvAsFloat("PRICE_BORROW_USD", 1.0),
		},
		RewardFeedURL:   GetEnvOrDefault("REWARD_FEED_URL", "https://api.merkl.xyz"),
		HistoryURL:      GetEnvOrDefault("HISTORY_URL", "https://api.eulerscan.xyz"),
		HistoryChainMap: chainMap,
		OtelEndpoint:    GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		RequestTimeout:  GetEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
		DefaultCron:     GetEnvOrDefault("POLL_CRON", "0 */10 * * * *"),
		IngestCron:      GetEnvOrDefault("INGEST_CRON", "0 */10 * * * *"),
	}
}

// Require looks up a network and fails fast when it is not configured.
func (c Config) Require(network string) (NetworkConfig, error) {
	n, ok := c.Networks[network]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
	return n, nil
}

// GetEnv retrieves an environment variable and whether it exists.
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set.
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value.
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value.
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value.
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
