package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the sync engine
type Config struct {
	Identity  IdentityConfig
	Cache     CacheConfig
	Relay     RelayConfig
	Feed      FeedConfig
	Redis     RedisConfig
	Server    ServerConfig
	Logging   LoggingConfig
	Telemetry TelemetryConfig
}

// IdentityConfig holds the local user's key material
type IdentityConfig struct {
	SecretKey string // hex-encoded secret key
}

// CacheConfig holds durable and memory cache configuration
type CacheConfig struct {
	Path          string // sqlite file path
	MemorySize    int    // entries per in-memory tier
	EventLimit    int    // max raw events kept before pruning
	ProfileTTL    time.Duration
	RelayListTTL  time.Duration
	FollowListTTL time.Duration
	CountTTL      time.Duration
}

// RelayConfig holds relay fan-out configuration
type RelayConfig struct {
	DefaultRelays []string
	QueryTimeout  time.Duration
	QueryLimit    int
}

// FeedConfig holds feed load configuration
type FeedConfig struct {
	PageSize       int
	CachePaintSize int
	EnrichCounts   bool
}

// RedisConfig holds the optional shared hot-tier configuration
type RedisConfig struct {
	URL     string
	Enabled bool
}

// ServerConfig holds the local observability server configuration
type ServerConfig struct {
	Port int
	Host string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled           bool
	JaegerURL         string
	PrometheusEnabled bool
	PrometheusPort    int
	ServiceName       string
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix("TEEBOX")
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.teebox")
	viper.AddConfigPath("/etc/teebox")

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found; this is OK if we have env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{
		Identity: IdentityConfig{
			SecretKey: getString("secret_key", ""),
		},
		Cache: CacheConfig{
			Path:          getString("cache_path", defaultCachePath()),
			MemorySize:    getInt("cache_memory_size", 1024),
			EventLimit:    getInt("cache_event_limit", 5000),
			ProfileTTL:    getDuration("profile_ttl", time.Hour),
			RelayListTTL:  getDuration("relay_list_ttl", 24*time.Hour),
			FollowListTTL: getDuration("follow_list_ttl", time.Hour),
			CountTTL:      getDuration("count_ttl", 10*time.Minute),
		},
		Relay: RelayConfig{
			DefaultRelays: getStringSlice("default_relays", []string{
				"wss://relay.damus.io",
				"wss://nos.lol",
				"wss://relay.nostr.band",
			}),
			QueryTimeout: getDuration("relay_query_timeout", 5*time.Second),
			QueryLimit:   getInt("relay_query_limit", 500),
		},
		Feed: FeedConfig{
			PageSize:       getInt("feed_page_size", 50),
			CachePaintSize: getInt("feed_cache_paint_size", 50),
			EnrichCounts:   getBool("feed_enrich_counts", true),
		},
		Redis: RedisConfig{
			URL:     getString("redis_url", ""),
			Enabled: getString("redis_url", "") != "",
		},
		Server: ServerConfig{
			Port: getInt("http_server_port", 8080),
			Host: getString("http_server_host", "127.0.0.1"),
		},
		Logging: LoggingConfig{
			Level:  getString("log_level", "INFO"),
			Format: getString("log_format", "json"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           getBool("telemetry_enabled", false),
			JaegerURL:         getString("jaeger_url", ""),
			PrometheusEnabled: getBool("prometheus_enabled", false),
			PrometheusPort:    getInt("prometheus_port", 9090),
			ServiceName:       getString("service_name", "teebox"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "teebox.db"
	}
	return home + "/.teebox/cache.db"
}

func setDefaults() {
	viper.SetDefault("cache_memory_size", 1024)
	viper.SetDefault("cache_event_limit", 5000)
	viper.SetDefault("relay_query_timeout", "5s")
	viper.SetDefault("relay_query_limit", 500)
	viper.SetDefault("feed_page_size", 50)
	viper.SetDefault("feed_cache_paint_size", 50)
	viper.SetDefault("http_server_port", 8080)
	viper.SetDefault("http_server_host", "127.0.0.1")
	viper.SetDefault("log_level", "INFO")
	viper.SetDefault("log_format", "json")
	viper.SetDefault("service_name", "teebox")
}

func getString(key, defaultValue string) string {
	if viper.IsSet(key) {
		return viper.GetString(key)
	}
	if val := os.Getenv("TEEBOX_" + toEnvKey(key)); val != "" {
		return val
	}
	return defaultValue
}

func getStringSlice(key string, defaultValue []string) []string {
	if viper.IsSet(key) {
		if v := viper.GetStringSlice(key); len(v) > 0 {
			return v
		}
	}
	if val := os.Getenv("TEEBOX_" + toEnvKey(key)); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if viper.IsSet(key) {
		return viper.GetInt(key)
	}
	if val := os.Getenv("TEEBOX_" + toEnvKey(key)); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if viper.IsSet(key) {
		return viper.GetBool(key)
	}
	if val := os.Getenv("TEEBOX_" + toEnvKey(key)); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if viper.IsSet(key) {
		if d := viper.GetDuration(key); d > 0 {
			return d
		}
	}
	if val := os.Getenv("TEEBOX_" + toEnvKey(key)); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultValue
}

func toEnvKey(key string) string {
	return strings.ToUpper(key)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Cache.Path == "" {
		return fmt.Errorf("cache_path is required")
	}
	if len(c.Relay.DefaultRelays) == 0 {
		return fmt.Errorf("at least one default relay is required")
	}
	if c.Relay.QueryTimeout <= 0 || c.Relay.QueryTimeout > time.Minute {
		return fmt.Errorf("relay_query_timeout must be between 1ns and 1m")
	}
	if c.Feed.PageSize <= 0 || c.Feed.PageSize > 500 {
		return fmt.Errorf("feed_page_size must be between 1 and 500")
	}
	if c.Cache.EventLimit < c.Feed.CachePaintSize {
		return fmt.Errorf("cache_event_limit must be at least feed_cache_paint_size")
	}
	return nil
}
