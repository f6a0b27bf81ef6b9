// Package config loads and validates tiergate configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the gateway
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Nodes    []NodeConfig   `mapstructure:"nodes" yaml:"nodes"`
	Timeouts TimeoutConfig  `mapstructure:"timeouts" yaml:"timeouts"`
	Health   HealthConfig   `mapstructure:"health" yaml:"health"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig defines the gateway HTTP listener
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// Addr returns host:port for the listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// NodeConfig describes one summarization tier node
type NodeConfig struct {
	ID               string  `mapstructure:"id" yaml:"id"`
	URL              string  `mapstructure:"url" yaml:"url"`
	Tier             int     `mapstructure:"tier" yaml:"tier"`
	TopK             int     `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens        int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	CompressionRatio float64 `mapstructure:"compression_ratio" yaml:"compression_ratio"`
	Description      string  `mapstructure:"description" yaml:"description,omitempty"`
	// QueryRateLimit caps queries per second sent to this node. Zero disables the limit.
	QueryRateLimit float64 `mapstructure:"query_rate_limit" yaml:"query_rate_limit,omitempty"`
}

// TimeoutConfig holds the three node-call timeout classes
type TimeoutConfig struct {
	Health time.Duration `mapstructure:"health" yaml:"health"`
	Query  time.Duration `mapstructure:"query" yaml:"query"`
	Stage  time.Duration `mapstructure:"stage" yaml:"stage"`
}

// HealthConfig configures the background health monitor
type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// PreflightGate makes pipeline stages fail fast when the last snapshot marks their node unreachable.
	PreflightGate bool `mapstructure:"preflight_gate" yaml:"preflight_gate"`
}

// PipelineConfig configures the ingest pipeline coordinator
type PipelineConfig struct {
	Schedule string        `mapstructure:"schedule" yaml:"schedule,omitempty"`
	Ledger   string        `mapstructure:"ledger" yaml:"ledger"`
	Lock     string        `mapstructure:"lock" yaml:"lock"`
	LockTTL  time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
	Journal  bool          `mapstructure:"journal" yaml:"journal"`
}

// RedisConfig holds the redis connection used by redis-backed pipeline state
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// MetricsConfig toggles the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Backend names for pipeline state.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Default returns the stock three-tier topology on localhost.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8000},
		Nodes: []NodeConfig{
			{
				ID:               "server1",
				URL:              "http://localhost:8001",
				Tier:             1,
				TopK:             8,
				MaxTokens:        1024,
				CompressionRatio: 0.1,
				Description:      "Full document ingestion and L1 summary",
			},
			{
				ID:               "server2",
				URL:              "http://localhost:8002",
				Tier:             2,
				TopK:             5,
				MaxTokens:        512,
				CompressionRatio: 0.2,
				Description:      "L2 summary (moderate compression)",
			},
			{
				ID:               "server3",
				URL:              "http://localhost:8003",
				Tier:             3,
				TopK:             3,
				MaxTokens:        256,
				CompressionRatio: 0.1,
				Description:      "L3 ultra-summary (high compression)",
			},
		},
		Timeouts: TimeoutConfig{
			Health: 5 * time.Second,
			Query:  30 * time.Second,
			Stage:  10 * time.Minute,
		},
		Health: HealthConfig{
			Interval: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			Ledger:  BackendMemory,
			Lock:    BackendMemory,
			LockTTL: 15 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads configuration from path (or the default search paths when empty),
// layering TIERGATE_* environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tiergate")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".tiergate"))
		}
	}

	v.SetEnvPrefix("TIERGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Nodes) == 0 {
		cfg.Nodes = Default().Nodes
	}
	return cfg, nil
}

// setDefaults registers every scalar default so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("timeouts.health", d.Timeouts.Health)
	v.SetDefault("timeouts.query", d.Timeouts.Query)
	v.SetDefault("timeouts.stage", d.Timeouts.Stage)
	v.SetDefault("health.interval", d.Health.Interval)
	v.SetDefault("health.preflight_gate", d.Health.PreflightGate)
	v.SetDefault("pipeline.schedule", d.Pipeline.Schedule)
	v.SetDefault("pipeline.ledger", d.Pipeline.Ledger)
	v.SetDefault("pipeline.lock", d.Pipeline.Lock)
	v.SetDefault("pipeline.lock_ttl", d.Pipeline.LockTTL)
	v.SetDefault("pipeline.journal", d.Pipeline.Journal)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("at least one node is required")
	}

	seen := make(map[string]bool)
	urls := make(map[string]string)
	tiers := make(map[int]string)
	for _, n := range c.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node id is required")
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id: %s", n.ID)
		}
		seen[n.ID] = true
		if n.URL == "" {
			return fmt.Errorf("node %s: url is required", n.ID)
		}
		key := strings.ToLower(strings.TrimRight(n.URL, "/"))
		if other, ok := urls[key]; ok {
			return fmt.Errorf("node %s: url %s already used by %s", n.ID, n.URL, other)
		}
		urls[key] = n.ID
		if n.TopK <= 0 {
			return fmt.Errorf("node %s: top_k must be positive", n.ID)
		}
		if n.MaxTokens <= 0 {
			return fmt.Errorf("node %s: max_tokens must be positive", n.ID)
		}
		if n.Tier < 1 || n.Tier > 3 {
			return fmt.Errorf("node %s: tier must be 1, 2 or 3, got %d", n.ID, n.Tier)
		}
		if other, ok := tiers[n.Tier]; ok {
			return fmt.Errorf("node %s: tier %d already served by %s", n.ID, n.Tier, other)
		}
		tiers[n.Tier] = n.ID
		if n.CompressionRatio <= 0 || n.CompressionRatio > 1 {
			return fmt.Errorf("node %s: compression ratio must be in (0, 1]", n.ID)
		}
		if n.QueryRateLimit < 0 {
			return fmt.Errorf("node %s: query rate limit must not be negative", n.ID)
		}
	}
	for tier := 1; tier <= 3; tier++ {
		if _, ok := tiers[tier]; !ok {
			return fmt.Errorf("no node configured for tier %d", tier)
		}
	}

	if c.Timeouts.Health <= 0 || c.Timeouts.Query <= 0 || c.Timeouts.Stage <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health interval must be positive")
	}

	for name, backend := range map[string]string{"ledger": c.Pipeline.Ledger, "lock": c.Pipeline.Lock} {
		switch backend {
		case BackendMemory:
		case BackendRedis:
			if c.Redis.Addr == "" {
				return fmt.Errorf("pipeline %s uses redis but redis.addr is empty", name)
			}
		default:
			return fmt.Errorf("unknown pipeline %s backend: %q", name, backend)
		}
	}
	if c.Pipeline.Journal && c.Redis.Addr == "" {
		return fmt.Errorf("pipeline journal requires redis.addr")
	}
	return nil
}

// UsesRedis reports whether any component needs a redis connection.
func (c *Config) UsesRedis() bool {
	return c.Pipeline.Ledger == BackendRedis || c.Pipeline.Lock == BackendRedis || c.Pipeline.Journal
}

// YAML renders the configuration, masking the redis password.
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	if masked.Redis.Password != "" {
		masked.Redis.Password = "***"
	}
	return yaml.Marshal(&masked)
}
