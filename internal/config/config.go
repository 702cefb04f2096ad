// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. POSSE_SERVER_PORT.
const EnvPrefix = "POSSE"

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Publisher kinds.
const (
	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherPubSub = "pubsub"
	PublisherNATS   = "nats"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Target    TargetConfig    `mapstructure:"target"`
	Store     StoreConfig     `mapstructure:"store"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// HTTPConfig configures outbound fetches.
type HTTPConfig struct {
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	UserAgent         string  `mapstructure:"user_agent"`
	MaxBodyBytes      int     `mapstructure:"max_body_bytes"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	RespectRobots     bool    `mapstructure:"respect_robots"`
}

// DiscoveryConfig tunes the crawl.
type DiscoveryConfig struct {
	MaxPermalinks int               `mapstructure:"max_permalinks"`
	RewriteHosts  map[string]string `mapstructure:"rewrite_hosts"`
}

// TargetConfig controls which author URLs may be crawled.
type TargetConfig struct {
	BlockedDomains []string `mapstructure:"blocked_domains"`
	CheckReachable bool     `mapstructure:"check_reachable"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// PublisherConfig selects where relationship events go.
type PublisherConfig struct {
	Kind          string `mapstructure:"kind"`
	Topic         string `mapstructure:"topic"`
	ProjectID     string `mapstructure:"project_id"`
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	JetStream     bool   `mapstructure:"jetstream"`
	MemoryLimit   int    `mapstructure:"memory_limit"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	ServiceName      string  `mapstructure:"service_name"`
	Version          string  `mapstructure:"version"`
	TraceSampleRatio float64 `mapstructure:"trace_sample_ratio"`
}

// Load builds a Config from an optional file, a .env file in the working
// directory, and POSSE_* environment variables, in increasing precedence.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadDotEnv exports variables from path without overriding ones already set.
// A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 120)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "posse-discovery/0.1")
	v.SetDefault("http.max_body_bytes", 5<<20)
	v.SetDefault("http.requests_per_second", 2.0)
	v.SetDefault("http.burst", 4)
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("discovery.max_permalinks", 30)
	v.SetDefault("discovery.rewrite_hosts", map[string]string{})
	v.SetDefault("target.blocked_domains", []string{})
	v.SetDefault("target.check_reachable", true)
	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.table", "syndicated_posts")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.migrate", false)
	v.SetDefault("publisher.kind", PublisherNone)
	v.SetDefault("publisher.topic", "relationship.discovered")
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.nats_url", "")
	v.SetDefault("publisher.subject_prefix", "posse")
	v.SetDefault("publisher.jetstream", false)
	v.SetDefault("publisher.memory_limit", 1000)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.service_name", "posse-discovery")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.trace_sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must be >= 0")
	}
	if c.Discovery.MaxPermalinks < 0 {
		return fmt.Errorf("discovery.max_permalinks must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres, StoreSQLite:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s driver", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	switch c.Publisher.Kind {
	case PublisherNone, "":
	case PublisherMemory:
		if c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.topic is required when publishing")
		}
	case PublisherNATS:
		if c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.topic is required when publishing")
		}
		if c.Publisher.NATSURL == "" {
			return fmt.Errorf("publisher.nats_url is required for nats")
		}
	case PublisherPubSub:
		if c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.topic is required when publishing")
		}
		if c.Publisher.ProjectID == "" {
			return fmt.Errorf("publisher.project_id is required for pubsub")
		}
	default:
		return fmt.Errorf("publisher.kind %q is not supported", c.Publisher.Kind)
	}
	if c.Telemetry.TraceSampleRatio < 0 || c.Telemetry.TraceSampleRatio > 1 {
		return fmt.Errorf("telemetry.trace_sample_ratio must be within [0, 1]")
	}
	return nil
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RequestTimeout bounds one API request, which may span a full author crawl.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
