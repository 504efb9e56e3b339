package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the analytics distribution core.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Session SessionConfig `mapstructure:"session"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains network level settings for the HTTP/WebSocket listener.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	WSPath       string        `mapstructure:"ws_path"`
}

// StreamConfig controls ingest validation, windowing and batch retention.
type StreamConfig struct {
	// StalenessBound rejects ingested events whose timestamp is older than
	// now minus this duration.
	StalenessBound time.Duration `mapstructure:"staleness_bound"`
	// WindowDuration closes an open window after this much wall-clock time.
	WindowDuration time.Duration `mapstructure:"window_duration"`
	// WindowMaxRecords closes an open window once it holds this many records.
	WindowMaxRecords int `mapstructure:"window_max_records"`
	// IdleHeartbeat emits an empty heartbeat batch when a topic has produced
	// nothing for this long.
	IdleHeartbeat time.Duration `mapstructure:"idle_heartbeat"`
	// BufferHardCap is the maximum number of unflushed records held per topic
	// before the oldest are dropped.
	BufferHardCap int `mapstructure:"buffer_hard_cap"`
	// RetainedBatches caps how many closed batches are kept per topic for
	// reconnection replay.
	RetainedBatches int `mapstructure:"retained_batches"`
	// RetryInterval is how often the broadcast engine retries lagging
	// connections and checks grace expiry.
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	// LaggingGrace force-disconnects a connection that stays lagging longer
	// than this.
	LaggingGrace time.Duration `mapstructure:"lagging_grace"`
}

// SessionConfig controls per-connection behaviour of the lifecycle manager.
type SessionConfig struct {
	SendQueueSize     int           `mapstructure:"send_queue_size"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
}

// NATSConfig controls the optional NATS ingest adapter.
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// LimitsConfig controls connection admission.
type LimitsConfig struct {
	MaxConnections int `mapstructure:"max_connections"`
	// HandshakeRate and HandshakeBurst bound new connections per second,
	// globally and per remote IP.
	HandshakeRate    float64 `mapstructure:"handshake_rate"`
	HandshakeBurst   int     `mapstructure:"handshake_burst"`
	PerIPRate        float64 `mapstructure:"per_ip_rate"`
	PerIPBurst       int     `mapstructure:"per_ip_burst"`
	MemoryFraction   float64 `mapstructure:"memory_fraction"`
	MemoryCheckEvery time.Duration `mapstructure:"memory_check_every"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from environment variables and an optional
// analytics.yaml config file.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.ws_path", "/ws")

	v.SetDefault("stream.staleness_bound", 30*time.Second)
	v.SetDefault("stream.window_duration", time.Second)
	v.SetDefault("stream.window_max_records", 100)
	v.SetDefault("stream.idle_heartbeat", 5*time.Second)
	v.SetDefault("stream.buffer_hard_cap", 1000)
	v.SetDefault("stream.retained_batches", 256)
	v.SetDefault("stream.retry_interval", 250*time.Millisecond)
	v.SetDefault("stream.lagging_grace", 10*time.Second)

	v.SetDefault("session.send_queue_size", 64)
	v.SetDefault("session.handshake_timeout", 10*time.Second)
	v.SetDefault("session.heartbeat_interval", 30*time.Second)
	v.SetDefault("session.write_timeout", 10*time.Second)
	v.SetDefault("session.max_message_size", 4096)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "analytics.metrics")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("limits.max_connections", 10000)
	v.SetDefault("limits.handshake_rate", 100.0)
	v.SetDefault("limits.handshake_burst", 200)
	v.SetDefault("limits.per_ip_rate", 5.0)
	v.SetDefault("limits.per_ip_burst", 10)
	v.SetDefault("limits.memory_fraction", 0.9)
	v.SetDefault("limits.memory_check_every", 5*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("analytics")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("ANALYTICS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce a working pipeline.
func (c Config) Validate() error {
	if c.Stream.WindowDuration <= 0 {
		return fmt.Errorf("stream.window_duration must be positive, got %s", c.Stream.WindowDuration)
	}
	if c.Stream.WindowMaxRecords <= 0 {
		return fmt.Errorf("stream.window_max_records must be positive, got %d", c.Stream.WindowMaxRecords)
	}
	if c.Stream.BufferHardCap < c.Stream.WindowMaxRecords {
		return fmt.Errorf("stream.buffer_hard_cap (%d) must be at least stream.window_max_records (%d)",
			c.Stream.BufferHardCap, c.Stream.WindowMaxRecords)
	}
	if c.Stream.RetainedBatches <= 0 {
		return fmt.Errorf("stream.retained_batches must be positive, got %d", c.Stream.RetainedBatches)
	}
	if c.Session.SendQueueSize <= 0 {
		return fmt.Errorf("session.send_queue_size must be positive, got %d", c.Session.SendQueueSize)
	}
	if c.Session.HeartbeatInterval <= 0 {
		return fmt.Errorf("session.heartbeat_interval must be positive, got %s", c.Session.HeartbeatInterval)
	}
	return nil
}
