package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/ws", cfg.Server.WSPath)

	assert.Equal(t, time.Second, cfg.Stream.WindowDuration)
	assert.Equal(t, 100, cfg.Stream.WindowMaxRecords)
	assert.Equal(t, 5*time.Second, cfg.Stream.IdleHeartbeat)
	assert.Equal(t, 30*time.Second, cfg.Stream.StalenessBound)
	assert.Equal(t, 1000, cfg.Stream.BufferHardCap)
	assert.Equal(t, 256, cfg.Stream.RetainedBatches)
	assert.Equal(t, 10*time.Second, cfg.Stream.LaggingGrace)

	assert.Equal(t, 64, cfg.Session.SendQueueSize)
	assert.Equal(t, 30*time.Second, cfg.Session.HeartbeatInterval)

	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, 10000, cfg.Limits.MaxConnections)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ANALYTICS_SERVER_PORT", "9999")
	t.Setenv("ANALYTICS_STREAM_WINDOW_MAX_RECORDS", "250")
	t.Setenv("ANALYTICS_STREAM_WINDOW_DURATION", "2s")
	t.Setenv("ANALYTICS_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 250, cfg.Stream.WindowMaxRecords)
	assert.Equal(t, 2*time.Second, cfg.Stream.WindowDuration)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	t.Setenv("ANALYTICS_STREAM_WINDOW_MAX_RECORDS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window_max_records")
}

func validConfig() Config {
	return Config{
		Stream: StreamConfig{
			WindowDuration:   time.Second,
			WindowMaxRecords: 100,
			BufferHardCap:    1000,
			RetainedBatches:  256,
		},
		Session: SessionConfig{
			SendQueueSize:     64,
			HeartbeatInterval: 30 * time.Second,
		},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"zero window duration",
			func(c *Config) { c.Stream.WindowDuration = 0 },
			"window_duration",
		},
		{
			"zero max records",
			func(c *Config) { c.Stream.WindowMaxRecords = 0 },
			"window_max_records",
		},
		{
			"hard cap below window size",
			func(c *Config) { c.Stream.BufferHardCap = 50 },
			"buffer_hard_cap",
		},
		{
			"zero retained batches",
			func(c *Config) { c.Stream.RetainedBatches = 0 },
			"retained_batches",
		},
		{
			"zero send queue",
			func(c *Config) { c.Session.SendQueueSize = 0 },
			"send_queue_size",
		},
		{
			"zero heartbeat",
			func(c *Config) { c.Session.HeartbeatInterval = 0 },
			"heartbeat_interval",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
