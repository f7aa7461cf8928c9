package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		StoreBackend:      "memory",
		KeepAliveInterval: time.Hour,
		IdleCutoff:        2 * time.Hour,
		IdleWarningMargin: 30 * time.Minute,
		SessionTTL:        5 * time.Minute,
		BrokerTimezone:    "America/New_York",
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "etrade-adapter", cfg.ServiceName)
	assert.Equal(t, 9020, cfg.Port)
	assert.Equal(t, "file", cfg.StoreBackend)
	assert.Equal(t, time.Hour, cfg.KeepAliveInterval)
	assert.Equal(t, 2*time.Hour, cfg.IdleCutoff)
	assert.Equal(t, 30*time.Minute, cfg.IdleWarningMargin)
	assert.Equal(t, "America/New_York", cfg.BrokerTimezone)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KEEPALIVE_INTERVAL", "45m")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("SANDBOX_ENABLED", "false")

	cfg := Load()
	assert.Equal(t, 45*time.Minute, cfg.KeepAliveInterval)
	assert.Equal(t, "redis", cfg.StoreBackend)
	assert.False(t, cfg.SandboxEnabled)
}

func TestValidate_WarningMarginMustFitInsideCutoff(t *testing.T) {
	cfg := validConfig()
	cfg.IdleWarningMargin = 2 * time.Hour
	require.Error(t, cfg.Validate())
}

func TestValidate_IntervalMustBeatCutoff(t *testing.T) {
	// An interval longer than cutoff-margin guarantees tokens idle out
	// between probes.
	cfg := validConfig()
	cfg.KeepAliveInterval = 100 * time.Minute
	require.Error(t, cfg.Validate())

	cfg.KeepAliveInterval = 90 * time.Minute
	require.NoError(t, cfg.Validate())
}

func TestValidate_Timezone(t *testing.T) {
	cfg := validConfig()
	cfg.BrokerTimezone = "Mars/Olympus_Mons"
	require.Error(t, cfg.Validate())
}

func TestValidate_StoreBackend(t *testing.T) {
	cfg := validConfig()
	cfg.StoreBackend = "etcd"
	require.Error(t, cfg.Validate())
}

func TestBrokerLocation(t *testing.T) {
	cfg := validConfig()
	loc := cfg.BrokerLocation()
	require.NotNil(t, loc)
	assert.Equal(t, "America/New_York", loc.String())
}
