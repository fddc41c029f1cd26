// Package config tests.
package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/stagecoord/internal/stage"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.UseSQLite())
	assert.Equal(t, 100.0, cfg.DefaultProjectBudget)
	assert.Equal(t, 1000, cfg.DefaultUserBalance)
	assert.Equal(t, 1000, cfg.DailyCreditLimit)
	assert.Equal(t, 2, cfg.SimultaneousJobLimit)
	assert.Equal(t, 500, cfg.PremiumMinBalance)
	assert.Equal(t, "15m0s", cfg.ReservationTTL.String())
	assert.Equal(t, "1h0m0s", cfg.AssetColdAfter.String())
	assert.Equal(t, 1500, cfg.HistorySummaryChars)
	assert.Equal(t, ":8090", cfg.MgmtListenAddr)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("DEFAULT_PROJECT_BUDGET", "250.5")
	t.Setenv("SIMULTANEOUS_JOB_LIMIT", "4")
	t.Setenv("SWEEP_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.UseSQLite())
	assert.Equal(t, 250.5, cfg.DefaultProjectBudget)
	assert.Equal(t, 4, cfg.SimultaneousJobLimit)
	assert.Equal(t, "30s", cfg.SweepInterval.String())
}

func TestLoad_WithPrefix(t *testing.T) {
	t.Setenv("STAGECOORD_LOG_LEVEL", "debug")
	cfg, err := LoadWithPrefix("STAGECOORD")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	cases := map[string]map[string]string{
		"bad backend":       {"STORE_BACKEND": "redis"},
		"bad auth mode":     {"MGMT_AUTH_MODE": "jwt"},
		"prod without key":  {"ENVIRONMENT": "production"},
		"zero budget":       {"DEFAULT_PROJECT_BUDGET": "0"},
		"negative limit":    {"DAILY_CREDIT_LIMIT": "-1"},
		"zero ttl":          {"RESERVATION_TTL": "0s"},
		"unknown adapter":   {"ADAPTER_ENDPOINTS": "telepathy=http://x"},
		"adapter bad url":   {"ADAPTER_ENDPOINTS": "voice_clone=not a url"},
		"adapter malformed": {"ADAPTER_ENDPOINTS": "voice_clone"},
	}
	for name, envs := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range envs {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestProductionWithKey(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("MGMT_API_KEY", "secret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.IsDevelopment())
}

func TestAdapterEndpointMap(t *testing.T) {
	cfg := &Config{AdapterEndpoints: " video_generation=https://gen.internal/video , voice_clone=http://tts:8000/run,"}
	m, err := cfg.AdapterEndpointMap()
	require.NoError(t, err)
	assert.Equal(t, map[stage.Capability]string{
		stage.CapVideoGeneration: "https://gen.internal/video",
		stage.CapVoiceClone:      "http://tts:8000/run",
	}, m)

	cfg.AdapterEndpoints = "voice_clone=http://a,voice_clone=http://b"
	_, err = cfg.AdapterEndpointMap()
	assert.Error(t, err)

	empty, err := (&Config{}).AdapterEndpointMap()
	require.NoError(t, err)
	assert.Empty(t, empty)
}
