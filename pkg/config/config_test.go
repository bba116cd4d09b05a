package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{`"30s"`, 30 * time.Second, false},
		{`"4h"`, 4 * time.Hour, false},
		{`1000000000`, time.Second, false},
		{`"not-a-duration"`, 0, true},
	}

	for _, tt := range tests {
		var d Duration
		err := json.Unmarshal([]byte(tt.input), &d)
		if tt.wantErr {
			assert.Error(t, err, tt.input)
			continue
		}
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, d.Std(), tt.input)
	}
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"mode": "hub",
		"hub": {
			"instance_code": "USA",
			"stale_after": "15m"
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ModeHub, cfg.Mode)
	assert.Equal(t, "USA", cfg.Hub.InstanceCode)
	// Overridden value.
	assert.Equal(t, 15*time.Minute, cfg.Hub.StaleAfter.Std())
	// Untouched values keep their defaults.
	assert.Equal(t, 10, cfg.Hub.Guardrails.MaxSessionHours)
	assert.Equal(t, 24*time.Hour, cfg.Hub.OfflineAfter.Std())
	assert.Equal(t, 30*time.Second, cfg.Spoke.HeartbeatInterval.Std())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.json")
	require.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FEDHUB_MODE", "hub")
	t.Setenv("FEDHUB_INSTANCE_CODE", "USA")
	t.Setenv("FEDHUB_MAX_SESSION_HOURS", "12")

	cfg := LoadFromEnv()
	assert.Equal(t, ModeHub, cfg.Mode)
	assert.Equal(t, "USA", cfg.Hub.InstanceCode)
	assert.Equal(t, 12, cfg.Hub.Guardrails.MaxSessionHours)
	// Unset variables fall back to defaults.
	assert.Equal(t, ":8443", cfg.Hub.ListenAddr)
}
