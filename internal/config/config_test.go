package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 365, cfg.Horizon())
	assert.Equal(t, "UTC", cfg.Defaults.Timezone)
	assert.True(t, cfg.Defaults.Notify)
	assert.Equal(t, "@daily", cfg.Refresh.Schedule)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("materialize:\n  horizon_days: 30\ndefaults:\n  timezone: Europe/Paris\n  notify: false\n"))
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Horizon())
	assert.Equal(t, "Europe/Paris", cfg.Defaults.Timezone)
	assert.False(t, cfg.Defaults.Notify)
	assert.Equal(t, 600, cfg.Server.RateLimitPerMinute)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"horizon":  "materialize:\n  horizon_days: 0\n",
		"zone":     "defaults:\n  timezone: Mars/Olympus\n",
		"cron":     "refresh:\n  schedule: \"every tuesday\"\n",
		"level":    "log:\n  level: chatty\n",
		"format":   "log:\n  format: xml\n",
		"basepath": "server:\n  base_path: v1\n",
		"webhook":  "webhooks:\n  - url: not-a-url\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, 365, cfg.Horizon())

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault("America/New_York")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", cfg.Defaults.Timezone)
}
