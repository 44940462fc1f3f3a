package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProfileDefaults(t *testing.T) {
	p, err := LoadProfile("")
	require.NoError(t, err)
	assert.Equal(t, "default", p.Name)
	assert.Equal(t, 10000, p.Sampling.HighBps)
	assert.Equal(t, 500, p.Sampling.MediumBps)
	assert.Equal(t, 120, p.Leases.TTLSeconds)
	assert.Empty(t, p.Lanes)
}

func TestLoadProfileFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	body := `
name: strict
lanes:
  ac_credit:
    per_second: 10
    burst: 20
sampling:
  low_bps: 100
  medium_bps: 1000
  high_bps: 10000
anomaly:
  max_amount_minor: 500000
  max_scope_defaults: 2
  max_outcomes: 10
  velocity_window_seconds: 60
leases:
  ttl_seconds: 30
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "strict", p.Name)
	assert.Equal(t, float64(10), p.Lanes["ac_credit"].PerSecond)
	assert.Equal(t, 100, p.Sampling.LowBps)
	assert.Equal(t, int64(500000), p.Anomaly.MaxAmountMinor)
	assert.Equal(t, 60, p.Anomaly.VelocityWindowSeconds)
	assert.Equal(t, 30, p.Leases.TTLSeconds)
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadProfileBackfillsLeaseTTL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: bare\n"), 0o600))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, 120, p.Leases.TTLSeconds)
	assert.Equal(t, 10000, p.Sampling.HighBps)
}

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Contains(t, cfg.DatabaseURL, "postgres://")
}
