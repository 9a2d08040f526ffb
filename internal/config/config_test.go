package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "villagesim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Templates, cfg.Templates)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, "noise", cfg.Weather.Provider)
	require.Len(t, cfg.Owners, 1)
	assert.Equal(t, "player", cfg.Owners[0].ID)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeFile(t, `
database: /tmp/v.db
sim:
  speed: 60
  location: forest
api:
  port: 9001
owners:
  - id: smith
    resources:
      - {type: SMITHING_HAMMER, quantity: 1, quality: 0.7}
    skills: {metallurgy: 20}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/v.db", cfg.Database)
	assert.Equal(t, 60.0, cfg.Sim.Speed)
	assert.Equal(t, "forest", cfg.Sim.Location)
	assert.Equal(t, 1000, cfg.Sim.IntervalMs, "unset fields come from defaults")
	assert.Equal(t, 9001, cfg.API.Port)
	assert.Equal(t, 120, cfg.API.RateLimit)
	require.Len(t, cfg.Owners, 1)
	assert.Equal(t, "smith", cfg.Owners[0].ID)
	assert.Equal(t, 20.0, cfg.Owners[0].Skills["metallurgy"])
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VILLAGESIM_PORT", "7000")
	t.Setenv("VILLAGESIM_ADMIN_KEY", "s3cret")
	t.Setenv("VILLAGESIM_SEED", "99")
	t.Setenv("OWM_API_KEY", "owm")
	t.Setenv("VILLAGESIM_WEATHER", "owm")

	cfg, err := Load(writeFile(t, "api: {port: 9001}\n"))
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.API.Port)
	assert.Equal(t, "s3cret", cfg.API.AdminKey)
	assert.Equal(t, int64(99), cfg.Entropy.Seed)
	assert.Equal(t, "owm", cfg.Weather.APIKey)
	assert.Equal(t, "owm", cfg.Weather.Provider)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad provider", "weather: {provider: sunny}\n", "weather.provider"},
		{"bad port", "api: {port: 70000}\n", "api.port"},
		{"negative speed", "sim: {speed: -1}\n", "sim.speed"},
		{"duplicate owner", "owners: [{id: a}, {id: a}]\n", "duplicate id"},
		{"bad quality", "owners: [{id: a, resources: [{type: WOOD, quantity: 1, quality: 2}]}]\n", "owners[0].resources[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Load(writeFile(t, "sim: [\n"))
	assert.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, Config{LogLevel: "DEBUG"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, Config{LogLevel: "warn"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, Config{}.SlogLevel())
}
