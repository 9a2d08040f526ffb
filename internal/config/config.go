// Package config loads villagesim settings: a YAML file merged over
// defaults, then VILLAGESIM_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Templates   string `yaml:"templates"`
	Database    string `yaml:"database"`
	SnapshotDir string `yaml:"snapshot_dir"`
	EventLogDir string `yaml:"event_log_dir"`
	LogLevel    string `yaml:"log_level"`

	Sim     Sim         `yaml:"sim"`
	Weather Weather     `yaml:"weather"`
	Entropy Entropy     `yaml:"entropy"`
	API     API         `yaml:"api"`
	Owners  []OwnerSeed `yaml:"owners"`
}

type Sim struct {
	IntervalMs    int     `yaml:"interval_ms"` // real time per tick at speed 1
	Speed         float64 `yaml:"speed"`
	Location      string  `yaml:"location"`
	Capacity      float64 `yaml:"capacity"` // per-owner storage weight; <= 0 is unlimited
	Truncate      bool    `yaml:"truncate_overflow"`
	RecentEvents  int     `yaml:"recent_events"`
	SnapshotEvery int     `yaml:"snapshot_every_days"`
	KeepSnapshots int     `yaml:"keep_snapshots"`
}

type Weather struct {
	Provider string `yaml:"provider"` // noise or owm
	Seed     int64  `yaml:"seed"`
	APIKey   string `yaml:"api_key"`
	Location string `yaml:"location"`
	BaseURL  string `yaml:"base_url"`
}

type Entropy struct {
	Seed     int64  `yaml:"seed"` // non-zero makes runs reproducible
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
}

type API struct {
	Port      int    `yaml:"port"`
	AdminKey  string `yaml:"admin_key"`
	RateLimit int    `yaml:"rate_limit"` // requests per minute per client
}

// OwnerSeed gives a villager starting goods and skills on a fresh world.
type OwnerSeed struct {
	ID        string             `yaml:"id"`
	Resources []ResourceSeed     `yaml:"resources"`
	Skills    map[string]float64 `yaml:"skills"`
}

type ResourceSeed struct {
	Type     string  `yaml:"type"`
	Quantity float64 `yaml:"quantity"`
	Quality  float64 `yaml:"quality"`
}

// Default returns the settings used for anything a file leaves unset.
func Default() Config {
	return Config{
		Templates:   "data/templates/village.yaml",
		Database:    "data/villagelife.db",
		SnapshotDir: "data/snapshots",
		EventLogDir: "data/events",
		LogLevel:    "info",
		Sim: Sim{
			IntervalMs:    1000,
			Speed:         1,
			Location:      "village",
			Capacity:      1000,
			RecentEvents:  1000,
			SnapshotEvery: 7,
			KeepSnapshots: 5,
		},
		Weather: Weather{Provider: "noise", Seed: 42, Location: "San Diego,US"},
		API:     API{Port: 8080, RateLimit: 120},
		Owners: []OwnerSeed{{
			ID: "player",
			Resources: []ResourceSeed{
				{Type: "AXE", Quantity: 1, Quality: 0.5},
				{Type: "SHOVEL", Quantity: 1, Quality: 0.5},
				{Type: "FOOD", Quantity: 10, Quality: 0.6},
				{Type: "WATER", Quantity: 10, Quality: 0.7},
			},
		}},
	}
}

// Load reads path (if non-empty), fills unset fields from Default and
// applies environment overrides.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := mergo.Merge(&cfg, Default()); err != nil {
		return cfg, fmt.Errorf("merge defaults: %w", err)
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Templates = envOrDefault("VILLAGESIM_TEMPLATES", cfg.Templates)
	cfg.Database = envOrDefault("VILLAGESIM_DB", cfg.Database)
	cfg.SnapshotDir = envOrDefault("VILLAGESIM_SNAPSHOT_DIR", cfg.SnapshotDir)
	cfg.EventLogDir = envOrDefault("VILLAGESIM_EVENT_LOG_DIR", cfg.EventLogDir)
	cfg.LogLevel = envOrDefault("VILLAGESIM_LOG_LEVEL", cfg.LogLevel)
	cfg.Sim.Location = envOrDefault("VILLAGESIM_LOCATION", cfg.Sim.Location)
	cfg.API.Port = envIntOrDefault("VILLAGESIM_PORT", cfg.API.Port)
	cfg.API.AdminKey = envOrDefault("VILLAGESIM_ADMIN_KEY", cfg.API.AdminKey)
	cfg.Entropy.Seed = int64(envIntOrDefault("VILLAGESIM_SEED", int(cfg.Entropy.Seed)))
	cfg.Entropy.APIKey = envOrDefault("RANDOM_ORG_API_KEY", cfg.Entropy.APIKey)
	cfg.Weather.APIKey = envOrDefault("OWM_API_KEY", cfg.Weather.APIKey)
	cfg.Weather.Provider = envOrDefault("VILLAGESIM_WEATHER", cfg.Weather.Provider)
}

// Validate rejects settings the simulation cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Templates == "" {
		errs = append(errs, errors.New("templates path is empty"))
	}
	if c.Sim.IntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("sim.interval_ms must be positive, got %d", c.Sim.IntervalMs))
	}
	if c.Sim.Speed < 0 {
		errs = append(errs, fmt.Errorf("sim.speed must be non-negative, got %v", c.Sim.Speed))
	}
	switch c.Weather.Provider {
	case "noise", "owm":
	default:
		errs = append(errs, fmt.Errorf("weather.provider must be noise or owm, got %q", c.Weather.Provider))
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port out of range: %d", c.API.Port))
	}
	seen := map[string]bool{}
	for i, o := range c.Owners {
		if o.ID == "" {
			errs = append(errs, fmt.Errorf("owners[%d]: empty id", i))
			continue
		}
		if seen[o.ID] {
			errs = append(errs, fmt.Errorf("owners[%d]: duplicate id %q", i, o.ID))
		}
		seen[o.ID] = true
		for j, r := range o.Resources {
			if r.Type == "" || r.Quantity < 0 || r.Quality < 0 || r.Quality > 1 {
				errs = append(errs, fmt.Errorf("owners[%d].resources[%d]: invalid %+v", i, j, r))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
