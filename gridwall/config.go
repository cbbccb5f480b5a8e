package gridwall

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pixelgrid/gridwall/gridwall/database"
)

func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err = toml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

type Config struct {
	Log        LogConfig         `toml:"log"`
	Server     ServerConfig      `toml:"server"`
	DB         database.DBConfig `toml:"db"`
	Spaces     SpacesConfig      `toml:"spaces"`
	Moderation ModerationConfig  `toml:"moderation"`
	Lifecycle  LifecycleConfig   `toml:"lifecycle"`
	Grid       GridConfig        `toml:"grid"`
}

// GridConfig sizes the fixed slot pool provisioned at boot.
type GridConfig struct {
	Rows int `toml:"rows"`
	Cols int `toml:"cols"`
}

type LogConfig struct {
	Level slog.Level `toml:"level"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type SpacesConfig struct {
	Key    string `toml:"key"`
	Secret string `toml:"secret"`
	Region string `toml:"region"`
	Bucket string `toml:"bucket"`
}

type ModerationConfig struct {
	Endpoint  string  `toml:"endpoint"`
	APIUser   string  `toml:"api_user"`
	APISecret string  `toml:"api_secret"`
	Threshold float64 `toml:"threshold"`
}

// LifecycleConfig carries the slot lifecycle windows and sweep cadences.
// HoldWindow bounds a reservation before content is committed; LifeWindow
// bounds a committed slot before it is reclaimed.
type LifecycleConfig struct {
	HoldWindow       time.Duration `toml:"hold_window"`
	LifeWindow       time.Duration `toml:"life_window"`
	ReapInterval     time.Duration `toml:"reap_interval"`
	ReapMode         string        `toml:"reap_mode"` // "interval" or "rearm"
	StreakDecayCheck time.Duration `toml:"streak_decay_check"`
	StreakDecayAge   time.Duration `toml:"streak_decay_age"`
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Moderation.Threshold == 0 {
		c.Moderation.Threshold = 0.5
	}
	if c.Lifecycle.HoldWindow == 0 {
		c.Lifecycle.HoldWindow = 5 * time.Minute
	}
	if c.Lifecycle.LifeWindow == 0 {
		c.Lifecycle.LifeWindow = 20 * time.Minute
	}
	if c.Lifecycle.ReapInterval == 0 {
		c.Lifecycle.ReapInterval = time.Minute
	}
	if c.Lifecycle.ReapMode == "" {
		c.Lifecycle.ReapMode = "interval"
	}
	if c.Lifecycle.StreakDecayCheck == 0 {
		c.Lifecycle.StreakDecayCheck = 24 * time.Hour
	}
	if c.Lifecycle.StreakDecayAge == 0 {
		c.Lifecycle.StreakDecayAge = 24 * time.Hour
	}
	if c.Grid.Rows == 0 {
		c.Grid.Rows = 10
	}
	if c.Grid.Cols == 0 {
		c.Grid.Cols = 10
	}
}
