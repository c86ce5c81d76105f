package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. CARBON_DATABASE_DRIVER.
const EnvPrefix = "CARBON"

// AppConfig is the full process configuration.
// Secrets (database and redis passwords) have no defaults and come from the file or the environment.
type AppConfig struct {
	App      ServerConfig   `mapstructure:"app"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Scoring  ScoringConfig  `mapstructure:"scoring"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
}

// ServerConfig covers the HTTP surface.
type ServerConfig struct {
	Port               string   `mapstructure:"port"`
	Timezone           string   `mapstructure:"timezone"`
	GinMode            string   `mapstructure:"gin_mode"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	RateLimitPerMinute int      `mapstructure:"rate_limit_per_minute"`
	// FallbackZeroOnError serves a zeroed record instead of a 500 when the
	// per-user emissions read fails.
	FallbackZeroOnError bool `mapstructure:"fallback_zero_on_error"`
	ShutdownTimeoutSec  int  `mapstructure:"shutdown_timeout_sec"`
}

// LogConfig drives the zap loggers.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Path       string `mapstructure:"path"`
	GinPath    string `mapstructure:"gin_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DatabaseConfig selects and addresses the record store.
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	URI        string `mapstructure:"uri"`
	Host       string `mapstructure:"host"`
	Port       string `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	Name       string `mapstructure:"name"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// RedisConfig addresses the leaderboard cache. An empty Host disables caching.
type RedisConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	DB                int    `mapstructure:"db"`
	Password          string `mapstructure:"password"`
	LeaderboardTTLSec int    `mapstructure:"leaderboard_ttl_sec"`
}

// ScoringConfig holds the tunable scoring constants.
type ScoringConfig struct {
	PassiveFoodGramsPerHour  float64 `mapstructure:"passive_food_grams_per_hour"`
	PassiveGoodsGramsPerHour float64 `mapstructure:"passive_goods_grams_per_hour"`
	AllowScoreOverride       bool    `mapstructure:"allow_score_override"`
}

// JobsConfig controls the scheduled triggers.
type JobsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	EnergyTick string `mapstructure:"energy_tick"`
	Workers    int    `mapstructure:"workers"`
}

// Load reads configuration with precedence env > file > defaults.
// An empty path looks for config/config.json; a missing default file is not an error.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath("config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.timezone", "UTC")
	v.SetDefault("app.gin_mode", "release")
	v.SetDefault("app.allowed_origins", []string{"*"})
	v.SetDefault("app.rate_limit_per_minute", 60)
	v.SetDefault("app.fallback_zero_on_error", true)
	v.SetDefault("app.shutdown_timeout_sec", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "")
	v.SetDefault("log.gin_path", filepath.Join("logs", "gin.log"))
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.uri", "")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", "3306")
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "carbonboard")
	v.SetDefault("database.sqlite_path", filepath.Join("data", "carbonboard.db"))

	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.leaderboard_ttl_sec", 30)

	v.SetDefault("scoring.passive_food_grams_per_hour", 0)
	v.SetDefault("scoring.passive_goods_grams_per_hour", 0)
	v.SetDefault("scoring.allow_score_override", false)

	v.SetDefault("jobs.enabled", true)
	v.SetDefault("jobs.energy_tick", "23:30")
	v.SetDefault("jobs.workers", 8)
}

// Validate rejects settings the process cannot start with.
func (c *AppConfig) Validate() error {
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("database.driver must be mysql or sqlite, got %q", c.Database.Driver)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Scoring.PassiveFoodGramsPerHour < 0 || c.Scoring.PassiveGoodsGramsPerHour < 0 {
		return fmt.Errorf("scoring passive increments must not be negative")
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be at least 1")
	}
	if _, err := time.Parse("15:04", c.Jobs.EnergyTick); err != nil {
		return fmt.Errorf("jobs.energy_tick %q: want HH:MM", c.Jobs.EnergyTick)
	}
	return nil
}

// Location resolves app.timezone, the zone in which days and weeks roll over.
func (c *AppConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app.timezone %q: %w", c.App.Timezone, err)
	}
	return loc, nil
}

// LeaderboardTTL is how long a rendered leaderboard may be served from cache.
func (c *AppConfig) LeaderboardTTL() time.Duration {
	if c.Redis.Host == "" {
		return 0
	}
	return time.Duration(c.Redis.LeaderboardTTLSec) * time.Second
}

// ShutdownTimeout bounds the graceful HTTP shutdown.
func (c *AppConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.App.ShutdownTimeoutSec) * time.Second
}
