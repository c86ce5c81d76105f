package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/carbonboard/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.True(t, cfg.App.FallbackZeroOnError)
	assert.False(t, cfg.Scoring.AllowScoreOverride)
	assert.Equal(t, "23:30", cfg.Jobs.EnergyTick)
	assert.Equal(t, []string{"*"}, cfg.App.AllowedOrigins)
	assert.Zero(t, cfg.LeaderboardTTL(), "no redis host, no cache")
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"app": {"port": "9090", "timezone": "Europe/Berlin"},
		"redis": {"host": "cache.local", "leaderboard_ttl_sec": 15},
		"scoring": {"passive_food_grams_per_hour": 12.5}
	}`), 0o600))
	t.Setenv("CARBON_APP_PORT", "7070")
	t.Setenv("CARBON_SCORING_ALLOW_SCORE_OVERRIDE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.App.Port)
	assert.Equal(t, 12.5, cfg.Scoring.PassiveFoodGramsPerHour)
	assert.True(t, cfg.Scoring.AllowScoreOverride)
	assert.Equal(t, 15*time.Second, cfg.LeaderboardTTL())

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestLoadRejectsInvalid(t *testing.T) {
	for name, env := range map[string][2]string{
		"driver":   {"CARBON_DATABASE_DRIVER", "postgres"},
		"timezone": {"CARBON_APP_TIMEZONE", "Mars/Olympus"},
		"tick":     {"CARBON_JOBS_ENERGY_TICK", "25:00"},
		"workers":  {"CARBON_JOBS_WORKERS", "0"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestOpenDatabaseSQLiteMigrates(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Database.SQLitePath = filepath.Join(t.TempDir(), "db", "carbon.db")

	db, err := OpenDatabase(cfg, nil)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	assert.True(t, db.Migrator().HasTable(&models.WeeklyRecord{}))
	assert.True(t, db.Migrator().HasTable(&models.ArchivedWeeklyRecord{}))

	var meta models.SchemaMeta
	require.NoError(t, db.First(&meta, 1).Error)
	assert.Equal(t, SchemaVersion, meta.SchemaVersion)

	// Idempotent.
	require.NoError(t, Migrate(db))

	require.NoError(t, db.Model(&models.SchemaMeta{}).Where("id = ?", 1).Update("schema_version", SchemaVersion+1).Error)
	assert.Error(t, Migrate(db))
}
