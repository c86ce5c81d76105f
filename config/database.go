package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cppla/carbonboard/models"
)

// SchemaVersion is the database layout this binary migrates to.
const SchemaVersion = 1

// OpenDatabase connects to the configured store and brings its schema up to date.
// The caller owns the returned handle and closes it on shutdown.
func OpenDatabase(cfg *AppConfig, log *zap.Logger) (*gorm.DB, error) {
	if log == nil {
		log = zap.NewNop()
	}

	// Per-statement SQL only at debug; slow queries surface as warnings.
	gLogger := logger.New(
		zap.NewStdLog(log.Named("gorm")),
		logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  toGormLogLevel(cfg.Log.Level),
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	gormCfg := &gorm.Config{
		Logger:                                   gLogger,
		DisableForeignKeyConstraintWhenMigrating: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Database.Driver {
	case "mysql":
		db, err = gorm.Open(mysql.Open(mysqlDSN(cfg.Database)), gormCfg)
	case "sqlite":
		if dir := filepath.Dir(cfg.Database.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(cfg.Database.SQLitePath), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if cfg.Database.Driver == "mysql" {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		// Recycle idle connections before the server's wait_timeout does.
		sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	} else {
		if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if err := db.Exec("PRAGMA busy_timeout=5000").Error; err != nil {
			return nil, fmt.Errorf("set busy_timeout: %w", err)
		}
	}

	// Fail at startup on network or auth problems instead of on the first query.
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := Migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	log.Info("database ready", zap.String("driver", cfg.Database.Driver), zap.Int("schema_version", SchemaVersion))
	return db, nil
}

// Migrate creates or upgrades the tables, gated by the version stored in schema_meta.
// A database newer than this binary is refused.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.SchemaMeta{}); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}

	var meta models.SchemaMeta
	err := db.First(&meta, 1).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("read schema_meta: %w", err)
		}
		meta = models.SchemaMeta{ID: 1, SchemaVersion: 0}
		if err := db.Create(&meta).Error; err != nil {
			return fmt.Errorf("init schema_meta: %w", err)
		}
	}

	if meta.SchemaVersion > SchemaVersion {
		return fmt.Errorf("database schema_version=%d is newer than supported version %d", meta.SchemaVersion, SchemaVersion)
	}
	if meta.SchemaVersion == SchemaVersion {
		return nil
	}

	if err := db.AutoMigrate(&models.WeeklyRecord{}, &models.ArchivedWeeklyRecord{}); err != nil {
		return fmt.Errorf("migrate tables: %w", err)
	}
	if err := db.Model(&models.SchemaMeta{}).Where("id = ?", 1).Update("schema_version", SchemaVersion).Error; err != nil {
		return fmt.Errorf("update schema_meta: %w", err)
	}
	return nil
}

func mysqlDSN(c DatabaseConfig) string {
	if c.URI != "" {
		return c.URI
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

// toGormLogLevel maps the application log level to GORM's logger level.
func toGormLogLevel(level string) logger.LogLevel {
	switch level {
	case "debug":
		return logger.Info
	case "error":
		return logger.Error
	case "silent":
		return logger.Silent
	default:
		return logger.Warn
	}
}
