package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cppla/carbonboard/config"
	"github.com/cppla/carbonboard/jobs"
	"github.com/cppla/carbonboard/metrics"
	"github.com/cppla/carbonboard/migrate"
	"github.com/cppla/carbonboard/models"
	"github.com/cppla/carbonboard/repository"
	"github.com/cppla/carbonboard/routes"
	"github.com/cppla/carbonboard/services"
	"github.com/cppla/carbonboard/utils"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default config/config.json)")
	migrateFile := flag.String("migrate", "", "import legacy records from a JSON array file and exit")
	rolloverDay := flag.String("rollover", "", "close the given YYYY-MM-DD day (and its week when it is a Sunday) and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	// Initialize logger early
	logger, err := utils.InitLogger(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	loc, err := cfg.Location()
	if err != nil {
		sugar.Fatalf("invalid timezone: %v", err)
	}

	db, err := config.OpenDatabase(cfg, logger)
	if err != nil {
		sugar.Fatalf("open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		sugar.Fatalf("database handle: %v", err)
	}
	defer sqlDB.Close()

	rc := utils.NewRedis(cfg.Redis, logger)
	if rc != nil {
		defer rc.Close()
	}
	cache := utils.NewCache(rc, logger)
	m := metrics.New()
	repo := repository.NewRecordRepository(db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *migrateFile != "" {
		report, err := migrate.ImportFile(ctx, *migrateFile, repo, migrate.Upgrader{DefaultWeek: models.WeekOf(time.Now().In(loc)), Now: time.Now}, logger)
		if err != nil {
			sugar.Fatalf("migrate: %v", err)
		}
		sugar.Infof("migration finished: %+v", report)
		return
	}

	opts := services.Options{
		Logger:             logger,
		Metrics:            m,
		Cache:              cache,
		Location:           loc,
		Sanitize:           utils.SanitizeText,
		AllowScoreOverride: cfg.Scoring.AllowScoreOverride,
	}
	emissions := services.NewEmissionsService(repo, opts)
	leaderboard := services.NewLeaderboardService(repo, cfg.LeaderboardTTL(), opts)
	engine := services.NewRolloverEngine(repo, services.EngineConfig{
		PassiveFoodPerHour:  cfg.Scoring.PassiveFoodGramsPerHour,
		PassiveGoodsPerHour: cfg.Scoring.PassiveGoodsGramsPerHour,
		Workers:             cfg.Jobs.Workers,
	}, opts)

	if *rolloverDay != "" {
		day, err := time.ParseInLocation("2006-01-02", *rolloverDay, loc)
		if err != nil {
			sugar.Fatalf("rollover: %v", err)
		}
		report, err := engine.Rollover(ctx, day.AddDate(0, 0, 1))
		if err != nil {
			sugar.Fatalf("rollover: %v", err)
		}
		sugar.Infof("rollover finished: week=%s total=%d succeeded=%d failed=%d skipped=%d",
			report.Week, report.Total, report.Succeeded, report.Failed, report.Skipped)
		return
	}

	schedulerDone := make(chan struct{})
	if cfg.Jobs.Enabled {
		scheduler, err := jobs.NewScheduler(jobs.Config{
			Engine:     engine,
			EnergyTick: cfg.Jobs.EnergyTick,
			Location:   loc,
			Logger:     logger,
		})
		if err != nil {
			sugar.Fatalf("scheduler: %v", err)
		}
		go func() {
			defer close(schedulerDone)
			if err := scheduler.Start(ctx); err != nil {
				sugar.Errorf("scheduler stopped: %v", err)
			}
		}()
	} else {
		close(schedulerDone)
	}

	ginLogger, err := utils.NewRollingFileLogger(cfg.Log.GinPath, cfg.Log)
	if err != nil {
		// fallback to the application logger if the access log cannot be opened
		sugar.Warnf("gin access log unavailable, using app logger: %v", err)
		ginLogger = logger
	}

	r := routes.SetupRouter(routes.Deps{
		Config:      cfg,
		Emissions:   emissions,
		Leaderboard: leaderboard,
		Archives:    repo,
		Metrics:     m,
		Ping:        sqlDB.PingContext,
		Logger:      logger,
		GinLogger:   ginLogger,
	})

	sugar.Infof("Starting server on port %s (graceful)", cfg.App.Port)
	srv := utils.NewServer(":"+cfg.App.Port, r, logger, cfg.ShutdownTimeout())
	if err := srv.Run(ctx); err != nil {
		sugar.Errorf("server stopped with error: %v", err)
	}

	// A running batch finishes before the store and cache are closed.
	stop()
	<-schedulerDone
	sugar.Info("shutdown complete")
}
