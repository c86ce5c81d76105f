package routes

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"

	"github.com/cppla/carbonboard/config"
	"github.com/cppla/carbonboard/controllers"
	"github.com/cppla/carbonboard/metrics"
	"github.com/cppla/carbonboard/middleware"
	"github.com/cppla/carbonboard/utils"
)

// EmissionsAPI is the emissions service as seen by the HTTP layer.
type EmissionsAPI interface {
	controllers.EmissionsUpdater
	controllers.RecordReader
}

// Deps carries everything the router hands to controllers.
// Ping reports storage health on /health and may be nil. Logger receives
// application errors, GinLogger the access log.
type Deps struct {
	Config      *config.AppConfig
	Emissions   EmissionsAPI
	Leaderboard controllers.LeaderboardReader
	Archives    controllers.ArchiveLister
	Metrics     *metrics.Metrics
	Ping        func(ctx context.Context) error
	Logger      *zap.Logger
	GinLogger   *zap.Logger
}

// SetupRouter wires routes, middlewares, and controllers.
func SetupRouter(d Deps) *gin.Engine {
	cfg := d.Config.App
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
	// Unknown JSON fields are a client error.
	binding.EnableDecoderDisallowUnknownFields = true

	r := gin.New()
	r.Use(middleware.RequestID())
	if d.GinLogger != nil {
		r.Use(utils.Ginzap(d.GinLogger, time.RFC3339, true))
		r.Use(utils.RecoveryWithZap(d.GinLogger, false))
	} else {
		r.Use(gin.Recovery())
	}
	r.Use(middleware.Metrics(d.Metrics))

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 || (len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/health", func(ctx *gin.Context) {
		if d.Ping != nil {
			pingCtx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
			defer cancel()
			if err := d.Ping(pingCtx); err != nil {
				utils.Respond(ctx, http.StatusServiceUnavailable, 50300, "storage unavailable", gin.H{"status": "degraded"})
				return
			}
		}
		utils.Success(ctx, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	emissionsController := controllers.NewEmissionsController(d.Emissions, d.Logger)
	statsController := controllers.NewStatsController(d.Emissions, d.Archives, cfg.FallbackZeroOnError, d.Logger)
	leaderboardController := controllers.NewLeaderboardController(d.Leaderboard, d.Logger)

	api := r.Group("/api/v1")

	api.GET("/leaderboard", leaderboardController.GetLeaderboard)
	api.GET("/leaderboard/users/:userId", leaderboardController.GetStanding)
	api.GET("/users/:userId/emissions", statsController.GetUserEmissions)
	api.GET("/users/:userId/archives", statsController.GetUserArchives)

	updates := api.Group("")
	updates.Use(middleware.RateLimit(cfg.RateLimitPerMinute))
	updates.POST("/emissions", emissionsController.AddEmissions)
	updates.POST("/emissions/car", emissionsController.AddCarEmissions)
	updates.POST("/emissions/driving", emissionsController.RecordDriving)
	updates.PUT("/users/car", emissionsController.SetCarDetails)
	updates.POST("/offsets", emissionsController.AddOffset)
	updates.POST("/score/override", emissionsController.OverrideScore)

	r.NoRoute(func(ctx *gin.Context) {
		if strings.HasPrefix(ctx.Request.URL.Path, "/api/") {
			utils.Error(ctx, http.StatusNotFound, 40400, "api route not found")
			return
		}
		utils.Error(ctx, http.StatusNotFound, 40400, "not found")
	})

	return r
}
