package controllers

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/carbonboard/services"
	"github.com/cppla/carbonboard/utils"
)

// LeaderboardReader ranks the current week.
type LeaderboardReader interface {
	Leaderboard(ctx context.Context) (*services.Leaderboard, error)
	Standing(ctx context.Context, userID string) (*services.Standing, error)
}

// LeaderboardController serves the weekly ranking.
type LeaderboardController struct {
	svc LeaderboardReader
	log *zap.Logger
}

// NewLeaderboardController creates a new LeaderboardController instance.
func NewLeaderboardController(svc LeaderboardReader, log *zap.Logger) *LeaderboardController {
	return &LeaderboardController{svc: svc, log: orNop(log)}
}

// GetLeaderboard returns every live record of the week, lowest net score first.
func (l *LeaderboardController) GetLeaderboard(ctx *gin.Context) {
	lb, err := l.svc.Leaderboard(ctx.Request.Context())
	if err != nil {
		respondServiceError(ctx, l.log, err)
		return
	}
	utils.Success(ctx, lb)
}

// GetStanding returns one user's position and percentile.
func (l *LeaderboardController) GetStanding(ctx *gin.Context) {
	st, err := l.svc.Standing(ctx.Request.Context(), ctx.Param("userId"))
	if err != nil {
		respondServiceError(ctx, l.log, err)
		return
	}
	utils.Success(ctx, st)
}
