package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/carbonboard/services"
	"github.com/cppla/carbonboard/utils"
)

// Error codes returned in the response envelope.
const (
	codeInvalidPayload   = 40001
	codeValidation       = 40002
	codeOverrideDisabled = 40301
	codeNotFound         = 40401
	codeEmptyLeaderboard = 40402
	codeConflict         = 40901
	codeStore            = 50001
	codeComputation      = 50002
)

// respondServiceError maps a service error onto an HTTP status and envelope code.
func respondServiceError(ctx *gin.Context, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, services.ErrValidation):
		utils.Error(ctx, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, services.ErrOverrideDisabled):
		utils.Error(ctx, http.StatusForbidden, codeOverrideDisabled, "score override is disabled")
	case errors.Is(err, services.ErrEmptyLeaderboard):
		utils.Error(ctx, http.StatusNotFound, codeEmptyLeaderboard, "leaderboard is empty")
	case errors.Is(err, services.ErrNotFound):
		utils.Error(ctx, http.StatusNotFound, codeNotFound, "record not found")
	case errors.Is(err, services.ErrConflict):
		utils.Error(ctx, http.StatusConflict, codeConflict, "record was modified concurrently, retry")
	case errors.Is(err, services.ErrComputation):
		log.Error("score computation failed", zap.String("path", ctx.FullPath()), zap.Error(err))
		utils.Error(ctx, http.StatusInternalServerError, codeComputation, "failed to compute score")
	default:
		log.Error("store operation failed", zap.String("path", ctx.FullPath()), zap.Error(err))
		utils.Error(ctx, http.StatusInternalServerError, codeStore, "storage unavailable")
	}
}

func invalidPayload(ctx *gin.Context) {
	utils.Error(ctx, http.StatusBadRequest, codeInvalidPayload, "invalid request payload")
}

func orNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
