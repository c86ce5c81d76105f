package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/carbonboard/models"
	"github.com/cppla/carbonboard/services"
	"github.com/cppla/carbonboard/utils"
)

// RecordReader reads a user's live record.
type RecordReader interface {
	Current(ctx context.Context, userID string) (*models.WeeklyRecord, error)
	CurrentWeek() models.Week
}

// ArchiveLister lists a user's closed weeks.
type ArchiveLister interface {
	ListArchives(ctx context.Context, userID string, limit int) ([]models.ArchivedWeeklyRecord, error)
}

// StatsController serves per-user emissions summaries.
type StatsController struct {
	records         RecordReader
	archives        ArchiveLister
	fallbackOnError bool
	log             *zap.Logger
}

// NewStatsController creates a new StatsController instance. With fallbackOnError
// set, a store failure on the live record answers with a zeroed record instead of 500.
func NewStatsController(records RecordReader, archives ArchiveLister, fallbackOnError bool, log *zap.Logger) *StatsController {
	return &StatsController{records: records, archives: archives, fallbackOnError: fallbackOnError, log: orNop(log)}
}

// GetUserEmissions returns the user's record for the current week.
func (s *StatsController) GetUserEmissions(ctx *gin.Context) {
	userID := ctx.Param("userId")
	rec, err := s.records.Current(ctx.Request.Context(), userID)
	if err == nil {
		utils.Success(ctx, gin.H{"record": viewOf(rec), "fallback": false})
		return
	}
	if errors.Is(err, services.ErrStore) && s.fallbackOnError {
		// Fallback to a zero record instead of failing the whole endpoint
		s.log.Warn("serving zero record after store failure", zap.String("user_id", userID), zap.Error(err))
		zero := models.NewWeeklyRecord(userID, s.records.CurrentWeek(), time.Time{})
		utils.Success(ctx, gin.H{"record": viewOf(zero), "fallback": true})
		return
	}
	respondServiceError(ctx, s.log, err)
}

// GetUserArchives lists the user's archived weeks, newest first.
func (s *StatsController) GetUserArchives(ctx *gin.Context) {
	userID := ctx.Param("userId")
	limit := 12
	if raw := ctx.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 52 {
			utils.Error(ctx, http.StatusBadRequest, codeValidation, "limit must be between 1 and 52")
			return
		}
		limit = n
	}
	archives, err := s.archives.ListArchives(ctx.Request.Context(), userID, limit)
	if err != nil {
		respondServiceError(ctx, s.log, err)
		return
	}
	if archives == nil {
		archives = []models.ArchivedWeeklyRecord{}
	}
	utils.Success(ctx, gin.H{"userId": userID, "archives": archives})
}
