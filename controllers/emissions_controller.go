package controllers

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/carbonboard/models"
	"github.com/cppla/carbonboard/services"
	"github.com/cppla/carbonboard/utils"
)

// EmissionsUpdater is the write side of the emissions service.
type EmissionsUpdater interface {
	AccumulateEmission(ctx context.Context, userID string, kind models.EmissionKind, delta float64) (*models.WeeklyRecord, error)
	RecordDriving(ctx context.Context, userID string, drivingHours, drivingEmissions float64) (*models.WeeklyRecord, error)
	AddOffset(ctx context.Context, userID string, grams float64) (*models.WeeklyRecord, error)
	SetCarDetails(ctx context.Context, userID string, year int, carMake, carModel string) (*models.WeeklyRecord, error)
	OverrideScore(ctx context.Context, userID string, score float64) (*models.WeeklyRecord, error)
}

var _ EmissionsUpdater = (*services.EmissionsService)(nil)

// EmissionsController handles the update endpoints.
type EmissionsController struct {
	svc EmissionsUpdater
	log *zap.Logger
}

// NewEmissionsController creates a new EmissionsController instance.
func NewEmissionsController(svc EmissionsUpdater, log *zap.Logger) *EmissionsController {
	return &EmissionsController{svc: svc, log: orNop(log)}
}

// recordView is a WeeklyRecord as returned to callers.
type recordView struct {
	*models.WeeklyRecord
	CarDetails *models.CarDetails `json:"carDetails"`
}

func viewOf(rec *models.WeeklyRecord) recordView {
	return recordView{WeeklyRecord: rec, CarDetails: rec.CarDetails()}
}

// AddCarEmissions adds grams to today's car emissions.
func (c *EmissionsController) AddCarEmissions(ctx *gin.Context) {
	var req struct {
		UserID       string   `json:"userId" binding:"required"`
		CarEmissions *float64 `json:"carEmissions" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		invalidPayload(ctx)
		return
	}
	c.reply(ctx)(c.svc.AccumulateEmission(ctx.Request.Context(), req.UserID, models.KindCar, *req.CarEmissions))
}

// AddEmissions adds delta to today's car, food or goods emissions.
func (c *EmissionsController) AddEmissions(ctx *gin.Context) {
	var req struct {
		UserID string   `json:"userId" binding:"required"`
		Type   string   `json:"type" binding:"required"`
		Delta  *float64 `json:"delta" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		invalidPayload(ctx)
		return
	}
	c.reply(ctx)(c.svc.AccumulateEmission(ctx.Request.Context(), req.UserID, models.EmissionKind(req.Type), *req.Delta))
}

// RecordDriving books a trip's emissions and re-derives energy from the hours driven.
func (c *EmissionsController) RecordDriving(ctx *gin.Context) {
	var req struct {
		UserID           string   `json:"userId" binding:"required"`
		DrivingHours     *float64 `json:"drivingHours" binding:"required"`
		DrivingEmissions *float64 `json:"drivingEmissions"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		invalidPayload(ctx)
		return
	}
	var emissions float64
	if req.DrivingEmissions != nil {
		emissions = *req.DrivingEmissions
	}
	c.reply(ctx)(c.svc.RecordDriving(ctx.Request.Context(), req.UserID, *req.DrivingHours, emissions))
}

// SetCarDetails stores the user's car metadata.
func (c *EmissionsController) SetCarDetails(ctx *gin.Context) {
	var req struct {
		UserID   string `json:"userId" binding:"required"`
		CarYear  *int   `json:"carYear" binding:"required"`
		CarMake  string `json:"carMake" binding:"required"`
		CarModel string `json:"carModel" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		invalidPayload(ctx)
		return
	}
	c.reply(ctx)(c.svc.SetCarDetails(ctx.Request.Context(), req.UserID, *req.CarYear, req.CarMake, req.CarModel))
}

// AddOffset adds grams to the week's offsets.
func (c *EmissionsController) AddOffset(ctx *gin.Context) {
	var req struct {
		UserID      string   `json:"userId" binding:"required"`
		OffsetGrams *float64 `json:"offsetGrams" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		invalidPayload(ctx)
		return
	}
	c.reply(ctx)(c.svc.AddOffset(ctx.Request.Context(), req.UserID, *req.OffsetGrams))
}

// OverrideScore replaces the weekly score when the deployment allows it.
func (c *EmissionsController) OverrideScore(ctx *gin.Context) {
	var req struct {
		UserID      string   `json:"userId" binding:"required"`
		WeeklyScore *float64 `json:"weeklyScore" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		invalidPayload(ctx)
		return
	}
	c.reply(ctx)(c.svc.OverrideScore(ctx.Request.Context(), req.UserID, *req.WeeklyScore))
}

func (c *EmissionsController) reply(ctx *gin.Context) func(*models.WeeklyRecord, error) {
	return func(rec *models.WeeklyRecord, err error) {
		if err != nil {
			respondServiceError(ctx, c.log, err)
			return
		}
		utils.Success(ctx, viewOf(rec))
	}
}
