package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/carbonboard/metrics"
	"github.com/cppla/carbonboard/models"
)

const (
	maxUserIDLen      = 128
	maxCarTextLen     = 64
	maxMutateAttempts = 3
)

// Sanitizer cleans free text before it is stored.
type Sanitizer func(string) string

// Options carries the collaborators shared by the engine services.
type Options struct {
	Logger             *zap.Logger
	Metrics            *metrics.Metrics
	Cache              Cache
	Clock              Clock
	Location           *time.Location
	Sanitize           Sanitizer
	AllowScoreOverride bool
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Cache == nil {
		o.Cache = noopCache{}
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Sanitize == nil {
		o.Sanitize = strings.TrimSpace
	}
	return o
}

// EmissionsService applies request-driven mutations to a user's live weekly record.
type EmissionsService struct {
	store RecordStore
	opts  Options
	log   *zap.Logger
}

// NewEmissionsService wires the service over store.
func NewEmissionsService(store RecordStore, opts Options) *EmissionsService {
	opts = opts.withDefaults()
	return &EmissionsService{
		store: store,
		opts:  opts,
		log:   opts.Logger.With(zap.String("component", "emissions")),
	}
}

// CurrentWeek returns the week that request-driven mutations address.
func (s *EmissionsService) CurrentWeek() models.Week {
	return models.WeekOf(s.opts.Clock().In(s.opts.Location))
}

// AccumulateEmission adds delta to one breakdown field of the current day.
// Energy is derived from driving hours and cannot be accumulated.
func (s *EmissionsService) AccumulateEmission(ctx context.Context, userID string, kind models.EmissionKind, delta float64) (*models.WeeklyRecord, error) {
	if kind == models.KindEnergy {
		return nil, fmt.Errorf("%w: energy is derived from driving hours", ErrValidation)
	}
	if _, err := models.ParseEmissionKind(string(kind)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := requireNonNegative("delta", delta); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "accumulate_"+string(kind), userID, func(r *models.WeeklyRecord) error {
		r.CurrentDay.Breakdown.Set(kind, r.CurrentDay.Breakdown.Get(kind)+delta)
		return nil
	})
}

// SetEnergyFromDrivingHours stores the reported hours and overwrites today's energy.
func (s *EmissionsService) SetEnergyFromDrivingHours(ctx context.Context, userID string, drivingHours float64) (*models.WeeklyRecord, error) {
	if err := requireNonNegative("drivingHours", drivingHours); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "set_driving_hours", userID, func(r *models.WeeklyRecord) error {
		applyDrivingHours(r, drivingHours)
		return nil
	})
}

// RecordDriving handles a driving report: the trip's emissions are added to car and
// energy is re-derived from the reported hours, in one read-modify-write.
func (s *EmissionsService) RecordDriving(ctx context.Context, userID string, drivingHours, drivingEmissions float64) (*models.WeeklyRecord, error) {
	if err := requireNonNegative("drivingHours", drivingHours); err != nil {
		return nil, err
	}
	if err := requireNonNegative("drivingEmissions", drivingEmissions); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "record_driving", userID, func(r *models.WeeklyRecord) error {
		r.CurrentDay.Breakdown.Car += drivingEmissions
		applyDrivingHours(r, drivingHours)
		return nil
	})
}

// AddOffset adds grams to the week's offset counter. Only finiteness is enforced.
func (s *EmissionsService) AddOffset(ctx context.Context, userID string, grams float64) (*models.WeeklyRecord, error) {
	if math.IsNaN(grams) || math.IsInf(grams, 0) {
		return nil, fmt.Errorf("%w: offsetGrams must be a finite number", ErrValidation)
	}
	return s.mutate(ctx, "add_offset", userID, func(r *models.WeeklyRecord) error {
		r.OffsetGrams += grams
		return nil
	})
}

// SetCarDetails overwrites the car metadata. The score is unaffected.
func (s *EmissionsService) SetCarDetails(ctx context.Context, userID string, year int, carMake, carModel string) (*models.WeeklyRecord, error) {
	carMake = s.opts.Sanitize(carMake)
	carModel = s.opts.Sanitize(carModel)
	if year < 1886 || year > s.opts.Clock().Year()+1 {
		return nil, fmt.Errorf("%w: carYear %d out of range", ErrValidation, year)
	}
	if carMake == "" || carModel == "" {
		return nil, fmt.Errorf("%w: carMake and carModel are required", ErrValidation)
	}
	if len(carMake) > maxCarTextLen || len(carModel) > maxCarTextLen {
		return nil, fmt.Errorf("%w: carMake and carModel must be at most %d bytes", ErrValidation, maxCarTextLen)
	}
	return s.mutate(ctx, "set_car_details", userID, func(r *models.WeeklyRecord) error {
		r.Car = models.CarDetails{Year: year, Make: carMake, Model: carModel}
		r.HasCar = true
		return nil
	})
}

// OverrideScore stores a caller-supplied weekly score when the policy allows it.
// The next mutation recomputes the score from the accumulated state.
func (s *EmissionsService) OverrideScore(ctx context.Context, userID string, score float64) (*models.WeeklyRecord, error) {
	if !s.opts.AllowScoreOverride {
		return nil, ErrOverrideDisabled
	}
	if err := requireNonNegative("weeklyScore", score); err != nil {
		return nil, err
	}
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	week := s.CurrentWeek()
	var out *models.WeeklyRecord
	err := s.withRetry(ctx, userID, week, func(r *models.WeeklyRecord) error {
		r.WeeklyScore = score
		r.ScoreOverridden = true
		r.LastUpdated = s.opts.Clock()
		if err := s.store.Upsert(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	s.opts.Metrics.ObserveMutation("override_score", err)
	if err != nil {
		return nil, err
	}
	s.log.Warn("weekly score overridden by caller",
		zap.String("user_id", userID), zap.String("week", week.String()), zap.Float64("score", score))
	invalidateLeaderboard(ctx, s.opts.Cache, week)
	return out, nil
}

// Current returns the user's live record for the current week.
func (s *EmissionsService) Current(ctx context.Context, userID string) (*models.WeeklyRecord, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	rec, err := s.store.GetByKey(ctx, userID, s.CurrentWeek())
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *EmissionsService) mutate(ctx context.Context, op, userID string, apply func(*models.WeeklyRecord) error) (*models.WeeklyRecord, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	week := s.CurrentWeek()
	var out *models.WeeklyRecord
	err := s.withRetry(ctx, userID, week, func(r *models.WeeklyRecord) error {
		if err := apply(r); err != nil {
			return err
		}
		if err := recompute(r); err != nil {
			return err
		}
		r.LastUpdated = s.opts.Clock()
		if err := s.store.Upsert(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	s.opts.Metrics.ObserveMutation(op, err)
	if err != nil {
		s.log.Error("record mutation failed",
			zap.String("op", op), zap.String("user_id", userID), zap.String("week", week.String()), zap.Error(err))
		return nil, err
	}
	s.log.Debug("record mutated",
		zap.String("op", op), zap.String("user_id", userID), zap.String("week", week.String()),
		zap.Float64("weekly_score", out.WeeklyScore))
	invalidateLeaderboard(ctx, s.opts.Cache, week)
	return out, nil
}

// withRetry loads (or creates) the record and runs fn, re-reading on version conflicts.
func (s *EmissionsService) withRetry(ctx context.Context, userID string, week models.Week, fn func(*models.WeeklyRecord) error) error {
	var err error
	for attempt := 1; attempt <= maxMutateAttempts; attempt++ {
		var rec *models.WeeklyRecord
		rec, err = s.store.GetOrCreate(ctx, userID, week)
		if err != nil {
			return err
		}
		err = fn(rec)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		s.log.Info("version conflict, retrying",
			zap.String("user_id", userID), zap.String("week", week.String()), zap.Int("attempt", attempt))
	}
	return err
}

func applyDrivingHours(r *models.WeeklyRecord, hours float64) {
	r.DrivingHours = hours
	r.CurrentDay.Breakdown.Energy = EnergyFromDrivingHours(hours)
}

// ValidateUserID rejects blank ids and ids longer than the store column.
func ValidateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if len(userID) > maxUserIDLen {
		return fmt.Errorf("%w: userId must be at most %d bytes", ErrValidation, maxUserIDLen)
	}
	return nil
}

func requireNonNegative(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s must be a finite number", ErrValidation, field)
	}
	if v < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrValidation, field)
	}
	return nil
}
