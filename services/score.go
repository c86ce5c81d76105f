package services

import (
	"fmt"
	"math"

	"github.com/cppla/carbonboard/models"
)

// EnergyGramsPerIdleHour converts hours not spent driving into energy emissions.
const EnergyGramsPerIdleHour = 600

// Score computes max(0, sum(history totals) + current total - offset).
// Malformed state (wrong window length, negative or non-finite values, stale totals)
// yields ErrComputation instead of a silent zero.
func Score(history []models.DailyEmissions, current models.DailyEmissions, offsetGrams float64) (float64, error) {
	if len(history) != models.HistoryDays {
		return 0, fmt.Errorf("%w: history has %d days, want %d", ErrComputation, len(history), models.HistoryDays)
	}
	if math.IsNaN(offsetGrams) || math.IsInf(offsetGrams, 0) {
		return 0, fmt.Errorf("%w: offset is not finite", ErrComputation)
	}

	var total float64
	for i, day := range history {
		if err := day.Validate(); err != nil {
			return 0, fmt.Errorf("%w: history day %d: %v", ErrComputation, i, err)
		}
		total += day.Total
	}
	if err := current.Validate(); err != nil {
		return 0, fmt.Errorf("%w: current day: %v", ErrComputation, err)
	}
	total += current.Total

	return math.Max(0, total-offsetGrams), nil
}

// EnergyFromDrivingHours returns floor(max(0, 24 - hours) * 600).
func EnergyFromDrivingHours(drivingHours float64) float64 {
	idle := math.Max(0, 24-drivingHours)
	return math.Floor(idle * EnergyGramsPerIdleHour)
}

// recompute refreshes the derived fields of r. A successful recompute clears any score override.
func recompute(r *models.WeeklyRecord) error {
	r.CurrentDay.Recompute()
	score, err := Score(r.DailyHistory, r.CurrentDay, r.OffsetGrams)
	if err != nil {
		return err
	}
	r.WeeklyScore = score
	r.ScoreOverridden = false
	return nil
}
