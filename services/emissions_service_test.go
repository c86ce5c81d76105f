package services

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/carbonboard/models"
)

// Thursday of 2026-W42.
var testNow = time.Date(2026, 10, 15, 14, 30, 0, 0, time.UTC)

var testWeek = models.Week{Year: 2026, Number: 42}

func newTestEmissions(store *memStore, cache Cache, allowOverride bool) *EmissionsService {
	return NewEmissionsService(store, Options{
		Clock:              fixedClock(testNow),
		Cache:              cache,
		AllowScoreOverride: allowOverride,
	})
}

func TestAccumulateEmissionCreatesAndScores(t *testing.T) {
	store := newMemStore()
	cache := newRecordingCache()
	svc := newTestEmissions(store, cache, false)
	ctx := context.Background()

	rec, err := svc.AccumulateEmission(ctx, "alice", models.KindFood, 300)
	require.NoError(t, err)
	assert.Equal(t, "2026-W42", rec.WeekKey)
	assert.Equal(t, 300.0, rec.CurrentDay.Breakdown.Food)
	assert.Equal(t, 300.0, rec.CurrentDay.Total)
	assert.Equal(t, 300.0, rec.WeeklyScore)

	rec, err = svc.AccumulateEmission(ctx, "alice", models.KindCar, 200)
	require.NoError(t, err)
	assert.Equal(t, 500.0, rec.WeeklyScore)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, testNow, rec.LastUpdated)

	assert.Contains(t, cache.invalidated, "cache:leaderboard:2026-W42")
}

func TestAccumulateEmissionTouchesOnlyTargetedField(t *testing.T) {
	for _, kind := range []models.EmissionKind{models.KindCar, models.KindFood, models.KindGoods} {
		t.Run(string(kind), func(t *testing.T) {
			store := newMemStore()
			seed(store, "alice", testWeek, day(100, 200, 300, 400))
			svc := newTestEmissions(store, nil, false)

			rec, err := svc.AccumulateEmission(context.Background(), "alice", kind, 25)
			require.NoError(t, err)

			before := day(100, 200, 300, 400).Breakdown
			for _, other := range []models.EmissionKind{models.KindCar, models.KindFood, models.KindGoods, models.KindEnergy} {
				want := before.Get(other)
				if other == kind {
					want += 25
				}
				assert.Equal(t, want, rec.CurrentDay.Breakdown.Get(other), other)
			}
			assert.Equal(t, 1025.0, rec.CurrentDay.Total)
			assert.Equal(t, 1025.0, rec.WeeklyScore)
		})
	}
}

func TestAccumulateEmissionRejectsBadInput(t *testing.T) {
	svc := newTestEmissions(newMemStore(), nil, false)
	ctx := context.Background()

	cases := []struct {
		name   string
		userID string
		kind   models.EmissionKind
		delta  float64
	}{
		{"energy is derived", "alice", models.KindEnergy, 10},
		{"unknown kind", "alice", models.EmissionKind("water"), 10},
		{"negative delta", "alice", models.KindFood, -1},
		{"nan delta", "alice", models.KindFood, math.NaN()},
		{"missing user", " ", models.KindFood, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.AccumulateEmission(ctx, tc.userID, tc.kind, tc.delta)
			assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
		})
	}
}

func TestRecordDrivingSetsCarAndEnergy(t *testing.T) {
	store := newMemStore()
	svc := newTestEmissions(store, nil, false)

	rec, err := svc.RecordDriving(context.Background(), "bob", 10, 500)
	require.NoError(t, err)
	assert.Equal(t, 500.0, rec.CurrentDay.Breakdown.Car)
	assert.Equal(t, 8400.0, rec.CurrentDay.Breakdown.Energy)
	assert.Equal(t, 10.0, rec.DrivingHours)
	assert.Equal(t, 8900.0, rec.WeeklyScore)

	// A later report overwrites energy and adds to car.
	rec, err = svc.RecordDriving(context.Background(), "bob", 24, 100)
	require.NoError(t, err)
	assert.Equal(t, 600.0, rec.CurrentDay.Breakdown.Car)
	assert.Zero(t, rec.CurrentDay.Breakdown.Energy)
	assert.Equal(t, 600.0, rec.WeeklyScore)
}

func TestSetEnergyFromDrivingHours(t *testing.T) {
	svc := newTestEmissions(newMemStore(), nil, false)

	rec, err := svc.SetEnergyFromDrivingHours(context.Background(), "bob", 0)
	require.NoError(t, err)
	assert.Equal(t, 14400.0, rec.CurrentDay.Breakdown.Energy)

	_, err = svc.SetEnergyFromDrivingHours(context.Background(), "bob", -2)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestAddOffsetAllowsNegativeButNotNaN(t *testing.T) {
	svc := newTestEmissions(newMemStore(), nil, false)
	ctx := context.Background()

	_, err := svc.AccumulateEmission(ctx, "carol", models.KindGoods, 1000)
	require.NoError(t, err)

	rec, err := svc.AddOffset(ctx, "carol", 400)
	require.NoError(t, err)
	assert.Equal(t, 600.0, rec.WeeklyScore)

	rec, err = svc.AddOffset(ctx, "carol", -100)
	require.NoError(t, err)
	assert.Equal(t, 300.0, rec.OffsetGrams)
	assert.Equal(t, 700.0, rec.WeeklyScore)

	rec, err = svc.AddOffset(ctx, "carol", 5000)
	require.NoError(t, err)
	assert.Zero(t, rec.WeeklyScore)

	_, err = svc.AddOffset(ctx, "carol", math.Inf(1))
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestSetCarDetailsLeavesScore(t *testing.T) {
	svc := newTestEmissions(newMemStore(), nil, false)
	ctx := context.Background()

	_, err := svc.AccumulateEmission(ctx, "dave", models.KindCar, 250)
	require.NoError(t, err)

	rec, err := svc.SetCarDetails(ctx, "dave", 2019, "  Honda ", "Civic")
	require.NoError(t, err)
	require.NotNil(t, rec.CarDetails())
	assert.Equal(t, models.CarDetails{Year: 2019, Make: "Honda", Model: "Civic"}, *rec.CarDetails())
	assert.Equal(t, 250.0, rec.WeeklyScore)

	_, err = svc.SetCarDetails(ctx, "dave", 1700, "Benz", "Wagen")
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = svc.SetCarDetails(ctx, "dave", 2020, "", "Civic")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestOverrideScorePolicy(t *testing.T) {
	ctx := context.Background()

	_, err := newTestEmissions(newMemStore(), nil, false).OverrideScore(ctx, "erin", 42)
	assert.True(t, errors.Is(err, ErrOverrideDisabled))

	svc := newTestEmissions(newMemStore(), nil, true)
	_, err = svc.AccumulateEmission(ctx, "erin", models.KindFood, 100)
	require.NoError(t, err)

	rec, err := svc.OverrideScore(ctx, "erin", 42)
	require.NoError(t, err)
	assert.Equal(t, 42.0, rec.WeeklyScore)
	assert.True(t, rec.ScoreOverridden)

	rec, err = svc.AccumulateEmission(ctx, "erin", models.KindFood, 1)
	require.NoError(t, err)
	assert.Equal(t, 101.0, rec.WeeklyScore)
	assert.False(t, rec.ScoreOverridden)
}

func TestMutationRetriesOnConflict(t *testing.T) {
	store := newMemStore()
	svc := newTestEmissions(store, nil, false)
	ctx := context.Background()

	_, err := svc.AccumulateEmission(ctx, "fay", models.KindFood, 10)
	require.NoError(t, err)

	store.conflictOnce["fay"] = true
	rec, err := svc.AccumulateEmission(ctx, "fay", models.KindFood, 5)
	require.NoError(t, err)
	assert.Equal(t, 15.0, rec.CurrentDay.Breakdown.Food)
	assert.Equal(t, 15.0, store.get("fay", testWeek).WeeklyScore)
}

func TestMutationSurfacesCorruptHistory(t *testing.T) {
	store := newMemStore()
	bad := models.NewWeeklyRecord("gus", testWeek, testNow)
	bad.DailyHistory = bad.DailyHistory[:5]
	store.put(bad)

	_, err := newTestEmissions(store, nil, false).AccumulateEmission(context.Background(), "gus", models.KindFood, 1)
	assert.True(t, errors.Is(err, ErrComputation), "got %v", err)
}

func TestCurrentReportsMissingRecord(t *testing.T) {
	svc := newTestEmissions(newMemStore(), nil, false)
	_, err := svc.Current(context.Background(), "nobody")
	assert.True(t, errors.Is(err, ErrNotFound))
}
