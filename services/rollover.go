package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cppla/carbonboard/models"
)

const dayLayout = "2006-01-02"

// Job names used in logs, metrics and batch reports.
const (
	JobRollover = "rollover"
	JobPassive  = "passive_accrual"
	JobEnergy   = "energy_tick"
)

// EngineConfig tunes the scheduled jobs.
type EngineConfig struct {
	// PassiveFoodPerHour and PassiveGoodsPerHour are added to every live record each hour.
	PassiveFoodPerHour  float64
	PassiveGoodsPerHour float64
	// Workers bounds how many records a batch processes concurrently.
	Workers int
}

// RecordFailure is one record a batch could not process.
type RecordFailure struct {
	UserID string
	Err    error
}

// BatchReport summarises one scheduled run.
type BatchReport struct {
	Job       string
	Week      string
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Failures  []RecordFailure
	Took      time.Duration
}

// RolloverEngine advances daily and weekly periods and runs the passive and energy ticks.
// Every record is processed independently; one failure never aborts the batch.
type RolloverEngine struct {
	store RecordStore
	cfg   EngineConfig
	opts  Options
	log   *zap.Logger
}

// NewRolloverEngine wires the engine over store.
func NewRolloverEngine(store RecordStore, cfg EngineConfig, opts Options) *RolloverEngine {
	opts = opts.withDefaults()
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &RolloverEngine{
		store: store,
		cfg:   cfg,
		opts:  opts,
		log:   opts.Logger.With(zap.String("component", "rollover")),
	}
}

// Rollover is the midnight tick. It closes the calendar day before at (in the engine's
// location) and, when that day was the last of its ISO week, the week as well.
func (e *RolloverEngine) Rollover(ctx context.Context, at time.Time) (BatchReport, error) {
	local := at.In(e.opts.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.opts.Location)
	closingDay := midnight.AddDate(0, 0, -1)
	closingWeek := models.WeekOf(closingDay)
	isWeekRollover := models.WeekOf(midnight) != closingWeek
	return e.RolloverDay(ctx, closingWeek, closingDay.Format(dayLayout), isWeekRollover)
}

// RolloverDay closes day (YYYY-MM-DD) for every live record of week. Re-running it for
// the same day does not push the day twice; it only re-ensures archive and successor.
func (e *RolloverEngine) RolloverDay(ctx context.Context, week models.Week, day string, isWeekRollover bool) (BatchReport, error) {
	if _, err := time.Parse(dayLayout, day); err != nil {
		return BatchReport{Job: JobRollover, Week: week.String()}, fmt.Errorf("%w: invalid day %q", ErrValidation, day)
	}
	e.log.Info("rollover started",
		zap.String("week", week.String()), zap.String("day", day), zap.Bool("week_rollover", isWeekRollover))

	return e.runBatch(ctx, JobRollover, week, func(ctx context.Context, rec *models.WeeklyRecord) (bool, error) {
		return e.rollRecord(ctx, rec, week, day, isWeekRollover)
	})
}

// AccruePassive adds the hourly passive food and goods increments to every live record.
// at is the end of the accrued hour, so the 00:00 tick books to the day that just closed.
func (e *RolloverEngine) AccruePassive(ctx context.Context, at time.Time) (BatchReport, error) {
	week := models.WeekOf(at.Add(-time.Nanosecond).In(e.opts.Location))
	return e.runBatch(ctx, JobPassive, week, func(ctx context.Context, rec *models.WeeklyRecord) (bool, error) {
		if e.cfg.PassiveFoodPerHour == 0 && e.cfg.PassiveGoodsPerHour == 0 {
			return true, nil
		}
		return false, e.update(ctx, rec, func(r *models.WeeklyRecord) error {
			r.CurrentDay.Breakdown.Food += e.cfg.PassiveFoodPerHour
			r.CurrentDay.Breakdown.Goods += e.cfg.PassiveGoodsPerHour
			return recompute(r)
		})
	})
}

// RefreshEnergy re-derives today's energy from each record's stored driving hours.
// DrivingHours itself is left as reported.
func (e *RolloverEngine) RefreshEnergy(ctx context.Context, at time.Time) (BatchReport, error) {
	week := models.WeekOf(at.In(e.opts.Location))
	return e.runBatch(ctx, JobEnergy, week, func(ctx context.Context, rec *models.WeeklyRecord) (bool, error) {
		return false, e.update(ctx, rec, func(r *models.WeeklyRecord) error {
			applyDrivingHours(r, r.DrivingHours)
			return recompute(r)
		})
	})
}

func (e *RolloverEngine) rollRecord(ctx context.Context, rec *models.WeeklyRecord, week models.Week, day string, isWeekRollover bool) (bool, error) {
	alreadyRolled := rec.LastRolledDay == day
	if !alreadyRolled {
		err := e.update(ctx, rec, func(r *models.WeeklyRecord) error {
			if r.LastRolledDay == day {
				return nil
			}
			if len(r.DailyHistory) != models.HistoryDays {
				return fmt.Errorf("%w: history has %d days, want %d", ErrComputation, len(r.DailyHistory), models.HistoryDays)
			}
			closed := r.CurrentDay
			closed.Recompute()
			hist := make([]models.DailyEmissions, 0, models.HistoryDays)
			hist = append(hist, r.DailyHistory[1:]...)
			r.DailyHistory = append(hist, closed)
			r.CurrentDay = models.DailyEmissions{}
			r.DrivingHours = 0
			r.LastRolledDay = day
			return recompute(r)
		})
		if err != nil {
			return false, err
		}
	}
	if !isWeekRollover {
		return alreadyRolled, nil
	}
	return false, e.closeWeek(ctx, rec, week)
}

// closeWeek archives rec, ensures the successor exists and only then marks rec superseded.
func (e *RolloverEngine) closeWeek(ctx context.Context, rec *models.WeeklyRecord, week models.Week) error {
	now := e.opts.Clock()
	created, err := e.store.Archive(ctx, models.NewArchive(rec, now))
	if err != nil {
		return err
	}
	if !created {
		e.log.Info("week already archived", zap.String("user_id", rec.UserID), zap.String("week", week.String()))
	}

	next := week.Next()
	for attempt := 1; ; attempt++ {
		succ, err := e.store.GetOrCreate(ctx, rec.UserID, next)
		if err != nil {
			return err
		}
		if succ.HasCar || !rec.HasCar {
			break
		}
		succ.Car = rec.Car
		succ.HasCar = true
		succ.LastUpdated = now
		err = e.store.Upsert(ctx, succ)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrConflict) || attempt >= maxMutateAttempts {
			return err
		}
	}

	return e.update(ctx, rec, func(r *models.WeeklyRecord) error {
		r.Superseded = true
		return nil
	})
}

// update applies fn to rec and persists it, reloading and re-applying on version conflicts.
// rec is refreshed in place with the stored state.
func (e *RolloverEngine) update(ctx context.Context, rec *models.WeeklyRecord, fn func(*models.WeeklyRecord) error) error {
	week, err := rec.Week()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrComputation, err)
	}
	cur := rec
	for attempt := 1; ; attempt++ {
		if err := fn(cur); err != nil {
			return err
		}
		cur.LastUpdated = e.opts.Clock()
		err = e.store.Upsert(ctx, cur)
		if err == nil {
			*rec = *cur
			return nil
		}
		if !errors.Is(err, ErrConflict) || attempt >= maxMutateAttempts {
			return err
		}
		cur, err = e.store.GetByKey(ctx, rec.UserID, week)
		if err != nil {
			return err
		}
	}
}

type recordFunc func(ctx context.Context, rec *models.WeeklyRecord) (skipped bool, err error)

func (e *RolloverEngine) runBatch(ctx context.Context, job string, week models.Week, fn recordFunc) (BatchReport, error) {
	start := time.Now()
	report := BatchReport{Job: job, Week: week.String()}

	recs, err := e.store.QueryByWeek(ctx, week)
	if err != nil {
		e.log.Error("batch query failed", zap.String("job", job), zap.String("week", week.String()), zap.Error(err))
		return report, err
	}
	report.Total = len(recs)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.cfg.Workers)
	for i := range recs {
		rec := &recs[i]
		g.Go(func() error {
			skipped, err := fn(ctx, rec)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				report.Failures = append(report.Failures, RecordFailure{UserID: rec.UserID, Err: err})
				e.log.Error("record processing failed",
					zap.String("job", job), zap.String("user_id", rec.UserID),
					zap.String("week", week.String()), zap.Error(err))
			case skipped:
				report.Skipped++
			default:
				report.Succeeded++
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Took = time.Since(start)
	invalidateLeaderboard(ctx, e.opts.Cache, week)
	if job == JobRollover {
		invalidateLeaderboard(ctx, e.opts.Cache, week.Next())
	}
	e.opts.Metrics.ObserveBatch(job, report.Succeeded, report.Failed, report.Skipped, report.Took)
	e.log.Info("batch finished",
		zap.String("job", job), zap.String("week", week.String()),
		zap.Int("total", report.Total), zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed), zap.Int("skipped", report.Skipped),
		zap.Duration("took", report.Took))
	return report, nil
}
