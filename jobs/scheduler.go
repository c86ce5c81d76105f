package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cppla/carbonboard/services"
)

// Engine is the set of batch jobs the scheduler triggers.
type Engine interface {
	Rollover(ctx context.Context, at time.Time) (services.BatchReport, error)
	AccruePassive(ctx context.Context, at time.Time) (services.BatchReport, error)
	RefreshEnergy(ctx context.Context, at time.Time) (services.BatchReport, error)
}

// Config configures the scheduler.
type Config struct {
	Engine Engine
	// EnergyTick is the "HH:MM" local time of the daily energy refresh.
	EnergyTick string
	Location   *time.Location
	Logger     *zap.Logger
}

// Scheduler fires the hourly passive accrual, the daily energy tick and the midnight rollover.
type Scheduler struct {
	engine       Engine
	energyHour   int
	energyMinute int
	location     *time.Location
	log          *zap.Logger
	now          func() time.Time
}

// NewScheduler validates cfg and builds a scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("scheduler: engine is required")
	}
	hour, minute, err := ParseTimeOfDay(cfg.EnergyTick)
	if err != nil {
		return nil, err
	}
	if hour == 0 && minute == 0 {
		return nil, fmt.Errorf("scheduler: energy tick must not coincide with the midnight rollover")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		engine:       cfg.Engine,
		energyHour:   hour,
		energyMinute: minute,
		location:     loc,
		log:          logger.With(zap.String("component", "scheduler")),
		now:          time.Now,
	}, nil
}

// ParseTimeOfDay parses "HH:MM" in 24-hour form.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

// Start runs all loops until ctx is cancelled. A job already running finishes first.
func (s *Scheduler) Start(ctx context.Context) error {
	s.log.Info("scheduler started",
		zap.String("location", s.location.String()),
		zap.String("energy_tick", fmt.Sprintf("%02d:%02d", s.energyHour, s.energyMinute)))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.loop(ctx, services.JobPassive, s.nextHour, s.engine.AccruePassive)
		return nil
	})
	g.Go(func() error {
		s.loop(ctx, services.JobEnergy, s.nextEnergyTick, s.engine.RefreshEnergy)
		return nil
	})
	g.Go(func() error {
		s.loop(ctx, services.JobRollover, s.nextMidnight, s.closeDay)
		return nil
	})
	err := g.Wait()
	s.log.Info("scheduler stopped")
	return err
}

type jobFunc func(ctx context.Context, at time.Time) (services.BatchReport, error)

func (s *Scheduler) loop(ctx context.Context, job string, next func(time.Time) time.Time, run jobFunc) {
	for {
		now := s.now().In(s.location)
		at := next(now)
		timer := time.NewTimer(at.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(context.WithoutCancel(ctx), job, at, run)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, job string, at time.Time, run jobFunc) {
	report, err := run(ctx, at)
	if err != nil {
		s.log.Error("scheduled job failed", zap.String("job", job), zap.Time("at", at), zap.Error(err))
		return
	}
	if report.Failed > 0 {
		s.log.Warn("scheduled job finished with failures",
			zap.String("job", job), zap.Time("at", at), zap.Int("failed", report.Failed), zap.Int("total", report.Total))
	}
}

// closeDay books the last hour of the day, then rolls it over. The hourly loop
// skips midnight so the two never race for the closing record.
func (s *Scheduler) closeDay(ctx context.Context, at time.Time) (services.BatchReport, error) {
	s.fire(ctx, services.JobPassive, at, s.engine.AccruePassive)
	return s.engine.Rollover(ctx, at)
}

func (s *Scheduler) nextHour(after time.Time) time.Time {
	top := time.Date(after.Year(), after.Month(), after.Day(), after.Hour(), 0, 0, 0, s.location)
	next := top.Add(time.Hour)
	if next.Hour() == 0 && next.Minute() == 0 {
		next = next.Add(time.Hour)
	}
	return next
}

func (s *Scheduler) nextEnergyTick(after time.Time) time.Time {
	return nextDaily(after, s.energyHour, s.energyMinute, s.location)
}

func (s *Scheduler) nextMidnight(after time.Time) time.Time {
	return nextDaily(after, 0, 0, s.location)
}

func nextDaily(after time.Time, hour, minute int, loc *time.Location) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, loc)
	if !target.After(after) {
		target = time.Date(after.Year(), after.Month(), after.Day()+1, hour, minute, 0, 0, loc)
	}
	return target
}
