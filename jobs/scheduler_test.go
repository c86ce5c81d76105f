package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cppla/carbonboard/services"
)

type stubEngine struct {
	mu        sync.Mutex
	rollovers chan time.Time
	passive   []time.Time
	energy    []time.Time
	err       error
	report    services.BatchReport
}

func newStubEngine() *stubEngine {
	return &stubEngine{rollovers: make(chan time.Time, 16)}
}

func (e *stubEngine) Rollover(_ context.Context, at time.Time) (services.BatchReport, error) {
	select {
	case e.rollovers <- at:
	default:
	}
	return e.report, e.err
}

func (e *stubEngine) AccruePassive(_ context.Context, at time.Time) (services.BatchReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.passive = append(e.passive, at)
	return e.report, e.err
}

func (e *stubEngine) RefreshEnergy(_ context.Context, at time.Time) (services.BatchReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.energy = append(e.energy, at)
	return e.report, e.err
}

func TestParseTimeOfDay(t *testing.T) {
	h, m, err := ParseTimeOfDay("23:30")
	require.NoError(t, err)
	assert.Equal(t, 23, h)
	assert.Equal(t, 30, m)

	for _, bad := range []string{"", "24:00", "7pm", "12:60"} {
		_, _, err := ParseTimeOfDay(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewSchedulerValidates(t *testing.T) {
	_, err := NewScheduler(Config{EnergyTick: "12:00"})
	assert.Error(t, err)

	_, err = NewScheduler(Config{Engine: newStubEngine(), EnergyTick: "00:00"})
	assert.Error(t, err)

	s, err := NewScheduler(Config{Engine: newStubEngine(), EnergyTick: "12:00"})
	require.NoError(t, err)
	assert.Equal(t, time.UTC, s.location)
}

func TestNextRunTimes(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	s, err := NewScheduler(Config{Engine: newStubEngine(), EnergyTick: "18:15", Location: loc})
	require.NoError(t, err)

	now := time.Date(2026, 10, 15, 18, 15, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 10, 15, 19, 0, 0, 0, loc), s.nextHour(now))
	assert.Equal(t, time.Date(2026, 10, 16, 18, 15, 0, 0, loc), s.nextEnergyTick(now))
	assert.Equal(t, time.Date(2026, 10, 16, 0, 0, 0, 0, loc), s.nextMidnight(now))

	early := time.Date(2026, 10, 15, 6, 59, 59, 0, loc)
	assert.Equal(t, time.Date(2026, 10, 15, 7, 0, 0, 0, loc), s.nextHour(early))
	assert.Equal(t, time.Date(2026, 10, 15, 18, 15, 0, 0, loc), s.nextEnergyTick(early))

	// Month and year wrap.
	nye := time.Date(2026, 12, 31, 23, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, loc), s.nextMidnight(nye))
	// midnight belongs to the rollover loop
	assert.Equal(t, time.Date(2027, 1, 1, 1, 0, 0, 0, loc), s.nextHour(nye))
}

func TestStartFiresMidnightRolloverAndStops(t *testing.T) {
	engine := newStubEngine()
	s, err := NewScheduler(Config{Engine: engine, EnergyTick: "12:00"})
	require.NoError(t, err)
	fake := time.Date(2026, 10, 18, 23, 59, 59, 990_000_000, time.UTC)
	s.now = func() time.Time { return fake }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case at := <-engine.rollovers:
		assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), at)
	case <-time.After(2 * time.Second):
		t.Fatal("rollover did not fire")
	}
	cancel()

	// the closing hour is accrued before the rollover runs
	engine.mu.Lock()
	passive := append([]time.Time(nil), engine.passive...)
	engine.mu.Unlock()
	require.NotEmpty(t, passive)
	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), passive[0])

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

// blockingEngine holds every rollover until released.
type blockingEngine struct {
	*stubEngine
	started chan struct{}
	release chan struct{}
}

func (e *blockingEngine) Rollover(ctx context.Context, at time.Time) (services.BatchReport, error) {
	close(e.started)
	<-e.release
	return services.BatchReport{}, ctx.Err()
}

func TestStartWaitsForRunningJob(t *testing.T) {
	engine := &blockingEngine{stubEngine: newStubEngine(), started: make(chan struct{}), release: make(chan struct{})}
	s, err := NewScheduler(Config{Engine: engine, EnergyTick: "12:00"})
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 10, 18, 23, 59, 59, 990_000_000, time.UTC) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-engine.started:
	case <-time.After(2 * time.Second):
		t.Fatal("rollover did not start")
	}
	cancel()

	select {
	case <-done:
		t.Fatal("scheduler returned while a rollover was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(engine.release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestFireLogsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	engine := newStubEngine()
	s, err := NewScheduler(Config{Engine: engine, EnergyTick: "12:00", Logger: zap.New(core)})
	require.NoError(t, err)
	at := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	engine.report = services.BatchReport{Total: 3, Failed: 1}
	s.fire(context.Background(), services.JobEnergy, at, engine.RefreshEnergy)
	assert.Equal(t, 1, logs.FilterMessage("scheduled job finished with failures").Len())

	engine.err = errors.New("store down")
	s.fire(context.Background(), services.JobEnergy, at, engine.RefreshEnergy)
	assert.Equal(t, 1, logs.FilterMessage("scheduled job failed").Len())
	assert.Len(t, engine.energy, 2)
}
