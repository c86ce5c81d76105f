package services

import (
	"context"
	"time"

	"github.com/cppla/carbonboard/models"
)

// RecordStore is the persistence contract the engine relies on.
type RecordStore interface {
	GetByKey(ctx context.Context, userID string, week models.Week) (*models.WeeklyRecord, error)
	GetOrCreate(ctx context.Context, userID string, week models.Week) (*models.WeeklyRecord, error)
	QueryByWeek(ctx context.Context, week models.Week) ([]models.WeeklyRecord, error)
	Upsert(ctx context.Context, rec *models.WeeklyRecord) error
	Archive(ctx context.Context, rec *models.ArchivedWeeklyRecord) (bool, error)
}

// Cache stores rendered leaderboard snapshots. Implementations must tolerate being unavailable.
type Cache interface {
	GetBytes(ctx context.Context, key string) ([]byte, bool)
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration)
	InvalidateByPrefix(ctx context.Context, prefix string)
}

// Clock returns the current instant. Tests substitute a fixed clock.
type Clock func() time.Time

type noopCache struct{}

func (noopCache) GetBytes(context.Context, string) ([]byte, bool)              { return nil, false }
func (noopCache) SetJSON(context.Context, string, interface{}, time.Duration) {}
func (noopCache) InvalidateByPrefix(context.Context, string)                  {}
