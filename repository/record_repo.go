package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cppla/carbonboard/models"
	"github.com/cppla/carbonboard/services"
)

var nowFunc = time.Now

// RecordRepository persists weekly and archived records through gorm.
// It implements services.RecordStore.
type RecordRepository struct {
	db *gorm.DB
}

// NewRecordRepository creates the repository over an opened database.
func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

var _ services.RecordStore = (*RecordRepository)(nil)

// GetByKey loads the record for (userID, week).
func (r *RecordRepository) GetByKey(ctx context.Context, userID string, week models.Week) (*models.WeeklyRecord, error) {
	var rec models.WeeklyRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND week_key = ?", userID, week.String()).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("record %s/%s: %w", userID, week, services.ErrNotFound)
		}
		return nil, storeErr("get record", err)
	}
	normalizeHistory(&rec)
	return &rec, nil
}

// GetOrCreate returns the existing record or inserts an all-zero one.
// Concurrent creators race on the unique key; the loser re-reads the winner's row.
func (r *RecordRepository) GetOrCreate(ctx context.Context, userID string, week models.Week) (*models.WeeklyRecord, error) {
	rec, err := r.GetByKey(ctx, userID, week)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, services.ErrNotFound) {
		return nil, err
	}

	fresh := models.NewWeeklyRecord(userID, week, nowFunc())
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(fresh)
	if res.Error != nil {
		return nil, storeErr("create record", res.Error)
	}
	if res.RowsAffected == 0 {
		return r.GetByKey(ctx, userID, week)
	}
	return fresh, nil
}

// QueryByWeek returns every live record of week, ordered by user id.
func (r *RecordRepository) QueryByWeek(ctx context.Context, week models.Week) ([]models.WeeklyRecord, error) {
	var recs []models.WeeklyRecord
	err := r.db.WithContext(ctx).
		Where("week_key = ? AND superseded = ?", week.String(), false).
		Order("user_id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, storeErr("query week", err)
	}
	for i := range recs {
		normalizeHistory(&recs[i])
	}
	return recs, nil
}

// Upsert inserts a new record or replaces an existing one if its version is unchanged
// since it was read. A lost race returns services.ErrConflict.
func (r *RecordRepository) Upsert(ctx context.Context, rec *models.WeeklyRecord) error {
	if rec.ID == 0 {
		res := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(rec)
		if res.Error != nil {
			return storeErr("insert record", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("record %s/%s already exists: %w", rec.UserID, rec.WeekKey, services.ErrConflict)
		}
		return nil
	}

	expected := rec.Version
	rec.Version = expected + 1
	res := r.db.WithContext(ctx).
		Model(&models.WeeklyRecord{}).
		Where("id = ? AND version = ?", rec.ID, expected).
		Select("*").
		Omit("id", "created_at").
		Updates(rec)
	if res.Error != nil {
		rec.Version = expected
		return storeErr("update record", res.Error)
	}
	if res.RowsAffected == 0 {
		rec.Version = expected
		return fmt.Errorf("record %s/%s version %d: %w", rec.UserID, rec.WeekKey, expected, services.ErrConflict)
	}
	return nil
}

// Archive stores an immutable week-close copy. Archiving the same (user, week) again
// is a no-op that leaves the first copy untouched; created reports which happened.
func (r *RecordRepository) Archive(ctx context.Context, rec *models.ArchivedWeeklyRecord) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, storeErr("archive record", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetArchive loads the archived copy of (userID, week).
func (r *RecordRepository) GetArchive(ctx context.Context, userID string, week models.Week) (*models.ArchivedWeeklyRecord, error) {
	var rec models.ArchivedWeeklyRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND week_key = ?", userID, week.String()).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("archive %s/%s: %w", userID, week, services.ErrNotFound)
		}
		return nil, storeErr("get archive", err)
	}
	return &rec, nil
}

// ListArchives returns a user's archived weeks, newest first.
func (r *RecordRepository) ListArchives(ctx context.Context, userID string, limit int) ([]models.ArchivedWeeklyRecord, error) {
	if limit <= 0 || limit > 52 {
		limit = 52
	}
	var recs []models.ArchivedWeeklyRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("week_key DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, storeErr("list archives", err)
	}
	return recs, nil
}

// normalizeHistory restores the fixed window for rows written without a history.
// A short history is left alone so the score calculator reports it.
func normalizeHistory(rec *models.WeeklyRecord) {
	if rec.DailyHistory == nil {
		rec.DailyHistory = models.EmptyHistory()
	}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, services.ErrStore, err)
}
