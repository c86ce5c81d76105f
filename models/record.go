package models

import (
	"time"

	"gorm.io/datatypes"
)

// CurrentSchemaVersion is the canonical record layout written by this service.
// 1 = score-only documents, 2 = flat daily totals, 3 = per-field breakdowns.
const CurrentSchemaVersion = 3

// WeeklyRecord is a user's live emissions state for one ISO week.
// Exactly one non-superseded record exists per (user, current week).
type WeeklyRecord struct {
	ID           uint                                `gorm:"primaryKey" json:"-"`
	UserID       string                              `gorm:"size:128;not null;uniqueIndex:uniq_user_week" json:"userId"`
	WeekKey      string                              `gorm:"size:8;not null;index;uniqueIndex:uniq_user_week" json:"week"`
	DailyHistory datatypes.JSONSlice[DailyEmissions] `gorm:"not null" json:"dailyHistory"`
	CurrentDay   DailyEmissions                      `gorm:"embedded;embeddedPrefix:current_" json:"currentDayEmissions"`
	OffsetGrams  float64                             `gorm:"not null;default:0" json:"offsetGrams"`
	DrivingHours float64                             `gorm:"not null;default:0" json:"drivingHours"`
	WeeklyScore  float64                             `gorm:"not null;default:0;index" json:"weeklyScore"`
	Car          CarDetails                          `gorm:"embedded;embeddedPrefix:car_" json:"-"`
	HasCar       bool                                `gorm:"not null;default:false" json:"-"`

	// ScoreOverridden marks a caller-supplied WeeklyScore that has not yet been
	// recomputed by a later mutation.
	ScoreOverridden bool `gorm:"not null;default:false" json:"scoreOverridden"`
	// LastRolledDay is the YYYY-MM-DD of the last day pushed into DailyHistory.
	LastRolledDay string `gorm:"size:10" json:"-"`
	// Superseded is set once the successor week's record exists.
	Superseded    bool      `gorm:"not null;default:false;index" json:"-"`
	Version       int64     `gorm:"not null;default:0" json:"-"`
	SchemaVersion int       `gorm:"not null;default:3" json:"-"`
	LastUpdated   time.Time `json:"lastUpdated"`
	CreatedAt     time.Time `json:"-"`
}

// TableName pins the table name.
func (WeeklyRecord) TableName() string {
	return "weekly_records"
}

// NewWeeklyRecord returns an all-zero record for (userID, week).
func NewWeeklyRecord(userID string, week Week, now time.Time) *WeeklyRecord {
	return &WeeklyRecord{
		UserID:        userID,
		WeekKey:       week.String(),
		DailyHistory:  EmptyHistory(),
		SchemaVersion: CurrentSchemaVersion,
		LastUpdated:   now,
	}
}

// Week parses WeekKey.
func (r *WeeklyRecord) Week() (Week, error) {
	return ParseWeek(r.WeekKey)
}

// CarDetails returns the car metadata or nil when never set.
func (r *WeeklyRecord) CarDetails() *CarDetails {
	if !r.HasCar {
		return nil
	}
	c := r.Car
	return &c
}

// Clone deep-copies the record, including the history slice.
func (r *WeeklyRecord) Clone() *WeeklyRecord {
	c := *r
	c.DailyHistory = append(datatypes.JSONSlice[DailyEmissions](nil), r.DailyHistory...)
	return &c
}

// ArchivedWeeklyRecord is an immutable copy of a WeeklyRecord taken when its week closed.
type ArchivedWeeklyRecord struct {
	ID           uint                                `gorm:"primaryKey" json:"-"`
	UserID       string                              `gorm:"size:128;not null;uniqueIndex:uniq_archive_user_week" json:"userId"`
	WeekKey      string                              `gorm:"size:8;not null;index;uniqueIndex:uniq_archive_user_week" json:"week"`
	DailyHistory datatypes.JSONSlice[DailyEmissions] `gorm:"not null" json:"dailyHistory"`
	CurrentDay   DailyEmissions                      `gorm:"embedded;embeddedPrefix:current_" json:"currentDayEmissions"`
	OffsetGrams  float64                             `gorm:"not null;default:0" json:"offsetGrams"`
	DrivingHours float64                             `gorm:"not null;default:0" json:"drivingHours"`
	WeeklyScore  float64                             `gorm:"not null;default:0" json:"weeklyScore"`
	Car          CarDetails                          `gorm:"embedded;embeddedPrefix:car_" json:"car"`
	HasCar       bool                                `gorm:"not null;default:false" json:"hasCar"`
	LastUpdated  time.Time                           `json:"lastUpdated"`
	ArchivedAt   time.Time                           `gorm:"not null" json:"archivedAt"`
}

// TableName pins the table name.
func (ArchivedWeeklyRecord) TableName() string {
	return "archived_weekly_records"
}

// NewArchive copies r into an archive row.
func NewArchive(r *WeeklyRecord, at time.Time) *ArchivedWeeklyRecord {
	c := r.Clone()
	return &ArchivedWeeklyRecord{
		UserID:       c.UserID,
		WeekKey:      c.WeekKey,
		DailyHistory: c.DailyHistory,
		CurrentDay:   c.CurrentDay,
		OffsetGrams:  c.OffsetGrams,
		DrivingHours: c.DrivingHours,
		WeeklyScore:  c.WeeklyScore,
		Car:          c.Car,
		HasCar:       c.HasCar,
		LastUpdated:  c.LastUpdated,
		ArchivedAt:   at,
	}
}

// SchemaMeta records the database schema version. The table holds a single row (ID=1).
type SchemaMeta struct {
	ID            int       `gorm:"primaryKey"`
	SchemaVersion int       `gorm:"not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

// TableName pins the table name.
func (SchemaMeta) TableName() string {
	return "schema_meta"
}
