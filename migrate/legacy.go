// Package migrate upgrades record documents written by earlier versions of the
// service into the canonical WeeklyRecord layout.
//
// Three shapes are recognised:
//
//	v1  {"userId", "weeklyScore", ["weekNumber"]}                 score only
//	v2  {"userId", "weekNumber", "dailyEmissions", "currentEmissions", "offsets", ...}
//	v3  {"schemaVersion": 3, "userId", "week", "dailyHistory", "currentDayEmissions", ...}
//
// v2 days are either breakdown objects or bare numbers. A bare number has no
// breakdown and is booked as goods.
package migrate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cppla/carbonboard/models"
	"github.com/cppla/carbonboard/services"
)

// Detected schema versions.
const (
	V1 = 1
	V2 = 2
	V3 = models.CurrentSchemaVersion
)

// Upgrader converts legacy documents. DefaultWeek is used when a document carries no
// week, and supplies the year for bare v2 week numbers.
type Upgrader struct {
	DefaultWeek models.Week
	Now         func() time.Time
}

type probe struct {
	SchemaVersion *int            `json:"schemaVersion"`
	DailyHistory  json.RawMessage `json:"dailyHistory"`
	DailyEmission json.RawMessage `json:"dailyEmissions"`
	WeeklyScore   *float64        `json:"weeklyScore"`
}

// Detect reports which schema version raw is written in.
func Detect(raw []byte) (int, error) {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, fmt.Errorf("%w: not a JSON object: %v", services.ErrValidation, err)
	}
	switch {
	case p.SchemaVersion != nil:
		if *p.SchemaVersion < V1 || *p.SchemaVersion > V3 {
			return 0, fmt.Errorf("%w: unsupported schemaVersion %d", services.ErrValidation, *p.SchemaVersion)
		}
		return *p.SchemaVersion, nil
	case len(p.DailyHistory) > 0:
		return V3, nil
	case len(p.DailyEmission) > 0:
		return V2, nil
	case p.WeeklyScore != nil:
		return V1, nil
	}
	return 0, fmt.Errorf("%w: unrecognised record document", services.ErrValidation)
}

// Upgrade parses raw in whichever version it was written and returns a canonical record.
// Scores are recomputed, except for v1 documents which only ever stored a score.
func (u Upgrader) Upgrade(raw []byte) (*models.WeeklyRecord, error) {
	version, err := Detect(raw)
	if err != nil {
		return nil, err
	}
	var rec *models.WeeklyRecord
	switch version {
	case V1:
		rec, err = u.fromV1(raw)
	case V2:
		rec, err = u.fromV2(raw)
	default:
		rec, err = u.fromV3(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("schema v%d: %w", version, err)
	}
	return rec, nil
}

type v1Doc struct {
	SchemaVersion int             `json:"schemaVersion"`
	UserID        string          `json:"userId"`
	WeeklyScore   float64         `json:"weeklyScore"`
	WeekNumber    json.RawMessage `json:"weekNumber"`
}

func (u Upgrader) fromV1(raw []byte) (*models.WeeklyRecord, error) {
	var doc v1Doc
	if err := strictDecode(raw, &doc); err != nil {
		return nil, err
	}
	week, err := u.week(doc.WeekNumber)
	if err != nil {
		return nil, err
	}
	rec, err := u.newRecord(doc.UserID, week)
	if err != nil {
		return nil, err
	}
	if !finite(doc.WeeklyScore) || doc.WeeklyScore < 0 {
		return nil, fmt.Errorf("%w: weeklyScore must be a non-negative number", services.ErrValidation)
	}
	rec.WeeklyScore = doc.WeeklyScore
	rec.ScoreOverridden = true
	return rec, nil
}

type v2Doc struct {
	SchemaVersion    int               `json:"schemaVersion"`
	UserID           string            `json:"userId"`
	WeekNumber       json.RawMessage   `json:"weekNumber"`
	DailyEmissions   []json.RawMessage `json:"dailyEmissions"`
	CurrentEmissions json.RawMessage   `json:"currentEmissions"`
	Offsets          float64           `json:"offsets"`
	DrivingHours     float64           `json:"drivingHours"`
	WeeklyScore      *float64          `json:"weeklyScore"`
	CarDetails       *carDoc           `json:"carDetails"`
	LastUpdated      *time.Time        `json:"lastUpdated"`
}

type carDoc struct {
	Year  int    `json:"year"`
	Make  string `json:"make"`
	Model string `json:"model"`
}

func (u Upgrader) fromV2(raw []byte) (*models.WeeklyRecord, error) {
	var doc v2Doc
	if err := strictDecode(raw, &doc); err != nil {
		return nil, err
	}
	week, err := u.week(doc.WeekNumber)
	if err != nil {
		return nil, err
	}
	rec, err := u.newRecord(doc.UserID, week)
	if err != nil {
		return nil, err
	}

	if len(doc.DailyEmissions) > models.HistoryDays {
		return nil, fmt.Errorf("%w: %d daily entries, at most %d", services.ErrValidation, len(doc.DailyEmissions), models.HistoryDays)
	}
	// Shorter histories are right-aligned: the newest day stays last.
	pad := models.HistoryDays - len(doc.DailyEmissions)
	for i, d := range doc.DailyEmissions {
		day, err := parseV2Day(d)
		if err != nil {
			return nil, fmt.Errorf("dailyEmissions[%d]: %w", i, err)
		}
		rec.DailyHistory[pad+i] = day
	}
	if len(doc.CurrentEmissions) > 0 {
		if rec.CurrentDay, err = parseV2Day(doc.CurrentEmissions); err != nil {
			return nil, fmt.Errorf("currentEmissions: %w", err)
		}
	}
	if !finite(doc.Offsets) || !finite(doc.DrivingHours) || doc.DrivingHours < 0 {
		return nil, fmt.Errorf("%w: offsets and drivingHours must be finite, drivingHours non-negative", services.ErrValidation)
	}
	rec.OffsetGrams = doc.Offsets
	rec.DrivingHours = doc.DrivingHours
	if doc.CarDetails != nil {
		rec.Car = models.CarDetails{
			Year:  doc.CarDetails.Year,
			Make:  strings.TrimSpace(doc.CarDetails.Make),
			Model: strings.TrimSpace(doc.CarDetails.Model),
		}
		rec.HasCar = true
	}
	if doc.LastUpdated != nil {
		rec.LastUpdated = *doc.LastUpdated
	}
	return rec, rescore(rec)
}

// parseV2Day accepts a breakdown object or a bare total.
func parseV2Day(raw json.RawMessage) (models.DailyEmissions, error) {
	var day models.DailyEmissions
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var b struct {
			Car    float64 `json:"carEmissions"`
			Food   float64 `json:"foodEmissions"`
			Goods  float64 `json:"goodsEmissions"`
			Energy float64 `json:"energyEmissions"`
		}
		if err := strictDecode(trimmed, &b); err != nil {
			return day, err
		}
		day.Breakdown = models.EmissionsBreakdown{Car: b.Car, Food: b.Food, Goods: b.Goods, Energy: b.Energy}
	} else {
		var total float64
		if err := json.Unmarshal(trimmed, &total); err != nil {
			return day, fmt.Errorf("%w: day must be an object or a number", services.ErrValidation)
		}
		day.Breakdown.Goods = total
	}
	if err := day.Breakdown.Validate(); err != nil {
		return day, fmt.Errorf("%w: %v", services.ErrValidation, err)
	}
	day.Recompute()
	return day, nil
}

type v3Doc struct {
	SchemaVersion int                     `json:"schemaVersion"`
	UserID        string                  `json:"userId"`
	Week          string                  `json:"week"`
	DailyHistory  []models.DailyEmissions `json:"dailyHistory"`
	CurrentDay    models.DailyEmissions   `json:"currentDayEmissions"`
	OffsetGrams   float64                 `json:"offsetGrams"`
	DrivingHours  float64                 `json:"drivingHours"`
	WeeklyScore   float64                 `json:"weeklyScore"`
	Car           *carDoc                 `json:"carDetails"`
	LastUpdated   *time.Time              `json:"lastUpdated"`
}

func (u Upgrader) fromV3(raw []byte) (*models.WeeklyRecord, error) {
	var doc v3Doc
	if err := strictDecode(raw, &doc); err != nil {
		return nil, err
	}
	week := u.DefaultWeek
	if doc.Week != "" {
		w, err := models.ParseWeek(doc.Week)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", services.ErrValidation, err)
		}
		week = w
	}
	rec, err := u.newRecord(doc.UserID, week)
	if err != nil {
		return nil, err
	}
	if len(doc.DailyHistory) != models.HistoryDays {
		return nil, fmt.Errorf("%w: dailyHistory has %d days, want %d", services.ErrValidation, len(doc.DailyHistory), models.HistoryDays)
	}
	for i := range doc.DailyHistory {
		doc.DailyHistory[i].Recompute()
	}
	doc.CurrentDay.Recompute()
	rec.DailyHistory = doc.DailyHistory
	rec.CurrentDay = doc.CurrentDay
	rec.OffsetGrams = doc.OffsetGrams
	rec.DrivingHours = doc.DrivingHours
	if doc.Car != nil {
		rec.Car = models.CarDetails{Year: doc.Car.Year, Make: doc.Car.Make, Model: doc.Car.Model}
		rec.HasCar = true
	}
	if doc.LastUpdated != nil {
		rec.LastUpdated = *doc.LastUpdated
	}
	return rec, rescore(rec)
}

func (u Upgrader) newRecord(userID string, week models.Week) (*models.WeeklyRecord, error) {
	userID = strings.TrimSpace(userID)
	if err := services.ValidateUserID(userID); err != nil {
		return nil, err
	}
	now := time.Now
	if u.Now != nil {
		now = u.Now
	}
	return models.NewWeeklyRecord(userID, week, now()), nil
}

// week resolves a legacy weekNumber: absent, a bare ISO week number, or a "YYYY-Www" key.
func (u Upgrader) week(raw json.RawMessage) (models.Week, error) {
	if len(raw) == 0 || string(raw) == "null" {
		if u.DefaultWeek.Number == 0 {
			return models.Week{}, fmt.Errorf("%w: document has no week and no default was given", services.ErrValidation)
		}
		return u.DefaultWeek, nil
	}
	var key string
	if err := json.Unmarshal(raw, &key); err == nil {
		if n, convErr := strconv.Atoi(key); convErr == nil {
			return u.bareWeek(n)
		}
		w, err := models.ParseWeek(key)
		if err != nil {
			return models.Week{}, fmt.Errorf("%w: %v", services.ErrValidation, err)
		}
		return w, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return models.Week{}, fmt.Errorf("%w: weekNumber must be a number or a week key", services.ErrValidation)
	}
	return u.bareWeek(n)
}

func (u Upgrader) bareWeek(n int) (models.Week, error) {
	if u.DefaultWeek.Year == 0 {
		return models.Week{}, fmt.Errorf("%w: bare week number %d needs a default year", services.ErrValidation, n)
	}
	w, err := models.ParseWeek(models.Week{Year: u.DefaultWeek.Year, Number: n}.String())
	if err != nil {
		return models.Week{}, fmt.Errorf("%w: %v", services.ErrValidation, err)
	}
	return w, nil
}

func rescore(rec *models.WeeklyRecord) error {
	score, err := services.Score(rec.DailyHistory, rec.CurrentDay, rec.OffsetGrams)
	if err != nil {
		return err
	}
	rec.WeeklyScore = score
	rec.ScoreOverridden = false
	return nil
}

func strictDecode(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", services.ErrValidation, err)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
