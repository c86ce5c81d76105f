package models

import (
	"fmt"
	"time"
)

// Week identifies an ISO calendar week. Records are bucketed per user per Week.
type Week struct {
	Year   int
	Number int
}

// WeekOf returns the ISO week containing t, evaluated in t's location.
func WeekOf(t time.Time) Week {
	y, w := t.ISOWeek()
	return Week{Year: y, Number: w}
}

// ParseWeek parses the canonical "YYYY-Www" key.
func ParseWeek(key string) (Week, error) {
	var w Week
	if _, err := fmt.Sscanf(key, "%04d-W%02d", &w.Year, &w.Number); err != nil {
		return Week{}, fmt.Errorf("invalid week key %q: %w", key, err)
	}
	if w.Number < 1 || w.Number > 53 {
		return Week{}, fmt.Errorf("invalid week key %q: week out of range", key)
	}
	if w.Number == 53 && w.Start().AddDate(0, 0, 3).Year() != w.Year {
		return Week{}, fmt.Errorf("invalid week key %q: year has no week 53", key)
	}
	return w, nil
}

// String renders the canonical key, e.g. "2026-W07". The format sorts lexically.
func (w Week) String() string {
	return fmt.Sprintf("%04d-W%02d", w.Year, w.Number)
}

// Start returns Monday 00:00 UTC of the week.
func (w Week) Start() time.Time {
	// Jan 4th is always in ISO week 1.
	jan4 := time.Date(w.Year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7
	monday := jan4.AddDate(0, 0, -offset)
	return monday.AddDate(0, 0, (w.Number-1)*7)
}

// Next returns the following ISO week, crossing year boundaries.
func (w Week) Next() Week {
	return WeekOf(w.Start().AddDate(0, 0, 7))
}

// Prev returns the preceding ISO week.
func (w Week) Prev() Week {
	return WeekOf(w.Start().AddDate(0, 0, -7))
}
