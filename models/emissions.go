package models

import (
	"fmt"
	"math"
)

// HistoryDays is the length of the closed-day sliding window.
const HistoryDays = 7

// EmissionKind names one field of an EmissionsBreakdown.
type EmissionKind string

const (
	KindCar    EmissionKind = "car"
	KindFood   EmissionKind = "food"
	KindGoods  EmissionKind = "goods"
	KindEnergy EmissionKind = "energy"
)

// ParseEmissionKind validates a kind supplied by a caller.
func ParseEmissionKind(s string) (EmissionKind, error) {
	switch k := EmissionKind(s); k {
	case KindCar, KindFood, KindGoods, KindEnergy:
		return k, nil
	default:
		return "", fmt.Errorf("unknown emission type %q", s)
	}
}

// EmissionsBreakdown holds one day's running totals in grams CO2e.
type EmissionsBreakdown struct {
	Car    float64 `gorm:"not null;default:0" json:"car"`
	Food   float64 `gorm:"not null;default:0" json:"food"`
	Goods  float64 `gorm:"not null;default:0" json:"goods"`
	Energy float64 `gorm:"not null;default:0" json:"energy"`
}

// Get returns the field named by kind.
func (b EmissionsBreakdown) Get(kind EmissionKind) float64 {
	switch kind {
	case KindCar:
		return b.Car
	case KindFood:
		return b.Food
	case KindGoods:
		return b.Goods
	case KindEnergy:
		return b.Energy
	}
	return 0
}

// Set overwrites the field named by kind.
func (b *EmissionsBreakdown) Set(kind EmissionKind, v float64) {
	switch kind {
	case KindCar:
		b.Car = v
	case KindFood:
		b.Food = v
	case KindGoods:
		b.Goods = v
	case KindEnergy:
		b.Energy = v
	}
}

// Sum adds up all fields.
func (b EmissionsBreakdown) Sum() float64 {
	return b.Car + b.Food + b.Goods + b.Energy
}

// Validate reports fields that are negative or not finite.
func (b EmissionsBreakdown) Validate() error {
	for _, f := range []struct {
		kind EmissionKind
		v    float64
	}{{KindCar, b.Car}, {KindFood, b.Food}, {KindGoods, b.Goods}, {KindEnergy, b.Energy}} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%s is not finite", f.kind)
		}
		if f.v < 0 {
			return fmt.Errorf("%s is negative (%v)", f.kind, f.v)
		}
	}
	return nil
}

// DailyEmissions is one day of emissions. Total is derived and only written by Recompute.
type DailyEmissions struct {
	Breakdown EmissionsBreakdown `gorm:"embedded" json:"breakdown"`
	Total     float64            `gorm:"not null;default:0" json:"total"`
}

// Recompute refreshes Total from the breakdown.
func (d *DailyEmissions) Recompute() {
	d.Total = d.Breakdown.Sum()
}

// Validate checks the breakdown and that Total matches the live sum.
func (d DailyEmissions) Validate() error {
	if err := d.Breakdown.Validate(); err != nil {
		return err
	}
	if math.Abs(d.Total-d.Breakdown.Sum()) > 1e-6 {
		return fmt.Errorf("total %v does not match breakdown sum %v", d.Total, d.Breakdown.Sum())
	}
	return nil
}

// EmptyHistory returns a zeroed seven-day window.
func EmptyHistory() []DailyEmissions {
	return make([]DailyEmissions, HistoryDays)
}

// CarDetails is descriptive metadata; it never affects the score.
type CarDetails struct {
	Year  int    `gorm:"not null;default:0" json:"year"`
	Make  string `gorm:"size:64" json:"make"`
	Model string `gorm:"size:64" json:"model"`
}
