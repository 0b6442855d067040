// Package models contains data structures used throughout the application
package models

import "time"

// TimeOfDayPeriod represents different times of day
type TimeOfDayPeriod string

const (
	Morning TimeOfDayPeriod = "morning" // 6:00 - 11:00
	Midday  TimeOfDayPeriod = "midday"  // 11:00 - 17:00
	Evening TimeOfDayPeriod = "evening" // 17:00 - 22:00
	Night   TimeOfDayPeriod = "night"   // 22:00 - 6:00
)

// GetTimeOfDayPeriod returns the time of day period for a given time
func GetTimeOfDayPeriod(t time.Time) TimeOfDayPeriod {
	hour := t.Hour()
	switch {
	case hour >= 6 && hour < 11:
		return Morning
	case hour >= 11 && hour < 17:
		return Midday
	case hour >= 17 && hour < 22:
		return Evening
	default:
		return Night
	}
}

// Prediction is the forecast glucose outcome of a meal or bolus
type Prediction struct {
	MealTime time.Time `json:"mealTime"`

	HighTime time.Time `json:"highTime"`
	H10      float64   `json:"h10"` // mg/dL
	H50      float64   `json:"h50"`
	H90      float64   `json:"h90"`

	LowTime time.Time `json:"lowTime"`
	Low50   float64   `json:"low50"`
	Low     float64   `json:"low"`

	// End50 is only set by the coefficient estimate
	End50 float64 `json:"end50,omitempty"`

	SampleCount int    `json:"sampleCount"`
	Source      string `json:"source"`  // "history" or "coefficients"
	Clamped     bool   `json:"clamped"` // Ordering had to be repaired
}

// Ordered reports whether h10 <= h50 <= h90 and low <= low50
func (p *Prediction) Ordered() bool {
	return p.H10 <= p.H50 && p.H50 <= p.H90 && p.Low <= p.Low50
}

// Coefficients are fitted linear slopes of glucose response per gram of carbs and unit of insulin
type Coefficients struct {
	CarbsHigh float64 `json:"carbsHigh"` // mg/dL per gram at the high
	CarbsLow  float64 `json:"carbsLow"`
	CarbsEnd  float64 `json:"carbsEnd"`

	InsulinHigh float64 `json:"insulinHigh"` // mg/dL per unit at the high
	InsulinLow  float64 `json:"insulinLow"`
	InsulinEnd  float64 `json:"insulinEnd"`

	SigmaHigh float64 `json:"sigmaHigh"` // Residual standard deviation
	SigmaLow  float64 `json:"sigmaLow"`
	SigmaEnd  float64 `json:"sigmaEnd"`

	HighAfterMinutes float64 `json:"highAfterMinutes"`
	LowAfterMinutes  float64 `json:"lowAfterMinutes"`
}

// IsZero returns true when no coefficients were fitted
func (c Coefficients) IsZero() bool {
	return c.CarbsHigh == 0 && c.CarbsLow == 0 && c.CarbsEnd == 0 &&
		c.InsulinHigh == 0 && c.InsulinLow == 0 && c.InsulinEnd == 0
}
