// Package models contains data structures used throughout the application
package models

import (
	"strings"
	"time"
)

// Treatment represents a treatment entry from Nightscout (insulin, carbs, etc.)
type Treatment struct {
	ID          string  `json:"_id,omitempty"`
	EventType   string  `json:"eventType"`
	Date        int64   `json:"date,omitempty"` // Unix timestamp in milliseconds
	CreatedAt   string  `json:"created_at"`
	Insulin     float64 `json:"insulin,omitempty"` // Units of insulin
	Carbs       float64 `json:"carbs,omitempty"`   // Grams of carbohydrates
	Glucose     float64 `json:"glucose,omitempty"` // Blood glucose value if recorded
	GlucoseType string  `json:"glucoseType,omitempty"`
	Units       string  `json:"units,omitempty"`
	Notes       string  `json:"notes,omitempty"`
	EnteredBy   string  `json:"enteredBy,omitempty"`
}

// Time returns the time of the treatment
func (t *Treatment) Time() time.Time {
	if t.Date > 0 {
		return time.UnixMilli(t.Date)
	}
	// Fallback to created_at
	parsed, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// HasInsulin returns true if this treatment includes insulin
func (t *Treatment) HasInsulin() bool {
	return t.Insulin > 0
}

// HasCarbs returns true if this treatment includes carbohydrates
func (t *Treatment) HasCarbs() bool {
	return t.Carbs > 0
}

// IsBolus returns true if this is a bolus treatment
func (t *Treatment) IsBolus() bool {
	bolusTypes := map[string]bool{
		"Bolus":            true,
		"Snack Bolus":      true,
		"Meal Bolus":       true,
		"Correction Bolus": true,
		"Combo Bolus":      true,
		"Bolus Wizard":     true,
	}
	return bolusTypes[t.EventType] || (t.HasInsulin() && t.EventType != "Temp Basal")
}

// NoteKey normalises the free-text note into a key used to match similar meals
func (t *Treatment) NoteKey() string {
	return strings.ToLower(strings.TrimSpace(t.Notes))
}

// MealEvent returns the treatment as a meal/bolus event
func (t *Treatment) MealEvent() MealEvent {
	return MealEvent{
		Time:    t.Time(),
		Bolus:   t.Insulin,
		Carbs:   t.Carbs,
		NoteKey: t.NoteKey(),
	}
}

// MealEvent is a meal and/or bolus keyed by time. The core only reads these.
type MealEvent struct {
	Time    time.Time `json:"time"`
	Bolus   float64   `json:"bolus"` // Units
	Carbs   float64   `json:"carbs"` // Grams
	NoteKey string    `json:"noteKey,omitempty"`
}

// HasCarbs returns true if the event includes carbohydrates
func (m MealEvent) HasCarbs() bool {
	return m.Carbs > 0
}

// MealEvents converts treatments that carry insulin or carbs, preserving order
func MealEvents(treatments []Treatment) []MealEvent {
	events := make([]MealEvent, 0, len(treatments))
	for i := range treatments {
		t := &treatments[i]
		if !t.HasInsulin() && !t.HasCarbs() {
			continue
		}
		events = append(events, t.MealEvent())
	}
	return events
}

// TreatmentEventTypes contains the Nightscout event types this bridge reads
var TreatmentEventTypes = struct {
	BGCheck         string
	SnackBolus      string
	MealBolus       string
	CorrectionBolus string
	CarbCorrection  string
	SensorStart     string
	SensorChange    string
}{
	BGCheck:         "BG Check",
	SnackBolus:      "Snack Bolus",
	MealBolus:       "Meal Bolus",
	CorrectionBolus: "Correction Bolus",
	CarbCorrection:  "Carb Correction",
	SensorStart:     "Sensor Start",
	SensorChange:    "Sensor Change",
}
