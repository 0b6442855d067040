// Package models contains data structures used throughout the application
package models

import (
	"math"
	"time"
)

// ReadingKind identifies where a glucose reading came from
type ReadingKind string

const (
	KindTrend       ReadingKind = "trend"       // One-minute samples from the sensor trend ring
	KindHistory     ReadingKind = "history"     // Fifteen-minute samples from the sensor history ring
	KindCalibration ReadingKind = "calibration" // User-entered blood glucose value
)

// GlucoseReading is a single calibrated glucose value
type GlucoseReading struct {
	Time      time.Time   `json:"time"`
	Value     float64     `json:"value"` // mg/dL
	Kind      ReadingKind `json:"kind"`
	Synthetic bool        `json:"synthetic,omitempty"` // Continuity point inserted before a calibration
}

// IsSensor reports whether the reading was produced by the sensor itself
func (g GlucoseReading) IsSensor() bool {
	return g.Kind != KindCalibration && !g.Synthetic
}

// ValueMmolL returns the glucose value in mmol/L
func (g GlucoseReading) ValueMmolL() float64 {
	return ToMmol(g.Value)
}

// Rounded returns the value rounded to whole mg/dL as uploaded to Nightscout
func (g GlucoseReading) Rounded() int {
	return int(math.Round(g.Value))
}

// GlucoseEntry represents a single glucose entry in Nightscout format
type GlucoseEntry struct {
	ID        string  `json:"_id,omitempty"`
	Type      string  `json:"type"`          // "sgv" or "mbg"
	SGV       int     `json:"sgv,omitempty"` // Sensor glucose value in mg/dL
	MBG       int     `json:"mbg,omitempty"` // Meter (calibration) glucose in mg/dL
	Date      int64   `json:"date"`          // Unix timestamp in milliseconds
	DateStr   string  `json:"dateString"`
	Trend     int     `json:"trend,omitempty"`     // Trend direction (1-7)
	Direction string  `json:"direction,omitempty"` // Trend direction as string
	Device    string  `json:"device"`
	Noise     int     `json:"noise,omitempty"`
	Filtered  float64 `json:"filtered,omitempty"`
}

// Time returns the time of the glucose entry
func (g *GlucoseEntry) Time() time.Time {
	return time.UnixMilli(g.Date)
}

// ValueMgDL returns the glucose value in mg/dL
func (g *GlucoseEntry) ValueMgDL() int {
	if g.Type == "mbg" {
		return g.MBG
	}
	return g.SGV
}

// ValueMmolL returns the glucose value in mmol/L
func (g *GlucoseEntry) ValueMmolL() float64 {
	return float64(g.ValueMgDL()) / 18.0182
}

// Direction names understood by Nightscout
const (
	DirectionDoubleUp      = "DoubleUp"
	DirectionSingleUp      = "SingleUp"
	DirectionFortyFiveUp   = "FortyFiveUp"
	DirectionFlat          = "Flat"
	DirectionFortyFiveDown = "FortyFiveDown"
	DirectionSingleDown    = "SingleDown"
	DirectionDoubleDown    = "DoubleDown"
	DirectionNone          = "NOT COMPUTABLE"
)

// DirectionFromSlope maps a rate of change in mg/dL per minute to a Nightscout direction
func DirectionFromSlope(perMinute float64) (direction string, trend int) {
	switch {
	case math.IsNaN(perMinute):
		return DirectionNone, 0
	case perMinute > 3:
		return DirectionDoubleUp, 1
	case perMinute > 2:
		return DirectionSingleUp, 2
	case perMinute > 1:
		return DirectionFortyFiveUp, 3
	case perMinute >= -1:
		return DirectionFlat, 4
	case perMinute >= -2:
		return DirectionFortyFiveDown, 5
	case perMinute >= -3:
		return DirectionSingleDown, 6
	default:
		return DirectionDoubleDown, 7
	}
}

// TrendArrow returns the Unicode arrow character for the trend
func (g *GlucoseEntry) TrendArrow() string {
	return ArrowFor(g.Direction, g.Trend)
}

// ArrowFor returns the arrow for a direction name, falling back to the numeric trend
func ArrowFor(direction string, trend int) string {
	arrows := map[string]string{
		DirectionDoubleUp:      "⇈",
		DirectionSingleUp:      "↑",
		DirectionFortyFiveUp:   "↗",
		DirectionFlat:          "→",
		DirectionFortyFiveDown: "↘",
		DirectionSingleDown:    "↓",
		DirectionDoubleDown:    "⇊",
		DirectionNone:          "?",
		"RATE OUT OF RANGE":    "⚠",
	}

	if direction != "" {
		if arrow, ok := arrows[direction]; ok {
			return arrow
		}
	}

	// Fallback to numeric trend
	numericArrows := map[int]string{
		1: "⇈",
		2: "↑",
		3: "↗",
		4: "→",
		5: "↘",
		6: "↓",
		7: "⇊",
	}

	if arrow, ok := numericArrows[trend]; ok {
		return arrow
	}

	return "-"
}

// NewSGVEntry converts a sensor reading into a Nightscout sgv entry
func NewSGVEntry(r GlucoseReading, direction string, trend int, device string) GlucoseEntry {
	return GlucoseEntry{
		Type:      "sgv",
		SGV:       r.Rounded(),
		Date:      r.Time.UnixMilli(),
		DateStr:   r.Time.UTC().Format(time.RFC3339),
		Trend:     trend,
		Direction: direction,
		Device:    device,
		Filtered:  r.Value,
	}
}

// NewMBGEntry converts a calibration reading into a Nightscout mbg entry
func NewMBGEntry(r GlucoseReading, device string) GlucoseEntry {
	return GlucoseEntry{
		Type:    "mbg",
		MBG:     r.Rounded(),
		Date:    r.Time.UnixMilli(),
		DateStr: r.Time.UTC().Format(time.RFC3339),
		Device:  device,
	}
}

// GlucoseStatus represents the current glucose status for display
type GlucoseStatus struct {
	Value        int       `json:"value"`        // mg/dL
	ValueMmol    float64   `json:"valueMmol"`    // mmol/L
	Trend        string    `json:"trend"`        // Arrow character
	Direction    string    `json:"direction"`    // Direction string
	Time         time.Time `json:"time"`         // Reading time
	Status       string    `json:"status"`       // "normal", "high", "low", "urgent_high", "urgent_low"
	StaleMinutes int       `json:"staleMinutes"` // Minutes since last reading
	IsStale      bool      `json:"isStale"`      // True if data is stale (>15 min)
	IOB          float64   `json:"iob"`          // Insulin on Board (units)
	COB          float64   `json:"cob"`          // Carbs on Board (grams)
}

// ServerStatus represents the Nightscout server status
type ServerStatus struct {
	Status     string `json:"status"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	ServerTime string `json:"serverTime"`
	APIEnabled bool   `json:"apiEnabled"`
}

// ToMmol converts a mg/dL value to mmol/L
func ToMmol(mgdl float64) float64 {
	return mgdl / 18.0182
}

// ToMgdl converts a mmol/L value to mg/dL
func ToMgdl(mmol float64) float64 {
	return mmol * 18.0182
}
