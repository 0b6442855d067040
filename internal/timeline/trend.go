package timeline

import (
	"time"

	"github.com/mrcode/cgm-bridge/internal/models"
)

// Trend windows
const (
	TrendlineWindow = 15 * time.Minute
	RateWindow      = 5 * time.Minute
)

// Trendline is a least squares fit over recent sensor readings.
// Slope is in mg/dL per minute; Intercept is the fitted value at At.
type Trendline struct {
	Slope     float64
	Intercept float64
	At        time.Time
	Points    int
}

// ValueAt extrapolates the line to t
func (l Trendline) ValueAt(t time.Time) float64 {
	return l.Intercept + l.Slope*t.Sub(l.At).Minutes()
}

// Trendline fits the sensor readings of the last 15 minutes before the newest one
func (t *Timeline) Trendline() (Trendline, bool) {
	recent := t.recentSensor(TrendlineWindow)
	if len(recent) < 2 {
		return Trendline{}, false
	}

	at := recent[len(recent)-1].Time
	xs := make([]float64, len(recent))
	ys := make([]float64, len(recent))
	for i, r := range recent {
		xs[i] = r.Time.Sub(at).Minutes()
		ys[i] = r.Value
	}

	slope, intercept, ok := fitLine(xs, ys)
	if !ok {
		return Trendline{}, false
	}
	return Trendline{Slope: slope, Intercept: intercept, At: at, Points: len(recent)}, true
}

// RateOfChange returns the change in mg/dL per minute over the last five minutes
func (t *Timeline) RateOfChange() (float64, bool) {
	recent := t.recentSensor(RateWindow)
	if len(recent) < 2 {
		return 0, false
	}
	first, last := recent[0], recent[len(recent)-1]
	minutes := last.Time.Sub(first.Time).Minutes()
	if minutes <= 0 {
		return 0, false
	}
	return (last.Value - first.Value) / minutes, true
}

func (t *Timeline) recentSensor(window time.Duration) []models.GlucoseReading {
	latest, ok := t.LatestSensor()
	if !ok {
		return nil
	}
	var out []models.GlucoseReading
	for _, r := range t.Window(latest.Time.Add(-window), latest.Time) {
		if r.IsSensor() {
			out = append(out, r)
		}
	}
	return out
}

// fitLine is an ordinary least squares regression of ys on xs
func fitLine(xs, ys []float64) (slope, intercept float64, ok bool) {
	n := len(xs)
	if n < 2 || n != len(ys) {
		return 0, 0, false
	}

	var sumX, sumY, sumXY, sumX2 float64
	for i := 0; i < n; i++ {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumX2 += xs[i] * xs[i]
	}

	nf := float64(n)
	denominator := nf*sumX2 - sumX*sumX
	if denominator == 0 {
		return 0, 0, false
	}

	slope = (nf*sumXY - sumX*sumY) / denominator
	intercept = (sumY - slope*sumX) / nf
	return slope, intercept, true
}
