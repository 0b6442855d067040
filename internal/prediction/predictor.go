package prediction

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/mrcode/cgm-bridge/internal/models"
)

// ErrInsufficientData means neither the meal history nor fitted coefficients support a forecast
var ErrInsufficientData = errors.New("insufficient data for prediction")

// Prediction sources
const (
	SourceHistory      = "history"
	SourceCoefficients = "coefficients"
)

// Config holds the empirical predictor constants
type Config struct {
	Spread            float64       // Standard deviations between the percentiles
	BolusTolerance    float64       // Max difference in bolus plus IOB, units
	MaxMatches        int           // Most recent similar meals considered
	MinMatches        int           // Needed unless the meal matches exactly
	History           time.Duration // How far back to look for similar meals
	HypoThreshold     float64       // mg/dL; a meal followed by a reading below this is ignored
	BaselineTolerance time.Duration // Max distance of the pre-meal reading
}

// DefaultConfig returns the standard predictor constants
func DefaultConfig() Config {
	return Config{
		Spread:            1.5,
		BolusTolerance:    0.5,
		MaxMatches:        24,
		MinMatches:        3,
		History:           90 * 24 * time.Hour,
		HypoThreshold:     70,
		BaselineTolerance: 15 * time.Minute,
	}
}

// Outcome is the observed glucose response to one past meal
type Outcome struct {
	Meal       models.MealEvent
	Baseline   float64
	Rise       float64 // High minus baseline
	TimeToHigh time.Duration
	Drop       float64 // Low after the high minus baseline
	TimeToLow  time.Duration
}

// Predictor forecasts the glucose response to a meal or bolus
type Predictor struct {
	insulin InsulinModel
	config  Config
}

// NewPredictor creates a predictor
func NewPredictor(insulin InsulinModel, config Config) *Predictor {
	return &Predictor{insulin: insulin, config: config}
}

// Config returns the predictor constants
func (p *Predictor) Config() Config {
	return p.config
}

// Predict forecasts the outcome of meal from similar past meals.
// events must cover the history window and readings the same span; both are only read.
func (p *Predictor) Predict(meal models.MealEvent, current float64, events []models.MealEvent, readings []models.GlucoseReading) (*models.Prediction, error) {
	outcomes := p.Matches(meal, events, readings)
	if len(outcomes) == 0 {
		return nil, ErrInsufficientData
	}
	if len(outcomes) < p.config.MinMatches && !exactMatches(meal, outcomes) {
		return nil, ErrInsufficientData
	}

	rises := make([]float64, len(outcomes))
	drops := make([]float64, len(outcomes))
	highs := make([]float64, len(outcomes))
	lows := make([]float64, len(outcomes))
	for i, o := range outcomes {
		rises[i] = o.Rise
		drops[i] = o.Drop
		highs[i] = o.TimeToHigh.Minutes()
		lows[i] = o.TimeToLow.Minutes()
	}

	riseSD := stddev(rises)
	dropSD := stddev(drops)

	r := predictionRange{h50: mean(rises) + current}
	r.h10 = r.h50 - p.config.Spread*riseSD
	r.h90 = r.h50 + p.config.Spread*riseSD
	r.low50 = mean(drops) + current
	r.low = r.low50 - p.config.Spread*dropSD
	clamped := clampOrder(&r)

	return &models.Prediction{
		MealTime:    meal.Time,
		HighTime:    meal.Time.Add(minutesDuration(mean(highs))),
		H10:         r.h10,
		H50:         r.h50,
		H90:         r.h90,
		LowTime:     meal.Time.Add(minutesDuration(mean(lows))),
		Low50:       r.low50,
		Low:         r.low,
		SampleCount: len(outcomes),
		Source:      SourceHistory,
		Clamped:     clamped,
	}, nil
}

// Matches returns the observed outcomes of past meals similar to meal, newest first
func (p *Predictor) Matches(meal models.MealEvent, events []models.MealEvent, readings []models.GlucoseReading) []Outcome {
	sorted := append([]models.MealEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	readings = append([]models.GlucoseReading(nil), readings...)
	sort.SliceStable(readings, func(i, j int) bool { return readings[i].Time.Before(readings[j].Time) })

	load := meal.Bolus + p.insulin.InsulinOnBoard(before(sorted, meal.Time), meal.Time)
	oldest := meal.Time.Add(-p.config.History)

	var outcomes []Outcome
	for i := len(sorted) - 1; i >= 0; i-- {
		if p.config.MaxMatches > 0 && len(outcomes) >= p.config.MaxMatches {
			break
		}
		c := sorted[i]
		if !c.Time.Before(meal.Time) || c.Time.Before(oldest) {
			continue
		}
		if !sameKind(meal, c) || !comparableCarbs(meal.Carbs, c.Carbs) {
			continue
		}
		cLoad := c.Bolus + p.insulin.InsulinOnBoard(before(sorted, c.Time), c.Time)
		if math.Abs(load-cLoad) >= p.config.BolusTolerance {
			continue
		}

		end := c.Time.Add(p.insulin.Window())
		if i+1 < len(sorted) && sorted[i+1].Time.Before(end) {
			end = sorted[i+1].Time
		}

		if o, ok := p.outcome(c, end, readings); ok {
			outcomes = append(outcomes, o)
		}
	}
	return outcomes
}

// outcome measures the response to meal between its time and end
func (p *Predictor) outcome(meal models.MealEvent, end time.Time, readings []models.GlucoseReading) (Outcome, bool) {
	baseline, ok := nearestReading(readings, meal.Time, p.config.BaselineTolerance)
	if !ok {
		return Outcome{}, false
	}

	var after []models.GlucoseReading
	for _, r := range readings {
		if r.Synthetic || r.Time.Before(meal.Time) || r.Time.After(end) {
			continue
		}
		if r.Value < p.config.HypoThreshold {
			return Outcome{}, false
		}
		if r.Time.After(meal.Time) {
			after = append(after, r)
		}
	}
	if len(after) == 0 {
		return Outcome{}, false
	}

	high, highIdx := peakReading(after)
	low := high
	for _, r := range after[highIdx:] {
		if r.Value < low.Value {
			low = r
		}
	}

	return Outcome{
		Meal:       meal,
		Baseline:   baseline.Value,
		Rise:       high.Value - baseline.Value,
		TimeToHigh: high.Time.Sub(meal.Time),
		Drop:       low.Value - baseline.Value,
		TimeToLow:  low.Time.Sub(meal.Time),
	}, true
}

// sameKind matches on the note, or on the part of the day for meals without one
func sameKind(meal, candidate models.MealEvent) bool {
	if meal.NoteKey != "" {
		return candidate.NoteKey == meal.NoteKey
	}
	return candidate.NoteKey == "" &&
		models.GetTimeOfDayPeriod(candidate.Time) == models.GetTimeOfDayPeriod(meal.Time)
}

func comparableCarbs(a, b float64) bool {
	return a == b || a == 0 || b == 0
}

// exactMatches reports whether every outcome has the meal's note and carbs
func exactMatches(meal models.MealEvent, outcomes []Outcome) bool {
	if meal.NoteKey == "" {
		return false
	}
	for _, o := range outcomes {
		if o.Meal.NoteKey != meal.NoteKey || o.Meal.Carbs != meal.Carbs {
			return false
		}
	}
	return true
}

// before returns the prefix of sorted events strictly earlier than t
func before(sorted []models.MealEvent, t time.Time) []models.MealEvent {
	i := sort.Search(len(sorted), func(i int) bool { return !sorted[i].Time.Before(t) })
	return sorted[:i]
}

func nearestReading(readings []models.GlucoseReading, target time.Time, maxDiff time.Duration) (models.GlucoseReading, bool) {
	var nearest models.GlucoseReading
	found := false
	minDiff := maxDiff

	for _, r := range readings {
		if r.Synthetic {
			continue
		}
		diff := r.Time.Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if diff <= minDiff {
			minDiff = diff
			nearest = r
			found = true
		}
	}
	return nearest, found
}

func peakReading(readings []models.GlucoseReading) (models.GlucoseReading, int) {
	peak, idx := readings[0], 0
	for i, r := range readings {
		if r.Value > peak.Value {
			peak, idx = r, i
		}
	}
	return peak, idx
}

func minutesDuration(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}
