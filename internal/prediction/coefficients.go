package prediction

import (
	"time"

	"github.com/mrcode/cgm-bridge/internal/models"
)

// Default response timings when the fitted coefficients carry none
const (
	DefaultHighAfter = 90 * time.Minute
	DefaultLowAfter  = 240 * time.Minute
)

// CoefficientSet is the global fit plus optional per day part overrides
type CoefficientSet struct {
	Global   models.Coefficients
	DayParts map[models.TimeOfDayPeriod]models.Coefficients
}

// For returns the coefficients that apply at t
func (s CoefficientSet) For(t time.Time) (models.Coefficients, bool) {
	if c, ok := s.DayParts[models.GetTimeOfDayPeriod(t)]; ok && !c.IsZero() {
		return c, true
	}
	if !s.Global.IsZero() {
		return s.Global, true
	}
	return models.Coefficients{}, false
}

// CalculatedLevel estimates the outcome of meal from linear coefficients.
// spread is the number of residual sigmas between the percentiles.
func CalculatedLevel(meal models.MealEvent, current float64, set CoefficientSet, spread float64) (*models.Prediction, error) {
	c, ok := set.For(meal.Time)
	if !ok {
		return nil, ErrInsufficientData
	}

	high := meal.Carbs*c.CarbsHigh - meal.Bolus*c.InsulinHigh + current
	low := meal.Carbs*c.CarbsLow - meal.Bolus*c.InsulinLow + current
	end := meal.Carbs*c.CarbsEnd - meal.Bolus*c.InsulinEnd + current

	r := predictionRange{
		h10:   high - spread*c.SigmaHigh,
		h50:   high,
		h90:   high + spread*c.SigmaHigh,
		low50: low,
		low:   low - spread*c.SigmaLow,
	}
	clamped := clampOrder(&r)

	highAfter := DefaultHighAfter
	if c.HighAfterMinutes > 0 {
		highAfter = minutesDuration(c.HighAfterMinutes)
	}
	lowAfter := DefaultLowAfter
	if c.LowAfterMinutes > 0 {
		lowAfter = minutesDuration(c.LowAfterMinutes)
	}

	return &models.Prediction{
		MealTime: meal.Time,
		HighTime: meal.Time.Add(highAfter),
		H10:      r.h10,
		H50:      r.h50,
		H90:      r.h90,
		LowTime:  meal.Time.Add(lowAfter),
		Low50:    r.low50,
		Low:      r.low,
		End50:    end,
		Source:   SourceCoefficients,
		Clamped:  clamped,
	}, nil
}
