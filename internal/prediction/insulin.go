// Package prediction models insulin and carb action and forecasts meal outcomes
package prediction

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mrcode/cgm-bridge/internal/models"
)

// ErrInvalidModel is returned for insulin curve parameters the model cannot represent
var ErrInvalidModel = errors.New("invalid insulin model")

// InsulinModel is the exponential insulin action curve. All values are minutes.
type InsulinModel struct {
	DIA   float64 // Duration of insulin action
	Peak  float64 // Time of peak activity
	Delay float64 // Time before the insulin starts acting
}

// DefaultInsulinModel returns the curve for a rapid acting analogue
func DefaultInsulinModel() InsulinModel {
	return InsulinModel{DIA: 300, Peak: 125, Delay: 20}
}

// Validate checks that the curve shape is well defined
func (m InsulinModel) Validate() error {
	if m.DIA <= 0 || m.Peak <= 0 || m.Delay < 0 {
		return fmt.Errorf("%w: dia %.0f peak %.0f delay %.0f", ErrInvalidModel, m.DIA, m.Peak, m.Delay)
	}
	if 2*m.Peak >= m.DIA {
		return fmt.Errorf("%w: peak %.0f must be below half of dia %.0f", ErrInvalidModel, m.Peak, m.DIA)
	}
	return nil
}

// Window returns how long a bolus or meal stays on board
func (m InsulinModel) Window() time.Duration {
	return time.Duration((m.DIA + m.Delay) * float64(time.Minute))
}

// Action returns the insulin activity (units per minute) and insulin on board
// at time at for a bolus given at bolusTime.
func (m InsulinModel) Action(bolus float64, bolusTime, at time.Time) (activity, iob float64) {
	t := at.Sub(bolusTime).Minutes() - m.Delay

	if t < -m.Delay || t > m.DIA || bolus == 0 {
		return 0, 0
	}
	if t < 0 {
		return 0, bolus
	}

	dia, peak := m.DIA, m.Peak
	tau := peak * (1 - peak/dia) / (1 - 2*peak/dia)
	a := 2 * tau / dia
	s := 1 / (1 - a + (1+a)*math.Exp(-dia/tau))

	activity = (s / (tau * tau)) * t * (1 - t/dia) * math.Exp(-t/tau) * bolus
	iob = (1 - s*(1-a)*((t*t/(tau*dia*(1-a))-t/tau-1)*math.Exp(-t/tau)+1)) * bolus
	return activity, iob
}

// InsulinOnBoard sums the insulin still on board at at over all events
func (m InsulinModel) InsulinOnBoard(events []models.MealEvent, at time.Time) float64 {
	var total float64
	for _, e := range events {
		_, iob := m.Action(e.Bolus, e.Time, at)
		total += iob
	}
	return total
}

// CarbsOnBoard sums the carbs still unabsorbed at at, decaying linearly over the window
func (m InsulinModel) CarbsOnBoard(events []models.MealEvent, at time.Time) float64 {
	window := m.DIA + m.Delay
	if window <= 0 {
		return 0
	}

	var total float64
	for _, e := range events {
		if !e.HasCarbs() || e.Time.After(at) {
			continue
		}
		elapsed := at.Sub(e.Time).Minutes()
		if elapsed >= window {
			continue
		}
		total += e.Carbs * (1 - elapsed/window)
	}
	return total
}
