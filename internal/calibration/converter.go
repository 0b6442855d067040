// Package calibration turns raw sensor samples into glucose values
package calibration

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

// Errors returned by the converter
var (
	ErrNoData             = errors.New("sensor reported no data")
	ErrInvalidCalibration = errors.New("invalid calibration value")
)

// LinearModel is the temperature compensated two stage linear model.
// slope = SlopeSlope*T + OffsetSlope, offset = SlopeOffset*T + OffsetOffset.
type LinearModel struct {
	SlopeSlope   float64 `json:"slopeSlope"`
	OffsetSlope  float64 `json:"offsetSlope"`
	SlopeOffset  float64 `json:"slopeOffset"`
	OffsetOffset float64 `json:"offsetOffset"`
}

// DefaultModel returns the baseline device constants
func DefaultModel() LinearModel {
	return LinearModel{
		SlopeSlope:   0.000015623,
		OffsetSlope:  0.0017457,
		SlopeOffset:  -0.0002327,
		OffsetOffset: -19.47,
	}
}

// Factor is the user calibration slope applied to every conversion.
// Loads and stores are atomic, so a conversion sees either the old or the new value.
type Factor struct {
	bits atomic.Uint64
}

// NewFactor creates a factor with the given initial value
func NewFactor(v float64) *Factor {
	f := &Factor{}
	f.Store(v)
	return f
}

// Load returns the current factor
func (f *Factor) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

// Store replaces the factor
func (f *Factor) Store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

// Converter applies a LinearModel and the calibration factor
type Converter struct {
	model  LinearModel
	factor *Factor
}

// NewConverter creates a converter. A nil factor starts at 1.0.
func NewConverter(model LinearModel, factor *Factor) *Converter {
	if factor == nil {
		factor = NewFactor(1.0)
	}
	return &Converter{model: model, factor: factor}
}

// Factor returns the shared calibration factor
func (c *Converter) Factor() *Factor {
	return c.factor
}

// Uncalibrated returns the model output before the calibration factor is applied
func (c *Converter) Uncalibrated(raw, temperature uint16) (float64, error) {
	if raw == 0 {
		return 0, ErrNoData
	}
	t := float64(temperature)
	slope := c.model.SlopeSlope*t + c.model.OffsetSlope
	offset := c.model.SlopeOffset*t + c.model.OffsetOffset
	return slope*float64(raw) + offset, nil
}

// Convert returns the calibrated glucose in mg/dL.
// The linear model does not use the sensor age.
func (c *Converter) Convert(raw, temperature uint16, _ int) (float64, error) {
	value, err := c.Uncalibrated(raw, temperature)
	if err != nil {
		return 0, err
	}
	return value * c.factor.Load(), nil
}

// Recalibrate returns the factor that makes the current reading equal the entered value
func Recalibrate(factor, entered, current float64) (float64, error) {
	if entered <= 0 || current <= 0 || math.IsNaN(entered) || math.IsNaN(current) {
		return factor, fmt.Errorf("%w: entered %.1f current %.1f", ErrInvalidCalibration, entered, current)
	}
	return factor * entered / current, nil
}
