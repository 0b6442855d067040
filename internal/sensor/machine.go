// Package sensor owns the sensor lifecycle and decides which commands and readings follow a packet
package sensor

import (
	"time"

	"github.com/mrcode/cgm-bridge/internal/miaomiao"
	"github.com/mrcode/cgm-bridge/internal/models"
)

// MaxCRCRetries is the number of re-reads requested before a checksum failure is reported
const MaxCRCRetries = 3

// Config holds the lifecycle and calibration timing
type Config struct {
	FirstCalibration    time.Duration // After a new sensor is detected
	CalibrationInterval time.Duration // After each calibration
	CalibrationRetry    time.Duration // When a calibration is due but glucose is unstable

	StableLow  float64 // mg/dL
	StableHigh float64 // mg/dL
	MaxRate    float64 // mg/dL per minute
	MaxSlope   float64 // mg/dL per minute
}

// DefaultConfig returns the standard timings
func DefaultConfig() Config {
	return Config{
		FirstCalibration:    time.Hour,
		CalibrationInterval: 12 * time.Hour,
		CalibrationRetry:    15 * time.Minute,
		StableLow:           70,
		StableHigh:          180,
		MaxRate:             1,
		MaxSlope:            0.5,
	}
}

// Transition describes what a packet changed and what the caller must do about it
type Transition struct {
	From models.SensorState
	To   models.SensorState

	// Reset is set when the serial number changed. Buffered readings of the
	// previous sensor must be flushed before anything else is stored.
	Reset          bool
	PreviousSerial string

	EmitReadings bool
	Status       string
	Commands     [][]byte
	Fatal        bool // Retries exhausted; surface "failed to read data"
}

// Changed reports whether the lifecycle state moved
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Stability summarises recent glucose for the calibration heuristic
type Stability struct {
	Current float64 // Latest sensor value
	Rate    float64 // Short term rate of change
	Slope   float64 // Trendline slope
}

// Machine is the sensor state machine. It only mutates its own EngineState
// and is driven from the single decode goroutine.
type Machine struct {
	state  models.EngineState
	config Config
}

// NewMachine creates a machine resuming from a persisted state
func NewMachine(state models.EngineState, config Config) *Machine {
	if state.CalibrationFactor == 0 {
		state.CalibrationFactor = 1.0
	}
	if state.State == "" {
		state.State = models.SensorUnknown
	}
	return &Machine{state: state, config: config}
}

// State returns a copy of the engine state
func (m *Machine) State() models.EngineState {
	return m.state
}

// Process applies a successfully decoded packet
func (m *Machine) Process(p *miaomiao.Packet, now time.Time) Transition {
	m.state.BadCRCCount = 0

	tr := Transition{From: m.state.State, To: p.State}

	if p.SerialNumber != m.state.SerialNumber {
		tr.Reset = true
		tr.PreviousSerial = m.state.SerialNumber
		m.state.SerialNumber = p.SerialNumber
		m.state.CalibrationFactor = 1.0
		m.state.NextCalibration = now.Add(m.config.FirstCalibration)
		m.state.SensorStart = time.Time{}
	}

	if m.state.SensorStart.IsZero() && p.AgeMinutes > 0 {
		m.state.SensorStart = now.Add(-time.Duration(p.AgeMinutes) * time.Minute)
	}

	m.state.State = p.State
	tr.Status = p.State.String()

	switch p.State {
	case models.SensorReady:
		tr.EmitReadings = true
		if tr.From == models.SensorFailure {
			tr.Commands = append(tr.Commands, miaomiao.NormalFrequencyCommand())
		}
	case models.SensorExpired:
		tr.EmitReadings = true
	case models.SensorFailure:
		if tr.From != models.SensorFailure {
			tr.Commands = append(tr.Commands, miaomiao.ShortFrequencyCommand())
		}
	}

	return tr
}

// CRCFailure records a checksum failure. It asks for a re-read until the
// retry budget is spent, then reports a fatal transition and starts over.
func (m *Machine) CRCFailure() Transition {
	m.state.BadCRCCount++
	tr := Transition{From: m.state.State, To: m.state.State}

	if m.state.BadCRCCount > MaxCRCRetries {
		m.state.BadCRCCount = 0
		tr.Fatal = true
		tr.Status = "Failed to read data"
		return tr
	}

	tr.Commands = [][]byte{miaomiao.StartReadingCommand()}
	return tr
}

// CalibrationDue reports whether the user should calibrate now. When the deadline
// has passed but glucose is not stable, the deadline moves forward.
func (m *Machine) CalibrationDue(now time.Time, s Stability) bool {
	if m.state.NextCalibration.IsZero() || now.Before(m.state.NextCalibration) {
		return false
	}
	if m.stable(s) {
		return true
	}
	m.state.NextCalibration = now.Add(m.config.CalibrationRetry)
	return false
}

func (m *Machine) stable(s Stability) bool {
	if s.Current < m.config.StableLow || s.Current > m.config.StableHigh {
		return false
	}
	return abs(s.Rate) <= m.config.MaxRate && abs(s.Slope) <= m.config.MaxSlope
}

// Calibrated stores a new calibration factor and schedules the next calibration
func (m *Machine) Calibrated(factor float64, now time.Time) {
	m.state.CalibrationFactor = factor
	m.state.NextCalibration = now.Add(m.config.CalibrationInterval)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
