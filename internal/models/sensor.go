package models

import "time"

// SensorState is the lifecycle state of the physical sensor
type SensorState string

const (
	SensorUnknown       SensorState = "unknown"
	SensorNotYetStarted SensorState = "not_yet_started"
	SensorStarting      SensorState = "starting"
	SensorReady         SensorState = "ready"
	SensorExpired       SensorState = "expired"
	SensorFailure       SensorState = "failure"
	SensorShutdown      SensorState = "shutdown"
)

// String returns a human-readable label for the state
func (s SensorState) String() string {
	switch s {
	case SensorNotYetStarted:
		return "Sensor not yet started"
	case SensorStarting:
		return "Sensor starting"
	case SensorReady:
		return "Sensor ready"
	case SensorExpired:
		return "Sensor expired"
	case SensorFailure:
		return "Sensor failure"
	case SensorShutdown:
		return "Sensor shut down"
	default:
		return "Unknown"
	}
}

// EngineState is the mutable state of the bridge that survives restarts
type EngineState struct {
	CalibrationFactor float64     `json:"calibrationFactor"`
	NextCalibration   time.Time   `json:"nextCalibration"`
	SerialNumber      string      `json:"serialNumber"`
	SensorStart       time.Time   `json:"sensorStart"`
	State             SensorState `json:"state"`
	BadCRCCount       int         `json:"badCrcCount"`
}

// NewEngineState returns the state of a bridge that has never seen a sensor
func NewEngineState() EngineState {
	return EngineState{
		CalibrationFactor: 1.0,
		State:             SensorUnknown,
	}
}
