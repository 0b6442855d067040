package engine

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mrcode/cgm-bridge/internal/miaomiao"
	"github.com/mrcode/cgm-bridge/internal/models"
	"github.com/mrcode/cgm-bridge/internal/sensor"
)

// EventType identifies an engine event
type EventType string

const (
	EventReadings          EventType = "readings"
	EventCalibration       EventType = "calibration"
	EventStateChanged      EventType = "state_changed"
	EventCalibrationNeeded EventType = "calibration_needed"
	EventReadFailed        EventType = "read_failed"
	EventBadData           EventType = "bad_data"
	EventNewSensor         EventType = "new_sensor"
	EventNoSensor          EventType = "no_sensor"
	EventSensorReset       EventType = "sensor_reset"
)

// Status is a point-in-time view of the bridge and sensor
type Status struct {
	State             models.SensorState `json:"state"`
	Message           string             `json:"message"`
	SerialNumber      string             `json:"serialNumber"`
	SensorID          uuid.UUID          `json:"sensorId"`
	Battery           int                `json:"battery"`
	FirmwareID        string             `json:"firmwareId"`
	HardwareID        string             `json:"hardwareId"`
	AgeMinutes        int                `json:"ageMinutes"`
	SensorStart       time.Time          `json:"sensorStart"`
	CalibrationFactor float64            `json:"calibrationFactor"`
	NextCalibration   time.Time          `json:"nextCalibration"`
	CalibrationNeeded bool               `json:"calibrationNeeded"`
	LastPacket        time.Time          `json:"lastPacket"`
	BadCRCCount       int                `json:"badCrcCount"`
}

// Event is delivered to observers after each pipeline step
type Event struct {
	Type     EventType
	Time     time.Time
	Status   Status
	Readings []models.GlucoseReading // Accepted readings, or the inserted calibration points

	Glucose    models.GlucoseReading // Latest reading when HasGlucose
	HasGlucose bool
	Direction  string
	Trend      int
}

// OutcomeKind tags the result of one decode attempt
type OutcomeKind int

const (
	OutcomePacket OutcomeKind = iota
	OutcomeBadFrame
	OutcomeBadCRC
	OutcomeDecodeError
	OutcomeControl
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomePacket:
		return "packet"
	case OutcomeBadFrame:
		return "bad_frame"
	case OutcomeBadCRC:
		return "bad_crc"
	case OutcomeDecodeError:
		return "decode_error"
	case OutcomeControl:
		return "control"
	default:
		return "unknown"
	}
}

// DecodeOutcome is the tagged result of one frame or control byte
type DecodeOutcome struct {
	Kind       OutcomeKind
	Packet     *miaomiao.Packet   // OutcomePacket, and the transmitter fields of OutcomeBadCRC
	Control    miaomiao.EventKind // OutcomeControl
	Transition sensor.Transition
	Accepted   []models.GlucoseReading // Readings added to the timeline
	Err        error
}

var (
	// ErrNoRecentGlucose is returned when a calibration has no current sensor reading to compare to
	ErrNoRecentGlucose = errors.New("no recent glucose reading")
	ErrNoEventStore    = errors.New("no event store configured")
)

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
