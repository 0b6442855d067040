package engine

import (
	"context"
	"io"
	"time"

	"github.com/mrcode/cgm-bridge/internal/models"
)

// CommandWriter sends protocol commands to the transmitter
type CommandWriter interface {
	WriteCommand(cmd []byte) error
}

// ByteTransport delivers raw transmitter bytes and accepts commands
type ByteTransport interface {
	io.Reader
	CommandWriter
}

// EventStore returns the treatments (meals and boluses) overlapping a window, oldest first
type EventStore interface {
	EntriesOverlapping(ctx context.Context, from, to time.Time) ([]models.Treatment, error)
}

type sensorKey struct{}

// WithSensor tags ctx with the serial number of the sensor whose readings are being stored
func WithSensor(ctx context.Context, serial string) context.Context {
	return context.WithValue(ctx, sensorKey{}, serial)
}

// SensorFromContext returns the serial number set by WithSensor
func SensorFromContext(ctx context.Context) (string, bool) {
	serial, ok := ctx.Value(sensorKey{}).(string)
	return serial, ok && serial != ""
}

// PersistenceSink stores readings. Implementations must dedupe by timestamp,
// since the engine retries failed appends. The engine tags ctx with the
// producing sensor, see SensorFromContext.
type PersistenceSink interface {
	AppendReadings(ctx context.Context, readings []models.GlucoseReading) error
	AppendCalibration(ctx context.Context, reading models.GlucoseReading) error
}

// StateStore persists the engine state across restarts
type StateStore interface {
	LoadState() (models.EngineState, error)
	SaveState(state models.EngineState) error
}

// Clock is the current time source
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time { return time.Now() }

// Observer receives engine events. Fan-out order between observers is not defined.
type Observer interface {
	OnEvent(event Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

// OnEvent calls f(event)
func (f ObserverFunc) OnEvent(event Event) { f(event) }

// MultiSink fans readings out to several sinks and joins their errors
type MultiSink []PersistenceSink

// AppendReadings appends to every sink
func (m MultiSink) AppendReadings(ctx context.Context, readings []models.GlucoseReading) error {
	var errs []error
	for _, s := range m {
		if err := s.AppendReadings(ctx, readings); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrors(errs)
}

// AppendCalibration appends to every sink
func (m MultiSink) AppendCalibration(ctx context.Context, reading models.GlucoseReading) error {
	var errs []error
	for _, s := range m {
		if err := s.AppendCalibration(ctx, reading); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrors(errs)
}
