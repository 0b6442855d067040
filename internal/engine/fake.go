package engine

import (
	"context"
	"sync"
	"time"

	"github.com/mrcode/cgm-bridge/internal/models"
)

// FakeClock is a manually advanced clock for tests
type FakeClock struct {
	mu sync.Mutex
	T  time.Time
}

// Now returns the current fake time
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.T
}

// Advance moves the clock forward by d
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.T = c.T.Add(d)
}

// FakeCommandWriter records commands for test assertions
type FakeCommandWriter struct {
	Commands [][]byte
	Err      error
}

// WriteCommand records cmd
func (f *FakeCommandWriter) WriteCommand(cmd []byte) error {
	if f.Err != nil {
		return f.Err
	}
	f.Commands = append(f.Commands, append([]byte(nil), cmd...))
	return nil
}

// Reset clears recorded commands
func (f *FakeCommandWriter) Reset() {
	f.Commands = nil
}

// FakeSink records persisted readings
type FakeSink struct {
	Batches      [][]models.GlucoseReading
	Sensors      []string // Serial number tagged on each batch
	Calibrations []models.GlucoseReading
	Err          error
}

// AppendReadings records a batch
func (f *FakeSink) AppendReadings(ctx context.Context, readings []models.GlucoseReading) error {
	if f.Err != nil {
		return f.Err
	}
	serial, _ := SensorFromContext(ctx)
	f.Batches = append(f.Batches, append([]models.GlucoseReading(nil), readings...))
	f.Sensors = append(f.Sensors, serial)
	return nil
}

// AppendCalibration records a calibration
func (f *FakeSink) AppendCalibration(_ context.Context, reading models.GlucoseReading) error {
	if f.Err != nil {
		return f.Err
	}
	f.Calibrations = append(f.Calibrations, reading)
	return nil
}

// Readings returns every recorded reading across batches
func (f *FakeSink) Readings() []models.GlucoseReading {
	var out []models.GlucoseReading
	for _, b := range f.Batches {
		out = append(out, b...)
	}
	return out
}

// FakeEventStore serves treatments from memory
type FakeEventStore struct {
	Treatments []models.Treatment
	Err        error
	Calls      int
}

// EntriesOverlapping returns the treatments in [from, to]
func (f *FakeEventStore) EntriesOverlapping(_ context.Context, from, to time.Time) ([]models.Treatment, error) {
	f.Calls++
	if f.Err != nil {
		return nil, f.Err
	}
	var out []models.Treatment
	for _, t := range f.Treatments {
		at := t.Time()
		if at.Before(from) || at.After(to) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// FakeStateStore keeps the engine state in memory
type FakeStateStore struct {
	State   models.EngineState
	Saves   int
	LoadErr error
}

// LoadState returns the stored state
func (f *FakeStateStore) LoadState() (models.EngineState, error) {
	if f.LoadErr != nil {
		return models.EngineState{}, f.LoadErr
	}
	return f.State, nil
}

// SaveState stores state
func (f *FakeStateStore) SaveState(state models.EngineState) error {
	f.State = state
	f.Saves++
	return nil
}

// RecordingObserver collects events
type RecordingObserver struct {
	mu     sync.Mutex
	Events []Event
}

// OnEvent records event
func (r *RecordingObserver) OnEvent(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, event)
}

// Types returns the recorded event types in order
func (r *RecordingObserver) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Type
	}
	return out
}

// Count returns how many events of type t were recorded
func (r *RecordingObserver) Count(t EventType) int {
	n := 0
	for _, got := range r.Types() {
		if got == t {
			n++
		}
	}
	return n
}
