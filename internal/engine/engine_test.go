package engine

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/mrcode/cgm-bridge/internal/miaomiao"
	"github.com/mrcode/cgm-bridge/internal/models"
	"github.com/mrcode/cgm-bridge/internal/prediction"
	"github.com/mrcode/cgm-bridge/internal/sensor"
)

// 1500 raw at 7000 temperature converts to this with factor 1
const baseGlucose = 145.56115

var (
	uidA = []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x07, 0xE0}
	uidB = []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x07, 0xE0}
)

func readyPacket(uid []byte, age uint16) []byte {
	trend := make([]miaomiao.RawRecord, miaomiao.TrendSlots)
	for i := range trend {
		trend[i] = miaomiao.RawRecord{Raw: 1500, Temperature: 7000}
	}
	history := make([]miaomiao.RawRecord, miaomiao.HistorySlots)
	for i := range history {
		history[i] = miaomiao.RawRecord{Raw: 1500, Temperature: 7000}
	}
	return miaomiao.BuildPacket(miaomiao.PacketSpec{
		UID:        uid,
		Battery:    80,
		FirmwareID: 0x0100,
		HardwareID: 0x0200,
		StateCode:  miaomiao.CodeReady,
		AgeMinutes: age,
		TrendIndex: 5,
		Trend:      trend,
		History:    history,
	})
}

type harness struct {
	engine   *Engine
	clock    *FakeClock
	commands *FakeCommandWriter
	sink     *FakeSink
	events   *FakeEventStore
	store    *FakeStateStore
	observer *RecordingObserver
}

func newHarness(t *testing.T, config Config, state *models.EngineState) *harness {
	t.Helper()
	h := &harness{
		clock:    &FakeClock{T: time.Date(2024, 5, 10, 8, 30, 0, 0, time.UTC)},
		commands: &FakeCommandWriter{},
		sink:     &FakeSink{},
		events:   &FakeEventStore{},
		store:    &FakeStateStore{State: models.NewEngineState()},
		observer: &RecordingObserver{},
	}
	if state != nil {
		h.store.State = *state
	}
	e, err := New(config, Deps{
		Clock:    h.clock,
		Commands: h.commands,
		Events:   h.events,
		Sink:     h.sink,
		Store:    h.store,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	e.AddObserver(h.observer)
	h.engine = e
	return h
}

func TestNew_RequiresCommandWriter(t *testing.T) {
	if _, err := New(DefaultConfig(), Deps{}); err == nil {
		t.Error("New() without command writer should fail")
	}
}

func TestDecode_ReadyPacket(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	now := h.clock.Now()

	outcomes := h.engine.Decode(context.Background(), readyPacket(uidA, 1447))
	if len(outcomes) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(outcomes))
	}
	out := outcomes[0]
	if out.Kind != OutcomePacket || out.Err != nil {
		t.Fatalf("outcome = %v err %v", out.Kind, out.Err)
	}
	if !out.Transition.Reset || out.Transition.To != models.SensorReady {
		t.Errorf("transition = %+v", out.Transition)
	}

	// 8 thinned trend readings and 31 history readings older than the trend
	if len(out.Accepted) != 39 {
		t.Fatalf("accepted %d readings, want 39", len(out.Accepted))
	}
	for _, r := range out.Accepted {
		if math.Abs(r.Value-baseGlucose) > 1e-6 {
			t.Fatalf("reading %v = %v, want %v", r.Time, r.Value, baseGlucose)
		}
	}

	if len(h.sink.Batches) != 1 || len(h.sink.Batches[0]) != 39 {
		t.Errorf("sink batches = %d", len(h.sink.Batches))
	}

	latest, ok := h.engine.CurrentGlucose()
	if !ok || !latest.Time.Equal(now) {
		t.Errorf("CurrentGlucose() = %+v, %v", latest, ok)
	}
	if h.engine.CurrentState() != models.SensorReady {
		t.Errorf("CurrentState() = %s", h.engine.CurrentState())
	}

	status := h.engine.Status()
	if status.SerialNumber != "00000000001" || status.Battery != 80 || status.AgeMinutes != 1447 {
		t.Errorf("status = %+v", status)
	}
	if !status.NextCalibration.Equal(now.Add(time.Hour)) {
		t.Errorf("NextCalibration = %v", status.NextCalibration)
	}

	wantEvents := []EventType{EventSensorReset, EventStateChanged, EventReadings}
	got := h.observer.Types()
	if len(got) != len(wantEvents) {
		t.Fatalf("events = %v, want %v", got, wantEvents)
	}
	for i := range wantEvents {
		if got[i] != wantEvents[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], wantEvents[i])
		}
	}

	if h.store.Saves == 0 || h.store.State.SerialNumber != "00000000001" {
		t.Errorf("state not saved: %+v", h.store.State)
	}
	if len(h.commands.Commands) != 0 {
		t.Errorf("unexpected commands %v", h.commands.Commands)
	}
}

func TestDecode_SamePacketTwice(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	frame := readyPacket(uidA, 1447)

	h.engine.Decode(context.Background(), frame)
	outcomes := h.engine.Decode(context.Background(), frame)

	if len(outcomes[0].Accepted) != 0 {
		t.Errorf("second decode accepted %d readings", len(outcomes[0].Accepted))
	}
	if outcomes[0].Transition.Reset {
		t.Error("same serial should not reset")
	}
	if len(h.sink.Batches) != 1 {
		t.Errorf("sink batches = %d, want 1", len(h.sink.Batches))
	}
}

func TestDecode_ChunkedFrame(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	frame := readyPacket(uidA, 1447)

	var outcomes []DecodeOutcome
	for i := 0; i < len(frame); i += 20 {
		end := i + 20
		if end > len(frame) {
			end = len(frame)
		}
		outcomes = append(outcomes, h.engine.Decode(context.Background(), frame[i:end])...)
	}

	if len(outcomes) != 1 || outcomes[0].Kind != OutcomePacket {
		t.Fatalf("outcomes = %+v", outcomes)
	}
}

func TestDecode_SensorResetFlushesBeforeNewFactor(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	ctx := context.Background()
	start := h.clock.Now()

	h.sink.Err = errors.New("offline")
	h.engine.Decode(ctx, readyPacket(uidA, 1447))
	if len(h.sink.Batches) != 0 {
		t.Fatal("failing sink should not record")
	}
	h.sink.Err = nil

	h.clock.Advance(time.Minute)
	factor, err := h.engine.Calibrate(ctx, 2*baseGlucose)
	if err != nil {
		t.Fatalf("Calibrate() error = %v", err)
	}
	if math.Abs(factor-2) > 1e-9 {
		t.Fatalf("factor = %v, want 2", factor)
	}

	h.clock.Advance(4 * time.Minute)
	outcomes := h.engine.Decode(ctx, readyPacket(uidB, 100))
	if !outcomes[0].Transition.Reset {
		t.Fatal("new serial should reset")
	}

	if len(h.sink.Batches) < 2 {
		t.Fatalf("sink batches = %d, want pending flush plus new readings", len(h.sink.Batches))
	}
	if len(h.sink.Batches[0]) != 39 {
		t.Errorf("first batch = %d readings, want the 39 pending", len(h.sink.Batches[0]))
	}
	if h.sink.Sensors[0] != "00000000001" {
		t.Errorf("pending batch tagged %q, want the previous sensor", h.sink.Sensors[0])
	}
	if h.sink.Sensors[1] == "00000000001" {
		t.Errorf("new readings tagged with the previous sensor %q", h.sink.Sensors[1])
	}

	var found bool
	for _, r := range h.sink.Batches[1] {
		if r.Time.Equal(start.Add(5 * time.Minute)) {
			found = true
			if math.Abs(r.Value-baseGlucose) > 1e-6 {
				t.Errorf("new sensor reading = %v, want factor 1 value %v", r.Value, baseGlucose)
			}
		}
	}
	if !found {
		t.Error("newest reading of the new sensor not persisted")
	}

	if got := h.engine.Status().CalibrationFactor; got != 1.0 {
		t.Errorf("CalibrationFactor = %v after reset", got)
	}
	if h.store.State.CalibrationFactor != 1.0 || h.store.State.SerialNumber == "00000000001" {
		t.Errorf("stored state = %+v", h.store.State)
	}
}

func TestDecode_PendingKeepsSensorAcrossFailedReset(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	ctx := context.Background()

	// The sink is down while the sensor changes, so the flush before the reset fails too
	h.sink.Err = errors.New("offline")
	h.engine.Decode(ctx, readyPacket(uidA, 1447))
	h.clock.Advance(5 * time.Minute)
	h.engine.Decode(ctx, readyPacket(uidB, 100))
	if len(h.sink.Batches) != 0 {
		t.Fatal("failing sink should not record")
	}
	newSerial := h.engine.Status().SerialNumber

	h.sink.Err = nil
	h.clock.Advance(5 * time.Minute)
	h.engine.Decode(ctx, readyPacket(uidB, 105))

	if len(h.sink.Batches) < 2 {
		t.Fatalf("sink batches = %d, want one per sensor", len(h.sink.Batches))
	}
	if h.sink.Sensors[0] != "00000000001" {
		t.Errorf("first batch tagged %q, want the previous sensor", h.sink.Sensors[0])
	}
	if len(h.sink.Batches[0]) != 39 {
		t.Errorf("previous sensor batch = %d readings, want 39", len(h.sink.Batches[0]))
	}
	for i, serial := range h.sink.Sensors[1:] {
		if serial != newSerial {
			t.Errorf("batch %d tagged %q, want %q", i+1, serial, newSerial)
		}
	}
}

func TestDecode_ResumesPersistedFactor(t *testing.T) {
	state := models.EngineState{
		CalibrationFactor: 2,
		SerialNumber:      "00000000001",
		State:             models.SensorReady,
	}
	h := newHarness(t, DefaultConfig(), &state)

	outcomes := h.engine.Decode(context.Background(), readyPacket(uidA, 1447))
	if outcomes[0].Transition.Reset {
		t.Error("persisted serial should not reset")
	}
	if h.observer.Count(EventSensorReset) != 0 {
		t.Error("unexpected reset event")
	}
	latest, _ := h.engine.CurrentGlucose()
	if math.Abs(latest.Value-2*baseGlucose) > 1e-6 {
		t.Errorf("latest = %v, want %v", latest.Value, 2*baseGlucose)
	}
}

func TestDecode_BadCRCRetries(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	frame := readyPacket(uidA, 1447)
	frame[18+100] ^= 0x01

	for i := 1; i <= sensor.MaxCRCRetries+1; i++ {
		out := h.engine.Decode(context.Background(), frame)
		if len(out) != 1 || out[0].Kind != OutcomeBadCRC {
			t.Fatalf("attempt %d: outcomes = %+v", i, out)
		}
		if !errors.Is(out[0].Err, miaomiao.ErrInvalidCRC) {
			t.Errorf("attempt %d: err = %v", i, out[0].Err)
		}
	}
	if len(h.commands.Commands) != 3 {
		t.Errorf("commands = %d, want 3 re-reads", len(h.commands.Commands))
	}
	if h.observer.Count(EventReadFailed) != 1 {
		t.Errorf("read failed events = %d, want 1", h.observer.Count(EventReadFailed))
	}
	if got := h.engine.Status().Message; got != "Failed to read data" {
		t.Errorf("Message = %q", got)
	}
	if h.engine.timeline.Len() != 0 {
		t.Error("bad data reached the timeline")
	}
}

func TestDecode_ControlBytes(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		event    EventType
		commands [][]byte
		message  string
	}{
		{
			name:     "New sensor",
			input:    []byte{miaomiao.NewSensor},
			event:    EventNewSensor,
			commands: [][]byte{miaomiao.AllowNewSensorCommand(), miaomiao.StartReadingCommand()},
		},
		{
			name:    "No sensor",
			input:   []byte{miaomiao.NoSensor},
			event:   EventNoSensor,
			message: "No sensor",
		},
		{
			name:    "Unknown byte",
			input:   []byte{0x55},
			event:   EventBadData,
			message: "Bad data",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultConfig(), nil)
			out := h.engine.Decode(context.Background(), tt.input)
			if len(out) != 1 || out[0].Kind != OutcomeControl {
				t.Fatalf("outcomes = %+v", out)
			}
			if h.observer.Count(tt.event) != 1 {
				t.Errorf("events = %v, want %s", h.observer.Types(), tt.event)
			}
			if len(h.commands.Commands) != len(tt.commands) {
				t.Fatalf("commands = %v, want %v", h.commands.Commands, tt.commands)
			}
			for i := range tt.commands {
				if string(h.commands.Commands[i]) != string(tt.commands[i]) {
					t.Errorf("command %d = % X, want % X", i, h.commands.Commands[i], tt.commands[i])
				}
			}
			if tt.message != "" && h.engine.Status().Message != tt.message {
				t.Errorf("Message = %q, want %q", h.engine.Status().Message, tt.message)
			}
		})
	}
}

func TestDecode_FrequencyAckIsQuiet(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	out := h.engine.Decode(context.Background(), []byte{miaomiao.FrequencyAck, 0x01})
	if len(out) != 1 || out[0].Control != miaomiao.EventFrequencyAck {
		t.Fatalf("outcomes = %+v", out)
	}
	if len(h.observer.Events) != 0 {
		t.Errorf("unexpected events %v", h.observer.Types())
	}
}

func TestDecode_BadFrameRequestsRead(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	frame := readyPacket(uidA, 1447)
	frame[len(frame)-1] = 0x00

	out := h.engine.Decode(context.Background(), frame)
	if len(out) == 0 || out[0].Kind != OutcomeBadFrame {
		t.Fatalf("outcomes = %+v", out)
	}
	if len(h.commands.Commands) == 0 || string(h.commands.Commands[0]) != string(miaomiao.StartReadingCommand()) {
		t.Errorf("commands = %v", h.commands.Commands)
	}
}

func TestDecode_CorruptLengthSendsNoSensorCommands(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	frame := readyPacket(uidA, 1447)
	frame[1], frame[2] = 0x00, 0x10

	var out []DecodeOutcome
	for start := 0; start < len(frame); start += 20 {
		out = append(out, h.engine.Decode(context.Background(), frame[start:min(start+20, len(frame))])...)
	}

	if len(out) != 1 || out[0].Kind != OutcomeBadFrame {
		t.Fatalf("outcomes = %+v, want a single bad frame", out)
	}
	for _, cmd := range h.commands.Commands {
		if string(cmd) == string(miaomiao.AllowNewSensorCommand()) {
			t.Errorf("wrote allow new sensor command % X for a corrupt frame", cmd)
		}
	}
	if len(h.commands.Commands) != 1 {
		t.Errorf("commands = %v, want one start reading", h.commands.Commands)
	}
	for _, typ := range []EventType{EventNewSensor, EventNoSensor, EventBadData} {
		if n := h.observer.Count(typ); n != 0 {
			t.Errorf("%d %s events from one corrupt frame", n, typ)
		}
	}

	// Clean frames decode again once the assembler has resynced
	var packets int
	for i := 0; i < 3; i++ {
		for _, o := range h.engine.Decode(context.Background(), readyPacket(uidA, 1447)) {
			if o.Kind == OutcomePacket {
				packets++
			}
		}
	}
	if packets == 0 {
		t.Error("no packet decoded after the corrupt frame")
	}
}

func TestCalibrate(t *testing.T) {
	t.Run("No readings", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), nil)
		if _, err := h.engine.Calibrate(context.Background(), 120); !errors.Is(err, ErrNoRecentGlucose) {
			t.Errorf("Calibrate() error = %v, want ErrNoRecentGlucose", err)
		}
	})

	t.Run("Stale reading", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), nil)
		h.engine.Decode(context.Background(), readyPacket(uidA, 1447))
		h.clock.Advance(16 * time.Minute)
		if _, err := h.engine.Calibrate(context.Background(), 120); !errors.Is(err, ErrNoRecentGlucose) {
			t.Errorf("Calibrate() error = %v, want ErrNoRecentGlucose", err)
		}
	})

	t.Run("Applies factor", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), nil)
		ctx := context.Background()
		h.engine.Decode(ctx, readyPacket(uidA, 1447))
		h.clock.Advance(5 * time.Minute)

		factor, err := h.engine.Calibrate(ctx, baseGlucose/2)
		if err != nil {
			t.Fatalf("Calibrate() error = %v", err)
		}
		if math.Abs(factor-0.5) > 1e-9 {
			t.Errorf("factor = %v, want 0.5", factor)
		}
		if len(h.sink.Calibrations) != 1 || h.sink.Calibrations[0].Kind != models.KindCalibration {
			t.Errorf("calibrations = %+v", h.sink.Calibrations)
		}
		if h.store.State.CalibrationFactor != factor {
			t.Errorf("stored factor = %v", h.store.State.CalibrationFactor)
		}

		// Five minutes since the last reading, so a continuity point precedes the calibration
		var events []Event
		for _, e := range h.observer.Events {
			if e.Type == EventCalibration {
				events = append(events, e)
			}
		}
		if len(events) != 1 || len(events[0].Readings) != 2 || !events[0].Readings[0].Synthetic {
			t.Errorf("calibration event = %+v", events)
		}

		next := h.engine.Status().NextCalibration
		if !next.Equal(h.clock.Now().Add(12 * time.Hour)) {
			t.Errorf("NextCalibration = %v", next)
		}
	})

	t.Run("Invalid value", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), nil)
		h.engine.Decode(context.Background(), readyPacket(uidA, 1447))
		if _, err := h.engine.Calibrate(context.Background(), 0); err == nil {
			t.Error("Calibrate(0) should fail")
		}
	})
}

func TestCalibrationNeeded(t *testing.T) {
	config := DefaultConfig()
	config.Sensor.StableHigh = 200
	h := newHarness(t, config, nil)
	ctx := context.Background()

	h.engine.Decode(ctx, readyPacket(uidA, 1447))
	if h.observer.Count(EventCalibrationNeeded) != 0 {
		t.Fatal("calibration should not be due yet")
	}

	h.clock.Advance(61 * time.Minute)
	h.engine.Decode(ctx, readyPacket(uidA, 1508))
	if h.observer.Count(EventCalibrationNeeded) != 1 {
		t.Errorf("events = %v, want one calibration_needed", h.observer.Types())
	}
	if !h.engine.Status().CalibrationNeeded {
		t.Error("Status().CalibrationNeeded = false")
	}
}

func TestInsulinAndCarbsOnBoard(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	ctx := context.Background()
	now := h.clock.Now()

	h.events.Treatments = []models.Treatment{
		{EventType: "Meal Bolus", Date: now.Add(-10 * time.Minute).UnixMilli(), Insulin: 4, Carbs: 40},
		{EventType: "Correction Bolus", Date: now.Add(-8 * time.Hour).UnixMilli(), Insulin: 3},
	}

	iob, err := h.engine.InsulinOnBoard(ctx, now)
	if err != nil {
		t.Fatalf("InsulinOnBoard() error = %v", err)
	}
	// Still inside the absorption delay; the old bolus is outside the window
	if math.Abs(iob-4) > 1e-9 {
		t.Errorf("IOB = %v, want 4", iob)
	}

	cob, err := h.engine.CarbsOnBoard(ctx, now)
	if err != nil {
		t.Fatalf("CarbsOnBoard() error = %v", err)
	}
	if cob <= 0 || cob > 40 {
		t.Errorf("COB = %v, want within (0, 40]", cob)
	}

	activity, single := h.engine.InsulinAction(4, now.Add(-10*time.Minute), now)
	if activity != 0 || single != 4 {
		t.Errorf("InsulinAction() = %v, %v", activity, single)
	}

	h.events.Err = errors.New("down")
	if _, err := h.engine.InsulinOnBoard(ctx, now); err == nil {
		t.Error("expected event store error")
	}
}

func TestInsulinOnBoard_NoEventStore(t *testing.T) {
	e, err := New(DefaultConfig(), Deps{Commands: &FakeCommandWriter{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.InsulinOnBoard(context.Background(), time.Now()); !errors.Is(err, ErrNoEventStore) {
		t.Errorf("error = %v, want ErrNoEventStore", err)
	}
}

func TestPredict_FallsBackToCoefficients(t *testing.T) {
	config := DefaultConfig()
	config.Coefficients = prediction.CoefficientSet{
		Global: models.Coefficients{CarbsHigh: 2, InsulinHigh: 10, CarbsLow: 1, InsulinLow: 12},
	}
	h := newHarness(t, config, nil)
	now := h.clock.Now()
	meal := models.MealEvent{Time: now, Bolus: 5, Carbs: 50}

	current := 100.0
	p, err := h.engine.Predict(context.Background(), meal, &current)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if p.Source != prediction.SourceCoefficients {
		t.Errorf("Source = %s", p.Source)
	}
	if math.Abs(p.H50-150) > 1e-9 {
		t.Errorf("H50 = %v, want 150", p.H50)
	}
	if !p.Ordered() {
		t.Errorf("prediction not ordered: %+v", p)
	}
}

func TestPredict_NoData(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	meal := models.MealEvent{Time: h.clock.Now(), Bolus: 5, Carbs: 50}

	if _, err := h.engine.Predict(context.Background(), meal, nil); !errors.Is(err, ErrNoRecentGlucose) {
		t.Errorf("Predict() error = %v, want ErrNoRecentGlucose", err)
	}

	current := 100.0
	if _, err := h.engine.Predict(context.Background(), meal, &current); !errors.Is(err, prediction.ErrInsufficientData) {
		t.Errorf("Predict() error = %v, want ErrInsufficientData", err)
	}
}

func TestRun(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	frame := readyPacket(uidA, 1447)

	chunks := make(chan []byte, 3)
	chunks <- frame[:100]
	chunks <- frame[100:]
	chunks <- []byte{miaomiao.NoSensor}
	close(chunks)

	if err := h.engine.Run(context.Background(), chunks); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(h.sink.Readings()) != 39 {
		t.Errorf("persisted %d readings, want 39", len(h.sink.Readings()))
	}
	if h.observer.Count(EventNoSensor) != 1 {
		t.Error("no_sensor event missing")
	}
}

func TestRun_Cancelled(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.engine.Run(ctx, make(chan []byte)); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestConfigFromSettings(t *testing.T) {
	s := models.DefaultSettings()
	s.PredictHistoryDays = 30
	s.DedupeToleranceMinutes = 3
	s.GapMinutes = 45
	s.InsulinPeakMinutes = 200 // 2*peak >= DIA, rejected
	s.DayPartCoefficients["morning"] = models.Coefficients{CarbsHigh: 3}

	c := ConfigFromSettings(s)
	if c.Predictor.History != 30*24*time.Hour {
		t.Errorf("History = %v", c.Predictor.History)
	}
	if c.Tolerance != 3*time.Minute {
		t.Errorf("Tolerance = %v", c.Tolerance)
	}
	if c.Gap != 45*time.Minute {
		t.Errorf("Gap = %v", c.Gap)
	}
	if c.Insulin != prediction.DefaultInsulinModel() {
		t.Errorf("Insulin = %+v, want defaults", c.Insulin)
	}
	if c.Coefficients.DayParts[models.Morning].CarbsHigh != 3 {
		t.Error("day part coefficients not copied")
	}
}

func TestGapsUseConfiguredThreshold(t *testing.T) {
	config := DefaultConfig()
	config.Gap = 30 * time.Minute
	h := newHarness(t, config, nil)

	start := h.clock.T.Add(-3 * time.Hour)
	h.engine.Seed([]models.GlucoseReading{
		{Time: start, Value: 100, Kind: models.KindHistory},
		{Time: start.Add(15 * time.Minute), Value: 105, Kind: models.KindHistory},
		{Time: start.Add(60 * time.Minute), Value: 110, Kind: models.KindHistory},
		{Time: start.Add(150 * time.Minute), Value: 115, Kind: models.KindHistory},
	})

	gaps := h.engine.Gaps()
	if len(gaps) != 2 {
		t.Fatalf("Gaps() = %d, want 2", len(gaps))
	}
	if gaps[1].Duration() != 90*time.Minute {
		t.Errorf("second gap = %v, want 90m", gaps[1].Duration())
	}
	if got := h.engine.Segments(0); len(got) != 3 {
		t.Errorf("Segments(0) = %d, want 3", len(got))
	}
	if got := h.engine.Segments(2 * time.Hour); len(got) != 1 {
		t.Errorf("Segments(2h) = %d, want 1", len(got))
	}
}

func TestFileStateStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFileStateStore(path)

	fresh, err := store.LoadState()
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if fresh.CalibrationFactor != 1.0 || fresh.State != models.SensorUnknown {
		t.Errorf("fresh state = %+v", fresh)
	}

	want := models.EngineState{
		CalibrationFactor: 1.25,
		NextCalibration:   time.Date(2024, 5, 10, 20, 0, 0, 0, time.UTC),
		SerialNumber:      "0M00009DHCR",
		State:             models.SensorReady,
	}
	if err := store.SaveState(want); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}
	got, err := store.LoadState()
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if got.CalibrationFactor != want.CalibrationFactor || !got.NextCalibration.Equal(want.NextCalibration) ||
		got.SerialNumber != want.SerialNumber || got.State != want.State {
		t.Errorf("LoadState() = %+v, want %+v", got, want)
	}
}
