// Package engine drives the bridge pipeline: transmitter bytes go in, calibrated
// readings, sensor status and predictions come out through injected ports.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrcode/cgm-bridge/internal/calibration"
	"github.com/mrcode/cgm-bridge/internal/miaomiao"
	"github.com/mrcode/cgm-bridge/internal/models"
	"github.com/mrcode/cgm-bridge/internal/prediction"
	"github.com/mrcode/cgm-bridge/internal/sensor"
	"github.com/mrcode/cgm-bridge/internal/timeline"
)

const (
	// RecentGlucose is how old the newest sensor reading may be for a calibration
	RecentGlucose = 15 * time.Minute

	// maxPending bounds the readings kept for a sink that keeps failing
	maxPending = 2048
)

// Config holds the engine constants
type Config struct {
	Insulin      prediction.InsulinModel
	Predictor    prediction.Config
	Coefficients prediction.CoefficientSet
	Sensor       sensor.Config
	Model        calibration.LinearModel
	Tolerance    time.Duration // Minimum spacing between sensor readings
	Gap          time.Duration // Missing readings longer than this break the series
	Retention    time.Duration // How long readings stay in memory
}

// DefaultConfig returns the stock engine configuration
func DefaultConfig() Config {
	p := prediction.DefaultConfig()
	insulin := prediction.DefaultInsulinModel()
	return Config{
		Insulin:   insulin,
		Predictor: p,
		Sensor:    sensor.DefaultConfig(),
		Model:     calibration.DefaultModel(),
		Tolerance: timeline.DefaultTolerance,
		Gap:       time.Hour,
		Retention: p.History + insulin.Window() + 24*time.Hour,
	}
}

// ConfigFromSettings builds the engine configuration from user settings
func ConfigFromSettings(s *models.Settings) Config {
	c := DefaultConfig()
	s = s.Clone()

	c.Insulin = prediction.InsulinModel{
		DIA:   s.InsulinDIAMinutes,
		Peak:  s.InsulinPeakMinutes,
		Delay: s.InsulinDelayMinutes,
	}
	if err := c.Insulin.Validate(); err != nil {
		log.WithError(err).Warn("Invalid insulin model in settings, using defaults")
		c.Insulin = prediction.DefaultInsulinModel()
	}

	if s.DedupeToleranceMinutes > 0 {
		c.Tolerance = s.DedupeTolerance()
	}
	if s.GapMinutes > 0 {
		c.Gap = s.GapThreshold()
	}
	if s.FirstCalibrationMinutes > 0 {
		c.Sensor.FirstCalibration = s.FirstCalibration()
	}
	if s.CalibrationIntervalHours > 0 {
		c.Sensor.CalibrationInterval = s.CalibrationInterval()
	}

	if s.PredictSpread != 0 {
		c.Predictor.Spread = s.PredictSpread
	}
	if s.PredictBolusTolerance > 0 {
		c.Predictor.BolusTolerance = s.PredictBolusTolerance
	}
	if s.PredictMaxMatches > 0 {
		c.Predictor.MaxMatches = s.PredictMaxMatches
	}
	if s.PredictHistoryDays > 0 {
		c.Predictor.History = time.Duration(s.PredictHistoryDays) * 24 * time.Hour
	}
	if s.HypoThreshold > 0 {
		c.Predictor.HypoThreshold = s.HypoThreshold
	}

	c.Coefficients = prediction.CoefficientSet{
		Global:   s.Coefficients,
		DayParts: make(map[models.TimeOfDayPeriod]models.Coefficients, len(s.DayPartCoefficients)),
	}
	for k, v := range s.DayPartCoefficients {
		c.Coefficients.DayParts[models.TimeOfDayPeriod(k)] = v
	}

	c.Retention = c.Predictor.History + c.Insulin.Window() + 24*time.Hour
	return c
}

// Deps are the ports the engine talks to. Commands and Clock are required.
type Deps struct {
	Clock    Clock
	Commands CommandWriter
	Events   EventStore      // Optional; IOB, COB and history predictions need it
	Sink     PersistenceSink // Optional
	Store    StateStore      // Optional
}

// pendingBatch holds readings not yet persisted, with the sensor that produced them
type pendingBatch struct {
	serial   string
	readings []models.GlucoseReading
}

// Engine owns the decode pipeline and the in-memory reading timeline
type Engine struct {
	config Config
	deps   Deps

	// Pipeline; guarded by mu. Decode and Calibrate run one at a time.
	mu        sync.Mutex
	assembler *miaomiao.Assembler
	machine   *sensor.Machine
	pending   []pendingBatch

	converter *calibration.Converter
	timeline  *timeline.Timeline
	predictor *prediction.Predictor

	statusMu sync.RWMutex
	status   Status

	observersMu sync.RWMutex
	observers   []Observer
}

// New creates an engine, resuming from the state store when one is configured
func New(config Config, deps Deps) (*Engine, error) {
	if deps.Commands == nil {
		return nil, errors.New("engine: command writer is required")
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if err := config.Insulin.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	state := models.NewEngineState()
	if deps.Store != nil {
		loaded, err := deps.Store.LoadState()
		if err != nil {
			log.WithError(err).Warn("Failed to load engine state, starting fresh")
		} else {
			state = loaded
		}
	}

	machine := sensor.NewMachine(state, config.Sensor)
	state = machine.State()

	e := &Engine{
		config:    config,
		deps:      deps,
		assembler: miaomiao.NewAssembler(),
		machine:   machine,
		converter: calibration.NewConverter(config.Model, calibration.NewFactor(state.CalibrationFactor)),
		timeline:  timeline.New(config.Tolerance),
		predictor: prediction.NewPredictor(config.Insulin, config.Predictor),
	}
	e.setStatus(func(s *Status) {
		s.State = state.State
		s.Message = state.State.String()
		s.SerialNumber = state.SerialNumber
		s.SensorStart = state.SensorStart
		s.CalibrationFactor = state.CalibrationFactor
		s.NextCalibration = state.NextCalibration
	})

	log.WithFields(log.Fields{
		"serial": state.SerialNumber,
		"state":  state.State,
		"factor": state.CalibrationFactor,
	}).Info("Engine initialized")

	return e, nil
}

// AddObserver registers an observer for engine events
func (e *Engine) AddObserver(o Observer) {
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	e.observers = append(e.observers, o)
}

func (e *Engine) emit(event Event) {
	e.observersMu.RLock()
	observers := append([]Observer(nil), e.observers...)
	e.observersMu.RUnlock()

	if event.Time.IsZero() {
		event.Time = e.deps.Clock.Now()
	}
	event.Status = e.Status()
	if latest, ok := e.timeline.Latest(); ok {
		event.Glucose = latest
		event.HasGlucose = true
		event.Direction, event.Trend = e.Direction()
	}

	for _, o := range observers {
		o.OnEvent(event)
	}
}

// Seed loads stored readings into the timeline, for example from Nightscout at startup
func (e *Engine) Seed(readings []models.GlucoseReading) int {
	return len(e.timeline.Insert(readings))
}

// Run feeds chunks to Decode until ctx is cancelled or chunks is closed
func (e *Engine) Run(ctx context.Context, chunks <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			e.flush(context.WithoutCancel(ctx))
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				e.flush(ctx)
				return nil
			}
			e.Decode(ctx, chunk)
		}
	}
}

// Decode feeds a chunk of transmitter bytes through the pipeline and returns
// one outcome per complete frame or control byte found.
func (e *Engine) Decode(ctx context.Context, chunk []byte) []DecodeOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	var outcomes []DecodeOutcome
	for _, ev := range e.assembler.Feed(chunk) {
		outcomes = append(outcomes, e.handle(ctx, ev))
	}
	return outcomes
}

func (e *Engine) handle(ctx context.Context, ev miaomiao.FrameEvent) DecodeOutcome {
	now := e.deps.Clock.Now()

	switch ev.Kind {
	case miaomiao.EventFrame:
		return e.handleFrame(ctx, ev.Frame, now)

	case miaomiao.EventBadFrame:
		log.WithError(ev.Err).WithField("bytes", len(ev.Frame)).Warn("Discarding malformed frame")
		e.writeCommands([][]byte{miaomiao.StartReadingCommand()})
		return DecodeOutcome{Kind: OutcomeBadFrame, Err: ev.Err}

	case miaomiao.EventNewSensor:
		log.Info("Transmitter reports a new sensor")
		e.writeCommands([][]byte{miaomiao.AllowNewSensorCommand(), miaomiao.StartReadingCommand()})
		e.emit(Event{Type: EventNewSensor, Time: now})

	case miaomiao.EventNoSensor:
		log.Warn("Transmitter reports no sensor")
		e.setStatus(func(s *Status) { s.Message = "No sensor" })
		e.emit(Event{Type: EventNoSensor, Time: now})

	case miaomiao.EventFrequencyAck:
		log.WithField("success", ev.Success).Debug("Read frequency acknowledged")

	default:
		log.WithField("control", fmt.Sprintf("0x%02X", ev.Control)).Warn("Unknown control byte from transmitter")
		e.setStatus(func(s *Status) { s.Message = "Bad data" })
		e.emit(Event{Type: EventBadData, Time: now})
	}

	return DecodeOutcome{Kind: OutcomeControl, Control: ev.Kind}
}

func (e *Engine) handleFrame(ctx context.Context, frame []byte, now time.Time) DecodeOutcome {
	p, err := miaomiao.Decode(frame, now)
	switch {
	case errors.Is(err, miaomiao.ErrInvalidCRC):
		return e.handleBadCRC(p, now)
	case err != nil:
		log.WithError(err).Warn("Failed to decode packet")
		e.writeCommands([][]byte{miaomiao.StartReadingCommand()})
		return DecodeOutcome{Kind: OutcomeDecodeError, Packet: p, Err: err}
	}

	tr := e.machine.Process(p, now)
	out := DecodeOutcome{Kind: OutcomePacket, Packet: p, Transition: tr}

	if tr.Reset {
		// Readings of the previous sensor go out before the new factor applies
		e.flush(ctx)
		e.converter.Factor().Store(1.0)
		log.WithFields(log.Fields{
			"previous": tr.PreviousSerial,
			"serial":   p.SerialNumber,
		}).Info("New sensor detected, calibration reset")
	}

	state := e.machine.State()
	e.setStatus(func(s *Status) {
		s.State = state.State
		s.Message = tr.Status
		s.SerialNumber = p.SerialNumber
		s.SensorID = p.SensorID
		s.Battery = p.Battery
		s.FirmwareID = p.FirmwareID
		s.HardwareID = p.HardwareID
		s.AgeMinutes = p.AgeMinutes
		s.SensorStart = state.SensorStart
		s.CalibrationFactor = state.CalibrationFactor
		s.NextCalibration = state.NextCalibration
		s.LastPacket = now
		s.BadCRCCount = 0
	})

	if tr.Reset {
		e.emit(Event{Type: EventSensorReset, Time: now})
	}
	if tr.Changed() {
		log.WithFields(log.Fields{"from": tr.From, "to": tr.To}).Info("Sensor state changed")
		e.emit(Event{Type: EventStateChanged, Time: now})
	}
	e.writeCommands(tr.Commands)

	if tr.EmitReadings {
		out.Accepted = e.accept(ctx, p)
		if len(out.Accepted) > 0 {
			e.emit(Event{Type: EventReadings, Time: now, Readings: out.Accepted})
		}
		e.checkCalibration(now)
	}

	e.saveState()
	return out
}

func (e *Engine) handleBadCRC(p *miaomiao.Packet, now time.Time) DecodeOutcome {
	tr := e.machine.CRCFailure()
	count := e.machine.State().BadCRCCount

	log.WithField("attempt", count).Warn("Sensor data checksum mismatch")
	e.writeCommands(tr.Commands)
	e.setStatus(func(s *Status) {
		s.BadCRCCount = count
		if tr.Fatal {
			s.Message = tr.Status
		}
	})

	if tr.Fatal {
		log.Error("Giving up on sensor read after repeated checksum failures")
		e.emit(Event{Type: EventReadFailed, Time: now})
	}
	return DecodeOutcome{Kind: OutcomeBadCRC, Packet: p, Transition: tr, Err: miaomiao.ErrInvalidCRC}
}

// accept converts the packet measurements and merges them into the timeline
func (e *Engine) accept(ctx context.Context, p *miaomiao.Packet) []models.GlucoseReading {
	trend := e.convert(p.Trend, p.AgeMinutes)
	history := e.convert(p.History, p.AgeMinutes)

	accepted := e.timeline.Merge(trend, history)
	if len(accepted) > 0 {
		e.queue(p.SerialNumber, accepted)
		e.flush(ctx)
	}

	if e.config.Retention > 0 {
		e.timeline.Prune(e.deps.Clock.Now().Add(-e.config.Retention))
	}

	log.WithFields(log.Fields{
		"trend":    len(trend),
		"history":  len(history),
		"accepted": len(accepted),
	}).Debug("Merged packet readings")
	return accepted
}

func (e *Engine) convert(ms []miaomiao.Measurement, age int) []models.GlucoseReading {
	out := make([]models.GlucoseReading, 0, len(ms))
	for _, m := range ms {
		v, err := e.converter.Convert(m.Raw, m.Temperature, age)
		if err != nil {
			continue
		}
		out = append(out, models.GlucoseReading{Time: m.Time, Value: v, Kind: m.Kind})
	}
	return out
}

func (e *Engine) checkCalibration(now time.Time) {
	latest, ok := e.timeline.LatestSensor()
	if !ok {
		return
	}
	s := sensor.Stability{Current: latest.Value, Rate: math.Inf(1), Slope: math.Inf(1)}
	if rate, ok := e.timeline.RateOfChange(); ok {
		s.Rate = rate
	}
	if line, ok := e.timeline.Trendline(); ok {
		s.Slope = line.Slope
	}

	due := e.machine.CalibrationDue(now, s)
	next := e.machine.State().NextCalibration
	e.setStatus(func(st *Status) {
		st.CalibrationNeeded = due
		st.NextCalibration = next
	})
	if due {
		e.emit(Event{Type: EventCalibrationNeeded, Time: now})
	}
}

// queue adds readings to the pending batch of their sensor, dropping the oldest beyond maxPending
func (e *Engine) queue(serial string, readings []models.GlucoseReading) {
	if n := len(e.pending); n > 0 && e.pending[n-1].serial == serial {
		e.pending[n-1].readings = append(e.pending[n-1].readings, readings...)
	} else {
		e.pending = append(e.pending, pendingBatch{serial: serial, readings: append([]models.GlucoseReading(nil), readings...)})
	}

	over := e.pendingCount() - maxPending
	if over <= 0 {
		return
	}
	log.WithField("dropped", over).Warn("Pending readings overflow, oldest dropped")
	for over > 0 && len(e.pending) > 0 {
		first := &e.pending[0]
		if len(first.readings) <= over {
			over -= len(first.readings)
			e.pending = e.pending[1:]
			continue
		}
		first.readings = append([]models.GlucoseReading(nil), first.readings[over:]...)
		over = 0
	}
}

func (e *Engine) pendingCount() int {
	var n int
	for _, b := range e.pending {
		n += len(b.readings)
	}
	return n
}

// flush hands pending readings to the sink, one batch per sensor, oldest first.
// Batches stay pending on failure.
func (e *Engine) flush(ctx context.Context) {
	if e.deps.Sink == nil {
		e.pending = nil
		return
	}
	for len(e.pending) > 0 {
		b := e.pending[0]
		if err := e.deps.Sink.AppendReadings(WithSensor(ctx, b.serial), b.readings); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"pending": e.pendingCount(),
				"serial":  b.serial,
			}).Warn("Failed to persist readings, will retry")
			return
		}
		e.pending = e.pending[1:]
	}
	e.pending = nil
}

func (e *Engine) writeCommands(cmds [][]byte) {
	for _, cmd := range cmds {
		if err := e.deps.Commands.WriteCommand(cmd); err != nil {
			log.WithError(err).WithField("command", fmt.Sprintf("% X", cmd)).Warn("Failed to send command")
		}
	}
}

func (e *Engine) saveState() {
	if e.deps.Store == nil {
		return
	}
	if err := e.deps.Store.SaveState(e.machine.State()); err != nil {
		log.WithError(err).Warn("Failed to save engine state")
	}
}

// Calibrate records a blood glucose value entered by the user and rescales
// the calibration factor against the newest sensor reading.
func (e *Engine) Calibrate(ctx context.Context, value float64) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.deps.Clock.Now()
	latest, ok := e.timeline.LatestSensor()
	if !ok || now.Sub(latest.Time) > RecentGlucose {
		return 0, ErrNoRecentGlucose
	}

	factor, err := calibration.Recalibrate(e.converter.Factor().Load(), value, latest.Value)
	if err != nil {
		return 0, err
	}

	e.converter.Factor().Store(factor)
	e.machine.Calibrated(factor, now)

	cal := models.GlucoseReading{Time: now, Value: value, Kind: models.KindCalibration}
	inserted := e.timeline.Append(cal)

	if e.deps.Sink != nil {
		if err := e.deps.Sink.AppendCalibration(WithSensor(ctx, e.machine.State().SerialNumber), cal); err != nil {
			log.WithError(err).Warn("Failed to persist calibration")
		}
	}

	state := e.machine.State()
	e.setStatus(func(s *Status) {
		s.CalibrationFactor = state.CalibrationFactor
		s.NextCalibration = state.NextCalibration
		s.CalibrationNeeded = false
	})
	e.saveState()

	log.WithFields(log.Fields{
		"entered": value,
		"sensor":  latest.Value,
		"factor":  factor,
	}).Info("Calibration applied")

	e.emit(Event{Type: EventCalibration, Time: now, Readings: inserted})
	return factor, nil
}

func (e *Engine) setStatus(update func(*Status)) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	update(&e.status)
}

// Status returns a snapshot of the bridge status
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

// CurrentState returns the sensor state
func (e *Engine) CurrentState() models.SensorState {
	return e.Status().State
}

// CurrentGlucose returns the newest reading
func (e *Engine) CurrentGlucose() (models.GlucoseReading, bool) {
	return e.timeline.Latest()
}

// Readings returns the readings between from and to, oldest first
func (e *Engine) Readings(from, to time.Time) []models.GlucoseReading {
	return e.timeline.Window(from, to)
}

// Segments splits the stored readings at calibrations and gaps longer than threshold.
// A non-positive threshold uses the configured gap.
func (e *Engine) Segments(threshold time.Duration) []timeline.Segment {
	if threshold <= 0 {
		threshold = e.config.Gap
	}
	return e.timeline.Segments(threshold)
}

// Gaps returns the stretches without readings longer than the configured gap
func (e *Engine) Gaps() []timeline.Gap {
	return e.timeline.Gaps(e.config.Gap)
}

// Trendline returns the fit over the last fifteen minutes of sensor readings
func (e *Engine) Trendline() (timeline.Trendline, bool) {
	return e.timeline.Trendline()
}

// Direction returns the Nightscout direction for the current trendline
func (e *Engine) Direction() (string, int) {
	line, ok := e.timeline.Trendline()
	if !ok {
		return models.DirectionFromSlope(math.NaN())
	}
	return models.DirectionFromSlope(line.Slope)
}

// InsulinAction returns the activity and remaining insulin of one bolus at a time
func (e *Engine) InsulinAction(bolus float64, bolusTime, at time.Time) (activity, iob float64) {
	return e.config.Insulin.Action(bolus, bolusTime, at)
}

// InsulinOnBoard sums the remaining insulin of all boluses in the action window before at
func (e *Engine) InsulinOnBoard(ctx context.Context, at time.Time) (float64, error) {
	events, err := e.mealEvents(ctx, at.Add(-e.config.Insulin.Window()), at)
	if err != nil {
		return 0, err
	}
	return e.config.Insulin.InsulinOnBoard(events, at), nil
}

// CarbsOnBoard sums the carbohydrates not yet absorbed at a time
func (e *Engine) CarbsOnBoard(ctx context.Context, at time.Time) (float64, error) {
	events, err := e.mealEvents(ctx, at.Add(-e.config.Insulin.Window()), at)
	if err != nil {
		return 0, err
	}
	return e.config.Insulin.CarbsOnBoard(events, at), nil
}

// Predict forecasts the glucose outcome of a meal. It uses similar past meals
// and falls back to the fitted coefficients when there are too few.
// current overrides the newest reading as the starting level.
func (e *Engine) Predict(ctx context.Context, meal models.MealEvent, current *float64) (*models.Prediction, error) {
	level, err := e.currentLevel(current)
	if err != nil {
		return nil, err
	}

	from := meal.Time.Add(-e.config.Predictor.History - e.config.Insulin.Window())
	events, err := e.mealEvents(ctx, from, meal.Time)
	if err != nil && !errors.Is(err, ErrNoEventStore) {
		return nil, err
	}

	if len(events) > 0 {
		readings := e.timeline.Window(from, meal.Time)
		p, err := e.predictor.Predict(meal, level, events, readings)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, prediction.ErrInsufficientData) {
			return nil, err
		}
		log.WithField("meal", meal.Time).Debug("Too few similar meals, using coefficients")
	}

	return prediction.CalculatedLevel(meal, level, e.config.Coefficients, e.config.Predictor.Spread)
}

// CalculatedLevel estimates a meal outcome from the fitted coefficients only
func (e *Engine) CalculatedLevel(meal models.MealEvent, current *float64) (*models.Prediction, error) {
	level, err := e.currentLevel(current)
	if err != nil {
		return nil, err
	}
	return prediction.CalculatedLevel(meal, level, e.config.Coefficients, e.config.Predictor.Spread)
}

func (e *Engine) currentLevel(current *float64) (float64, error) {
	if current != nil {
		return *current, nil
	}
	latest, ok := e.timeline.Latest()
	if !ok {
		return 0, ErrNoRecentGlucose
	}
	return latest.Value, nil
}

func (e *Engine) mealEvents(ctx context.Context, from, to time.Time) ([]models.MealEvent, error) {
	if e.deps.Events == nil {
		return nil, ErrNoEventStore
	}
	treatments, err := e.deps.Events.EntriesOverlapping(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load treatments: %w", err)
	}
	return models.MealEvents(treatments), nil
}
