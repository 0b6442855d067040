// Command cgm-bridge reads a MiaoMiao transmitter over a serial port, calibrates the
// sensor data and forwards glucose readings to Nightscout, MQTT and DynamoDB.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrcode/cgm-bridge/internal/autostart"
	"github.com/mrcode/cgm-bridge/internal/badge"
	"github.com/mrcode/cgm-bridge/internal/dynamo"
	"github.com/mrcode/cgm-bridge/internal/engine"
	"github.com/mrcode/cgm-bridge/internal/models"
	"github.com/mrcode/cgm-bridge/internal/mqtt"
	"github.com/mrcode/cgm-bridge/internal/nightscout"
	"github.com/mrcode/cgm-bridge/internal/notifications"
	"github.com/mrcode/cgm-bridge/internal/transport"
)

const (
	appName = "cgm-bridge"

	// seedWindow is how much stored history is loaded into the timeline at startup
	seedWindow   = 24 * time.Hour
	seedMaxCount = 2000
	staleAfter   = 15 * time.Minute

	shutdownTimeout = 10 * time.Second
)

type options struct {
	configPath string
	statePath  string
	port       string
	baud       int
	logLevel   string
	heartbeat  time.Duration
	listPorts  bool
	install    bool
	uninstall  bool
	notifyTest bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Settings file (default: settings.json in the config dir)")
	flag.StringVar(&opts.statePath, "state", "", "Engine state file (default: state.json in the config dir)")
	flag.StringVar(&opts.port, "port", "", "Serial port of the transmitter (overrides settings)")
	flag.IntVar(&opts.baud, "baud", 0, "Serial baud rate (overrides settings)")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.DurationVar(&opts.heartbeat, "heartbeat", 5*time.Minute, "Status heartbeat interval (0 to disable)")
	flag.BoolVar(&opts.listPorts, "list-ports", false, "List serial ports and exit")
	flag.BoolVar(&opts.install, "install", false, "Start the bridge at login with the current flags and exit")
	flag.BoolVar(&opts.uninstall, "uninstall", false, "Remove the login registration and exit")
	flag.BoolVar(&opts.notifyTest, "notify-test", false, "Send a test notification and exit")

	flag.Parse()

	if err := run(opts); err != nil {
		log.WithError(err).Fatal("fatal")
	}
}

func setupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return nil
}

func loadSettings(path string) (*models.Settings, error) {
	settings := models.DefaultSettings()
	if path == "" {
		if err := settings.Load(); err != nil {
			return nil, fmt.Errorf("load settings: %w", err)
		}
		return settings, nil
	}
	if err := settings.LoadFrom(path); err != nil {
		return nil, fmt.Errorf("load settings %s: %w", path, err)
	}
	return settings, nil
}

func run(opts options) error {
	if err := setupLogging(opts.logLevel); err != nil {
		return err
	}

	if opts.listPorts {
		ports, err := transport.Ports()
		if err != nil {
			return fmt.Errorf("list ports: %w", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	}

	if opts.install {
		if enabled, _ := autostart.IsEnabled(); enabled {
			log.Info("Replacing existing login registration")
		}
		path, err := autostart.Enable(serviceArgs(opts))
		if err != nil {
			return fmt.Errorf("install: %w", err)
		}
		log.WithField("path", path).Info("Registered to start at login")
		return nil
	}
	if opts.uninstall {
		if err := autostart.Disable(); err != nil {
			return fmt.Errorf("uninstall: %w", err)
		}
		log.Info("Removed login registration")
		return nil
	}

	settings, err := loadSettings(opts.configPath)
	if err != nil {
		return err
	}
	if opts.notifyTest {
		b := &bridge{}
		defer b.Close()
		return notifications.NewManager(settings, newSender(settings, b)).SendTestNotification()
	}
	if opts.port != "" {
		settings.SerialPort = opts.port
	}
	if opts.baud > 0 {
		settings.BaudRate = opts.baud
	}
	if settings.SerialPort == "" {
		return errors.New("no serial port configured (use -port)")
	}

	statePath := opts.statePath
	if statePath == "" {
		if statePath, err = engine.DefaultStatePath(); err != nil {
			return fmt.Errorf("state path: %w", err)
		}
	}

	port, err := transport.Open(settings.SerialPort, settings.BaudRate)
	if err != nil {
		return err
	}
	defer port.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := newBridge(ctx, settings, port, engine.NewFileStateStore(statePath))
	if err != nil {
		return err
	}
	defer b.Close()

	publishSystem(b.publisher, mqtt.SystemEvent{
		Timestamp:  time.Now(),
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: formatStatus(ctx, b, "STARTUP", time.Now()),
	})

	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		done <- b.engine.Run(ctx, transport.Stream(ctx, port, transport.ChunkSize))
	}()

	log.WithFields(log.Fields{
		"port":       settings.SerialPort,
		"nightscout": settings.IsNightscoutConfigured(),
		"mqtt":       settings.MQTTBroker != "",
		"dynamo":     settings.DynamoTable != "",
	}).Info("Bridge started")

	var tick <-chan time.Time
	if opts.heartbeat > 0 {
		ticker := time.NewTicker(opts.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	reload := func() (*models.Settings, error) { return loadSettings(opts.configPath) }
	err = runLoop(ctx, b, reload, time.Now, tick, sigCh, done)

	cancel()
	_ = port.Close()
	select {
	case <-finished:
	case <-time.After(shutdownTimeout):
		log.Warn("Engine did not stop in time, pending readings may be lost")
	}
	return err
}

// serviceArgs rebuilds the daemon flags for the login registration
func serviceArgs(opts options) []string {
	var args []string
	add := func(name, value string) {
		if value != "" {
			args = append(args, "-"+name, value)
		}
	}
	add("config", absPath(opts.configPath))
	add("state", absPath(opts.statePath))
	add("port", opts.port)
	if opts.baud > 0 {
		add("baud", strconv.Itoa(opts.baud))
	}
	if opts.logLevel != "" && opts.logLevel != "info" {
		add("log-level", opts.logLevel)
	}
	if opts.heartbeat > 0 {
		add("heartbeat", opts.heartbeat.String())
	}
	return args
}

func absPath(path string) string {
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// bridge is the engine with the adapters wired around it
type bridge struct {
	engine    *engine.Engine
	settings  *models.Settings
	publisher mqtt.Publisher // nil when MQTT is not configured
	notifier  *notifications.Manager
	badge     *badge.Renderer // nil when no badge path is set
	closers   []func() error
}

func newBridge(ctx context.Context, settings *models.Settings, commands engine.CommandWriter, store engine.StateStore) (*bridge, error) {
	b := &bridge{settings: settings.Clone()}
	config := engine.ConfigFromSettings(settings)

	var eng *engine.Engine
	direction := func() (string, int) { return eng.Direction() }
	serial := func() string { return eng.Status().SerialNumber }

	deps := engine.Deps{
		Clock:    engine.SystemClock{},
		Commands: commands,
		Store:    store,
	}

	var sinks engine.MultiSink
	var observers []engine.Observer

	var nsClient *nightscout.Client
	if settings.IsNightscoutConfigured() {
		nsClient = nightscout.NewClientFromSettings(settings)
		if err := nsClient.TestConnection(ctx); err != nil {
			log.WithError(err).Warn("Nightscout not reachable, uploads will be retried")
		}
		treatments := nightscout.NewTreatmentStore(nsClient)
		nsSink := nightscout.NewSink(nsClient, settings.NightscoutDevice, direction, treatments)
		deps.Events = treatments
		sinks = append(sinks, nsSink)
		observers = append(observers, nsSink)
	}

	if settings.MQTTBroker != "" {
		pub, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:      settings.MQTTBroker,
			ClientID:    settings.MQTTClientID,
			TopicPrefix: settings.MQTTTopicPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("init mqtt: %w", err)
		}
		b.publisher = pub
		b.closers = append(b.closers, pub.Close)

		mqttSink := mqtt.NewSink(pub, direction)
		sinks = append(sinks, mqttSink)
		observers = append(observers, mqttSink)
	}

	var dynamoSink *dynamo.Sink
	if settings.DynamoTable != "" {
		client, err := dynamo.NewClient(settings.DynamoRegion)
		if err != nil {
			return nil, fmt.Errorf("init dynamodb: %w", err)
		}
		dynamoSink = dynamo.NewSink(client, dynamo.Options{Table: settings.DynamoTable, Retention: config.Retention}, serial)
		sinks = append(sinks, dynamoSink)
	}

	if len(sinks) > 0 {
		deps.Sink = sinks
	}

	var err error
	eng, err = engine.New(config, deps)
	if err != nil {
		return nil, err
	}
	b.engine = eng

	if pub, ok := b.publisher.(*mqtt.RealPublisher); ok {
		if err := pub.SubscribeCalibration(func(value float64) { b.calibrate(ctx, value) }); err != nil {
			log.WithError(err).Warn("Calibration topic unavailable")
		}
	}

	b.notifier = notifications.NewManager(settings, newSender(settings, b))
	observers = append(observers, b.notifier)

	if settings.BadgePath != "" {
		b.badge = badge.New(settings, settings.BadgePath)
		observers = append(observers, b.badge)
	}
	observers = append(observers, engine.ObserverFunc(logEvent))

	for _, o := range observers {
		eng.AddObserver(o)
	}

	seed(ctx, eng, nsClient, dynamoSink)
	return b, nil
}

func newSender(settings *models.Settings, b *bridge) notifications.Sender {
	if !settings.UseDBusNotifications {
		return nil
	}
	sender, err := notifications.NewDBusSender(appName)
	if err != nil {
		log.WithError(err).Warn("D-Bus notifications unavailable, falling back to beeep")
		return nil
	}
	b.closers = append(b.closers, sender.Close)
	return sender
}

// seed loads recent history so trends and predictions work right after a restart
func seed(ctx context.Context, eng *engine.Engine, ns *nightscout.Client, store *dynamo.Sink) {
	now := time.Now()
	from := now.Add(-seedWindow)

	var readings []models.GlucoseReading
	switch {
	case ns != nil:
		entries, err := ns.GetEntries(ctx, from, now, seedMaxCount)
		if err != nil {
			log.WithError(err).Warn("Could not load history from Nightscout")
			return
		}
		readings = nightscout.ReadingsFromEntries(entries)
	case store != nil:
		serial := eng.Status().SerialNumber
		if serial == "" {
			return
		}
		var err error
		if readings, err = store.Readings(ctx, serial, from, now); err != nil {
			log.WithError(err).Warn("Could not load history from DynamoDB")
			return
		}
	default:
		return
	}

	log.WithFields(log.Fields{
		"loaded":   len(readings),
		"accepted": eng.Seed(readings),
	}).Info("Seeded reading history")
}

func (b *bridge) calibrate(ctx context.Context, value float64) {
	factor, err := b.engine.Calibrate(ctx, value)
	if err != nil {
		log.WithError(err).WithField("value", value).Warn("Calibration rejected")
		return
	}
	log.WithFields(log.Fields{"value": value, "factor": factor}).Info("Calibrated")
}

// updateSettings applies reloaded settings to the parts that support it
func (b *bridge) updateSettings(settings *models.Settings) {
	b.settings = settings.Clone()
	b.notifier.UpdateSettings(settings)
	if b.badge != nil {
		b.badge.UpdateSettings(settings)
	}
}

// Close releases the adapter connections
func (b *bridge) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.WithError(err).Warn("Close failed")
		}
	}
}

func logEvent(event engine.Event) {
	entry := log.WithFields(log.Fields{
		"event": event.Type,
		"state": event.Status.State,
	})
	switch event.Type {
	case engine.EventReadings:
		entry.WithFields(log.Fields{
			"count":     len(event.Readings),
			"glucose":   event.Glucose.Rounded(),
			"direction": event.Direction,
		}).Info("New readings")
	case engine.EventReadFailed, engine.EventBadData:
		entry.WithField("message", event.Status.Message).Warn("Sensor read problem")
	default:
		entry.Info("Bridge event")
	}
}

func publishSystem(pub mqtt.Publisher, event mqtt.SystemEvent) {
	if pub == nil {
		return
	}
	if err := pub.PublishSystem(event); err != nil {
		log.WithError(err).WithField("event", event.Event).Warn("Failed to publish system event")
	}
}

// runLoop waits for signals, heartbeats and the end of the engine loop
func runLoop(ctx context.Context, b *bridge, reload func() (*models.Settings, error), now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal, done <-chan error) error {
	for {
		select {
		case s := <-sig:
			if s == syscall.SIGHUP {
				settings, err := reload()
				if err != nil {
					log.WithError(err).Warn("Settings reload failed")
					continue
				}
				b.updateSettings(settings)
				log.Info("Settings reloaded")
				continue
			}

			log.WithField("signal", s).Info("Shutting down")
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			publishSystem(b.publisher, mqtt.SystemEvent{
				Timestamp:  now(),
				Event:      "SHUTDOWN",
				Reason:     signalName,
				Retained:   true,
				RawPayload: formatStatus(ctx, b, "SHUTDOWN", now()),
			})
			return nil

		case <-tick:
			at := now()
			snap := glucoseStatus(ctx, b.engine, b.settings, at)
			fields := log.Fields{"state": b.engine.CurrentState(), "gaps": len(b.engine.Gaps())}
			if snap != nil {
				fields["glucose"] = snap.Value
				fields["stale"] = snap.IsStale
				fields["iob"] = snap.IOB
				fields["cob"] = snap.COB
			}
			log.WithFields(fields).Info("Heartbeat")
			publishSystem(b.publisher, mqtt.SystemEvent{
				Timestamp:  at,
				Event:      "HEARTBEAT",
				RawPayload: formatStatus(ctx, b, "HEARTBEAT", at),
			})

		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("engine stopped: %w", err)
			}
			return errors.New("transmitter connection closed")
		}
	}
}

// glucoseStatus summarizes the newest reading with insulin and carbs on board
func glucoseStatus(ctx context.Context, eng *engine.Engine, settings *models.Settings, now time.Time) *models.GlucoseStatus {
	g, ok := eng.CurrentGlucose()
	if !ok {
		return nil
	}
	direction, trend := eng.Direction()
	age := now.Sub(g.Time)

	status := &models.GlucoseStatus{
		Value:        g.Rounded(),
		ValueMmol:    g.ValueMmolL(),
		Trend:        models.ArrowFor(direction, trend),
		Direction:    direction,
		Time:         g.Time,
		Status:       settings.GetGlucoseStatus(g.Rounded()),
		StaleMinutes: int(age.Minutes()),
		IsStale:      age > staleAfter,
	}

	if iob, err := eng.InsulinOnBoard(ctx, now); err == nil {
		status.IOB = iob
	} else if !errors.Is(err, engine.ErrNoEventStore) {
		log.WithError(err).Debug("IOB unavailable")
	}
	if cob, err := eng.CarbsOnBoard(ctx, now); err == nil {
		status.COB = cob
	} else if !errors.Is(err, engine.ErrNoEventStore) {
		log.WithError(err).Debug("COB unavailable")
	}
	return status
}

// formatStatus builds the retained status payload published on lifecycle events
func formatStatus(ctx context.Context, b *bridge, event string, at time.Time) []byte {
	payload, err := mqtt.FormatHeartbeatPayload(event, at, b.engine.Status(), glucoseStatus(ctx, b.engine, b.settings, at))
	if err != nil {
		log.WithError(err).Warn("Failed to format status payload")
		return nil
	}
	return payload
}
