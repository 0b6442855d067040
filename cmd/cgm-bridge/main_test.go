package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrcode/cgm-bridge/internal/engine"
	"github.com/mrcode/cgm-bridge/internal/models"
	"github.com/mrcode/cgm-bridge/internal/mqtt"
	"github.com/mrcode/cgm-bridge/internal/notifications"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testBridge struct {
	*bridge
	pub    *mqtt.FakePublisher
	events *engine.FakeEventStore
	sender *notifications.FakeSender
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()

	events := &engine.FakeEventStore{}
	eng, err := engine.New(engine.DefaultConfig(), engine.Deps{
		Clock:    &engine.FakeClock{T: testNow},
		Commands: &engine.FakeCommandWriter{},
		Events:   events,
		Store:    &engine.FakeStateStore{State: models.NewEngineState()},
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	settings := models.DefaultSettings()
	sender := &notifications.FakeSender{}
	pub := mqtt.NewFakePublisher()
	return &testBridge{
		bridge: &bridge{
			engine:    eng,
			settings:  settings,
			publisher: pub,
			notifier:  notifications.NewManager(settings, sender),
		},
		pub:    pub,
		events: events,
		sender: sender,
	}
}

func (tb *testBridge) seedReading(value float64, at time.Time) {
	tb.engine.Seed([]models.GlucoseReading{{Time: at, Value: value, Kind: models.KindHistory}})
}

func noReload() (*models.Settings, error) {
	return nil, errors.New("reload not expected")
}

func fixedNow() time.Time { return testNow }

func TestSetupLogging(t *testing.T) {
	defer log.SetLevel(log.InfoLevel)

	tests := []struct {
		level   string
		want    log.Level
		wantErr bool
	}{
		{"debug", log.DebugLevel, false},
		{"warn", log.WarnLevel, false},
		{"loud", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			err := setupLogging(tt.level)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if log.GetLevel() != tt.want {
				t.Errorf("level = %v, want %v", log.GetLevel(), tt.want)
			}
		})
	}
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(dir, "settings.json")
		if err := os.WriteFile(path, []byte(`{"serialPort": "/dev/ttyUSB1", "unit": "mmol/L"}`), 0600); err != nil {
			t.Fatal(err)
		}
		s, err := loadSettings(path)
		if err != nil {
			t.Fatalf("loadSettings: %v", err)
		}
		if s.SerialPort != "/dev/ttyUSB1" || s.Unit != "mmol/L" {
			t.Errorf("settings = %s %s", s.SerialPort, s.Unit)
		}
		if s.TargetHigh != 180 {
			t.Errorf("unset fields should keep defaults, TargetHigh = %d", s.TargetHigh)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		s, err := loadSettings(filepath.Join(dir, "missing.json"))
		if err != nil {
			t.Fatalf("loadSettings: %v", err)
		}
		if s.BaudRate != 115200 {
			t.Errorf("BaudRate = %d, want default", s.BaudRate)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		path := filepath.Join(dir, "broken.json")
		if err := os.WriteFile(path, []byte(`{`), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := loadSettings(path); err == nil {
			t.Error("expected error for invalid JSON")
		}
	})
}

func TestRunLoopShutdown(t *testing.T) {
	tests := []struct {
		sig    os.Signal
		reason string
	}{
		{syscall.SIGTERM, "SIGTERM"},
		{syscall.SIGINT, "SIGINT"},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			tb := newTestBridge(t)
			sig := make(chan os.Signal, 1)
			sig <- tt.sig

			if err := runLoop(context.Background(), tb.bridge, noReload, fixedNow, nil, sig, nil); err != nil {
				t.Fatalf("runLoop: %v", err)
			}

			if len(tb.pub.SystemEvents) != 1 {
				t.Fatalf("published %d system events, want 1", len(tb.pub.SystemEvents))
			}
			ev := tb.pub.SystemEvents[0]
			if ev.Event != "SHUTDOWN" || ev.Reason != tt.reason || !ev.Retained {
				t.Errorf("event = %+v", ev)
			}
			if !strings.Contains(string(ev.RawPayload), `"event":"SHUTDOWN"`) {
				t.Errorf("payload = %s", ev.RawPayload)
			}
		})
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	tb := newTestBridge(t)
	tb.seedReading(150, testNow.Add(-2*time.Minute))
	tb.events.Treatments = []models.Treatment{
		{EventType: "Meal Bolus", Insulin: 4, Carbs: 30, Date: testNow.Add(-10 * time.Minute).UnixMilli()},
	}

	tick := make(chan time.Time, 1)
	sig := make(chan os.Signal, 1)
	tick <- testNow

	go func() {
		// Let the heartbeat go first
		time.Sleep(50 * time.Millisecond)
		sig <- syscall.SIGTERM
	}()

	if err := runLoop(context.Background(), tb.bridge, noReload, fixedNow, tick, sig, nil); err != nil {
		t.Fatalf("runLoop: %v", err)
	}

	if len(tb.pub.SystemEvents) != 2 {
		t.Fatalf("published %d system events, want 2", len(tb.pub.SystemEvents))
	}
	hb := tb.pub.SystemEvents[0]
	if hb.Event != "HEARTBEAT" || hb.Retained {
		t.Errorf("heartbeat = %+v", hb)
	}

	var payload mqtt.StatusPayload
	if err := json.Unmarshal(hb.RawPayload, &payload); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	summary := payload.System.Summary
	if summary == nil {
		t.Fatal("heartbeat should carry a glucose summary")
	}
	if summary.Value != 150 || summary.IsStale || summary.StaleMinutes != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.IOB != 4 {
		t.Errorf("IOB = %v, want 4 inside the insulin delay", summary.IOB)
	}
	if summary.COB <= 0 {
		t.Errorf("COB = %v, want carbs on board", summary.COB)
	}
}

func TestRunLoopReload(t *testing.T) {
	tb := newTestBridge(t)

	reloaded := models.DefaultSettings()
	reloaded.Unit = "mmol/L"
	calls := 0
	reload := func() (*models.Settings, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("bad file")
		}
		return reloaded, nil
	}

	sig := make(chan os.Signal, 3)
	sig <- syscall.SIGHUP
	sig <- syscall.SIGHUP
	sig <- syscall.SIGTERM

	if err := runLoop(context.Background(), tb.bridge, reload, fixedNow, nil, sig, nil); err != nil {
		t.Fatalf("runLoop: %v", err)
	}
	if calls != 2 {
		t.Errorf("reload called %d times, want 2", calls)
	}
	if tb.settings.Unit != "mmol/L" {
		t.Errorf("Unit = %s, want reloaded settings", tb.settings.Unit)
	}
}

func TestRunLoopEngineStopped(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"stream closed", nil, "transmitter connection closed"},
		{"cancelled", context.Canceled, "transmitter connection closed"},
		{"failure", errors.New("boom"), "engine stopped: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := newTestBridge(t)
			done := make(chan error, 1)
			done <- tt.err

			err := runLoop(context.Background(), tb.bridge, noReload, fixedNow, nil, nil, done)
			if err == nil || err.Error() != tt.wantMsg {
				t.Errorf("err = %v, want %q", err, tt.wantMsg)
			}
		})
	}
}

func TestRunLoopWithoutMQTT(t *testing.T) {
	tb := newTestBridge(t)
	tb.publisher = nil

	sig := make(chan os.Signal, 1)
	sig <- syscall.SIGTERM
	if err := runLoop(context.Background(), tb.bridge, noReload, fixedNow, nil, sig, nil); err != nil {
		t.Fatalf("runLoop: %v", err)
	}
}

func TestGlucoseStatus(t *testing.T) {
	t.Run("no reading", func(t *testing.T) {
		tb := newTestBridge(t)
		if got := glucoseStatus(context.Background(), tb.engine, tb.settings, testNow); got != nil {
			t.Errorf("glucoseStatus = %+v, want nil", got)
		}
	})

	t.Run("stale high", func(t *testing.T) {
		tb := newTestBridge(t)
		tb.seedReading(260, testNow.Add(-20*time.Minute))

		got := glucoseStatus(context.Background(), tb.engine, tb.settings, testNow)
		if got == nil {
			t.Fatal("expected a status")
		}
		if got.Status != "urgent_high" || !got.IsStale || got.StaleMinutes != 20 {
			t.Errorf("status = %+v", got)
		}
		if got.ValueMmol < 14.4 || got.ValueMmol > 14.5 {
			t.Errorf("ValueMmol = %v", got.ValueMmol)
		}
	})

	t.Run("event store error", func(t *testing.T) {
		tb := newTestBridge(t)
		tb.seedReading(100, testNow)
		tb.events.Err = errors.New("offline")

		got := glucoseStatus(context.Background(), tb.engine, tb.settings, testNow)
		if got == nil || got.IOB != 0 || got.COB != 0 {
			t.Errorf("status = %+v, want zero IOB and COB", got)
		}
	})
}

func TestBridgeCalibrate(t *testing.T) {
	tb := newTestBridge(t)

	// No recent reading: rejected and logged
	tb.calibrate(context.Background(), 120)
	if tb.engine.Status().CalibrationFactor != 1 {
		t.Errorf("factor = %v, want unchanged", tb.engine.Status().CalibrationFactor)
	}
}

func TestNewBridgeWithoutAdapters(t *testing.T) {
	settings := models.DefaultSettings()
	settings.BadgePath = filepath.Join(t.TempDir(), "badge.png")

	b, err := newBridge(context.Background(), settings, &engine.FakeCommandWriter{}, &engine.FakeStateStore{State: models.NewEngineState()})
	if err != nil {
		t.Fatalf("newBridge: %v", err)
	}
	defer b.Close()

	if b.publisher != nil {
		t.Error("MQTT should be disabled without a broker")
	}
	if b.badge == nil {
		t.Error("badge should be enabled when a path is set")
	}
	if b.engine.CurrentState() != models.SensorUnknown {
		t.Errorf("state = %v", b.engine.CurrentState())
	}
}

func TestNewBridgeRequiresCommands(t *testing.T) {
	if _, err := newBridge(context.Background(), models.DefaultSettings(), nil, nil); err == nil {
		t.Error("expected error without a command writer")
	}
}

func TestServiceArgs(t *testing.T) {
	tests := []struct {
		name string
		opts options
		want string
	}{
		{"defaults", options{logLevel: "info"}, ""},
		{
			"all flags",
			options{configPath: "/etc/cgm/settings.json", port: "/dev/ttyUSB0", baud: 57600, logLevel: "debug", heartbeat: time.Minute},
			"-config /etc/cgm/settings.json -port /dev/ttyUSB0 -baud 57600 -log-level debug -heartbeat 1m0s",
		},
		{"state only", options{statePath: "/var/lib/cgm/state.json", logLevel: "info"}, "-state /var/lib/cgm/state.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := strings.Join(serviceArgs(tt.opts), " "); got != tt.want {
				t.Errorf("serviceArgs = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAbsPath(t *testing.T) {
	if got := absPath(""); got != "" {
		t.Errorf("absPath(\"\") = %q", got)
	}
	if got := absPath("settings.json"); !filepath.IsAbs(got) {
		t.Errorf("absPath should resolve relative paths, got %q", got)
	}
}
