package badge

import (
	"bytes"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mrcode/cgm-bridge/internal/engine"
	"github.com/mrcode/cgm-bridge/internal/models"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRenderer(path string) *Renderer {
	r := New(models.DefaultSettings(), path)
	r.now = func() time.Time { return testNow }
	return r
}

func readingEvent(value float64, at time.Time, direction string) engine.Event {
	return engine.Event{
		Type:       engine.EventReadings,
		Status:     engine.Status{State: models.SensorReady},
		Glucose:    models.GlucoseReading{Time: at, Value: value, Kind: models.KindTrend},
		HasGlucose: true,
		Direction:  direction,
	}
}

func TestFormatStatus(t *testing.T) {
	tests := []struct {
		status   string
		expected string
	}{
		{"urgent_low", "Urgent Low"},
		{"urgent_high", "Urgent High"},
		{"low", "Low"},
		{"high", "High"},
		{"normal", "In Range"},
		{"other", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			if got := formatStatus(tt.status); got != tt.expected {
				t.Errorf("formatStatus(%q) = %q, want %q", tt.status, got, tt.expected)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		minutes  int
		expected string
	}{
		{0, "just now"},
		{1, "1 minute"},
		{5, "5 minutes"},
		{59, "59 minutes"},
		{60, "1 hour"},
		{150, "2 hours"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := formatDuration(tt.minutes); got != tt.expected {
				t.Errorf("formatDuration(%d) = %q, want %q", tt.minutes, got, tt.expected)
			}
		})
	}
}

func TestParseHexColor(t *testing.T) {
	r, g, b := parseHexColor("#4ade80")
	if r != 0x4a || g != 0xde || b != 0x80 {
		t.Errorf("parseHexColor = %d,%d,%d", r, g, b)
	}

	r, g, b = parseHexColor("bogus")
	if r != 0 || g != 0 || b != 0 {
		t.Errorf("invalid color should parse to black, got %d,%d,%d", r, g, b)
	}
}

func TestStatusColor(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		age      time.Duration
		expected string
	}{
		{"in range", 120, time.Minute, "#4ade80"},
		{"high", 200, time.Minute, "#facc15"},
		{"low", 65, time.Minute, "#f97316"},
		{"urgent low", 50, time.Minute, "#ef4444"},
		{"urgent high", 300, time.Minute, "#ef4444"},
		{"stale", 120, 10 * time.Minute, "#9ca3af"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRenderer("")
			r.OnEvent(readingEvent(tt.value, testNow.Add(-tt.age), "Flat"))
			if got := r.getStatusColor(); got != tt.expected {
				t.Errorf("getStatusColor() = %s, want %s", got, tt.expected)
			}
		})
	}

	t.Run("no reading", func(t *testing.T) {
		r := newTestRenderer("")
		if got := r.getStatusColor(); got != "#808080" {
			t.Errorf("getStatusColor() = %s, want #808080", got)
		}
	})
}

func TestBadgeText(t *testing.T) {
	tests := []struct {
		name     string
		unit     string
		state    models.SensorState
		reading  bool
		expected string
	}{
		{"mgdl", "mg/dL", models.SensorReady, true, "145"},
		{"mmol", "mmol/L", models.SensorReady, true, "8.1"},
		{"no reading", "mg/dL", models.SensorReady, false, "---"},
		{"failure", "mg/dL", models.SensorFailure, true, "ERR"},
		{"shutdown", "mg/dL", models.SensorShutdown, true, "ERR"},
		{"starting", "mg/dL", models.SensorStarting, false, "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := models.DefaultSettings()
			settings.Unit = tt.unit
			r := New(settings, "")
			r.now = func() time.Time { return testNow }
			if tt.reading {
				r.OnEvent(readingEvent(145.4, testNow, "Flat"))
			}
			r.OnEvent(engine.Event{Type: engine.EventStateChanged, Status: engine.Status{State: tt.state}})

			if got := r.badgeText(); got != tt.expected {
				t.Errorf("badgeText() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRenderPNG(t *testing.T) {
	r := newTestRenderer("")
	r.OnEvent(readingEvent(120, testNow, "FortyFiveUp"))

	data, err := r.Render()
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != iconSize || img.Bounds().Dy() != iconSize {
		t.Fatalf("bounds = %v, want %dx%d", img.Bounds(), iconSize, iconSize)
	}

	// Left edge below the corner radius is plain background
	cr, cg, cb, _ := img.At(2, 40).RGBA()
	if byte(cr>>8) != 0x4a || byte(cg>>8) != 0xde || byte(cb>>8) != 0x80 {
		t.Errorf("background = %d,%d,%d, want in range green", cr>>8, cg>>8, cb>>8)
	}
}

func TestRenderICO(t *testing.T) {
	r := newTestRenderer(filepath.Join(t.TempDir(), "badge.ico"))
	r.OnEvent(readingEvent(120, testNow, "Flat"))

	data, err := r.Render()
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	header := []byte{0, 0, 1, 0, 1, 0}
	if !bytes.HasPrefix(data, header) {
		t.Fatalf("ICO header = %v, want %v", data[:6], header)
	}
	if data[6] != iconSize || data[7] != iconSize {
		t.Errorf("entry size = %dx%d", data[6], data[7])
	}
	if !bytes.Equal(data[22:30], []byte("\x89PNG\r\n\x1a\n")) {
		t.Error("ICO entry should hold a PNG")
	}
}

func TestOnEventWritesFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "glucose.png")
	r := newTestRenderer(path)

	r.OnEvent(readingEvent(110, testNow.Add(-10*time.Minute), "Flat"))
	r.OnEvent(readingEvent(130, testNow.Add(-3*time.Minute), "SingleUp"))

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("badge not written: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file should be renamed")
	}

	summary, err := os.ReadFile(filepath.Join(dir, "glucose.txt"))
	if err != nil {
		t.Fatalf("summary not written: %v", err)
	}
	text := string(summary)
	for _, want := range []string{"130 mg/dL ↑", "Status: In Range", "Updated: 3 minutes ago", "Max: 140", "Min: 100"} {
		if !strings.Contains(text, want) {
			t.Errorf("summary missing %q:\n%s", want, text)
		}
	}
}

func TestSummaryStale(t *testing.T) {
	r := newTestRenderer("")
	r.OnEvent(readingEvent(120, testNow.Add(-30*time.Minute), "Flat"))

	if !strings.Contains(r.Summary(), "No fresh data") {
		t.Errorf("stale summary should warn:\n%s", r.Summary())
	}
}

func TestSummaryNoData(t *testing.T) {
	r := newTestRenderer("")
	if got := r.Summary(); !strings.HasPrefix(got, "No data") {
		t.Errorf("Summary() = %q", got)
	}
}

func TestSparkline(t *testing.T) {
	r := newTestRenderer("")
	if got := r.generateMultiLineSparkline(); got != "" {
		t.Errorf("empty history should give no sparkline, got %q", got)
	}

	for i, v := range []float64{100, 120, 140, 160} {
		r.OnEvent(readingEvent(v, testNow.Add(time.Duration(i)*time.Minute), "Flat"))
	}
	lines := strings.Split(r.generateMultiLineSparkline(), "\n")
	if len(lines) != 8 {
		t.Fatalf("sparkline has %d lines, want 8", len(lines))
	}
	if lines[0] != "Max: 170" || lines[7] != "Min: 90" {
		t.Errorf("bounds = %q / %q", lines[0], lines[7])
	}
	// Every value fills the bottom row except the lowest
	bottom := []rune(lines[6])
	if bottom[3] != '⣿' || bottom[0] == '⣿' {
		t.Errorf("bottom row = %q", lines[6])
	}
}

func TestDuplicateReadingIgnored(t *testing.T) {
	r := newTestRenderer("")
	ev := readingEvent(120, testNow, "Flat")
	r.OnEvent(ev)
	r.OnEvent(ev)
	if len(r.history) != 1 {
		t.Errorf("history = %d, want 1", len(r.history))
	}
}

func TestSparklineRestartsAfterGap(t *testing.T) {
	tests := []struct {
		name       string
		gapMinutes int
		spacing    time.Duration
		expected   int
	}{
		{"Regular readings", 60, 5 * time.Minute, 3},
		{"Gap longer than setting", 60, 2 * time.Hour, 1},
		{"Gap inside setting", 180, 2 * time.Hour, 3},
		{"Gaps disabled", 0, 2 * time.Hour, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := models.DefaultSettings()
			settings.GapMinutes = tt.gapMinutes
			r := New(settings, "")
			r.now = func() time.Time { return testNow }

			for i, v := range []float64{100, 110, 120} {
				r.OnEvent(readingEvent(v, testNow.Add(time.Duration(i)*tt.spacing), "Flat"))
			}
			if len(r.history) != tt.expected {
				t.Errorf("history = %d, want %d", len(r.history), tt.expected)
			}
			if r.history[len(r.history)-1] != 120 {
				t.Errorf("newest sparkline value = %v, want 120", r.history[len(r.history)-1])
			}
		})
	}
}
