// Package badge renders the current glucose value as a small status image
// for panels and dashboards, with a text summary next to it.
package badge

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	log "github.com/sirupsen/logrus"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/mrcode/cgm-bridge/internal/engine"
	"github.com/mrcode/cgm-bridge/internal/models"
)

const (
	statusUrgentLow  = "urgent_low"
	statusUrgentHigh = "urgent_high"
	statusLow        = "low"
	statusHigh       = "high"

	staleAfter  = 7 * time.Minute
	historySize = 24
)

// Renderer keeps the latest reading and redraws the badge on engine events
type Renderer struct {
	mu        sync.Mutex
	settings  *models.Settings
	path      string
	now       func() time.Time
	last      *models.GlucoseReading
	direction string
	state     models.SensorState
	history   []float64 // Last 24 values since the latest gap, for the sparkline
}

// New creates a renderer writing to path. A path ending in .ico produces an icon file.
func New(settings *models.Settings, path string) *Renderer {
	return &Renderer{
		settings: settings.Clone(),
		path:     path,
		now:      time.Now,
		history:  make([]float64, 0, historySize),
	}
}

// UpdateSettings replaces the settings; history is cleared to avoid a unit mixup
func (r *Renderer) UpdateSettings(settings *models.Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = settings.Clone()
	r.history = make([]float64, 0, historySize)
}

// OnEvent redraws the badge after new readings and state changes
func (r *Renderer) OnEvent(event engine.Event) {
	r.mu.Lock()
	r.state = event.Status.State
	if event.HasGlucose && (r.last == nil || !event.Glucose.Time.Equal(r.last.Time)) {
		g := event.Glucose
		r.pushHistory(r.last, g)
		r.last = &g
		r.direction = event.Direction
	}
	r.mu.Unlock()

	if r.path == "" {
		return
	}
	if err := r.Write(); err != nil {
		log.WithError(err).WithField("path", r.path).Warn("Failed to write status badge")
	}
}

// pushHistory adds g to the sparkline, starting over when it follows a gap
func (r *Renderer) pushHistory(prev *models.GlucoseReading, g models.GlucoseReading) {
	if gap := r.settings.GapThreshold(); prev != nil && gap > 0 && g.Time.Sub(prev.Time) > gap {
		r.history = r.history[:0]
	}
	val := g.Value
	if r.settings.Unit == "mmol/L" {
		val = g.ValueMmolL()
	}
	r.history = append(r.history, val)
	if len(r.history) > historySize {
		r.history = r.history[1:]
	}
}

// Write renders the badge and summary and replaces the files atomically
func (r *Renderer) Write() error {
	data, err := r.Render()
	if err != nil {
		return err
	}
	if err := writeAtomic(r.path, data); err != nil {
		return err
	}
	summary := strings.TrimSuffix(r.path, filepath.Ext(r.path)) + ".txt"
	return writeAtomic(summary, []byte(r.Summary()))
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil { //nolint:gosec // Badge is meant to be readable by panels
		return err
	}
	return os.Rename(tmp, path)
}

// Render draws the badge as PNG, or ICO when the output path ends in .ico
func (r *Renderer) Render() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	img := r.generateIcon(r.badgeText(), r.direction)
	if strings.EqualFold(filepath.Ext(r.path), ".ico") {
		return imageToICO(img)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode badge: %w", err)
	}
	return buf.Bytes(), nil
}

// badgeText returns the value, or a marker when the sensor gives none
func (r *Renderer) badgeText() string {
	switch r.state {
	case models.SensorFailure, models.SensorShutdown:
		return "ERR"
	case models.SensorNotYetStarted, models.SensorStarting:
		return "..."
	}
	if r.last == nil {
		return "---"
	}
	return r.formatValue(*r.last)
}

func (r *Renderer) formatValue(g models.GlucoseReading) string {
	if r.settings.Unit == "mmol/L" {
		return fmt.Sprintf("%.1f", g.ValueMmolL())
	}
	return fmt.Sprintf("%d", g.Rounded())
}

// Summary returns a multi-line text status with a sparkline of recent values
func (r *Renderer) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.last == nil {
		return fmt.Sprintf("No data\nSensor: %s\n", r.state)
	}

	status := r.settings.GetGlucoseStatus(r.last.Rounded())
	age := int(r.now().Sub(r.last.Time).Minutes())

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n", r.formatValue(*r.last), r.settings.Unit, models.ArrowFor(r.direction, 0))
	if spark := r.generateMultiLineSparkline(); spark != "" {
		b.WriteString(spark)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Status: %s\nUpdated: %s ago\nSensor: %s\n", formatStatus(status), formatDuration(age), r.state)
	if r.now().Sub(r.last.Time) > staleAfter {
		b.WriteString("⚠️ No fresh data (check transmitter)\n")
	}
	return b.String()
}

// getStatusColor returns the background for the last reading
func (r *Renderer) getStatusColor() string {
	if r.last == nil {
		return "#808080"
	}
	if r.now().Sub(r.last.Time) > staleAfter {
		return "#9ca3af"
	}

	switch r.settings.GetGlucoseStatus(r.last.Rounded()) {
	case statusUrgentLow, statusUrgentHigh:
		return "#ef4444"
	case statusLow:
		return "#f97316"
	case statusHigh:
		return "#facc15"
	default:
		return "#4ade80"
	}
}

// formatStatus returns a human-readable status string
func formatStatus(status string) string {
	switch status {
	case statusUrgentLow:
		return "Urgent Low"
	case statusUrgentHigh:
		return "Urgent High"
	case statusLow:
		return "Low"
	case statusHigh:
		return "High"
	case "normal":
		return "In Range"
	default:
		return status
	}
}

// formatDuration formats minutes into a human-readable duration
func formatDuration(minutes int) string {
	if minutes < 1 {
		return "just now"
	}
	if minutes == 1 {
		return "1 minute"
	}
	if minutes < 60 {
		return fmt.Sprintf("%d minutes", minutes)
	}
	hours := minutes / 60
	if hours == 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%d hours", hours)
}

// parseHexColor parses a hex color string to RGB values
func parseHexColor(hex string) (r, g, b byte) {
	if len(hex) == 7 && hex[0] == '#' {
		_, _ = fmt.Sscanf(hex, "#%02x%02x%02x", &r, &g, &b)
	}
	return
}

// textColor picks black or white for contrast with the background
func textColor(r, g, b byte) color.Color {
	brightness := (int(r)*299 + int(g)*587 + int(b)*114) / 1000
	if brightness > 128 {
		return color.Black
	}
	return color.White
}

// loadFont sets the Go regular font at size
func loadFont(dc *gg.Context, size float64) error {
	font, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return err
	}
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: size}))
	return nil
}
