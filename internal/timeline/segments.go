package timeline

import (
	"time"

	"github.com/mrcode/cgm-bridge/internal/models"
)

// Display gap thresholds
const (
	ShortGap = 30 * time.Minute
	LongGap  = 90 * time.Minute
)

// Segment is a contiguous run of readings
type Segment struct {
	Start    time.Time
	End      time.Time
	Readings []models.GlucoseReading
}

// Gap is a stretch without readings longer than the requested threshold
type Gap struct {
	From time.Time // Last reading before the gap
	To   time.Time // First reading after the gap
}

// Duration returns the length of the gap
func (g Gap) Duration() time.Duration {
	return g.To.Sub(g.From)
}

// Segments splits the series into contiguous runs. A new run starts at every
// calibration and wherever consecutive readings are more than threshold apart.
func (t *Timeline) Segments(threshold time.Duration) []Segment {
	readings := t.snapshot()

	var segments []Segment
	var current []models.GlucoseReading
	flush := func() {
		if len(current) == 0 {
			return
		}
		segments = append(segments, Segment{
			Start:    current[0].Time,
			End:      current[len(current)-1].Time,
			Readings: current,
		})
		current = nil
	}

	for i, r := range readings {
		if i > 0 && (r.Kind == models.KindCalibration || r.Time.Sub(readings[i-1].Time) > threshold) {
			flush()
		}
		current = append(current, r)
	}
	flush()

	return segments
}

// Gaps returns every place where consecutive readings are more than threshold apart
func (t *Timeline) Gaps(threshold time.Duration) []Gap {
	readings := t.snapshot()

	var gaps []Gap
	for i := 1; i < len(readings); i++ {
		if readings[i].Time.Sub(readings[i-1].Time) > threshold {
			gaps = append(gaps, Gap{From: readings[i-1].Time, To: readings[i].Time})
		}
	}
	return gaps
}
