// Package timeline keeps the ordered, gap-aware series of glucose readings
package timeline

import (
	"sort"
	"sync"
	"time"

	"github.com/mrcode/cgm-bridge/internal/models"
)

// DefaultTolerance is the minimum spacing between two sensor readings
const DefaultTolerance = 2 * time.Minute

// syntheticLead places the continuity point this far before a calibration
const syntheticLead = time.Second

// Timeline is a time-ordered series of readings with a single writer and many readers.
// Writers build a new slice and swap it in, so readers always see a complete merge.
type Timeline struct {
	mu        sync.RWMutex
	readings  []models.GlucoseReading
	tolerance time.Duration
}

// New creates an empty timeline. A non-positive tolerance uses DefaultTolerance.
func New(tolerance time.Duration) *Timeline {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Timeline{tolerance: tolerance}
}

// Tolerance returns the dedupe spacing between sensor readings
func (t *Timeline) Tolerance() time.Duration {
	return t.tolerance
}

func (t *Timeline) snapshot() []models.GlucoseReading {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.readings
}

// Len returns the number of stored readings
func (t *Timeline) Len() int {
	return len(t.snapshot())
}

// Merge adds the readings of one packet and returns those that were accepted, oldest first.
// Trend readings are taken newest first until one overlaps an already stored reading.
// History readings fill in anything older than the oldest accepted trend reading.
func (t *Timeline) Merge(trend, history []models.GlucoseReading) []models.GlucoseReading {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing := t.readings
	newest, hasNewest := latestSensorTime(existing)

	trend = sortedNewestFirst(trend)
	history = sortedNewestFirst(history)

	var accepted []models.GlucoseReading
	var oldestTrend time.Time
	for _, r := range trend {
		if hasNewest && r.Time.Sub(newest) < t.tolerance {
			break
		}
		if !oldestTrend.IsZero() && oldestTrend.Sub(r.Time) < t.tolerance {
			continue
		}
		if hasExact(existing, r.Time) {
			continue
		}
		accepted = append(accepted, r)
		oldestTrend = r.Time
	}

	// conflicts needs accepted oldest first from here on
	sortOldestFirst(accepted)
	for _, r := range history {
		if !oldestTrend.IsZero() && oldestTrend.Sub(r.Time) <= t.tolerance {
			continue
		}
		if conflicts(existing, r.Time, t.tolerance) || conflicts(accepted, r.Time, t.tolerance) {
			continue
		}
		accepted = insertSorted(accepted, r)
	}

	if len(accepted) == 0 {
		return nil
	}

	t.readings = mergeSorted(existing, accepted)
	return accepted
}

// Insert adds arbitrary sensor readings, for example when seeding from storage.
// Readings closer than the tolerance to a stored one are skipped.
func (t *Timeline) Insert(readings []models.GlucoseReading) []models.GlucoseReading {
	t.mu.Lock()
	defer t.mu.Unlock()

	candidates := append([]models.GlucoseReading(nil), readings...)
	sortOldestFirst(candidates)

	var accepted []models.GlucoseReading
	for _, r := range candidates {
		if hasExact(t.readings, r.Time) || hasExact(accepted, r.Time) {
			continue
		}
		if r.IsSensor() && (conflicts(t.readings, r.Time, t.tolerance) || conflicts(accepted, r.Time, t.tolerance)) {
			continue
		}
		accepted = append(accepted, r)
	}
	if len(accepted) > 0 {
		t.readings = mergeSorted(t.readings, accepted)
	}
	return accepted
}

// Append stores a calibration reading and returns what was inserted, oldest first.
// When the preceding reading is more than the tolerance older, a synthetic point at
// the previous value is inserted just before the calibration to keep the curve continuous.
// A stored reading with exactly the calibration timestamp is replaced.
func (t *Timeline) Append(calibration models.GlucoseReading) []models.GlucoseReading {
	calibration.Kind = models.KindCalibration
	calibration.Synthetic = false

	t.mu.Lock()
	defer t.mu.Unlock()

	existing := make([]models.GlucoseReading, 0, len(t.readings))
	for _, r := range t.readings {
		if !r.Time.Equal(calibration.Time) {
			existing = append(existing, r)
		}
	}

	var inserted []models.GlucoseReading
	i := sort.Search(len(existing), func(i int) bool { return !existing[i].Time.Before(calibration.Time) })
	if i > 0 {
		prev := existing[i-1]
		if calibration.Time.Sub(prev.Time) > t.tolerance {
			inserted = append(inserted, models.GlucoseReading{
				Time:      calibration.Time.Add(-syntheticLead),
				Value:     prev.Value,
				Kind:      prev.Kind,
				Synthetic: true,
			})
		}
	}
	inserted = append(inserted, calibration)

	t.readings = mergeSorted(existing, inserted)
	return inserted
}

// Window returns the readings with from <= time <= to, oldest first
func (t *Timeline) Window(from, to time.Time) []models.GlucoseReading {
	readings := t.snapshot()
	lo := sort.Search(len(readings), func(i int) bool { return !readings[i].Time.Before(from) })
	hi := sort.Search(len(readings), func(i int) bool { return readings[i].Time.After(to) })
	if lo >= hi {
		return nil
	}
	out := make([]models.GlucoseReading, hi-lo)
	copy(out, readings[lo:hi])
	return out
}

// All returns every stored reading, oldest first
func (t *Timeline) All() []models.GlucoseReading {
	readings := t.snapshot()
	out := make([]models.GlucoseReading, len(readings))
	copy(out, readings)
	return out
}

// Latest returns the newest real (non synthetic) reading
func (t *Timeline) Latest() (models.GlucoseReading, bool) {
	readings := t.snapshot()
	for i := len(readings) - 1; i >= 0; i-- {
		if !readings[i].Synthetic {
			return readings[i], true
		}
	}
	return models.GlucoseReading{}, false
}

// LatestSensor returns the newest reading produced by the sensor
func (t *Timeline) LatestSensor() (models.GlucoseReading, bool) {
	readings := t.snapshot()
	for i := len(readings) - 1; i >= 0; i-- {
		if readings[i].IsSensor() {
			return readings[i], true
		}
	}
	return models.GlucoseReading{}, false
}

// Prune drops readings older than before
func (t *Timeline) Prune(before time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := sort.Search(len(t.readings), func(i int) bool { return !t.readings[i].Time.Before(before) })
	if i == 0 {
		return 0
	}
	t.readings = append([]models.GlucoseReading(nil), t.readings[i:]...)
	return i
}

func latestSensorTime(readings []models.GlucoseReading) (time.Time, bool) {
	for i := len(readings) - 1; i >= 0; i-- {
		if readings[i].IsSensor() {
			return readings[i].Time, true
		}
	}
	return time.Time{}, false
}

// conflicts reports whether a sensor reading in sorted lies closer than tolerance to at
func conflicts(sorted []models.GlucoseReading, at time.Time, tolerance time.Duration) bool {
	if hasExact(sorted, at) {
		return true
	}
	i := sort.Search(len(sorted), func(i int) bool { return !sorted[i].Time.Before(at) })
	for j := i; j < len(sorted) && sorted[j].Time.Sub(at) < tolerance; j++ {
		if sorted[j].IsSensor() {
			return true
		}
	}
	for j := i - 1; j >= 0 && at.Sub(sorted[j].Time) < tolerance; j-- {
		if sorted[j].IsSensor() {
			return true
		}
	}
	return false
}

func hasExact(sorted []models.GlucoseReading, at time.Time) bool {
	i := sort.Search(len(sorted), func(i int) bool { return !sorted[i].Time.Before(at) })
	return i < len(sorted) && sorted[i].Time.Equal(at)
}

func sortedNewestFirst(readings []models.GlucoseReading) []models.GlucoseReading {
	out := append([]models.GlucoseReading(nil), readings...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	return out
}

func insertSorted(sorted []models.GlucoseReading, r models.GlucoseReading) []models.GlucoseReading {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i].Time.After(r.Time) })
	sorted = append(sorted, models.GlucoseReading{})
	copy(sorted[i+1:], sorted[i:])
	sorted[i] = r
	return sorted
}

func sortOldestFirst(readings []models.GlucoseReading) {
	sort.SliceStable(readings, func(i, j int) bool { return readings[i].Time.Before(readings[j].Time) })
}

// mergeSorted returns a new slice holding a and b, both sorted oldest first
func mergeSorted(a, b []models.GlucoseReading) []models.GlucoseReading {
	out := make([]models.GlucoseReading, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if b[j].Time.Before(a[i].Time) {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
