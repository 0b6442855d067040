package nightscout

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrcode/cgm-bridge/internal/engine"
	"github.com/mrcode/cgm-bridge/internal/models"
)

const enteredBy = "cgm-bridge"

// Sink uploads readings, calibrations and sensor starts to Nightscout
type Sink struct {
	client    *Client
	device    string
	direction func() (string, int)
	store     *TreatmentStore // Optional; invalidated after treatment uploads
	timeout   time.Duration
}

// NewSink creates an uploader. direction supplies the trend of the newest reading in a batch.
func NewSink(client *Client, device string, direction func() (string, int), store *TreatmentStore) *Sink {
	return &Sink{
		client:    client,
		device:    device,
		direction: direction,
		store:     store,
		timeout:   30 * time.Second,
	}
}

// AppendReadings uploads sensor readings as sgv entries
func (s *Sink) AppendReadings(ctx context.Context, readings []models.GlucoseReading) error {
	var entries []models.GlucoseEntry
	for i, r := range readings {
		if !r.IsSensor() {
			continue
		}
		var direction string
		var trend int
		if i == len(readings)-1 && s.direction != nil {
			direction, trend = s.direction()
		}
		entries = append(entries, models.NewSGVEntry(r, direction, trend, s.device))
	}
	return s.client.UploadEntries(ctx, entries)
}

// AppendCalibration uploads a meter value and the matching BG check treatment
func (s *Sink) AppendCalibration(ctx context.Context, reading models.GlucoseReading) error {
	if err := s.client.UploadEntries(ctx, []models.GlucoseEntry{models.NewMBGEntry(reading, s.device)}); err != nil {
		return err
	}
	return s.uploadTreatment(ctx, models.Treatment{
		EventType:   models.TreatmentEventTypes.BGCheck,
		CreatedAt:   reading.Time.UTC().Format(time.RFC3339),
		Glucose:     reading.Value,
		GlucoseType: "Finger",
		Units:       "mg/dl",
		EnteredBy:   enteredBy,
	})
}

// OnEvent records a sensor start when the engine detects a new sensor
func (s *Sink) OnEvent(event engine.Event) {
	if event.Type != engine.EventSensorReset {
		return
	}

	start := event.Status.SensorStart
	if start.IsZero() {
		start = event.Time
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err := s.uploadTreatment(ctx, models.Treatment{
		EventType: models.TreatmentEventTypes.SensorStart,
		CreatedAt: start.UTC().Format(time.RFC3339),
		Notes:     event.Status.SerialNumber,
		EnteredBy: enteredBy,
	})
	if err != nil {
		log.WithError(err).Warn("Failed to upload sensor start")
	}
}

func (s *Sink) uploadTreatment(ctx context.Context, t models.Treatment) error {
	if err := s.client.UploadTreatments(ctx, []models.Treatment{t}); err != nil {
		return err
	}
	if s.store != nil {
		s.store.Invalidate()
	}
	return nil
}

// ReadingsFromEntries converts Nightscout entries into timeline readings, for seeding at startup
func ReadingsFromEntries(entries []models.GlucoseEntry) []models.GlucoseReading {
	out := make([]models.GlucoseReading, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		value := e.ValueMgDL()
		if value <= 0 {
			continue
		}
		kind := models.KindHistory
		if e.Type == "mbg" {
			kind = models.KindCalibration
		}
		out = append(out, models.GlucoseReading{Time: e.Time(), Value: float64(value), Kind: kind})
	}
	return out
}
