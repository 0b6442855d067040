package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrcode/cgm-bridge/internal/engine"
	"github.com/mrcode/cgm-bridge/internal/models"
)

// StatusPayload is the retained bridge status message
type StatusPayload struct {
	System StatusPayloadInner `json:"system"`
}

// StatusPayloadInner carries the event and a status snapshot
type StatusPayloadInner struct {
	Timestamp string        `json:"timestamp"`
	Event     string        `json:"event"`
	Status    engine.Status `json:"status"`
	Glucose   *Payload      `json:"latest,omitempty"`

	// Summary is set on lifecycle and heartbeat events
	Summary *models.GlucoseStatus `json:"summary,omitempty"`
}

// FormatStatusPayload creates the JSON payload for an engine event
func FormatStatusPayload(event engine.Event) ([]byte, error) {
	inner := StatusPayloadInner{
		Timestamp: event.Time.UTC().Format(time.RFC3339),
		Event:     strings.ToUpper(string(event.Type)),
		Status:    event.Status,
	}
	if event.HasGlucose {
		raw, err := FormatPayload(GlucoseEvent{Reading: event.Glucose, Direction: event.Direction, Trend: event.Trend})
		if err != nil {
			return nil, err
		}
		var p Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		inner.Glucose = &p
	}
	return json.Marshal(StatusPayload{System: inner})
}

// FormatHeartbeatPayload creates the status payload for a bridge lifecycle event
func FormatHeartbeatPayload(event string, at time.Time, status engine.Status, summary *models.GlucoseStatus) ([]byte, error) {
	return json.Marshal(StatusPayload{System: StatusPayloadInner{
		Timestamp: at.UTC().Format(time.RFC3339),
		Event:     event,
		Status:    status,
		Summary:   summary,
	}})
}

// Sink publishes persisted readings and engine status changes
type Sink struct {
	pub       Publisher
	direction func() (string, int)
}

// NewSink wraps pub. direction supplies the trend attached to the newest reading of a batch.
func NewSink(pub Publisher, direction func() (string, int)) *Sink {
	return &Sink{pub: pub, direction: direction}
}

// AppendReadings publishes readings oldest first
func (s *Sink) AppendReadings(_ context.Context, readings []models.GlucoseReading) error {
	for i, r := range readings {
		event := GlucoseEvent{Reading: r}
		if i == len(readings)-1 && s.direction != nil {
			event.Direction, event.Trend = s.direction()
		}
		if err := s.pub.Publish(event); err != nil {
			return fmt.Errorf("publish reading at %s: %w", r.Time.Format("15:04"), err)
		}
	}
	return nil
}

// AppendCalibration publishes a calibration value
func (s *Sink) AppendCalibration(_ context.Context, reading models.GlucoseReading) error {
	if err := s.pub.Publish(GlucoseEvent{Reading: reading}); err != nil {
		return fmt.Errorf("publish calibration: %w", err)
	}
	return nil
}

// OnEvent publishes a retained status snapshot for every event except plain readings
func (s *Sink) OnEvent(event engine.Event) {
	if event.Type == engine.EventReadings {
		return
	}

	payload, err := FormatStatusPayload(event)
	if err != nil {
		log.WithError(err).Warn("Failed to format MQTT status")
		return
	}
	err = s.pub.PublishSystem(SystemEvent{
		Timestamp:  event.Time,
		Event:      strings.ToUpper(string(event.Type)),
		RawPayload: payload,
		Retained:   true,
	})
	if err != nil {
		log.WithError(err).WithField("event", event.Type).Warn("Failed to publish MQTT status")
	}
}
