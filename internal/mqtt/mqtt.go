// Package mqtt publishes glucose readings and bridge status to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"math"
	"time"

	"github.com/mrcode/cgm-bridge/internal/models"
)

// Topic suffixes below the configured prefix
const (
	TopicGlucose = "glucose"
	TopicSystem  = "system"
)

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a glucose reading to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event GlucoseEvent) error

	// PublishSystem sends a bridge status or lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// GlucoseEvent is one reading with its trend, if known
type GlucoseEvent struct {
	Reading   models.GlucoseReading
	Direction string
	Trend     int
}

// SystemEvent represents a bridge event (e.g. STARTUP, SHUTDOWN, STATE_CHANGED).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // e.g. "SIGTERM" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool
}

// Payload is the glucose message
type Payload struct {
	Glucose GlucosePayload `json:"glucose"`
}

// GlucosePayload contains the reading details
type GlucosePayload struct {
	Timestamp string  `json:"timestamp"`
	MgDL      int     `json:"mgdl"`
	MmolL     float64 `json:"mmol"`
	Kind      string  `json:"kind"`
	Direction string  `json:"direction,omitempty"`
	Trend     int     `json:"trend,omitempty"`
}

// FormatPayload creates the JSON payload for a glucose reading.
func FormatPayload(event GlucoseEvent) ([]byte, error) {
	r := event.Reading
	payload := Payload{
		Glucose: GlucosePayload{
			Timestamp: r.Time.UTC().Format(time.RFC3339),
			MgDL:      r.Rounded(),
			MmolL:     math.Round(r.ValueMmolL()*10) / 10,
			Kind:      string(r.Kind),
			Direction: event.Direction,
			Trend:     event.Trend,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload is used for simple events (LWT, STARTUP) that carry no status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// JoinTopic joins the configured prefix and a topic suffix
func JoinTopic(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return prefix + "/" + suffix
}
