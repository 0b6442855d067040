// Package notifications handles system notifications and alerts
package notifications

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrcode/cgm-bridge/internal/engine"
	"github.com/mrcode/cgm-bridge/internal/models"
)

// Alert type constants
const (
	alertUrgentLow  = "urgent_low"
	alertLow        = "low"
	alertUrgentHigh = "urgent_high"
	alertHigh       = "high"

	alertCalibration = "calibration"
	alertReadFailed  = "read_failed"
	alertNoSensor    = "no_sensor"
	alertBadData     = "bad_data"
	alertSensorState = "sensor_state"
)

var glucoseAlerts = []string{alertUrgentLow, alertLow, alertUrgentHigh, alertHigh}

// Manager handles glucose alerts and notifications
type Manager struct {
	settings      *models.Settings
	sender        Sender
	lastAlertTime map[string]time.Time
	now           func() time.Time
	mu            sync.Mutex
}

// NewManager creates a new notification manager
func NewManager(settings *models.Settings, sender Sender) *Manager {
	if sender == nil {
		sender = BeeepSender{}
	}
	return &Manager{
		settings:      settings.Clone(),
		sender:        sender,
		lastAlertTime: make(map[string]time.Time),
		now:           time.Now,
	}
}

// UpdateSettings replaces the alert settings
func (m *Manager) UpdateSettings(settings *models.Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings.Clone()
}

// OnEvent turns engine events into notifications
func (m *Manager) OnEvent(event engine.Event) {
	var err error
	switch event.Type {
	case engine.EventReadings:
		if event.HasGlucose {
			err = m.CheckAndNotify(event.Glucose, event.Direction, event.Trend)
		}
	case engine.EventCalibrationNeeded:
		err = m.sensorAlert(alertCalibration, "Calibration needed",
			"Enter a finger-stick blood glucose value to calibrate the sensor", false)
	case engine.EventReadFailed:
		err = m.sensorAlert(alertReadFailed, "Failed to read data",
			"The sensor data could not be read. Check the transmitter position.", false)
	case engine.EventNoSensor:
		err = m.sensorAlert(alertNoSensor, "No sensor",
			"The transmitter cannot find a sensor", false)
	case engine.EventBadData:
		err = m.sensorAlert(alertBadData, "Bad data",
			"The transmitter sent data that could not be understood", false)
	case engine.EventStateChanged:
		switch event.Status.State {
		case models.SensorExpired, models.SensorFailure, models.SensorShutdown:
			m.ClearAlertState(alertSensorState)
			err = m.sensorAlert(alertSensorState, event.Status.State.String(),
				fmt.Sprintf("Sensor %s needs attention", event.Status.SerialNumber), true)
		}
	}
	if err != nil {
		log.WithError(err).WithField("event", event.Type).Warn("Failed to send notification")
	}
}

// CheckAndNotify checks a glucose value and sends a notification if needed
func (m *Manager) CheckAndNotify(reading models.GlucoseReading, direction string, trend int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := m.settings.GetGlucoseStatus(reading.Rounded())
	alertType := m.shouldAlert(status)
	if alertType == "" {
		if status == "normal" {
			// Back in range; the next excursion alerts immediately
			for _, a := range glucoseAlerts {
				delete(m.lastAlertTime, a)
			}
		}
		return nil
	}

	if !m.due(alertType) {
		return nil
	}

	title, message := m.formatNotification(reading, models.ArrowFor(direction, trend), alertType)
	urgent := alertType == alertUrgentLow || alertType == alertUrgentHigh
	if err := m.sender.Notify(title, message, urgent); err != nil {
		return err
	}

	m.lastAlertTime[alertType] = m.now()
	return nil
}

func (m *Manager) sensorAlert(alertType, title, message string, urgent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.settings.EnableSensorAlerts || !m.due(alertType) {
		return nil
	}
	if err := m.sender.Notify(title, message, urgent); err != nil {
		return err
	}
	m.lastAlertTime[alertType] = m.now()
	return nil
}

// due applies the repeat interval. The caller holds m.mu.
func (m *Manager) due(alertType string) bool {
	lastTime, ok := m.lastAlertTime[alertType]
	if !ok {
		return true
	}
	if m.settings.RepeatAlertMinutes <= 0 {
		// No repeat, only alert once per status change
		return false
	}
	repeat := time.Duration(m.settings.RepeatAlertMinutes) * time.Minute
	return m.now().Sub(lastTime) >= repeat
}

// shouldAlert maps a glucose status to an enabled alert type
func (m *Manager) shouldAlert(status string) string {
	switch status {
	case alertUrgentLow:
		if m.settings.EnableUrgentLowAlert {
			return alertUrgentLow
		}
	case alertLow:
		if m.settings.EnableLowAlert {
			return alertLow
		}
	case alertUrgentHigh:
		if m.settings.EnableUrgentHighAlert {
			return alertUrgentHigh
		}
	case alertHigh:
		if m.settings.EnableHighAlert {
			return alertHigh
		}
	}
	return ""
}

// formatNotification creates the notification title and message
func (m *Manager) formatNotification(reading models.GlucoseReading, arrow, alertType string) (string, string) {
	var title, message string
	var valueStr string

	if m.settings.Unit == "mmol/L" {
		valueStr = fmt.Sprintf("%.1f mmol/L", reading.ValueMmolL())
	} else {
		valueStr = fmt.Sprintf("%d mg/dL", reading.Rounded())
	}

	switch alertType {
	case alertUrgentLow:
		title = "⚠️ URGENT LOW GLUCOSE"
		message = fmt.Sprintf("Glucose is critically low: %s %s", valueStr, arrow)
	case alertLow:
		title = "⬇️ Low Glucose"
		message = fmt.Sprintf("Glucose is low: %s %s", valueStr, arrow)
	case alertUrgentHigh:
		title = "⚠️ URGENT HIGH GLUCOSE"
		message = fmt.Sprintf("Glucose is critically high: %s %s", valueStr, arrow)
	case alertHigh:
		title = "⬆️ High Glucose"
		message = fmt.Sprintf("Glucose is high: %s %s", valueStr, arrow)
	}

	return title, message
}

// ClearAlertState clears the alert state for a specific type or all types
func (m *Manager) ClearAlertState(alertType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if alertType == "" {
		m.lastAlertTime = make(map[string]time.Time)
	} else {
		delete(m.lastAlertTime, alertType)
	}
}

// SendTestNotification sends a test notification
func (m *Manager) SendTestNotification() error {
	return m.sender.Notify("CGM Bridge", "Test notification - alerts are working!", false)
}
