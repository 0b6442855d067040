// Package models contains data structures used throughout the application
package models

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Settings contains all bridge settings
type Settings struct {
	mu sync.RWMutex `json:"-"`

	// Transport settings
	SerialPort string `json:"serialPort"`
	BaudRate   int    `json:"baudRate"`

	// Nightscout settings
	NightscoutURL    string `json:"nightscoutUrl"`
	APISecret        string `json:"apiSecret"` // Plain API secret (will be hashed)
	APIToken         string `json:"apiToken"`  // Token-based auth
	UseToken         bool   `json:"useToken"`  // Use token instead of secret
	NightscoutDevice string `json:"nightscoutDevice"`

	// MQTT settings
	MQTTBroker      string `json:"mqttBroker"`
	MQTTClientID    string `json:"mqttClientId"`
	MQTTTopicPrefix string `json:"mqttTopicPrefix"`

	// DynamoDB settings
	DynamoTable  string `json:"dynamoTable"`
	DynamoRegion string `json:"dynamoRegion"`

	// Display settings
	Unit string `json:"unit"` // "mg/dL" or "mmol/L"

	// Glucose thresholds (in mg/dL, converted for display)
	TargetLow  int `json:"targetLow"`
	TargetHigh int `json:"targetHigh"`
	UrgentLow  int `json:"urgentLow"`
	UrgentHigh int `json:"urgentHigh"`

	// Alert settings
	EnableHighAlert       bool `json:"enableHighAlert"`
	EnableLowAlert        bool `json:"enableLowAlert"`
	EnableUrgentHighAlert bool `json:"enableUrgentHighAlert"`
	EnableUrgentLowAlert  bool `json:"enableUrgentLowAlert"`
	EnableSensorAlerts    bool `json:"enableSensorAlerts"` // Calibration, expiry, read failures
	RepeatAlertMinutes    int  `json:"repeatAlertMinutes"` // 0 = no repeat
	UseDBusNotifications  bool `json:"useDbusNotifications"`

	// Insulin model
	InsulinDIAMinutes   float64 `json:"insulinDiaMinutes"`
	InsulinPeakMinutes  float64 `json:"insulinPeakMinutes"`
	InsulinDelayMinutes float64 `json:"insulinDelayMinutes"`

	// Timeline settings
	DedupeToleranceMinutes int `json:"dedupeToleranceMinutes"`
	GapMinutes             int `json:"gapMinutes"`

	// Calibration settings
	FirstCalibrationMinutes  int `json:"firstCalibrationMinutes"`
	CalibrationIntervalHours int `json:"calibrationIntervalHours"`

	// Meal predictor settings
	PredictSpread         float64                 `json:"predictSpread"`
	PredictBolusTolerance float64                 `json:"predictBolusTolerance"`
	PredictMaxMatches     int                     `json:"predictMaxMatches"`
	PredictHistoryDays    int                     `json:"predictHistoryDays"`
	HypoThreshold         float64                 `json:"hypoThreshold"`
	Coefficients          Coefficients            `json:"coefficients"`
	DayPartCoefficients   map[string]Coefficients `json:"dayPartCoefficients"`

	// Status badge PNG written after every reading (empty = disabled)
	BadgePath string `json:"badgePath"`
}

// DefaultSettings returns settings with default values
func DefaultSettings() *Settings {
	return &Settings{
		SerialPort: "",
		BaudRate:   115200,

		NightscoutURL:    "",
		APISecret:        "",
		APIToken:         "",
		UseToken:         false,
		NightscoutDevice: "cgm-bridge",

		MQTTBroker:      "",
		MQTTClientID:    "cgm-bridge",
		MQTTTopicPrefix: "cgm/bridge",

		DynamoTable:  "",
		DynamoRegion: "eu-west-1",

		Unit: "mg/dL",

		TargetLow:  70,
		TargetHigh: 180,
		UrgentLow:  55,
		UrgentHigh: 250,

		EnableHighAlert:       true,
		EnableLowAlert:        true,
		EnableUrgentHighAlert: true,
		EnableUrgentLowAlert:  true,
		EnableSensorAlerts:    true,
		RepeatAlertMinutes:    15,
		UseDBusNotifications:  false,

		InsulinDIAMinutes:   300,
		InsulinPeakMinutes:  125,
		InsulinDelayMinutes: 20,

		DedupeToleranceMinutes: 2,
		GapMinutes:             60,

		FirstCalibrationMinutes:  60,
		CalibrationIntervalHours: 12,

		PredictSpread:         1.5,
		PredictBolusTolerance: 0.5,
		PredictMaxMatches:     24,
		PredictHistoryDays:    90,
		HypoThreshold:         70,
		DayPartCoefficients:   make(map[string]Coefficients),

		BadgePath: "",
	}
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	appDir := filepath.Join(configDir, "cgm-bridge")
	if err := os.MkdirAll(appDir, 0750); err != nil {
		return "", err
	}

	return appDir, nil
}

// GetConfigPath returns the full path to the config file
func GetConfigPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.json"), nil
}

// Load loads settings from the default location
func (s *Settings) Load() error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}
	return s.LoadFrom(path)
}

// LoadFrom loads settings from path. A missing file leaves the defaults in place.
func (s *Settings) LoadFrom(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path) //nolint:gosec // Config path is controlled by the operator
	if err != nil {
		if os.IsNotExist(err) {
			s.copySettingsFields(DefaultSettings())
			return nil
		}
		return err
	}

	return json.Unmarshal(data, s)
}

// Save saves settings to the default location
func (s *Settings) Save() error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}
	return s.SaveTo(path)
}

// SaveTo saves settings to path
func (s *Settings) SaveTo(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Clone creates a copy of the settings
func (s *Settings) Clone() *Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clone := &Settings{}
	clone.copySettingsFields(s)
	return clone
}

// Update updates settings from another Settings object
func (s *Settings) Update(other *Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	s.copySettingsFields(other)
}

// copySettingsFields copies all fields from other to s, excluding the mutex
// The caller must hold the necessary locks on s and other (if other is shared)
func (s *Settings) copySettingsFields(other *Settings) {
	s.SerialPort = other.SerialPort
	s.BaudRate = other.BaudRate
	s.NightscoutURL = other.NightscoutURL
	s.APISecret = other.APISecret
	s.APIToken = other.APIToken
	s.UseToken = other.UseToken
	s.NightscoutDevice = other.NightscoutDevice
	s.MQTTBroker = other.MQTTBroker
	s.MQTTClientID = other.MQTTClientID
	s.MQTTTopicPrefix = other.MQTTTopicPrefix
	s.DynamoTable = other.DynamoTable
	s.DynamoRegion = other.DynamoRegion
	s.Unit = other.Unit
	s.TargetLow = other.TargetLow
	s.TargetHigh = other.TargetHigh
	s.UrgentLow = other.UrgentLow
	s.UrgentHigh = other.UrgentHigh
	s.EnableHighAlert = other.EnableHighAlert
	s.EnableLowAlert = other.EnableLowAlert
	s.EnableUrgentHighAlert = other.EnableUrgentHighAlert
	s.EnableUrgentLowAlert = other.EnableUrgentLowAlert
	s.EnableSensorAlerts = other.EnableSensorAlerts
	s.RepeatAlertMinutes = other.RepeatAlertMinutes
	s.UseDBusNotifications = other.UseDBusNotifications
	s.InsulinDIAMinutes = other.InsulinDIAMinutes
	s.InsulinPeakMinutes = other.InsulinPeakMinutes
	s.InsulinDelayMinutes = other.InsulinDelayMinutes
	s.DedupeToleranceMinutes = other.DedupeToleranceMinutes
	s.GapMinutes = other.GapMinutes
	s.FirstCalibrationMinutes = other.FirstCalibrationMinutes
	s.CalibrationIntervalHours = other.CalibrationIntervalHours
	s.PredictSpread = other.PredictSpread
	s.PredictBolusTolerance = other.PredictBolusTolerance
	s.PredictMaxMatches = other.PredictMaxMatches
	s.PredictHistoryDays = other.PredictHistoryDays
	s.HypoThreshold = other.HypoThreshold
	s.Coefficients = other.Coefficients
	s.DayPartCoefficients = make(map[string]Coefficients, len(other.DayPartCoefficients))
	for k, v := range other.DayPartCoefficients {
		s.DayPartCoefficients[k] = v
	}
	s.BadgePath = other.BadgePath
}

// IsNightscoutConfigured returns true if a Nightscout site is set
func (s *Settings) IsNightscoutConfigured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.NightscoutURL != ""
}

// GetGlucoseStatus returns the status string for a glucose value
func (s *Settings) GetGlucoseStatus(mgdl int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case mgdl <= s.UrgentLow:
		return "urgent_low"
	case mgdl <= s.TargetLow:
		return "low"
	case mgdl >= s.UrgentHigh:
		return "urgent_high"
	case mgdl >= s.TargetHigh:
		return "high"
	default:
		return "normal"
	}
}

// DedupeTolerance returns the minimum spacing between sensor readings
func (s *Settings) DedupeTolerance() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.DedupeToleranceMinutes) * time.Minute
}

// GapThreshold returns how long readings may be missing before the series is broken
func (s *Settings) GapThreshold() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.GapMinutes) * time.Minute
}

// CalibrationInterval returns the time between routine calibrations
func (s *Settings) CalibrationInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.CalibrationIntervalHours) * time.Hour
}

// FirstCalibration returns the delay before the first calibration of a new sensor
func (s *Settings) FirstCalibration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.FirstCalibrationMinutes) * time.Minute
}
