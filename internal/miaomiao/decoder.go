package miaomiao

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mrcode/cgm-bridge/internal/models"
)

// Decode errors
var (
	ErrTooShort   = errors.New("packet too short")
	ErrInvalidCRC = errors.New("invalid sensor data checksum")
)

// Measurement is one raw sample taken from a trend or history ring
type Measurement struct {
	Time        time.Time
	Raw         uint16
	Temperature uint16
	Kind        models.ReadingKind
}

// Packet is a decoded transmitter frame
type Packet struct {
	UID          []byte
	SerialNumber string
	SensorID     uuid.UUID

	Battery    int
	FirmwareID string
	HardwareID string

	StateCode  byte
	State      models.SensorState
	AgeMinutes int

	FRAM     []byte
	CRCValid bool

	Trend   []Measurement // Newest first, one minute apart
	History []Measurement // Newest first, fifteen minutes apart
}

// Decode validates a complete frame and extracts the sensor data.
// at is the time the frame was received and anchors the measurement timestamps.
// On a checksum failure the returned packet carries only the transmitter fields.
func Decode(frame []byte, at time.Time) (*Packet, error) {
	if len(frame) < MinPacketLength {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrTooShort, len(frame), MinPacketLength)
	}
	if frame[0] != StartPacket || frame[len(frame)-1] != EndPacket {
		return nil, fmt.Errorf("%w: missing start or end marker", ErrBadFrame)
	}

	fram := make([]byte, FRAMSize)
	copy(fram, frame[framOffset:framOffset+FRAMSize])

	uid := make([]byte, uidLength)
	copy(uid, frame[uidOffset:uidOffset+uidLength])

	p := &Packet{
		UID:          uid,
		SerialNumber: SerialNumber(uid),
		SensorID:     SensorID(uid),
		Battery:      int(frame[batteryOffset]),
		FirmwareID:   hex.EncodeToString(frame[firmwareOffset : firmwareOffset+2]),
		HardwareID:   hex.EncodeToString(frame[hardwareOffset : hardwareOffset+2]),
		FRAM:         fram,
		CRCValid:     FRAMValid(fram),
	}
	if !p.CRCValid {
		return p, ErrInvalidCRC
	}

	p.StateCode = fram[stateCodeOffset]
	p.AgeMinutes = int(binary.LittleEndian.Uint16(fram[ageOffset:]))
	p.State = ResolveState(p.StateCode, p.AgeMinutes)

	trend, err := newRing(fram, trendRingOffset, TrendSlots, int(fram[trendIndexOffset]))
	if err != nil {
		return p, fmt.Errorf("trend ring: %w", err)
	}
	history, err := newRing(fram, historyRingOffset, HistorySlots, int(fram[historyIndexOffset]))
	if err != nil {
		return p, fmt.Errorf("history ring: %w", err)
	}

	p.Trend = measurements(trend, at, trendInterval, models.KindTrend)
	newestHistory := at.Add(-time.Duration(p.AgeMinutes%historyInterval) * time.Minute)
	p.History = measurements(history, newestHistory, historyInterval, models.KindHistory)

	return p, nil
}

func measurements(r Ring, newest time.Time, intervalMinutes int, kind models.ReadingKind) []Measurement {
	out := make([]Measurement, 0, r.Len())
	for i := 0; i < r.Len(); i++ {
		rec, _ := r.Newest(i)
		out = append(out, Measurement{
			Time:        newest.Add(-time.Duration(i*intervalMinutes) * time.Minute),
			Raw:         rec.Raw(),
			Temperature: rec.Temperature(),
			Kind:        kind,
		})
	}
	return out
}

// ResolveState maps the device state code and sensor age to a lifecycle state.
// Explicit shutdown and failure codes win over the age thresholds.
func ResolveState(code byte, ageMinutes int) models.SensorState {
	switch {
	case code == CodeShutdown:
		return models.SensorShutdown
	case code == CodeFailure:
		return models.SensorFailure
	case ageMinutes == 0 || code == CodeNotStarted:
		return models.SensorNotYetStarted
	case code == CodeStarting || ageMinutes < WarmupMinutes:
		return models.SensorStarting
	case code == CodeExpired || ageMinutes > LifetimeMinutes+GraceMinutes:
		return models.SensorExpired
	case code == CodeReady:
		return models.SensorReady
	default:
		return models.SensorUnknown
	}
}
