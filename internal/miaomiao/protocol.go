// Package miaomiao decodes the MiaoMiao transmitter byte stream into sensor packets
package miaomiao

// Control bytes sent by the transmitter
const (
	StartPacket  byte = 0x28
	EndPacket    byte = 0x29
	NewSensor    byte = 0x32
	NoSensor     byte = 0x34
	FrequencyAck byte = 0xD1
)

// Packet framing limits
const (
	MinPacketLength = 363
	MaxPacketLength = 1024
	headerLength    = 3 // start marker + 2 length bytes
)

// Fixed packet offsets
const (
	uidOffset      = 3
	uidLength      = 8
	batteryOffset  = 13
	firmwareOffset = 14
	hardwareOffset = 16
	framOffset     = 18
)

// Sensor memory (FRAM) layout
const (
	FRAMSize = 344

	framHeaderStart = 0
	framHeaderEnd   = 24
	framBodyStart   = 24
	framBodyEnd     = 320
	framFooterStart = 320
	framFooterEnd   = 344

	stateCodeOffset    = 4
	trendIndexOffset   = 26
	historyIndexOffset = 27
	trendRingOffset    = 28
	historyRingOffset  = 124
	ageOffset          = 316

	TrendSlots   = 16
	HistorySlots = 32
	recordStride = 6

	trendInterval   = 1  // minutes between trend records
	historyInterval = 15 // minutes between history records
)

// Device state codes stored in the FRAM header
const (
	CodeNotStarted byte = 0x01
	CodeStarting   byte = 0x02
	CodeReady      byte = 0x03
	CodeExpired    byte = 0x04
	CodeShutdown   byte = 0x05
	CodeFailure    byte = 0x06
)

// Sensor lifetime thresholds in minutes
const (
	WarmupMinutes   = 30
	LifetimeMinutes = 14 * 24 * 60
	GraceMinutes    = 12 * 60
)

// StartReadingCommand asks the transmitter for a fresh packet
func StartReadingCommand() []byte { return []byte{0xF0} }

// AllowNewSensorCommand confirms that a newly detected sensor may be used
func AllowNewSensorCommand() []byte { return []byte{0xD3, 0x01} }

// NormalFrequencyCommand sets the regular 3 minute notification interval
func NormalFrequencyCommand() []byte { return []byte{0xD1, 0x03} }

// ShortFrequencyCommand sets the 1 minute notification interval
func ShortFrequencyCommand() []byte { return []byte{0xD1, 0x01} }
