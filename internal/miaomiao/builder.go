package miaomiao

import "encoding/binary"

// RawRecord is the raw content of one measurement slot
type RawRecord struct {
	Raw         uint16
	Temperature uint16
}

// PacketSpec describes a packet for BuildPacket. Used by tests.
type PacketSpec struct {
	UID        []byte
	Battery    byte
	FirmwareID uint16
	HardwareID uint16
	StateCode  byte
	AgeMinutes uint16

	TrendIndex   int         // Write index of the trend ring
	HistoryIndex int         // Write index of the history ring
	Trend        []RawRecord // Newest first
	History      []RawRecord // Newest first

	Length int // Declared packet length, MinPacketLength when zero
}

// BuildPacket encodes spec into a framed packet with valid checksums
func BuildPacket(spec PacketSpec) []byte {
	length := spec.Length
	if length == 0 {
		length = MinPacketLength
	}

	frame := make([]byte, length)
	frame[0] = StartPacket
	binary.BigEndian.PutUint16(frame[1:], uint16(length))
	copy(frame[uidOffset:uidOffset+uidLength], spec.UID)
	frame[batteryOffset] = spec.Battery
	binary.BigEndian.PutUint16(frame[firmwareOffset:], spec.FirmwareID)
	binary.BigEndian.PutUint16(frame[hardwareOffset:], spec.HardwareID)

	fram := frame[framOffset : framOffset+FRAMSize]
	fram[stateCodeOffset] = spec.StateCode
	fram[trendIndexOffset] = byte(spec.TrendIndex)
	fram[historyIndexOffset] = byte(spec.HistoryIndex)
	binary.LittleEndian.PutUint16(fram[ageOffset:], spec.AgeMinutes)

	putRecords(fram, trendRingOffset, TrendSlots, spec.TrendIndex, spec.Trend)
	putRecords(fram, historyRingOffset, HistorySlots, spec.HistoryIndex, spec.History)

	sealRegion(fram[framHeaderStart:framHeaderEnd])
	sealRegion(fram[framBodyStart:framBodyEnd])
	sealRegion(fram[framFooterStart:framFooterEnd])

	frame[length-1] = EndPacket
	return frame
}

func putRecords(fram []byte, offset, slots, next int, records []RawRecord) {
	for i, r := range records {
		if i >= slots {
			return
		}
		slot := ((next-1-i)%slots + slots) % slots
		rec := fram[offset+slot*recordStride : offset+(slot+1)*recordStride]
		rec[0] = byte(r.Raw)
		rec[1] = byte(r.Raw>>8) & 0x1F
		rec[3] = byte(r.Temperature)
		rec[4] = byte(r.Temperature>>8) & 0x3F
	}
}
