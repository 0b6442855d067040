package miaomiao

import "math/bits"

const crcPoly = 0x8408

// CRC16 computes the sensor memory checksum over data.
// CRC-CCITT in reflected form, seed 0xFFFF, with the result bit reversed.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ crcPoly
			} else {
				crc >>= 1
			}
		}
	}
	return bits.Reverse16(crc)
}

// regionValid checks a FRAM region whose first two bytes hold the checksum of the rest
func regionValid(region []byte) bool {
	if len(region) < 3 {
		return false
	}
	stored := uint16(region[0]) | uint16(region[1])<<8
	return stored == CRC16(region[2:])
}

// sealRegion writes the checksum of region[2:] into region[0:2]
func sealRegion(region []byte) {
	crc := CRC16(region[2:])
	region[0] = byte(crc)
	region[1] = byte(crc >> 8)
}

// FRAMValid reports whether the header, body and footer checksums all match
func FRAMValid(fram []byte) bool {
	if len(fram) < FRAMSize {
		return false
	}
	return regionValid(fram[framHeaderStart:framHeaderEnd]) &&
		regionValid(fram[framBodyStart:framBodyEnd]) &&
		regionValid(fram[framFooterStart:framFooterEnd])
}
