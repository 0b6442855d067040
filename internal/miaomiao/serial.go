package miaomiao

import (
	"strings"

	"github.com/google/uuid"
)

const serialAlphabet = "0123456789ACDEFGHJKLMNPQRTUVWXYZ"

// SerialNumber renders the printed sensor serial from its 8-byte UID.
// The UID is stored little-endian; the two top bytes are a fixed manufacturer tag.
func SerialNumber(uid []byte) string {
	if len(uid) != uidLength {
		return ""
	}

	// 48 significant bits, big-endian, padded to 50 with two leading zero bits
	var v uint64
	for i := 5; i >= 0; i-- {
		v = v<<8 | uint64(uid[i])
	}

	var sb strings.Builder
	sb.WriteByte('0')
	for i := 9; i >= 0; i-- {
		sb.WriteByte(serialAlphabet[(v>>(uint(i)*5))&0x1F])
	}
	return sb.String()
}

// SensorID returns a stable identifier for the sensor, used as a storage partition key
func SensorID(uid []byte) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, uid)
}
