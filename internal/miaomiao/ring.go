package miaomiao

import "fmt"

// Record is one 6-byte measurement slot
type Record [recordStride]byte

// Raw returns the 13-bit ADC value
func (r Record) Raw() uint16 {
	return uint16(r[1]&0x1F)<<8 | uint16(r[0])
}

// Temperature returns the 14-bit raw temperature
func (r Record) Temperature() uint16 {
	return uint16(r[4]&0x3F)<<8 | uint16(r[3])
}

// Ring is a fixed-size circular buffer of records inside the sensor memory.
// Indices are validated once in newRing; accessors never do offset arithmetic.
type Ring struct {
	records []Record
	next    int // Slot the sensor writes next; the newest record sits just before it
}

func newRing(fram []byte, offset, slots, next int) (Ring, error) {
	if next < 0 || next >= slots {
		return Ring{}, fmt.Errorf("ring index %d out of range [0,%d)", next, slots)
	}
	end := offset + slots*recordStride
	if offset < 0 || end > len(fram) {
		return Ring{}, fmt.Errorf("ring [%d,%d) exceeds memory of %d bytes", offset, end, len(fram))
	}

	records := make([]Record, slots)
	for i := range records {
		copy(records[i][:], fram[offset+i*recordStride:])
	}
	return Ring{records: records, next: next}, nil
}

// Len returns the number of slots
func (r Ring) Len() int {
	return len(r.records)
}

// Newest returns the i-th newest record, 0 being the most recent
func (r Ring) Newest(i int) (Record, bool) {
	n := len(r.records)
	if i < 0 || i >= n {
		return Record{}, false
	}
	slot := ((r.next-1-i)%n + n) % n
	return r.records[slot], true
}
