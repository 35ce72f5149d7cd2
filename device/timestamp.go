package device

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Packed timestamp layout (all UTC):
//
//	0-1  year, big endian
//	2    month, 1-12 (0 is read as January)
//	3    day of month
//	4    weekday, 1 = Sunday
//	5    hour
//	6    minute
//	7    second
//	8-11 sub-second part in 100ns ticks, big endian

const ticksPerMilli = 10000

// DecodeTimestamp unpacks a 12-byte timestamp into epoch milliseconds.
// The weekday byte is ignored.
func DecodeTimestamp(b []byte) int64 {
	year := int(binary.BigEndian.Uint16(b[0:2]))
	month := time.Month(b[2])
	if month == 0 {
		month = time.January
	}
	ticks := binary.BigEndian.Uint32(b[8:12])
	ms := int64((uint64(ticks) + ticksPerMilli/2) / ticksPerMilli)

	t := time.Date(year, month, int(b[3]), int(b[5]), int(b[6]), int(b[7]), 0, time.UTC)
	return t.UnixMilli() + ms
}

// EncodeTimestamp packs epoch milliseconds into the 12-byte timestamp layout.
// Years outside the two-byte year field are rejected.
func EncodeTimestamp(ms int64) ([]byte, error) {
	t := time.UnixMilli(ms).UTC()
	if t.Year() < 0 || t.Year() > 0xFFFF {
		return nil, fmt.Errorf("%w: timestamp year %d out of range", ErrValidation, t.Year())
	}
	b := make([]byte, TimestampLength)
	binary.BigEndian.PutUint16(b[0:2], uint16(t.Year()))
	b[2] = byte(t.Month())
	b[3] = byte(t.Day())
	b[4] = byte(t.Weekday()) + 1
	b[5] = byte(t.Hour())
	b[6] = byte(t.Minute())
	b[7] = byte(t.Second())
	binary.BigEndian.PutUint32(b[8:12], uint32(t.Nanosecond()/int(time.Millisecond))*ticksPerMilli)
	return b, nil
}
