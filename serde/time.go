package serde

import (
	"encoding/binary"
	"fmt"
	"time"
)

// TimeSerializer encodes a time.Time as big-endian unix nanoseconds. The
// encoding sorts chronologically, which matters for ranged store scans.
var TimeSerializer = func(data time.Time) ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(data.UnixNano()))
	return buf, nil
}

var TimeDeserializer = func(data []byte) (time.Time, error) {
	if len(data) != 8 {
		return time.Time{}, fmt.Errorf("time deserialization requires exactly 8 bytes, got %d", len(data))
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(data))).UTC(), nil
}

var Time = Serde[time.Time]{
	Serializer:   TimeSerializer,
	Deserializer: TimeDeserializer,
}
