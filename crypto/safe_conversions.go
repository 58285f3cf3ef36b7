package crypto

import (
	"fmt"
	"math"
)

// SafeUint64ToInt64 safely converts a uint64 to an int64, checking for
// overflow. Storage persists byte counters and millisecond timestamps as
// SQLite INTEGER (signed 64-bit) columns, so every counter crossing that
// boundary goes through here rather than a silent cast.
func SafeUint64ToInt64(val uint64) (int64, error) {
	if val > math.MaxInt64 {
		return 0, fmt.Errorf("uint64 value exceeds int64 max: %d (max: %d)", val, math.MaxInt64)
	}
	return int64(val), nil
}

// SafeInt64ToUint64 safely converts an int64 read back from storage to a
// uint64 byte counter, rejecting negative values.
func SafeInt64ToUint64(val int64) (uint64, error) {
	if val < 0 {
		return 0, fmt.Errorf("cannot convert negative int64 to uint64: %d", val)
	}
	return uint64(val), nil
}
