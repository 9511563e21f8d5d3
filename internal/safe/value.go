// Package safe holds small guarded conversions and file reads.
package safe

import "math"

// Uint64ToInt64 converts a hit count for storage in a signed column, clamping at
// math.MaxInt64. The boolean reports whether clamping occurred.
func Uint64ToInt64(val uint64) (int64, bool) {
	if val > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(val), false
}

// Int64ToUint64 converts a stored count back, mapping negative values to zero.
func Int64ToUint64(val int64) uint64 {
	if val < 0 {
		return 0
	}
	return uint64(val)
}
