/*
Package bitint provides integer helpers for sizing real-time audio buffers:
power-of-two rounding for ring capacities and frame alignment for byte
counts. All functions are allocation-free and constant time so they may be
called from audio callbacks.

Usage:

	// Round one second of 48 kHz audio up to a power of two frame count
	frames := bitint.NextPowerOfTwo(48000) // 65536

	// Only move whole 8-byte stereo float32 frames
	n := bitint.AlignDown(available, 8)
*/
package bitint

import "math/bits"

// NextPowerOfTwo returns the next power of 2 >= size.
//
// The subtraction of 1 keeps exact powers of two unchanged: for 8,
// bits.Len(7) = 3 and 1<<3 = 8, whereas bits.Len(8) = 4 would double it.
//
//	Input  Output
//	4      4
//	5      8
//	0      1
//	-1     1
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

// IsPowerOfTwo checks if n is a power of 2. Powers of two have exactly one
// bit set, so n&(n-1) clears it to zero.
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}

// AlignDown rounds n down to a multiple of align. A non-positive align
// returns n unchanged.
func AlignDown(n, align int) int {
	if align <= 1 {
		return n
	}
	if IsPowerOfTwo(align) {
		return n &^ (align - 1)
	}
	return n - n%align
}
