package variant

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Normalize centers samples on their mean and scales by the absolute peak
// to fill the int16 range. Values truncate toward zero.
func Normalize(samples []int32) []int16 {
	out := make([]int16, len(samples))
	if len(samples) == 0 {
		return out
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s)
	}
	mean := sum / float64(len(samples))

	var peak float64
	for _, s := range samples {
		if d := math.Abs(float64(s) - mean); d > peak {
			peak = d
		}
	}
	scale := 32767 / (peak + 1e-10)
	for i, s := range samples {
		out[i] = int16((float64(s) - mean) * scale)
	}
	return out
}

// Int16Bytes serializes samples as little-endian int16.
func Int16Bytes(samples []int16) []byte {
	b := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// BytesInt16 is the inverse of Int16Bytes.
func BytesInt16(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("int16 payload has odd length %d", len(b))
	}
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out, nil
}

// Int32Bytes serializes raw upstream samples as little-endian int32.
func Int32Bytes(samples []int32) []byte {
	b := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(s))
	}
	return b
}
