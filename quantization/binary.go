package quantization

import (
	"math/bits"
)

// BinaryVector stores one sign bit per dimension, packed little-endian into
// ceil(D/8) bytes. It supports cheap coarse filtering via Hamming distance.
type BinaryVector []byte

// Binarize converts a float32 vector to its sign sketch. Dimension i maps to
// bit i%8 of byte i/8, set when v[i] >= 0.
func Binarize(v []float32) BinaryVector {
	out := make(BinaryVector, (len(v)+7)/8)
	for i, x := range v {
		if x >= 0 {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// BinarizeQuantized derives the sign sketch from an affine-quantized vector.
// The sign of a dequantized dimension is the sign of data[i]*scale + offset.
func BinarizeQuantized(q *QuantizedVector) BinaryVector {
	out := make(BinaryVector, (len(q.Data)+7)/8)
	for i, b := range q.Data {
		if float32(b)*q.Scale+q.Offset >= 0 {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// Hamming counts differing bits between two sketches, eight bytes at a time
// so the compiler can emit POPCNT.
func Hamming(a, b BinaryVector) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var dist int
	i := 0
	for ; i+8 <= n; i += 8 {
		x := uint64(a[i]) | uint64(a[i+1])<<8 | uint64(a[i+2])<<16 | uint64(a[i+3])<<24 |
			uint64(a[i+4])<<32 | uint64(a[i+5])<<40 | uint64(a[i+6])<<48 | uint64(a[i+7])<<56
		y := uint64(b[i]) | uint64(b[i+1])<<8 | uint64(b[i+2])<<16 | uint64(b[i+3])<<24 |
			uint64(b[i+4])<<32 | uint64(b[i+5])<<40 | uint64(b[i+6])<<48 | uint64(b[i+7])<<56
		dist += bits.OnesCount64(x ^ y)
	}
	for ; i < n; i++ {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	return dist
}

// HammingSimilarity maps Hamming distance to a similarity in [0, 1]:
// 1 - hamming/dimension.
func HammingSimilarity(a, b BinaryVector, dimension int) float32 {
	if dimension == 0 {
		return 0
	}
	return 1 - float32(Hamming(a, b))/float32(dimension)
}
