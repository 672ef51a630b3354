// Package quantization provides the lossy vector codecs used by the index:
// an 8-bit affine quantizer with per-vector scale/offset and a 1-bit sign
// quantizer for coarse filtering.
package quantization

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/substratedb/recall/persistence"
)

// QuantizedVector is the 8-bit affine compression of a float32 vector.
// Each dimension is mapped to a signed byte such that
//
//	dequantized[i] = float32(Data[i])*Scale + Offset
//
// The reconstruction error per dimension is bounded by Scale/2.
// A QuantizedVector is immutable after creation.
type QuantizedVector struct {
	Data   []int8
	Scale  float32
	Offset float32
}

// quantSteps is the number of representable steps in [-127, 127].
const quantSteps = 254

// Quantize compresses v with per-vector affine quantization.
func Quantize(v []float32) *QuantizedVector {
	min, max := v[0], v[0]
	for _, x := range v[1:] {
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}

	scale := (max - min) / quantSteps
	offset := min + (max-min)/2

	q := &QuantizedVector{
		Data:   make([]int8, len(v)),
		Scale:  scale,
		Offset: offset,
	}

	if scale == 0 {
		// Constant vector: every dimension dequantizes to Offset exactly.
		return q
	}

	inv := 1 / scale
	for i, x := range v {
		s := math.Round(float64((x - offset) * inv))
		if s > 127 {
			s = 127
		} else if s < -127 {
			s = -127
		}
		q.Data[i] = int8(s)
	}

	return q
}

// Dequantize reconstructs the float32 vector.
func (q *QuantizedVector) Dequantize() []float32 {
	out := make([]float32, len(q.Data))
	for i, b := range q.Data {
		out[i] = float32(b)*q.Scale + q.Offset
	}
	return out
}

// Dimension returns the number of dimensions.
func (q *QuantizedVector) Dimension() int {
	return len(q.Data)
}

// CosineApprox computes cosine similarity directly on the int8 data, widened
// to 32-bit accumulators, without dequantizing. It tracks CosineExact within
// the quantization error bound and is the hot-path distance of the index.
func CosineApprox(a, b *QuantizedVector) float32 {
	var dot, normA, normB int64

	n := len(a.Data)
	if len(b.Data) < n {
		n = len(b.Data)
	}

	for i := 0; i < n; i++ {
		x := int32(a.Data[i])
		y := int32(b.Data[i])
		dot += int64(x * y)
		normA += int64(x * x)
		normB += int64(y * y)
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return float32(float64(dot) / (math.Sqrt(float64(normA)) * math.Sqrt(float64(normB))))
}

// CosineExact dequantizes both sides and computes cosine similarity in
// float32. It is the ground truth CosineApprox is validated against.
func CosineExact(a, b *QuantizedVector) float32 {
	return CosineFloat(a.Dequantize(), b.Dequantize())
}

// CosineFloat computes cosine similarity between two float32 vectors.
func CosineFloat(a, b []float32) float32 {
	var dot, normA, normB float64

	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	for i := 0; i < n; i++ {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// EncodedSize returns the serialized size of a quantized vector of the given
// dimension: one byte per dimension plus scale and offset.
func EncodedSize(dimension int) int {
	return dimension + 8
}

// AppendBinary appends the binary encoding (little-endian) to dst:
// D signed bytes followed by scale and offset as float32.
func (q *QuantizedVector) AppendBinary(dst []byte) []byte {
	for _, b := range q.Data {
		dst = append(dst, byte(b))
	}
	dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(q.Scale))
	dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(q.Offset))
	return dst
}

// DecodeQuantized parses a quantized vector of the given dimension from b.
func DecodeQuantized(b []byte, dimension int) (*QuantizedVector, error) {
	need := EncodedSize(dimension)
	if len(b) < need {
		return nil, fmt.Errorf("quantization: vector needs %d bytes, have %d: %w", need, len(b), persistence.ErrShortBuffer)
	}

	q := &QuantizedVector{Data: make([]int8, dimension)}
	for i := 0; i < dimension; i++ {
		q.Data[i] = int8(b[i])
	}
	q.Scale = math.Float32frombits(binary.LittleEndian.Uint32(b[dimension:]))
	q.Offset = math.Float32frombits(binary.LittleEndian.Uint32(b[dimension+4:]))
	return q, nil
}
