package storage

import (
	"database/sql/driver"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/untoldecay/hive/internal/types"
)

// VectorDim is the fixed embedding dimension carried by vector columns.
const VectorDim = 1024

// VectorBytes is the on-disk size of one vector: 1024 little-endian
// 32-bit floats.
const VectorBytes = VectorDim * 4

// Vector is a fixed-dimension embedding stored as a packed float blob.
// A nil Vector writes SQL NULL.
type Vector []float32

// Value packs the vector into a 4096-byte little-endian blob.
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	if len(v) != VectorDim {
		return nil, fmt.Errorf("%w: vector has %d dims, want %d", types.ErrInvalid, len(v), VectorDim)
	}
	buf := make([]byte, VectorBytes)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf, nil
}

// Scan unpacks a blob written by Value. NULL scans to a nil vector.
func (v *Vector) Scan(src interface{}) error {
	if src == nil {
		*v = nil
		return nil
	}
	buf, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("%w: vector column holds %T, want blob", types.ErrInternal, src)
	}
	if len(buf) != VectorBytes {
		return fmt.Errorf("%w: vector blob is %d bytes, want %d", types.ErrInternal, len(buf), VectorBytes)
	}
	out := make(Vector, VectorDim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	*v = out
	return nil
}

// CosineSimilarity returns 1 - cosine distance between two vectors of equal
// dimension. Zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
