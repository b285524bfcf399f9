package tensor

import (
	"math"
	"math/rand"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively.  Stride is the
// number of elements between the starts of two consecutive rows (for row‑major
// matrices this is equal to C).  Data holds the flattened matrix values.
//
// Activations use the same type: one row per token, batch samples stacked
// one after another.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised.  The stride is set to the
// number of columns.
func NewMat(r, c int) *Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return &Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) *Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return &Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Row returns a view of the i‑th row of the matrix as a slice.  The slice
// has length equal to the number of columns.  Modifications to the returned
// slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Len returns the number of logical elements (R*C).
func (m *Mat) Len() int { return m.R * m.C }

// Clone returns a compact deep copy of m.
func (m *Mat) Clone() *Mat {
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// SliceRows returns a view over rows [start, end). The view shares storage
// with m.
func (m *Mat) SliceRows(start, end int) *Mat {
	if start < 0 || end > m.R || start > end {
		panic("row slice out of range")
	}
	if start == end {
		return &Mat{R: 0, C: m.C, Stride: m.Stride}
	}
	return &Mat{
		R:      end - start,
		C:      m.C,
		Stride: m.Stride,
		Data:   m.Data[start*m.Stride : (end-1)*m.Stride+m.C],
	}
}

// ConcatRows stacks matrices with the same column count into one compact
// matrix, preserving order.
func ConcatRows(parts ...*Mat) *Mat {
	if len(parts) == 0 {
		return NewMat(0, 0)
	}
	c := parts[0].C
	rows := 0
	for _, p := range parts {
		if p.C != c {
			panic("column mismatch in ConcatRows")
		}
		rows += p.R
	}
	out := NewMat(rows, c)
	off := 0
	for _, p := range parts {
		for i := 0; i < p.R; i++ {
			copy(out.Row(off+i), p.Row(i))
		}
		off += p.R
	}
	return out
}

// Flat returns the elements of m in row-major order. For compact matrices
// this is Data itself; strided views are copied.
func (m *Mat) Flat() []float32 {
	if m.Stride == m.C {
		return m.Data[:m.R*m.C]
	}
	return m.Clone().Data
}

// AllFinite reports whether every element of m is neither NaN nor ±Inf.
func (m *Mat) AllFinite() bool {
	for i := 0; i < m.R; i++ {
		for _, v := range m.Row(i) {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return false
			}
		}
	}
	return true
}

// FillRand fills the matrix with reproducible pseudo‑random values in
// (-scale/2, scale/2).  Multiple calls with the same seed produce identical
// matrices.
func FillRand(m *Mat, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j := range row {
			row[j] = (rng.Float32() - 0.5) * scale
		}
	}
}
