package tensor

import (
	"math"
	"testing"
)

func TestSliceRowsSharesStorage(t *testing.T) {
	t.Parallel()
	m := NewMatFromData(3, 2, []float32{1, 2, 3, 4, 5, 6})
	v := m.SliceRows(1, 3)
	if v.R != 2 || v.C != 2 {
		t.Fatalf("view shape = %dx%d, want 2x2", v.R, v.C)
	}
	v.Row(0)[0] = 30
	if m.Data[2] != 30 {
		t.Fatalf("write through view not visible in parent: %v", m.Data)
	}
	if got := m.SliceRows(2, 2); got.R != 0 {
		t.Fatalf("empty slice rows = %d", got.R)
	}
}

func TestConcatRowsPreservesOrder(t *testing.T) {
	t.Parallel()
	a := NewMatFromData(1, 2, []float32{1, 2})
	b := NewMatFromData(2, 2, []float32{3, 4, 5, 6})
	got := ConcatRows(a, b)
	want := []float32{1, 2, 3, 4, 5, 6}
	if got.R != 3 {
		t.Fatalf("rows = %d, want 3", got.R)
	}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Fatalf("data[%d] = %v, want %v", i, got.Data[i], want[i])
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	m := NewMatFromData(2, 2, []float32{1, 2, 3, 4})
	c := m.Clone()
	c.Data[0] = 99
	if m.Data[0] != 1 {
		t.Fatal("clone aliases original storage")
	}
}

func TestFillRandDeterministic(t *testing.T) {
	t.Parallel()
	a := NewMat(4, 4)
	b := NewMat(4, 4)
	FillRand(a, 7, 1)
	FillRand(b, 7, 1)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("FillRand not deterministic at %d", i)
		}
		if a.Data[i] <= -0.5 || a.Data[i] >= 0.5 {
			t.Fatalf("value %v outside range", a.Data[i])
		}
	}
}

func TestAllFinite(t *testing.T) {
	t.Parallel()
	m := NewMatFromData(1, 3, []float32{1, 2, 3})
	if !m.AllFinite() {
		t.Fatal("finite matrix reported non-finite")
	}
	m.Data[1] = float32(math.NaN())
	if m.AllFinite() {
		t.Fatal("NaN not detected")
	}
	m.Data[1] = float32(math.Inf(-1))
	if m.AllFinite() {
		t.Fatal("Inf not detected")
	}
}

func TestLinear(t *testing.T) {
	t.Parallel()
	x := NewMatFromData(2, 3, []float32{1, 2, 3, 4, 5, 6})
	w := NewMatFromData(2, 3, []float32{1, 0, 0, 0, 1, 1})
	y := Linear(x, w, []float32{0.5, -1})
	want := []float32{1.5, 4, 4.5, 10}
	for i := range want {
		if math.Abs(float64(y.Data[i]-want[i])) > 1e-6 {
			t.Fatalf("y[%d] = %v, want %v", i, y.Data[i], want[i])
		}
	}
}

func TestLayerNormZeroMeanUnitVariance(t *testing.T) {
	t.Parallel()
	src := []float32{1, 2, 3, 4}
	w := []float32{1, 1, 1, 1}
	dst := make([]float32, 4)
	LayerNorm(dst, src, w, nil, 1e-5)
	var mean, sq float64
	for _, v := range dst {
		mean += float64(v)
		sq += float64(v) * float64(v)
	}
	if math.Abs(mean) > 1e-5 {
		t.Fatalf("mean = %v, want 0", mean)
	}
	if math.Abs(sq/4-1) > 1e-3 {
		t.Fatalf("variance = %v, want 1", sq/4)
	}
}

func TestRoPEPreservesNorm(t *testing.T) {
	t.Parallel()
	x := []float32{1, 2, 3, 4}
	var before float32
	for _, v := range x {
		before += v * v
	}
	ApplyRoPE(x, 1, 4, 5, RoPEFreqs(4, 10000))
	var after float32
	for _, v := range x {
		after += v * v
	}
	if math.Abs(float64(before-after)) > 1e-4 {
		t.Fatalf("norm changed: %v -> %v", before, after)
	}
}
