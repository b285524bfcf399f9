package awq

import (
	"testing"

	"github.com/samcharles93/awq/internal/quant"
	"github.com/samcharles93/awq/internal/tensor"
)

func TestSkipClip(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"self_attn.q_proj":              true,
		"self_attn.k_proj":              true,
		"attention.self.query":          true,
		"attention.self.key":            true,
		"attn.Wqkv":                     true,
		"self_attn.v_proj":              false,
		"self_attn.o_proj":              false,
		"mlp.down_proj":                 false,
		"attention.output.dense":        false,
		"block_sparse_moe.experts.0.w1": false,
		"block_sparse_moe.experts.3.w2": false,
		"block_sparse_moe.gate":         false,
		"q_proj":                        true,
		"attention.self.keys_norm":      false,
	}
	for name, want := range cases {
		if got := skipClip(name); got != want {
			t.Errorf("skipClip(%q) = %v, want %v", name, got, want)
		}
	}
}

// clipErr is the per (row, group) partial output error of w clamped to
// maxVal and pseudo-quantized, over the same token subsample bestClip uses.
func clipErr(t *testing.T, w, x, maxVal *tensor.Mat, c quant.Config) []float64 {
	t.Helper()
	cw := w.Clone()
	gl := w.C / maxVal.C
	for i := 0; i < cw.R; i++ {
		row, b := cw.Row(i), maxVal.Row(i)
		for j, v := range row {
			row[j] = min(max(v, -b[j/gl]), b[j/gl])
		}
	}
	qw, _, err := c.PseudoQuantize(cw)
	if err != nil {
		t.Fatal(err)
	}
	step := max(1, x.R/clipTokens)
	out := make([]float64, w.R*maxVal.C)
	for o := 0; o < w.R; o++ {
		for g := 0; g < maxVal.C; g++ {
			n := 0
			for tok := 0; tok < x.R; tok += step {
				xs := x.Row(tok)[g*gl : (g+1)*gl]
				d := dot(xs, qw.Row(o)[g*gl:(g+1)*gl]) - dot(xs, w.Row(o)[g*gl:(g+1)*gl])
				out[o*maxVal.C+g] += d * d
				n++
			}
			out[o*maxVal.C+g] /= float64(n)
		}
	}
	return out
}

func TestBestClipNeverWorseThanUnclipped(t *testing.T) {
	t.Parallel()
	c := quant.Config{Bits: 3, GroupSize: 16, ZeroPoint: true}
	w := randMat(70, 32, 11, 1)
	// A few large weights make clipping worthwhile.
	w.Row(3)[5] = 6
	w.Row(40)[20] = -5
	x := randMat(1100, 32, 12, 1)

	best, err := bestClip(w, x, c)
	if err != nil {
		t.Fatal(err)
	}
	if best.R != 70 || best.C != 2 {
		t.Fatalf("bounds %dx%d", best.R, best.C)
	}
	orig := tensor.NewMat(70, 2)
	for o := 0; o < w.R; o++ {
		for g := 0; g < 2; g++ {
			var m float32
			for _, v := range w.Row(o)[g*16 : (g+1)*16] {
				m = max(m, v, -v)
			}
			orig.Row(o)[g] = m
			if b := best.Row(o)[g]; b > m || b < m/2-1e-6 {
				t.Fatalf("bound %v outside [%v, %v]", b, m/2, m)
			}
		}
	}
	got := clipErr(t, w, x, best, c)
	base := clipErr(t, w, x, orig, c)
	for i := range got {
		if got[i] > base[i]*(1+1e-9) {
			t.Fatalf("cell %d: clipped error %g above unclipped %g", i, got[i], base[i])
		}
	}
}

func TestBestClipRejectsWidthMismatch(t *testing.T) {
	t.Parallel()
	c := quant.Config{Bits: 4, GroupSize: 16}
	if _, err := bestClip(randMat(4, 32, 1, 1), randMat(8, 16, 2, 1), c); err == nil {
		t.Fatal("expected error")
	}
}
