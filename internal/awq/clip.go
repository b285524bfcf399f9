package awq

import (
	"fmt"
	"math"
	"strings"

	"github.com/samcharles93/awq/internal/quant"
	"github.com/samcharles93/awq/internal/tensor"
)

const (
	clipGrid   = 20
	clipSteps  = 10 // shrink down to half the original range
	clipTokens = 512
)

// Query and key projections feed a softmax through a dot product; clipping
// them hurts more than it saves. Only the last path segment is matched, so
// container names such as block_sparse_moe do not count.
func skipClip(name string) bool {
	leaf := name[strings.LastIndexByte(name, '.')+1:]
	switch {
	case strings.HasPrefix(leaf, "q_"), strings.HasPrefix(leaf, "k_"):
		return true
	case leaf == "query", leaf == "key":
		return true
	}
	return strings.Contains(leaf, "Wqkv")
}

// bestClip searches, per output row and group of w, the symmetric threshold
// that minimises the mean squared error of the group's partial dot products
// over a token subsample of x once the weight is clipped and
// pseudo-quantized. The result is [rows x groups].
func bestClip(w, x *tensor.Mat, c quant.Config) (*tensor.Mat, error) {
	if x.C != w.C {
		return nil, fmt.Errorf("awq: clip input has %d channels, weight has %d", x.C, w.C)
	}
	gl, err := c.GroupLen(w.C)
	if err != nil {
		return nil, err
	}
	groups := w.C / gl

	step := max(1, x.R/clipTokens)
	var toks [][]float32
	for t := 0; t < x.R; t += step {
		toks = append(toks, x.Row(t))
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("awq: clip search over no tokens")
	}

	block := 64
	if w.R%256 == 0 {
		block = 256
	}
	out := tensor.NewMat(w.R, groups)
	for b0 := 0; b0 < w.R; b0 += block {
		b1 := min(b0+block, w.R)
		if err := clipBlock(w.SliceRows(b0, b1), toks, gl, c, out.SliceRows(b0, b1)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func clipBlock(w *tensor.Mat, toks [][]float32, gl int, c quant.Config, dst *tensor.Mat) error {
	groups := w.C / gl
	nt := len(toks)
	cell := func(o, g int) int { return o*groups + g }

	orgMax := make([]float64, w.R*groups)
	orgOut := make([]float64, w.R*groups*nt)
	for o := 0; o < w.R; o++ {
		row := w.Row(o)
		for g := 0; g < groups; g++ {
			seg := row[g*gl : (g+1)*gl]
			var m float64
			for _, v := range seg {
				m = math.Max(m, math.Abs(float64(v)))
			}
			orgMax[cell(o, g)] = m
			for t, x := range toks {
				orgOut[cell(o, g)*nt+t] = dot(x[g*gl:(g+1)*gl], seg)
			}
		}
	}

	minErr := make([]float64, len(orgMax))
	for i := range minErr {
		minErr[i] = 1e9
	}
	best := append([]float64(nil), orgMax...)
	cur := tensor.NewMat(w.R, w.C)
	for i := 0; i < clipSteps; i++ {
		shrink := 1 - float64(i)/clipGrid
		for o := 0; o < w.R; o++ {
			src, row := w.Row(o), cur.Row(o)
			for j, v := range src {
				m := float32(orgMax[cell(o, j/gl)] * shrink)
				row[j] = min(max(v, -m), m)
			}
		}
		qw, _, err := c.PseudoQuantize(cur)
		if err != nil {
			return err
		}
		for o := 0; o < w.R; o++ {
			row := qw.Row(o)
			for g := 0; g < groups; g++ {
				seg := row[g*gl : (g+1)*gl]
				var e float64
				for t, x := range toks {
					d := dot(x[g*gl:(g+1)*gl], seg) - orgOut[cell(o, g)*nt+t]
					e += d * d
				}
				e /= float64(nt)
				if e < minErr[cell(o, g)] {
					minErr[cell(o, g)] = e
					best[cell(o, g)] = orgMax[cell(o, g)] * shrink
				}
			}
		}
	}
	for o := 0; o < w.R; o++ {
		row := dst.Row(o)
		for g := range row {
			row[g] = float32(best[cell(o, g)])
		}
	}
	return nil
}

func dot(a, b []float32) float64 {
	var s float64
	for i, v := range a {
		s += float64(v) * float64(b[i])
	}
	return s
}
