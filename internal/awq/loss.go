package awq

import (
	"fmt"
	"math"

	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/quant"
	"github.com/samcharles93/awq/internal/tensor"
)

const f32Size = 4

// MSE returns the mean squared difference of a and b. Elements are visited in
// chunks covering at most maxChunkMemory bytes of both operands; each chunk
// is summed separately and the partial sums are accumulated in float64, so
// the result does not depend on the chunk size beyond rounding.
func MSE(a, b *tensor.Mat, maxChunkMemory int64) (float64, error) {
	if a.R != b.R || a.C != b.C {
		return 0, fmt.Errorf("awq: loss over %dx%d and %dx%d", a.R, a.C, b.R, b.C)
	}
	n := a.Len()
	if n == 0 {
		return 0, fmt.Errorf("awq: loss over empty output")
	}
	chunk := int(max(1, maxChunkMemory/(2*f32Size)))
	fa, fb := a.Flat(), b.Flat()
	var total float64
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		var part float64
		for i := start; i < end; i++ {
			d := float64(fa[i]) - float64(fb[i])
			part += d * d
		}
		total += part
	}
	return total / float64(n), nil
}

// ChannelMeanAbs returns the mean absolute value of every column of x, summed
// over row chunks bounded by maxChunkMemory.
func ChannelMeanAbs(x *tensor.Mat, maxChunkMemory int64) []float64 {
	out := make([]float64, x.C)
	if x.R == 0 {
		return out
	}
	rows := int(max(1, maxChunkMemory/int64(2*f32Size*max(1, x.C))))
	part := make([]float64, x.C)
	for start := 0; start < x.R; start += rows {
		clear(part)
		for i := start; i < min(start+rows, x.R); i++ {
			for j, v := range x.Row(i) {
				part[j] += math.Abs(float64(v))
			}
		}
		for j, v := range part {
			out[j] += v
		}
	}
	for j := range out {
		out[j] /= float64(x.R)
	}
	return out
}

// WeightMeanScale returns, per input column, the mean over every output row
// of the group-normalised magnitude |w| / (max|w| in its group + 1e-6). The
// rows of all layers are pooled.
func WeightMeanScale(layers []*nn.Linear, c quant.Config) ([]float64, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("awq: weight statistic over no layers")
	}
	cols := layers[0].In()
	out := make([]float64, cols)
	gl, err := c.GroupLen(cols)
	if err != nil {
		return nil, err
	}
	rows := 0
	for _, l := range layers {
		if l.Weight == nil {
			return nil, fmt.Errorf("%w: %s", nn.ErrQuantized, l.Name)
		}
		if l.Weight.C != cols {
			return nil, fmt.Errorf("awq: %s has %d inputs, group expects %d", l.Name, l.Weight.C, cols)
		}
		for i := 0; i < l.Weight.R; i++ {
			row := l.Weight.Row(i)
			for g := 0; g < cols; g += gl {
				seg := row[g : g+gl]
				var mx float64
				for _, v := range seg {
					mx = math.Max(mx, math.Abs(float64(v)))
				}
				mx += 1e-6
				for j, v := range seg {
					out[g+j] += math.Abs(float64(v)) / mx
				}
			}
		}
		rows += l.Weight.R
	}
	for j := range out {
		out[j] /= float64(rows)
	}
	return out, nil
}
