package awq

import (
	"fmt"

	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/tensor"
)

// forward runs m over x in sub-batches of NParallelCalibSamples samples and
// stacks the outputs. Token-wise modules see arbitrary row counts (expert
// inputs hold only routed tokens), so only a mask forces sample alignment.
func (q *Quantizer) forward(m nn.Module, x *tensor.Mat, kw nn.Kwargs) (*tensor.Mat, error) {
	kw = nn.Sanitize(kw, m)
	n := q.cfg.NParallelCalibSamples
	if n <= 0 || q.seqLen <= 0 || x.R <= n*q.seqLen {
		return m.Forward(x, kw)
	}
	step := n * q.seqLen
	mask := kw.Mask()
	if mask != nil && x.R%q.seqLen != 0 {
		return nil, fmt.Errorf("awq: %d rows are not whole samples of %d tokens", x.R, q.seqLen)
	}
	parts := make([]*tensor.Mat, 0, (x.R+step-1)/step)
	for start := 0; start < x.R; start += step {
		end := min(start+step, x.R)
		sub := kw
		if mask != nil {
			sub = kw.Clone()
			sub[nn.KwAttentionMask] = mask.SliceRows(start/q.seqLen, end/q.seqLen)
		}
		out, err := m.Forward(x.SliceRows(start, end), sub)
		if err != nil {
			return nil, err
		}
		parts = append(parts, out)
	}
	return tensor.ConcatRows(parts...), nil
}
