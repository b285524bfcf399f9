package nn

import (
	"fmt"
	"math"

	"github.com/samcharles93/awq/internal/tensor"
)

// maskedScore stands in for -inf so a fully masked row degrades to a uniform
// distribution instead of NaN.
const maskedScore = -math.MaxFloat32

// Attention is multi-head (optionally grouped-query) scaled dot-product
// attention. O may be nil, in which case Forward returns the concatenated
// head outputs and the output projection lives in the owning block.
type Attention struct {
	Q, K, V, O *Linear

	Heads   int
	KVHeads int
	HeadDim int

	// Causal restricts every query to earlier positions.
	Causal bool
	// RopeTheta enables rotary position embeddings when > 0.
	RopeTheta float64
	// InvFreq overrides the rotary frequencies derived from RopeTheta, for
	// checkpoints that rescale them for longer contexts.
	InvFreq []float64
	// RopeAttnFactor multiplies the rotated queries and keys. Zero means 1.
	RopeAttnFactor float32

	invFreq []float64
}

func (a *Attention) ForwardArgs() []string {
	return []string{KwAttentionMask, KwPositionIDs}
}

func (a *Attention) Forward(x *tensor.Mat, kw Kwargs) (*tensor.Mat, error) {
	seq, ok := kw.SeqLen()
	if !ok {
		seq = x.R
	}
	if seq == 0 || x.R%seq != 0 {
		return nil, fmt.Errorf("nn: attention input of %d rows is not a multiple of seq len %d", x.R, seq)
	}
	batch := x.R / seq
	mask := kw.Mask()
	if mask != nil && mask.R != batch {
		return nil, fmt.Errorf("nn: attention mask has %d rows for batch %d", mask.R, batch)
	}
	pos := kw.Positions()
	if a.KVHeads <= 0 || a.Heads%a.KVHeads != 0 {
		return nil, fmt.Errorf("nn: %d heads not divisible by %d kv heads", a.Heads, a.KVHeads)
	}

	q, err := a.Q.Forward(x, nil)
	if err != nil {
		return nil, err
	}
	k, err := a.K.Forward(x, nil)
	if err != nil {
		return nil, err
	}
	v, err := a.V.Forward(x, nil)
	if err != nil {
		return nil, err
	}
	if q.C != a.Heads*a.HeadDim || k.C != a.KVHeads*a.HeadDim || v.C != k.C {
		return nil, fmt.Errorf("nn: attention projections do not match %d/%d heads of dim %d", a.Heads, a.KVHeads, a.HeadDim)
	}

	if a.invFreq == nil {
		switch {
		case a.InvFreq != nil:
			a.invFreq = a.InvFreq
		case a.RopeTheta > 0:
			a.invFreq = tensor.RoPEFreqs(a.HeadDim, a.RopeTheta)
		}
	}

	hd := a.HeadDim
	group := a.Heads / a.KVHeads
	scale := float32(1 / math.Sqrt(float64(hd)))
	ctx := tensor.NewMat(x.R, a.Heads*hd)
	scores := make([]float32, seq)

	for b := 0; b < batch; b++ {
		base := b * seq
		if a.invFreq != nil {
			for t := 0; t < seq; t++ {
				p := t
				if pos != nil {
					p = pos[t]
				}
				tensor.ApplyRoPE(q.Row(base+t), a.Heads, hd, p, a.invFreq)
				tensor.ApplyRoPE(k.Row(base+t), a.KVHeads, hd, p, a.invFreq)
				if f := a.RopeAttnFactor; f != 0 && f != 1 {
					scaleRow(q.Row(base+t), f)
					scaleRow(k.Row(base+t), f)
				}
			}
		}
		var keep []float32
		if mask != nil {
			keep = mask.Row(b)
		}
		for h := 0; h < a.Heads; h++ {
			kv := (h / group) * hd
			for t := 0; t < seq; t++ {
				qv := q.Row(base + t)[h*hd : (h+1)*hd]
				n := seq
				if a.Causal {
					n = t + 1
				}
				for s := 0; s < n; s++ {
					if keep != nil && keep[s] == 0 {
						scores[s] = maskedScore
						continue
					}
					scores[s] = tensor.Dot(qv, k.Row(base + s)[kv:kv+hd]) * scale
				}
				tensor.Softmax(scores[:n])
				out := ctx.Row(base + t)[h*hd : (h+1)*hd]
				for s := 0; s < n; s++ {
					w := scores[s]
					vv := v.Row(base + s)[kv : kv+hd]
					for d := range out {
						out[d] += w * vv[d]
					}
				}
			}
		}
	}

	if a.O == nil {
		return ctx, nil
	}
	return a.O.Forward(ctx, nil)
}

// Linears returns the projections in execution order.
func (a *Attention) Linears() []*Linear {
	out := []*Linear{a.Q, a.K, a.V}
	if a.O != nil {
		out = append(out, a.O)
	}
	return out
}

func scaleRow(row []float32, f float32) {
	for i := range row {
		row[i] *= f
	}
}
