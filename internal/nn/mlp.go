package nn

import (
	"fmt"
	"math"

	"github.com/samcharles93/awq/internal/tensor"
)

// GatedMLP is the SwiGLU feed-forward: Down(act(Gate x) * Up x).
type GatedMLP struct {
	Gate, Up, Down *Linear
	Act            Activation
}

func (m *GatedMLP) ForwardArgs() []string { return nil }

func (m *GatedMLP) Forward(x *tensor.Mat, _ Kwargs) (*tensor.Mat, error) {
	return gated(m.Gate, m.Up, m.Down, m.Act, x)
}

func (m *GatedMLP) Linears() []*Linear { return []*Linear{m.Gate, m.Up, m.Down} }

func gated(gate, up, down *Linear, act Activation, x *tensor.Mat) (*tensor.Mat, error) {
	g, err := gate.Forward(x, nil)
	if err != nil {
		return nil, err
	}
	u, err := up.Forward(x, nil)
	if err != nil {
		return nil, err
	}
	for i := 0; i < g.R; i++ {
		gr, ur := g.Row(i), u.Row(i)
		for j := range gr {
			gr[j] = act.apply(gr[j]) * ur[j]
		}
	}
	return down.Forward(g, nil)
}

// Expert is one feed-forward of a sparse mixture: W2(act(W1 x) * W3 x).
type Expert struct {
	W1, W2, W3 *Linear
}

func (e *Expert) Forward(x *tensor.Mat) (*tensor.Mat, error) {
	return gated(e.W1, e.W3, e.W2, ActSilu, x)
}

// SparseMoE routes every token to its TopK experts and mixes their outputs
// with the renormalised router probabilities. Experts are only called with
// the tokens routed to them.
type SparseMoE struct {
	observers

	Router  *Linear
	Experts []*Expert
	TopK    int
}

func (m *SparseMoE) ForwardArgs() []string { return nil }

func (m *SparseMoE) Forward(x *tensor.Mat, _ Kwargs) (*tensor.Mat, error) {
	m.notify(x)
	if m.TopK <= 0 || m.TopK > len(m.Experts) {
		return nil, fmt.Errorf("nn: top-k %d out of range for %d experts", m.TopK, len(m.Experts))
	}
	logits, err := m.Router.Forward(x, nil)
	if err != nil {
		return nil, err
	}

	rows := make([][]int, len(m.Experts))
	weights := make([][]float32, len(m.Experts))
	for t := 0; t < x.R; t++ {
		p := logits.Row(t)
		tensor.Softmax(p)
		idx := topK(p, m.TopK)
		var denom float32
		for _, e := range idx {
			denom += p[e]
		}
		if denom == 0 {
			denom = 1
		}
		for _, e := range idx {
			rows[e] = append(rows[e], t)
			weights[e] = append(weights[e], p[e]/denom)
		}
	}

	out := tensor.NewMat(x.R, x.C)
	for e, expert := range m.Experts {
		if len(rows[e]) == 0 {
			continue
		}
		sub := tensor.NewMat(len(rows[e]), x.C)
		for i, t := range rows[e] {
			copy(sub.Row(i), x.Row(t))
		}
		y, err := expert.Forward(sub)
		if err != nil {
			return nil, err
		}
		for i, t := range rows[e] {
			dst, src, w := out.Row(t), y.Row(i), weights[e][i]
			for j := range dst {
				dst[j] += w * src[j]
			}
		}
	}
	return out, nil
}

func (m *SparseMoE) Linears() []*Linear {
	out := []*Linear{m.Router}
	for _, e := range m.Experts {
		out = append(out, e.W1, e.W2, e.W3)
	}
	return out
}

// topK returns the indices of the k largest scores, ties going to the lower
// index.
func topK(scores []float32, k int) []int {
	idx := make([]int, 0, k)
	used := make([]bool, len(scores))
	for len(idx) < k {
		best := -1
		bestScore := float32(math.Inf(-1))
		for i, s := range scores {
			if used[i] {
				continue
			}
			if best == -1 || s > bestScore {
				best, bestScore = i, s
			}
		}
		used[best] = true
		idx = append(idx, best)
	}
	return idx
}
