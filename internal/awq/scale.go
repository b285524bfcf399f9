package awq

import (
	"fmt"
	"math"

	"github.com/samcharles93/awq/internal/model"
	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/quant"
	"github.com/samcharles93/awq/internal/tensor"
)

// gridSize is the number of ratios tried by the scale search: 0, 1/n, ...
const gridSize = 20

// ScaleResult is the outcome of the search over one scaling group.
type ScaleResult struct {
	Prev    string    `json:"prev_op"`
	Layers  []string  `json:"layers"`
	Scales  []float32 `json:"-"`
	Ratio   float64   `json:"ratio"`
	Loss    float64   `json:"loss"`
	History []float64 `json:"-"`
}

// searchBestScale grid searches the exponent ratio that minimises the output
// error of the group's inspected module once its linears are pseudo-quantized
// with the candidate scale folded in. The true weights are never modified.
func (q *Quantizer) searchBestScale(g *model.ScalingGroup) (*ScaleResult, error) {
	if len(g.Layers) == 0 || g.Input == nil {
		return nil, fmt.Errorf("%w: group %s has no layers or input", ErrAdapter, g.PrevName)
	}
	mod := g.Module()
	kw := g.Kwargs.Without(nn.KwUseCache)

	wMean, err := WeightMeanScale(g.Layers, q.cfg.Config)
	if err != nil {
		return nil, err
	}
	xMean := ChannelMeanAbs(g.Input, q.cfg.MaxChunkMemory)
	if len(xMean) != len(wMean) {
		return nil, fmt.Errorf("%w: group %s input has %d channels, linears expect %d", ErrAdapter, g.PrevName, len(xMean), len(wMean))
	}

	ref, err := q.forward(mod, g.Input, kw)
	if err != nil {
		return nil, err
	}
	if !ref.AllFinite() {
		return nil, fmt.Errorf("%w: reference output of %s", ErrNumeric, g.PrevName)
	}

	res := &ScaleResult{Prev: g.PrevName, Loss: math.Inf(1), Ratio: -1}
	for _, l := range g.Layers {
		res.Layers = append(res.Layers, l.Name)
	}
	for k := 0; k < gridSize; k++ {
		ratio := float64(k) / gridSize
		s := candidateScale(xMean, wMean, ratio, q.cfg.DuoScaling)
		trials := make(map[*nn.Linear]*tensor.Mat, len(g.Layers))
		for _, l := range g.Layers {
			tw, err := scaledTrial(l.Weight, s, q.cfg.Config)
			if err != nil {
				return nil, err
			}
			trials[l] = tw
		}
		var out *tensor.Mat
		err := nn.WithTrialWeights(trials, func() error {
			var err error
			out, err = q.forward(mod, g.Input, kw)
			return err
		})
		if err != nil {
			return nil, err
		}
		loss, err := MSE(ref, out, q.cfg.MaxChunkMemory)
		if err != nil {
			return nil, err
		}
		res.History = append(res.History, loss)
		// NaN never compares less, so a non-finite loss is never selected.
		if loss < res.Loss {
			res.Loss, res.Ratio, res.Scales = loss, ratio, s
		}
	}
	if res.Ratio < 0 {
		q.log.Error("scale search failed", "group", g.PrevName, "history", res.History)
		return nil, fmt.Errorf("%w: group %s over %d ratios", ErrSearchFailure, g.PrevName, gridSize)
	}
	for _, v := range res.Scales {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: scales of %s", ErrNumeric, g.PrevName)
		}
	}
	return res, nil
}

// candidateScale forms x^r / (w^(1-r) + 1e-4) (or x^r without duo scaling),
// floored at 1e-4 and normalised so that max*min == 1. Non-finite entries
// become 1.
func candidateScale(xMean, wMean []float64, ratio float64, duo bool) []float32 {
	s := make([]float64, len(xMean))
	mx, mn := math.Inf(-1), math.Inf(1)
	for i, x := range xMean {
		v := math.Pow(x, ratio)
		if duo {
			v /= math.Pow(wMean[i], 1-ratio) + 1e-4
		}
		v = math.Max(v, 1e-4)
		s[i] = v
		mx, mn = math.Max(mx, v), math.Min(mn, v)
	}
	norm := math.Sqrt(mx * mn)
	out := make([]float32, len(s))
	for i, v := range s {
		f := float32(v / norm)
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			f = 1
		}
		out[i] = f
	}
	return out
}

// scaledTrial returns Q(W*diag(s)) / diag(s).
func scaledTrial(w *tensor.Mat, s []float32, c quant.Config) (*tensor.Mat, error) {
	if w == nil {
		return nil, nn.ErrQuantized
	}
	tw := w.Clone()
	for i := 0; i < tw.R; i++ {
		row := tw.Row(i)
		for j := range row {
			row[j] *= s[j]
		}
	}
	qw, _, err := c.PseudoQuantize(tw)
	if err != nil {
		return nil, err
	}
	for i := 0; i < qw.R; i++ {
		row := qw.Row(i)
		for j := range row {
			row[j] /= s[j]
		}
	}
	return qw, nil
}
