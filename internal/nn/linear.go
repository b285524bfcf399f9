package nn

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/awq/internal/quant"
	"github.com/samcharles93/awq/internal/tensor"
)

// ErrQuantized is returned when a float operation is attempted on a linear
// whose full precision weight has already been discarded.
var ErrQuantized = errors.New("nn: linear already quantized")

// Linear computes y = x·Wᵀ + b with W laid out [Out x In].
type Linear struct {
	observers

	Name   string // name local to the owning layer, e.g. "self_attn.q_proj"
	Weight *tensor.Mat
	Bias   []float32

	trial  *tensor.Mat
	packed *quant.Packed
	deq    *tensor.Mat
}

// NewLinear wraps an existing weight (and optional bias).
func NewLinear(name string, w *tensor.Mat, bias []float32) *Linear {
	return &Linear{Name: name, Weight: w, Bias: bias}
}

// In returns the number of input channels.
func (l *Linear) In() int {
	if l.Weight != nil {
		return l.Weight.C
	}
	if l.packed != nil {
		return l.packed.Cols
	}
	return 0
}

// Out returns the number of output channels.
func (l *Linear) Out() int {
	if l.Weight != nil {
		return l.Weight.R
	}
	if l.packed != nil {
		return l.packed.Rows
	}
	return 0
}

func (l *Linear) ForwardArgs() []string { return nil }

// Forward notifies observers, then applies the trial weight if one is set,
// the full precision weight otherwise, or the dequantized packed weight after
// quantization.
func (l *Linear) Forward(x *tensor.Mat, _ Kwargs) (*tensor.Mat, error) {
	l.notify(x)
	w := l.effective()
	if w == nil {
		return nil, fmt.Errorf("nn: linear %s has no weight", l.Name)
	}
	if x.C != w.C {
		return nil, fmt.Errorf("nn: linear %s expects %d inputs, got %d", l.Name, w.C, x.C)
	}
	return tensor.Linear(x, w, l.Bias), nil
}

func (l *Linear) effective() *tensor.Mat {
	switch {
	case l.trial != nil:
		return l.trial
	case l.Weight != nil:
		return l.Weight
	default:
		return l.deq
	}
}

// DivScale divides the last len(s) output rows (and bias entries) by s.
func (l *Linear) DivScale(s []float32) error {
	if l.Weight == nil {
		return fmt.Errorf("%w: %s", ErrQuantized, l.Name)
	}
	if len(s) > l.Weight.R {
		return fmt.Errorf("nn: %d scales for %d output rows of %s", len(s), l.Weight.R, l.Name)
	}
	off := l.Weight.R - len(s)
	for i, v := range s {
		row := l.Weight.Row(off + i)
		for j := range row {
			row[j] /= v
		}
		if l.Bias != nil {
			l.Bias[off+i] /= v
		}
	}
	return nil
}

// MulScale multiplies every input column j of the weight by s[j].
func (l *Linear) MulScale(s []float32) error {
	if l.Weight == nil {
		return fmt.Errorf("%w: %s", ErrQuantized, l.Name)
	}
	if len(s) != l.Weight.C {
		return fmt.Errorf("nn: %d scales for %d input columns of %s", len(s), l.Weight.C, l.Name)
	}
	for i := 0; i < l.Weight.R; i++ {
		row := l.Weight.Row(i)
		for j := range row {
			row[j] *= s[j]
		}
	}
	return nil
}

// Clamp limits every weight to ±maxVal of its (row, group) cell. maxVal is
// [Out x groups].
func (l *Linear) Clamp(maxVal *tensor.Mat) error {
	if l.Weight == nil {
		return fmt.Errorf("%w: %s", ErrQuantized, l.Name)
	}
	if maxVal.R != l.Weight.R || maxVal.C == 0 || l.Weight.C%maxVal.C != 0 {
		return fmt.Errorf("nn: clip bounds %dx%d do not fit %s (%dx%d)", maxVal.R, maxVal.C, l.Name, l.Weight.R, l.Weight.C)
	}
	gl := l.Weight.C / maxVal.C
	for i := 0; i < l.Weight.R; i++ {
		row := l.Weight.Row(i)
		bounds := maxVal.Row(i)
		for j, v := range row {
			m := bounds[j/gl]
			row[j] = float32(math.Min(math.Max(float64(v), float64(-m)), float64(m)))
		}
	}
	return nil
}

// Quantize replaces the full precision weight with its packed integer form.
// The float weight is discarded; Forward keeps working on the dequantized
// codes.
func (l *Linear) Quantize(c quant.Config, f quant.Format) error {
	if l.Weight == nil {
		return fmt.Errorf("%w: %s", ErrQuantized, l.Name)
	}
	codes, p, err := c.Quantize(l.Weight)
	if err != nil {
		return fmt.Errorf("quantize %s: %w", l.Name, err)
	}
	pk, err := f.Pack(c, codes, l.Weight.R, l.Weight.C, p)
	if err != nil {
		return fmt.Errorf("pack %s: %w", l.Name, err)
	}
	deq, err := c.Dequantize(codes, l.Weight.R, l.Weight.C, p)
	if err != nil {
		return fmt.Errorf("dequantize %s: %w", l.Name, err)
	}
	l.packed = pk
	l.deq = deq
	l.Weight = nil
	return nil
}

// LoadPacked installs an already packed weight, e.g. one read back from disk.
func (l *Linear) LoadPacked(pk *quant.Packed) error {
	codes, p, err := pk.Unpack()
	if err != nil {
		return err
	}
	c := quant.Config{Bits: pk.Bits, GroupSize: pk.GroupSize, ZeroPoint: p.Zeros != nil}
	deq, err := c.Dequantize(codes, pk.Rows, pk.Cols, p)
	if err != nil {
		return err
	}
	l.packed = pk
	l.deq = deq
	l.Weight = nil
	return nil
}

// Packed returns the packed weight, or nil before quantization.
func (l *Linear) Packed() *quant.Packed { return l.packed }

// Quantized reports whether the float weight has been replaced.
func (l *Linear) Quantized() bool { return l.packed != nil }

// WithTrialWeights runs fn with each linear temporarily computing with its
// trial weight. The true weights are never written; the trial pointers are
// cleared before returning.
func WithTrialWeights(trials map[*Linear]*tensor.Mat, fn func() error) error {
	for l, w := range trials {
		if w.R != l.Out() || w.C != l.In() {
			clearTrials(trials)
			return fmt.Errorf("nn: trial weight %dx%d does not fit %s", w.R, w.C, l.Name)
		}
		l.trial = w
	}
	defer clearTrials(trials)
	return fn()
}

func clearTrials(trials map[*Linear]*tensor.Mat) {
	for l := range trials {
		l.trial = nil
	}
}
