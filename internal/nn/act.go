package nn

import (
	"fmt"

	"github.com/samcharles93/awq/internal/tensor"
)

// Activation names the element-wise non-linearities used by the blocks.
type Activation string

const (
	ActSilu Activation = "silu"
	ActGelu Activation = "gelu"
)

// ParseActivation maps a hidden_act config value onto an Activation.
func ParseActivation(s string) (Activation, error) {
	switch s {
	case "silu", "swish":
		return ActSilu, nil
	case "gelu", "gelu_new", "gelu_pytorch_tanh":
		return ActGelu, nil
	}
	return "", fmt.Errorf("nn: unsupported activation %q", s)
}

func (a Activation) apply(v float32) float32 {
	if a == ActGelu {
		return tensor.Gelu(v)
	}
	return tensor.Silu(v)
}

// ScaledActivation computes act(x)/Scales per channel. A nil Scales is the
// plain activation; DivScale folds a smoothing scale into it.
type ScaledActivation struct {
	Name   string
	Act    Activation
	Scales []float32
}

func (a *ScaledActivation) ForwardArgs() []string { return nil }

func (a *ScaledActivation) Forward(x *tensor.Mat, _ Kwargs) (*tensor.Mat, error) {
	if a.Scales != nil && len(a.Scales) != x.C {
		return nil, fmt.Errorf("nn: %s has %d scales for width %d", a.Name, len(a.Scales), x.C)
	}
	out := tensor.NewMat(x.R, x.C)
	for i := 0; i < x.R; i++ {
		src, dst := x.Row(i), out.Row(i)
		for j, v := range src {
			dst[j] = a.Act.apply(v)
			if a.Scales != nil {
				dst[j] /= a.Scales[j]
			}
		}
	}
	return out, nil
}

func (a *ScaledActivation) DivScale(s []float32) error {
	if a.Scales == nil {
		a.Scales = make([]float32, len(s))
		for i := range a.Scales {
			a.Scales[i] = 1
		}
	}
	if len(s) != len(a.Scales) {
		return fmt.Errorf("nn: %d scales for %s of width %d", len(s), a.Name, len(a.Scales))
	}
	for i, v := range s {
		a.Scales[i] *= v
	}
	return nil
}
