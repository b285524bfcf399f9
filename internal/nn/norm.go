package nn

import (
	"fmt"

	"github.com/samcharles93/awq/internal/tensor"
)

// RMSNorm normalises each token by its root mean square and applies a
// per-channel weight.
type RMSNorm struct {
	Name   string
	Weight []float32
	Eps    float32
}

func (n *RMSNorm) ForwardArgs() []string { return nil }

func (n *RMSNorm) Forward(x *tensor.Mat, _ Kwargs) (*tensor.Mat, error) {
	if x.C != len(n.Weight) {
		return nil, fmt.Errorf("nn: %s expects width %d, got %d", n.Name, len(n.Weight), x.C)
	}
	out := tensor.NewMat(x.R, x.C)
	for i := 0; i < x.R; i++ {
		tensor.RMSNorm(out.Row(i), x.Row(i), n.Weight, n.Eps)
	}
	return out, nil
}

func (n *RMSNorm) DivScale(s []float32) error {
	if len(s) != len(n.Weight) {
		return fmt.Errorf("nn: %d scales for %s of width %d", len(s), n.Name, len(n.Weight))
	}
	for i, v := range s {
		n.Weight[i] /= v
	}
	return nil
}

// LayerNorm normalises each token to zero mean and unit variance, then
// applies an affine weight and optional bias.
type LayerNorm struct {
	Name   string
	Weight []float32
	Bias   []float32
	Eps    float32
}

func (n *LayerNorm) ForwardArgs() []string { return nil }

func (n *LayerNorm) Forward(x *tensor.Mat, _ Kwargs) (*tensor.Mat, error) {
	if x.C != len(n.Weight) {
		return nil, fmt.Errorf("nn: %s expects width %d, got %d", n.Name, len(n.Weight), x.C)
	}
	out := tensor.NewMat(x.R, x.C)
	for i := 0; i < x.R; i++ {
		tensor.LayerNorm(out.Row(i), x.Row(i), n.Weight, n.Bias, n.Eps)
	}
	return out, nil
}

func (n *LayerNorm) DivScale(s []float32) error {
	if len(s) != len(n.Weight) {
		return fmt.Errorf("nn: %d scales for %s of width %d", len(s), n.Name, len(n.Weight))
	}
	for i, v := range s {
		n.Weight[i] /= v
		if n.Bias != nil {
			n.Bias[i] /= v
		}
	}
	return nil
}
