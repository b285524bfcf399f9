package nn

import (
	"fmt"

	"github.com/samcharles93/awq/internal/device"
	"github.com/samcharles93/awq/internal/tensor"
)

// placement records the device a block currently lives on.
type placement struct {
	dev device.Device
}

// To moves the block to d.
func (p *placement) To(d device.Device) { p.dev = d }

// Device returns where the block currently lives.
func (p *placement) Device() device.Device { return p.dev }

// DecoderLayer is a pre-norm causal transformer block:
//
//	h   = x + Attn(InputNorm(x))
//	out = h + FFN(PostNorm(h))
//
// FFN is MLP, or MoE when the block routes to experts.
type DecoderLayer struct {
	placement

	InputNorm *RMSNorm
	Attn      *Attention
	PostNorm  *RMSNorm
	MLP       *GatedMLP
	MoE       *SparseMoE
}

func (l *DecoderLayer) ForwardArgs() []string {
	return []string{KwAttentionMask, KwPositionIDs, KwUseCache}
}

func (l *DecoderLayer) Forward(x *tensor.Mat, kw Kwargs) (*tensor.Mat, error) {
	n, err := l.InputNorm.Forward(x, nil)
	if err != nil {
		return nil, err
	}
	a, err := l.Attn.Forward(n, Sanitize(kw, l.Attn))
	if err != nil {
		return nil, err
	}
	h := residual(x, a)
	n, err = l.PostNorm.Forward(h, nil)
	if err != nil {
		return nil, err
	}
	var f *tensor.Mat
	switch {
	case l.MoE != nil:
		f, err = l.MoE.Forward(n, nil)
	case l.MLP != nil:
		f, err = l.MLP.Forward(n, nil)
	default:
		return nil, fmt.Errorf("nn: decoder layer has no feed-forward")
	}
	if err != nil {
		return nil, err
	}
	return residual(h, f), nil
}

// Linears returns every projection of the block in execution order.
func (l *DecoderLayer) Linears() []*Linear {
	out := l.Attn.Linears()
	if l.MoE != nil {
		return append(out, l.MoE.Linears()...)
	}
	return append(out, l.MLP.Linears()...)
}

// EncoderLayer is a post-norm bidirectional transformer block:
//
//	h   = AttnNorm(AttnOut(Attn(x)) + x)
//	out = OutNorm(Output(Act(Intermediate(h))) + h)
type EncoderLayer struct {
	placement

	Attn         *Attention
	AttnOut      *Linear
	AttnNorm     *LayerNorm
	Intermediate *Linear
	Act          *ScaledActivation
	Output       *Linear
	OutNorm      *LayerNorm
}

func (l *EncoderLayer) ForwardArgs() []string {
	return []string{KwAttentionMask}
}

func (l *EncoderLayer) Forward(x *tensor.Mat, kw Kwargs) (*tensor.Mat, error) {
	ctx, err := l.Attn.Forward(x, Sanitize(kw, l.Attn))
	if err != nil {
		return nil, err
	}
	a, err := l.AttnOut.Forward(ctx, nil)
	if err != nil {
		return nil, err
	}
	h, err := l.AttnNorm.Forward(residual(x, a), nil)
	if err != nil {
		return nil, err
	}
	i, err := l.Intermediate.Forward(h, nil)
	if err != nil {
		return nil, err
	}
	i, err = l.Act.Forward(i, nil)
	if err != nil {
		return nil, err
	}
	o, err := l.Output.Forward(i, nil)
	if err != nil {
		return nil, err
	}
	return l.OutNorm.Forward(residual(h, o), nil)
}

func (l *EncoderLayer) Linears() []*Linear {
	return append(l.Attn.Linears(), l.AttnOut, l.Intermediate, l.Output)
}

func residual(x, y *tensor.Mat) *tensor.Mat {
	out := y.Clone()
	for i := 0; i < out.R; i++ {
		tensor.Add(out.Row(i), x.Row(i))
	}
	return out
}
